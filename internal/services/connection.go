package services

import (
	"context"

	"connectrpc.com/connect"

	"github.com/windrose-io/dronebridge/internal/server"
)

// ConnectRequest asks the local operator surface to bring up a Session for
// one registered drone.
type ConnectRequest struct {
	DroneID string `json:"drone_id"`
}

// ConnectResponse reports whether the Session came up.
type ConnectResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// DisconnectRequest asks the local operator surface to tear a Session down.
type DisconnectRequest struct {
	DroneID string `json:"drone_id"`
}

// DisconnectResponse reports whether the Session was torn down.
type DisconnectResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// DroneStatus summarizes one drone's registry entry and live connection
// state, for ListDrones.
type DroneStatus struct {
	DroneID   string `json:"drone_id"`
	Connected bool   `json:"connected"`
	Armed     bool   `json:"armed"`
}

// ListDronesResponse enumerates every registered drone's status.
type ListDronesResponse struct {
	Drones []DroneStatus `json:"drones"`
}

// GetStatusRequest asks for one drone's connection status.
type GetStatusRequest struct {
	DroneID string `json:"drone_id"`
}

// GetStatusResponse reports one drone's connection status.
type GetStatusResponse struct {
	DroneID   string `json:"drone_id"`
	Connected bool   `json:"connected"`
	Armed     bool   `json:"armed"`
}

// ConnectionServer implements drone Session lifecycle operations for the
// local operator surface, generalized from a single
// *mavlink.Client model to *server.Dependencies' multi-drone Sessions.
type ConnectionServer struct {
	deps *server.Dependencies
}

// NewConnectionServer creates a new ConnectionServer.
func NewConnectionServer(deps *server.Dependencies) *ConnectionServer {
	return &ConnectionServer{deps: deps}
}

func (s *ConnectionServer) Connect(
	ctx context.Context,
	req *connect.Request[ConnectRequest],
) (*connect.Response[ConnectResponse], error) {
	logger := s.deps.GetLogger()
	logger.Printf("connect request: drone_id=%s", req.Msg.DroneID)

	if _, err := s.deps.Connect(ctx, req.Msg.DroneID); err != nil {
		return connect.NewResponse(&ConnectResponse{Success: false, Message: err.Error()}), nil
	}

	return connect.NewResponse(&ConnectResponse{Success: true, Message: "session started"}), nil
}

func (s *ConnectionServer) Disconnect(
	ctx context.Context,
	req *connect.Request[DisconnectRequest],
) (*connect.Response[DisconnectResponse], error) {
	logger := s.deps.GetLogger()
	logger.Printf("disconnect request: drone_id=%s", req.Msg.DroneID)

	if err := s.deps.Disconnect(req.Msg.DroneID); err != nil {
		return connect.NewResponse(&DisconnectResponse{Success: false, Message: err.Error()}), nil
	}

	return connect.NewResponse(&DisconnectResponse{Success: true, Message: "session stopped"}), nil
}

func (s *ConnectionServer) GetStatus(
	ctx context.Context,
	req *connect.Request[GetStatusRequest],
) (*connect.Response[GetStatusResponse], error) {
	sess := s.deps.Sessions.Get(req.Msg.DroneID)
	if sess == nil {
		return connect.NewResponse(&GetStatusResponse{DroneID: req.Msg.DroneID, Connected: false}), nil
	}

	snap := sess.Snapshot()
	return connect.NewResponse(&GetStatusResponse{
		DroneID:   req.Msg.DroneID,
		Connected: sess.IsConnected(),
		Armed:     snap.Armed,
	}), nil
}

func (s *ConnectionServer) ListDrones(
	ctx context.Context,
	req *connect.Request[struct{}],
) (*connect.Response[ListDronesResponse], error) {
	registry := s.deps.GetDroneRegistry()

	out := make([]DroneStatus, 0, len(registry.Drones))
	for _, drone := range registry.Drones {
		status := DroneStatus{DroneID: drone.ID}
		if sess := s.deps.Sessions.Get(drone.ID); sess != nil {
			status.Connected = sess.IsConnected()
			status.Armed = sess.Snapshot().Armed
		}
		out = append(out, status)
	}

	return connect.NewResponse(&ListDronesResponse{Drones: out}), nil
}
