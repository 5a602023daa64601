package services

import (
	"context"
	"fmt"

	"connectrpc.com/connect"

	"github.com/windrose-io/dronebridge/internal/mavlink"
	"github.com/windrose-io/dronebridge/internal/server"
)

// FlightMode names a generic flight mode the local operator surface can
// request; mapFlightModeToPX4 translates it into a PX4 custom_mode value.
type FlightMode string

const (
	FlightModeManual       FlightMode = "manual"
	FlightModeStabilized   FlightMode = "stabilized"
	FlightModeAltitudeHold FlightMode = "altitude_hold"
	FlightModePositionHold FlightMode = "position_hold"
	FlightModeGuided       FlightMode = "guided"
	FlightModeAuto         FlightMode = "auto"
	FlightModeReturnHome   FlightMode = "return_home"
	FlightModeLand         FlightMode = "land"
	FlightModeTakeoff      FlightMode = "takeoff"
	FlightModeLoiter       FlightMode = "loiter"
)

// ArmRequest/ArmResponse, DisarmRequest/DisarmResponse, ... below mirror the
// per-operation request/response shape, scoped per drone_id
// instead of a single implicit connection.

type ArmRequest struct {
	DroneID string `json:"drone_id"`
}
type ArmResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type DisarmRequest struct {
	DroneID string `json:"drone_id"`
}
type DisarmResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type SetFlightModeRequest struct {
	DroneID string     `json:"drone_id"`
	Mode    FlightMode `json:"mode"`
}
type SetFlightModeResponse struct {
	Success     bool       `json:"success"`
	Message     string     `json:"message"`
	CurrentMode FlightMode `json:"current_mode"`
}

type TakeoffRequest struct {
	DroneID  string  `json:"drone_id"`
	Altitude float64 `json:"altitude"`
}
type TakeoffResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type LandRequest struct {
	DroneID string `json:"drone_id"`
}
type LandResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type ReturnHomeRequest struct {
	DroneID string `json:"drone_id"`
}
type ReturnHomeResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Position is a bare lat/lon/altitude-AGL target for GoToPosition.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

type GoToPositionRequest struct {
	DroneID string   `json:"drone_id"`
	Target  Position `json:"target"`
}
type GoToPositionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ControlServer implements flight-command operations for the local
// operator surface, generalized from a single *mavlink.Client
// model to per-drone Sessions looked up by drone_id.
type ControlServer struct {
	deps *server.Dependencies
}

// NewControlServer creates a new ControlServer.
func NewControlServer(deps *server.Dependencies) *ControlServer {
	return &ControlServer{deps: deps}
}

func (s *ControlServer) session(droneID string) (*mavlink.Client, error) {
	sess := s.deps.Sessions.Get(droneID)
	if sess == nil {
		return nil, fmt.Errorf("not connected to drone %s, call Connect first", droneID)
	}
	client := sess.Client()
	if client == nil || !client.IsConnected() {
		return nil, fmt.Errorf("drone %s is not connected", droneID)
	}
	return client, nil
}

func (s *ControlServer) Arm(
	ctx context.Context,
	req *connect.Request[ArmRequest],
) (*connect.Response[ArmResponse], error) {
	s.deps.GetLogger().Printf("arm request: drone_id=%s", req.Msg.DroneID)

	client, err := s.session(req.Msg.DroneID)
	if err != nil {
		return connect.NewResponse(&ArmResponse{Success: false, Message: err.Error()}), nil
	}
	if err := client.Arm(); err != nil {
		return connect.NewResponse(&ArmResponse{Success: false, Message: err.Error()}), nil
	}
	return connect.NewResponse(&ArmResponse{Success: true, Message: "arm command sent"}), nil
}

func (s *ControlServer) Disarm(
	ctx context.Context,
	req *connect.Request[DisarmRequest],
) (*connect.Response[DisarmResponse], error) {
	s.deps.GetLogger().Printf("disarm request: drone_id=%s", req.Msg.DroneID)

	client, err := s.session(req.Msg.DroneID)
	if err != nil {
		return connect.NewResponse(&DisarmResponse{Success: false, Message: err.Error()}), nil
	}
	if err := client.Disarm(); err != nil {
		return connect.NewResponse(&DisarmResponse{Success: false, Message: err.Error()}), nil
	}
	return connect.NewResponse(&DisarmResponse{Success: true, Message: "disarm command sent"}), nil
}

func (s *ControlServer) SetFlightMode(
	ctx context.Context,
	req *connect.Request[SetFlightModeRequest],
) (*connect.Response[SetFlightModeResponse], error) {
	logger := s.deps.GetLogger()
	logger.Printf("set flight mode request: drone_id=%s mode=%s", req.Msg.DroneID, req.Msg.Mode)

	client, err := s.session(req.Msg.DroneID)
	if err != nil {
		return connect.NewResponse(&SetFlightModeResponse{Success: false, Message: err.Error()}), nil
	}

	customMode, err := mapFlightModeToPX4(req.Msg.Mode)
	if err != nil {
		return connect.NewResponse(&SetFlightModeResponse{Success: false, Message: err.Error()}), nil
	}

	if err := client.SetMode(customMode); err != nil {
		return connect.NewResponse(&SetFlightModeResponse{
			Success: false,
			Message: fmt.Sprintf("failed to set mode: %v", err),
		}), nil
	}

	return connect.NewResponse(&SetFlightModeResponse{
		Success:     true,
		Message:     fmt.Sprintf("flight mode changed to %s", req.Msg.Mode),
		CurrentMode: req.Msg.Mode,
	}), nil
}

// mapFlightModeToPX4 maps the generic FlightMode to PX4's custom_mode
// encoding (main_mode | (sub_mode << 16) for AUTO sub-modes).
func mapFlightModeToPX4(mode FlightMode) (uint32, error) {
	switch mode {
	case FlightModeManual:
		return mavlink.PX4MainModeManual, nil
	case FlightModeStabilized:
		return mavlink.PX4MainModeStabilized, nil
	case FlightModeAltitudeHold:
		return mavlink.PX4MainModeAltctl, nil
	case FlightModePositionHold:
		return mavlink.PX4MainModePosctl, nil
	case FlightModeGuided:
		return mavlink.PX4MainModeOffboard, nil
	case FlightModeAuto:
		return encodePX4AutoMode(mavlink.PX4AutoModeMission), nil
	case FlightModeReturnHome:
		return encodePX4AutoMode(mavlink.PX4AutoModeRTL), nil
	case FlightModeLand:
		return encodePX4AutoMode(mavlink.PX4AutoModeLand), nil
	case FlightModeTakeoff:
		return encodePX4AutoMode(mavlink.PX4AutoModeTakeoff), nil
	case FlightModeLoiter:
		return encodePX4AutoMode(mavlink.PX4AutoModeLoiter), nil
	default:
		return 0, fmt.Errorf("unsupported flight mode: %s", mode)
	}
}

func encodePX4AutoMode(subMode uint32) uint32 {
	return mavlink.PX4MainModeAuto | (subMode << 16)
}

func (s *ControlServer) Takeoff(
	ctx context.Context,
	req *connect.Request[TakeoffRequest],
) (*connect.Response[TakeoffResponse], error) {
	s.deps.GetLogger().Printf("takeoff request: drone_id=%s altitude=%.2fm", req.Msg.DroneID, req.Msg.Altitude)

	sess := s.deps.Sessions.Get(req.Msg.DroneID)
	if sess == nil || !sess.IsConnected() {
		return connect.NewResponse(&TakeoffResponse{Success: false, Message: "drone is not connected"}), nil
	}
	if err := sess.Takeoff(ctx, req.Msg.Altitude); err != nil {
		return connect.NewResponse(&TakeoffResponse{Success: false, Message: err.Error()}), nil
	}
	return connect.NewResponse(&TakeoffResponse{Success: true, Message: "takeoff command sent"}), nil
}

func (s *ControlServer) Land(
	ctx context.Context,
	req *connect.Request[LandRequest],
) (*connect.Response[LandResponse], error) {
	s.deps.GetLogger().Printf("land request: drone_id=%s", req.Msg.DroneID)

	client, err := s.session(req.Msg.DroneID)
	if err != nil {
		return connect.NewResponse(&LandResponse{Success: false, Message: err.Error()}), nil
	}
	if err := client.Land(); err != nil {
		return connect.NewResponse(&LandResponse{Success: false, Message: err.Error()}), nil
	}
	return connect.NewResponse(&LandResponse{Success: true, Message: "land command sent"}), nil
}

func (s *ControlServer) ReturnHome(
	ctx context.Context,
	req *connect.Request[ReturnHomeRequest],
) (*connect.Response[ReturnHomeResponse], error) {
	s.deps.GetLogger().Printf("return home request: drone_id=%s", req.Msg.DroneID)

	client, err := s.session(req.Msg.DroneID)
	if err != nil {
		return connect.NewResponse(&ReturnHomeResponse{Success: false, Message: err.Error()}), nil
	}
	if err := client.ReturnToLaunch(); err != nil {
		return connect.NewResponse(&ReturnHomeResponse{Success: false, Message: err.Error()}), nil
	}
	return connect.NewResponse(&ReturnHomeResponse{Success: true, Message: "return home command sent"}), nil
}

func (s *ControlServer) GoToPosition(
	ctx context.Context,
	req *connect.Request[GoToPositionRequest],
) (*connect.Response[GoToPositionResponse], error) {
	logger := s.deps.GetLogger()
	logger.Printf("go to position request: drone_id=%s lat=%.6f lon=%.6f alt=%.2f",
		req.Msg.DroneID, req.Msg.Target.Latitude, req.Msg.Target.Longitude, req.Msg.Target.Altitude)

	sess := s.deps.Sessions.Get(req.Msg.DroneID)
	if sess == nil || !sess.IsConnected() {
		return connect.NewResponse(&GoToPositionResponse{Success: false, Message: "drone is not connected"}), nil
	}

	if err := sess.GotoLocation(ctx, req.Msg.Target.Latitude, req.Msg.Target.Longitude, req.Msg.Target.Altitude); err != nil {
		return connect.NewResponse(&GoToPositionResponse{Success: false, Message: err.Error()}), nil
	}

	return connect.NewResponse(&GoToPositionResponse{Success: true, Message: "position command sent"}), nil
}
