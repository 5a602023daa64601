package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"

	"github.com/windrose-io/dronebridge/internal/server"
)

// RouteWaypoint is one leg of a manual multi-waypoint test route.
type RouteWaypoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

// StartRouteRequest asks the local operator surface to fly a drone through
// an ordered list of waypoints, one GotoLocation at a time, rather than
// uploading a MAVLink mission plan.
type StartRouteRequest struct {
	DroneID   string          `json:"drone_id"`
	Waypoints []RouteWaypoint `json:"waypoints"`
}

// StartRouteResponse returns the job id used to poll progress.
type StartRouteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	JobID   string `json:"job_id,omitempty"`
}

// RouteStatus enumerates a route job's lifecycle.
type RouteStatus string

const (
	RouteStatusInProgress RouteStatus = "IN_PROGRESS"
	RouteStatusCompleted  RouteStatus = "COMPLETED"
	RouteStatusFailed     RouteStatus = "FAILED"
)

// GetRouteProgressRequest asks for one route job's status.
type GetRouteProgressRequest struct {
	JobID string `json:"job_id"`
}

// GetRouteProgressResponse reports one route job's status.
type GetRouteProgressResponse struct {
	JobID           string      `json:"job_id"`
	Status          RouteStatus `json:"status"`
	CurrentWaypoint int         `json:"current_waypoint"`
	TotalWaypoints  int         `json:"total_waypoints"`
	Message         string      `json:"message,omitempty"`
}

type routeJob struct {
	mu      sync.RWMutex
	status  RouteStatus
	current int
	total   int
	message string
}

func (j *routeJob) snapshot(jobID string) GetRouteProgressResponse {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return GetRouteProgressResponse{
		JobID:           jobID,
		Status:          j.status,
		CurrentWaypoint: j.current,
		TotalWaypoints:  j.total,
		Message:         j.message,
	}
}

// MissionServer runs manual multi-waypoint test routes against a single
// Session, for operator verification of GotoLocation sequencing without
// going through the Task Agent/C2.
type MissionServer struct {
	deps *server.Dependencies

	mu   sync.Mutex
	jobs map[string]*routeJob
}

// NewMissionServer creates a new MissionServer.
func NewMissionServer(deps *server.Dependencies) *MissionServer {
	return &MissionServer{deps: deps, jobs: make(map[string]*routeJob)}
}

func (s *MissionServer) StartRoute(
	ctx context.Context,
	req *connect.Request[StartRouteRequest],
) (*connect.Response[StartRouteResponse], error) {
	logger := s.deps.GetLogger()
	logger.Printf("start route request: drone_id=%s waypoints=%d", req.Msg.DroneID, len(req.Msg.Waypoints))

	if len(req.Msg.Waypoints) == 0 {
		return connect.NewResponse(&StartRouteResponse{Success: false, Message: "route must have at least one waypoint"}), nil
	}

	sess := s.deps.Sessions.Get(req.Msg.DroneID)
	if sess == nil || !sess.IsConnected() {
		return connect.NewResponse(&StartRouteResponse{Success: false, Message: "drone is not connected"}), nil
	}

	jobID := uuid.NewString()
	job := &routeJob{status: RouteStatusInProgress, total: len(req.Msg.Waypoints)}

	s.mu.Lock()
	s.jobs[jobID] = job
	s.mu.Unlock()

	go s.runRoute(jobID, job, sess, req.Msg.Waypoints)

	return connect.NewResponse(&StartRouteResponse{Success: true, Message: "route started", JobID: jobID}), nil
}

func (s *MissionServer) runRoute(jobID string, job *routeJob, sess routeSession, waypoints []RouteWaypoint) {
	logger := s.deps.GetLogger()

	for i, wp := range waypoints {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := sess.GotoLocation(ctx, wp.Latitude, wp.Longitude, wp.Altitude)
		cancel()

		if err != nil {
			job.mu.Lock()
			job.status = RouteStatusFailed
			job.message = fmt.Sprintf("waypoint %d: %v", i, err)
			job.mu.Unlock()
			logger.Printf("route %s failed at waypoint %d: %v", jobID, i, err)
			return
		}

		job.mu.Lock()
		job.current = i + 1
		job.mu.Unlock()
	}

	job.mu.Lock()
	job.status = RouteStatusCompleted
	job.mu.Unlock()
}

// routeSession is the subset of *session.Session's surface runRoute needs,
// accepted as an interface so tests can substitute a fake.
type routeSession interface {
	IsConnected() bool
	GotoLocation(ctx context.Context, lat, lon, altAGL float64) error
}

func (s *MissionServer) GetRouteProgress(
	ctx context.Context,
	req *connect.Request[GetRouteProgressRequest],
) (*connect.Response[GetRouteProgressResponse], error) {
	s.mu.Lock()
	job, ok := s.jobs[req.Msg.JobID]
	s.mu.Unlock()
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("no such route job: %s", req.Msg.JobID))
	}

	snap := job.snapshot(req.Msg.JobID)
	return connect.NewResponse(&snap), nil
}

// StreamRouteProgress streams a route job's progress until it reaches a
// terminal state.
func (s *MissionServer) StreamRouteProgress(
	ctx context.Context,
	req *connect.Request[GetRouteProgressRequest],
	stream *connect.ServerStream[GetRouteProgressResponse],
) error {
	s.mu.Lock()
	job, ok := s.jobs[req.Msg.JobID]
	s.mu.Unlock()
	if !ok {
		return connect.NewError(connect.CodeNotFound, fmt.Errorf("no such route job: %s", req.Msg.JobID))
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := job.snapshot(req.Msg.JobID)
			if err := stream.Send(&snap); err != nil {
				return err
			}
			if snap.Status != RouteStatusInProgress {
				return nil
			}
		}
	}
}
