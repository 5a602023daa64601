package services

import (
	"context"
	"fmt"
	"time"

	"connectrpc.com/connect"

	"github.com/windrose-io/dronebridge/internal/mavlink"
	"github.com/windrose-io/dronebridge/internal/server"
)

// StreamTelemetryRequest asks for one drone's telemetry at a fixed rate.
type StreamTelemetryRequest struct {
	DroneID string `json:"drone_id"`
	RateHz  int    `json:"rate_hz"`
}

// PositionDTO mirrors services.Position but is named distinctly here to
// keep telemetry responses self-contained.
type PositionDTO struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

// VelocityDTO is velocity in the north-east-down frame, meters/second.
type VelocityDTO struct {
	North float64 `json:"north"`
	East  float64 `json:"east"`
	Down  float64 `json:"down"`
}

// BatteryStatus reports the battery facet of telemetry.
type BatteryStatus struct {
	Voltage   float64 `json:"voltage"`
	Current   float64 `json:"current"`
	Remaining int32   `json:"remaining_percent"`
}

// TelemetrySnapshot is one point-in-time telemetry reading for a drone.
type TelemetrySnapshot struct {
	TimestampMs    int64         `json:"timestamp_ms"`
	Position       PositionDTO   `json:"position"`
	Velocity       VelocityDTO   `json:"velocity"`
	Battery        BatteryStatus `json:"battery"`
	Armed          bool          `json:"armed"`
	Mode           FlightMode    `json:"mode"`
	HeadingDeg     float64       `json:"heading_deg"`
	GroundSpeedMps float64       `json:"ground_speed_mps"`
	GPSFixType     int32         `json:"gps_fix_type"`
	SatelliteCount int32         `json:"satellite_count"`
}

// GetSnapshotRequest asks for one drone's current telemetry.
type GetSnapshotRequest struct {
	DroneID string `json:"drone_id"`
}

// TelemetryServer implements telemetry read operations for the local
// operator surface, generalized from a single *mavlink.Client
// model to per-drone Sessions looked up by drone_id.
type TelemetryServer struct {
	deps *server.Dependencies
}

// NewTelemetryServer creates a new TelemetryServer.
func NewTelemetryServer(deps *server.Dependencies) *TelemetryServer {
	return &TelemetryServer{deps: deps}
}

func buildSnapshot(client *mavlink.Client) TelemetrySnapshot {
	t := client.GetTelemetry()
	return TelemetrySnapshot{
		TimestampMs: time.Now().UnixMilli(),
		Position: PositionDTO{
			Latitude:  t.LatitudeDeg,
			Longitude: t.LongitudeDeg,
			Altitude:  t.AltitudeAGLM,
		},
		Velocity: VelocityDTO{
			North: t.VelocityNorth,
			East:  t.VelocityEast,
			Down:  t.VelocityDown,
		},
		Battery: BatteryStatus{
			Voltage:   t.BatteryVoltage,
			Current:   t.BatteryCurrent,
			Remaining: t.BatteryPercent,
		},
		Armed:          t.Armed,
		Mode:           mapPX4ModeToFlightMode(t.CustomMode),
		HeadingDeg:     t.HeadingDeg,
		GroundSpeedMps: t.GroundSpeedMps,
		GPSFixType:     t.GPSFixType,
		SatelliteCount: t.SatelliteCount,
	}
}

// StreamTelemetry streams real-time telemetry for one drone at a fixed rate.
func (s *TelemetryServer) StreamTelemetry(
	ctx context.Context,
	req *connect.Request[StreamTelemetryRequest],
	stream *connect.ServerStream[TelemetrySnapshot],
) error {
	logger := s.deps.GetLogger()
	logger.Printf("stream telemetry request: drone_id=%s rate_hz=%d", req.Msg.DroneID, req.Msg.RateHz)

	sess := s.deps.Sessions.Get(req.Msg.DroneID)
	if sess == nil {
		return connect.NewError(connect.CodeFailedPrecondition, fmt.Errorf("not connected to drone %s", req.Msg.DroneID))
	}
	client := sess.Client()
	if client == nil {
		return connect.NewError(connect.CodeFailedPrecondition, fmt.Errorf("drone %s is not connected", req.Msg.DroneID))
	}

	interval := time.Second
	if req.Msg.RateHz > 0 {
		interval = time.Second / time.Duration(req.Msg.RateHz)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snapshot := buildSnapshot(client)
			if err := stream.Send(&snapshot); err != nil {
				logger.Printf("stream telemetry: send error for %s: %v", req.Msg.DroneID, err)
				return err
			}
		}
	}
}

// GetSnapshot returns one drone's current telemetry.
func (s *TelemetryServer) GetSnapshot(
	ctx context.Context,
	req *connect.Request[GetSnapshotRequest],
) (*connect.Response[TelemetrySnapshot], error) {
	sess := s.deps.Sessions.Get(req.Msg.DroneID)
	if sess == nil {
		return nil, connect.NewError(connect.CodeFailedPrecondition, fmt.Errorf("not connected to drone %s", req.Msg.DroneID))
	}
	client := sess.Client()
	if client == nil {
		return nil, connect.NewError(connect.CodeFailedPrecondition, fmt.Errorf("drone %s is not connected", req.Msg.DroneID))
	}

	snapshot := buildSnapshot(client)
	return connect.NewResponse(&snapshot), nil
}

// mapPX4ModeToFlightMode maps a PX4 custom_mode value back to the generic
// FlightMode vocabulary, reversing mapFlightModeToPX4.
func mapPX4ModeToFlightMode(customMode uint32) FlightMode {
	mainMode := customMode & 0xFF
	subMode := (customMode >> 16) & 0xFF

	switch mainMode {
	case mavlink.PX4MainModeManual:
		return FlightModeManual
	case mavlink.PX4MainModeStabilized:
		return FlightModeStabilized
	case mavlink.PX4MainModeAltctl:
		return FlightModeAltitudeHold
	case mavlink.PX4MainModePosctl:
		return FlightModePositionHold
	case mavlink.PX4MainModeOffboard:
		return FlightModeGuided
	case mavlink.PX4MainModeAuto:
		switch subMode {
		case mavlink.PX4AutoModeMission:
			return FlightModeAuto
		case mavlink.PX4AutoModeRTL:
			return FlightModeReturnHome
		case mavlink.PX4AutoModeLand:
			return FlightModeLand
		case mavlink.PX4AutoModeTakeoff:
			return FlightModeTakeoff
		case mavlink.PX4AutoModeLoiter:
			return FlightModeLoiter
		default:
			return FlightModeAuto
		}
	default:
		return FlightModeManual
	}
}
