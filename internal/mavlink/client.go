// Package mavlink implements the UAV Client Adapter: a thin wrapper over a
// MAVLink connection that exposes typed commands (arm/disarm/takeoff/goto/
// RTL/land/hold) and a telemetry snapshot, per the unit-of-altitude
// convention that all externally supplied altitudes are AGL and conversion
// to AMSL happens inside this package.
package mavlink

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

// PX4 Main Flight Modes, encoded in MAVLink's custom_mode field.
const (
	PX4MainModeManual     = 1
	PX4MainModeAltctl     = 2
	PX4MainModePosctl     = 3
	PX4MainModeAuto       = 4
	PX4MainModeAcro       = 5
	PX4MainModeOffboard   = 6
	PX4MainModeStabilized = 7
	PX4MainModeRattitude  = 8
)

// PX4 AUTO sub-modes, valid when main mode is PX4MainModeAuto.
const (
	PX4AutoModeReady    = 1
	PX4AutoModeTakeoff  = 2
	PX4AutoModeLoiter   = 3
	PX4AutoModeMission  = 4
	PX4AutoModeRTL      = 5
	PX4AutoModeLand     = 6
	PX4AutoModeFollow   = 8
	PX4AutoModePrecland = 9
)

// Position target type mask bits (tell the autopilot which fields to use).
const (
	typeMaskXIgnore       = 0b0000000000000001
	typeMaskYIgnore       = 0b0000000000000010
	typeMaskZIgnore       = 0b0000000000000100
	typeMaskVxIgnore      = 0b0000000000001000
	typeMaskVyIgnore      = 0b0000000000010000
	typeMaskVzIgnore      = 0b0000000000100000
	typeMaskAxIgnore      = 0b0000000001000000
	typeMaskAyIgnore      = 0b0000000010000000
	typeMaskAzIgnore      = 0b0000000100000000
	typeMaskYawIgnore     = 0b0000010000000000
	typeMaskYawRateIgnore = 0b0000100000000000
)

// Telemetry is the raw, unsmoothed state this adapter has last observed.
// The Drone Session layer (internal/session) is responsible for smoothing
// and caching; this adapter reports exactly what the link last said.
type Telemetry struct {
	LatitudeDeg    float64
	LongitudeDeg   float64
	AltitudeAGLM   float64
	AltitudeAMSLM  float64
	VelocityNorth  float64 // m/s
	VelocityEast   float64
	VelocityDown   float64
	HeadingDeg     float64 // [0, 360)
	GroundSpeedMps float64
	BatteryVoltage float64
	BatteryPercent int32
	BatteryCurrent float64
	GPSFixType     int32
	SatelliteCount int32
	Armed          bool
	CustomMode     uint32
	BaseMode       uint8
	LastUpdate     time.Time
}

// PositionValid reports whether the reported lat/lon is non-degenerate, per
// the epsilon convention used throughout this system (ε = 1e-6).
func (t Telemetry) PositionValid() bool {
	const eps = 1e-6
	return math.Abs(t.LatitudeDeg) > eps && math.Abs(t.LongitudeDeg) > eps
}

// Client wraps a gomavlib.Node for a single UAV connection.
type Client struct {
	node     *gomavlib.Node
	systemID uint8
	logger   *log.Logger

	mu            sync.RWMutex
	connected     bool
	armed         bool
	lastHeartbeat time.Time
	telemetry     Telemetry

	port     string
	baudRate int

	stopHeartbeat chan struct{}
	heartbeatDone chan struct{}
}

// Config holds MAVLink client configuration.
type Config struct {
	Port     string
	BaudRate int
	Logger   *log.Logger
}

// NewClient opens a gomavlib node over the given serial endpoint and starts
// the background listener and ground-station heartbeat sender.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints: []gomavlib.EndpointConf{
			gomavlib.EndpointSerial{
				Device: cfg.Port,
				Baud:   cfg.BaudRate,
			},
		},
		Dialect:     common.Dialect,
		OutVersion:  gomavlib.V2,
		OutSystemID: 255, // ground control station
	})
	if err != nil {
		return nil, fmt.Errorf("mavlink: create node: %w", err)
	}

	c := &Client{
		node:          node,
		logger:        cfg.Logger,
		port:          cfg.Port,
		baudRate:      cfg.BaudRate,
		telemetry:     Telemetry{LastUpdate: time.Now()},
		stopHeartbeat: make(chan struct{}),
		heartbeatDone: make(chan struct{}),
	}

	go c.listen()
	go c.sendGroundStationMessages()

	return c, nil
}

func (c *Client) sendGroundStationMessages() {
	defer close(c.heartbeatDone)

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopHeartbeat:
			return
		case <-ticker.C:
			if err := c.node.WriteMessageAll(&common.MessageHeartbeat{
				Type:           common.MAV_TYPE_GCS,
				Autopilot:      common.MAV_AUTOPILOT_INVALID,
				SystemStatus:   common.MAV_STATE_ACTIVE,
				MavlinkVersion: 3,
			}); err != nil {
				c.logger.Printf("mavlink: heartbeat send: %v", err)
			}

			now := time.Now()
			if err := c.node.WriteMessageAll(&common.MessageSystemTime{
				TimeUnixUsec: uint64(now.UnixMicro()),
				TimeBootMs:   uint32(now.UnixMilli() % (1 << 32)),
			}); err != nil {
				c.logger.Printf("mavlink: system time send: %v", err)
			}
		}
	}
}

func (c *Client) requestDataStreams() error {
	c.mu.RLock()
	systemID := c.systemID
	c.mu.RUnlock()

	return c.node.WriteMessageAll(&common.MessageRequestDataStream{
		TargetSystem:    systemID,
		TargetComponent: 1,
		ReqStreamId:     uint8(common.MAV_DATA_STREAM_ALL),
		ReqMessageRate:  10,
		StartStop:       1,
	})
}

func (c *Client) listen() {
	for evt := range c.node.Events() {
		if frm, ok := evt.(*gomavlib.EventFrame); ok {
			c.handleMessage(frm.Message(), frm.SystemID())
		}
	}
}

func (c *Client) handleMessage(msg message.Message, sysID uint8) {
	switch m := msg.(type) {
	case *common.MessageHeartbeat:
		c.handleHeartbeat(m, sysID)
	case *common.MessageCommandAck:
		c.handleCommandAck(m)
	case *common.MessageStatustext:
		c.logger.Printf("mavlink status[%d]: %s", m.Severity, m.Text)
	case *common.MessageGlobalPositionInt:
		c.handleGlobalPosition(m)
	case *common.MessageAttitude:
		c.handleAttitude(m)
	case *common.MessageVfrHud:
		c.handleVfrHud(m)
	case *common.MessageSysStatus:
		c.handleSysStatus(m)
	case *common.MessageGpsRawInt:
		c.handleGpsRaw(m)
	}
}

func (c *Client) handleHeartbeat(msg *common.MessageHeartbeat, sysID uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		c.logger.Printf("mavlink: connected to system %d", sysID)
	}
	c.connected = true
	c.systemID = sysID
	c.lastHeartbeat = time.Now()

	c.armed = (msg.BaseMode & common.MAV_MODE_FLAG_SAFETY_ARMED) != 0
	c.telemetry.Armed = c.armed
	c.telemetry.CustomMode = msg.CustomMode
	c.telemetry.BaseMode = uint8(msg.BaseMode)
}

func (c *Client) handleGlobalPosition(msg *common.MessageGlobalPositionInt) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.telemetry.LatitudeDeg = float64(msg.Lat) / 1e7
	c.telemetry.LongitudeDeg = float64(msg.Lon) / 1e7
	c.telemetry.AltitudeAMSLM = float64(msg.Alt) / 1000.0
	c.telemetry.AltitudeAGLM = float64(msg.RelativeAlt) / 1000.0
	c.telemetry.VelocityNorth = float64(msg.Vx) / 100.0
	c.telemetry.VelocityEast = float64(msg.Vy) / 100.0
	c.telemetry.VelocityDown = float64(msg.Vz) / 100.0
	c.telemetry.LastUpdate = time.Now()
}

func (c *Client) handleAttitude(msg *common.MessageAttitude) {
	c.mu.Lock()
	defer c.mu.Unlock()

	headingDeg := float64(msg.Yaw) * 180.0 / math.Pi
	headingDeg = math.Mod(headingDeg+360.0, 360.0)
	c.telemetry.HeadingDeg = headingDeg
	c.telemetry.LastUpdate = time.Now()
}

func (c *Client) handleVfrHud(msg *common.MessageVfrHud) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.telemetry.HeadingDeg = math.Mod(float64(msg.Heading)+360.0, 360.0)
	c.telemetry.GroundSpeedMps = float64(msg.Groundspeed)
	c.telemetry.LastUpdate = time.Now()
}

func (c *Client) handleSysStatus(msg *common.MessageSysStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.telemetry.BatteryVoltage = float64(msg.VoltageBattery) / 1000.0
	c.telemetry.BatteryPercent = int32(msg.BatteryRemaining)
	c.telemetry.BatteryCurrent = float64(msg.CurrentBattery) / 100.0
	c.telemetry.LastUpdate = time.Now()
}

func (c *Client) handleGpsRaw(msg *common.MessageGpsRawInt) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.telemetry.GPSFixType = int32(msg.FixType)
	c.telemetry.SatelliteCount = int32(msg.SatellitesVisible)
	c.telemetry.LastUpdate = time.Now()
}

func (c *Client) handleCommandAck(msg *common.MessageCommandAck) {
	if msg.Result != common.MAV_RESULT_ACCEPTED {
		c.logger.Printf("mavlink: command %d rejected: %d", msg.Command, msg.Result)
	}
}

// IsConnected reports whether a heartbeat has been seen within the last 3s.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected && time.Since(c.lastHeartbeat) > 3*time.Second {
		c.connected = false
	}
	return c.connected
}

// IsArmed returns the last-observed armed state.
func (c *Client) IsArmed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.armed
}

// GetTelemetry returns a value copy of the current raw telemetry.
func (c *Client) GetTelemetry() Telemetry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.telemetry
}

// Connect blocks until a heartbeat (connection state) and a valid global
// position with a usable GPS fix (≥ 3D) are observed, or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	requestedStreams := false
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("mavlink: connect cancelled: %w", ctx.Err())
		case <-ticker.C:
			if !c.IsConnected() {
				continue
			}
			if !requestedStreams {
				if err := c.requestDataStreams(); err != nil {
					c.logger.Printf("mavlink: request data streams: %v", err)
				}
				requestedStreams = true
			}
			t := c.GetTelemetry()
			if t.PositionValid() && t.GPSFixType >= 3 {
				return nil
			}
		}
	}
}

func (c *Client) targetSystemID() uint8 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.systemID
}

func (c *Client) commandLong(cmd common.MAV_CMD, p1, p2, p3, p4, p5, p6, p7 float32) error {
	if !c.IsConnected() {
		return fmt.Errorf("mavlink: not connected")
	}
	return c.node.WriteMessageAll(&common.MessageCommandLong{
		TargetSystem:    c.targetSystemID(),
		TargetComponent: 1,
		Command:         cmd,
		Param1:          p1,
		Param2:          p2,
		Param3:          p3,
		Param4:          p4,
		Param5:          p5,
		Param6:          p6,
		Param7:          p7,
	})
}

// Arm arms the vehicle.
func (c *Client) Arm() error {
	return c.commandLong(common.MAV_CMD_COMPONENT_ARM_DISARM, 1, 0, 0, 0, 0, 0, 0)
}

// Disarm disarms the vehicle. Idempotent: if the vehicle is already
// disarmed (per the last-observed telemetry) this returns success without
// issuing a command, matching the UAV Client Adapter contract.
func (c *Client) Disarm() error {
	if !c.IsArmed() {
		return nil
	}
	return c.commandLong(common.MAV_CMD_COMPONENT_ARM_DISARM, 0, 0, 0, 0, 0, 0, 0)
}

// SetMode sets the PX4 custom_mode via MAV_CMD_DO_SET_MODE.
func (c *Client) SetMode(px4Mode uint32) error {
	return c.commandLong(common.MAV_CMD_DO_SET_MODE,
		float32(common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED), float32(px4Mode), 0, 0, 0, 0, 0)
}

// Land issues a land-in-place command.
func (c *Client) Land() error {
	return c.commandLong(common.MAV_CMD_NAV_LAND, 0, 0, 0, 0, 0, 0, 0)
}

// ReturnToLaunch issues an RTL command.
func (c *Client) ReturnToLaunch() error {
	return c.commandLong(common.MAV_CMD_NAV_RETURN_TO_LAUNCH, 0, 0, 0, 0, 0, 0, 0)
}

// Hold commands the vehicle to loiter at its current position.
func (c *Client) Hold() error {
	return c.SetMode(PX4MainModeAuto | (PX4AutoModeLoiter << 16))
}

// SetActuator drives a servo/actuator output channel directly, the hook the
// Dropping task uses for payload release (see DropLocation.ServoChannel).
func (c *Client) SetActuator(channel int, value float32) error {
	// MAV_CMD_DO_SET_SERVO: param1 = servo number, param2 = PWM value.
	return c.commandLong(common.MAV_CMD_DO_SET_SERVO, float32(channel), value, 0, 0, 0, 0, 0)
}

// rawTakeoff issues the takeoff command and waits up to 10s for the flight
// mode to transition to AUTO/TAKEOFF, then up to 60s for altitude to reach
// targetFraction * targetAGL. Returns nil on success.
func (c *Client) rawTakeoff(ctx context.Context, targetAGL float64, targetFraction float64) error {
	if err := c.commandLong(common.MAV_CMD_NAV_TAKEOFF, 0, 0, 0, 0, 0, 0, float32(targetAGL)); err != nil {
		return fmt.Errorf("mavlink: takeoff command: %w", err)
	}

	if err := c.waitForCondition(ctx, 10*time.Second, func() bool {
		t := c.GetTelemetry()
		main := t.CustomMode & 0xFF
		sub := (t.CustomMode >> 16) & 0xFF
		return main == PX4MainModeAuto && sub == PX4AutoModeTakeoff
	}); err != nil {
		return fmt.Errorf("mavlink: takeoff mode not reached: %w", err)
	}

	return c.waitForCondition(ctx, 60*time.Second, func() bool {
		t := c.GetTelemetry()
		return t.AltitudeAGLM >= targetAGL*targetFraction
	})
}

func (c *Client) waitForCondition(ctx context.Context, timeout time.Duration, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	if cond() {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if cond() {
				return nil
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("timed out after %s", timeout)
			}
		}
	}
}

// Takeoff implements the full takeoff protocol from the UAV Client Adapter
// specification: arm if not armed, issue takeoff, wait for mode + altitude;
// on timeout retry once after 2s; on second failure fall back to a guided
// climb to 0.90 × target via GotoLocation.
func (c *Client) Takeoff(ctx context.Context, targetAGL float64) error {
	if !c.IsArmed() {
		if err := c.Arm(); err != nil {
			return fmt.Errorf("mavlink: arm before takeoff: %w", err)
		}
	}

	err := c.rawTakeoff(ctx, targetAGL, 0.95)
	if err == nil {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Second):
	}

	err = c.rawTakeoff(ctx, targetAGL, 0.95)
	if err == nil {
		return nil
	}

	// Fallback: guided climb straight up to the ground baseline
	// (current_amsl - current_rel_alt) + target_agl.
	t := c.GetTelemetry()
	targetAMSL := t.AltitudeAMSLM - t.AltitudeAGLM + targetAGL
	if gotoErr := c.gotoAbsolute(t.LatitudeDeg, t.LongitudeDeg, targetAMSL); gotoErr != nil {
		return fmt.Errorf("mavlink: takeoff fallback goto: %w", gotoErr)
	}

	return c.waitForCondition(ctx, 60*time.Second, func() bool {
		return c.GetTelemetry().AltitudeAGLM >= targetAGL*0.90
	})
}

func (c *Client) gotoAbsolute(lat, lon, amsl float64) error {
	if !c.IsConnected() {
		return fmt.Errorf("mavlink: not connected")
	}

	typeMask := uint16(
		typeMaskVxIgnore | typeMaskVyIgnore | typeMaskVzIgnore |
			typeMaskAxIgnore | typeMaskAyIgnore | typeMaskAzIgnore |
			typeMaskYawIgnore | typeMaskYawRateIgnore,
	)

	return c.node.WriteMessageAll(&common.MessageSetPositionTargetGlobalInt{
		TargetSystem:    c.targetSystemID(),
		TargetComponent: 1,
		TimeBootMs:      uint32(time.Now().UnixMilli()),
		CoordinateFrame: common.MAV_FRAME_GLOBAL_INT,
		TypeMask:        common.POSITION_TARGET_TYPEMASK(typeMask),
		LatInt:          int32(lat * 1e7),
		LonInt:          int32(lon * 1e7),
		Alt:             float32(amsl),
	})
}

// GotoLocation issues a position setpoint. altAGL is Above Ground Level;
// this adapter converts to AMSL internally using the current
// (current_amsl - current_rel_alt) baseline, per the adapter contract.
// It blocks until the vehicle is within 2m horizontal and 2m vertical of
// the target, or ctx is done.
func (c *Client) GotoLocation(ctx context.Context, lat, lon, altAGL float64) error {
	t := c.GetTelemetry()
	baseline := t.AltitudeAMSLM - t.AltitudeAGLM
	targetAMSL := baseline + altAGL

	if err := c.gotoAbsolute(lat, lon, targetAMSL); err != nil {
		return fmt.Errorf("mavlink: goto: %w", err)
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t := c.GetTelemetry()
			horizDist := haversineMeters(t.LatitudeDeg, t.LongitudeDeg, lat, lon)
			vertDist := math.Abs(t.AltitudeAGLM - altAGL)
			if horizDist <= 2.0 && vertDist <= 2.0 {
				return nil
			}
		}
	}
}

func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusM = 6371000.0
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// Close stops the heartbeat sender and closes the underlying node.
func (c *Client) Close() error {
	close(c.stopHeartbeat)

	select {
	case <-c.heartbeatDone:
	case <-time.After(2 * time.Second):
		c.logger.Println("mavlink: heartbeat sender stop timeout")
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.node.Close()
	return nil
}

// ConnectionInfo returns a snapshot of connection parameters for
// diagnostics endpoints.
func (c *Client) ConnectionInfo() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]any{
		"port":           c.port,
		"baud_rate":      c.baudRate,
		"system_id":      c.systemID,
		"connected":      c.connected,
		"armed":          c.armed,
		"last_heartbeat": c.lastHeartbeat,
	}
}

// HaversineMeters exposes the great-circle distance helper for callers
// outside this package (the Relay task's 5m re-correction check).
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	return haversineMeters(lat1, lon1, lat2, lon2)
}
