// Package session implements the Drone Session: per-UAV ownership of the
// UAV Client Adapter and the telemetry smoothing/caching contract described
// by the Snapshot() method.
package session

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"github.com/windrose-io/dronebridge/internal/mavlink"
)

var errNotStarted = errors.New("session: not started")

// DefaultSmoothingAlpha is the exponential-moving-average coefficient
// applied to velocity components and scalar speed.
const DefaultSmoothingAlpha = 0.2

// HeadingSmoothingFactor scales alpha for heading smoothing (0.7 * alpha).
const HeadingSmoothingFactor = 0.7

// SpeedDeadbandMps clamps smoothed speed below this threshold to zero.
const SpeedDeadbandMps = 0.15

// Position is a lat/lon/altitude fix, valid iff both lat and lon exceed the
// epsilon threshold (1e-6).
type Position struct {
	LatitudeDeg   float64
	LongitudeDeg  float64
	AltitudeAGLM  float64
	AltitudeAMSLM float64
}

// Valid reports whether the position is non-degenerate.
func (p Position) Valid() bool {
	const eps = 1e-6
	return math.Abs(p.LatitudeDeg) > eps && math.Abs(p.LongitudeDeg) > eps
}

// VelocityNED is velocity in the north-east-down frame, meters/second.
type VelocityNED struct {
	NorthMps float64
	EastMps  float64
	DownMps  float64
}

// Snapshot is a value-copy view of a Drone Session's smoothed state. It
// never aliases session-internal memory.
type Snapshot struct {
	DroneID string

	// Position is the current valid position, the last-known-good one if
	// any, or the zero value with HasPosition=false ("defer publish").
	Position    Position
	HasPosition bool
	// Cached reports whether Position came from the last-known-good cache
	// rather than the current tick (used by the Asset Publisher to mark
	// location uncertainty).
	Cached bool

	Velocity   VelocityNED
	HeadingDeg float64
	SpeedMps   float64

	BatteryPercent int32
	Armed          bool
	GPSFixType     int32

	MonotonicTimestamp time.Time
}

// Session owns a single UAV Client Adapter and continuously smooths its
// telemetry.
type Session struct {
	DroneID string
	logger  *log.Logger

	mu sync.RWMutex

	client *mavlink.Client
	newClient func(ctx context.Context) (*mavlink.Client, error)

	lastGoodPosition Position
	haveGoodPosition bool

	smoothedVelocity VelocityNED
	smoothedHeading  float64
	haveHeading      bool
	smoothedSpeed    float64

	alpha float64

	stopPolling chan struct{}
	pollingDone chan struct{}
	started     bool
}

// Config configures a new Session.
type Config struct {
	DroneID string
	Logger  *log.Logger
	Alpha   float64
	// NewClient constructs the underlying UAV Client Adapter; separated out
	// so tests can substitute a fake without a real MAVLink link.
	NewClient func(ctx context.Context) (*mavlink.Client, error)
}

// New constructs a Session. Start must be called before use.
func New(cfg Config) *Session {
	alpha := cfg.Alpha
	if alpha <= 0 {
		alpha = DefaultSmoothingAlpha
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Session{
		DroneID:   cfg.DroneID,
		logger:    logger,
		alpha:     alpha,
		newClient: cfg.NewClient,
	}
}

// Start opens the adapter and begins the smoothing poll loop.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.stopPolling = make(chan struct{})
	s.pollingDone = make(chan struct{})
	s.mu.Unlock()

	client, err := s.newClient(ctx)
	if err != nil {
		return err
	}

	if err := client.Connect(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	go s.pollLoop()
	return nil
}

// Stop is idempotent: it cancels the poll loop before closing the adapter.
func (s *Session) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	stopCh := s.stopPolling
	client := s.client
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		select {
		case <-s.pollingDone:
		case <-time.After(2 * time.Second):
		}
	}

	if client != nil {
		return client.Close()
	}
	return nil
}

// Client returns the underlying UAV Client Adapter, used by the Task
// Executor to issue flight primitives against this session.
func (s *Session) Client() *mavlink.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// IsConnected reports the adapter's connection state.
func (s *Session) IsConnected() bool {
	c := s.Client()
	if c == nil {
		return false
	}
	return c.IsConnected()
}

// The following methods delegate to the underlying UAV Client Adapter so
// that a Task Executor can drive flight primitives through a borrowed
// Session reference without reaching into mavlink.Client directly.

// Arm delegates to the adapter's Arm command.
func (s *Session) Arm() error {
	c := s.Client()
	if c == nil {
		return errNotStarted
	}
	return c.Arm()
}

// Takeoff delegates to the adapter's takeoff protocol.
func (s *Session) Takeoff(ctx context.Context, altAGL float64) error {
	c := s.Client()
	if c == nil {
		return errNotStarted
	}
	return c.Takeoff(ctx, altAGL)
}

// Land delegates to the adapter's land command.
func (s *Session) Land() error {
	c := s.Client()
	if c == nil {
		return errNotStarted
	}
	return c.Land()
}

// ReturnToLaunch delegates to the adapter's RTL command.
func (s *Session) ReturnToLaunch() error {
	c := s.Client()
	if c == nil {
		return errNotStarted
	}
	return c.ReturnToLaunch()
}

// Hold delegates to the adapter's loiter-in-place command.
func (s *Session) Hold() error {
	c := s.Client()
	if c == nil {
		return errNotStarted
	}
	return c.Hold()
}

// GotoLocation delegates to the adapter's position-setpoint command.
func (s *Session) GotoLocation(ctx context.Context, lat, lon, altAGL float64) error {
	c := s.Client()
	if c == nil {
		return errNotStarted
	}
	return c.GotoLocation(ctx, lat, lon, altAGL)
}

// SetActuator delegates to the adapter's actuator hook.
func (s *Session) SetActuator(channel int, value float32) error {
	c := s.Client()
	if c == nil {
		return errNotStarted
	}
	return c.SetActuator(channel, value)
}

func (s *Session) pollLoop() {
	defer close(s.pollingDone)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopPolling:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Session) tick() {
	client := s.Client()
	if client == nil {
		return
	}
	raw := client.GetTelemetry()

	s.mu.Lock()
	defer s.mu.Unlock()

	if raw.PositionValid() {
		s.lastGoodPosition = Position{
			LatitudeDeg:   raw.LatitudeDeg,
			LongitudeDeg:  raw.LongitudeDeg,
			AltitudeAGLM:  raw.AltitudeAGLM,
			AltitudeAMSLM: raw.AltitudeAMSLM,
		}
		s.haveGoodPosition = true
	}

	rawSpeed := math.Sqrt(raw.VelocityNorth*raw.VelocityNorth + raw.VelocityEast*raw.VelocityEast)

	s.smoothedVelocity.NorthMps = s.alpha*raw.VelocityNorth + (1-s.alpha)*s.smoothedVelocity.NorthMps
	s.smoothedVelocity.EastMps = s.alpha*raw.VelocityEast + (1-s.alpha)*s.smoothedVelocity.EastMps
	s.smoothedVelocity.DownMps = s.alpha*raw.VelocityDown + (1-s.alpha)*s.smoothedVelocity.DownMps

	s.smoothedSpeed = s.alpha*rawSpeed + (1-s.alpha)*s.smoothedSpeed
	if math.Abs(s.smoothedSpeed) < SpeedDeadbandMps {
		s.smoothedSpeed = 0
	}

	if !s.haveHeading {
		s.smoothedHeading = raw.HeadingDeg
		s.haveHeading = true
	} else {
		wrapped := math.Mod(raw.HeadingDeg-s.smoothedHeading+180, 360)
		if wrapped < 0 {
			wrapped += 360
		}
		delta := wrapped - 180
		s.smoothedHeading = math.Mod(s.smoothedHeading+HeadingSmoothingFactor*s.alpha*delta+360, 360)
	}
}

// Snapshot returns a value-copy view of the session's smoothed state, per
// the Drone Session contract: Position is the current valid position, the
// last-known-good one if any, or absent (signalling "defer publish").
func (s *Session) Snapshot() Snapshot {
	client := s.Client()

	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		DroneID:            s.DroneID,
		Velocity:           s.smoothedVelocity,
		HeadingDeg:         s.smoothedHeading,
		SpeedMps:           s.smoothedSpeed,
		MonotonicTimestamp: time.Now(),
	}

	if client != nil {
		raw := client.GetTelemetry()
		snap.BatteryPercent = raw.BatteryPercent
		snap.Armed = raw.Armed
		snap.GPSFixType = raw.GPSFixType

		if raw.PositionValid() {
			snap.Position = Position{
				LatitudeDeg:   raw.LatitudeDeg,
				LongitudeDeg:  raw.LongitudeDeg,
				AltitudeAGLM:  raw.AltitudeAGLM,
				AltitudeAMSLM: raw.AltitudeAMSLM,
			}
			snap.HasPosition = true
			snap.Cached = false
			return snap
		}
	}

	if s.haveGoodPosition {
		snap.Position = s.lastGoodPosition
		snap.HasPosition = true
		snap.Cached = true
	}

	return snap
}
