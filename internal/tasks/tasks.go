// Package tasks implements the Task Executor: the three task kinds
// (Mapping, Relay, Dropping) realized as pre-flight checks followed by
// sequenced flight primitives over a Session, with progress callbacks and
// cooperative cancellation.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/windrose-io/dronebridge/internal/session"
)

// Kind enumerates the supported task kinds.
type Kind string

const (
	KindMapping  Kind = "mapping"
	KindRelay    Kind = "relay"
	KindDropping Kind = "dropping"
	KindGeneric  Kind = "generic"
)

// UAV is the borrowed-reference contract an Executor drives flight
// primitives through. *session.Session satisfies this interface.
type UAV interface {
	Snapshot() session.Snapshot
	Arm() error
	Takeoff(ctx context.Context, altAGL float64) error
	Land() error
	ReturnToLaunch() error
	Hold() error
	GotoLocation(ctx context.Context, lat, lon, altAGL float64) error
	SetActuator(channel int, value float32) error
}

// ProgressFunc reports fractional progress [0,1] and a human-readable
// message at meaningful milestones.
type ProgressFunc func(fraction float64, message string)

// Executor is the shared contract every task kind implements.
type Executor interface {
	Execute(ctx context.Context, uav UAV, progress ProgressFunc) (bool, error)
}

// LatLon is a bare lat/lon pair, used for task parameters that don't carry
// altitude.
type LatLon struct {
	LatitudeDeg  float64
	LongitudeDeg float64
}

// PreFlightCheck verifies the vehicle is armed (arming if necessary) and has
// at least a 3D GPS fix. Returns a descriptive error on
// failure.
func PreFlightCheck(ctx context.Context, uav UAV) error {
	snap := uav.Snapshot()

	if !snap.Armed {
		if err := uav.Arm(); err != nil {
			return fmt.Errorf("pre-flight: arm failed: %w", err)
		}
		// Confirm via a fresh snapshot.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		snap = uav.Snapshot()
		if !snap.Armed {
			return fmt.Errorf("pre-flight: vehicle did not confirm armed")
		}
	}

	if snap.GPSFixType < 3 {
		return fmt.Errorf("pre-flight: insufficient GPS fix")
	}

	return nil
}

// waitIdle sleeps for d while checking ctx at least once per second, so
// idle waits remain cancellable at ~1s granularity.
func waitIdle(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Add(d)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		wait := remaining
		if wait > time.Second {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			if time.Now().After(deadline) || time.Now().Equal(deadline) {
				return nil
			}
		case <-ticker.C:
		}
	}
}

// cancelled reports whether ctx is done, used for the shared
// "Hold then return (false, cancelled)" cancellation contract.
func cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func holdAndCancel(uav UAV) (bool, error) {
	if err := uav.Hold(); err != nil {
		return false, fmt.Errorf("cancelled (hold also failed: %w)", err)
	}
	return false, fmt.Errorf("cancelled")
}
