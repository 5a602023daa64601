package tasks

import (
	"context"
	"fmt"
	"time"
)

// DropLocation is a single drop point along a Dropping task's route.
type DropLocation struct {
	Target        LatLon
	ApproachAltM  float64
	DropAltM      float64
	ServoChannel  int
	ReleasePWM    float32
	HoldPWM       float32
}

// DroppingParams configures a Dropping task: visit each DropLocation in
// order, descend, release the payload, and climb back out.
type DroppingParams struct {
	Drops              []DropLocation
	StabilizeDuration  time.Duration
	PositionToleranceM float64
}

// DefaultStabilizeDuration is how long the vehicle holds at drop altitude
// before actuating the release, per original_source/models/config.py's
// DroppingTaskConfig.
const DefaultStabilizeDuration = 3 * time.Second

// DefaultPositionToleranceM is the default value for
// DroppingParams.PositionToleranceM. Execute reads neither: every
// GotoLocation during a Dropping task uses the adapter's own fixed arrival
// tolerance.
const DefaultPositionToleranceM = 1.0

// DefaultServoChannel, DefaultReleasePWM, DefaultHoldPWM are the payload
// actuator defaults, ported from original_source/models/config.py.
const (
	DefaultServoChannel = 7
	DefaultReleasePWM   = float32(1900)
	DefaultHoldPWM      = float32(1100)
)

// DroppingTask visits a sequence of drop locations, descending to drop
// altitude, stabilizing, actuating the release servo, and climbing back to
// approach altitude at each.
type DroppingTask struct {
	Params DroppingParams
}

// Execute runs pre-flight checks, takes off to the first drop's approach
// altitude, then for each DropLocation: goto approach alt, goto drop alt,
// stabilize, release, goto back to approach alt. Returns (false, error) on
// any goto/actuator failure; cooperative cancellation holds and cancels
// cleanly between drops.
func (d DroppingTask) Execute(ctx context.Context, uav UAV, progress ProgressFunc) (bool, error) {
	if err := PreFlightCheck(ctx, uav); err != nil {
		return false, err
	}
	if len(d.Params.Drops) == 0 {
		return false, fmt.Errorf("dropping: no drop locations configured")
	}
	if cancelled(ctx) {
		return holdAndCancel(uav)
	}

	stabilize := d.Params.StabilizeDuration
	if stabilize <= 0 {
		stabilize = DefaultStabilizeDuration
	}

	progress(0.0, "taking off")
	if err := uav.Takeoff(ctx, d.Params.Drops[0].ApproachAltM); err != nil {
		return false, fmt.Errorf("dropping: takeoff: %w", err)
	}

	total := len(d.Params.Drops)
	for i, drop := range d.Params.Drops {
		if cancelled(ctx) {
			return holdAndCancel(uav)
		}

		servoChannel := drop.ServoChannel
		releasePWM := drop.ReleasePWM
		holdPWM := drop.HoldPWM
		if servoChannel == 0 {
			servoChannel = DefaultServoChannel
		}
		if releasePWM == 0 {
			releasePWM = DefaultReleasePWM
		}
		if holdPWM == 0 {
			holdPWM = DefaultHoldPWM
		}

		if err := uav.GotoLocation(ctx, drop.Target.LatitudeDeg, drop.Target.LongitudeDeg, drop.ApproachAltM); err != nil {
			return false, fmt.Errorf("dropping: approach goto for drop %d: %w", i+1, err)
		}
		progress(float64(i)/float64(total), fmt.Sprintf("drop %d/%d: at approach altitude", i+1, total))

		if err := uav.GotoLocation(ctx, drop.Target.LatitudeDeg, drop.Target.LongitudeDeg, drop.DropAltM); err != nil {
			return false, fmt.Errorf("dropping: descent goto for drop %d: %w", i+1, err)
		}

		if err := waitIdle(ctx, stabilize); err != nil {
			return holdAndCancel(uav)
		}

		if err := uav.SetActuator(servoChannel, releasePWM); err != nil {
			return false, fmt.Errorf("dropping: release actuation for drop %d: %w", i+1, err)
		}
		progress((float64(i)+0.5)/float64(total), fmt.Sprintf("drop %d/%d: released", i+1, total))

		if err := waitIdle(ctx, 500*time.Millisecond); err != nil {
			return holdAndCancel(uav)
		}
		if err := uav.SetActuator(servoChannel, holdPWM); err != nil {
			return false, fmt.Errorf("dropping: hold actuation for drop %d: %w", i+1, err)
		}

		if err := uav.GotoLocation(ctx, drop.Target.LatitudeDeg, drop.Target.LongitudeDeg, drop.ApproachAltM); err != nil {
			return false, fmt.Errorf("dropping: climb-out goto for drop %d: %w", i+1, err)
		}
		progress(float64(i+1)/float64(total), fmt.Sprintf("drop %d/%d complete", i+1, total))
	}

	if err := uav.ReturnToLaunch(); err != nil {
		if holdErr := uav.Hold(); holdErr != nil {
			return false, fmt.Errorf("dropping: RTL rejected and hold also failed: %w", holdErr)
		}
	}

	return true, nil
}
