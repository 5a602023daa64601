package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/windrose-io/dronebridge/internal/mavlink"
)

// RelayParams configures a Relay task: hold position/altitude over a fixed
// location for a duration, re-correcting drift beyond a tolerance.
type RelayParams struct {
	Target      LatLon
	AltitudeM   float64
	DurationS   float64
	ToleranceM  float64
	RecheckEvery time.Duration
}

// DefaultRelayToleranceM is the drift tolerance before a re-correction goto
// is issued, per original_source/tasks/relay.py.
const DefaultRelayToleranceM = 5.0

// DefaultRelayRecheckInterval is how often position is compared against the
// target while relaying.
const DefaultRelayRecheckInterval = 5 * time.Second

// RelayTask holds the vehicle at a fixed point for a duration, periodically
// re-correcting position drift via haversine distance.
type RelayTask struct {
	Params RelayParams
}

// Execute takes off, goes to the target, then holds for DurationS, re-issuing
// GotoLocation whenever drift from the target exceeds ToleranceM.
func (r RelayTask) Execute(ctx context.Context, uav UAV, progress ProgressFunc) (bool, error) {
	if err := PreFlightCheck(ctx, uav); err != nil {
		return false, err
	}
	if cancelled(ctx) {
		return holdAndCancel(uav)
	}

	tolerance := r.Params.ToleranceM
	if tolerance <= 0 {
		tolerance = DefaultRelayToleranceM
	}
	recheckEvery := r.Params.RecheckEvery
	if recheckEvery <= 0 {
		recheckEvery = DefaultRelayRecheckInterval
	}

	progress(0.0, "taking off")
	if err := uav.Takeoff(ctx, r.Params.AltitudeM); err != nil {
		return false, fmt.Errorf("relay: takeoff: %w", err)
	}

	if err := uav.GotoLocation(ctx, r.Params.Target.LatitudeDeg, r.Params.Target.LongitudeDeg, r.Params.AltitudeM); err != nil {
		return false, fmt.Errorf("relay: initial goto: %w", err)
	}
	progress(0.1, "on station")

	deadline := time.Now().Add(time.Duration(r.Params.DurationS * float64(time.Second)))
	ticker := time.NewTicker(recheckEvery)
	defer ticker.Stop()

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		select {
		case <-ctx.Done():
			return holdAndCancel(uav)
		case <-ticker.C:
			snap := uav.Snapshot()
			if !snap.HasPosition {
				continue
			}
			dist := mavlink.HaversineMeters(snap.Position.LatitudeDeg, snap.Position.LongitudeDeg, r.Params.Target.LatitudeDeg, r.Params.Target.LongitudeDeg)
			// Scale into [0.1, 1] so progress never drops below the
			// "on station" milestone reported above.
			frac := 0.1 + 0.9*elapsedFraction(r.Params.DurationS, remaining)
			if dist > tolerance {
				progress(frac, fmt.Sprintf("drifted %.1fm, re-correcting", dist))
				if err := uav.GotoLocation(ctx, r.Params.Target.LatitudeDeg, r.Params.Target.LongitudeDeg, r.Params.AltitudeM); err != nil {
					return false, fmt.Errorf("relay: re-correction goto: %w", err)
				}
			} else {
				progress(frac, "on station")
			}
		}
	}

	if err := uav.ReturnToLaunch(); err != nil {
		if holdErr := uav.Hold(); holdErr != nil {
			return false, fmt.Errorf("relay: RTL rejected and hold also failed: %w", holdErr)
		}
	}

	return true, nil
}

func elapsedFraction(totalS float64, remaining time.Duration) float64 {
	if totalS <= 0 {
		return 1.0
	}
	elapsed := totalS - remaining.Seconds()
	frac := elapsed / totalS
	if frac < 0 {
		return 0
	}
	if frac > 1 {
		return 1
	}
	return frac
}
