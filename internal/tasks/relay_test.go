package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/windrose-io/dronebridge/internal/session"
)

// driftingUAV reports a position offset from the last commanded goto target
// until a re-correction GotoLocation call (any goto after the initial one)
// resets it, simulating wind drift that the Relay task must detect and
// correct.
type driftingUAV struct {
	fakeUAV
	driftDeg float64
}

func (d *driftingUAV) Snapshot() session.Snapshot {
	snap := d.fakeUAV.Snapshot()
	snap.Position.LatitudeDeg += d.driftDeg
	return snap
}

func (d *driftingUAV) GotoLocation(ctx context.Context, lat, lon, altAGL float64) error {
	if err := d.fakeUAV.GotoLocation(ctx, lat, lon, altAGL); err != nil {
		return err
	}
	if d.gotoCalls > 1 {
		d.driftDeg = 0
	}
	return nil
}

func TestRelayReCorrectsOnDrift(t *testing.T) {
	uav := &driftingUAV{fakeUAV: fakeUAV{armed: true, gpsFix: 3, lat: 47.3978, lon: 8.5456}}
	// ~0.0001 deg latitude is roughly 11m, above the 5m default tolerance.
	uav.driftDeg = 0.0001

	task := RelayTask{Params: RelayParams{
		Target:       LatLon{LatitudeDeg: 47.3978, LongitudeDeg: 8.5456},
		AltitudeM:    30,
		DurationS:    0.3,
		RecheckEvery: 50 * time.Millisecond,
	}}

	ok, err := task.Execute(context.Background(), uav, func(float64, string) {})
	require.NoError(t, err)
	assert.True(t, ok)
	// Initial goto + at least one re-correction goto.
	assert.GreaterOrEqual(t, uav.gotoCalls, 2)
	assert.True(t, uav.rtlCalled)
}

func TestRelayHoldsPositionWithinTolerance(t *testing.T) {
	uav := &fakeUAV{armed: true, gpsFix: 3, lat: 47.3978, lon: 8.5456}

	task := RelayTask{Params: RelayParams{
		Target:       LatLon{LatitudeDeg: 47.3978, LongitudeDeg: 8.5456},
		AltitudeM:    30,
		DurationS:    0.2,
		RecheckEvery: 50 * time.Millisecond,
	}}

	ok, err := task.Execute(context.Background(), uav, func(float64, string) {})
	require.NoError(t, err)
	assert.True(t, ok)
	// Only the initial goto; no drift means no re-correction.
	assert.Equal(t, 1, uav.gotoCalls)
}

func TestRelayCancellation(t *testing.T) {
	uav := &fakeUAV{armed: true, gpsFix: 3, lat: 47.3978, lon: 8.5456}

	task := RelayTask{Params: RelayParams{
		Target:       LatLon{LatitudeDeg: 47.3978, LongitudeDeg: 8.5456},
		AltitudeM:    30,
		DurationS:    10,
		RecheckEvery: 20 * time.Millisecond,
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	ok, err := task.Execute(ctx, uav, func(float64, string) {})
	assert.False(t, ok)
	assert.Error(t, err)
	assert.True(t, uav.held)
}
