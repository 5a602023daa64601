package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDroppingExecuteReleasesAtEachLocation(t *testing.T) {
	uav := &fakeUAV{armed: true, gpsFix: 3}
	task := DroppingTask{Params: DroppingParams{
		Drops: []DropLocation{
			{Target: LatLon{LatitudeDeg: 47.0, LongitudeDeg: 8.0}, ApproachAltM: 40, DropAltM: 15},
			{Target: LatLon{LatitudeDeg: 47.001, LongitudeDeg: 8.001}, ApproachAltM: 40, DropAltM: 15},
		},
		StabilizeDuration: 10 * time.Millisecond,
	}}

	ok, err := task.Execute(context.Background(), uav, func(float64, string) {})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, uav.rtlCalled)

	// Two drops: each issues release (1900) then hold (1100).
	require.Len(t, uav.actuations, 4)
	assert.Equal(t, DefaultServoChannel, uav.actuations[0].channel)
	assert.Equal(t, DefaultReleasePWM, uav.actuations[0].value)
	assert.Equal(t, DefaultHoldPWM, uav.actuations[1].value)
	assert.Equal(t, DefaultReleasePWM, uav.actuations[2].value)
	assert.Equal(t, DefaultHoldPWM, uav.actuations[3].value)

	// 3 gotos per drop (approach, drop alt, climb-out) x 2 drops.
	assert.Equal(t, 6, uav.gotoCalls)
}

func TestDroppingExecuteUsesPerDropActuatorOverrides(t *testing.T) {
	uav := &fakeUAV{armed: true, gpsFix: 3}
	task := DroppingTask{Params: DroppingParams{
		Drops: []DropLocation{
			{
				Target:       LatLon{LatitudeDeg: 47.0, LongitudeDeg: 8.0},
				ApproachAltM: 40, DropAltM: 15,
				ServoChannel: 6, ReleasePWM: 1800, HoldPWM: 1100,
			},
		},
		StabilizeDuration: 5 * time.Millisecond,
	}}

	ok, err := task.Execute(context.Background(), uav, func(float64, string) {})
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, uav.actuations, 2)
	assert.Equal(t, 6, uav.actuations[0].channel)
	assert.Equal(t, float32(1800), uav.actuations[0].value)
	assert.Equal(t, float32(1100), uav.actuations[1].value)
}

func TestDroppingExecuteRejectsEmptyDrops(t *testing.T) {
	uav := &fakeUAV{armed: true, gpsFix: 3}
	task := DroppingTask{Params: DroppingParams{}}

	ok, err := task.Execute(context.Background(), uav, func(float64, string) {})
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestDroppingExecuteFailsOnGotoError(t *testing.T) {
	uav := &fakeUAV{armed: true, gpsFix: 3, gotoErr: assertErr("link lost")}
	task := DroppingTask{Params: DroppingParams{
		Drops: []DropLocation{
			{Target: LatLon{LatitudeDeg: 47.0, LongitudeDeg: 8.0}, ApproachAltM: 40, DropAltM: 15},
		},
	}}

	ok, err := task.Execute(context.Background(), uav, func(float64, string) {})
	assert.False(t, ok)
	assert.Error(t, err)
}
