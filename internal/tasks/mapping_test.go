package tasks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateMC3WaypointsCount(t *testing.T) {
	center := LatLon{LatitudeDeg: 47.3978, LongitudeDeg: 8.5456}
	waypoints := GenerateMC3Waypoints(center, 40, 20, 30)
	require.Len(t, waypoints, 16)
	for _, wp := range waypoints {
		assert.NotZero(t, wp.LatitudeDeg)
		assert.NotZero(t, wp.LongitudeDeg)
	}
}

func TestGenerateMC3WaypointsDeterministic(t *testing.T) {
	center := LatLon{LatitudeDeg: 47.3978, LongitudeDeg: 8.5456}
	a := GenerateMC3Waypoints(center, 40, 20, 30)
	b := GenerateMC3Waypoints(center, 40, 20, 30)
	require.Equal(t, a, b)
}

func TestMappingExecuteVisitsAllWaypointsAndReturnsHome(t *testing.T) {
	uav := &fakeUAV{armed: true, gpsFix: 3, lat: 47.3978, lon: 8.5456}
	task := MappingTask{Params: MappingParams{
		AreaCenter:  &LatLon{LatitudeDeg: 47.3978, LongitudeDeg: 8.5456},
		AreaWidthM:  40,
		AreaHeightM: 20,
		AltitudeM:   30,
	}}

	var lastProgress float64
	ok, err := task.Execute(context.Background(), uav, func(fraction float64, message string) {
		lastProgress = fraction
	})

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 16, uav.gotoCalls)
	assert.True(t, uav.rtlCalled)
	assert.Equal(t, 1.0, lastProgress)
}

func TestMappingExecuteFallsBackToCurrentPositionWhenNoAreaCenter(t *testing.T) {
	uav := &fakeUAV{armed: true, gpsFix: 3, lat: 47.3978, lon: 8.5456}
	task := MappingTask{Params: MappingParams{AreaWidthM: 40, AreaHeightM: 20, AltitudeM: 30}}

	ok, err := task.Execute(context.Background(), uav, func(float64, string) {})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMappingExecuteContinuesOnUnreachableWaypoint(t *testing.T) {
	uav := &fakeUAV{armed: true, gpsFix: 3, lat: 47.3978, lon: 8.5456, gotoErr: assertErr("rejected")}
	task := MappingTask{Params: MappingParams{
		AreaCenter:  &LatLon{LatitudeDeg: 47.3978, LongitudeDeg: 8.5456},
		AreaWidthM:  40,
		AreaHeightM: 20,
		AltitudeM:   30,
	}}

	ok, err := task.Execute(context.Background(), uav, func(float64, string) {})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, uav.rtlCalled)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
