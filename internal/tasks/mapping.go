package tasks

import (
	"context"
	"fmt"
	"math"
)

// MappingParams configures a Mapping task. AreaCenter is optional: if
// absent (zero value), Execute falls back to the vehicle's current
// position.
type MappingParams struct {
	AreaCenter   *LatLon
	AreaWidthM   float64
	AreaHeightM  float64
	AltitudeM    float64
	OverlapFrac  float64
	CameraFOVM   float64
}

// MC3 letter-pattern geometry constants, ported from
// original_source/tasks/mapping.py.
const (
	letterAspectRatio = 0.7
	letterSpacingRatio = 0.25
	metersPerDegreeLat = 111000.0
)

// MappingTask drives the vehicle through the MC3 letter-pattern waypoint
// sequence at constant altitude.
type MappingTask struct {
	Params MappingParams
}

// GenerateMC3Waypoints produces the 16 deterministic waypoints (5 for "M",
// 4 for "C", 7 for "3") that spell "MC3" inside the given bounding box,
// centered at areaCenter. altitudeAGLM is not used: LatLon carries no
// altitude, and Execute flies every waypoint at MappingParams.AltitudeM.
// Ported from
// original_source/tasks/mapping.py's _generate_mc3_waypoints.
func GenerateMC3Waypoints(areaCenter LatLon, widthM, heightM, altitudeAGLM float64) []LatLon {
	denom := (3 * letterAspectRatio) + (2 * letterSpacingRatio)
	letterHeight := math.Min(heightM, widthM/denom)
	letterWidth := letterAspectRatio * letterHeight
	spacingM := letterSpacingRatio * letterHeight
	totalTextWidth := (3 * letterWidth) + (2 * spacingM)
	leftX := -totalTextWidth / 2

	latDegPerM := 1.0 / metersPerDegreeLat
	lonDegPerM := 1.0 / (metersPerDegreeLat * math.Cos(areaCenter.LatitudeDeg*math.Pi/180))

	toWaypoint := func(xM, yM float64) LatLon {
		return LatLon{
			LatitudeDeg:  areaCenter.LatitudeDeg + yM*latDegPerM,
			LongitudeDeg: areaCenter.LongitudeDeg + xM*lonDegPerM,
		}
	}

	halfW := letterWidth / 2
	topY := letterHeight / 2
	bottomY := -letterHeight / 2
	quarterH := letterHeight / 4

	mCenterX := leftX + halfW
	cCenterX := mCenterX + letterWidth + spacingM
	threeCenterX := cCenterX + letterWidth + spacingM

	strokesM := func(cx float64) [][2]float64 {
		return [][2]float64{
			{cx - halfW, bottomY},
			{cx - halfW, topY},
			{cx, bottomY},
			{cx + halfW, topY},
			{cx + halfW, bottomY},
		}
	}
	strokesC := func(cx float64) [][2]float64 {
		return [][2]float64{
			{cx + halfW, topY},
			{cx - halfW, topY},
			{cx - halfW, bottomY},
			{cx + halfW, bottomY},
		}
	}
	strokesThree := func(cx float64) [][2]float64 {
		return [][2]float64{
			{cx - halfW, topY},
			{cx + halfW, topY},
			{cx + halfW, quarterH},
			{cx, 0.0},
			{cx + halfW, -quarterH},
			{cx + halfW, bottomY},
			{cx - halfW, bottomY},
		}
	}

	var points [][2]float64
	points = append(points, strokesM(mCenterX)...)
	points = append(points, strokesC(cCenterX)...)
	points = append(points, strokesThree(threeCenterX)...)

	waypoints := make([]LatLon, 0, len(points))
	for _, p := range points {
		waypoints = append(waypoints, toWaypoint(p[0], p[1]))
	}
	return waypoints
}

// Execute takes off, generates the MC3 waypoint sequence, visits each
// waypoint best-effort (logging and continuing on failure), then issues
// RTL, falling back to Hold if RTL is rejected.
func (m MappingTask) Execute(ctx context.Context, uav UAV, progress ProgressFunc) (bool, error) {
	if err := PreFlightCheck(ctx, uav); err != nil {
		return false, err
	}
	if cancelled(ctx) {
		return holdAndCancel(uav)
	}

	center := m.Params.AreaCenter
	if center == nil {
		snap := uav.Snapshot()
		if !snap.HasPosition {
			return false, fmt.Errorf("mapping: no area_center and no current position available")
		}
		center = &LatLon{LatitudeDeg: snap.Position.LatitudeDeg, LongitudeDeg: snap.Position.LongitudeDeg}
	}

	progress(0.0, "taking off")
	if err := uav.Takeoff(ctx, m.Params.AltitudeM); err != nil {
		return false, fmt.Errorf("mapping: takeoff: %w", err)
	}

	waypoints := GenerateMC3Waypoints(*center, m.Params.AreaWidthM, m.Params.AreaHeightM, m.Params.AltitudeM)

	for i, wp := range waypoints {
		if cancelled(ctx) {
			return holdAndCancel(uav)
		}
		if err := uav.GotoLocation(ctx, wp.LatitudeDeg, wp.LongitudeDeg, m.Params.AltitudeM); err != nil {
			// Best-effort: log (via progress message) and continue.
			progress(float64(i+1)/float64(len(waypoints)), fmt.Sprintf("waypoint %d unreachable: %v", i+1, err))
			continue
		}
		progress(float64(i+1)/float64(len(waypoints)), fmt.Sprintf("waypoint %d/%d reached", i+1, len(waypoints)))
	}

	if err := uav.ReturnToLaunch(); err != nil {
		if holdErr := uav.Hold(); holdErr != nil {
			return false, fmt.Errorf("mapping: RTL rejected and hold also failed: %w", holdErr)
		}
	}

	return true, nil
}
