package tasks

import (
	"context"

	"github.com/windrose-io/dronebridge/internal/session"
)

// fakeUAV is a minimal in-memory UAV used across task tests.
type fakeUAV struct {
	armed      bool
	gpsFix     int32
	lat, lon   float64
	altAGL     float64
	held       bool
	rtlCalled  bool
	gotoErr    error
	rtlErr     error
	actuations []actuation
	gotoCalls  int
}

type actuation struct {
	channel int
	value   float32
}

func (f *fakeUAV) Snapshot() session.Snapshot {
	return session.Snapshot{
		Armed:      f.armed,
		GPSFixType: f.gpsFix,
		Position: session.Position{
			LatitudeDeg:  f.lat,
			LongitudeDeg: f.lon,
			AltitudeAGLM: f.altAGL,
		},
		HasPosition: true,
	}
}

func (f *fakeUAV) Arm() error {
	f.armed = true
	return nil
}

func (f *fakeUAV) Takeoff(ctx context.Context, altAGL float64) error {
	f.altAGL = altAGL
	return nil
}

func (f *fakeUAV) Land() error {
	f.altAGL = 0
	return nil
}

func (f *fakeUAV) ReturnToLaunch() error {
	f.rtlCalled = true
	return f.rtlErr
}

func (f *fakeUAV) Hold() error {
	f.held = true
	return nil
}

func (f *fakeUAV) GotoLocation(ctx context.Context, lat, lon, altAGL float64) error {
	f.gotoCalls++
	if f.gotoErr != nil {
		return f.gotoErr
	}
	f.lat, f.lon, f.altAGL = lat, lon, altAGL
	return nil
}

func (f *fakeUAV) SetActuator(channel int, value float32) error {
	f.actuations = append(f.actuations, actuation{channel, value})
	return nil
}
