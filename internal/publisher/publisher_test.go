package publisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/windrose-io/dronebridge/internal/c2"
	"github.com/windrose-io/dronebridge/internal/session"
	"github.com/windrose-io/dronebridge/internal/state"
)

type fakeC2 struct {
	mu       sync.Mutex
	entities []c2.Entity
}

func (f *fakeC2) PublishEntity(ctx context.Context, entity c2.Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities = append(f.entities, entity)
	return nil
}

func (f *fakeC2) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entities)
}

func TestBuildEntitySkipsPublishWithNoPosition(t *testing.T) {
	sess := session.New(session.Config{DroneID: "d1"})
	p := New(Config{})

	_, ok := p.buildEntity(sess, false)
	assert.False(t, ok)
}

func TestPublisherRunStopsOnContextCancel(t *testing.T) {
	fc := &fakeC2{}
	mgr := session.NewManager()
	mgr.Register(session.New(session.Config{DroneID: "d1"}))
	store := state.NewStore()
	p := New(Config{C2: fc, Sessions: mgr, Store: store})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := p.Run(ctx)
	require.NoError(t, err)
}

func TestNedToENUConversion(t *testing.T) {
	v := session.VelocityNED{NorthMps: 1, EastMps: 2, DownMps: 3}
	enu := nedToENU(v)
	assert.Equal(t, 2.0, enu.East)
	assert.Equal(t, 1.0, enu.North)
	assert.Equal(t, -3.0, enu.Up)
}

func TestDefaultTaskCatalogNonEmpty(t *testing.T) {
	assert.NotEmpty(t, DefaultTaskCatalog())
}
