package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windrose-io/dronebridge/internal/config"
	"github.com/windrose-io/dronebridge/internal/mavlink"
	"github.com/windrose-io/dronebridge/internal/session"
	"github.com/windrose-io/dronebridge/internal/state"
)

type stubRunner struct {
	started chan struct{}
	once    bool
}

func (r *stubRunner) Run(ctx context.Context) error {
	if !r.once {
		r.once = true
		close(r.started)
	}
	<-ctx.Done()
	return nil
}

func failingNewClient(ctx context.Context) (*mavlink.Client, error) {
	return nil, assertErr("no link")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestStartSessionsSkipsFailureAndContinues(t *testing.T) {
	registry := &config.DroneRegistry{Drones: []config.DroneConfig{
		{ID: "bad"},
		{ID: "good"},
	}}
	mgr := session.NewManager()
	store := state.NewStore()

	s := New(Config{
		Registry: registry,
		Sessions: mgr,
		Store:    store,
		NewSession: func(d config.DroneConfig) *session.Session {
			if d.ID == "bad" {
				return session.New(session.Config{DroneID: d.ID, NewClient: failingNewClient})
			}
			return session.New(session.Config{DroneID: d.ID, NewClient: func(ctx context.Context) (*mavlink.Client, error) {
				return nil, assertErr("good also has no real link in this test")
			}})
		},
	})

	s.startSessions(context.Background())

	assert.Nil(t, mgr.Get("bad"))
	assert.Nil(t, mgr.Get("good"))
}

func TestRunStartsAgentAndPublisherOnlyWhenSessionUp(t *testing.T) {
	mgr := session.NewManager()
	mgr.Register(session.New(session.Config{DroneID: "d1"}))
	store := state.NewStore()
	store.Register("d1", "mock")

	agentRunner := &stubRunner{started: make(chan struct{})}
	pubRunner := &stubRunner{started: make(chan struct{})}

	s := New(Config{
		Registry:   &config.DroneRegistry{},
		Sessions:   mgr,
		Store:      store,
		Agent:      agentRunner,
		Publisher:  pubRunner,
		NewSession: func(d config.DroneConfig) *session.Session { return session.New(session.Config{DroneID: d.ID}) },
	})
	s.started["d1"] = config.DroneConfig{ID: "d1"}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	require.NoError(t, err)

	select {
	case <-agentRunner.started:
	default:
		t.Fatal("expected agent to have been started")
	}
	select {
	case <-pubRunner.started:
	default:
		t.Fatal("expected publisher to have been started")
	}
}
