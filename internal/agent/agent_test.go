package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/windrose-io/dronebridge/internal/c2"
	"github.com/windrose-io/dronebridge/internal/session"
	"github.com/windrose-io/dronebridge/internal/state"
)

// fakeC2 is a minimal in-memory c2Client recording every status update.
type fakeC2 struct {
	mu       sync.Mutex
	requests []c2.AgentRequest
	updates  []c2.UpdateStatusRequest
	nextIdx  int
}

func (f *fakeC2) ListenAsAgent(ctx context.Context, selector c2.EntityIDsSelector) (*c2.AgentRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextIdx >= len(f.requests) {
		return nil, nil
	}
	req := f.requests[f.nextIdx]
	f.nextIdx++
	return &req, nil
}

func (f *fakeC2) UpdateTaskStatus(ctx context.Context, req c2.UpdateStatusRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, req)
	return nil
}

func (f *fakeC2) snapshotUpdates() []c2.UpdateStatusRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]c2.UpdateStatusRequest, len(f.updates))
	copy(out, f.updates)
	return out
}

func newTestSession(t *testing.T, droneID string) *session.Session {
	t.Helper()
	sess := session.New(session.Config{DroneID: droneID})
	return sess
}

func TestMapSpecURLToKindDefaults(t *testing.T) {
	a := New(Config{})
	assert.Equal(t, "relay", string(a.mapSpecURLToKind("https://example.com/RelayTaskSpec")))
	assert.Equal(t, "dropping", string(a.mapSpecURLToKind("https://example.com/DroppingTaskSpec")))
	assert.Equal(t, "mapping", string(a.mapSpecURLToKind("https://example.com/MappingTaskSpec")))
	assert.Equal(t, "mapping", string(a.mapSpecURLToKind("https://example.com/InvestigateTaskSpec")))
	assert.Equal(t, "mapping", string(a.mapSpecURLToKind("https://example.com/UnknownWeirdSpec")))
}

func TestSendStatusIncrementsVersionMonotonically(t *testing.T) {
	fc := &fakeC2{}
	a := New(Config{C2: fc})

	a.sendStatus(context.Background(), "t1", "d1", c2.StatusAck, 0.0)
	a.sendStatus(context.Background(), "t2", "d2", c2.StatusWilco, 0.0)
	a.sendStatus(context.Background(), "t1", "d1", c2.StatusExecuting, 0.5)

	updates := fc.snapshotUpdates()
	require.Len(t, updates, 3)
	assert.Equal(t, uint64(1), updates[0].StatusVersion)
	assert.Equal(t, uint64(2), updates[1].StatusVersion)
	assert.Equal(t, uint64(3), updates[2].StatusVersion)
}

func TestHandleExecuteRejectsMissingFields(t *testing.T) {
	fc := &fakeC2{}
	store := state.NewStore()
	mgr := session.NewManager()
	a := New(Config{C2: fc, Sessions: mgr, Store: store})

	a.handleExecute(context.Background(), c2.Task{})

	updates := fc.snapshotUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, c2.StatusDoneNotOK, updates[0].Status)
}

func TestHandleExecuteRejectsUnmanagedDrone(t *testing.T) {
	fc := &fakeC2{}
	store := state.NewStore()
	mgr := session.NewManager()
	a := New(Config{C2: fc, Sessions: mgr, Store: store})

	task := c2.Task{
		Version:   c2.TaskVersion{TaskID: "t1"},
		Relations: c2.Relations{Assignee: c2.System{EntityID: "ghost-drone"}},
	}
	a.handleExecute(context.Background(), task)

	updates := fc.snapshotUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, c2.StatusDoneNotOK, updates[0].Status)
}

func TestHandleExecuteAcceptsAndTracksKnownDrone(t *testing.T) {
	fc := &fakeC2{}
	store := state.NewStore()
	mgr := session.NewManager()
	sess := newTestSession(t, "drone-1")
	mgr.Register(sess)
	store.Register("drone-1", "udp:14540")

	a := New(Config{C2: fc, Sessions: mgr, Store: store, TaskRetention: 10 * time.Millisecond})

	params, err := json.Marshal(map[string]any{
		"relay_position": map[string]float64{"lat": 47.0, "lon": 8.0},
		"altitude":       30.0,
		"duration":       0.05,
	})
	require.NoError(t, err)

	task := c2.Task{
		Version:       c2.TaskVersion{TaskID: "t1"},
		Specification: c2.TaskSpecification{Type: "https://example.com/RelaySpec"},
		Relations:     c2.Relations{Assignee: c2.System{EntityID: "drone-1"}},
		Parameters:    params,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	a.handleExecute(ctx, task)

	updates := fc.snapshotUpdates()
	require.GreaterOrEqual(t, len(updates), 1)
	assert.Equal(t, c2.StatusAck, updates[0].Status)

	got, ok := store.Get("drone-1")
	require.True(t, ok)
	assert.Equal(t, state.TaskStatusAccepted, got.TaskStatus)
}

func TestHandleCancelUnknownTaskIsNoop(t *testing.T) {
	fc := &fakeC2{}
	store := state.NewStore()
	mgr := session.NewManager()
	a := New(Config{C2: fc, Sessions: mgr, Store: store})

	a.handleCancel(c2.Task{Version: c2.TaskVersion{TaskID: "nonexistent"}})
	assert.Empty(t, fc.snapshotUpdates())
}
