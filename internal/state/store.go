// Package state implements the State Store: a process-wide, concurrent-safe
// map of drone_id -> DroneState, with post-commit change notifications
// dispatched outside the lock.
package state

import (
	"sync"
	"time"

	"github.com/windrose-io/dronebridge/internal/session"
)

// TaskStatus enumerates the task facet of a DroneState, per the data model.
type TaskStatus string

const (
	TaskStatusNone      TaskStatus = "NONE"
	TaskStatusAccepted  TaskStatus = "ACCEPTED"
	TaskStatusExecuting TaskStatus = "EXECUTING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
	TaskStatusError     TaskStatus = "ERROR"
)

// IsTerminal reports whether the status represents a finished task.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusError:
		return true
	}
	return false
}

// DroneState is the mutable, Store-owned record of one UAV's last-known
// telemetry and task facet.
type DroneState struct {
	DroneID          string
	ConnectionString string

	Position   session.Position
	Velocity   session.VelocityNED
	HeadingDeg float64
	SpeedMps   float64
	BatteryPct int32
	Armed      bool
	FlightMode string
	GPSFixType int32

	CurrentTaskID string
	TaskStatus    TaskStatus
	TaskProgress  float64

	LastUpdate      time.Time
	ConnectedSince  time.Time
}

// Snapshot returns a value copy; the field is a struct already so a plain
// copy suffices (no pointers/slices inside DroneState).
func (d DroneState) Snapshot() DroneState { return d }

// ChangeNotification is delivered to subscribers after a committed update.
type ChangeNotification struct {
	DroneID string
	Old     DroneState
	New     DroneState
}

type record struct {
	mu    sync.RWMutex
	state DroneState
}

// Store is the concurrent-safe registry of DroneState records.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record

	subMu       sync.RWMutex
	subscribers []chan<- ChangeNotification
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{records: make(map[string]*record)}
}

// Register creates a fresh DroneState for drone_id, if not already present.
func (st *Store) Register(droneID, connectionString string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.records[droneID]; ok {
		return
	}
	st.records[droneID] = &record{state: DroneState{
		DroneID:          droneID,
		ConnectionString: connectionString,
		TaskStatus:       TaskStatusNone,
		ConnectedSince:   time.Now(),
		LastUpdate:       time.Now(),
	}}
}

// Unregister removes a drone_id's record entirely.
func (st *Store) Unregister(droneID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.records, droneID)
}

// Get returns a value-copy snapshot of the DroneState, and whether it
// exists.
func (st *Store) Get(droneID string) (DroneState, bool) {
	st.mu.RLock()
	rec, ok := st.records[droneID]
	st.mu.RUnlock()
	if !ok {
		return DroneState{}, false
	}

	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return rec.state.Snapshot(), true
}

// All returns a snapshot of every DroneState currently registered.
func (st *Store) All() []DroneState {
	st.mu.RLock()
	recs := make([]*record, 0, len(st.records))
	for _, r := range st.records {
		recs = append(recs, r)
	}
	st.mu.RUnlock()

	out := make([]DroneState, 0, len(recs))
	for _, r := range recs {
		r.mu.RLock()
		out = append(out, r.state.Snapshot())
		r.mu.RUnlock()
	}
	return out
}

// Subscribe registers a channel to receive change notifications.
// Delivery is best-effort: a full channel drops the notification rather
// than blocking the writer.
func (st *Store) Subscribe(ch chan<- ChangeNotification) {
	st.subMu.Lock()
	defer st.subMu.Unlock()
	st.subscribers = append(st.subscribers, ch)
}

func (st *Store) notify(n ChangeNotification) {
	st.subMu.RLock()
	defer st.subMu.RUnlock()

	for _, ch := range st.subscribers {
		select {
		case ch <- n:
		default:
		}
	}
}

func (st *Store) getRecord(droneID string) *record {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.records[droneID]
}

// UpdateTelemetry merges non-empty telemetry fields from a session
// Snapshot into the drone's state and bumps last_update. Notifications are
// dispatched after the record lock is released.
func (st *Store) UpdateTelemetry(droneID string, snap session.Snapshot) {
	rec := st.getRecord(droneID)
	if rec == nil {
		return
	}

	rec.mu.Lock()
	old := rec.state.Snapshot()

	if snap.HasPosition {
		rec.state.Position = snap.Position
	}
	rec.state.Velocity = snap.Velocity
	rec.state.HeadingDeg = snap.HeadingDeg
	rec.state.SpeedMps = snap.SpeedMps
	rec.state.BatteryPct = snap.BatteryPercent
	rec.state.Armed = snap.Armed
	rec.state.GPSFixType = snap.GPSFixType
	rec.state.LastUpdate = time.Now()

	newState := rec.state.Snapshot()
	rec.mu.Unlock()

	st.notify(ChangeNotification{DroneID: droneID, Old: old, New: newState})
}

// UpdateTaskStatus atomically updates the task facet. It rejects a progress
// decrease while (task_id, EXECUTING) is unchanged, per invariant (ii): the
// caller's progress value is clamped to the previously reported value, and
// the rest of the write (status, last_update) and the notification still
// take place.
func (st *Store) UpdateTaskStatus(droneID, taskID string, status TaskStatus, progress float64) {
	rec := st.getRecord(droneID)
	if rec == nil {
		return
	}

	rec.mu.Lock()
	old := rec.state.Snapshot()

	sameExecutingTask := rec.state.CurrentTaskID == taskID &&
		rec.state.TaskStatus == TaskStatusExecuting &&
		status == TaskStatusExecuting
	if sameExecutingTask && progress < rec.state.TaskProgress {
		progress = rec.state.TaskProgress
	}

	rec.state.CurrentTaskID = taskID
	rec.state.TaskStatus = status
	rec.state.TaskProgress = progress
	rec.state.LastUpdate = time.Now()

	newState := rec.state.Snapshot()
	rec.mu.Unlock()

	st.notify(ChangeNotification{DroneID: droneID, Old: old, New: newState})
}
