// Package agent implements the Task Agent: the long-poll listen loop that
// consumes AgentRequests from the C2, dispatches them to the Task Executor,
// and reports status back under a monotonic status-version protocol.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/windrose-io/dronebridge/internal/c2"
	"github.com/windrose-io/dronebridge/internal/session"
	"github.com/windrose-io/dronebridge/internal/state"
	"github.com/windrose-io/dronebridge/internal/tasks"
)

// DefaultSpecURLTaskKinds is the specification-URL substring -> task-kind
// fallback table, exposed as configuration rather than hardcoded.
func DefaultSpecURLTaskKinds() map[string]tasks.Kind {
	return map[string]tasks.Kind{
		"Mapping":     tasks.KindMapping,
		"Relay":       tasks.KindRelay,
		"Dropping":    tasks.KindDropping,
		"VisualId":    tasks.KindMapping,
		"Investigate": tasks.KindMapping,
		"Monitor":     tasks.KindMapping,
	}
}

const (
	defaultMaxRetries    = 3
	defaultBackoffBase   = 1 * time.Second
	defaultBackoffCap    = 60 * time.Second
	defaultTaskRetention = 60 * time.Second
	wilcoDelay           = 150 * time.Millisecond
	disarmCheckInterval  = 500 * time.Millisecond
)

// c2Client is the subset of *c2.Client's surface the Agent depends on,
// accepted as an interface so tests can substitute a fake without a real
// HTTP server.
type c2Client interface {
	ListenAsAgent(ctx context.Context, selector c2.EntityIDsSelector) (*c2.AgentRequest, error)
	UpdateTaskStatus(ctx context.Context, req c2.UpdateStatusRequest) error
}

// Config configures an Agent.
type Config struct {
	C2               c2Client
	Sessions         *session.Manager
	Store            *state.Store
	Logger           *log.Logger
	SpecURLTaskKinds map[string]tasks.Kind
	MaxRetries       int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	TaskRetention    time.Duration
}

type trackedTask struct {
	taskID   string
	droneID  string
	kind     tasks.Kind
	cancel   context.CancelFunc
	terminal atomic.Bool
}

// Agent runs the listen/dispatch loop against one C2 connection for a fleet
// of registered drone Sessions.
type Agent struct {
	cfg           Config
	statusVersion atomic.Uint64

	mu      sync.Mutex
	tracked map[string]*trackedTask
}

// New constructs an Agent, filling in defaults for unset Config fields.
func New(cfg Config) *Agent {
	if cfg.SpecURLTaskKinds == nil {
		cfg.SpecURLTaskKinds = DefaultSpecURLTaskKinds()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	if cfg.TaskRetention <= 0 {
		cfg.TaskRetention = defaultTaskRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Agent{cfg: cfg, tracked: make(map[string]*trackedTask)}
}

// Run executes the top-level listen loop until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	consecutiveErrors := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		selector := c2.EntityIDsSelector{EntityIDs: a.cfg.Sessions.IDs()}
		req, err := a.cfg.C2.ListenAsAgent(ctx, selector)
		if err != nil {
			consecutiveErrors++
			a.cfg.Logger.Printf("agent: listen error (%d consecutive): %v", consecutiveErrors, err)
			if consecutiveErrors >= a.cfg.MaxRetries {
				if sleepErr := a.backoffSleep(ctx, consecutiveErrors-a.cfg.MaxRetries); sleepErr != nil {
					return sleepErr
				}
			}
			continue
		}
		consecutiveErrors = 0

		if req == nil {
			// Long-poll timeout or keep-alive: continue immediately.
			continue
		}

		a.dispatch(ctx, *req)
	}
}

func (a *Agent) backoffSleep(ctx context.Context, overflow int) error {
	delay := a.cfg.BackoffBase << overflow
	if delay > a.cfg.BackoffCap || delay <= 0 {
		delay = a.cfg.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 10 + 1))
	delay += jitter

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func (a *Agent) dispatch(ctx context.Context, req c2.AgentRequest) {
	switch req.Kind {
	case c2.RequestKindExecute:
		a.handleExecute(ctx, req.Task)
	case c2.RequestKindCancel:
		a.handleCancel(req.Task)
	case c2.RequestKindComplete:
		a.handleComplete(req.Task)
	default:
		// Keep-alive: ignored.
	}
}

func (a *Agent) mapSpecURLToKind(specURL string) tasks.Kind {
	for substr, kind := range a.cfg.SpecURLTaskKinds {
		if strings.Contains(specURL, substr) {
			return kind
		}
	}
	return tasks.KindMapping
}

func (a *Agent) handleExecute(ctx context.Context, task c2.Task) {
	taskID := task.Version.TaskID
	droneID := task.Relations.Assignee.EntityID

	if taskID == "" || droneID == "" {
		a.cfg.Logger.Printf("agent: execute_request missing task_id or assignee")
		a.sendStatus(ctx, taskID, droneID, c2.StatusDoneNotOK, 0.0)
		return
	}

	sess := a.cfg.Sessions.Get(droneID)
	if sess == nil {
		a.cfg.Logger.Printf("agent: execute_request for unmanaged drone %q", droneID)
		a.sendStatus(ctx, taskID, droneID, c2.StatusDoneNotOK, 0.0)
		return
	}

	kind := a.mapSpecURLToKind(task.Specification.Type)

	// On-the-fly retargeting: cancel any prior non-terminal task for this
	// drone before accepting the new one, synthesizing its terminal status
	// rather than letting it vanish silently.
	a.mu.Lock()
	var preempted []*trackedTask
	for id, t := range a.tracked {
		if t.droneID == droneID && !t.terminal.Load() {
			t.cancel()
			preempted = append(preempted, t)
			delete(a.tracked, id)
		}
	}
	execCtx, cancel := context.WithCancel(ctx)
	tt := &trackedTask{taskID: taskID, droneID: droneID, kind: kind, cancel: cancel}
	a.tracked[taskID] = tt
	a.mu.Unlock()

	for _, t := range preempted {
		a.finishFailed(ctx, t)
	}

	a.cfg.Store.UpdateTaskStatus(droneID, taskID, state.TaskStatusAccepted, 0.0)
	a.sendStatus(ctx, taskID, droneID, c2.StatusAck, 0.0)

	go a.runExecution(execCtx, tt, sess, task)
}

func (a *Agent) handleCancel(task c2.Task) {
	taskID := task.Version.TaskID

	a.mu.Lock()
	tt, ok := a.tracked[taskID]
	if ok {
		tt.terminal.Store(true)
		tt.cancel()
		delete(a.tracked, taskID)
	}
	a.mu.Unlock()

	if !ok {
		return
	}

	a.cfg.Store.UpdateTaskStatus(tt.droneID, taskID, state.TaskStatusCancelled, 0.0)
	a.sendStatus(context.Background(), taskID, tt.droneID, c2.StatusDoneNotOK, 0.0)
	a.scheduleEviction(taskID)
}

func (a *Agent) handleComplete(task c2.Task) {
	taskID := task.Version.TaskID

	a.mu.Lock()
	tt, ok := a.tracked[taskID]
	if ok {
		delete(a.tracked, taskID)
	}
	a.mu.Unlock()

	if !ok {
		return
	}

	a.cfg.Store.UpdateTaskStatus(tt.droneID, taskID, state.TaskStatusCompleted, 1.0)
	a.sendStatus(context.Background(), taskID, tt.droneID, c2.StatusDoneOK, 1.0)
}

func (a *Agent) runExecution(ctx context.Context, tt *trackedTask, sess *session.Session, task c2.Task) {
	select {
	case <-ctx.Done():
	case <-time.After(wilcoDelay):
	}
	if ctx.Err() != nil {
		a.finishCancelled(ctx, tt)
		return
	}
	a.sendStatus(ctx, tt.taskID, tt.droneID, c2.StatusWilco, 0.0)

	executor, err := a.buildExecutor(tt.kind, task.Parameters, sess)
	if err != nil {
		a.cfg.Logger.Printf("agent: building executor for task %s: %v", tt.taskID, err)
		a.finishFailed(ctx, tt)
		return
	}

	a.cfg.Store.UpdateTaskStatus(tt.droneID, tt.taskID, state.TaskStatusExecuting, 0.0)
	a.sendStatus(ctx, tt.taskID, tt.droneID, c2.StatusExecuting, 0.0)

	watchCtx, stopWatch := context.WithCancel(ctx)
	disarmed := make(chan struct{})
	go a.disarmWatchdog(watchCtx, sess, disarmed)
	go func() {
		select {
		case <-disarmed:
			tt.cancel()
		case <-watchCtx.Done():
		}
	}()

	progress := func(fraction float64, message string) {
		a.cfg.Store.UpdateTaskStatus(tt.droneID, tt.taskID, state.TaskStatusExecuting, fraction)
		a.sendStatus(ctx, tt.taskID, tt.droneID, c2.StatusExecuting, fraction)
		if message != "" {
			a.cfg.Logger.Printf("agent: task %s: %s", tt.taskID, message)
		}
	}

	ok, execErr := executor.Execute(ctx, sess, progress)
	stopWatch()

	select {
	case <-disarmed:
		a.finishFailed(ctx, tt)
		return
	default:
	}

	if tt.terminal.Load() {
		// Already resolved by a concurrent cancel/retarget.
		return
	}

	switch {
	case execErr != nil && ctx.Err() != nil:
		a.finishCancelled(ctx, tt)
	case ok:
		a.finishOK(ctx, tt)
	default:
		a.cfg.Logger.Printf("agent: task %s failed: %v", tt.taskID, execErr)
		a.finishFailed(ctx, tt)
	}
}

func (a *Agent) finishOK(ctx context.Context, tt *trackedTask) {
	if !tt.terminal.CompareAndSwap(false, true) {
		return
	}
	a.cfg.Store.UpdateTaskStatus(tt.droneID, tt.taskID, state.TaskStatusCompleted, 1.0)
	a.sendStatus(ctx, tt.taskID, tt.droneID, c2.StatusDoneOK, 1.0)
	a.untrack(tt.taskID)
}

func (a *Agent) finishFailed(ctx context.Context, tt *trackedTask) {
	if !tt.terminal.CompareAndSwap(false, true) {
		return
	}
	a.cfg.Store.UpdateTaskStatus(tt.droneID, tt.taskID, state.TaskStatusFailed, 0.0)
	// tt's own execCtx may already be cancelled (disarm preemption, or this
	// task itself being the one retargeted away from), so the terminal
	// status is always sent on a context outliving that cancellation.
	a.sendStatus(context.Background(), tt.taskID, tt.droneID, c2.StatusDoneNotOK, 0.0)
	a.untrack(tt.taskID)
}

func (a *Agent) finishCancelled(ctx context.Context, tt *trackedTask) {
	if !tt.terminal.CompareAndSwap(false, true) {
		return
	}
	a.cfg.Store.UpdateTaskStatus(tt.droneID, tt.taskID, state.TaskStatusCancelled, 0.0)
	a.sendStatus(context.Background(), tt.taskID, tt.droneID, c2.StatusDoneNotOK, 0.0)
	a.untrack(tt.taskID)
}

func (a *Agent) untrack(taskID string) {
	a.scheduleEviction(taskID)
}

// scheduleEviction removes the bookkeeping record for taskID after the
// retention window, to absorb late duplicate requests.
func (a *Agent) scheduleEviction(taskID string) {
	time.AfterFunc(a.cfg.TaskRetention, func() {
		a.mu.Lock()
		delete(a.tracked, taskID)
		a.mu.Unlock()
	})
}

// disarmWatchdog polls the session's armed state while an Executor runs; if
// armed transitions to false mid-task, it closes disarmed to signal
// auto-failure.
func (a *Agent) disarmWatchdog(ctx context.Context, sess *session.Session, disarmed chan<- struct{}) {
	ticker := time.NewTicker(disarmCheckInterval)
	defer ticker.Stop()

	wasArmed := sess.Snapshot().Armed
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := sess.Snapshot()
			if wasArmed && !snap.Armed {
				close(disarmed)
				return
			}
			wasArmed = snap.Armed
		}
	}
}

// sendStatus increments the process-wide status-version counter and
// reports it with every outbound UpdateTaskStatus, regardless of task_id.
func (a *Agent) sendStatus(ctx context.Context, taskID, droneID string, status c2.Status, progress float64) {
	version := a.statusVersion.Add(1)
	req := c2.UpdateStatusRequest{
		TaskID:        taskID,
		Status:        status,
		Progress:      progress,
		StatusVersion: version,
		Author:        &c2.Principal{System: c2.System{EntityID: droneID}},
	}
	if err := a.cfg.C2.UpdateTaskStatus(ctx, req); err != nil {
		a.cfg.Logger.Printf("agent: update_task_status %s -> %s failed: %v", taskID, status, err)
	}
}

type latLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type mappingTaskParams struct {
	AreaCenter *latLon `json:"area_center"`
	AreaSize   *struct {
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	} `json:"area_size"`
	Altitude float64 `json:"altitude"`
}

type relayTaskParams struct {
	RelayPosition *latLon `json:"relay_position"`
	Altitude      float64 `json:"altitude"`
	Duration      float64 `json:"duration"`
}

type droppingTaskParams struct {
	DropLocations     []latLon `json:"drop_locations"`
	ApproachAltitude  float64  `json:"approach_altitude"`
	DropAltitude      float64  `json:"drop_altitude"`
}

// buildExecutor decodes the C2 task's free-form parameters into the
// task-kind-specific struct, applying original_source's defaults for any
// field the caller omitted.
func (a *Agent) buildExecutor(kind tasks.Kind, raw json.RawMessage, sess *session.Session) (tasks.Executor, error) {
	switch kind {
	case tasks.KindRelay:
		var p relayTaskParams
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("decode relay parameters: %w", err)
			}
		}
		altitude := p.Altitude
		if altitude <= 0 {
			altitude = 100
		}
		duration := p.Duration
		if duration <= 0 {
			duration = 300
		}
		target := tasks.LatLon{}
		if p.RelayPosition != nil {
			target = tasks.LatLon{LatitudeDeg: p.RelayPosition.Lat, LongitudeDeg: p.RelayPosition.Lon}
		} else {
			snap := sess.Snapshot()
			if snap.HasPosition {
				target = tasks.LatLon{LatitudeDeg: snap.Position.LatitudeDeg, LongitudeDeg: snap.Position.LongitudeDeg}
			}
		}
		return tasks.RelayTask{Params: tasks.RelayParams{
			Target:    target,
			AltitudeM: altitude,
			DurationS: duration,
		}}, nil

	case tasks.KindDropping:
		var p droppingTaskParams
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("decode dropping parameters: %w", err)
			}
		}
		if len(p.DropLocations) == 0 {
			return nil, fmt.Errorf("dropping task missing drop_locations")
		}
		approachAlt := p.ApproachAltitude
		if approachAlt <= 0 {
			approachAlt = 50
		}
		dropAlt := p.DropAltitude
		if dropAlt <= 0 {
			dropAlt = 10
		}
		drops := make([]tasks.DropLocation, 0, len(p.DropLocations))
		for _, loc := range p.DropLocations {
			drops = append(drops, tasks.DropLocation{
				Target:       tasks.LatLon{LatitudeDeg: loc.Lat, LongitudeDeg: loc.Lon},
				ApproachAltM: approachAlt,
				DropAltM:     dropAlt,
			})
		}
		return tasks.DroppingTask{Params: tasks.DroppingParams{Drops: drops}}, nil

	case tasks.KindMapping, tasks.KindGeneric:
		fallthrough
	default:
		var p mappingTaskParams
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("decode mapping parameters: %w", err)
			}
		}
		altitude := p.Altitude
		if altitude <= 0 {
			altitude = 50
		}
		width, height := 100.0, 100.0
		if p.AreaSize != nil {
			if p.AreaSize.Width > 0 {
				width = p.AreaSize.Width
			}
			if p.AreaSize.Height > 0 {
				height = p.AreaSize.Height
			}
		}
		var center *tasks.LatLon
		if p.AreaCenter != nil {
			center = &tasks.LatLon{LatitudeDeg: p.AreaCenter.Lat, LongitudeDeg: p.AreaCenter.Lon}
		}
		return tasks.MappingTask{Params: tasks.MappingParams{
			AreaCenter:  center,
			AreaWidthM:  width,
			AreaHeightM: height,
			AltitudeM:   altitude,
		}}, nil
	}
}
