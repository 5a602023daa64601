// Package publisher implements the Asset Publisher: per-drone position and
// status loops that assemble and push Entity updates to the C2 platform.
package publisher

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/windrose-io/dronebridge/internal/c2"
	"github.com/windrose-io/dronebridge/internal/session"
	"github.com/windrose-io/dronebridge/internal/state"
)

const (
	// PositionRate is the position loop's target frequency.
	PositionRate = 3.0
	// StatusRate is the status loop's target frequency, strictly slower
	// than the position loop.
	StatusRate = 0.8

	// CachedLocationUncertaintyM is the semi-major-axis uncertainty ellipse
	// published when republishing a last-known-good cached position.
	CachedLocationUncertaintyM = 1000.0

	// DefaultPublishInfoInterval rate-limits publish-success INFO logs.
	DefaultPublishInfoInterval = 300 * time.Second
	// invalidLocationLogInterval rate-limits invalid-location WARN logs.
	invalidLocationLogInterval = 10 * time.Second

	// EntityExpiry is how far in the future expiry_time is set on every
	// published Entity.
	EntityExpiry = 10 * time.Minute
)

// publisherC2 is the subset of *c2.Client's surface the Publisher depends
// on, accepted as an interface so tests can substitute a fake.
type publisherC2 interface {
	PublishEntity(ctx context.Context, entity c2.Entity) error
}

// Config configures a Publisher.
type Config struct {
	C2                  publisherC2
	Sessions            *session.Manager
	Store               *state.Store
	IntegrationName     string
	TaskCatalog         []string
	PublishInfoInterval time.Duration
	Logger              *log.Logger

	// now is overridable for deterministic tests.
	now func() time.Time
}

// Publisher runs the position/status dual loops for every Session known to
// its Manager at the time Run is called.
type Publisher struct {
	cfg Config

	mu           sync.Mutex
	lastInfoLog  map[string]time.Time
	lastWarnLog  map[string]time.Time
}

// New constructs a Publisher, filling in defaults for unset Config fields.
func New(cfg Config) *Publisher {
	if cfg.PublishInfoInterval <= 0 {
		cfg.PublishInfoInterval = DefaultPublishInfoInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if cfg.TaskCatalog == nil {
		cfg.TaskCatalog = DefaultTaskCatalog()
	}
	return &Publisher{
		cfg:         cfg,
		lastInfoLog: make(map[string]time.Time),
		lastWarnLog: make(map[string]time.Time),
	}
}

// DefaultTaskCatalog lists the task specification URLs this integration
// advertises support for: one each for the Mapping, Relay and Dropping
// kinds. The VisualId, Investigate and Monitor entries of the Task Agent's
// routing table are not advertised.
func DefaultTaskCatalog() []string {
	return []string{
		"https://lattice.anduril.com/api/v2/taskable-systems/task-specifications/Mapping",
		"https://lattice.anduril.com/api/v2/taskable-systems/task-specifications/Relay",
		"https://lattice.anduril.com/api/v2/taskable-systems/task-specifications/Dropping",
	}
}

// Run starts a position loop and a status loop per registered Session and
// blocks until ctx is cancelled or a loop returns a non-cancellation error.
func (p *Publisher) Run(ctx context.Context) error {
	sessions := p.cfg.Sessions.All()

	g, gctx := errgroup.WithContext(ctx)
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error { return p.positionLoop(gctx, sess) })
		g.Go(func() error { return p.statusLoop(gctx, sess) })
	}
	return g.Wait()
}

func (p *Publisher) positionLoop(ctx context.Context, sess *session.Session) error {
	interval := time.Duration(float64(time.Second) / PositionRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.publishTick(ctx, sess, false)
		}
	}
}

func (p *Publisher) statusLoop(ctx context.Context, sess *session.Session) error {
	interval := time.Duration(float64(time.Second) / StatusRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.publishTick(ctx, sess, true)
		}
	}
}

func (p *Publisher) publishTick(ctx context.Context, sess *session.Session, includeTask bool) {
	entity, ok := p.buildEntity(sess, includeTask)
	if !ok {
		p.logInvalidLocation(sess.DroneID)
		return
	}

	if err := p.cfg.C2.PublishEntity(ctx, entity); err != nil {
		// Retry on the next tick; no state change on failure.
		p.cfg.Logger.Printf("publisher: publish_entity for %s failed (will retry): %v", sess.DroneID, err)
		return
	}
	p.logPublishSuccess(sess.DroneID)
}

// buildEntity assembles the Entity for one drone, implementing the
// valid/cached/absent location table. ok is false iff there is no position
// to publish at all (publish should be skipped).
func (p *Publisher) buildEntity(sess *session.Session, includeTask bool) (c2.Entity, bool) {
	snap := sess.Snapshot()
	if !snap.HasPosition {
		return c2.Entity{}, false
	}

	now := p.cfg.now()

	entity := c2.Entity{
		EntityID:    sess.DroneID,
		IsLive:      true,
		CreatedTime: now,
		ExpiryTime:  now.Add(EntityExpiry),
		Aliases:     c2.Alias{Name: fmt.Sprintf("Drone-%s", sess.DroneID)},
		Ontology:    c2.Ontology{Template: "ASSET", PlatformType: "UAV"},
		Provenance: c2.Provenance{
			IntegrationName:  p.cfg.IntegrationName,
			DataType:         "telemetry",
			SourceUpdateTime: now,
		},
		Health: c2.Health{
			ConnectionStatus: "CONNECTION_STATUS_ONLINE",
			HealthStatus:     "HEALTH_STATUS_HEALTHY",
			UpdateTime:       now,
		},
		MilView: c2.MilView{
			Disposition: "DISPOSITION_FRIENDLY",
			Environment: "ENVIRONMENT_AIR",
		},
		TaskCatalog: c2.TaskCatalog{TaskDefinitions: p.cfg.TaskCatalog},
		Location: c2.Location{
			Position: c2.GeoPosition{
				LatitudeDeg:  snap.Position.LatitudeDeg,
				LongitudeDeg: snap.Position.LongitudeDeg,
				AltitudeHAEM: snap.Position.AltitudeAMSLM,
			},
			VelocityENU: nedToENU(snap.Velocity),
			SpeedMps:    snap.SpeedMps,
		},
	}

	if snap.Cached {
		entity.LocationUncertainty = &c2.LocationUncertainty{SemiMajorAxisM: CachedLocationUncertaintyM}
	}

	if includeTask {
		if ds, ok := p.cfg.Store.Get(sess.DroneID); ok {
			entity.TaskInfo = &c2.TaskInfo{
				CurrentTaskID: ds.CurrentTaskID,
				TaskStatus:    string(ds.TaskStatus),
				TaskProgress:  ds.TaskProgress,
			}
		}
	}

	return entity, true
}

// nedToENU converts a north-east-down velocity to east-north-up
// (e = east, n = north, u = -down).
func nedToENU(v session.VelocityNED) c2.VelocityENU {
	return c2.VelocityENU{
		East:  v.EastMps,
		North: v.NorthMps,
		Up:    -v.DownMps,
	}
}

func (p *Publisher) logPublishSuccess(droneID string) {
	now := p.cfg.now()

	p.mu.Lock()
	last, seen := p.lastInfoLog[droneID]
	due := !seen || now.Sub(last) >= p.cfg.PublishInfoInterval
	if due {
		p.lastInfoLog[droneID] = now
	}
	p.mu.Unlock()

	if due {
		p.cfg.Logger.Printf("publisher: published entity for %s", droneID)
	}
}

func (p *Publisher) logInvalidLocation(droneID string) {
	now := p.cfg.now()

	p.mu.Lock()
	last, seen := p.lastWarnLog[droneID]
	due := !seen || now.Sub(last) >= invalidLocationLogInterval
	if due {
		p.lastWarnLog[droneID] = now
	}
	p.mu.Unlock()

	if due {
		p.cfg.Logger.Printf("publisher: no position available for %s, publish skipped", droneID)
	}
}
