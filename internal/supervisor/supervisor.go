// Package supervisor implements the Supervisor: orchestrated startup,
// health monitoring, and ordered shutdown of every drone Session plus the
// Asset Publisher and Task Agent that ride on top of them.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/windrose-io/dronebridge/internal/config"
	"github.com/windrose-io/dronebridge/internal/session"
	"github.com/windrose-io/dronebridge/internal/state"
)

// agentRunner and publisherRunner are the subset of *agent.Agent's and
// *publisher.Publisher's surface the Supervisor depends on, accepted as
// interfaces so tests can substitute fakes instead of wiring a live C2.
type agentRunner interface {
	Run(ctx context.Context) error
}

type publisherRunner interface {
	Run(ctx context.Context) error
}

// c2Disconnector is satisfied by a C2 client that holds no persistent
// connection to tear down; present for symmetry with the rest of the
// shutdown ordering. The REST/JSON client has nothing to close, so this is
// a no-op seam kept for future transports.
type c2Disconnector interface {
	Disconnect(ctx context.Context) error
}

// Config configures a Supervisor.
type Config struct {
	Registry  *config.DroneRegistry
	Sessions  *session.Manager
	Store     *state.Store
	Publisher publisherRunner
	Agent     agentRunner
	C2        c2Disconnector

	// NewSession builds a not-yet-started Session for one drone entry;
	// separated out so tests can substitute a fake instead of a real
	// MAVLink link.
	NewSession func(drone config.DroneConfig) *session.Session

	HealthCheckInterval time.Duration
	Logger              *log.Logger
}

const defaultHealthCheckInterval = 10 * time.Second

// Supervisor starts every configured drone Session, brings up the
// Publisher and Task Agent once at least one Session is live, runs a
// periodic health/reconnect loop, and tears everything down in order on
// shutdown.
type Supervisor struct {
	cfg Config

	mu      sync.Mutex
	started map[string]config.DroneConfig
}

// New constructs a Supervisor, filling in defaults for unset Config fields.
func New(cfg Config) *Supervisor {
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = defaultHealthCheckInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Supervisor{cfg: cfg, started: make(map[string]config.DroneConfig)}
}

// Run brings the fleet up and blocks until ctx is cancelled. Cancellation
// reaches the Agent, the Publisher and the health loop together (they share
// one context), so the Agent and Publisher stop concurrently, in no fixed
// order; once all of them have returned, every Session is stopped, then the
// C2 connection is closed.
func (s *Supervisor) Run(ctx context.Context) error {
	s.startSessions(ctx)

	g, gctx := errgroup.WithContext(ctx)
	s.mu.Lock()
	haveAny := len(s.started) > 0
	s.mu.Unlock()

	if haveAny {
		if s.cfg.Agent != nil {
			g.Go(func() error { return s.cfg.Agent.Run(gctx) })
		}
		if s.cfg.Publisher != nil {
			g.Go(func() error { return s.cfg.Publisher.Run(gctx) })
		}
	} else {
		s.cfg.Logger.Printf("supervisor: no sessions came up, running in mock mode (no C2 activity)")
	}

	g.Go(func() error { return s.healthLoop(gctx) })

	err := g.Wait()
	s.shutdown(context.Background())
	return err
}

// startSessions starts each registered drone's Session sequentially; a
// failed Session is logged and skipped rather than aborting startup of the
// rest of the fleet.
func (s *Supervisor) startSessions(ctx context.Context) {
	if s.cfg.Registry == nil {
		return
	}
	for _, drone := range s.cfg.Registry.Drones {
		sess := s.cfg.NewSession(drone)
		if err := sess.Start(ctx); err != nil {
			s.cfg.Logger.Printf("supervisor: session %s failed to start, skipping: %v", drone.ID, err)
			continue
		}
		s.cfg.Sessions.Register(sess)
		s.cfg.Store.Register(drone.ID, connectionSummary(drone))

		s.mu.Lock()
		s.started[drone.ID] = drone
		s.mu.Unlock()

		s.cfg.Logger.Printf("supervisor: session %s started", drone.ID)
	}
}

// healthLoop periodically reconnects any Session reporting disconnected:
// each cycle makes one stop-and-restart attempt per such Session, run
// concurrently via errgroup, and waits for every attempt to return.
func (s *Supervisor) healthLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.healthCheckOnce(ctx)
		}
	}
}

func (s *Supervisor) healthCheckOnce(ctx context.Context) {
	s.mu.Lock()
	drones := make([]config.DroneConfig, 0, len(s.started))
	for _, d := range s.started {
		drones = append(drones, d)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, drone := range drones {
		drone := drone
		sess := s.cfg.Sessions.Get(drone.ID)
		if sess == nil || sess.IsConnected() {
			continue
		}
		g.Go(func() error {
			s.cfg.Logger.Printf("supervisor: session %s disconnected, attempting reconnect", drone.ID)
			// Start is a no-op on a started Session, so stop it first.
			if err := sess.Stop(); err != nil {
				s.cfg.Logger.Printf("supervisor: stopping %s before reconnect: %v", drone.ID, err)
			}
			if err := sess.Start(gctx); err != nil {
				s.cfg.Logger.Printf("supervisor: reconnect of %s failed: %v", drone.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// shutdown tears the fleet down in order: the Agent and Publisher are
// already handled by ctx cancellation propagating to Run's errgroup, so
// this stops every Session, then disconnects from the C2.
func (s *Supervisor) shutdown(ctx context.Context) {
	s.mu.Lock()
	drones := make([]string, 0, len(s.started))
	for id := range s.started {
		drones = append(drones, id)
	}
	s.mu.Unlock()

	for _, id := range drones {
		sess := s.cfg.Sessions.Get(id)
		if sess == nil {
			continue
		}
		if err := sess.Stop(); err != nil {
			s.cfg.Logger.Printf("supervisor: error stopping session %s: %v", id, err)
		}
	}

	if s.cfg.C2 != nil {
		if err := s.cfg.C2.Disconnect(ctx); err != nil {
			s.cfg.Logger.Printf("supervisor: error disconnecting from C2: %v", err)
		}
	}
}

func connectionSummary(drone config.DroneConfig) string {
	if port := drone.GetConnectionString("port"); port != "" {
		return fmt.Sprintf("%s:%d", port, drone.GetConnectionInt("baud_rate"))
	}
	return drone.Protocol
}
