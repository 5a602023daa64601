package server

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/windrose-io/dronebridge/internal/config"
	"github.com/windrose-io/dronebridge/internal/mavlink"
	"github.com/windrose-io/dronebridge/internal/session"
	"github.com/windrose-io/dronebridge/internal/state"
)

// Dependencies holds the shared state the local operator surface's
// services are built on: the fleet's drone registry, the live Session
// registry, and the State Store.
type Dependencies struct {
	Config        *config.Config
	DroneRegistry *config.DroneRegistry
	Sessions      *session.Manager
	Store         *state.Store

	mu     sync.RWMutex
	logger *log.Logger
}

// NewDependencies creates a new Dependencies instance, loading the drone
// registry and falling back to an empty one on load failure.
func NewDependencies(cfg *config.Config) *Dependencies {
	logger := log.New(log.Writer(), "[dronebridge] ", log.LstdFlags|log.Lshortfile)

	registryPath := cfg.Server.DroneRegistryPath
	if registryPath == "" {
		registryPath = "./data/config/drones.yaml"
	}

	registry, err := config.LoadDroneRegistry(registryPath)
	if err != nil {
		logger.Printf("warning: could not load drone registry: %v", err)
		registry = &config.DroneRegistry{Drones: []config.DroneConfig{}}
	} else {
		logger.Printf("loaded drone registry with %d drones", len(registry.Drones))
	}

	return &Dependencies{
		Config:        cfg,
		DroneRegistry: registry,
		Sessions:      session.NewManager(),
		Store:         state.NewStore(),
		logger:        logger,
	}
}

// SetLogger allows updating the logger (useful for testing).
func (d *Dependencies) SetLogger(logger *log.Logger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger = logger
}

// GetLogger returns the logger (thread-safe).
func (d *Dependencies) GetLogger() *log.Logger {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.logger
}

// GetDroneRegistry returns the drone registry (thread-safe; the registry
// itself is loaded once and not mutated after construction).
func (d *Dependencies) GetDroneRegistry() *config.DroneRegistry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.DroneRegistry
}

// Connect starts a Session for droneID if one is not already registered,
// resolving its connection parameters from the drone registry with a
// fallback to the process-wide MAVLink defaults.
func (d *Dependencies) Connect(ctx context.Context, droneID string) (*session.Session, error) {
	if sess := d.Sessions.Get(droneID); sess != nil {
		return sess, nil
	}

	drone, err := d.DroneRegistry.FindDrone(droneID)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	port := drone.GetConnectionString("port")
	if port == "" {
		port = d.Config.MAVLink.DefaultPort
	}
	baud := drone.GetConnectionInt("baud_rate")
	if baud == 0 {
		baud = d.Config.MAVLink.DefaultBaudRate
	}

	logger := d.GetLogger()
	sess := session.New(session.Config{
		DroneID: droneID,
		Logger:  logger,
		NewClient: func(ctx context.Context) (*mavlink.Client, error) {
			return mavlink.NewClient(mavlink.Config{Port: port, BaudRate: baud, Logger: logger})
		},
	})

	if err := sess.Start(ctx); err != nil {
		return nil, fmt.Errorf("server: start session for %s: %w", droneID, err)
	}

	d.Sessions.Register(sess)
	d.Store.Register(droneID, fmt.Sprintf("%s:%d", port, baud))
	return sess, nil
}

// Disconnect stops and unregisters droneID's Session, if any.
func (d *Dependencies) Disconnect(droneID string) error {
	sess := d.Sessions.Get(droneID)
	if sess == nil {
		return fmt.Errorf("server: drone not connected: %s", droneID)
	}
	d.Sessions.Unregister(droneID)
	d.Store.Unregister(droneID)
	return sess.Stop()
}
