package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/connect"

	"github.com/windrose-io/dronebridge/internal/agent"
	"github.com/windrose-io/dronebridge/internal/c2"
	"github.com/windrose-io/dronebridge/internal/config"
	"github.com/windrose-io/dronebridge/internal/mavlink"
	"github.com/windrose-io/dronebridge/internal/publisher"
	"github.com/windrose-io/dronebridge/internal/server"
	"github.com/windrose-io/dronebridge/internal/services"
	"github.com/windrose-io/dronebridge/internal/session"
	"github.com/windrose-io/dronebridge/internal/supervisor"
)

func main() {
	cfg := config.Load()

	srv := server.New(cfg)
	deps := srv.GetDependencies()

	registerServices(srv, deps)

	c2Client := c2.New(c2.Config{
		BaseURL:          cfg.C2.URL,
		EnvironmentToken: cfg.C2.EnvironmentToken,
		SandboxToken:     cfg.C2.SandboxToken,
		IntegrationName:  cfg.C2.IntegrationName,
		Timeout:          cfg.C2.Timeout,
	})

	pub := publisher.New(publisher.Config{
		C2:              c2Client,
		Sessions:        deps.Sessions,
		Store:           deps.Store,
		IntegrationName: cfg.C2.IntegrationName,
		Logger:          deps.GetLogger(),
	})

	ag := agent.New(agent.Config{
		C2:       c2Client,
		Sessions: deps.Sessions,
		Store:    deps.Store,
		Logger:   deps.GetLogger(),
	})

	healthInterval := time.Duration(cfg.HealthCheckIntervalSeconds) * time.Second
	sup := supervisor.New(supervisor.Config{
		Registry:            deps.DroneRegistry,
		Sessions:            deps.Sessions,
		Store:               deps.Store,
		Publisher:           pub,
		Agent:               ag,
		C2:                  c2Client,
		HealthCheckInterval: healthInterval,
		Logger:              deps.GetLogger(),
		NewSession: func(drone config.DroneConfig) *session.Session {
			return newSession(cfg, deps, drone)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := sup.Run(ctx); err != nil {
			deps.GetLogger().Printf("supervisor exited with error: %v", err)
		}
	}()

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("local operator surface error: %v", err)
		}
	}()

	<-ctx.Done()
	deps.GetLogger().Println("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		deps.GetLogger().Printf("error shutting down local operator surface: %v", err)
	}
}

// newSession builds a not-yet-started Session for one drone registry entry,
// resolving connection parameters with a fallback to the process-wide
// MAVLink defaults, mirroring server.Dependencies.Connect.
func newSession(cfg *config.Config, deps *server.Dependencies, drone config.DroneConfig) *session.Session {
	port := drone.GetConnectionString("port")
	if port == "" {
		port = cfg.MAVLink.DefaultPort
	}
	baud := drone.GetConnectionInt("baud_rate")
	if baud == 0 {
		baud = cfg.MAVLink.DefaultBaudRate
	}

	logger := deps.GetLogger()
	return session.New(session.Config{
		DroneID: drone.ID,
		Logger:  logger,
		NewClient: func(ctx context.Context) (*mavlink.Client, error) {
			return mavlink.NewClient(mavlink.Config{Port: port, BaudRate: baud, Logger: logger})
		},
	})
}

// register registers a connect.Handler at its own procedure path.
func register(srv *server.Server, path string, handler *connect.Handler) {
	srv.RegisterService(path, http.Handler(handler))
}

// registerServices registers every Connect-RPC service onto srv's mux. The
// local operator surface carries hand-written request/response structs
// rather than protoc-generated messages, so each handler is built directly
// with connect.NewUnaryHandler/NewServerStreamHandler and a custom JSON
// codec instead of generated *connect.Handler constructors.
func registerServices(srv *server.Server, deps *server.Dependencies) {
	connServer := services.NewConnectionServer(deps)
	register(srv, "/dronebridge.v1.ConnectionService/Connect",
		connect.NewUnaryHandler("/dronebridge.v1.ConnectionService/Connect", connServer.Connect, services.UnaryOpts()...))
	register(srv, "/dronebridge.v1.ConnectionService/Disconnect",
		connect.NewUnaryHandler("/dronebridge.v1.ConnectionService/Disconnect", connServer.Disconnect, services.UnaryOpts()...))
	register(srv, "/dronebridge.v1.ConnectionService/GetStatus",
		connect.NewUnaryHandler("/dronebridge.v1.ConnectionService/GetStatus", connServer.GetStatus, services.UnaryOpts()...))
	register(srv, "/dronebridge.v1.ConnectionService/ListDrones",
		connect.NewUnaryHandler("/dronebridge.v1.ConnectionService/ListDrones", connServer.ListDrones, services.UnaryOpts()...))

	ctrlServer := services.NewControlServer(deps)
	register(srv, "/dronebridge.v1.ControlService/Arm",
		connect.NewUnaryHandler("/dronebridge.v1.ControlService/Arm", ctrlServer.Arm, services.UnaryOpts()...))
	register(srv, "/dronebridge.v1.ControlService/Disarm",
		connect.NewUnaryHandler("/dronebridge.v1.ControlService/Disarm", ctrlServer.Disarm, services.UnaryOpts()...))
	register(srv, "/dronebridge.v1.ControlService/SetFlightMode",
		connect.NewUnaryHandler("/dronebridge.v1.ControlService/SetFlightMode", ctrlServer.SetFlightMode, services.UnaryOpts()...))
	register(srv, "/dronebridge.v1.ControlService/Takeoff",
		connect.NewUnaryHandler("/dronebridge.v1.ControlService/Takeoff", ctrlServer.Takeoff, services.UnaryOpts()...))
	register(srv, "/dronebridge.v1.ControlService/Land",
		connect.NewUnaryHandler("/dronebridge.v1.ControlService/Land", ctrlServer.Land, services.UnaryOpts()...))
	register(srv, "/dronebridge.v1.ControlService/ReturnHome",
		connect.NewUnaryHandler("/dronebridge.v1.ControlService/ReturnHome", ctrlServer.ReturnHome, services.UnaryOpts()...))
	register(srv, "/dronebridge.v1.ControlService/GoToPosition",
		connect.NewUnaryHandler("/dronebridge.v1.ControlService/GoToPosition", ctrlServer.GoToPosition, services.UnaryOpts()...))

	teleServer := services.NewTelemetryServer(deps)
	register(srv, "/dronebridge.v1.TelemetryService/GetSnapshot",
		connect.NewUnaryHandler("/dronebridge.v1.TelemetryService/GetSnapshot", teleServer.GetSnapshot, services.UnaryOpts()...))
	register(srv, "/dronebridge.v1.TelemetryService/StreamTelemetry",
		connect.NewServerStreamHandler("/dronebridge.v1.TelemetryService/StreamTelemetry", teleServer.StreamTelemetry, services.StreamOpts()...))

	missionServer := services.NewMissionServer(deps)
	register(srv, "/dronebridge.v1.MissionService/StartRoute",
		connect.NewUnaryHandler("/dronebridge.v1.MissionService/StartRoute", missionServer.StartRoute, services.UnaryOpts()...))
	register(srv, "/dronebridge.v1.MissionService/GetRouteProgress",
		connect.NewUnaryHandler("/dronebridge.v1.MissionService/GetRouteProgress", missionServer.GetRouteProgress, services.UnaryOpts()...))
	register(srv, "/dronebridge.v1.MissionService/StreamRouteProgress",
		connect.NewServerStreamHandler("/dronebridge.v1.MissionService/StreamRouteProgress", missionServer.StreamRouteProgress, services.StreamOpts()...))
}
