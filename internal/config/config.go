// Package config loads process configuration: server/local-surface
// settings, MAVLink defaults, logging, C2 credentials, and the drone
// registry.
package config

import (
	"fmt"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig
	MAVLink MAVLinkConfig
	Logging LoggingConfig
	C2      C2Config

	HealthCheckIntervalSeconds int
}

type ServerConfig struct {
	Host              string
	Port              int
	CORSOrigins       []string
	DroneRegistryPath string
}

type MAVLinkConfig struct {
	DefaultPort     string
	DefaultBaudRate int
}

type LoggingConfig struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json", "text"
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			CORSOrigins: []string{
				"http://localhost:5173",
				"http://localhost:3000",
			},
			DroneRegistryPath: "./data/config/drones.yaml",
		},
		MAVLink: MAVLinkConfig{
			DefaultPort:     "/dev/ttyUSB0",
			DefaultBaudRate: 57600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		C2:                         DefaultC2Config(),
		HealthCheckIntervalSeconds: 10,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port: %d", c.Server.Port)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("config: invalid log level: %s", c.Logging.Level)
	}

	if c.HealthCheckIntervalSeconds <= 0 {
		return fmt.Errorf("config: health_check_interval_seconds must be positive")
	}

	return nil
}

// ServerAddr returns the server address as host:port.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
