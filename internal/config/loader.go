package config

import (
	"log"
	"os"
	"strconv"
)

// Load loads configuration from environment variables, falling back to
// defaults for any missing values.
func Load() *Config {
	cfg := Default()

	if port := os.Getenv("DRONEBRIDGE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	if host := os.Getenv("DRONEBRIDGE_HOST"); host != "" {
		cfg.Server.Host = host
	}

	if logLevel := os.Getenv("DRONEBRIDGE_LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if mavPort := os.Getenv("DRONEBRIDGE_MAVLINK_PORT"); mavPort != "" {
		cfg.MAVLink.DefaultPort = mavPort
	}

	if mavBaud := os.Getenv("DRONEBRIDGE_MAVLINK_BAUD"); mavBaud != "" {
		if b, err := strconv.Atoi(mavBaud); err == nil {
			cfg.MAVLink.DefaultBaudRate = b
		}
	}

	if registryPath := os.Getenv("DRONEBRIDGE_DRONE_REGISTRY"); registryPath != "" {
		cfg.Server.DroneRegistryPath = registryPath
	}

	if healthInterval := os.Getenv("DRONEBRIDGE_HEALTH_CHECK_INTERVAL_SECONDS"); healthInterval != "" {
		if v, err := strconv.Atoi(healthInterval); err == nil {
			cfg.HealthCheckIntervalSeconds = v
		}
	}

	cfg.C2.URL = ResolvePlaceholder(cfg.C2.URL)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("dronebridge: invalid configuration: %v", err)
	}

	return cfg
}
