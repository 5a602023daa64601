package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Capability names a task kind a drone is configured to accept.
type Capability string

const (
	CapabilityMapping  Capability = "mapping"
	CapabilityRelay    Capability = "relay"
	CapabilityDropping Capability = "dropping"
)

// DroneConfig is the immutable per-UAV configuration, per the data model:
// id, connection string, capabilities, max_altitude_m, max_speed_mps,
// rtl_altitude_m, geofence_enabled.
type DroneConfig struct {
	ID               string                 `yaml:"id"`
	Name             string                 `yaml:"name"`
	Description      string                 `yaml:"description"`
	Protocol         string                 `yaml:"protocol"`
	Connection       map[string]interface{} `yaml:"connection"`
	Capabilities     []Capability           `yaml:"capabilities"`
	MaxAltitudeM     float64                `yaml:"max_altitude_m"`
	MaxSpeedMps      float64                `yaml:"max_speed_mps"`
	RTLAltitudeM     float64                `yaml:"rtl_altitude_m"`
	GeofenceEnabled  bool                   `yaml:"geofence_enabled"`
}

// DefaultDroneConfig mirrors original_source/models/drone.py's DroneConfig
// defaults (quadcopter, CubePilot/CubeOrange, 120m FAA ceiling, 20 m/s,
// geofence on, RTL at 50m).
func DefaultDroneConfig(id string) DroneConfig {
	return DroneConfig{
		ID:              id,
		Capabilities:    []Capability{CapabilityMapping, CapabilityRelay, CapabilityDropping},
		MaxAltitudeM:    120.0,
		MaxSpeedMps:     20.0,
		RTLAltitudeM:    50.0,
		GeofenceEnabled: true,
	}
}

// HasCapability reports whether the drone is configured for a task kind.
func (d DroneConfig) HasCapability(c Capability) bool {
	for _, cap := range d.Capabilities {
		if cap == c {
			return true
		}
	}
	return false
}

// DroneRegistry holds all configured drones, loaded from YAML.
type DroneRegistry struct {
	Drones []DroneConfig `yaml:"drones"`
}

// LoadDroneRegistry loads drone configurations from a YAML file.
func LoadDroneRegistry(path string) (*DroneRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read drone registry: %w", err)
	}

	var registry DroneRegistry
	if err := yaml.Unmarshal(data, &registry); err != nil {
		return nil, fmt.Errorf("config: parse drone registry: %w", err)
	}

	for i := range registry.Drones {
		if len(registry.Drones[i].Capabilities) == 0 {
			registry.Drones[i].Capabilities = DefaultDroneConfig(registry.Drones[i].ID).Capabilities
		}
	}

	return &registry, nil
}

// FindDrone finds a drone by ID.
func (r *DroneRegistry) FindDrone(id string) (*DroneConfig, error) {
	for i := range r.Drones {
		if r.Drones[i].ID == id {
			return &r.Drones[i], nil
		}
	}
	return nil, fmt.Errorf("config: drone not found: %s", id)
}

// GetConnectionString returns a connection parameter as a string.
func (d *DroneConfig) GetConnectionString(key string) string {
	if val, ok := d.Connection[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

// GetConnectionInt returns a connection parameter as an int.
func (d *DroneConfig) GetConnectionInt(key string) int {
	if val, ok := d.Connection[key]; ok {
		switch v := val.(type) {
		case int:
			return v
		}
	}
	return 0
}
