// Package c2 models the command-and-control platform's external interface:
// PublishEntity, UpdateTaskStatus, and the long-poll ListenAsAgent, plus the
// Entity and AgentRequest wire shapes. This is a self-contained Go modeling
// of that contract rather than a generated protobuf/Connect client.
package c2

import (
	"encoding/json"
	"time"
)

// Status is the task-status vocabulary the C2 expects on UpdateTaskStatus.
type Status string

const (
	StatusSent           Status = "STATUS_SENT"
	StatusMachineReceipt Status = "STATUS_MACHINE_RECEIPT"
	StatusAck            Status = "STATUS_ACK"
	StatusWilco          Status = "STATUS_WILCO"
	StatusExecuting      Status = "STATUS_EXECUTING"
	StatusDoneOK         Status = "STATUS_DONE_OK"
	StatusDoneNotOK      Status = "STATUS_DONE_NOT_OK"
)

// Alias is the human-readable name component of an Entity.
type Alias struct {
	Name string `json:"name"`
}

// Ontology classifies the entity's template and platform type.
type Ontology struct {
	Template     string `json:"template"`
	PlatformType string `json:"platform_type"`
}

// Provenance records who/what produced the entity and when.
type Provenance struct {
	IntegrationName   string    `json:"integration_name"`
	DataType          string    `json:"data_type"`
	SourceUpdateTime  time.Time `json:"source_update_time"`
	SourceDescription string    `json:"source_description"`
}

// Health reports connectivity and health status.
type Health struct {
	ConnectionStatus string    `json:"connection_status"` // CONNECTION_STATUS_ONLINE
	HealthStatus     string    `json:"health_status"`     // HEALTH_STATUS_HEALTHY
	UpdateTime       time.Time `json:"update_time"`
}

// MilView marks disposition/environment for display purposes.
type MilView struct {
	Disposition string `json:"disposition"` // DISPOSITION_FRIENDLY
	Environment string `json:"environment"` // ENVIRONMENT_AIR
}

// GeoPosition is a lat/lon/altitude-HAE fix, per the Entity location
// component (HAE is treated as AMSL-equivalent, per the glossary).
type GeoPosition struct {
	LatitudeDeg     float64 `json:"latitude_degrees"`
	LongitudeDeg    float64 `json:"longitude_degrees"`
	AltitudeHAEM    float64 `json:"altitude_hae_meters"`
}

// VelocityENU is velocity in the east-north-up frame.
type VelocityENU struct {
	East  float64 `json:"e"`
	North float64 `json:"n"`
	Up    float64 `json:"u"`
}

// AttitudeENU is optional orientation data; if absent, heading is implied
// by velocity for the UI.
type AttitudeENU struct {
	YawDeg   float64 `json:"yaw_deg"`
	PitchDeg float64 `json:"pitch_deg"`
	RollDeg  float64 `json:"roll_deg"`
}

// LocationUncertainty marks published location as approximate (used when
// republishing a last-known-good cached position).
type LocationUncertainty struct {
	SemiMajorAxisM float64 `json:"semi_major_axis_m"`
}

// Location is the Entity's motion/position component.
type Location struct {
	Position    GeoPosition  `json:"position"`
	VelocityENU VelocityENU  `json:"velocity_enu"`
	SpeedMps    float64      `json:"speed_mps"`
	AttitudeENU *AttitudeENU `json:"attitude_enu,omitempty"`
}

// TaskCatalog enumerates the task specification URLs this entity advertises
// support for.
type TaskCatalog struct {
	TaskDefinitions []string `json:"task_definitions"`
}

// TaskInfo carries the assignee's current task facet, supplementing the
// spec's Entity fields with the status-loop detail
// original_source/core/entity_manager.py publishes alongside telemetry.
type TaskInfo struct {
	CurrentTaskID string  `json:"current_task_id,omitempty"`
	TaskStatus    string  `json:"task_status,omitempty"`
	TaskProgress  float64 `json:"task_progress"`
}

// Entity is the C2's representation of a live, taskable asset.
type Entity struct {
	EntityID   string    `json:"entity_id"`
	IsLive     bool      `json:"is_live"`
	CreatedTime time.Time `json:"created_time"`
	ExpiryTime  time.Time `json:"expiry_time"`

	Aliases    Alias      `json:"aliases"`
	Ontology   Ontology   `json:"ontology"`
	Provenance Provenance `json:"provenance"`
	Health     Health     `json:"health"`
	MilView    MilView    `json:"mil_view"`

	Location             Location              `json:"location"`
	LocationUncertainty  *LocationUncertainty  `json:"location_uncertainty,omitempty"`
	TaskCatalog          TaskCatalog           `json:"task_catalog"`
	TaskInfo             *TaskInfo             `json:"task_info,omitempty"`
}

// System identifies a principal (used as the author of a status update).
type System struct {
	EntityID string `json:"entity_id"`
}

// Principal is the author of an UpdateTaskStatus call.
type Principal struct {
	System System `json:"system"`
}

// EntityIDsSelector selects which entities' tasks a ListenAsAgent call
// should watch.
type EntityIDsSelector struct {
	EntityIDs []string `json:"entity_ids"`
}

// TaskVersion identifies a task within the C2's own task record.
type TaskVersion struct {
	TaskID string `json:"task_id"`
}

// TaskSpecification names the task kind via a specification URL.
type TaskSpecification struct {
	Type string `json:"type"`
}

// Relations names the assignee of a task.
type Relations struct {
	Assignee System `json:"assignee"`
}

// Task is the C2-side task record an AgentRequest carries. Parameters is a
// free-form task-kind-specific payload (area_center/area_size for mapping,
// relay_position for relay, drop_locations for dropping), mirroring
// original_source/core/task_manager.py's task.parameters dict.
type Task struct {
	Version       TaskVersion       `json:"version"`
	Specification TaskSpecification `json:"specification"`
	Relations     Relations         `json:"relations"`
	Parameters    json.RawMessage   `json:"parameters,omitempty"`
}

// RequestKind tags the variant an AgentRequest carries.
type RequestKind string

const (
	RequestKindExecute  RequestKind = "execute_request"
	RequestKindCancel   RequestKind = "cancel_request"
	RequestKindComplete RequestKind = "complete_request"
	RequestKindOther    RequestKind = "other"
)

// AgentRequest is the tagged variant the C2 pushes to this process via
// ListenAsAgent; Kind selects which of the embedded fields is populated.
type AgentRequest struct {
	Kind RequestKind
	Task Task
}
