package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of SystemEvent. Values are stable strings.
type EventType string

const (
	EventSubsystemStateChange   EventType = "subsystem_state_change"
	EventSystemStatusChange     EventType = "system_status_change"
	EventHealthThresholdCrossed EventType = "health_threshold_crossed"
	EventEmergency              EventType = "emergency"
	EventEmergencyResolved      EventType = "emergency_resolved"
	EventCampaignDetected       EventType = "campaign_detected"
	EventCommandExecuted        EventType = "command_executed"
	EventConfigurationChange    EventType = "configuration_change"
	EventSubsystemError         EventType = "subsystem_error"
	EventIngestDropped          EventType = "ingest_dropped"
	EventTaskPanic              EventType = "task_panic"
)

// Severity levels shared by system events and threat updates.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

// ValidSeverity reports whether s is one of the known severity levels.
func ValidSeverity(s string) bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// SystemEvent is emitted for observability collaborators. Metadata values
// must be treated as read-only by subscribers.
type SystemEvent struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Description string         `json:"description"`
	Severity    string         `json:"severity"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NewSystemEvent fills in the ID and timestamp.
func NewSystemEvent(t EventType, severity, description string, metadata map[string]any) SystemEvent {
	return SystemEvent{
		ID:          uuid.NewString(),
		Type:        t,
		Description: description,
		Severity:    severity,
		Timestamp:   time.Now(),
		Metadata:    metadata,
	}
}
