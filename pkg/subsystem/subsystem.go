// Package subsystem defines the contract every managed subsystem implements
// and the state the orchestrator keeps for each of them.
package subsystem

import (
	"context"
	"time"
)

// Subsystem is the registration SPI. The orchestrator is agnostic to what a
// subsystem does internally; it only drives this lifecycle and polls health.
type Subsystem interface {
	Initialize() error
	Start() error
	Stop() error
	// HealthCheck returns a score in [0,1].
	HealthCheck() (float64, error)
}

// Kind classifies a subsystem. Values are stable identifiers.
type Kind string

const (
	KindSecurity      Kind = "security"
	KindAI            Kind = "ai"
	KindCommunication Kind = "communication"
	KindCrypto        Kind = "crypto"
	KindThreatIntel   Kind = "threat_intel"
	KindConsciousness Kind = "consciousness"
)

// Status is the lifecycle status of one subsystem.
type Status string

const (
	StatusOffline     Status = "offline"
	StatusStarting    Status = "starting"
	StatusOnline      Status = "online"
	StatusDegraded    Status = "degraded"
	StatusError       Status = "error"
	StatusMaintenance Status = "maintenance"
)

// Contributes reports whether a subsystem in this status takes part in
// health aggregation.
func (s Status) Contributes() bool {
	return s == StatusOnline || s == StatusDegraded
}

// State is the orchestrator-owned view of a subsystem.
type State struct {
	Name       string    `json:"name"`
	Kind       Kind      `json:"kind"`
	Critical   bool      `json:"critical"`
	Weight     float64   `json:"weight"`
	Status     Status    `json:"status"`
	Health     float64   `json:"health"`
	LastUpdate time.Time `json:"last_update"`
	ErrorCount int       `json:"error_count"`
	LastError  string    `json:"last_error,omitempty"`
}

// Spec describes how a subsystem is registered and started.
type Spec struct {
	Name           string
	Kind           Kind
	Critical       bool
	Weight         float64
	Tier           int
	DependsOn      []string
	StartupTimeout time.Duration
	Subsystem      Subsystem
}

// Protector is implemented by subsystems that can toggle active protection.
type Protector interface {
	StartProtection(ctx context.Context) error
	StopProtection(ctx context.Context) error
}

// Scanner is implemented by subsystems that can run an on-demand scan.
type Scanner interface {
	Scan(ctx context.Context, params map[string]any) (ScanReport, error)
}

// Configurable subsystems accept settings at runtime. Configure must apply
// all settings or none.
type Configurable interface {
	Configure(settings map[string]any) error
}

// SafetyMode subsystems can switch to their most conservative configuration
// during an emergency and back afterwards.
type SafetyMode interface {
	ApplyMaximumSafety(ctx context.Context) error
	RestoreNormal(ctx context.Context) error
}

// Finding is one suspicious item discovered by a scan.
type Finding struct {
	Kind        string         `json:"kind"`
	Severity    string         `json:"severity"`
	Target      string         `json:"target"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
}

// ScanReport summarises a completed scan.
type ScanReport struct {
	ID           string        `json:"id"`
	Subsystem    string        `json:"subsystem"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	ItemsScanned int           `json:"items_scanned"`
	Findings     []Finding     `json:"findings"`
}
