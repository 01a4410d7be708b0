package orchestrator

import "fmt"

// SystemStatus is the top-level status held by the orchestrator. Values are
// stable strings.
type SystemStatus string

const (
	StatusInitializing SystemStatus = "initializing"
	StatusStarting     SystemStatus = "starting"
	StatusRunning      SystemStatus = "running"
	StatusDegraded     SystemStatus = "degraded"
	StatusEmergency    SystemStatus = "emergency"
	StatusMaintenance  SystemStatus = "maintenance"
	StatusShutdown     SystemStatus = "shutdown"
	StatusError        SystemStatus = "error"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []SystemStatus{
	StatusInitializing, StatusStarting, StatusRunning, StatusDegraded,
	StatusEmergency, StatusMaintenance, StatusShutdown, StatusError,
}

// transitions is the complete adjacency of the state machine. Shutdown is
// terminal; Error is left only by re-running Initialize or by shutting down.
var transitions = map[SystemStatus][]SystemStatus{
	StatusInitializing: {StatusStarting, StatusError, StatusShutdown},
	StatusStarting:     {StatusRunning, StatusDegraded, StatusError, StatusShutdown},
	StatusRunning:      {StatusDegraded, StatusEmergency, StatusMaintenance, StatusShutdown, StatusError},
	StatusDegraded:     {StatusRunning, StatusEmergency, StatusMaintenance, StatusShutdown, StatusError},
	StatusEmergency:    {StatusRunning, StatusDegraded, StatusShutdown, StatusError},
	StatusMaintenance:  {StatusRunning, StatusDegraded, StatusEmergency, StatusShutdown, StatusError},
	StatusError:        {StatusInitializing, StatusShutdown},
	StatusShutdown:     nil,
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to SystemStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ParseSystemStatus returns the status named s.
func ParseSystemStatus(s string) (SystemStatus, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown system status %q", s)
}

// UnmarshalText accepts only known statuses, so a decoded StatusReport
// always carries a valid status.
func (s *SystemStatus) UnmarshalText(b []byte) error {
	st, err := ParseSystemStatus(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Operational reports whether subsystems are expected to be serving.
func (s SystemStatus) Operational() bool {
	switch s {
	case StatusRunning, StatusDegraded, StatusEmergency, StatusMaintenance:
		return true
	}
	return false
}
