package dispatcher

import (
	"context"
	"fmt"
	"strings"
)

// CommandType identifies a command. Values are stable strings.
type CommandType string

const (
	StartProtection   CommandType = "start_protection"
	StopProtection    CommandType = "stop_protection"
	RunScan           CommandType = "run_scan"
	Reconfigure       CommandType = "reconfigure"
	EmergencyProtocol CommandType = "emergency_protocol"
	ResolveEmergency  CommandType = "resolve_emergency"
	EnterMaintenance  CommandType = "enter_maintenance"
	ExitMaintenance   CommandType = "exit_maintenance"
)

// AllCommandTypes lists every command the dispatcher understands.
var AllCommandTypes = []CommandType{
	StartProtection, StopProtection, RunScan, Reconfigure,
	EmergencyProtocol, ResolveEmergency, EnterMaintenance, ExitMaintenance,
}

// ParseCommandType accepts the stable identifier or its CamelCase form.
func ParseCommandType(s string) (CommandType, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for _, t := range AllCommandTypes {
		if norm == string(t) || norm == strings.ReplaceAll(string(t), "_", "") {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown command type %q", s)
}

// IsEmergency reports whether the command controls the emergency protocol.
// Such commands are never rejected by the emergency gate and never queue
// behind subsystem commands.
func (t CommandType) IsEmergency() bool {
	return t == EmergencyProtocol || t == ResolveEmergency
}

// Command is a request from an external caller.
type Command struct {
	ID         string         `json:"id,omitempty"`
	Type       CommandType    `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// CommandResult is always returned, also for failed or rejected commands.
type CommandResult struct {
	CommandID string `json:"command_id"`
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
}

// Param returns a string parameter or def.
func (c Command) Param(key, def string) string {
	if v, ok := c.Parameters[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Bool returns a boolean parameter.
func (c Command) Bool(key string) bool {
	v, _ := c.Parameters[key].(bool)
	return v
}

// Target returns the lane a command is serialized on: the "subsystem"
// parameter, or the default target for the command type. Maintenance
// commands always run on the orchestrator lane.
func (c Command) Target() string {
	def := DefaultTarget
	switch c.Type {
	case Reconfigure:
		def = OrchestratorTarget
	case EnterMaintenance, ExitMaintenance:
		return OrchestratorTarget
	}
	return c.Param("subsystem", def)
}

const (
	// DefaultTarget receives commands that name no subsystem.
	DefaultTarget = "security"
	// OrchestratorTarget addresses the orchestrator's own settings.
	OrchestratorTarget = "orchestrator"
)

// Handler executes one command type.
type Handler interface {
	Handle(ctx context.Context, cmd Command) (CommandResult, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cmd Command) (CommandResult, error)

func (f HandlerFunc) Handle(ctx context.Context, cmd Command) (CommandResult, error) {
	return f(ctx, cmd)
}

// Gate decides whether a non-emergency command may start.
type Gate interface {
	Admit(cmd Command) error
}
