// Package errors holds the failure taxonomy shared by the orchestrator, the
// command dispatcher and the threat-intelligence engine.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

var (
	// ErrSystemBusyEmergency rejects non-emergency commands while the system is in Emergency.
	ErrSystemBusyEmergency = stderrors.New("system busy: emergency protocol active")
	ErrNotInEmergency      = stderrors.New("system is not in emergency")
	ErrInvalidTransition   = stderrors.New("invalid system status transition")
	ErrStateCorrupted      = stderrors.New("orchestrator state store corrupted")
	ErrShuttingDown        = stderrors.New("system is shutting down")
	ErrUnknownCommand      = stderrors.New("unknown command")
	ErrSubsystemNotFound   = stderrors.New("subsystem not found")
	ErrUnsupported         = stderrors.New("operation not supported by subsystem")
	ErrQueueFull           = stderrors.New("ingestion queue is full")
)

// InitializationError reports a subsystem that could not be brought Online.
type InitializationError struct {
	Subsystem string
	Attempts  int
	Cause     error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("subsystem %q failed to initialize after %d attempt(s): %v", e.Subsystem, e.Attempts, e.Cause)
}

func (e *InitializationError) Unwrap() error { return e.Cause }

// ConfigurationError reports an invalid setting. Configuration is applied
// all-or-nothing, so a ConfigurationError always means nothing changed.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Message
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
}

// NewConfigError builds a ConfigurationError with a formatted message.
func NewConfigError(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// TimeoutError reports an external call that exceeded its budget. Callers
// degrade to partial results instead of failing.
type TimeoutError struct {
	Operation string
	Budget    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s exceeded budget of %s", e.Operation, e.Budget)
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return stderrors.As(err, &ce)
}

// IsTimeout reports whether err is or wraps a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return stderrors.As(err, &te)
}

// Recovered converts a recovered panic value into an error.
func Recovered(where string, r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic in %s: %w", where, err)
	}
	return fmt.Errorf("panic in %s: %v", where, r)
}
