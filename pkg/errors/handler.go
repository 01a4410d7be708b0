package errors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SubsystemError represents a structured fault reported by or about a subsystem.
type SubsystemError struct {
	Subsystem   string         `json:"subsystem"`
	ErrorType   string         `json:"error_type"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Severity    Severity       `json:"severity"`
	Recoverable bool           `json:"recoverable"`
	Cause       error          `json:"-"`
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Error types used by the orchestrator.
const (
	TypeInitialization = "initialization"
	TypeHealthCheck    = "health_check"
	TypeCommand        = "command"
	TypeShutdown       = "shutdown"
	TypePanic          = "panic"
	TypeConfiguration  = "configuration"
	TypePersistence    = "persistence"
)

// Error implements the error interface
func (se *SubsystemError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", se.Subsystem, se.ErrorType, se.Message)
}

// Unwrap returns the underlying cause
func (se *SubsystemError) Unwrap() error {
	return se.Cause
}

// NewSubsystemError fills in the timestamp and returns a SubsystemError.
func NewSubsystemError(subsystem, errorType string, severity Severity, recoverable bool, cause error) *SubsystemError {
	msg := errorType + " failed"
	if cause != nil {
		msg = cause.Error()
	}
	return &SubsystemError{
		Subsystem:   subsystem,
		ErrorType:   errorType,
		Message:     msg,
		Timestamp:   time.Now(),
		Severity:    severity,
		Recoverable: recoverable,
		Cause:       cause,
	}
}

// ErrorCollector defines how errors are collected and reported
type ErrorCollector interface {
	CollectError(ctx context.Context, err *SubsystemError) error
	GetErrorStats() ErrorStats
}

type ErrorStats struct {
	TotalErrors       int              `json:"total_errors"`
	ErrorsByType      map[string]int   `json:"errors_by_type"`
	ErrorsBySubsystem map[string]int   `json:"errors_by_subsystem"`
	ErrorsBySeverity  map[Severity]int `json:"errors_by_severity"`
	LastError         *SubsystemError  `json:"last_error,omitempty"`
}

// ErrorHandler logs subsystem errors and forwards them to a collector.
type ErrorHandler struct {
	logger    zerolog.Logger
	collector ErrorCollector
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger zerolog.Logger, collector ErrorCollector) *ErrorHandler {
	return &ErrorHandler{
		logger:    logger.With().Str("component", "error_handler").Logger(),
		collector: collector,
	}
}

// HandleError processes and reports a subsystem error
func (eh *ErrorHandler) HandleError(ctx context.Context, err *SubsystemError) error {
	logEvent := eh.getLogEvent(err.Severity).
		Str("subsystem", err.Subsystem).
		Str("error_type", err.ErrorType).
		Str("message", err.Message).
		Bool("recoverable", err.Recoverable)

	if err.Details != nil {
		logEvent = logEvent.Interface("details", err.Details)
	}

	if err.Cause != nil {
		logEvent = logEvent.AnErr("cause", err.Cause)
	}

	logEvent.Msg("Subsystem error occurred")

	if eh.collector != nil {
		return eh.collector.CollectError(ctx, err)
	}

	return nil
}

// Stats returns the collector's statistics, or empty stats without a collector.
func (eh *ErrorHandler) Stats() ErrorStats {
	if eh.collector == nil {
		return ErrorStats{}
	}
	return eh.collector.GetErrorStats()
}

// getLogEvent returns the zerolog event for a severity. Critical faults are
// logged at error level; a single subsystem must never terminate the process.
func (eh *ErrorHandler) getLogEvent(severity Severity) *zerolog.Event {
	switch severity {
	case SeverityCritical, SeverityHigh:
		return eh.logger.Error()
	case SeverityMedium:
		return eh.logger.Warn()
	case SeverityLow:
		return eh.logger.Info()
	case SeverityInfo:
		return eh.logger.Debug()
	default:
		return eh.logger.Info()
	}
}

// StatsCollector is an in-memory ErrorCollector.
type StatsCollector struct {
	mu    sync.Mutex
	stats ErrorStats
}

// NewStatsCollector returns an empty StatsCollector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{stats: ErrorStats{
		ErrorsByType:      make(map[string]int),
		ErrorsBySubsystem: make(map[string]int),
		ErrorsBySeverity:  make(map[Severity]int),
	}}
}

func (sc *StatsCollector) CollectError(_ context.Context, err *SubsystemError) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.stats.TotalErrors++
	sc.stats.ErrorsByType[err.ErrorType]++
	sc.stats.ErrorsBySubsystem[err.Subsystem]++
	sc.stats.ErrorsBySeverity[err.Severity]++
	sc.stats.LastError = err
	return nil
}

func (sc *StatsCollector) GetErrorStats() ErrorStats {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	out := ErrorStats{
		TotalErrors:       sc.stats.TotalErrors,
		ErrorsByType:      make(map[string]int, len(sc.stats.ErrorsByType)),
		ErrorsBySubsystem: make(map[string]int, len(sc.stats.ErrorsBySubsystem)),
		ErrorsBySeverity:  make(map[Severity]int, len(sc.stats.ErrorsBySeverity)),
		LastError:         sc.stats.LastError,
	}
	for k, v := range sc.stats.ErrorsByType {
		out.ErrorsByType[k] = v
	}
	for k, v := range sc.stats.ErrorsBySubsystem {
		out.ErrorsBySubsystem[k] = v
	}
	for k, v := range sc.stats.ErrorsBySeverity {
		out.ErrorsBySeverity[k] = v
	}
	return out
}
