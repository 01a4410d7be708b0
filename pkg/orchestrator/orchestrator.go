// Package orchestrator owns the system status. It starts and stops
// subsystems in dependency order, reacts to health crossings, runs the
// emergency protocol and serves commands through the dispatcher.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/lucid-vigil/warden/pkg/config"
	"github.com/lucid-vigil/warden/pkg/dispatcher"
	werrors "github.com/lucid-vigil/warden/pkg/errors"
	"github.com/lucid-vigil/warden/pkg/events"
	"github.com/lucid-vigil/warden/pkg/health"
	"github.com/lucid-vigil/warden/pkg/registry"
	"github.com/lucid-vigil/warden/pkg/scheduler"
	"github.com/lucid-vigil/warden/pkg/subsystem"
	"github.com/lucid-vigil/warden/pkg/threatintel"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const defaultStartupTimeout = 10 * time.Second

// EmergencyState describes an active emergency.
type EmergencyState struct {
	Active bool      `json:"active"`
	Reason string    `json:"reason,omitempty"`
	Since  time.Time `json:"since,omitempty"`
}

// StatusReport is a point-in-time view of the whole system.
type StatusReport struct {
	Status      SystemStatus           `json:"status"`
	Emergency   EmergencyState         `json:"emergency"`
	Maintenance string                 `json:"maintenance,omitempty"`
	Health      health.SystemHealth    `json:"health"`
	Subsystems  []subsystem.State      `json:"subsystems"`
	Tasks       []scheduler.TaskStatus `json:"tasks,omitempty"`
	Errors      werrors.ErrorStats     `json:"errors"`
}

// threatSource is implemented by subsystems that publish threat updates.
type threatSource interface {
	Updates() *events.Bus[threatintel.ThreatUpdate]
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEventBus publishes system events on bus instead of a private one.
func WithEventBus(bus *events.Bus[events.SystemEvent]) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithErrorHandler routes subsystem faults through h.
func WithErrorHandler(h *werrors.ErrorHandler) Option {
	return func(o *Orchestrator) { o.errors = h }
}

// WithLatencyProbe adds a network latency probe to host sampling.
func WithLatencyProbe(p health.LatencyProbe) Option {
	return func(o *Orchestrator) { o.latency = p }
}

// WithThreatUpdates watches bus for critical campaigns in addition to any
// registered subsystem that publishes threat updates.
func WithThreatUpdates(bus *events.Bus[threatintel.ThreatUpdate]) Option {
	return func(o *Orchestrator) { o.threats = bus }
}

// Orchestrator is the system orchestrator.
type Orchestrator struct {
	logger     zerolog.Logger
	bus        *events.Bus[events.SystemEvent]
	errors     *werrors.ErrorHandler
	latency    health.LatencyProbe
	threats    *events.Bus[threatintel.ThreatUpdate]
	registry   *registry.Registry
	monitor    *health.Monitor
	dispatcher *dispatcher.Dispatcher

	settingsMu sync.RWMutex
	orch       config.OrchestratorConfig
	health     config.HealthConfig

	statusMu    sync.Mutex
	status      SystemStatus
	emergency   EmergencyState
	maintenance string

	// lifecycleMu serializes Initialize and Shutdown; emergencyMu serializes
	// entering and resolving an emergency.
	lifecycleMu sync.Mutex
	emergencyMu sync.Mutex

	bgMu   sync.Mutex
	sched  *scheduler.Scheduler
	cancel context.CancelFunc
	wg     sync.WaitGroup

	failMu   sync.Mutex
	failures map[string]int

	transitions metric.Int64Counter
}

// New creates an orchestrator in Initializing.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		registry: registry.New(),
		orch:     cfg.Orchestrator,
		health:   cfg.Health,
		status:   StatusInitializing,
		failures: make(map[string]int),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.bus == nil {
		o.bus = events.NewBus[events.SystemEvent](logger, "system", cfg.Events.SubscriberBuffer)
	}
	if o.errors == nil {
		o.errors = werrors.NewErrorHandler(logger, werrors.NewStatsCollector())
	}

	o.monitor = health.NewMonitor(o, health.Options{
		ProbeTimeout: cfg.Health.ProbeTimeout,
		Thresholds:   health.Thresholds{Degraded: cfg.Health.DegradedThreshold, Recovery: cfg.Health.RecoveryThreshold},
		DiskPath:     cfg.Health.DiskPath,
		Latency:      o.latency,
	}, o.bus, logger)
	o.monitor.OnCrossing(o.onCrossing)

	o.dispatcher = dispatcher.New(o, o.bus, logger)
	o.registerHandlers()

	o.transitions, _ = otel.Meter("warden").Int64Counter("warden.orchestrator.transitions",
		metric.WithDescription("System status transitions"))
	return o
}

// Events returns the system event bus.
func (o *Orchestrator) Events() *events.Bus[events.SystemEvent] { return o.bus }

// Monitor returns the health monitor.
func (o *Orchestrator) Monitor() *health.Monitor { return o.monitor }

// Registry returns the subsystem registry.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Dispatcher returns the command dispatcher.
func (o *Orchestrator) Dispatcher() *dispatcher.Dispatcher { return o.dispatcher }

// SystemStatus returns the current top-level status.
func (o *Orchestrator) SystemStatus() SystemStatus {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	return o.status
}

// Emergency returns the current emergency state.
func (o *Orchestrator) Emergency() EmergencyState {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	return o.emergency
}

// Status returns a snapshot of the whole system.
func (o *Orchestrator) Status() StatusReport {
	o.statusMu.Lock()
	r := StatusReport{Status: o.status, Emergency: o.emergency, Maintenance: o.maintenance}
	o.statusMu.Unlock()

	r.Health = o.monitor.Current()
	r.Subsystems = o.registry.States()
	r.Errors = o.errors.Stats()
	o.bgMu.Lock()
	if o.sched != nil {
		r.Tasks = o.sched.Status()
	}
	o.bgMu.Unlock()
	return r
}

// Command runs cmd through the dispatcher.
func (o *Orchestrator) Command(ctx context.Context, cmd dispatcher.Command) (dispatcher.CommandResult, error) {
	return o.dispatcher.Dispatch(ctx, cmd)
}

// CommandResult returns the latest result of an asynchronous command.
func (o *Orchestrator) CommandResult(id string) (dispatcher.CommandResult, bool) {
	return o.dispatcher.Result(id)
}

// Admit implements dispatcher.Gate.
func (o *Orchestrator) Admit(cmd dispatcher.Command) error {
	switch o.SystemStatus() {
	case StatusEmergency:
		return werrors.ErrSystemBusyEmergency
	case StatusShutdown:
		return werrors.ErrShuttingDown
	}
	return nil
}

// Initialize registers specs and starts them tier by tier. Subsystems that
// cannot be started are isolated in Error and the rest keep booting. Only
// invalid registrations or a boot where nothing started fail the call.
func (o *Orchestrator) Initialize(ctx context.Context, specs []subsystem.Spec) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if o.SystemStatus() == StatusError {
		o.stopBackground(false)
		_ = o.stopSubsystems(ctx)
		if _, err := o.transition(StatusInitializing, "re-initialize requested"); err != nil {
			return err
		}
	}
	if s := o.SystemStatus(); s != StatusInitializing {
		return fmt.Errorf("%w: cannot initialize while %s", werrors.ErrInvalidTransition, s)
	}

	o.registry.Reset()
	o.failMu.Lock()
	clear(o.failures)
	o.failMu.Unlock()

	if len(specs) == 0 {
		return o.fail(werrors.NewConfigError("subsystems", "no subsystems to start"))
	}
	for _, spec := range specs {
		if spec.StartupTimeout <= 0 {
			spec.StartupTimeout = defaultStartupTimeout
		}
		if err := o.registry.Register(spec); err != nil {
			return o.fail(err)
		}
	}
	tiers, err := o.registry.StartOrder()
	if err != nil {
		return o.fail(err)
	}
	if _, err := o.transition(StatusStarting, "subsystems registered"); err != nil {
		return err
	}
	o.logger.Info().Int("subsystems", len(specs)).Int("tiers", len(tiers)).Msg("Starting subsystems")

	for i, tier := range tiers {
		o.startTier(ctx, i, tier)
	}

	online, failed := 0, 0
	for _, st := range o.registry.States() {
		if st.Status.Contributes() {
			online++
		} else {
			failed++
		}
	}
	if online == 0 {
		return o.fail(fmt.Errorf("no subsystem could be started (%d failed)", failed))
	}

	o.startBackground()
	target := o.settledStatus()
	if _, err := o.transition(target, fmt.Sprintf("%d of %d subsystems online", online, online+failed), StatusStarting); err != nil {
		return err
	}
	o.logger.Info().Str("status", string(target)).Int("online", online).Int("failed", failed).Msg("System initialized")
	return nil
}

// Shutdown stops background work and every started subsystem in reverse
// dependency order. A graceful shutdown first drains in-flight commands.
func (o *Orchestrator) Shutdown(ctx context.Context, graceful bool) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if o.SystemStatus() == StatusShutdown {
		return nil
	}
	if _, err := o.transition(StatusShutdown, "shutdown requested"); err != nil {
		return err
	}

	o.dispatcher.Close()
	if graceful {
		dctx, cancel := context.WithTimeout(ctx, o.orchestratorConfig().ShutdownDrain)
		if err := o.dispatcher.Drain(dctx); err != nil {
			o.logger.Warn().Err(err).Msg("In-flight commands did not finish before shutdown")
		}
		cancel()
	}
	o.stopBackground(graceful)
	err := o.stopSubsystems(ctx)
	o.logger.Info().Bool("graceful", graceful).Msg("Orchestrator stopped")
	return err
}

// fail moves the system to Error and reports err.
func (o *Orchestrator) fail(err error) error {
	errType := werrors.TypeInitialization
	if werrors.IsConfigurationError(err) {
		errType = werrors.TypeConfiguration
	}
	_ = o.errors.HandleError(context.Background(), werrors.NewSubsystemError("orchestrator", errType, werrors.SeverityCritical, true, err))
	if _, terr := o.transition(StatusError, err.Error()); terr != nil {
		o.logger.Error().Err(terr).Msg("Could not enter error status")
	}
	return err
}

// corrupted handles an inconsistency in the state table. The system can
// only leave Error through Initialize.
func (o *Orchestrator) corrupted(err error) {
	o.logger.Error().Err(err).Msg("Orchestrator state corrupted")
	_ = o.fail(fmt.Errorf("%w: %v", werrors.ErrStateCorrupted, err))
}

func (o *Orchestrator) transition(to SystemStatus, reason string, from ...SystemStatus) (bool, error) {
	return o.transitionWith(to, reason, nil, from...)
}

// transitionWith moves to `to` when the current status is one of from (any
// status when from is empty). locked runs under the status lock when the
// status changes. Events are published after the lock is released.
func (o *Orchestrator) transitionWith(to SystemStatus, reason string, locked func(), from ...SystemStatus) (bool, error) {
	o.statusMu.Lock()
	prev := o.status
	if (len(from) > 0 && !slices.Contains(from, prev)) || prev == to {
		o.statusMu.Unlock()
		return false, nil
	}
	if !CanTransition(prev, to) {
		o.statusMu.Unlock()
		return false, fmt.Errorf("%w: %s -> %s", werrors.ErrInvalidTransition, prev, to)
	}
	o.status = to
	if locked != nil {
		locked()
	}
	o.statusMu.Unlock()

	o.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", string(prev)),
		attribute.String("to", string(to)),
	))

	severity := events.SeverityInfo
	ev := o.logger.Info()
	switch to {
	case StatusEmergency, StatusError:
		severity = events.SeverityCritical
		ev = o.logger.Error()
	case StatusDegraded:
		severity = events.SeverityHigh
		ev = o.logger.Warn()
	}
	ev.Str("from", string(prev)).Str("to", string(to)).Str("reason", reason).Msg("System status changed")
	o.bus.Publish(events.NewSystemEvent(events.EventSystemStatusChange, severity,
		fmt.Sprintf("system status %s -> %s: %s", prev, to, reason),
		map[string]any{"from": string(prev), "to": string(to), "reason": reason}))
	return true, nil
}

// settledStatus is where a serving system belongs: Degraded while overall
// health is below the threshold, a critical subsystem is not serving or any
// subsystem is in Error; Running otherwise.
func (o *Orchestrator) settledStatus() SystemStatus {
	if o.monitor.Below() {
		return StatusDegraded
	}
	for _, st := range o.registry.States() {
		if st.Status == subsystem.StatusError || (st.Critical && !st.Status.Contributes()) {
			return StatusDegraded
		}
	}
	return StatusRunning
}

func (o *Orchestrator) orchestratorConfig() config.OrchestratorConfig {
	o.settingsMu.RLock()
	defer o.settingsMu.RUnlock()
	return o.orch
}

func (o *Orchestrator) healthConfig() config.HealthConfig {
	o.settingsMu.RLock()
	defer o.settingsMu.RUnlock()
	return o.health
}

// startBackground launches the periodic tasks and threat watchers.
func (o *Orchestrator) startBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	hc := o.healthConfig()
	oc := o.orchestratorConfig()

	s := scheduler.NewScheduler(o.logger, o.onTaskPanic)
	check := func(err error) {
		if err != nil {
			o.logger.Error().Err(err).Msg("Failed to register periodic task")
		}
	}
	check(s.Every(scheduler.TaskFunc{TaskName: "health_sampling", Fn: o.monitor.Tick}, hc.Interval, false))
	check(s.Every(scheduler.TaskFunc{TaskName: "metrics_sampling", Fn: o.monitor.SampleMetrics}, hc.MetricsInterval, true))
	check(s.Cron(oc.ErrorRetrySchedule, scheduler.TaskFunc{TaskName: "error_retry", Fn: o.retryFailed}))

	var watch []*events.Bus[threatintel.ThreatUpdate]
	if o.threats != nil {
		watch = append(watch, o.threats)
	}
	for _, spec := range o.registry.Specs() {
		st, _ := o.registry.State(spec.Name)
		if !st.Status.Contributes() {
			continue
		}
		if p, ok := spec.Subsystem.(scheduler.Provider); ok {
			check(p.ScheduleTasks(s))
		}
		if src, ok := spec.Subsystem.(threatSource); ok && src.Updates() != o.threats {
			watch = append(watch, src.Updates())
		}
	}

	o.bgMu.Lock()
	defer o.bgMu.Unlock()
	o.cancel = cancel
	o.sched = s
	for _, bus := range watch {
		sub := bus.Subscribe("orchestrator")
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.WatchThreats(ctx, sub)
		}()
	}
	if err := s.Start(ctx); err != nil {
		o.logger.Error().Err(err).Msg("Failed to start scheduler")
	}
}

func (o *Orchestrator) stopBackground(graceful bool) {
	o.bgMu.Lock()
	cancel, s := o.cancel, o.sched
	o.cancel = nil
	o.bgMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	timeout := time.Second
	if graceful {
		timeout = o.orchestratorConfig().ShutdownDrain
	}
	if err := s.Stop(timeout); err != nil {
		o.logger.Warn().Err(err).Msg("Periodic tasks did not stop in time")
	}
	o.wg.Wait()
}

func (o *Orchestrator) onTaskPanic(task string, err error) {
	_ = o.errors.HandleError(context.Background(), werrors.NewSubsystemError(task, werrors.TypePanic, werrors.SeverityHigh, true, err))
	o.bus.Publish(events.NewSystemEvent(events.EventTaskPanic, events.SeverityHigh,
		fmt.Sprintf("periodic task %s panicked", task), map[string]any{"task": task, "error": err.Error()}))
}

// guard runs fn with a time budget and converts panics into errors. A call
// that outlives its budget keeps running in the background.
func guard(ctx context.Context, budget time.Duration, op string, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- werrors.Recovered(op, r)
			}
		}()
		done <- fn()
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return &werrors.TimeoutError{Operation: op, Budget: budget}
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// joinErrors keeps errors.Join's nil behaviour for an empty slice.
func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
