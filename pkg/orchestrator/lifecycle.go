package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	werrors "github.com/lucid-vigil/warden/pkg/errors"
	"github.com/lucid-vigil/warden/pkg/events"
	"github.com/lucid-vigil/warden/pkg/subsystem"
	"golang.org/x/sync/errgroup"
)

// startTier boots every subsystem of one tier concurrently. Failures are
// isolated; the tier never aborts early.
func (o *Orchestrator) startTier(ctx context.Context, index int, tier []subsystem.Spec) {
	names := make([]string, len(tier))
	for i, s := range tier {
		names[i] = s.Name
	}
	o.logger.Debug().Int("tier", index).Strs("subsystems", names).Msg("Starting tier")

	var g errgroup.Group
	for _, spec := range tier {
		g.Go(func() error {
			o.bootSubsystem(ctx, spec)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) bootSubsystem(ctx context.Context, spec subsystem.Spec) {
	if dep, blocked := o.unavailableDependency(spec); blocked {
		o.markFailed(spec, &werrors.InitializationError{
			Subsystem: spec.Name,
			Cause:     fmt.Errorf("dependency %s is not available", dep),
		})
		return
	}

	o.setSubsystemStatus(spec.Name, subsystem.StatusStarting)
	attempts, err := o.startWithRetry(ctx, spec)
	if err != nil {
		o.markFailed(spec, &werrors.InitializationError{Subsystem: spec.Name, Attempts: attempts, Cause: err})
		return
	}
	o.markOnline(spec.Name, attempts)
}

// startWithRetry makes one attempt plus up to retry_attempts retries with
// exponential backoff. Configuration errors are not retried.
func (o *Orchestrator) startWithRetry(ctx context.Context, spec subsystem.Spec) (int, error) {
	oc := o.orchestratorConfig()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = oc.RetryBaseDelay
	b.MaxInterval = oc.RetryMaxDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(oc.RetryAttempts)), ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := o.startOnce(ctx, spec)
		if werrors.IsConfigurationError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		o.logger.Warn().Err(err).
			Str("subsystem", spec.Name).
			Int("attempt", attempts).
			Dur("retry_in", wait).
			Msg("Subsystem start failed, retrying")
	})
	return attempts, err
}

// startOnce runs Initialize and Start within the subsystem's startup timeout.
func (o *Orchestrator) startOnce(ctx context.Context, spec subsystem.Spec) error {
	return guard(ctx, spec.StartupTimeout, "start of "+spec.Name, func() error {
		if err := spec.Subsystem.Initialize(); err != nil {
			return fmt.Errorf("initialize: %w", err)
		}
		if err := spec.Subsystem.Start(); err != nil {
			return fmt.Errorf("start: %w", err)
		}
		return nil
	})
}

func (o *Orchestrator) unavailableDependency(spec subsystem.Spec) (string, bool) {
	for _, dep := range spec.DependsOn {
		st, ok := o.registry.State(dep)
		if !ok || !st.Status.Contributes() {
			return dep, true
		}
	}
	return "", false
}

func (o *Orchestrator) markOnline(name string, attempts int) {
	o.failMu.Lock()
	delete(o.failures, name)
	o.failMu.Unlock()

	o.updateSubsystem(name, func(st *subsystem.State) {
		st.Status = subsystem.StatusOnline
		st.Health = 1
		st.LastError = ""
	})
	o.logger.Info().Str("subsystem", name).Int("attempts", attempts).Msg("Subsystem online")
}

func (o *Orchestrator) markFailed(spec subsystem.Spec, err error) {
	o.updateSubsystem(spec.Name, func(st *subsystem.State) {
		st.Status = subsystem.StatusError
		st.Health = 0
		st.ErrorCount++
		st.LastError = err.Error()
	})
	severity := werrors.SeverityHigh
	if spec.Critical {
		severity = werrors.SeverityCritical
	}
	_ = o.errors.HandleError(context.Background(), werrors.NewSubsystemError(spec.Name, werrors.TypeInitialization, severity, true, err))
}

func (o *Orchestrator) setSubsystemStatus(name string, status subsystem.Status) {
	o.updateSubsystem(name, func(st *subsystem.State) { st.Status = status })
}

// updateSubsystem applies fn to the state table and announces status
// changes. A missing entry means the table no longer matches the
// registrations.
func (o *Orchestrator) updateSubsystem(name string, fn func(*subsystem.State)) (before, after subsystem.State, ok bool) {
	before, after, err := o.registry.Update(name, fn)
	if err != nil {
		o.corrupted(err)
		return before, after, false
	}
	if before.Status != after.Status {
		severity := events.SeverityInfo
		switch after.Status {
		case subsystem.StatusError:
			severity = events.SeverityHigh
		case subsystem.StatusDegraded:
			severity = events.SeverityMedium
		}
		o.logger.Debug().
			Str("subsystem", name).
			Str("from", string(before.Status)).
			Str("to", string(after.Status)).
			Msg("Subsystem status changed")
		o.bus.Publish(events.NewSystemEvent(events.EventSubsystemStateChange, severity,
			fmt.Sprintf("subsystem %s %s -> %s", name, before.Status, after.Status),
			map[string]any{"subsystem": name, "from": string(before.Status), "to": string(after.Status), "health": after.Health}))
	}
	return before, after, true
}

// retryFailed makes one start attempt for every subsystem in Error whose
// dependencies are serving. It runs on the slow error-retry cadence.
func (o *Orchestrator) retryFailed(ctx context.Context) error {
	if !o.SystemStatus().Operational() {
		return nil
	}
	recovered := 0
	for _, st := range o.registry.States() {
		if st.Status != subsystem.StatusError {
			continue
		}
		spec, ok := o.registry.Spec(st.Name)
		if !ok {
			continue
		}
		if dep, blocked := o.unavailableDependency(spec); blocked {
			o.logger.Debug().Str("subsystem", spec.Name).Str("dependency", dep).Msg("Retry postponed, dependency unavailable")
			continue
		}
		o.setSubsystemStatus(spec.Name, subsystem.StatusStarting)
		if err := o.startOnce(ctx, spec); err != nil {
			o.markFailed(spec, &werrors.InitializationError{Subsystem: spec.Name, Attempts: 1, Cause: err})
			continue
		}
		o.markOnline(spec.Name, 1)
		recovered++
	}
	if recovered > 0 && o.settledStatus() == StatusRunning {
		_, err := o.transition(StatusRunning, fmt.Sprintf("%d failed subsystem(s) recovered", recovered), StatusDegraded)
		return err
	}
	return nil
}

// stopSubsystems stops every subsystem that is not Offline, tier by tier in
// reverse start order.
func (o *Orchestrator) stopSubsystems(ctx context.Context) error {
	tiers, err := o.registry.ShutdownOrder()
	if err != nil {
		specs := o.registry.Specs()
		slices.Reverse(specs)
		tiers = [][]subsystem.Spec{specs}
	}

	var mu sync.Mutex
	var errs []error
	for _, tier := range tiers {
		var g errgroup.Group
		for _, spec := range tier {
			st, ok := o.registry.State(spec.Name)
			if !ok || st.Status == subsystem.StatusOffline {
				continue
			}
			g.Go(func() error {
				err := guard(ctx, spec.StartupTimeout, "stop of "+spec.Name, spec.Subsystem.Stop)
				o.updateSubsystem(spec.Name, func(st *subsystem.State) {
					st.Status = subsystem.StatusOffline
					st.Health = 0
					if err != nil {
						st.LastError = err.Error()
					}
				})
				if err != nil {
					_ = o.errors.HandleError(ctx, werrors.NewSubsystemError(spec.Name, werrors.TypeShutdown, werrors.SeverityMedium, false, err))
					mu.Lock()
					errs = append(errs, fmt.Errorf("stop %s: %w", spec.Name, err))
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	return joinErrors(errs)
}
