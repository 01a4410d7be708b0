package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lucid-vigil/warden/pkg/dispatcher"
	werrors "github.com/lucid-vigil/warden/pkg/errors"
	"github.com/lucid-vigil/warden/pkg/events"
	"github.com/lucid-vigil/warden/pkg/subsystem"
	"github.com/lucid-vigil/warden/pkg/threatintel"
	"golang.org/x/sync/errgroup"
)

// EmergencyProtocol forces the system into Emergency, tells every serving
// subsystem to apply its maximum-safety configuration and emits an
// emergency event. Calling it during an emergency is a no-op. Commands
// already running are allowed to finish; new non-emergency commands are
// rejected until the emergency is resolved.
func (o *Orchestrator) EmergencyProtocol(ctx context.Context, reason string) error {
	o.emergencyMu.Lock()
	defer o.emergencyMu.Unlock()

	if reason == "" {
		reason = "manual"
	}
	now := time.Now()
	changed, err := o.transitionWith(StatusEmergency, reason, func() {
		o.emergency = EmergencyState{Active: true, Reason: reason, Since: now}
	}, StatusRunning, StatusDegraded, StatusMaintenance)
	if err != nil {
		return err
	}
	if !changed {
		if s := o.SystemStatus(); s != StatusEmergency {
			return fmt.Errorf("%w: cannot enter emergency while %s", werrors.ErrInvalidTransition, s)
		}
		o.logger.Info().Str("reason", reason).Msg("Emergency protocol already active")
		return nil
	}

	secured, failed := o.eachSafetyMode(ctx, "maximum safety", func(ctx context.Context, m subsystem.SafetyMode) error {
		return m.ApplyMaximumSafety(ctx)
	})
	o.logger.Error().Str("reason", reason).Int("secured", secured).Int("failed", failed).Msg("Emergency protocol activated")
	o.bus.Publish(events.NewSystemEvent(events.EventEmergency, events.SeverityCritical,
		"emergency protocol activated: "+reason,
		map[string]any{"reason": reason, "secured": secured, "failed": failed, "since": now}))
	return nil
}

// ResolveEmergency leaves Emergency once a fresh health check shows overall
// health at or above the recovery threshold for at least recovery_hold.
// Outside an emergency it returns a "not in emergency" result and no error.
func (o *Orchestrator) ResolveEmergency(ctx context.Context) (dispatcher.CommandResult, error) {
	o.emergencyMu.Lock()
	defer o.emergencyMu.Unlock()

	if o.SystemStatus() != StatusEmergency {
		return dispatcher.CommandResult{Success: false, Message: "not in emergency"}, nil
	}

	if err := o.monitor.Tick(ctx); err != nil {
		return dispatcher.CommandResult{}, fmt.Errorf("health re-check: %w", err)
	}
	snap := o.monitor.Current()
	th := o.monitor.Thresholds()
	held := o.monitor.SustainedRecovery()
	hold := o.healthConfig().RecoveryHold
	data := map[string]any{"health": snap.OverallHealth, "recovery_threshold": th.Recovery, "held": held.String()}

	if snap.OverallHealth < th.Recovery {
		return dispatcher.CommandResult{
			Success: false,
			Message: fmt.Sprintf("overall health %.2f below recovery threshold %.2f", snap.OverallHealth, th.Recovery),
			Data:    data,
		}, nil
	}
	if held < hold {
		return dispatcher.CommandResult{
			Success: false,
			Message: fmt.Sprintf("health recovered for %s, need %s", held.Round(time.Second), hold),
			Data:    data,
		}, nil
	}

	restored, failed := o.eachSafetyMode(ctx, "restore normal", func(ctx context.Context, m subsystem.SafetyMode) error {
		return m.RestoreNormal(ctx)
	})

	target := o.settledStatus()
	changed, err := o.transitionWith(target, "emergency resolved", func() {
		o.emergency = EmergencyState{}
	}, StatusEmergency)
	if err != nil {
		return dispatcher.CommandResult{}, err
	}
	if !changed {
		return dispatcher.CommandResult{Success: false, Message: "not in emergency"}, nil
	}

	o.logger.Info().Str("status", string(target)).Int("restored", restored).Int("failed", failed).Msg("Emergency resolved")
	o.bus.Publish(events.NewSystemEvent(events.EventEmergencyResolved, events.SeverityInfo,
		"emergency resolved, system "+string(target),
		map[string]any{"status": string(target), "health": snap.OverallHealth, "restored": restored, "failed": failed}))

	data["status"] = string(target)
	return dispatcher.CommandResult{Success: true, Message: "emergency resolved, system " + string(target), Data: data}, nil
}

// EnterMaintenance moves a serving system into Maintenance. Health
// crossings do not change the status while in maintenance.
func (o *Orchestrator) EnterMaintenance(reason string) error {
	changed, err := o.transitionWith(StatusMaintenance, reason, func() {
		o.maintenance = reason
	}, StatusRunning, StatusDegraded)
	if err != nil {
		return err
	}
	if !changed && o.SystemStatus() != StatusMaintenance {
		return fmt.Errorf("%w: cannot enter maintenance while %s", werrors.ErrInvalidTransition, o.SystemStatus())
	}
	return nil
}

// ExitMaintenance returns to Running or Degraded.
func (o *Orchestrator) ExitMaintenance() error {
	changed, err := o.transitionWith(o.settledStatus(), "maintenance finished", func() {
		o.maintenance = ""
	}, StatusMaintenance)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("%w: not in maintenance", werrors.ErrInvalidTransition)
	}
	return nil
}

// WatchThreats consumes threat updates until ctx is done or the
// subscription closes. A critical campaign triggers the emergency protocol
// when auto_emergency_on_critical is set. Predictions never reach this path.
func (o *Orchestrator) WatchThreats(ctx context.Context, sub *events.Subscription[threatintel.ThreatUpdate]) {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-sub.C():
			if !ok {
				return
			}
			o.handleThreat(ctx, u)
		}
	}
}

func (o *Orchestrator) handleThreat(ctx context.Context, u threatintel.ThreatUpdate) {
	if u.Type != threatintel.UpdateCampaign || u.Severity != events.SeverityCritical {
		return
	}
	if !o.orchestratorConfig().AutoEmergencyOnCritical {
		o.logger.Warn().Str("campaign", u.CampaignID).Msg("Critical campaign detected, automatic emergency disabled")
		return
	}
	if o.SystemStatus() == StatusEmergency {
		return
	}
	reason := fmt.Sprintf("critical campaign %s (confidence %.2f)", u.CampaignID, u.Confidence)
	if err := o.EmergencyProtocol(ctx, reason); err != nil {
		o.logger.Warn().Err(err).Str("campaign", u.CampaignID).Msg("Automatic emergency not entered")
	}
}

// eachSafetyMode calls fn concurrently on every serving subsystem that
// supports a safety mode and returns how many succeeded and failed.
func (o *Orchestrator) eachSafetyMode(ctx context.Context, op string, fn func(context.Context, subsystem.SafetyMode) error) (int, int) {
	var ok, failed atomic.Int32
	var g errgroup.Group
	for _, spec := range o.registry.Specs() {
		m, supported := spec.Subsystem.(subsystem.SafetyMode)
		if !supported {
			continue
		}
		if st, _ := o.registry.State(spec.Name); !st.Status.Contributes() && st.Status != subsystem.StatusMaintenance {
			continue
		}
		g.Go(func() error {
			err := guard(ctx, spec.StartupTimeout, op+" of "+spec.Name, func() error { return fn(ctx, m) })
			if err != nil {
				failed.Add(1)
				_ = o.errors.HandleError(ctx, werrors.NewSubsystemError(spec.Name, werrors.TypeCommand, werrors.SeverityHigh, true, err))
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(ok.Load()), int(failed.Load())
}
