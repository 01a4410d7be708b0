package orchestrator

import (
	"context"
	"fmt"

	werrors "github.com/lucid-vigil/warden/pkg/errors"
	"github.com/lucid-vigil/warden/pkg/health"
	"github.com/lucid-vigil/warden/pkg/subsystem"
)

// HealthTargets implements health.Source. Only Online and Degraded
// subsystems are polled.
func (o *Orchestrator) HealthTargets() []health.Target {
	return health.TargetsFromStates(o.registry.States(), func(name string) func() (float64, error) {
		spec, ok := o.registry.Spec(name)
		if !ok {
			return func() (float64, error) { return 0, fmt.Errorf("%w: %s", werrors.ErrSubsystemNotFound, name) }
		}
		return spec.Subsystem.HealthCheck
	})
}

// ReportHealth implements health.Source. A successful check classifies the
// subsystem as Online or Degraded; error_after_failures consecutive failed
// checks move it to Error. Unknown results change nothing.
func (o *Orchestrator) ReportHealth(name string, r health.Result) {
	if r.Outcome == health.OutcomeUnknown {
		o.logger.Debug().Err(r.Err).Str("subsystem", name).Msg("Health unknown this tick")
		return
	}
	hc := o.healthConfig()

	var failures int
	_, after, ok := o.updateSubsystem(name, func(st *subsystem.State) {
		if !st.Status.Contributes() {
			return
		}
		o.failMu.Lock()
		defer o.failMu.Unlock()
		if r.Outcome == health.OutcomeOK {
			delete(o.failures, name)
			st.Health = r.Health
			st.LastError = ""
			if r.Health >= hc.SubsystemDegradedBelow {
				st.Status = subsystem.StatusOnline
			} else {
				st.Status = subsystem.StatusDegraded
			}
			return
		}
		o.failures[name]++
		failures = o.failures[name]
		st.ErrorCount++
		st.LastError = errString(r.Err)
		if failures >= hc.ErrorAfterFailures {
			st.Status = subsystem.StatusError
			st.Health = 0
		}
	})
	if !ok || failures == 0 {
		return
	}

	escalated := after.Status == subsystem.StatusError
	severity := werrors.SeverityMedium
	if escalated {
		severity = werrors.SeverityHigh
		if after.Critical {
			severity = werrors.SeverityCritical
		}
	}
	se := werrors.NewSubsystemError(name, werrors.TypeHealthCheck, severity, true, r.Err)
	se.Details = map[string]any{"consecutive_failures": failures}
	if escalated {
		if deps := o.registry.Dependents(name); len(deps) > 0 {
			se.Details["dependents"] = deps
			o.logger.Warn().Str("subsystem", name).Strs("dependents", deps).Msg("Subsystems depending on a failed subsystem are at risk")
		}
	}
	_ = o.errors.HandleError(context.Background(), se)

	if escalated && after.Critical {
		_, _ = o.transition(StatusDegraded, fmt.Sprintf("critical subsystem %s failed", name), StatusRunning)
	}
}

// onCrossing drives Running ⇄ Degraded from health threshold crossings.
// Other statuses are left alone.
func (o *Orchestrator) onCrossing(c health.Crossing) {
	switch c.Direction {
	case health.DirectionBelow:
		reason := fmt.Sprintf("overall health %.2f below %.2f", c.Health, c.Threshold)
		if _, err := o.transition(StatusDegraded, reason, StatusRunning); err != nil {
			o.logger.Warn().Err(err).Msg("Degraded transition rejected")
		}
	case health.DirectionRecovered:
		if o.settledStatus() != StatusRunning {
			return
		}
		reason := fmt.Sprintf("overall health %.2f recovered above %.2f", c.Health, c.Threshold)
		if _, err := o.transition(StatusRunning, reason, StatusDegraded); err != nil {
			o.logger.Warn().Err(err).Msg("Recovery transition rejected")
		}
	}
}
