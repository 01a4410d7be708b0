package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/lucid-vigil/warden/pkg/dispatcher"
	werrors "github.com/lucid-vigil/warden/pkg/errors"
	"github.com/lucid-vigil/warden/pkg/events"
	"github.com/lucid-vigil/warden/pkg/health"
	"github.com/lucid-vigil/warden/pkg/subsystem"
)

func (o *Orchestrator) registerHandlers() {
	o.dispatcher.Register(dispatcher.StartProtection, dispatcher.HandlerFunc(o.handleStartProtection))
	o.dispatcher.Register(dispatcher.StopProtection, dispatcher.HandlerFunc(o.handleStopProtection))
	o.dispatcher.Register(dispatcher.RunScan, dispatcher.HandlerFunc(o.handleRunScan))
	o.dispatcher.Register(dispatcher.Reconfigure, dispatcher.HandlerFunc(o.handleReconfigure))
	o.dispatcher.Register(dispatcher.EmergencyProtocol, dispatcher.HandlerFunc(o.handleEmergency))
	o.dispatcher.Register(dispatcher.ResolveEmergency, dispatcher.HandlerFunc(func(ctx context.Context, _ dispatcher.Command) (dispatcher.CommandResult, error) {
		return o.ResolveEmergency(ctx)
	}))
	o.dispatcher.Register(dispatcher.EnterMaintenance, dispatcher.HandlerFunc(o.handleEnterMaintenance))
	o.dispatcher.Register(dispatcher.ExitMaintenance, dispatcher.HandlerFunc(o.handleExitMaintenance))
}

// serving returns the subsystem a command targets, provided it is serving.
func (o *Orchestrator) serving(cmd dispatcher.Command) (subsystem.Spec, error) {
	name := cmd.Target()
	spec, ok := o.registry.Spec(name)
	if !ok {
		return spec, fmt.Errorf("%w: %s", werrors.ErrSubsystemNotFound, name)
	}
	st, _ := o.registry.State(name)
	if !st.Status.Contributes() {
		return spec, fmt.Errorf("subsystem %s is %s", name, st.Status)
	}
	return spec, nil
}

func (o *Orchestrator) handleStartProtection(ctx context.Context, cmd dispatcher.Command) (dispatcher.CommandResult, error) {
	spec, err := o.serving(cmd)
	if err != nil {
		return dispatcher.CommandResult{}, err
	}
	p, ok := spec.Subsystem.(subsystem.Protector)
	if !ok {
		return dispatcher.CommandResult{}, fmt.Errorf("%w: %s cannot start protection", werrors.ErrUnsupported, spec.Name)
	}
	if err := p.StartProtection(ctx); err != nil {
		return dispatcher.CommandResult{}, o.commandFault(ctx, spec.Name, err)
	}
	return dispatcher.CommandResult{Success: true, Message: "protection started on " + spec.Name}, nil
}

func (o *Orchestrator) handleStopProtection(ctx context.Context, cmd dispatcher.Command) (dispatcher.CommandResult, error) {
	spec, err := o.serving(cmd)
	if err != nil {
		return dispatcher.CommandResult{}, err
	}
	p, ok := spec.Subsystem.(subsystem.Protector)
	if !ok {
		return dispatcher.CommandResult{}, fmt.Errorf("%w: %s cannot stop protection", werrors.ErrUnsupported, spec.Name)
	}
	if err := p.StopProtection(ctx); err != nil {
		return dispatcher.CommandResult{}, o.commandFault(ctx, spec.Name, err)
	}
	return dispatcher.CommandResult{Success: true, Message: "protection stopped on " + spec.Name}, nil
}

func (o *Orchestrator) handleRunScan(ctx context.Context, cmd dispatcher.Command) (dispatcher.CommandResult, error) {
	spec, err := o.serving(cmd)
	if err != nil {
		return dispatcher.CommandResult{}, err
	}
	s, ok := spec.Subsystem.(subsystem.Scanner)
	if !ok {
		return dispatcher.CommandResult{}, fmt.Errorf("%w: %s cannot scan", werrors.ErrUnsupported, spec.Name)
	}
	report, err := s.Scan(ctx, cmd.Parameters)
	if err != nil {
		return dispatcher.CommandResult{}, o.commandFault(ctx, spec.Name, err)
	}
	return dispatcher.CommandResult{
		Success: true,
		Message: fmt.Sprintf("scan of %s completed: %d items, %d findings", spec.Name, report.ItemsScanned, len(report.Findings)),
		Data:    report,
	}, nil
}

func (o *Orchestrator) handleEmergency(ctx context.Context, cmd dispatcher.Command) (dispatcher.CommandResult, error) {
	reason := cmd.Param("reason", "manual")
	if err := o.EmergencyProtocol(ctx, reason); err != nil {
		return dispatcher.CommandResult{}, err
	}
	return dispatcher.CommandResult{Success: true, Message: "emergency protocol active: " + o.Emergency().Reason, Data: o.Emergency()}, nil
}

func (o *Orchestrator) handleEnterMaintenance(_ context.Context, cmd dispatcher.Command) (dispatcher.CommandResult, error) {
	reason := cmd.Param("reason", "manual")
	if err := o.EnterMaintenance(reason); err != nil {
		return dispatcher.CommandResult{}, err
	}
	return dispatcher.CommandResult{Success: true, Message: "maintenance: " + reason, Data: map[string]any{"status": string(o.SystemStatus())}}, nil
}

func (o *Orchestrator) handleExitMaintenance(_ context.Context, _ dispatcher.Command) (dispatcher.CommandResult, error) {
	if err := o.ExitMaintenance(); err != nil {
		return dispatcher.CommandResult{}, err
	}
	st := o.SystemStatus()
	return dispatcher.CommandResult{Success: true, Message: "maintenance finished, system " + string(st), Data: map[string]any{"status": string(st)}}, nil
}

// handleReconfigure applies the "settings" parameter to the target. The
// orchestrator target accepts its health and emergency settings; any other
// target must be Configurable. Either way settings apply all or nothing.
func (o *Orchestrator) handleReconfigure(ctx context.Context, cmd dispatcher.Command) (dispatcher.CommandResult, error) {
	settings, err := commandSettings(cmd)
	if err != nil {
		return dispatcher.CommandResult{}, err
	}
	target := cmd.Target()

	if target == dispatcher.OrchestratorTarget {
		if err := o.reconfigure(settings); err != nil {
			return dispatcher.CommandResult{}, err
		}
	} else {
		spec, ok := o.registry.Spec(target)
		if !ok {
			return dispatcher.CommandResult{}, fmt.Errorf("%w: %s", werrors.ErrSubsystemNotFound, target)
		}
		c, ok := spec.Subsystem.(subsystem.Configurable)
		if !ok {
			return dispatcher.CommandResult{}, fmt.Errorf("%w: %s is not configurable", werrors.ErrUnsupported, target)
		}
		if err := guard(ctx, spec.StartupTimeout, "configure "+target, func() error { return c.Configure(settings) }); err != nil {
			return dispatcher.CommandResult{}, err
		}
	}

	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	o.bus.Publish(events.NewSystemEvent(events.EventConfigurationChange, events.SeverityInfo,
		fmt.Sprintf("%s reconfigured (%d settings)", target, len(settings)),
		map[string]any{"target": target, "keys": keys}))
	return dispatcher.CommandResult{Success: true, Message: fmt.Sprintf("%s reconfigured", target)}, nil
}

func commandSettings(cmd dispatcher.Command) (map[string]any, error) {
	if raw, ok := cmd.Parameters["settings"]; ok {
		settings, ok := raw.(map[string]any)
		if !ok {
			return nil, werrors.NewConfigError("settings", "must be an object")
		}
		if len(settings) == 0 {
			return nil, werrors.NewConfigError("settings", "must not be empty")
		}
		return settings, nil
	}
	settings := make(map[string]any)
	for k, v := range cmd.Parameters {
		if k == "subsystem" || k == "async" {
			continue
		}
		settings[k] = v
	}
	if len(settings) == 0 {
		return nil, werrors.NewConfigError("settings", "no settings given")
	}
	return settings, nil
}

// reconfigure validates every orchestrator setting before applying any.
func (o *Orchestrator) reconfigure(settings map[string]any) error {
	o.settingsMu.Lock()
	defer o.settingsMu.Unlock()

	hc, oc := o.health, o.orch
	th := o.monitor.Thresholds()
	for key, raw := range settings {
		var err error
		switch key {
		case "degraded_threshold":
			th.Degraded, err = floatSetting(key, raw)
		case "recovery_threshold":
			th.Recovery, err = floatSetting(key, raw)
		case "subsystem_degraded_below":
			hc.SubsystemDegradedBelow, err = floatSetting(key, raw)
			if err == nil && (hc.SubsystemDegradedBelow < 0 || hc.SubsystemDegradedBelow > 1) {
				err = werrors.NewConfigError(key, "must be within [0,1]")
			}
		case "error_after_failures":
			var f float64
			f, err = floatSetting(key, raw)
			hc.ErrorAfterFailures = int(f)
			if err == nil && hc.ErrorAfterFailures < 1 {
				err = werrors.NewConfigError(key, "must be at least 1")
			}
		case "recovery_hold":
			hc.RecoveryHold, err = durationSetting(key, raw)
		case "auto_emergency_on_critical":
			b, isBool := raw.(bool)
			if !isBool {
				err = werrors.NewConfigError(key, "must be a boolean")
			}
			oc.AutoEmergencyOnCritical = b
		default:
			err = werrors.NewConfigError(key, "unknown orchestrator setting")
		}
		if err != nil {
			return err
		}
	}
	if err := th.Validate(); err != nil {
		return err
	}
	if th != o.monitor.Thresholds() {
		if err := o.monitor.SetThresholds(th); err != nil {
			return err
		}
	}
	hc.DegradedThreshold, hc.RecoveryThreshold = th.Degraded, th.Recovery
	o.health, o.orch = hc, oc
	o.logger.Info().Int("keys", len(settings)).Msg("Orchestrator reconfigured")
	return nil
}

func floatSetting(key string, raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, werrors.NewConfigError(key, "not a number: %q", v)
		}
		return f, nil
	}
	return 0, werrors.NewConfigError(key, "not a number: %v", raw)
}

func durationSetting(key string, raw any) (time.Duration, error) {
	var d time.Duration
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return 0, werrors.NewConfigError(key, "invalid duration %q", v)
		}
		d = parsed
	case float64:
		d = time.Duration(v * float64(time.Second))
	case int:
		d = time.Duration(v) * time.Second
	default:
		return 0, werrors.NewConfigError(key, "invalid duration %v", raw)
	}
	if d < 0 {
		return 0, werrors.NewConfigError(key, "must not be negative")
	}
	return d, nil
}

// commandFault reports a subsystem failure during a command and returns err.
func (o *Orchestrator) commandFault(ctx context.Context, name string, err error) error {
	_ = o.errors.HandleError(ctx, werrors.NewSubsystemError(name, werrors.TypeCommand, werrors.SeverityMedium, true, err))
	return err
}

var _ health.Source = (*Orchestrator)(nil)
var _ dispatcher.Gate = (*Orchestrator)(nil)
