package subsystem

import (
	"context"
	"fmt"
	"sync"

	werrors "github.com/lucid-vigil/warden/pkg/errors"
	"github.com/rs/zerolog"
)

// HealthProbe computes a subsystem health score in [0,1].
type HealthProbe interface {
	Probe() (float64, error)
}

// HealthProbeFunc adapts a function to HealthProbe.
type HealthProbeFunc func() (float64, error)

func (f HealthProbeFunc) Probe() (float64, error) { return f() }

// StaticProbe always reports the same score.
func StaticProbe(score float64) HealthProbe {
	return HealthProbeFunc(func() (float64, error) { return score, nil })
}

// Hooks are the lifecycle callbacks of a Managed subsystem. Nil hooks succeed.
type Hooks struct {
	Initialize func() error
	Start      func() error
	Stop       func() error
}

// SettingsValidator checks a complete settings map before it is applied.
type SettingsValidator func(settings map[string]any) error

// Managed is a generic subsystem assembled from hooks and a health probe.
// It also supports runtime settings and a maximum-safety mode.
type Managed struct {
	*Base
	hooks     Hooks
	probe     HealthProbe
	validate  SettingsValidator
	mu        sync.RWMutex
	settings  map[string]any
	safetyOn  bool
	safetyCap float64
}

// ManagedOption configures a Managed subsystem.
type ManagedOption func(*Managed)

func WithHooks(h Hooks) ManagedOption { return func(m *Managed) { m.hooks = h } }

func WithHealthProbe(p HealthProbe) ManagedOption { return func(m *Managed) { m.probe = p } }

func WithSettingsValidator(v SettingsValidator) ManagedOption {
	return func(m *Managed) { m.validate = v }
}

// WithSettings sets the initial settings.
func WithSettings(s map[string]any) ManagedOption {
	return func(m *Managed) { m.settings = cloneSettings(s) }
}

// WithSafetyCap caps the reported health while maximum safety is active.
func WithSafetyCap(c float64) ManagedOption { return func(m *Managed) { m.safetyCap = c } }

// NewManaged builds a Managed subsystem. Without a probe it reports full
// health while running.
func NewManaged(name string, kind Kind, logger zerolog.Logger, opts ...ManagedOption) *Managed {
	m := &Managed{
		Base:      NewBase(name, kind, logger),
		probe:     StaticProbe(1.0),
		settings:  map[string]any{},
		safetyCap: 1.0,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Managed) Initialize() error {
	if m.hooks.Initialize == nil {
		return nil
	}
	if err := m.hooks.Initialize(); err != nil {
		m.SetLastError(err)
		return err
	}
	return nil
}

func (m *Managed) Start() error {
	if m.hooks.Start != nil {
		if err := m.hooks.Start(); err != nil {
			m.SetLastError(err)
			return err
		}
	}
	m.SetRunning(true)
	m.logger.Info().Msg("Subsystem started")
	return nil
}

func (m *Managed) Stop() error {
	if m.hooks.Stop != nil {
		if err := m.hooks.Stop(); err != nil {
			m.SetLastError(err)
			return err
		}
	}
	m.SetRunning(false)
	m.logger.Info().Msg("Subsystem stopped")
	return nil
}

func (m *Managed) HealthCheck() (float64, error) {
	if !m.IsRunning() {
		return 0, fmt.Errorf("subsystem %s is not running", m.name)
	}
	score, err := m.probe.Probe()
	if err != nil {
		m.SetLastError(err)
		return 0, err
	}
	score = clamp01(score)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.safetyOn && score > m.safetyCap {
		score = m.safetyCap
	}
	m.UpdateMetric("health", score)
	return score, nil
}

// Configure replaces the settings that appear in the map. The merged result
// is validated first; on failure nothing changes.
func (m *Managed) Configure(settings map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged := cloneSettings(m.settings)
	for k, v := range settings {
		merged[k] = v
	}
	if m.validate != nil {
		if err := m.validate(merged); err != nil {
			if werrors.IsConfigurationError(err) {
				return err
			}
			return werrors.NewConfigError(m.name, "%v", err)
		}
	}
	m.settings = merged
	m.logger.Info().Int("keys", len(settings)).Msg("Subsystem reconfigured")
	return nil
}

// Settings returns a copy of the current settings.
func (m *Managed) Settings() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneSettings(m.settings)
}

func (m *Managed) ApplyMaximumSafety(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.safetyOn = true
	m.logger.Warn().Msg("Maximum safety mode applied")
	return nil
}

func (m *Managed) RestoreNormal(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.safetyOn = false
	m.logger.Info().Msg("Normal mode restored")
	return nil
}

// InSafetyMode reports whether maximum safety is active.
func (m *Managed) InSafetyMode() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.safetyOn
}

func cloneSettings(s map[string]any) map[string]any {
	out := make(map[string]any, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
