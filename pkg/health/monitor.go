// Package health samples host metrics and subsystem health, aggregates them
// into an immutable SystemHealth snapshot and reports threshold crossings.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	werrors "github.com/lucid-vigil/warden/pkg/errors"
	"github.com/lucid-vigil/warden/pkg/events"
	"github.com/lucid-vigil/warden/pkg/subsystem"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// SubsystemSample is the health one subsystem contributed to a snapshot.
type SubsystemSample struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Health float64 `json:"health"`
}

// SystemHealth is an immutable aggregate snapshot. A new value replaces the
// previous one on every tick.
type SystemHealth struct {
	OverallHealth  float64           `json:"overall_health"`
	CPUUsage       float64           `json:"cpu_usage"`
	MemoryUsage    float64           `json:"memory_usage"`
	DiskUsage      float64           `json:"disk_usage"`
	NetworkLatency time.Duration     `json:"network_latency"`
	Temperature    float64           `json:"temperature"`
	Uptime         time.Duration     `json:"uptime"`
	Timestamp      time.Time         `json:"timestamp"`
	Contributors   []SubsystemSample `json:"contributors"`
	Unknown        []string          `json:"unknown,omitempty"`
}

// Target is one subsystem the monitor polls.
type Target struct {
	Name   string
	Weight float64
	Check  func() (float64, error)
}

// Outcome of one subsystem poll.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeFailed
	OutcomeUnknown
)

// Result is what the monitor learned about one subsystem this tick.
type Result struct {
	Outcome Outcome
	Health  float64
	Err     error
}

// Source supplies the subsystems to poll and receives their results. The
// orchestrator implements it; it owns subsystem state.
type Source interface {
	HealthTargets() []Target
	ReportHealth(name string, r Result)
}

// Direction of a threshold crossing.
type Direction string

const (
	DirectionBelow     Direction = "below"
	DirectionRecovered Direction = "recovered"
)

// Crossing is emitted once per edge, never repeatedly while the condition holds.
type Crossing struct {
	Direction Direction
	Health    float64
	Threshold float64
	At        time.Time
}

// Thresholds drive crossings and recovery.
type Thresholds struct {
	Degraded float64
	Recovery float64
}

// Validate checks the thresholds are ordered and within [0,1].
func (t Thresholds) Validate() error {
	if t.Degraded < 0 || t.Degraded > 1 {
		return werrors.NewConfigError("degraded_threshold", "must be within [0,1]")
	}
	if t.Recovery < 0 || t.Recovery > 1 {
		return werrors.NewConfigError("recovery_threshold", "must be within [0,1]")
	}
	if t.Recovery < t.Degraded {
		return werrors.NewConfigError("recovery_threshold", "must not be below degraded_threshold")
	}
	return nil
}

// Options configure a Monitor.
type Options struct {
	ProbeTimeout time.Duration
	Thresholds   Thresholds
	DiskPath     string
	Latency      LatencyProbe
	Host         HostProbes
}

// Monitor is the health monitor.
type Monitor struct {
	source  Source
	opts    Options
	bus     *events.Bus[events.SystemEvent]
	logger  zerolog.Logger
	now     func() time.Time
	current atomic.Pointer[SystemHealth]

	thresholds atomic.Pointer[Thresholds]

	swapMu sync.Mutex

	edgeMu     sync.Mutex
	below      bool
	aboveSince time.Time

	listenersMu sync.RWMutex
	listeners   []func(Crossing)

	inflight sync.Map
}

// NewMonitor creates a monitor. bus may be nil.
func NewMonitor(source Source, opts Options, bus *events.Bus[events.SystemEvent], logger zerolog.Logger) *Monitor {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	if opts.DiskPath == "" {
		opts.DiskPath = "/"
	}
	opts.Host = opts.Host.withDefaults()
	m := &Monitor{
		source: source,
		opts:   opts,
		bus:    bus,
		logger: logger.With().Str("component", "health_monitor").Logger(),
		now:    time.Now,
	}
	th := opts.Thresholds
	m.thresholds.Store(&th)
	m.current.Store(&SystemHealth{Timestamp: m.now()})
	return m
}

// Current returns the latest snapshot.
func (m *Monitor) Current() SystemHealth {
	return *m.current.Load()
}

// Thresholds returns the active thresholds.
func (m *Monitor) Thresholds() Thresholds {
	return *m.thresholds.Load()
}

// SetThresholds replaces the thresholds after validating them.
func (m *Monitor) SetThresholds(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.thresholds.Store(&t)
	m.logger.Info().Float64("degraded", t.Degraded).Float64("recovery", t.Recovery).Msg("Health thresholds updated")
	return nil
}

// OnCrossing registers a listener for threshold crossings. Listeners run on
// the sampling goroutine.
func (m *Monitor) OnCrossing(fn func(Crossing)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Tick polls every subsystem target, publishes a new snapshot and evaluates
// thresholds. A subsystem that does not answer within the probe timeout is
// unknown for this tick and excluded from the aggregate. When nothing
// contributes, the previous overall health is kept.
func (m *Monitor) Tick(ctx context.Context) error {
	targets := m.source.HealthTargets()
	results := make([]Result, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		g.Go(func() error {
			results[i] = m.poll(gctx, t)
			return nil
		})
	}
	_ = g.Wait()

	var contributors []SubsystemSample
	var unknown []string
	for i, t := range targets {
		r := results[i]
		m.source.ReportHealth(t.Name, r)
		switch r.Outcome {
		case OutcomeOK:
			contributors = append(contributors, SubsystemSample{Name: t.Name, Weight: t.Weight, Health: r.Health})
		case OutcomeUnknown:
			unknown = append(unknown, t.Name)
		}
	}

	snap := m.swap(func(next *SystemHealth) {
		if len(contributors) > 0 {
			next.OverallHealth = Aggregate(contributors)
		}
		next.Contributors = contributors
		next.Unknown = mergeUnknown(next.Unknown, unknown, true)
	})

	if len(contributors) == 0 {
		m.logger.Debug().Msg("No subsystem contributed health this tick")
		return nil
	}
	m.evaluate(snap)
	return nil
}

// SampleMetrics reads host metrics concurrently, each with the probe timeout.
func (m *Monitor) SampleMetrics(ctx context.Context) error {
	type probe struct {
		name string
		fn   func(context.Context) (float64, error)
	}
	h := m.opts.Host
	probes := []probe{
		{"cpu", h.sampleCPU},
		{"memory", h.sampleMemory},
		{"disk", h.sampleDisk(m.opts.DiskPath)},
		{"temperature", h.sampleTemperature},
		{"uptime", h.sampleUptime},
	}
	if m.opts.Latency != nil {
		probes = append(probes, probe{"network_latency", func(ctx context.Context) (float64, error) {
			d, err := m.opts.Latency.Measure(ctx)
			return float64(d), err
		}})
	}

	values := make([]float64, len(probes))
	known := make([]bool, len(probes))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range probes {
		g.Go(func() error {
			v, err := callWithTimeout(gctx, m.opts.ProbeTimeout, p.fn)
			if err != nil {
				m.logger.Debug().Err(err).Str("probe", p.name).Msg("Host probe unavailable")
				return nil
			}
			values[i], known[i] = v, true
			return nil
		})
	}
	_ = g.Wait()

	var unknown []string
	for i, p := range probes {
		if !known[i] {
			unknown = append(unknown, p.name)
		}
	}

	m.swap(func(next *SystemHealth) {
		for i, p := range probes {
			if !known[i] {
				continue
			}
			switch p.name {
			case "cpu":
				next.CPUUsage = values[i]
			case "memory":
				next.MemoryUsage = values[i]
			case "disk":
				next.DiskUsage = values[i]
			case "temperature":
				next.Temperature = values[i]
			case "uptime":
				next.Uptime = time.Duration(values[i]) * time.Second
			case "network_latency":
				next.NetworkLatency = time.Duration(values[i])
			}
		}
		next.Unknown = mergeUnknown(next.Unknown, unknown, false)
	})
	return nil
}

// SustainedRecovery reports how long overall health has continuously been at
// or above the recovery threshold. Zero means it is not.
func (m *Monitor) SustainedRecovery() time.Duration {
	m.edgeMu.Lock()
	defer m.edgeMu.Unlock()
	if m.aboveSince.IsZero() {
		return 0
	}
	return m.now().Sub(m.aboveSince)
}

// Below reports whether the monitor currently considers health below the
// degraded threshold.
func (m *Monitor) Below() bool {
	m.edgeMu.Lock()
	defer m.edgeMu.Unlock()
	return m.below
}

func (m *Monitor) poll(ctx context.Context, t Target) Result {
	if _, busy := m.inflight.LoadOrStore(t.Name, struct{}{}); busy {
		return Result{Outcome: OutcomeUnknown, Err: fmt.Errorf("previous health check of %s still running", t.Name)}
	}

	done := make(chan Result, 1)
	go func() {
		defer m.inflight.Delete(t.Name)
		defer func() {
			if r := recover(); r != nil {
				done <- Result{Outcome: OutcomeFailed, Err: werrors.Recovered("health check of "+t.Name, r)}
			}
		}()
		score, err := t.Check()
		if err != nil {
			done <- Result{Outcome: OutcomeFailed, Err: err}
			return
		}
		done <- Result{Outcome: OutcomeOK, Health: clamp01(score)}
	}()

	timer := time.NewTimer(m.opts.ProbeTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r
	case <-timer.C:
		return Result{Outcome: OutcomeUnknown, Err: &werrors.TimeoutError{Operation: "health check of " + t.Name, Budget: m.opts.ProbeTimeout}}
	case <-ctx.Done():
		return Result{Outcome: OutcomeUnknown, Err: ctx.Err()}
	}
}

func (m *Monitor) swap(mutate func(next *SystemHealth)) SystemHealth {
	m.swapMu.Lock()
	defer m.swapMu.Unlock()
	next := *m.current.Load()
	next.Timestamp = m.now()
	mutate(&next)
	m.current.Store(&next)
	return next
}

func (m *Monitor) evaluate(snap SystemHealth) {
	th := m.Thresholds()

	m.edgeMu.Lock()
	var crossing *Crossing
	if snap.OverallHealth >= th.Recovery {
		if m.aboveSince.IsZero() {
			m.aboveSince = snap.Timestamp
		}
	} else {
		m.aboveSince = time.Time{}
	}
	switch {
	case !m.below && snap.OverallHealth < th.Degraded:
		m.below = true
		crossing = &Crossing{Direction: DirectionBelow, Health: snap.OverallHealth, Threshold: th.Degraded, At: snap.Timestamp}
	case m.below && snap.OverallHealth >= th.Recovery:
		m.below = false
		crossing = &Crossing{Direction: DirectionRecovered, Health: snap.OverallHealth, Threshold: th.Recovery, At: snap.Timestamp}
	}
	m.edgeMu.Unlock()

	if crossing == nil {
		return
	}

	m.logger.Warn().
		Str("direction", string(crossing.Direction)).
		Float64("health", crossing.Health).
		Float64("threshold", crossing.Threshold).
		Msg("Health threshold crossed")

	if m.bus != nil {
		severity := events.SeverityHigh
		if crossing.Direction == DirectionRecovered {
			severity = events.SeverityInfo
		}
		m.bus.Publish(events.NewSystemEvent(events.EventHealthThresholdCrossed, severity,
			fmt.Sprintf("overall health %s threshold %.2f", crossing.Direction, crossing.Threshold),
			map[string]any{"health": crossing.Health, "threshold": crossing.Threshold, "direction": string(crossing.Direction)}))
	}

	m.listenersMu.RLock()
	listeners := append([]func(Crossing){}, m.listeners...)
	m.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(*crossing)
	}
}

// Aggregate returns the weighted mean health of the samples, or 0 when there
// are none or all weights are zero.
func Aggregate(samples []SubsystemSample) float64 {
	var sum, weights float64
	for _, s := range samples {
		sum += s.Weight * s.Health
		weights += s.Weight
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}

// TargetsFromStates builds targets for every state that should be polled.
func TargetsFromStates(states []subsystem.State, check func(name string) func() (float64, error)) []Target {
	out := make([]Target, 0, len(states))
	for _, st := range states {
		if !st.Status.Contributes() {
			continue
		}
		out = append(out, Target{Name: st.Name, Weight: st.Weight, Check: check(st.Name)})
	}
	return out
}

func callWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) (float64, error)) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type res struct {
		v   float64
		err error
	}
	done := make(chan res, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- res{err: werrors.Recovered("host probe", r)}
			}
		}()
		v, err := fn(ctx)
		done <- res{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		return 0, &werrors.TimeoutError{Operation: "host probe", Budget: timeout}
	}
}

// mergeUnknown keeps the unknown names owned by the other sampler and
// replaces those owned by this one. Subsystem names never collide with the
// fixed host probe names.
func mergeUnknown(prev, fresh []string, subsystems bool) []string {
	hostProbes := map[string]bool{"cpu": true, "memory": true, "disk": true, "temperature": true, "uptime": true, "network_latency": true}
	out := make([]string, 0, len(prev)+len(fresh))
	for _, n := range prev {
		if hostProbes[n] == subsystems {
			out = append(out, n)
		}
	}
	out = append(out, fresh...)
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
