package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lucid-vigil/warden/pkg/config"
	"github.com/lucid-vigil/warden/pkg/dispatcher"
	werrors "github.com/lucid-vigil/warden/pkg/errors"
	"github.com/lucid-vigil/warden/pkg/events"
	"github.com/lucid-vigil/warden/pkg/scheduler"
	"github.com/lucid-vigil/warden/pkg/subsystem"
	"github.com/lucid-vigil/warden/pkg/testutil"
	"github.com/lucid-vigil/warden/pkg/threatintel"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Orchestrator.RetryAttempts = 2
	cfg.Orchestrator.RetryBaseDelay = time.Millisecond
	cfg.Orchestrator.RetryMaxDelay = 5 * time.Millisecond
	cfg.Orchestrator.ErrorRetrySchedule = "@every 1h"
	cfg.Orchestrator.ShutdownDrain = time.Second
	cfg.Health.Interval = time.Hour
	cfg.Health.MetricsInterval = time.Hour
	cfg.Health.ProbeTimeout = 200 * time.Millisecond
	cfg.Health.RecoveryHold = 0
	return cfg
}

func newOrchestrator(t *testing.T, cfg *config.Config, opts ...Option) (*Orchestrator, *events.Subscription[events.SystemEvent]) {
	t.Helper()
	o := New(cfg, zerolog.Nop(), opts...)
	sub := o.Events().Subscribe("test")
	t.Cleanup(func() { _ = o.Shutdown(context.Background(), false) })
	return o, sub
}

func spec(name string, sub subsystem.Subsystem, critical bool, deps ...string) subsystem.Spec {
	return subsystem.Spec{
		Name:           name,
		Kind:           kindOf(name),
		Critical:       critical,
		Weight:         1,
		DependsOn:      deps,
		StartupTimeout: time.Second,
		Subsystem:      sub,
	}
}

func failing(err error) *testutil.MockSubsystem {
	m := &testutil.MockSubsystem{}
	m.On("Initialize").Return(err)
	m.On("Stop").Return(nil).Maybe()
	return m
}

func drain(sub *events.Subscription[events.SystemEvent]) []events.SystemEvent {
	var out []events.SystemEvent
	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func transitionsTo(evts []events.SystemEvent, to SystemStatus) int {
	n := 0
	for _, e := range evts {
		if e.Type == events.EventSystemStatusChange && e.Metadata["to"] == string(to) {
			n++
		}
	}
	return n
}

func stateOf(t *testing.T, o *Orchestrator, name string) subsystem.State {
	t.Helper()
	st, ok := o.Registry().State(name)
	require.True(t, ok, "no state for %s", name)
	return st
}

// dial is an adjustable health probe.
type dial struct{ bits atomic.Uint64 }

func newDial(v float64) *dial {
	d := &dial{}
	d.Set(v)
	return d
}

func (d *dial) Set(v float64)                   { d.bits.Store(math.Float64bits(v)) }
func (d *dial) Probe() (float64, error)         { return math.Float64frombits(d.bits.Load()), nil }
func (d *dial) Option() subsystem.ManagedOption { return subsystem.WithHealthProbe(d) }

// recorder collects lifecycle calls across subsystems.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) managed(name string) *subsystem.Managed {
	return subsystem.NewManaged(name, kindOf(name), zerolog.Nop(), subsystem.WithHooks(subsystem.Hooks{
		Start: func() error { r.add("start:" + name); return nil },
		Stop:  func() error { r.add("stop:" + name); return nil },
	}))
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func TestCanTransition_ExhaustiveTable(t *testing.T) {
	allowed := map[SystemStatus][]SystemStatus{
		StatusInitializing: {StatusStarting, StatusError, StatusShutdown},
		StatusStarting:     {StatusRunning, StatusDegraded, StatusError, StatusShutdown},
		StatusRunning:      {StatusDegraded, StatusEmergency, StatusMaintenance, StatusShutdown, StatusError},
		StatusDegraded:     {StatusRunning, StatusEmergency, StatusMaintenance, StatusShutdown, StatusError},
		StatusEmergency:    {StatusRunning, StatusDegraded, StatusShutdown, StatusError},
		StatusMaintenance:  {StatusRunning, StatusDegraded, StatusEmergency, StatusShutdown, StatusError},
		StatusError:        {StatusInitializing, StatusShutdown},
		StatusShutdown:     {},
	}
	require.Len(t, allowed, len(AllStatuses))

	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := indexOf(toStrings(allowed[from]), string(to)) >= 0
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func toStrings(ss []SystemStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func TestTransition_OutsideAdjacencyIsRejected(t *testing.T) {
	o, sub := newOrchestrator(t, testConfig())

	changed, err := o.transition(StatusRunning, "skip ahead")
	require.ErrorIs(t, err, werrors.ErrInvalidTransition)
	assert.False(t, changed)
	assert.Equal(t, StatusInitializing, o.SystemStatus())

	err = o.EmergencyProtocol(context.Background(), "too early")
	require.ErrorIs(t, err, werrors.ErrInvalidTransition)
	assert.Empty(t, drain(sub))
}

func TestParseSystemStatus(t *testing.T) {
	s, err := ParseSystemStatus("maintenance")
	require.NoError(t, err)
	assert.Equal(t, StatusMaintenance, s)

	_, err = ParseSystemStatus("paused")
	assert.Error(t, err)

	var report StatusReport
	require.NoError(t, json.Unmarshal([]byte(`{"status":"degraded"}`), &report))
	assert.Equal(t, StatusDegraded, report.Status)
	assert.ErrorContains(t, json.Unmarshal([]byte(`{"status":"paused"}`), &report), "unknown system status")
}

func TestInitialize_StartsTiersInDependencyOrder(t *testing.T) {
	o, sub := newOrchestrator(t, testConfig())
	rec := &recorder{}

	err := o.Initialize(context.Background(), []subsystem.Spec{
		spec("communication", rec.managed("communication"), false, "crypto"),
		spec("ai", rec.managed("ai"), false, "threat_intel"),
		spec("crypto", rec.managed("crypto"), false),
		spec("threat_intel", rec.managed("threat_intel"), true),
		spec("security", rec.managed("security"), true),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, o.SystemStatus())

	calls := rec.list()
	assert.Less(t, indexOf(calls, "start:crypto"), indexOf(calls, "start:communication"))
	assert.Less(t, indexOf(calls, "start:threat_intel"), indexOf(calls, "start:ai"))
	for _, st := range o.Registry().States() {
		assert.Equal(t, subsystem.StatusOnline, st.Status, st.Name)
		assert.Equal(t, 1.0, st.Health, st.Name)
	}

	evts := drain(sub)
	assert.Equal(t, 1, transitionsTo(evts, StatusStarting))
	assert.Equal(t, 1, transitionsTo(evts, StatusRunning))
}

func TestInitialize_PartialBootIsDegraded(t *testing.T) {
	o, _ := newOrchestrator(t, testConfig())
	broken := failing(errors.New("device missing"))

	err := o.Initialize(context.Background(), []subsystem.Spec{
		spec("security", testutil.HealthySubsystem(1), true),
		spec("crypto", broken, false),
		spec("communication", testutil.HealthySubsystem(1), false, "crypto"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, o.SystemStatus())

	// one attempt plus retry_attempts retries
	broken.AssertNumberOfCalls(t, "Initialize", 3)

	crypto := stateOf(t, o, "crypto")
	assert.Equal(t, subsystem.StatusError, crypto.Status)
	assert.Equal(t, 1, crypto.ErrorCount)
	assert.Contains(t, crypto.LastError, "after 3 attempt(s)")
	assert.Contains(t, crypto.LastError, "device missing")

	comm := stateOf(t, o, "communication")
	assert.Equal(t, subsystem.StatusError, comm.Status)
	assert.Contains(t, comm.LastError, "dependency crypto")

	assert.Equal(t, subsystem.StatusOnline, stateOf(t, o, "security").Status)
	stats := o.Status().Errors
	assert.Equal(t, 2, stats.ErrorsByType[werrors.TypeInitialization])
}

func TestInitialize_RetriesWithBackoff(t *testing.T) {
	o, _ := newOrchestrator(t, testConfig())
	flaky := &testutil.MockSubsystem{}
	flaky.On("Initialize").Return(errors.New("not ready")).Twice()
	flaky.On("Initialize").Return(nil)
	flaky.On("Start").Return(nil)
	flaky.On("Stop").Return(nil).Maybe()

	require.NoError(t, o.Initialize(context.Background(), []subsystem.Spec{spec("security", flaky, true)}))

	assert.Equal(t, StatusRunning, o.SystemStatus())
	assert.Equal(t, subsystem.StatusOnline, stateOf(t, o, "security").Status)
	flaky.AssertNumberOfCalls(t, "Initialize", 3)
	flaky.AssertNumberOfCalls(t, "Start", 1)
}

func TestInitialize_ConfigurationErrorIsNotRetried(t *testing.T) {
	o, _ := newOrchestrator(t, testConfig())
	misconfigured := failing(werrors.NewConfigError("security.rules", "missing"))

	require.NoError(t, o.Initialize(context.Background(), []subsystem.Spec{
		spec("security", misconfigured, true),
		spec("ai", testutil.HealthySubsystem(1), false),
	}))
	misconfigured.AssertNumberOfCalls(t, "Initialize", 1)
	assert.Equal(t, StatusDegraded, o.SystemStatus())
}

func TestInitialize_EverythingFailedIsError(t *testing.T) {
	o, sub := newOrchestrator(t, testConfig())

	err := o.Initialize(context.Background(), []subsystem.Spec{spec("security", failing(errors.New("boom")), true)})
	require.Error(t, err)
	assert.Equal(t, StatusError, o.SystemStatus())
	assert.Equal(t, 1, transitionsTo(drain(sub), StatusError))

	// Error is left only by re-running Initialize
	require.NoError(t, o.Initialize(context.Background(), []subsystem.Spec{spec("security", testutil.HealthySubsystem(1), true)}))
	assert.Equal(t, StatusRunning, o.SystemStatus())
	assert.Equal(t, 1, transitionsTo(drain(sub), StatusInitializing))
}

func TestInitialize_InvalidRegistrations(t *testing.T) {
	tests := []struct {
		name  string
		specs []subsystem.Spec
	}{
		{"empty", nil},
		{"duplicate", []subsystem.Spec{
			spec("security", testutil.HealthySubsystem(1), true),
			spec("security", testutil.HealthySubsystem(1), true),
		}},
		{"unknown dependency", []subsystem.Spec{spec("ai", testutil.HealthySubsystem(1), false, "oracle")}},
		{"cycle", []subsystem.Spec{
			spec("ai", testutil.HealthySubsystem(1), false, "crypto"),
			spec("crypto", testutil.HealthySubsystem(1), false, "ai"),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _ := newOrchestrator(t, testConfig())
			err := o.Initialize(context.Background(), tt.specs)
			require.Error(t, err)
			assert.True(t, werrors.IsConfigurationError(err), "got %v", err)
			assert.Equal(t, StatusError, o.SystemStatus())
		})
	}
}

func TestInitialize_TwiceIsRejected(t *testing.T) {
	o, _ := newOrchestrator(t, testConfig())
	specs := []subsystem.Spec{spec("security", testutil.HealthySubsystem(1), true)}
	require.NoError(t, o.Initialize(context.Background(), specs))

	err := o.Initialize(context.Background(), specs)
	require.ErrorIs(t, err, werrors.ErrInvalidTransition)
	assert.Equal(t, StatusRunning, o.SystemStatus())
}

func TestInitialize_PanicsAndTimeoutsAreIsolated(t *testing.T) {
	cfg := testConfig()
	cfg.Orchestrator.RetryAttempts = 1
	o, _ := newOrchestrator(t, cfg)

	panicky := subsystem.NewManaged("ai", subsystem.KindAI, zerolog.Nop(), subsystem.WithHooks(subsystem.Hooks{
		Start: func() error { panic("model weights corrupted") },
	}))
	slow := subsystem.NewManaged("crypto", subsystem.KindCrypto, zerolog.Nop(), subsystem.WithHooks(subsystem.Hooks{
		Initialize: func() error { time.Sleep(200 * time.Millisecond); return nil },
	}))
	slowSpec := spec("crypto", slow, false)
	slowSpec.StartupTimeout = 20 * time.Millisecond

	require.NoError(t, o.Initialize(context.Background(), []subsystem.Spec{
		spec("security", testutil.HealthySubsystem(1), true),
		spec("ai", panicky, false),
		slowSpec,
	}))

	assert.Equal(t, StatusDegraded, o.SystemStatus())
	ai := stateOf(t, o, "ai")
	assert.Equal(t, subsystem.StatusError, ai.Status)
	assert.Contains(t, ai.LastError, "panic")
	crypto := stateOf(t, o, "crypto")
	assert.Equal(t, subsystem.StatusError, crypto.Status)
	assert.Contains(t, crypto.LastError, "exceeded budget")
	assert.Equal(t, subsystem.StatusOnline, stateOf(t, o, "security").Status)
}

func TestHealth_SustainedLowHealthDegradesOnce(t *testing.T) {
	o, sub := newOrchestrator(t, testConfig())
	require.NoError(t, o.Initialize(context.Background(), []subsystem.Spec{
		spec("security", testutil.HealthySubsystem(0.3), true),
	}))
	require.Equal(t, StatusRunning, o.SystemStatus())
	drain(sub)

	for i := 0; i < 3; i++ {
		require.NoError(t, o.Monitor().Tick(context.Background()))
	}

	assert.Equal(t, StatusDegraded, o.SystemStatus())
	assert.InDelta(t, 0.3, o.Monitor().Current().OverallHealth, 1e-9)
	evts := drain(sub)
	assert.Equal(t, 1, transitionsTo(evts, StatusDegraded))

	st := stateOf(t, o, "security")
	assert.Equal(t, subsystem.StatusDegraded, st.Status)
	assert.InDelta(t, 0.3, st.Health, 1e-9)
}

func TestHealth_RecoveryReturnsToRunning(t *testing.T) {
	o, _ := newOrchestrator(t, testConfig())
	d := newDial(0.2)
	sec := subsystem.NewManaged("security", subsystem.KindSecurity, zerolog.Nop(), d.Option())
	require.NoError(t, o.Initialize(context.Background(), []subsystem.Spec{spec("security", sec, true)}))

	require.NoError(t, o.Monitor().Tick(context.Background()))
	assert.Equal(t, StatusDegraded, o.SystemStatus())

	d.Set(0.6)
	require.NoError(t, o.Monitor().Tick(context.Background()))
	assert.Equal(t, StatusDegraded, o.SystemStatus(), "recovery needs the recovery threshold")

	d.Set(0.8)
	require.NoError(t, o.Monitor().Tick(context.Background()))
	assert.Equal(t, StatusRunning, o.SystemStatus())
	assert.Equal(t, subsystem.StatusOnline, stateOf(t, o, "security").Status)
}

func TestHealth_ConsecutiveFailuresMarkError(t *testing.T) {
	o, _ := newOrchestrator(t, testConfig())
	sick := &testutil.MockSubsystem{}
	sick.On("Initialize").Return(nil)
	sick.On("Start").Return(nil)
	sick.On("Stop").Return(nil).Maybe()
	sick.On("HealthCheck").Return(0.0, errors.New("sensor offline"))

	require.NoError(t, o.Initialize(context.Background(), []subsystem.Spec{
		spec("security", sick, true),
		spec("ai", testutil.HealthySubsystem(0.9), false),
	}))

	for i := 0; i < 2; i++ {
		require.NoError(t, o.Monitor().Tick(context.Background()))
	}
	st := stateOf(t, o, "security")
	assert.Equal(t, subsystem.StatusOnline, st.Status)
	assert.Equal(t, 2, st.ErrorCount)
	assert.Equal(t, StatusRunning, o.SystemStatus())

	require.NoError(t, o.Monitor().Tick(context.Background()))
	st = stateOf(t, o, "security")
	assert.Equal(t, subsystem.StatusError, st.Status)
	assert.Equal(t, "sensor offline", st.LastError)
	assert.Equal(t, StatusDegraded, o.SystemStatus(), "a critical subsystem in error degrades the system")

	// Error subsystems are no longer polled or aggregated
	require.NoError(t, o.Monitor().Tick(context.Background()))
	sick.AssertNumberOfCalls(t, "HealthCheck", 3)
	assert.InDelta(t, 0.9, o.Monitor().Current().OverallHealth, 1e-9)
}

func TestReportHealth_EscalationNamesDependents(t *testing.T) {
	o, _ := newOrchestrator(t, testConfig())
	sick := &testutil.MockSubsystem{}
	sick.On("Initialize").Return(nil)
	sick.On("Start").Return(nil)
	sick.On("Stop").Return(nil).Maybe()
	sick.On("HealthCheck").Return(0.0, errors.New("sensor offline"))

	require.NoError(t, o.Initialize(context.Background(), []subsystem.Spec{
		spec("crypto", sick, false),
		spec("communication", testutil.HealthySubsystem(1), false, "crypto"),
		spec("ai", testutil.HealthySubsystem(1), false, "communication"),
		spec("security", testutil.HealthySubsystem(1), true),
	}))

	for i := 0; i < 3; i++ {
		require.NoError(t, o.Monitor().Tick(context.Background()))
	}
	require.Equal(t, subsystem.StatusError, stateOf(t, o, "crypto").Status)

	last := o.Status().Errors.LastError
	require.NotNil(t, last)
	assert.Equal(t, "crypto", last.Subsystem)
	assert.Equal(t, []string{"ai", "communication"}, last.Details["dependents"])
}

func TestRetryFailed_RecoversOnSlowCadence(t *testing.T) {
	o, _ := newOrchestrator(t, testConfig())
	late := &testutil.MockSubsystem{}
	late.On("Initialize").Return(errors.New("warming up")).Times(3)
	late.On("Initialize").Return(nil)
	late.On("Start").Return(nil)
	late.On("Stop").Return(nil).Maybe()
	late.On("HealthCheck").Return(1.0, nil).Maybe()

	require.NoError(t, o.Initialize(context.Background(), []subsystem.Spec{
		spec("security", testutil.HealthySubsystem(1), true),
		spec("threat_intel", late, true),
	}))
	require.Equal(t, StatusDegraded, o.SystemStatus())

	require.NoError(t, o.retryFailed(context.Background()))
	assert.Equal(t, subsystem.StatusOnline, stateOf(t, o, "threat_intel").Status)
	assert.Equal(t, StatusRunning, o.SystemStatus())
}

type scanningSubsystem struct {
	*subsystem.Managed
	started chan struct{}
	release chan struct{}
}

func (s *scanningSubsystem) Scan(ctx context.Context, params map[string]any) (subsystem.ScanReport, error) {
	close(s.started)
	<-s.release
	return subsystem.ScanReport{Subsystem: s.Name(), ItemsScanned: 42}, nil
}

func TestEmergency_InFlightScanFinishesButReconfigureIsRejected(t *testing.T) {
	o, sub := newOrchestrator(t, testConfig())
	sec := &scanningSubsystem{
		Managed: subsystem.NewManaged("security", subsystem.KindSecurity, zerolog.Nop()),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	require.NoError(t, o.Initialize(context.Background(), []subsystem.Spec{spec("security", sec, true)}))
	ctx := context.Background()

	type outcome struct {
		res dispatcher.CommandResult
		err error
	}
	scanDone := make(chan outcome, 1)
	go func() {
		res, err := o.Command(ctx, dispatcher.Command{Type: dispatcher.RunScan})
		scanDone <- outcome{res, err}
	}()
	<-sec.started

	res, err := o.Command(ctx, dispatcher.Command{Type: dispatcher.EmergencyProtocol, Parameters: map[string]any{"reason": "manual"}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StatusEmergency, o.SystemStatus())
	assert.True(t, sec.InSafetyMode())

	reconfigure := dispatcher.Command{Type: dispatcher.Reconfigure, Parameters: map[string]any{
		"subsystem": "security",
		"settings":  map[string]any{"sensitivity": "high"},
	}}
	res, err = o.Command(ctx, reconfigure)
	require.ErrorIs(t, err, werrors.ErrSystemBusyEmergency)
	assert.False(t, res.Success)

	close(sec.release)
	scan := <-scanDone
	require.NoError(t, scan.err)
	assert.True(t, scan.res.Success)
	assert.Equal(t, 42, scan.res.Data.(subsystem.ScanReport).ItemsScanned)

	_, err = o.Command(ctx, reconfigure)
	require.ErrorIs(t, err, werrors.ErrSystemBusyEmergency, "still rejected until resolved")

	res, err = o.Command(ctx, dispatcher.Command{Type: dispatcher.ResolveEmergency})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.Equal(t, StatusRunning, o.SystemStatus())
	assert.False(t, sec.InSafetyMode())
	assert.False(t, o.Emergency().Active)

	res, err = o.Command(ctx, reconfigure)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "high", sec.Settings()["sensitivity"])

	var emergencies, resolved int
	for _, e := range drain(sub) {
		switch e.Type {
		case events.EventEmergency:
			emergencies++
			assert.Equal(t, "manual", e.Metadata["reason"])
		case events.EventEmergencyResolved:
			resolved++
		}
	}
	assert.Equal(t, 1, emergencies)
	assert.Equal(t, 1, resolved)
}

func TestEmergency_RepeatedCallIsNoop(t *testing.T) {
	o, sub := newOrchestrator(t, testConfig())
	require.NoError(t, o.Initialize(context.Background(), []subsystem.Spec{spec("security", testutil.HealthySubsystem(1), true)}))
	drain(sub)

	require.NoError(t, o.EmergencyProtocol(context.Background(), "first"))
	require.NoError(t, o.EmergencyProtocol(context.Background(), "second"))

	assert.Equal(t, "first", o.Emergency().Reason)
	assert.Equal(t, 1, transitionsTo(drain(sub), StatusEmergency))
}

func TestResolveEmergency_NotInEmergencyIsDefinedResult(t *testing.T) {
	o, _ := newOrchestrator(t, testConfig())
	require.NoError(t, o.Initialize(context.Background(), []subsystem.Spec{spec("security", testutil.HealthySubsystem(1), true)}))

	res, err := o.ResolveEmergency(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "not in emergency", res.Message)

	res, err = o.Command(context.Background(), dispatcher.Command{Type: dispatcher.ResolveEmergency})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "not in emergency", res.Message)
	assert.Equal(t, StatusRunning, o.SystemStatus())
}

func TestResolveEmergency_RequiresSustainedRecovery(t *testing.T) {
	cfg := testConfig()
	o, _ := newOrchestrator(t, cfg)
	d := newDial(0.5)
	sec := subsystem.NewManaged("security", subsystem.KindSecurity, zerolog.Nop(), d.Option())
	require.NoError(t, o.Initialize(context.Background(), []subsystem.Spec{spec("security", sec, true)}))
	require.NoError(t, o.EmergencyProtocol(context.Background(), "critical campaign"))

	res, err := o.ResolveEmergency(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "below recovery threshold 0.70")
	assert.Equal(t, StatusEmergency, o.SystemStatus())

	require.NoError(t, o.reconfigure(map[string]any{"recovery_hold": "1h"}))
	d.Set(0.9)
	res, err = o.ResolveEmergency(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "need 1h0m0s")

	require.NoError(t, o.reconfigure(map[string]any{"recovery_hold": "0s"}))
	res, err = o.ResolveEmergency(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success, res.Message)
	assert.Equal(t, StatusRunning, o.SystemStatus())
}

func TestWatchThreats_CriticalCampaignTriggersEmergency(t *testing.T) {
	updates := events.NewBus[threatintel.ThreatUpdate](zerolog.Nop(), "threats", 8)
	o, _ := newOrchestrator(t, testConfig(), WithThreatUpdates(updates))
	require.NoError(t, o.Initialize(context.Background(), []subsystem.Spec{spec("security", testutil.HealthySubsystem(1), true)}))

	updates.Publish(threatintel.ThreatUpdate{ID: "u1", Type: threatintel.UpdateCampaign, Severity: events.SeverityHigh, CampaignID: "c-high"})
	updates.Publish(threatintel.ThreatUpdate{ID: "u2", Type: threatintel.UpdateIndicators, Severity: events.SeverityCritical})
	updates.Publish(threatintel.ThreatUpdate{ID: "u3", Type: threatintel.UpdateCampaign, Severity: events.SeverityCritical, CampaignID: "c-1", Confidence: 0.95})

	require.Eventually(t, func() bool { return o.SystemStatus() == StatusEmergency }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, o.Emergency().Reason, "c-1")
}

func TestWatchThreats_AutoEmergencyDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Orchestrator.AutoEmergencyOnCritical = false
	o, _ := newOrchestrator(t, cfg)
	require.NoError(t, o.Initialize(context.Background(), []subsystem.Spec{spec("security", testutil.HealthySubsystem(1), true)}))

	o.handleThreat(context.Background(), threatintel.ThreatUpdate{Type: threatintel.UpdateCampaign, Severity: events.SeverityCritical, CampaignID: "c-1"})
	assert.Equal(t, StatusRunning, o.SystemStatus())
}

func TestMaintenance(t *testing.T) {
	o, _ := newOrchestrator(t, testConfig())
	require.ErrorIs(t, o.EnterMaintenance("too early"), werrors.ErrInvalidTransition)

	require.NoError(t, o.Initialize(context.Background(), []subsystem.Spec{spec("security", testutil.HealthySubsystem(0.2), true)}))
	require.NoError(t, o.EnterMaintenance("kernel upgrade"))
	assert.Equal(t, StatusMaintenance, o.SystemStatus())
	assert.Equal(t, "kernel upgrade", o.Status().Maintenance)

	// crossings do not leave maintenance
	require.NoError(t, o.Monitor().Tick(context.Background()))
	assert.Equal(t, StatusMaintenance, o.SystemStatus())

	require.NoError(t, o.ExitMaintenance())
	assert.Equal(t, StatusDegraded, o.SystemStatus(), "health is still below the threshold")
	assert.Empty(t, o.Status().Maintenance)
	require.ErrorIs(t, o.ExitMaintenance(), werrors.ErrInvalidTransition)
}

func TestMaintenanceCommands(t *testing.T) {
	o, _ := newOrchestrator(t, testConfig())
	require.NoError(t, o.Initialize(context.Background(), []subsystem.Spec{spec("security", testutil.HealthySubsystem(1), true)}))
	ctx := context.Background()

	res, err := o.Command(ctx, dispatcher.Command{Type: dispatcher.EnterMaintenance, Parameters: map[string]any{"reason": "rule update"}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StatusMaintenance, o.SystemStatus())
	assert.Equal(t, "rule update", o.Status().Maintenance)

	res, err = o.Command(ctx, dispatcher.Command{Type: dispatcher.ExitMaintenance})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StatusRunning, o.SystemStatus())

	res, err = o.Command(ctx, dispatcher.Command{Type: dispatcher.ExitMaintenance})
	require.ErrorIs(t, err, werrors.ErrInvalidTransition)
	assert.False(t, res.Success)

	require.NoError(t, o.EmergencyProtocol(ctx, "drill"))
	_, err = o.Command(ctx, dispatcher.Command{Type: dispatcher.EnterMaintenance})
	require.ErrorIs(t, err, werrors.ErrSystemBusyEmergency)
}

func TestReconfigure_OrchestratorThresholds(t *testing.T) {
	o, _ := newOrchestrator(t, testConfig())
	require.NoError(t, o.Initialize(context.Background(), []subsystem.Spec{spec("security", testutil.HealthySubsystem(1), true)}))
	ctx := context.Background()

	res, err := o.Command(ctx, dispatcher.Command{Type: dispatcher.Reconfigure, Parameters: map[string]any{
		"settings": map[string]any{"degraded_threshold": 0.4, "recovery_threshold": 0.8, "error_after_failures": 5},
	}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0.4, o.Monitor().Thresholds().Degraded)
	assert.Equal(t, 0.8, o.Monitor().Thresholds().Recovery)
	assert.Equal(t, 5, o.healthConfig().ErrorAfterFailures)

	rejected := []map[string]any{
		{"degraded_threshold": 0.9},
		{"degraded_threshold": 0.3, "bogus": true},
		{"recovery_threshold": "high"},
		{"auto_emergency_on_critical": "yes"},
	}
	for _, settings := range rejected {
		_, err := o.Command(ctx, dispatcher.Command{Type: dispatcher.Reconfigure, Parameters: map[string]any{"settings": settings}})
		require.Error(t, err, "%v", settings)
		assert.True(t, werrors.IsConfigurationError(err), "%v", err)
	}
	assert.Equal(t, 0.4, o.Monitor().Thresholds().Degraded, "rejected settings change nothing")
	assert.True(t, o.orchestratorConfig().AutoEmergencyOnCritical)
}

func TestReconfigure_SubsystemIsAllOrNothing(t *testing.T) {
	o, _ := newOrchestrator(t, testConfig())
	ai := subsystem.NewManaged("ai", subsystem.KindAI, zerolog.Nop(),
		subsystem.WithSettings(map[string]any{"mode": "strict"}),
		subsystem.WithSettingsValidator(func(s map[string]any) error {
			if s["mode"] != "strict" && s["mode"] != "balanced" {
				return werrors.NewConfigError("mode", "unsupported")
			}
			return nil
		}))
	require.NoError(t, o.Initialize(context.Background(), []subsystem.Spec{
		spec("security", testutil.HealthySubsystem(1), true),
		spec("ai", ai, false),
	}))
	ctx := context.Background()

	_, err := o.Command(ctx, dispatcher.Command{Type: dispatcher.Reconfigure, Parameters: map[string]any{
		"subsystem": "ai",
		"settings":  map[string]any{"mode": "reckless", "threshold": 0.2},
	}})
	require.Error(t, err)
	assert.Equal(t, map[string]any{"mode": "strict"}, ai.Settings())

	res, err := o.Command(ctx, dispatcher.Command{Type: dispatcher.Reconfigure, Parameters: map[string]any{
		"subsystem": "ai", "mode": "balanced",
	}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "balanced", ai.Settings()["mode"])

	_, err = o.Command(ctx, dispatcher.Command{Type: dispatcher.Reconfigure, Parameters: map[string]any{
		"subsystem": "security", "mode": "balanced",
	}})
	require.ErrorIs(t, err, werrors.ErrUnsupported)
}

type protectingSubsystem struct {
	*subsystem.Managed
	on atomic.Bool
}

func (p *protectingSubsystem) StartProtection(ctx context.Context) error {
	p.on.Store(true)
	return nil
}
func (p *protectingSubsystem) StopProtection(ctx context.Context) error {
	p.on.Store(false)
	return nil
}

func TestCommands_Protection(t *testing.T) {
	o, _ := newOrchestrator(t, testConfig())
	sec := &protectingSubsystem{Managed: subsystem.NewManaged("security", subsystem.KindSecurity, zerolog.Nop())}
	require.NoError(t, o.Initialize(context.Background(), []subsystem.Spec{
		spec("security", sec, true),
		spec("ai", testutil.HealthySubsystem(1), false),
	}))
	ctx := context.Background()

	res, err := o.Command(ctx, dispatcher.Command{Type: dispatcher.StartProtection})
	require.NoError(t, err)
	assert.Equal(t, "protection started on security", res.Message)
	assert.True(t, sec.on.Load())

	_, err = o.Command(ctx, dispatcher.Command{Type: dispatcher.StopProtection})
	require.NoError(t, err)
	assert.False(t, sec.on.Load())

	_, err = o.Command(ctx, dispatcher.Command{Type: dispatcher.StartProtection, Parameters: map[string]any{"subsystem": "ai"}})
	require.ErrorIs(t, err, werrors.ErrUnsupported)

	_, err = o.Command(ctx, dispatcher.Command{Type: dispatcher.RunScan, Parameters: map[string]any{"subsystem": "oracle"}})
	require.ErrorIs(t, err, werrors.ErrSubsystemNotFound)
}

func TestShutdown_ReverseDependencyOrder(t *testing.T) {
	o, _ := newOrchestrator(t, testConfig())
	rec := &recorder{}
	require.NoError(t, o.Initialize(context.Background(), []subsystem.Spec{
		spec("crypto", rec.managed("crypto"), false),
		spec("communication", rec.managed("communication"), false, "crypto"),
		spec("security", rec.managed("security"), true),
	}))

	require.NoError(t, o.Shutdown(context.Background(), true))
	assert.Equal(t, StatusShutdown, o.SystemStatus())

	calls := rec.list()
	assert.Less(t, indexOf(calls, "stop:communication"), indexOf(calls, "stop:crypto"))
	for _, st := range o.Registry().States() {
		assert.Equal(t, subsystem.StatusOffline, st.Status, st.Name)
	}

	_, err := o.Command(context.Background(), dispatcher.Command{Type: dispatcher.RunScan})
	require.ErrorIs(t, err, werrors.ErrShuttingDown)
	require.NoError(t, o.Shutdown(context.Background(), true), "shutdown is idempotent")
	require.ErrorIs(t, o.Initialize(context.Background(), nil), werrors.ErrInvalidTransition)
}

func TestShutdown_ReportsStopFailures(t *testing.T) {
	o, _ := newOrchestrator(t, testConfig())
	stubborn := &testutil.MockSubsystem{}
	stubborn.On("Initialize").Return(nil)
	stubborn.On("Start").Return(nil)
	stubborn.On("Stop").Return(errors.New("device busy"))

	require.NoError(t, o.Initialize(context.Background(), []subsystem.Spec{spec("security", stubborn, true)}))
	err := o.Shutdown(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device busy")
	assert.Equal(t, StatusShutdown, o.SystemStatus())
}

type taskProvider struct {
	*subsystem.Managed
}

func (p *taskProvider) ScheduleTasks(s *scheduler.Scheduler) error {
	return s.Every(scheduler.TaskFunc{TaskName: "model_refresh", Fn: func(context.Context) error { return nil }}, time.Hour, false)
}

func TestStatus_ReportsTasksAndSubsystems(t *testing.T) {
	o, _ := newOrchestrator(t, testConfig())
	ai := &taskProvider{Managed: subsystem.NewManaged("ai", subsystem.KindAI, zerolog.Nop())}
	require.NoError(t, o.Initialize(context.Background(), []subsystem.Spec{
		spec("security", testutil.HealthySubsystem(1), true),
		spec("ai", ai, false),
	}))

	st := o.Status()
	assert.Equal(t, StatusRunning, st.Status)
	assert.Len(t, st.Subsystems, 2)
	var names []string
	for _, task := range st.Tasks {
		names = append(names, task.Name)
	}
	assert.ElementsMatch(t, []string{"health_sampling", "metrics_sampling", "error_retry", "model_refresh"}, names)
}

func TestThreatEngineIntegration(t *testing.T) {
	cfg := testConfig()
	engine := threatintel.NewEngine("threat_intel", cfg, zerolog.Nop())
	o, _ := newOrchestrator(t, cfg)
	require.NoError(t, o.Initialize(context.Background(), []subsystem.Spec{
		spec("security", testutil.HealthySubsystem(1), true),
		spec("threat_intel", engine, true),
	}))

	var names []string
	for _, task := range o.Status().Tasks {
		names = append(names, task.Name)
	}
	assert.Contains(t, names, "threat_correlation")
	assert.Contains(t, names, "campaign_expiry")

	engine.Updates().Publish(threatintel.ThreatUpdate{ID: "u1", Type: threatintel.UpdateCampaign, Severity: events.SeverityCritical, CampaignID: "c-9"})
	require.Eventually(t, func() bool { return o.SystemStatus() == StatusEmergency }, 2*time.Second, 10*time.Millisecond)
}

func TestBuildSpecs(t *testing.T) {
	cfg := testConfig()
	cfg.Subsystems = []config.SubsystemConfig{
		{Name: "security", Enabled: true, Critical: true, Weight: 2, StartupTimeout: time.Second},
		{Name: "ai", Enabled: true, Weight: 1, Tier: 2, DependsOn: []string{"security"}, StartupTimeout: time.Second,
			Settings: map[string]any{"mode": "strict"}},
		{Name: "consciousness", Enabled: false, Weight: 0.5, StartupTimeout: time.Second},
	}
	sec := testutil.HealthySubsystem(1)

	specs, err := BuildSpecs(cfg, map[string]subsystem.Subsystem{"security": sec}, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, specs, 2)

	assert.Same(t, sec, specs[0].Subsystem)
	assert.Equal(t, subsystem.KindSecurity, specs[0].Kind)
	assert.True(t, specs[0].Critical)

	assert.Equal(t, subsystem.KindAI, specs[1].Kind)
	assert.Equal(t, []string{"security"}, specs[1].DependsOn)
	ai, ok := specs[1].Subsystem.(*subsystem.Managed)
	require.True(t, ok)
	assert.Equal(t, "strict", ai.Settings()["mode"])

	cfg.Subsystems[0].Settings = map[string]any{"rules": "x"}
	_, err = BuildSpecs(cfg, map[string]subsystem.Subsystem{"security": sec}, zerolog.Nop())
	assert.True(t, werrors.IsConfigurationError(err))
}
