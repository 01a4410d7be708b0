package threatintel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lucid-vigil/warden/pkg/config"
	werrors "github.com/lucid-vigil/warden/pkg/errors"
	"github.com/lucid-vigil/warden/pkg/events"
	"github.com/lucid-vigil/warden/pkg/scheduler"
	"github.com/lucid-vigil/warden/pkg/subsystem"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// expirySchedule is the cron cadence of campaign expiry.
const expirySchedule = "@hourly"

// Engine is the threat-intelligence subsystem. It owns the indicator store,
// ingests ThreatUpdates, correlates indicators into campaigns and answers
// analysis and report queries.
type Engine struct {
	*subsystem.Base

	cfgMu sync.RWMutex
	corr  config.CorrelationConfig

	// fixed at construction; Configure only tunes correlation
	ingestCfg config.IngestionConfig
	storage   config.StorageConfig

	store     *Store
	persister Persister
	ownsStore bool
	validator *Validator
	ingestor  *Ingestor
	analyzer  *Analyzer
	history   *History
	updates   *events.Bus[ThreatUpdate]
	system    *events.Bus[events.SystemEvent]
	now       func() time.Time

	level    atomic.Value // levelState
	lastPass atomic.Pointer[PassResult]

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	persistErrors atomic.Int64
	lastPersist   atomic.Pointer[string]

	ingested metric.Int64Counter
	dropped  metric.Int64Counter
	promoted metric.Int64Counter
	partial  metric.Int64Counter
}

type levelState struct {
	Level ThreatLevel
	Score float64
}

// Option customises an Engine.
type Option func(*Engine)

// WithPersister replaces the bbolt store opened from the storage config.
func WithPersister(p Persister) Option { return func(e *Engine) { e.persister = p } }

// WithExternalSources adds reputation lookups used by AnalyzeIOC.
func WithExternalSources(sources ...ExternalSource) Option {
	return func(e *Engine) { e.analyzer.sources = append(e.analyzer.sources, sources...) }
}

// WithSystemEvents publishes campaign and drop notifications to bus.
func WithSystemEvents(bus *events.Bus[events.SystemEvent]) Option {
	return func(e *Engine) { e.system = bus }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
		e.analyzer.now = now
	}
}

// NewEngine creates the engine from the threat-intel sections of cfg.
func NewEngine(name string, cfg *config.Config, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		Base:      subsystem.NewBase(name, subsystem.KindThreatIntel, logger),
		corr:      cfg.Correlation,
		ingestCfg: cfg.Ingestion,
		storage:   cfg.Storage,
		store:     NewStore(),
		analyzer:  NewAnalyzer(cfg.Analysis.Budget, cfg.Analysis.DecayHalfLife),
		history:   NewHistory(cfg.Correlation.HistorySize),
		now:       time.Now,
	}
	e.updates = events.NewBus[ThreatUpdate](*e.Logger(), "threat_updates", cfg.Events.SubscriberBuffer)
	e.level.Store(levelState{Level: ThreatLevelLow})

	meter := otel.Meter("warden")
	e.ingested, _ = meter.Int64Counter("warden.threatintel.ingested", metric.WithDescription("Threat updates applied to the store"))
	e.dropped, _ = meter.Int64Counter("warden.threatintel.dropped", metric.WithDescription("Threat updates evicted from a full queue"))
	e.promoted, _ = meter.Int64Counter("warden.threatintel.campaigns", metric.WithDescription("Campaigns created or merged by correlation"))
	e.partial, _ = meter.Int64Counter("warden.threatintel.analysis.partial", metric.WithDescription("IOC analyses returned without every external source"))

	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Initialize validates settings, opens persistence and loads stored data.
func (e *Engine) Initialize() error {
	corr, ingestCfg, storage := e.correlationConfig(), e.ingestCfg, e.storage

	if corr.Weights.Sum() <= 0 {
		return werrors.NewConfigError("correlation.weights", "must have a positive sum")
	}

	if e.persister == nil && storage.Path != "" {
		p, err := OpenBolt(storage.Path, storage.OpenTimeout)
		if err != nil {
			return err
		}
		e.persister = p
		e.ownsStore = true
	}
	if e.persister != nil {
		data, err := e.persister.LoadAll()
		if err != nil {
			return fmt.Errorf("failed to load threat store: %w", err)
		}
		if err := e.store.Load(data); err != nil {
			return fmt.Errorf("failed to load threat store: %w", err)
		}
		e.Logger().Info().Int("iocs", len(data.IOCs)).Int("campaigns", len(data.Campaigns)).Msg("Threat store loaded")
	}

	if e.validator != nil {
		e.validator.Stop()
	}
	e.validator = NewValidator(ingestCfg.RatePerSecond, ingestCfg.Burst, ingestCfg.DedupWindow)
	e.ingestor = NewIngestor(ingestCfg, e.validator, e.applyBatch, e.onDrop, *e.Logger())
	e.RecomputeThreatLevel()
	return nil
}

// Start runs the ingestion loop and, when configured, the directory feed.
func (e *Engine) Start() error {
	if e.ingestor == nil {
		return fmt.Errorf("threat intelligence engine not initialized")
	}
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.ingestor.Run(ctx)
	}()

	if dir := e.ingestCfg.FeedDir; dir != "" {
		feed := NewDirectoryFeed(dir, e.Ingest, *e.Logger())
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := feed.Run(ctx); err != nil {
				e.SetLastError(err)
				e.Logger().Error().Err(err).Msg("Directory feed stopped")
			}
		}()
	}

	e.SetRunning(true)
	e.Logger().Info().Msg("Threat intelligence engine started")
	return nil
}

// Stop drains queued updates and closes persistence.
func (e *Engine) Stop() error {
	e.runMu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.runMu.Unlock()

	if cancel != nil {
		if e.ingestor != nil {
			e.ingestor.Close()
		}
		cancel()
		e.wg.Wait()
	}
	if e.validator != nil {
		e.validator.Stop()
	}
	e.SetRunning(false)

	if e.ownsStore && e.persister != nil {
		err := e.persister.Close()
		e.persister = nil
		e.ownsStore = false
		if err != nil {
			return fmt.Errorf("failed to close threat store: %w", err)
		}
	}
	e.Logger().Info().Msg("Threat intelligence engine stopped")
	return nil
}

// HealthCheck lowers the score while the queue is nearly full, updates are
// being dropped or persistence is failing.
func (e *Engine) HealthCheck() (float64, error) {
	if !e.IsRunning() {
		return 0, fmt.Errorf("threat intelligence engine not running")
	}
	score := 1.0
	stats := e.ingestor.Stats()
	if size := e.ingestCfg.QueueSize; size > 0 && float64(stats.Queued)/float64(size) > 0.8 {
		score -= 0.3
	}
	if stats.Dropped > 0 {
		score -= 0.1
	}
	if e.lastPersist.Load() != nil {
		score -= 0.2
	}
	e.UpdateMetric("iocs", e.store.Snapshot().IOCCount())
	e.UpdateMetric("queued", stats.Queued)
	e.UpdateMetric("dropped", stats.Dropped)
	return score, nil
}

// Configure updates correlation tuning. Settings are validated as a whole
// and applied only if all of them are valid.
func (e *Engine) Configure(settings map[string]any) error {
	e.cfgMu.RLock()
	next := e.corr
	e.cfgMu.RUnlock()

	floats := map[string]*float64{
		"promotion_threshold": &next.PromotionThreshold,
		"coverage_threshold":  &next.CoverageThreshold,
		"jaccard_threshold":   &next.JaccardThreshold,
		"critical_confidence": &next.CriticalConfidence,
		"temporal_weight":     &next.Weights.Temporal,
		"geographic_weight":   &next.Weights.Geographic,
		"actor_weight":        &next.Weights.Actor,
		"ttp_weight":          &next.Weights.TTP,
	}
	for key, raw := range settings {
		if key == "min_shared_ttps" {
			n, ok := toFloat(raw)
			if !ok || n < 1 {
				return werrors.NewConfigError(key, "must be a positive integer")
			}
			next.MinSharedTTPs = int(n)
			continue
		}
		dst, ok := floats[key]
		if !ok {
			return werrors.NewConfigError(key, "unknown setting")
		}
		v, ok := toFloat(raw)
		if !ok || v < 0 || v > 1 {
			return werrors.NewConfigError(key, "must be a number within [0,1]")
		}
		*dst = v
	}
	if next.Weights.Sum() <= 0 {
		return werrors.NewConfigError("weights", "must have a positive sum")
	}

	e.cfgMu.Lock()
	e.corr = next
	e.cfgMu.Unlock()
	e.Logger().Info().Interface("settings", settings).Msg("Correlation settings updated")
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func (e *Engine) correlationConfig() config.CorrelationConfig {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.corr
}

// Ingest queues an update. It fails fast on invalid input and honours the
// configured backpressure policy when the queue is full.
func (e *Engine) Ingest(ctx context.Context, u ThreatUpdate) error {
	if e.ingestor == nil {
		return fmt.Errorf("threat intelligence engine not initialized")
	}
	return e.ingestor.Submit(ctx, u)
}

// IngestStats returns queue counters.
func (e *Engine) IngestStats() IngestStats {
	if e.ingestor == nil {
		return IngestStats{}
	}
	return e.ingestor.Stats()
}

func (e *Engine) onDrop(u ThreatUpdate) {
	e.dropped.Add(context.Background(), 1)
	e.Logger().Warn().Str("update_id", u.ID).Str("source", u.Source).Msg("Ingestion queue full, oldest update dropped")
	if e.system != nil {
		e.system.Publish(events.NewSystemEvent(events.EventIngestDropped, events.SeverityLow,
			"threat update dropped from full ingestion queue", map[string]any{"update_id": u.ID, "source": u.Source}))
	}
}

// applyBatch is the single writer for ingested data.
func (e *Engine) applyBatch(ctx context.Context, batch []ThreatUpdate) {
	now := e.now()
	var applied []IOC
	severity, confidence := events.SeverityInfo, 0.0
	tx, err := e.store.Update(func(tx *Tx) error {
		applied = applied[:0]
		for _, u := range batch {
			seenAt := u.Timestamp
			if seenAt.IsZero() {
				seenAt = now
			}
			for _, t := range u.TTPs {
				tx.PutTTP(t)
			}
			for _, a := range u.Actors {
				tx.PutActor(a)
			}
			for _, in := range u.IOCs {
				ioc, _, err := tx.UpsertIOC(in, seenAt)
				if err != nil {
					e.Logger().Warn().Err(err).Str("update_id", u.ID).Msg("Indicator skipped")
					continue
				}
				applied = append(applied, ioc)
			}
			if severityRank(u.Severity) > severityRank(severity) {
				severity = u.Severity
			}
			if u.Confidence > confidence {
				confidence = u.Confidence
			}
		}
		return nil
	})
	if err != nil {
		e.Logger().Error().Err(err).Msg("Failed to apply threat updates")
		return
	}
	e.ingested.Add(ctx, int64(len(batch)))
	e.persist(tx)

	if created := tx.Created(); len(created) > 0 {
		e.history.Record(observe(e.store.Snapshot(), created, now)...)
	}
	if len(applied) > 0 {
		e.updates.Publish(ThreatUpdate{
			ID:         uuid.NewString(),
			Type:       UpdateIndicators,
			Severity:   severity,
			IOCs:       applied,
			Confidence: confidence,
			Timestamp:  now,
			Source:     e.Name(),
		})
	}
	e.Logger().Debug().Int("updates", len(batch)).Int("iocs", len(applied)).Int("created", len(tx.Created())).Msg("Threat updates applied")
}

func (e *Engine) persist(tx *Tx) {
	if e.persister == nil || tx == nil || tx.Changes().empty() {
		return
	}
	if err := e.persister.Save(e.store.Snapshot(), tx.Changes()); err != nil {
		e.persistErrors.Add(1)
		msg := err.Error()
		e.lastPersist.Store(&msg)
		e.UpdateMetric("persist_errors", e.persistErrors.Load())
		e.Logger().Error().Err(err).Msg("Failed to persist threat store changes")
		return
	}
	e.lastPersist.Store(nil)
}

// RunCorrelation analyses the current window and promotes campaigns. The
// analysis runs on a snapshot without holding the writer lock.
func (e *Engine) RunCorrelation(ctx context.Context) (PassResult, Promotion, error) {
	cfg := e.correlationConfig()
	now := e.now()
	pass := Correlate(e.store.Snapshot(), cfg, now)
	e.lastPass.Store(&pass)
	if err := ctx.Err(); err != nil {
		return pass, Promotion{}, err
	}

	var promo Promotion
	tx, err := e.store.Update(func(tx *Tx) error {
		var err error
		promo, err = Promote(tx, pass.Candidates, cfg, now)
		return err
	})
	if err != nil {
		return pass, promo, fmt.Errorf("campaign promotion failed: %w", err)
	}
	e.persist(tx)

	snap := e.store.Snapshot()
	for _, id := range promo.Created {
		e.announceCampaign(ctx, snap, id, true, cfg, now)
	}
	for _, id := range promo.Merged {
		e.announceCampaign(ctx, snap, id, false, cfg, now)
	}
	if len(promo.Created)+len(promo.Merged) > 0 {
		e.RecomputeThreatLevel()
	}
	e.Logger().Debug().Int("window_iocs", pass.WindowIOCs).Int("candidates", len(pass.Candidates)).
		Int("created", len(promo.Created)).Int("merged", len(promo.Merged)).Msg("Correlation pass complete")
	return pass, promo, nil
}

func (e *Engine) announceCampaign(ctx context.Context, snap *Snapshot, id string, created bool, cfg config.CorrelationConfig, now time.Time) {
	c, ok := snap.Campaign(id)
	if !ok {
		return
	}
	severity := campaignSeverity(c.Confidence, cfg.CriticalConfidence)
	action := "merged"
	if created {
		action = "created"
		actor := c.ActorID
		if actor == "" {
			actor = "unattributed"
		}
		e.history.Record(Observation{At: now, Category: "campaign:" + actor, Count: 1})
	}
	e.promoted.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))

	iocs := make([]IOC, 0, len(c.IOCIDs))
	for _, iocID := range c.IOCIDs {
		if i, ok := snap.IOC(iocID); ok {
			iocs = append(iocs, i)
		}
	}
	var ttps []TTP
	for _, t := range c.TTPs {
		if ref, ok := snap.TTP(t); ok {
			ttps = append(ttps, ref)
		} else {
			ttps = append(ttps, TTP{ID: t, MitreID: t})
		}
	}
	var actors []ThreatActor
	if a, ok := snap.Actor(c.ActorID); ok {
		actors = append(actors, a)
	}

	e.updates.Publish(ThreatUpdate{
		ID:         uuid.NewString(),
		Type:       UpdateCampaign,
		Severity:   severity,
		IOCs:       iocs,
		TTPs:       ttps,
		Actors:     actors,
		CampaignID: c.ID,
		Confidence: c.Confidence,
		Timestamp:  now,
		Source:     e.Name(),
	})
	if e.system != nil {
		e.system.Publish(events.NewSystemEvent(events.EventCampaignDetected, severity,
			fmt.Sprintf("campaign %q %s", c.Name, action),
			map[string]any{"campaign_id": c.ID, "confidence": c.Confidence, "iocs": len(c.IOCIDs), "action": action}))
	}
	e.Logger().Info().Str("campaign_id", c.ID).Str("campaign", c.Name).Str("action", action).
		Float64("confidence", c.Confidence).Int("iocs", len(c.IOCIDs)).Msg("Threat campaign " + action)
}

func campaignSeverity(confidence, critical float64) string {
	switch {
	case confidence >= critical:
		return events.SeverityCritical
	case confidence >= 0.8:
		return events.SeverityHigh
	default:
		return events.SeverityMedium
	}
}

func severityRank(s string) int {
	switch s {
	case events.SeverityCritical:
		return 4
	case events.SeverityHigh:
		return 3
	case events.SeverityMedium:
		return 2
	case events.SeverityLow:
		return 1
	default:
		return 0
	}
}

// ExpireCampaigns deactivates campaigns idle for longer than the retention.
func (e *Engine) ExpireCampaigns(ctx context.Context) ([]string, error) {
	cfg := e.correlationConfig()
	var expired []string
	tx, err := e.store.Update(func(tx *Tx) error {
		var err error
		expired, err = ExpireCampaigns(tx, cfg.CampaignRetention, e.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	e.persist(tx)
	if len(expired) > 0 {
		e.Logger().Info().Strs("campaigns", expired).Msg("Campaigns expired")
		e.RecomputeThreatLevel()
	}
	return expired, ctx.Err()
}

// RecomputeThreatLevel refreshes the global threat level.
func (e *Engine) RecomputeThreatLevel() ThreatLevel {
	level, score := ComputeThreatLevel(e.store.Snapshot(), e.now())
	prev := e.level.Swap(levelState{Level: level, Score: score}).(levelState)
	if prev.Level != level {
		e.Logger().Info().Str("from", string(prev.Level)).Str("to", string(level)).Float64("score", score).Msg("Threat level changed")
	}
	return level
}

// ThreatLevel returns the last computed global threat level and its score.
func (e *Engine) ThreatLevel() (ThreatLevel, float64) {
	s := e.level.Load().(levelState)
	return s.Level, s.Score
}

// AnalyzeIOC reports what is known about an observable. External sources
// that miss the latency budget are skipped and the result is marked partial.
func (e *Engine) AnalyzeIOC(ctx context.Context, value string, t IOCType) (IOCAnalysisResult, error) {
	res, err := e.analyzer.Analyze(ctx, e.store.Snapshot(), t, value)
	if err != nil {
		return res, err
	}
	if res.Partial {
		e.partial.Add(ctx, 1)
		e.Logger().Warn().Strs("unavailable", res.Unavailable).Str("value", res.Value).Msg("IOC analysis returned partial result")
	}
	return res, nil
}

// GenerateThreatReport builds a report from the current snapshot. It is safe
// to call concurrently with ingestion.
func (e *Engine) GenerateThreatReport(req ReportRequest) (ThreatIntelligenceReport, error) {
	if req.Timeframe.End.IsZero() {
		req.Timeframe.End = e.now()
	}
	if req.Timeframe.End.Before(req.Timeframe.Start) {
		return ThreatIntelligenceReport{}, werrors.NewConfigError("timeframe", "end %s is before start %s",
			req.Timeframe.End.Format(time.RFC3339), req.Timeframe.Start.Format(time.RFC3339))
	}
	return BuildReport(e.store.Snapshot(), req, e.now()), nil
}

// Supersede marks oldID as replaced by newID.
func (e *Engine) Supersede(oldID, newID string) error {
	tx, err := e.store.Update(func(tx *Tx) error { return tx.Supersede(oldID, newID) })
	if err != nil {
		return err
	}
	e.persist(tx)
	return nil
}

// MatchIndicator returns the confidence of a stored, non-superseded
// indicator of the given kind.
func (e *Engine) MatchIndicator(kind, value string) (float64, bool) {
	t, err := ParseIOCType(kind)
	if err != nil {
		return 0, false
	}
	ioc, ok := e.store.Snapshot().Lookup(t, value)
	if !ok || ioc.Superseded {
		return 0, false
	}
	return ioc.Confidence, true
}

// Snapshot returns the current consistent view of the store.
func (e *Engine) Snapshot() *Snapshot { return e.store.Snapshot() }

// Updates is the ThreatUpdate stream.
func (e *Engine) Updates() *events.Bus[ThreatUpdate] { return e.updates }

// History returns the correlation history ring.
func (e *Engine) History() *History { return e.history }

// LastPass returns the most recent correlation pass, if any.
func (e *Engine) LastPass() (PassResult, bool) {
	p := e.lastPass.Load()
	if p == nil {
		return PassResult{}, false
	}
	return *p, true
}

// ScheduleTasks registers correlation, threat-level and expiry tasks.
func (e *Engine) ScheduleTasks(s *scheduler.Scheduler) error {
	cfg := e.correlationConfig()
	err := s.Every(scheduler.TaskFunc{TaskName: "threat_correlation", Fn: func(ctx context.Context) error {
		_, _, err := e.RunCorrelation(ctx)
		return err
	}}, cfg.Interval, false)
	if err != nil {
		return err
	}
	err = s.Every(scheduler.TaskFunc{TaskName: "threat_level", Fn: func(context.Context) error {
		e.RecomputeThreatLevel()
		return nil
	}}, cfg.ThreatLevelEvery, true)
	if err != nil {
		return err
	}
	return s.Cron(expirySchedule, scheduler.TaskFunc{TaskName: "campaign_expiry", Fn: func(ctx context.Context) error {
		_, err := e.ExpireCampaigns(ctx)
		return err
	}})
}
