// Package predict forecasts near-term threat activity from correlation
// history. Forecasts are advisory and are never fed into automatic
// response paths.
package predict

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/lucid-vigil/warden/pkg/config"
	werrors "github.com/lucid-vigil/warden/pkg/errors"
	"github.com/lucid-vigil/warden/pkg/threatintel"
	"github.com/rs/zerolog"
)

// HistorySource provides observations recorded by correlation passes.
type HistorySource interface {
	Since(t time.Time) []threatintel.Observation
}

// PredictedThreat is one ranked forecast entry.
type PredictedThreat struct {
	Name          string  `json:"name"`
	Category      string  `json:"category"`
	Probability   float64 `json:"probability"`
	Impact        float64 `json:"impact"`
	Confidence    float64 `json:"confidence"`
	ExpectedCount float64 `json:"expected_count"`
	Trend         string  `json:"trend"`
	Explanation   string  `json:"explanation"`
}

// Trend labels.
const (
	TrendRising    = "rising"
	TrendSteady    = "steady"
	TrendDeclining = "declining"
)

// ImpactFunc scores how damaging activity in a category would be, in [0,1].
type ImpactFunc func(category string) float64

// DefaultImpact ranks campaigns above actors, sectors and indicator types.
func DefaultImpact(category string) float64 {
	switch prefix(category) {
	case "campaign":
		return 0.9
	case "actor":
		return 0.8
	case "sector":
		return 0.6
	case "type":
		return 0.4
	default:
		return 0.5
	}
}

// Analyzer fits an exponentially weighted rate and trend per category and
// extrapolates it over the requested horizon.
type Analyzer struct {
	source HistorySource
	cfg    config.PredictionConfig
	impact ImpactFunc
	now    func() time.Time
	logger zerolog.Logger
}

// Option customises an Analyzer.
type Option func(*Analyzer)

// WithImpact replaces DefaultImpact.
func WithImpact(f ImpactFunc) Option { return func(a *Analyzer) { a.impact = f } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(a *Analyzer) { a.now = now } }

// NewAnalyzer creates an analyzer reading from source.
func NewAnalyzer(source HistorySource, cfg config.PredictionConfig, logger zerolog.Logger, opts ...Option) *Analyzer {
	a := &Analyzer{
		source: source,
		cfg:    cfg,
		impact: DefaultImpact,
		now:    time.Now,
		logger: logger.With().Str("component", "predictive_analyzer").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// lookback is the number of buckets fitted.
func (a *Analyzer) lookback() int {
	return max(24, 4*a.cfg.MinBuckets)
}

type series struct {
	category string
	counts   []float64
	first    int
}

// Forecast returns predicted threats for the horizon, most pressing first.
func (a *Analyzer) Forecast(ctx context.Context, horizon time.Duration) ([]PredictedThreat, error) {
	if horizon <= 0 {
		return nil, werrors.NewConfigError("horizon", "must be positive, got %s", horizon)
	}
	bucket := a.cfg.Bucket
	n := a.lookback()
	end := a.now().Truncate(bucket).Add(bucket)
	start := end.Add(-time.Duration(n) * bucket)

	byCat := map[string]*series{}
	for _, o := range a.source.Since(start) {
		if o.At.Before(start) || !o.At.Before(end) || o.Count <= 0 {
			continue
		}
		s, ok := byCat[o.Category]
		if !ok {
			s = &series{category: o.Category, counts: make([]float64, n), first: n}
			byCat[o.Category] = s
		}
		idx := int(o.At.Sub(start) / bucket)
		s.counts[idx] += float64(o.Count)
		s.first = min(s.first, idx)
	}

	steps := float64(horizon) / float64(bucket)
	decay := math.Exp(-float64(horizon) / float64(a.cfg.ConfidenceHorizon))

	out := make([]PredictedThreat, 0, len(byCat))
	for _, s := range byCat {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rate, slope := ewma(s.counts[s.first:], a.cfg.Alpha)
		expected := math.Max(0, steps*(rate+slope*(steps+1)/2))
		observed := float64(n - s.first)

		p := PredictedThreat{
			Category:      s.category,
			Probability:   1 - math.Exp(-expected),
			Impact:        clamp01(a.impact(s.category)),
			Confidence:    decay * math.Min(1, observed/float64(max(1, a.cfg.MinBuckets))),
			ExpectedCount: expected,
			Trend:         trendOf(rate, slope),
		}
		p.Name = nameFor(s.category, p.Trend)
		p.Explanation = fmt.Sprintf("rate %.2f per %s, trend %+.2f per %s over %d buckets; %.1f expected within %s",
			rate, bucket, slope, bucket, int(observed), expected, horizon)
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].Probability*out[i].Impact, out[j].Probability*out[j].Impact
		if si != sj {
			return si > sj
		}
		return out[i].Category < out[j].Category
	})
	a.logger.Debug().Int("categories", len(out)).Dur("horizon", horizon).Msg("Forecast computed")
	return out, nil
}

// ewma returns the smoothed per-bucket rate and the smoothed change of that
// rate between buckets.
func ewma(counts []float64, alpha float64) (rate, slope float64) {
	if len(counts) == 0 {
		return 0, 0
	}
	rate = counts[0]
	for _, c := range counts[1:] {
		prev := rate
		rate = alpha*c + (1-alpha)*rate
		slope = alpha*(rate-prev) + (1-alpha)*slope
	}
	return rate, slope
}

func trendOf(rate, slope float64) string {
	if rate <= 0 {
		return TrendDeclining
	}
	switch r := slope / rate; {
	case r > 0.05:
		return TrendRising
	case r < -0.05:
		return TrendDeclining
	default:
		return TrendSteady
	}
}

func nameFor(category, trend string) string {
	value := category
	if i := strings.IndexByte(category, ':'); i >= 0 {
		value = category[i+1:]
	}
	switch prefix(category) {
	case "campaign":
		return fmt.Sprintf("New campaign by %s (%s)", value, trend)
	case "actor":
		return fmt.Sprintf("Activity by actor %s (%s)", value, trend)
	case "sector":
		return fmt.Sprintf("Targeting of %s sector (%s)", value, trend)
	case "type":
		return fmt.Sprintf("New %s indicators (%s)", value, trend)
	default:
		return fmt.Sprintf("%s (%s)", category, trend)
	}
}

func prefix(category string) string {
	if i := strings.IndexByte(category, ':'); i >= 0 {
		return category[:i]
	}
	return ""
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
