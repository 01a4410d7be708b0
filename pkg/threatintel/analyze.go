package threatintel

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"
)

// Verdicts derived from the reputation score.
const (
	VerdictMalicious  = "malicious"
	VerdictSuspicious = "suspicious"
	VerdictClean      = "clean"
	VerdictUnknown    = "unknown"
)

// ExternalVerdict is what one external source knows about an observable.
// Confidence is the source's confidence that the observable is malicious.
type ExternalVerdict struct {
	Source     string    `json:"source"`
	Confidence float64   `json:"confidence"`
	LastSeen   time.Time `json:"last_seen"`
	Tags       []string  `json:"tags,omitempty"`
}

// ExternalSource is a pluggable reputation lookup. Implementations must
// honour ctx cancellation. A nil verdict means the source has no data.
type ExternalSource interface {
	Name() string
	Lookup(ctx context.Context, t IOCType, value string) (*ExternalVerdict, error)
}

// AssociatedThreat links an analysed observable to a campaign or actor.
type AssociatedThreat struct {
	Kind       string  `json:"kind"`
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence,omitempty"`
	Active     bool    `json:"active,omitempty"`
}

// IOCAnalysisResult is the answer to AnalyzeIOC.
type IOCAnalysisResult struct {
	Type              IOCType            `json:"type"`
	Value             string             `json:"value"`
	Known             bool               `json:"known"`
	IOC               *IOC               `json:"ioc,omitempty"`
	Reputation        float64            `json:"reputation"`
	Verdict           string             `json:"verdict"`
	Sources           []string           `json:"sources"`
	External          []ExternalVerdict  `json:"external,omitempty"`
	AssociatedThreats []AssociatedThreat `json:"associated_threats"`
	Recommendations   []string           `json:"recommendations"`
	Partial           bool               `json:"partial"`
	Unavailable       []string           `json:"unavailable,omitempty"`
	AnalyzedAt        time.Time          `json:"analyzed_at"`
	Duration          time.Duration      `json:"duration"`
}

// Analyzer answers reputation queries from a snapshot plus external sources.
type Analyzer struct {
	sources  []ExternalSource
	budget   time.Duration
	halfLife time.Duration
	now      func() time.Time
}

// NewAnalyzer creates an analyzer. Lookups that do not answer within budget
// are abandoned and the result is marked partial.
func NewAnalyzer(budget, halfLife time.Duration, sources ...ExternalSource) *Analyzer {
	return &Analyzer{sources: sources, budget: budget, halfLife: halfLife, now: time.Now}
}

type lookupResult struct {
	source  string
	verdict *ExternalVerdict
	err     error
}

// Analyze looks value up locally and in every external source concurrently.
func (a *Analyzer) Analyze(ctx context.Context, snap *Snapshot, t IOCType, value string) (IOCAnalysisResult, error) {
	start := a.now()
	norm, err := NormalizeValue(t, value)
	if err != nil {
		return IOCAnalysisResult{}, err
	}
	res := IOCAnalysisResult{Type: t, Value: norm, AnalyzedAt: start}

	pending := map[string]bool{}
	results := make(chan lookupResult, len(a.sources))
	if len(a.sources) > 0 {
		lctx, cancel := context.WithTimeout(ctx, a.budget)
		defer cancel()
		for _, src := range a.sources {
			pending[src.Name()] = true
			go func() {
				v, err := lookupSafely(lctx, src, t, norm)
				results <- lookupResult{source: src.Name(), verdict: v, err: err}
			}()
		}
	collect:
		for len(pending) > 0 {
			select {
			case r := <-results:
				delete(pending, r.source)
				if r.err != nil {
					res.Partial = true
					res.Unavailable = append(res.Unavailable, r.source)
					continue
				}
				if r.verdict != nil {
					v := *r.verdict
					if v.Source == "" {
						v.Source = r.source
					}
					res.External = append(res.External, v)
				}
			case <-lctx.Done():
				break collect
			}
		}
		for name := range pending {
			res.Partial = true
			res.Unavailable = append(res.Unavailable, name)
		}
		sort.Strings(res.Unavailable)
		sort.Slice(res.External, func(i, j int) bool { return res.External[i].Source < res.External[j].Source })
	}

	if ioc, ok := snap.Lookup(t, norm); ok {
		res.Known = true
		res.IOC = &ioc
		res.AssociatedThreats = associatedThreats(snap, ioc)
	}
	res.Reputation, res.Sources = a.reputation(res.IOC, res.External, start)
	res.Verdict = verdictFor(res.Reputation, res.IOC != nil || len(res.Sources) > 0)
	res.Recommendations = recommendations(res)
	res.Duration = a.now().Sub(start)
	return res, nil
}

func lookupSafely(ctx context.Context, src ExternalSource, t IOCType, value string) (v *ExternalVerdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("external source %s panicked: %v", src.Name(), r)
		}
	}()
	return src.Lookup(ctx, t, value)
}

// reputation combines evidence as independent decayed confidences and
// discounts single-source evidence. 1 means no evidence of maliciousness.
func (a *Analyzer) reputation(ioc *IOC, ext []ExternalVerdict, now time.Time) (float64, []string) {
	benign := 1.0
	var sources []string
	if ioc != nil {
		benign *= 1 - ioc.Confidence*a.decay(ioc.LastSeen, now)
		sources = unionStrings(sources, ioc.Sources)
	}
	for _, v := range ext {
		if v.Confidence <= 0 {
			continue
		}
		seen := v.LastSeen
		if seen.IsZero() {
			seen = now
		}
		benign *= 1 - clamp01(v.Confidence)*a.decay(seen, now)
		sources = unionStrings(sources, []string{v.Source})
	}
	sort.Strings(sources)
	if len(sources) == 0 {
		return 1, sources
	}
	malice := 1 - benign
	corroboration := math.Min(1, 0.5+0.25*float64(len(sources)-1))
	return clamp01(1 - malice*corroboration), sources
}

func (a *Analyzer) decay(seen, now time.Time) float64 {
	if a.halfLife <= 0 {
		return 1
	}
	age := now.Sub(seen)
	if age <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(a.halfLife))
}

func verdictFor(reputation float64, evidence bool) string {
	switch {
	case !evidence:
		return VerdictUnknown
	case reputation < 0.3:
		return VerdictMalicious
	case reputation < 0.6:
		return VerdictSuspicious
	default:
		return VerdictClean
	}
}

func associatedThreats(snap *Snapshot, ioc IOC) []AssociatedThreat {
	var out []AssociatedThreat
	for _, c := range snap.Campaigns() {
		for _, id := range c.IOCIDs {
			if id == ioc.ID {
				out = append(out, AssociatedThreat{Kind: "campaign", ID: c.ID, Name: c.Name, Confidence: c.Confidence, Active: c.IsActive})
				break
			}
		}
	}
	if ioc.Context.Actor != "" {
		if a, ok := snap.ResolveActor(ioc.Context.Actor); ok {
			out = append(out, AssociatedThreat{Kind: "actor", ID: a.ID, Name: a.Name})
		} else {
			out = append(out, AssociatedThreat{Kind: "actor", Name: ioc.Context.Actor})
		}
	}
	if ioc.Context.MalwareFamily != "" {
		out = append(out, AssociatedThreat{Kind: "malware", Name: ioc.Context.MalwareFamily})
	}
	return out
}

func recommendations(res IOCAnalysisResult) []string {
	var recs []string
	switch res.Verdict {
	case VerdictMalicious:
		switch res.Type {
		case IOCTypeIP:
			recs = append(recs, fmt.Sprintf("Block %s at the perimeter firewall", res.Value))
		case IOCTypeDomain:
			recs = append(recs, fmt.Sprintf("Sinkhole or block DNS resolution of %s", res.Value))
		case IOCTypeURL:
			recs = append(recs, fmt.Sprintf("Block %s at the web proxy", res.Value))
		case IOCTypeFileHash:
			recs = append(recs, "Quarantine files matching this hash and sweep endpoints for it")
		case IOCTypeEmail:
			recs = append(recs, fmt.Sprintf("Block sender %s and purge delivered messages", res.Value))
		case IOCTypeUserAgent:
			recs = append(recs, "Alert on HTTP requests carrying this user agent")
		}
		recs = append(recs, "Review logs for prior contact with this indicator")
	case VerdictSuspicious:
		recs = append(recs, fmt.Sprintf("Monitor %s and raise alert priority for related activity", res.Value))
	case VerdictClean:
		recs = append(recs, "No action required")
	default:
		recs = append(recs, "No intelligence available; submit for enrichment")
	}
	for _, t := range res.AssociatedThreats {
		if t.Kind == "campaign" && t.Active {
			recs = append(recs, fmt.Sprintf("Hunt for other indicators of campaign %q", t.Name))
		}
	}
	if res.IOC != nil && res.IOC.TLP == TLPRed {
		recs = append(recs, "TLP:RED, do not share beyond named recipients")
	}
	if res.Partial {
		recs = append(recs, "External lookups incomplete; re-run analysis for a full verdict")
	}
	return recs
}
