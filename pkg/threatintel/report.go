package threatintel

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ThreatLevel is the global threat posture.
type ThreatLevel string

const (
	ThreatLevelLow      ThreatLevel = "low"
	ThreatLevelGuarded  ThreatLevel = "guarded"
	ThreatLevelElevated ThreatLevel = "elevated"
	ThreatLevelHigh     ThreatLevel = "high"
	ThreatLevelSevere   ThreatLevel = "severe"
)

const highConfidenceIOC = 0.8

func levelFor(score float64) ThreatLevel {
	switch {
	case score < 0.2:
		return ThreatLevelLow
	case score < 0.4:
		return ThreatLevelGuarded
	case score < 0.6:
		return ThreatLevelElevated
	case score < 0.8:
		return ThreatLevelHigh
	default:
		return ThreatLevelSevere
	}
}

func riskScore(campaigns []ThreatCampaign, highConf int) float64 {
	maxConf, active := 0.0, 0
	for _, c := range campaigns {
		if !c.IsActive {
			continue
		}
		active++
		maxConf = math.Max(maxConf, c.Confidence)
	}
	return math.Min(1, 0.5*maxConf+0.1*float64(active)+0.02*float64(highConf))
}

// ComputeThreatLevel scores active campaigns and high-confidence indicators
// seen in the last day.
func ComputeThreatLevel(snap *Snapshot, now time.Time) (ThreatLevel, float64) {
	since := now.Add(-24 * time.Hour)
	high := 0
	for _, i := range snap.iocs {
		if !i.Superseded && i.Confidence >= highConfidenceIOC && !i.LastSeen.Before(since) {
			high++
		}
	}
	score := riskScore(snap.ActiveCampaigns(), high)
	return levelFor(score), score
}

// Timeframe is a closed time interval.
type Timeframe struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls within the timeframe.
func (tf Timeframe) Contains(t time.Time) bool {
	return !t.Before(tf.Start) && !t.After(tf.End)
}

// ReportRequest selects what a report covers. Empty filters match everything.
type ReportRequest struct {
	Timeframe Timeframe `json:"timeframe"`
	Sectors   []string  `json:"sectors,omitempty"`
	Geography []string  `json:"geography,omitempty"`
}

// ThreatIntelligenceReport summarizes stored intelligence for a window.
type ThreatIntelligenceReport struct {
	ID              string           `json:"id"`
	GeneratedAt     time.Time        `json:"generated_at"`
	Timeframe       Timeframe        `json:"timeframe"`
	Sectors         []string         `json:"sectors,omitempty"`
	Geography       []string         `json:"geography,omitempty"`
	KeyFindings     []string         `json:"key_findings"`
	Recommendations []string         `json:"recommendations"`
	IOCs            []IOC            `json:"iocs"`
	TTPs            []TTP            `json:"ttps"`
	Campaigns       []ThreatCampaign `json:"campaigns"`
	RiskLevel       ThreatLevel      `json:"risk_level"`
	Confidence      float64          `json:"confidence"`
}

// BuildReport derives a report from one snapshot. It has no side effects.
func BuildReport(snap *Snapshot, req ReportRequest, now time.Time) ThreatIntelligenceReport {
	r := ThreatIntelligenceReport{
		ID:          uuid.NewString(),
		GeneratedAt: now,
		Timeframe:   req.Timeframe,
		Sectors:     req.Sectors,
		Geography:   req.Geography,
		IOCs:        []IOC{},
		TTPs:        []TTP{},
		Campaigns:   []ThreatCampaign{},
	}

	selected := map[string]bool{}
	var confSum float64
	high := 0
	for _, i := range snap.IOCs() {
		if i.Superseded || !req.Timeframe.Contains(i.LastSeen) {
			continue
		}
		if !matchesSectors(snap, i, req.Sectors) || !matchesGeography(i, req.Geography) {
			continue
		}
		selected[i.ID] = true
		r.IOCs = append(r.IOCs, i)
		confSum += i.Confidence
		if i.Confidence >= highConfidenceIOC {
			high++
		}
	}
	if len(r.IOCs) > 0 {
		r.Confidence = confSum / float64(len(r.IOCs))
	}

	var ttpIDs []string
	for _, c := range snap.Campaigns() {
		for _, id := range c.IOCIDs {
			if selected[id] {
				r.Campaigns = append(r.Campaigns, c)
				ttpIDs = unionStrings(ttpIDs, c.TTPs)
				break
			}
		}
	}
	for _, i := range r.IOCs {
		ttpIDs = unionStrings(ttpIDs, i.Context.TTPs)
	}
	sort.Strings(ttpIDs)
	for _, id := range ttpIDs {
		if t, ok := snap.TTP(id); ok {
			r.TTPs = append(r.TTPs, t)
		} else {
			r.TTPs = append(r.TTPs, TTP{ID: id, MitreID: id})
		}
	}

	r.RiskLevel = levelFor(riskScore(r.Campaigns, high))
	r.KeyFindings = keyFindings(snap, r)
	r.Recommendations = reportRecommendations(r)
	return r
}

func matchesSectors(snap *Snapshot, i IOC, sectors []string) bool {
	if len(sectors) == 0 {
		return true
	}
	candidates := append([]string(nil), i.Context.Sectors...)
	if a, ok := snap.ResolveActor(i.Context.Actor); ok {
		candidates = append(candidates, a.TargetSectors...)
	}
	return anyEqualFold(candidates, sectors)
}

func matchesGeography(i IOC, geography []string) bool {
	if len(geography) == 0 {
		return true
	}
	g := i.Context.Geo
	if g.empty() {
		return false
	}
	return anyEqualFold([]string{g.Country, g.Region, g.City}, geography)
}

func anyEqualFold(have, want []string) bool {
	for _, h := range have {
		if h == "" {
			continue
		}
		for _, w := range want {
			if strings.EqualFold(h, w) {
				return true
			}
		}
	}
	return false
}

func keyFindings(snap *Snapshot, r ThreatIntelligenceReport) []string {
	if len(r.IOCs) == 0 {
		return []string{"No indicators observed in the selected timeframe"}
	}
	findings := []string{fmt.Sprintf("%d indicators observed between %s and %s",
		len(r.IOCs), r.Timeframe.Start.UTC().Format(time.RFC3339), r.Timeframe.End.UTC().Format(time.RFC3339))}

	types := map[string]int{}
	actors := map[string]int{}
	techniques := map[string]int{}
	for _, i := range r.IOCs {
		types[string(i.Type)]++
		if i.Context.Actor != "" {
			name := i.Context.Actor
			if a, ok := snap.ResolveActor(name); ok && a.Name != "" {
				name = a.Name
			}
			actors[name]++
		}
		for _, t := range i.Context.TTPs {
			techniques[t]++
		}
	}
	if k, n := top(types); n > 0 {
		findings = append(findings, fmt.Sprintf("Most frequent indicator type: %s (%d)", k, n))
	}
	if k, n := top(actors); n > 0 {
		findings = append(findings, fmt.Sprintf("Most active actor: %s (%d indicators)", k, n))
	}
	if k, n := top(techniques); n > 0 {
		findings = append(findings, fmt.Sprintf("Most observed technique: %s (%d indicators)", k, n))
	}

	active := 0
	var strongest *ThreatCampaign
	for idx := range r.Campaigns {
		c := &r.Campaigns[idx]
		if !c.IsActive {
			continue
		}
		active++
		if strongest == nil || c.Confidence > strongest.Confidence {
			strongest = c
		}
	}
	if strongest != nil {
		findings = append(findings, fmt.Sprintf("%d active campaigns; strongest %q at %.2f confidence", active, strongest.Name, strongest.Confidence))
	}
	findings = append(findings, fmt.Sprintf("Overall risk level %s", r.RiskLevel))
	return findings
}

func top(counts map[string]int) (string, int) {
	best, n := "", 0
	for k, v := range counts {
		if v > n || (v == n && k < best) {
			best, n = k, v
		}
	}
	return best, n
}

func reportRecommendations(r ThreatIntelligenceReport) []string {
	var recs []string
	switch r.RiskLevel {
	case ThreatLevelSevere, ThreatLevelHigh:
		recs = append(recs, "Raise monitoring posture and review emergency response readiness")
	case ThreatLevelElevated:
		recs = append(recs, "Increase scan frequency on exposed assets")
	}

	blockable := 0
	for _, i := range r.IOCs {
		if i.Confidence >= highConfidenceIOC && (i.Type == IOCTypeIP || i.Type == IOCTypeDomain || i.Type == IOCTypeURL) {
			blockable++
		}
	}
	if blockable > 0 {
		recs = append(recs, fmt.Sprintf("Block %d high-confidence network indicators", blockable))
	}
	for _, c := range r.Campaigns {
		if c.IsActive {
			recs = append(recs, fmt.Sprintf("Hunt for further indicators of campaign %q", c.Name))
		}
	}
	for _, t := range r.TTPs {
		if t.Mitigation != "" {
			recs = append(recs, fmt.Sprintf("%s: %s", t.MitreID, t.Mitigation))
		}
	}
	if len(recs) == 0 {
		recs = append(recs, "Maintain current security posture")
	}
	return recs
}
