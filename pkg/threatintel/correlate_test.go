package threatintel

import (
	"fmt"
	"testing"
	"time"

	"github.com/lucid-vigil/warden/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func correlationConfig() config.CorrelationConfig {
	return config.Default().Correlation
}

func seed(t *testing.T, s *Store, iocs ...IOC) []string {
	t.Helper()
	var ids []string
	_, err := s.Update(func(tx *Tx) error {
		for _, in := range iocs {
			out, _, err := tx.UpsertIOC(in, in.FirstSeen)
			if err != nil {
				return err
			}
			ids = append(ids, out.ID)
		}
		return nil
	})
	require.NoError(t, err)
	return ids
}

func promote(t *testing.T, s *Store, cands []Candidate, cfg config.CorrelationConfig, now time.Time) Promotion {
	t.Helper()
	var p Promotion
	_, err := s.Update(func(tx *Tx) error {
		var err error
		p, err = Promote(tx, cands, cfg, now)
		return err
	})
	require.NoError(t, err)
	return p
}

func TestCorrelate_SharedActorAndTechniquesPromotesOneCampaign(t *testing.T) {
	s := NewStore()
	cfg := correlationConfig()
	now := t0

	ids := seed(t, s,
		IOC{Type: IOCTypeIP, Value: "198.51.100.7", FirstSeen: now.Add(-5 * time.Minute), Confidence: 0.7, Sources: []string{"a"},
			Context: IOCContext{Actor: "APT29", TTPs: []string{"T1566", "T1059"}}},
		IOC{Type: IOCTypeDomain, Value: "login-portal.example", FirstSeen: now.Add(-4 * time.Minute), Confidence: 0.7, Sources: []string{"b"},
			Context: IOCContext{Actor: "apt29", TTPs: []string{"T1059", "T1566"}}},
	)

	pass := Correlate(s.Snapshot(), cfg, now)
	require.Len(t, pass.Candidates, 1)
	cand := pass.Candidates[0]
	assert.Greater(t, cand.Confidence, cfg.PromotionThreshold)
	assert.ElementsMatch(t, ids, cand.IOCIDs)
	assert.Equal(t, 1.0, cand.Scores[DimensionActor])
	assert.Equal(t, 1.0, cand.Scores[DimensionTTP])
	assert.Equal(t, "apt29", cand.ActorID)

	p := promote(t, s, pass.Candidates, cfg, now)
	require.Len(t, p.Created, 1)
	assert.Len(t, s.Snapshot().Campaigns(), 1)

	c, ok := s.Snapshot().Campaign(p.Created[0])
	require.True(t, ok)
	assert.True(t, c.IsActive)
	assert.ElementsMatch(t, ids, c.IOCIDs)
	assert.Equal(t, []string{"T1059", "T1566"}, c.TTPs)
	require.Len(t, c.Timeline, 1)
	assert.Equal(t, CampaignEventCreated, c.Timeline[0].Type)

	again := promote(t, s, Correlate(s.Snapshot(), cfg, now).Candidates, cfg, now)
	assert.Empty(t, again.Created)
	assert.Empty(t, again.Merged)
	assert.Len(t, s.Snapshot().Campaigns(), 1)
}

func TestCorrelate_SharedActorAndTechniquesAcrossOverlapAndGaps(t *testing.T) {
	pair := []string{"T1566", "T1059"}
	tests := []struct {
		name       string
		ttpsA      []string
		ttpsB      []string
		firstA     time.Duration
		lastA      time.Duration
		firstB     time.Duration
		temporal   float64
		confidence float64
	}{
		{"identical techniques one minute apart", pair, pair, -5 * time.Minute, 0, -4 * time.Minute, 1 - 1.0/60, (0.2*(1-1.0/60) + 0.35 + 0.25) / 0.8},
		{"identical techniques beyond temporal delta", pair, pair, -40 * time.Minute, 0, -10 * time.Minute, 0, 0.75},
		{"two of four shared one minute apart", []string{"T1566", "T1059", "T1105", "T1027"}, []string{"T1059", "T1566", "T1071", "T1486"},
			-5 * time.Minute, 0, -4 * time.Minute, 1 - 1.0/60, (0.2*(1-1.0/60) + 0.35 + 0.25) / 0.8},
		{"two of four shared beyond temporal delta", []string{"T1566", "T1059", "T1105", "T1027"}, []string{"T1059", "T1566", "T1071", "T1486"},
			-40 * time.Minute, 0, -10 * time.Minute, 0, 0.75},
		{"first sighting older than the window", []string{"T1566", "T1059", "T1105"}, pair, -3 * time.Hour, -time.Minute, -2 * time.Minute, 0, 0.75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			cfg := correlationConfig()
			a := IOC{Type: IOCTypeIP, Value: "198.51.100.7", FirstSeen: t0.Add(tt.firstA), Context: IOCContext{Actor: "APT29", TTPs: tt.ttpsA}}
			if tt.lastA != 0 {
				a.LastSeen = t0.Add(tt.lastA)
			}
			b := IOC{Type: IOCTypeDomain, Value: "login-portal.example", FirstSeen: t0.Add(tt.firstB), Context: IOCContext{Actor: "APT29", TTPs: tt.ttpsB}}
			seed(t, s, a, b)

			pass := Correlate(s.Snapshot(), cfg, t0)
			require.Len(t, pass.Candidates, 1)
			cand := pass.Candidates[0]
			assert.Equal(t, 1.0, cand.Scores[DimensionActor])
			assert.Equal(t, 1.0, cand.Scores[DimensionTTP])
			assert.InDelta(t, tt.temporal, cand.Scores[DimensionTemporal], 1e-9)
			assert.InDelta(t, tt.confidence, cand.Confidence, 1e-9)
			assert.Greater(t, cand.Confidence, cfg.PromotionThreshold)

			p := promote(t, s, pass.Candidates, cfg, t0)
			assert.Len(t, p.Created, 1)
			assert.Len(t, s.Snapshot().Campaigns(), 1)
		})
	}
}

func TestCorrelate_PromotionThresholdBoundary(t *testing.T) {
	tests := []struct {
		name     string
		span     time.Duration
		campaign bool
	}{
		{"just above", 48 * time.Minute, true},
		{"just below", 51 * time.Minute, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			cfg := correlationConfig()
			cfg.TemporalDelta = 55 * time.Minute
			seed(t, s,
				IOC{Type: IOCTypeIP, Value: "192.0.2.1", FirstSeen: t0.Add(-55 * time.Minute), Context: IOCContext{Actor: "FIN7"}},
				IOC{Type: IOCTypeIP, Value: "192.0.2.2", FirstSeen: t0.Add(-55*time.Minute + tt.span), Context: IOCContext{Actor: "FIN7"}},
			)

			pass := Correlate(s.Snapshot(), cfg, t0)
			require.Len(t, pass.Candidates, 1)
			temporal := 1 - tt.span.Minutes()/60
			assert.InDelta(t, (0.2*temporal+0.35)/0.55, pass.Candidates[0].Confidence, 1e-9, "technique and geographic dimensions are not applicable")

			p := promote(t, s, pass.Candidates, cfg, t0)
			if tt.campaign {
				assert.Greater(t, pass.Candidates[0].Confidence, cfg.PromotionThreshold)
				assert.Len(t, p.Created, 1)
			} else {
				assert.Less(t, pass.Candidates[0].Confidence, cfg.PromotionThreshold)
				assert.Empty(t, p.Created)
				assert.Empty(t, s.Snapshot().Campaigns())
			}
		})
	}
}

func TestCorrelate_GeographicOnlyLinkIsReportedNotPromoted(t *testing.T) {
	s := NewStore()
	berlin := &Geo{Country: "DE", Region: "BE", City: "Berlin"}
	ids := seed(t, s,
		IOC{Type: IOCTypeIP, Value: "192.0.2.1", FirstSeen: t0.Add(-50 * time.Minute), Context: IOCContext{Geo: berlin}},
		IOC{Type: IOCTypeIP, Value: "192.0.2.2", FirstSeen: t0.Add(-time.Minute), Context: IOCContext{Geo: berlin}},
	)

	pass := Correlate(s.Snapshot(), correlationConfig(), t0)
	assert.Empty(t, pass.Candidates)

	strengths := map[float64]bool{}
	for _, c := range pass.Correlations {
		assert.Equal(t, DimensionGeographic, c.Dimension, "sightings are too far apart for a temporal link")
		assert.ElementsMatch(t, ids, c.IOCIDs)
		strengths[c.Strength] = true
	}
	assert.Equal(t, map[float64]bool{geoCityStrength: true, geoRegionStrength: true, geoCountryStrength: true}, strengths)
}

func TestCorrelate_FiveIndicatorScenario(t *testing.T) {
	s := NewStore()
	cfg := correlationConfig()
	now := t0

	var in []IOC
	for n := 0; n < 5; n++ {
		in = append(in, IOC{
			Type:       IOCTypeIP,
			Value:      fmt.Sprintf("203.0.113.%d", n+1),
			FirstSeen:  now.Add(-10*time.Minute + time.Duration(n)*30*time.Second),
			Confidence: 0.6,
			Sources:    []string{"feed"},
			Context:    IOCContext{Actor: "FIN7", Geo: &Geo{Country: "RU"}},
		})
	}
	ids := seed(t, s, in...)

	pass := Correlate(s.Snapshot(), cfg, now)
	require.Len(t, pass.Candidates, 1)
	cand := pass.Candidates[0]
	assert.GreaterOrEqual(t, cand.Confidence, 0.8)
	assert.InDelta(t, 0.884, cand.Confidence, 0.005)
	assert.InDelta(t, 1-2.0/60, cand.Scores[DimensionTemporal], 1e-9)
	assert.InDelta(t, geoCountryStrength, cand.Scores[DimensionGeographic], 1e-9)

	p := promote(t, s, pass.Candidates, cfg, now)
	require.Len(t, p.Created, 1)
	campaigns := s.Snapshot().ActiveCampaigns()
	require.Len(t, campaigns, 1)
	assert.ElementsMatch(t, ids, campaigns[0].IOCIDs)
	assert.GreaterOrEqual(t, campaigns[0].Confidence, 0.8)
	assert.Equal(t, now.Add(-10*time.Minute), campaigns[0].StartDate)
}

func TestCorrelate_AttributesUntaggedIndicatorsByTechniqueOverlap(t *testing.T) {
	s := NewStore()
	cfg := correlationConfig()
	_, err := s.Update(func(tx *Tx) error {
		tx.PutActor(ThreatActor{ID: "apt28", Name: "APT28", KnownTTPs: []string{"T1566", "T1059", "T1105"}})
		return nil
	})
	require.NoError(t, err)

	seed(t, s,
		IOC{Type: IOCTypeIP, Value: "192.0.2.1", FirstSeen: t0.Add(-3 * time.Minute), Context: IOCContext{TTPs: []string{"T1566", "T1059"}}},
		IOC{Type: IOCTypeIP, Value: "192.0.2.2", FirstSeen: t0.Add(-2 * time.Minute), Context: IOCContext{TTPs: []string{"T1566", "T1059"}}},
	)

	pass := Correlate(s.Snapshot(), cfg, t0)
	require.Len(t, pass.Candidates, 1)
	cand := pass.Candidates[0]
	assert.Equal(t, "apt28", cand.ActorID)
	assert.InDelta(t, 2.0/3, cand.Scores[DimensionActor], 1e-9)
	assert.Greater(t, cand.Confidence, cfg.PromotionThreshold)

	p := promote(t, s, pass.Candidates, cfg, t0)
	require.Len(t, p.Created, 1)
	c, _ := s.Snapshot().Campaign(p.Created[0])
	assert.Equal(t, "apt28", c.ActorID)
	assert.Contains(t, c.Name, "APT28")
}

func TestCorrelate_UnlinkedIndicatorsProduceNoCandidate(t *testing.T) {
	s := NewStore()
	seed(t, s,
		IOC{Type: IOCTypeIP, Value: "192.0.2.1", FirstSeen: t0.Add(-time.Minute), Context: IOCContext{Geo: &Geo{Country: "US"}}},
		IOC{Type: IOCTypeIP, Value: "192.0.2.2", FirstSeen: t0.Add(-time.Minute), Context: IOCContext{Geo: &Geo{Country: "US"}}},
	)

	pass := Correlate(s.Snapshot(), correlationConfig(), t0)
	assert.Empty(t, pass.Candidates)
	assert.NotEmpty(t, pass.Correlations, "temporal and geographic groups are still reported")
}

func TestCorrelate_IgnoresSupersededAndOutOfWindow(t *testing.T) {
	s := NewStore()
	cfg := correlationConfig()
	ids := seed(t, s,
		IOC{Type: IOCTypeIP, Value: "192.0.2.1", FirstSeen: t0.Add(-time.Minute), Context: IOCContext{Actor: "x"}},
		IOC{Type: IOCTypeIP, Value: "192.0.2.2", FirstSeen: t0.Add(-time.Minute), Context: IOCContext{Actor: "x"}},
		IOC{Type: IOCTypeIP, Value: "192.0.2.3", FirstSeen: t0.Add(-3 * time.Hour), Context: IOCContext{Actor: "x"}},
	)
	_, err := s.Update(func(tx *Tx) error { return tx.Supersede(ids[0], ids[1]) })
	require.NoError(t, err)

	pass := Correlate(s.Snapshot(), cfg, t0)
	assert.Equal(t, 1, pass.WindowIOCs)
	assert.Empty(t, pass.Candidates)
}

func TestPromote_MergesIntoCoveringCampaign(t *testing.T) {
	s := NewStore()
	cfg := correlationConfig()
	tagged := func(v string, at time.Time) IOC {
		return IOC{Type: IOCTypeIP, Value: v, FirstSeen: at, Context: IOCContext{Actor: "FIN7", TTPs: []string{"T1566", "T1204"}}}
	}

	first := seed(t, s, tagged("192.0.2.1", t0.Add(-20*time.Minute)), tagged("192.0.2.2", t0.Add(-19*time.Minute)))
	p := promote(t, s, Correlate(s.Snapshot(), cfg, t0).Candidates, cfg, t0)
	require.Len(t, p.Created, 1)
	campaignID := p.Created[0]

	later := t0.Add(5 * time.Minute)
	third := seed(t, s, tagged("192.0.2.3", t0.Add(2*time.Minute)))
	p = promote(t, s, Correlate(s.Snapshot(), cfg, later).Candidates, cfg, later)
	assert.Empty(t, p.Created)
	require.Equal(t, []string{campaignID}, p.Merged)

	c, _ := s.Snapshot().Campaign(campaignID)
	assert.ElementsMatch(t, append(first, third...), c.IOCIDs)
	require.Len(t, c.Timeline, 2)
	assert.Equal(t, CampaignEventMerged, c.Timeline[1].Type)
	assert.Equal(t, third, c.Timeline[1].IOCIDs)
	assert.Equal(t, t0.Add(2*time.Minute), c.LastActivity)
}

func TestPromote_CoverageThresholdBoundary(t *testing.T) {
	setup := func(t *testing.T) (*Store, []string, string) {
		s := NewStore()
		var in []IOC
		for n := 0; n < 5; n++ {
			in = append(in, IOC{Type: IOCTypeIP, Value: fmt.Sprintf("192.0.2.%d", n+1), FirstSeen: t0})
		}
		ids := seed(t, s, in...)
		p := promote(t, s, []Candidate{{IOCIDs: ids[:2], Confidence: 0.8}}, correlationConfig(), t0)
		require.Len(t, p.Created, 1)
		return s, ids, p.Created[0]
	}

	t.Run("half covered merges", func(t *testing.T) {
		s, ids, existing := setup(t)
		p := promote(t, s, []Candidate{{IOCIDs: ids[:4], Confidence: 0.8}}, correlationConfig(), t0)
		assert.Empty(t, p.Created)
		assert.Equal(t, []string{existing}, p.Merged)

		c, _ := s.Snapshot().Campaign(existing)
		assert.ElementsMatch(t, ids[:4], c.IOCIDs)
		assert.Len(t, s.Snapshot().Campaigns(), 1)
	})

	t.Run("under half creates a campaign from free indicators", func(t *testing.T) {
		s, ids, existing := setup(t)
		p := promote(t, s, []Candidate{{IOCIDs: ids, Confidence: 0.8}}, correlationConfig(), t0)
		assert.Empty(t, p.Merged)
		require.Len(t, p.Created, 1)

		c, _ := s.Snapshot().Campaign(p.Created[0])
		assert.ElementsMatch(t, ids[2:], c.IOCIDs)
		old, _ := s.Snapshot().Campaign(existing)
		assert.ElementsMatch(t, ids[:2], old.IOCIDs)
	})
}

func TestPromote_BelowThresholdDoesNothing(t *testing.T) {
	s := NewStore()
	cfg := correlationConfig()
	ids := seed(t, s,
		IOC{Type: IOCTypeIP, Value: "192.0.2.1", FirstSeen: t0},
		IOC{Type: IOCTypeIP, Value: "192.0.2.2", FirstSeen: t0},
	)
	p := promote(t, s, []Candidate{{IOCIDs: ids, Confidence: 0.69}}, cfg, t0)
	assert.Empty(t, p.Created)
	assert.Empty(t, s.Snapshot().Campaigns())
}

func TestExpireCampaigns(t *testing.T) {
	s := NewStore()
	cfg := correlationConfig()
	ids := seed(t, s,
		IOC{Type: IOCTypeIP, Value: "192.0.2.1", FirstSeen: t0, Context: IOCContext{Actor: "x", TTPs: []string{"T1", "T2"}}},
		IOC{Type: IOCTypeIP, Value: "192.0.2.2", FirstSeen: t0, Context: IOCContext{Actor: "x", TTPs: []string{"T1", "T2"}}},
	)
	p := promote(t, s, Correlate(s.Snapshot(), cfg, t0).Candidates, cfg, t0)
	require.Len(t, p.Created, 1)

	var expired []string
	_, err := s.Update(func(tx *Tx) error {
		var err error
		expired, err = ExpireCampaigns(tx, cfg.CampaignRetention, t0.Add(cfg.CampaignRetention-time.Minute))
		return err
	})
	require.NoError(t, err)
	assert.Empty(t, expired)

	end := t0.Add(cfg.CampaignRetention + time.Minute)
	_, err = s.Update(func(tx *Tx) error {
		var err error
		expired, err = ExpireCampaigns(tx, cfg.CampaignRetention, end)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, p.Created, expired)

	c, _ := s.Snapshot().Campaign(p.Created[0])
	assert.False(t, c.IsActive)
	require.NotNil(t, c.EndDate)
	assert.Equal(t, end, *c.EndDate)
	assert.Equal(t, CampaignEventExpired, c.Timeline[len(c.Timeline)-1].Type)
	_, ok := s.Snapshot().ActiveCampaignOf(ids[0])
	assert.False(t, ok, "indicators are free for a new campaign")
}

func TestTemporalGroups(t *testing.T) {
	mk := func(id string, offset time.Duration) *IOC { return &IOC{ID: id, FirstSeen: t0.Add(offset)} }
	sorted := []*IOC{mk("a", 0), mk("b", 5*time.Minute), mk("c", 14*time.Minute), mk("d", 40*time.Minute), mk("e", 41*time.Minute), mk("f", 59*time.Minute)}

	groups := temporalGroups(sorted, 10*time.Minute, time.Hour)
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"a", "b", "c"}, groups[0].members)
	assert.InDelta(t, 1-14.0/60, groups[0].strength, 1e-9)
	assert.Equal(t, []string{"d", "e"}, groups[1].members)
}

func TestGeoGroups_FinerGranularityIsStronger(t *testing.T) {
	s := NewStore()
	cfg := correlationConfig()
	seed(t, s,
		IOC{Type: IOCTypeIP, Value: "192.0.2.1", FirstSeen: t0, Context: IOCContext{Actor: "x", Geo: &Geo{Country: "DE", Region: "BE", City: "Berlin"}}},
		IOC{Type: IOCTypeIP, Value: "192.0.2.2", FirstSeen: t0, Context: IOCContext{Actor: "x", Geo: &Geo{Country: "DE", Region: "BE", City: "Berlin"}}},
		IOC{Type: IOCTypeIP, Value: "192.0.2.3", FirstSeen: t0, Context: IOCContext{Actor: "y", Geo: &Geo{Country: "FR", ASN: "AS16276"}}},
		IOC{Type: IOCTypeIP, Value: "192.0.2.4", FirstSeen: t0, Context: IOCContext{Actor: "y", Geo: &Geo{Country: "NL", ASN: "as16276"}}},
	)

	pass := Correlate(s.Snapshot(), cfg, t0)
	require.Len(t, pass.Candidates, 2)
	scores := map[string]float64{}
	for _, c := range pass.Candidates {
		scores[c.ActorID] = c.Scores[DimensionGeographic]
	}
	assert.Equal(t, geoCityStrength, scores["x"])
	assert.Equal(t, geoASNStrength, scores["y"])
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, 1.0, jaccard([]string{"T1", "T2"}, []string{"t2", "t1"}))
	assert.InDelta(t, 1.0/3, jaccard([]string{"T1", "T2"}, []string{"T2", "T3"}), 1e-9)
	assert.Equal(t, 0.0, jaccard(nil, []string{"T1"}))
	assert.Equal(t, 2, sharedCount([]string{"T1", "T2", "T3"}, []string{"T2", "T3", "T3"}))
}
