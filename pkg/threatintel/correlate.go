package threatintel

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lucid-vigil/warden/pkg/config"
)

// Geographic granularity strengths, finest first.
const (
	geoCityStrength    = 1.0
	geoASNStrength     = 0.9
	geoRegionStrength  = 0.8
	geoCountryStrength = 0.6
)

// Candidate is a cluster of indicators the pass considers for promotion.
type Candidate struct {
	IOCIDs       []string              `json:"ioc_ids"`
	Confidence   float64               `json:"confidence"`
	Scores       map[Dimension]float64 `json:"scores"`
	Correlations []Correlation         `json:"correlations"`
	ActorID      string                `json:"actor_id,omitempty"`
	TTPs         []string              `json:"ttps,omitempty"`
	applicable   map[Dimension]bool
}

// PassResult is the outcome of one correlation pass.
type PassResult struct {
	At           time.Time     `json:"at"`
	WindowIOCs   int           `json:"window_iocs"`
	Correlations []Correlation `json:"correlations"`
	Candidates   []Candidate   `json:"candidates"`
}

type group struct {
	dim      Dimension
	key      string
	strength float64
	members  []string
}

func (g group) correlation() Correlation {
	return Correlation{Dimension: g.dim, Strength: g.strength, IOCIDs: append([]string(nil), g.members...)}
}

// Correlate runs the temporal, geographic, actor and technique analyses
// over indicators last seen within the window and scores each cluster of
// actor- or technique-linked indicators. It does not modify the store.
func Correlate(snap *Snapshot, cfg config.CorrelationConfig, now time.Time) PassResult {
	iocs := windowIOCs(snap, now.Add(-cfg.Window))
	res := PassResult{At: now, WindowIOCs: len(iocs)}
	if len(iocs) < 2 {
		return res
	}

	byID := make(map[string]*IOC, len(iocs))
	for _, i := range iocs {
		byID[i.ID] = i
	}

	temporal := temporalGroups(iocs, cfg.TemporalDelta, cfg.Window)
	geo := geoGroups(iocs)
	actor := actorGroups(snap, iocs, cfg.JaccardThreshold)
	ttp := ttpGroups(iocs, cfg.MinSharedTTPs)

	for _, gs := range [][]group{temporal, geo, actor, ttp} {
		for _, g := range gs {
			res.Correlations = append(res.Correlations, g.correlation())
		}
	}

	uf := newUnionFind()
	for _, gs := range [][]group{actor, ttp} {
		for _, g := range gs {
			for _, m := range g.members[1:] {
				uf.union(g.members[0], m)
			}
		}
	}

	for _, members := range uf.sets() {
		if len(members) < 2 {
			continue
		}
		res.Candidates = append(res.Candidates, scoreCluster(members, byID, cfg.Weights, map[Dimension][]group{
			DimensionTemporal:   temporal,
			DimensionGeographic: geo,
			DimensionActor:      actor,
			DimensionTTP:        ttp,
		}))
	}
	sort.Slice(res.Candidates, func(a, b int) bool {
		return res.Candidates[a].IOCIDs[0] < res.Candidates[b].IOCIDs[0]
	})
	return res
}

func windowIOCs(snap *Snapshot, since time.Time) []*IOC {
	var out []*IOC
	for _, i := range snap.iocs {
		if i.Superseded || i.LastSeen.Before(since) {
			continue
		}
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].FirstSeen.Equal(out[b].FirstSeen) {
			return out[a].FirstSeen.Before(out[b].FirstSeen)
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// temporalGroups links indicators whose first sightings are within delta of
// their neighbour. Strength falls linearly with the group's time span.
func temporalGroups(sorted []*IOC, delta, window time.Duration) []group {
	var groups []group
	flush := func(run []*IOC) {
		if len(run) < 2 {
			return
		}
		span := run[len(run)-1].FirstSeen.Sub(run[0].FirstSeen)
		g := group{dim: DimensionTemporal, key: run[0].FirstSeen.Format(time.RFC3339), strength: clamp01(1 - float64(span)/float64(window))}
		for _, i := range run {
			g.members = append(g.members, i.ID)
		}
		groups = append(groups, g)
	}

	start := 0
	for n := 1; n <= len(sorted); n++ {
		if n == len(sorted) || sorted[n].FirstSeen.Sub(sorted[n-1].FirstSeen) > delta {
			flush(sorted[start:n])
			start = n
		}
	}
	return groups
}

func geoGroups(iocs []*IOC) []group {
	type level struct {
		strength float64
		key      func(g *Geo) string
	}
	levels := []level{
		{geoCityStrength, func(g *Geo) string {
			if g.City == "" {
				return ""
			}
			return "city:" + strings.ToLower(g.Country+"|"+g.Region+"|"+g.City)
		}},
		{geoASNStrength, func(g *Geo) string {
			if g.ASN == "" {
				return ""
			}
			return "asn:" + strings.ToUpper(g.ASN)
		}},
		{geoRegionStrength, func(g *Geo) string {
			if g.Region == "" {
				return ""
			}
			return "region:" + strings.ToLower(g.Country+"|"+g.Region)
		}},
		{geoCountryStrength, func(g *Geo) string {
			if g.Country == "" {
				return ""
			}
			return "country:" + strings.ToLower(g.Country)
		}},
	}

	var groups []group
	for _, lv := range levels {
		buckets := map[string][]string{}
		var keys []string
		for _, i := range iocs {
			if i.Context.Geo.empty() {
				continue
			}
			k := lv.key(i.Context.Geo)
			if k == "" {
				continue
			}
			if _, ok := buckets[k]; !ok {
				keys = append(keys, k)
			}
			buckets[k] = append(buckets[k], i.ID)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if len(buckets[k]) >= 2 {
				groups = append(groups, group{dim: DimensionGeographic, key: k, strength: lv.strength, members: buckets[k]})
			}
		}
	}
	return groups
}

// actorGroups attributes each indicator either through its actor tag or, when
// untagged, through the known actor whose technique set it overlaps best.
func actorGroups(snap *Snapshot, iocs []*IOC, threshold float64) []group {
	type attribution struct {
		ids      []string
		strength float64
	}
	byActor := map[string]*attribution{}
	var keys []string
	add := func(key, id string, strength float64) {
		a, ok := byActor[key]
		if !ok {
			a = &attribution{}
			byActor[key] = a
			keys = append(keys, key)
		}
		a.ids = append(a.ids, id)
		a.strength += strength
	}

	actors := snap.Actors()
	for _, i := range iocs {
		if tag := i.Context.Actor; tag != "" {
			if a, ok := snap.ResolveActor(tag); ok {
				add(a.ID, i.ID, 1)
			} else {
				add(strings.ToLower(tag), i.ID, 1)
			}
			continue
		}
		if len(i.Context.TTPs) == 0 {
			continue
		}
		best, bestScore := "", 0.0
		for _, a := range actors {
			if s := jaccard(i.Context.TTPs, a.KnownTTPs); s >= threshold && s > bestScore {
				best, bestScore = a.ID, s
			}
		}
		if best != "" {
			add(best, i.ID, bestScore)
		}
	}

	sort.Strings(keys)
	var groups []group
	for _, k := range keys {
		a := byActor[k]
		if len(a.ids) < 2 {
			continue
		}
		groups = append(groups, group{dim: DimensionActor, key: k, strength: a.strength / float64(len(a.ids)), members: a.ids})
	}
	return groups
}

// ttpGroups connects indicator pairs sharing at least minShared techniques
// and returns the connected components. Meeting minShared is a full-strength
// technique match; extra techniques carried by only one side do not weaken it.
func ttpGroups(iocs []*IOC, minShared int) []group {
	if minShared < 1 {
		minShared = 1
	}
	var withTTPs []*IOC
	for _, i := range iocs {
		if len(i.Context.TTPs) >= minShared {
			withTTPs = append(withTTPs, i)
		}
	}

	uf := newUnionFind()
	for x := 0; x < len(withTTPs); x++ {
		for y := x + 1; y < len(withTTPs); y++ {
			a, b := withTTPs[x], withTTPs[y]
			if sharedCount(a.Context.TTPs, b.Context.TTPs) >= minShared {
				uf.union(a.ID, b.ID)
			}
		}
	}

	var groups []group
	for _, members := range uf.sets() {
		if len(members) < 2 {
			continue
		}
		groups = append(groups, group{dim: DimensionTTP, key: members[0], strength: 1, members: members})
	}
	sort.Slice(groups, func(a, b int) bool { return groups[a].key < groups[b].key })
	return groups
}

// scoreCluster computes each dimension's coverage-weighted strength and
// combines them. Geographic and technique dimensions only count when at
// least two members carry that data.
func scoreCluster(members []string, byID map[string]*IOC, w config.CorrelationWeights, groups map[Dimension][]group) Candidate {
	sort.Slice(members, func(a, b int) bool {
		ia, ib := byID[members[a]], byID[members[b]]
		if !ia.FirstSeen.Equal(ib.FirstSeen) {
			return ia.FirstSeen.Before(ib.FirstSeen)
		}
		return ia.ID < ib.ID
	})
	in := make(map[string]bool, len(members))
	geoCount, ttpCount := 0, 0
	var ttps []string
	for _, id := range members {
		in[id] = true
		i := byID[id]
		if !i.Context.Geo.empty() {
			geoCount++
		}
		if len(i.Context.TTPs) > 0 {
			ttpCount++
		}
		ttps = unionStrings(ttps, i.Context.TTPs)
	}
	sort.Strings(ttps)

	c := Candidate{
		IOCIDs:     members,
		Scores:     map[Dimension]float64{},
		TTPs:       ttps,
		applicable: map[Dimension]bool{DimensionTemporal: true, DimensionActor: true, DimensionGeographic: geoCount >= 2, DimensionTTP: ttpCount >= 2},
	}
	weights := map[Dimension]float64{
		DimensionTemporal:   w.Temporal,
		DimensionGeographic: w.Geographic,
		DimensionActor:      w.Actor,
		DimensionTTP:        w.TTP,
	}

	var num, den float64
	bestActorOverlap := 0
	for _, dim := range []Dimension{DimensionTemporal, DimensionGeographic, DimensionActor, DimensionTTP} {
		var best float64
		var bestIDs []string
		for _, g := range groups[dim] {
			var overlap []string
			for _, m := range g.members {
				if in[m] {
					overlap = append(overlap, m)
				}
			}
			if len(overlap) < 2 {
				continue
			}
			if dim == DimensionActor && len(overlap) > bestActorOverlap {
				bestActorOverlap = len(overlap)
				c.ActorID = g.key
			}
			if s := g.strength * float64(len(overlap)) / float64(len(members)); s > best {
				best, bestIDs = s, overlap
			}
		}
		c.Scores[dim] = best
		if bestIDs != nil {
			c.Correlations = append(c.Correlations, Correlation{Dimension: dim, Strength: best, IOCIDs: bestIDs})
		}
		if c.applicable[dim] {
			num += weights[dim] * best
			den += weights[dim]
		}
	}
	if den > 0 {
		c.Confidence = clamp01(num / den)
	}
	return c
}

// Promotion summarizes the campaign changes made by Promote.
type Promotion struct {
	Created []string
	Merged  []string
}

// Promote turns candidates at or above the promotion threshold into
// campaigns. A candidate mostly covered by an active campaign is merged into
// it; otherwise a new campaign is created from the indicators not already in
// an active campaign.
func Promote(tx *Tx, candidates []Candidate, cfg config.CorrelationConfig, now time.Time) (Promotion, error) {
	var p Promotion
	for _, cand := range candidates {
		if cand.Confidence < cfg.PromotionThreshold {
			continue
		}
		snap := tx.View()

		counts := map[string]int{}
		var free []string
		for _, id := range cand.IOCIDs {
			if cid, ok := snap.campaignOf[id]; ok {
				counts[cid]++
			} else {
				free = append(free, id)
			}
		}

		target, best := "", 0
		for cid, n := range counts {
			if n > best || (n == best && cid < target) {
				target, best = cid, n
			}
		}
		if target != "" && float64(best)/float64(len(cand.IOCIDs)) >= cfg.CoverageThreshold {
			merged, err := mergeInto(tx, target, cand, free, now)
			if err != nil {
				return p, err
			}
			if merged {
				p.Merged = append(p.Merged, target)
			}
			continue
		}

		if len(free) < 2 {
			continue
		}
		id, err := createCampaign(tx, cand, free, now)
		if err != nil {
			return p, err
		}
		p.Created = append(p.Created, id)
	}
	return p, nil
}

func mergeInto(tx *Tx, id string, cand Candidate, free []string, now time.Time) (bool, error) {
	c, _ := tx.View().Campaign(id)
	if len(free) == 0 && cand.Confidence <= c.Confidence {
		return false, nil
	}
	c.IOCIDs = append(c.IOCIDs, free...)
	c.TTPs = unionStrings(c.TTPs, cand.TTPs)
	sort.Strings(c.TTPs)
	if cand.Confidence > c.Confidence {
		c.Confidence = cand.Confidence
	}
	if c.ActorID == "" {
		c.ActorID = cand.ActorID
	}
	if last := latestSighting(tx.View(), free); last.After(c.LastActivity) {
		c.LastActivity = last
	}
	if len(free) > 0 {
		c.Timeline = append(c.Timeline, CampaignEvent{
			Timestamp:   now,
			Type:        CampaignEventMerged,
			Description: fmt.Sprintf("%d indicators merged", len(free)),
			IOCIDs:      free,
			Confidence:  cand.Confidence,
		})
	}
	return true, tx.PutCampaign(c)
}

func createCampaign(tx *Tx, cand Candidate, members []string, now time.Time) (string, error) {
	snap := tx.View()
	start := now
	for _, id := range members {
		if i, ok := snap.iocs[id]; ok && i.FirstSeen.Before(start) {
			start = i.FirstSeen
		}
	}
	c := ThreatCampaign{
		ID:           uuid.NewString(),
		ActorID:      cand.ActorID,
		StartDate:    start,
		IsActive:     true,
		TTPs:         cand.TTPs,
		IOCIDs:       members,
		Confidence:   cand.Confidence,
		LastActivity: latestSighting(snap, members),
		Timeline: []CampaignEvent{{
			Timestamp:   now,
			Type:        CampaignEventCreated,
			Description: fmt.Sprintf("campaign promoted from %d correlated indicators", len(members)),
			IOCIDs:      members,
			Confidence:  cand.Confidence,
		}},
	}
	c.Name = campaignName(snap, c)
	return c.ID, tx.PutCampaign(c)
}

func campaignName(snap *Snapshot, c ThreatCampaign) string {
	who := "Unattributed"
	if a, ok := snap.Actor(c.ActorID); ok && a.Name != "" {
		who = a.Name
	} else if c.ActorID != "" {
		who = c.ActorID
	}
	return fmt.Sprintf("%s activity %s", who, c.StartDate.UTC().Format("2006-01-02"))
}

func latestSighting(snap *Snapshot, ids []string) time.Time {
	var last time.Time
	for _, id := range ids {
		if i, ok := snap.iocs[id]; ok && i.LastSeen.After(last) {
			last = i.LastSeen
		}
	}
	return last
}

// ExpireCampaigns deactivates active campaigns whose last activity is older
// than retention and returns their ids.
func ExpireCampaigns(tx *Tx, retention time.Duration, now time.Time) ([]string, error) {
	cutoff := now.Add(-retention)
	var expired []string
	for _, c := range tx.View().ActiveCampaigns() {
		if !c.LastActivity.Before(cutoff) {
			continue
		}
		end := now
		c.IsActive = false
		c.EndDate = &end
		c.Timeline = append(c.Timeline, CampaignEvent{
			Timestamp:   now,
			Type:        CampaignEventExpired,
			Description: fmt.Sprintf("no new indicators since %s", c.LastActivity.UTC().Format(time.RFC3339)),
		})
		if err := tx.PutCampaign(c); err != nil {
			return expired, err
		}
		expired = append(expired, c.ID)
	}
	return expired, nil
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[strings.ToUpper(s)] = true
	}
	inter := 0
	union := len(set)
	seen := map[string]bool{}
	for _, s := range b {
		s = strings.ToUpper(s)
		if seen[s] {
			continue
		}
		seen[s] = true
		if set[s] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

func sharedCount(a, b []string) int {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[strings.ToUpper(s)] = true
	}
	n := 0
	for _, s := range b {
		if set[strings.ToUpper(s)] {
			n++
			delete(set, strings.ToUpper(s))
		}
	}
	return n
}

type unionFind struct {
	parent map[string]string
	order  []string
}

func newUnionFind() *unionFind {
	return &unionFind{parent: map[string]string{}}
}

func (u *unionFind) find(x string) string {
	p, ok := u.parent[x]
	if !ok {
		u.parent[x] = x
		u.order = append(u.order, x)
		return x
	}
	if p == x {
		return x
	}
	root := u.find(p)
	u.parent[x] = root
	return root
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}

func (u *unionFind) sets() [][]string {
	byRoot := map[string][]string{}
	var roots []string
	for _, x := range u.order {
		r := u.find(x)
		if _, ok := byRoot[r]; !ok {
			roots = append(roots, r)
		}
		byRoot[r] = append(byRoot[r], x)
	}
	sort.Strings(roots)
	out := make([][]string, 0, len(roots))
	for _, r := range roots {
		out = append(out, byRoot[r])
	}
	return out
}
