package threatintel

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Snapshot is an immutable view of the store. Values handed out are copies.
type Snapshot struct {
	version    uint64
	iocs       map[string]*IOC
	byKey      map[string]string
	ttps       map[string]TTP
	actors     map[string]ThreatActor
	campaigns  map[string]*ThreatCampaign
	campaignOf map[string]string
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		iocs:       map[string]*IOC{},
		byKey:      map[string]string{},
		ttps:       map[string]TTP{},
		actors:     map[string]ThreatActor{},
		campaigns:  map[string]*ThreatCampaign{},
		campaignOf: map[string]string{},
	}
}

func (s *Snapshot) clone() *Snapshot {
	c := &Snapshot{
		version:    s.version + 1,
		iocs:       make(map[string]*IOC, len(s.iocs)),
		byKey:      make(map[string]string, len(s.byKey)),
		ttps:       make(map[string]TTP, len(s.ttps)),
		actors:     make(map[string]ThreatActor, len(s.actors)),
		campaigns:  make(map[string]*ThreatCampaign, len(s.campaigns)),
		campaignOf: make(map[string]string, len(s.campaignOf)),
	}
	for k, v := range s.iocs {
		c.iocs[k] = v
	}
	for k, v := range s.byKey {
		c.byKey[k] = v
	}
	for k, v := range s.ttps {
		c.ttps[k] = v
	}
	for k, v := range s.actors {
		c.actors[k] = v
	}
	for k, v := range s.campaigns {
		c.campaigns[k] = v
	}
	for k, v := range s.campaignOf {
		c.campaignOf[k] = v
	}
	return c
}

// Version increases with every committed change.
func (s *Snapshot) Version() uint64 { return s.version }

// IOC returns an indicator by id.
func (s *Snapshot) IOC(id string) (IOC, bool) {
	i, ok := s.iocs[id]
	if !ok {
		return IOC{}, false
	}
	return copyIOC(i), true
}

// Lookup finds an indicator by type and (unnormalized) value.
func (s *Snapshot) Lookup(t IOCType, value string) (IOC, bool) {
	norm, err := NormalizeValue(t, value)
	if err != nil {
		return IOC{}, false
	}
	id, ok := s.byKey[Key(t, norm)]
	if !ok {
		return IOC{}, false
	}
	return s.IOC(id)
}

// IOCs returns every indicator ordered by first sighting.
func (s *Snapshot) IOCs() []IOC {
	out := make([]IOC, 0, len(s.iocs))
	for _, i := range s.iocs {
		out = append(out, copyIOC(i))
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].FirstSeen.Equal(out[b].FirstSeen) {
			return out[a].FirstSeen.Before(out[b].FirstSeen)
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// IOCCount returns the number of stored indicators.
func (s *Snapshot) IOCCount() int { return len(s.iocs) }

// TTP returns a technique by MITRE id.
func (s *Snapshot) TTP(id string) (TTP, bool) {
	t, ok := s.ttps[strings.ToUpper(id)]
	return t, ok
}

// TTPs returns all techniques ordered by MITRE id.
func (s *Snapshot) TTPs() []TTP {
	out := make([]TTP, 0, len(s.ttps))
	for _, t := range s.ttps {
		out = append(out, t)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].MitreID < out[b].MitreID })
	return out
}

// Actor returns an actor by id.
func (s *Snapshot) Actor(id string) (ThreatActor, bool) {
	a, ok := s.actors[id]
	return a, ok
}

// Actors returns all actors ordered by id.
func (s *Snapshot) Actors() []ThreatActor {
	out := make([]ThreatActor, 0, len(s.actors))
	for _, a := range s.actors {
		out = append(out, a)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// ResolveActor matches a free-form actor tag against actor ids, names and
// aliases, case-insensitively.
func (s *Snapshot) ResolveActor(tag string) (ThreatActor, bool) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return ThreatActor{}, false
	}
	if a, ok := s.actors[tag]; ok {
		return a, true
	}
	for _, a := range s.actors {
		if strings.EqualFold(a.ID, tag) || strings.EqualFold(a.Name, tag) {
			return a, true
		}
		for _, alias := range a.Aliases {
			if strings.EqualFold(alias, tag) {
				return a, true
			}
		}
	}
	return ThreatActor{}, false
}

// Campaign returns a campaign by id.
func (s *Snapshot) Campaign(id string) (ThreatCampaign, bool) {
	c, ok := s.campaigns[id]
	if !ok {
		return ThreatCampaign{}, false
	}
	return copyCampaign(c), true
}

// Campaigns returns all campaigns ordered by start date.
func (s *Snapshot) Campaigns() []ThreatCampaign {
	out := make([]ThreatCampaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		out = append(out, copyCampaign(c))
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].StartDate.Equal(out[b].StartDate) {
			return out[a].StartDate.Before(out[b].StartDate)
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// ActiveCampaigns returns only active campaigns.
func (s *Snapshot) ActiveCampaigns() []ThreatCampaign {
	var out []ThreatCampaign
	for _, c := range s.Campaigns() {
		if c.IsActive {
			out = append(out, c)
		}
	}
	return out
}

// ActiveCampaignOf returns the active campaign an indicator belongs to.
func (s *Snapshot) ActiveCampaignOf(iocID string) (string, bool) {
	id, ok := s.campaignOf[iocID]
	return id, ok
}

// Store holds the current snapshot. Readers load it without locking; writers
// are serialized and publish a new snapshot with a single atomic swap.
type Store struct {
	current atomic.Pointer[Snapshot]
	writeMu sync.Mutex
}

// NewStore creates an empty store.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(emptySnapshot())
	return s
}

// Snapshot returns the current consistent view.
func (s *Store) Snapshot() *Snapshot { return s.current.Load() }

// Update runs fn against a private copy of the current snapshot and
// publishes it if fn succeeds. The returned Tx lists what changed.
func (s *Store) Update(fn func(tx *Tx) error) (*Tx, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx := &Tx{snap: s.current.Load().clone(), dirty: newChangeSet()}
	if err := fn(tx); err != nil {
		return nil, err
	}
	if tx.dirty.empty() {
		return tx, nil
	}
	s.current.Store(tx.snap)
	return tx, nil
}

// Load replaces the store contents with persisted data.
func (s *Store) Load(d Data) error {
	_, err := s.Update(func(tx *Tx) error {
		tx.snap = emptySnapshot()
		for _, t := range d.TTPs {
			tx.PutTTP(t)
		}
		for _, a := range d.Actors {
			tx.PutActor(a)
		}
		for _, i := range d.IOCs {
			if i.ID == "" {
				return fmt.Errorf("persisted indicator without id")
			}
			ioc := i
			tx.snap.iocs[i.ID] = &ioc
			tx.snap.byKey[i.Key()] = i.ID
		}
		for _, c := range d.Campaigns {
			tx.putCampaign(copyCampaign(&c))
		}
		tx.dirty = newChangeSet()
		tx.dirty.loaded = true
		return nil
	})
	return err
}

// ChangeSet records the ids touched by a transaction.
type ChangeSet struct {
	IOCs      map[string]bool
	TTPs      map[string]bool
	Actors    map[string]bool
	Campaigns map[string]bool
	loaded    bool
}

func newChangeSet() ChangeSet {
	return ChangeSet{IOCs: map[string]bool{}, TTPs: map[string]bool{}, Actors: map[string]bool{}, Campaigns: map[string]bool{}}
}

func (c ChangeSet) empty() bool {
	return !c.loaded && len(c.IOCs) == 0 && len(c.TTPs) == 0 && len(c.Actors) == 0 && len(c.Campaigns) == 0
}

// Tx is a write transaction over a private snapshot copy. Stored values are
// never mutated in place; changes replace map entries.
type Tx struct {
	snap    *Snapshot
	dirty   ChangeSet
	created []string
}

// View exposes the transaction's working snapshot for reads.
func (tx *Tx) View() *Snapshot { return tx.snap }

// Changes returns what the transaction touched.
func (tx *Tx) Changes() ChangeSet { return tx.dirty }

// Created returns the ids of indicators first inserted by this transaction.
func (tx *Tx) Created() []string { return tx.created }

// UpsertIOC inserts an indicator or merges a re-sighting into the existing
// one with the same type and value. The input value must already be valid.
func (tx *Tx) UpsertIOC(in IOC, seenAt time.Time) (IOC, bool, error) {
	norm, err := NormalizeValue(in.Type, in.Value)
	if err != nil {
		return IOC{}, false, err
	}
	in.Value = norm
	if in.FirstSeen.IsZero() {
		in.FirstSeen = seenAt
	}
	if in.LastSeen.IsZero() || in.LastSeen.Before(in.FirstSeen) {
		in.LastSeen = in.FirstSeen
	}
	if in.TLP == "" {
		in.TLP = TLPAmber
	}
	in.Confidence = clamp01(in.Confidence)

	key := in.Key()
	if id, ok := tx.snap.byKey[key]; ok {
		merged := mergeIOC(*tx.snap.iocs[id], in)
		tx.snap.iocs[id] = &merged
		tx.dirty.IOCs[id] = true
		return copyIOC(&merged), false, nil
	}

	in.ID = uuid.NewString()
	in.Sources = dedupStrings(in.Sources)
	in.Context = copyContext(in.Context)
	in.Superseded, in.SupersededBy = false, ""
	tx.snap.iocs[in.ID] = &in
	tx.snap.byKey[key] = in.ID
	tx.dirty.IOCs[in.ID] = true
	tx.created = append(tx.created, in.ID)
	return copyIOC(&in), true, nil
}

// mergeIOC applies a re-sighting: the sighting window widens, sources are
// unioned, confidence is combined as independent evidence when a new source
// reports it and otherwise kept at the maximum.
func mergeIOC(cur, in IOC) IOC {
	out := copyIOC(&cur)
	if in.FirstSeen.Before(out.FirstSeen) {
		out.FirstSeen = in.FirstSeen
	}
	if in.LastSeen.After(out.LastSeen) {
		out.LastSeen = in.LastSeen
	}

	newSource := false
	known := make(map[string]bool, len(out.Sources))
	for _, s := range out.Sources {
		known[s] = true
	}
	for _, s := range in.Sources {
		if s != "" && !known[s] {
			known[s] = true
			out.Sources = append(out.Sources, s)
			newSource = true
		}
	}
	if newSource {
		out.Confidence = 1 - (1-out.Confidence)*(1-in.Confidence)
	} else if in.Confidence > out.Confidence {
		out.Confidence = in.Confidence
	}
	if in.TLP.rank() > out.TLP.rank() {
		out.TLP = in.TLP
	}

	c := &out.Context
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&c.MalwareFamily, in.Context.MalwareFamily)
	fill(&c.Campaign, in.Context.Campaign)
	fill(&c.Actor, in.Context.Actor)
	fill(&c.KillChainPhase, in.Context.KillChainPhase)
	c.Tags = unionStrings(c.Tags, in.Context.Tags)
	c.TTPs = unionStrings(c.TTPs, normalizeTTPs(in.Context.TTPs))
	c.Sectors = unionStrings(c.Sectors, in.Context.Sectors)
	if c.Geo.empty() && !in.Context.Geo.empty() {
		g := *in.Context.Geo
		c.Geo = &g
	}
	return out
}

// Supersede marks oldID as replaced by newID. Both must exist.
func (tx *Tx) Supersede(oldID, newID string) error {
	old, ok := tx.snap.iocs[oldID]
	if !ok {
		return fmt.Errorf("indicator %s not found", oldID)
	}
	if _, ok := tx.snap.iocs[newID]; !ok {
		return fmt.Errorf("indicator %s not found", newID)
	}
	if oldID == newID {
		return fmt.Errorf("indicator cannot supersede itself")
	}
	updated := copyIOC(old)
	updated.Superseded = true
	updated.SupersededBy = newID
	tx.snap.iocs[oldID] = &updated
	tx.dirty.IOCs[oldID] = true
	return nil
}

// PutTTP inserts or replaces a technique keyed by its MITRE id.
func (tx *Tx) PutTTP(t TTP) {
	t.MitreID = strings.ToUpper(strings.TrimSpace(t.MitreID))
	if t.MitreID == "" {
		t.MitreID = strings.ToUpper(strings.TrimSpace(t.ID))
	}
	if t.ID == "" {
		t.ID = t.MitreID
	}
	tx.snap.ttps[t.MitreID] = t
	tx.dirty.TTPs[t.MitreID] = true
}

// PutActor inserts or replaces an actor.
func (tx *Tx) PutActor(a ThreatActor) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.KnownTTPs = normalizeTTPs(a.KnownTTPs)
	tx.snap.actors[a.ID] = a
	tx.dirty.Actors[a.ID] = true
}

// PutCampaign inserts or replaces a campaign and maintains the
// indicator-to-active-campaign index.
func (tx *Tx) PutCampaign(c ThreatCampaign) error {
	if c.ID == "" {
		return fmt.Errorf("campaign without id")
	}
	if c.IsActive {
		for _, id := range c.IOCIDs {
			if other, ok := tx.snap.campaignOf[id]; ok && other != c.ID {
				return fmt.Errorf("indicator %s already belongs to active campaign %s", id, other)
			}
		}
	}
	tx.putCampaign(c)
	tx.dirty.Campaigns[c.ID] = true
	return nil
}

func (tx *Tx) putCampaign(c ThreatCampaign) {
	if prev, ok := tx.snap.campaigns[c.ID]; ok {
		for _, id := range prev.IOCIDs {
			if tx.snap.campaignOf[id] == c.ID {
				delete(tx.snap.campaignOf, id)
			}
		}
	}
	if c.IsActive {
		for _, id := range c.IOCIDs {
			tx.snap.campaignOf[id] = c.ID
		}
	}
	cc := c
	tx.snap.campaigns[c.ID] = &cc
}

func copyIOC(i *IOC) IOC {
	out := *i
	out.Sources = append([]string(nil), i.Sources...)
	out.Context = copyContext(i.Context)
	return out
}

func copyContext(c IOCContext) IOCContext {
	out := c
	out.Tags = append([]string(nil), c.Tags...)
	out.TTPs = normalizeTTPs(c.TTPs)
	out.Sectors = append([]string(nil), c.Sectors...)
	if c.Geo != nil {
		g := *c.Geo
		out.Geo = &g
	}
	return out
}

func copyCampaign(c *ThreatCampaign) ThreatCampaign {
	out := *c
	out.TTPs = append([]string(nil), c.TTPs...)
	out.IOCIDs = append([]string(nil), c.IOCIDs...)
	out.Timeline = append([]CampaignEvent(nil), c.Timeline...)
	if c.EndDate != nil {
		e := *c.EndDate
		out.EndDate = &e
	}
	return out
}

func normalizeTTPs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	seen := map[string]bool{}
	for _, id := range ids {
		id = strings.ToUpper(strings.TrimSpace(id))
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func dedupStrings(in []string) []string {
	return unionStrings(nil, in)
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
