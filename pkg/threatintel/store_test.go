package threatintel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func upsert(t *testing.T, s *Store, in IOC) IOC {
	t.Helper()
	var out IOC
	_, err := s.Update(func(tx *Tx) error {
		var err error
		out, _, err = tx.UpsertIOC(in, t0)
		return err
	})
	require.NoError(t, err)
	return out
}

func TestUpsertIOC_ReSightingDoesNotDuplicate(t *testing.T) {
	s := NewStore()

	first := upsert(t, s, IOC{Type: IOCTypeIP, Value: "10.0.0.1", Confidence: 0.6, Sources: []string{"feed-a"}, FirstSeen: t0, TLP: TLPGreen})
	second := upsert(t, s, IOC{Type: IOCTypeIP, Value: " 10.0.0.1 ", Confidence: 0.5, Sources: []string{"feed-b"},
		FirstSeen: t0.Add(time.Hour), LastSeen: t0.Add(2 * time.Hour), TLP: TLPRed})

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.IOCCount())
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, t0, second.FirstSeen)
	assert.Equal(t, t0.Add(2*time.Hour), second.LastSeen)
	assert.InDelta(t, 0.8, second.Confidence, 1e-9, "independent sources combine")
	assert.Equal(t, []string{"feed-a", "feed-b"}, second.Sources)
	assert.Equal(t, TLPRed, second.TLP)

	third := upsert(t, s, IOC{Type: IOCTypeIP, Value: "10.0.0.1", Confidence: 0.95, Sources: []string{"feed-a"}, FirstSeen: t0})
	assert.InDelta(t, 0.95, third.Confidence, 1e-9, "known source keeps the maximum")
	assert.Equal(t, 1, s.Snapshot().IOCCount())
}

func TestUpsertIOC_MergesContext(t *testing.T) {
	s := NewStore()
	upsert(t, s, IOC{Type: IOCTypeDomain, Value: "Evil.Example.COM.", Sources: []string{"a"},
		Context: IOCContext{Tags: []string{"c2"}, TTPs: []string{"t1071"}}})
	merged := upsert(t, s, IOC{Type: IOCTypeDomain, Value: "evil.example.com", Sources: []string{"a"},
		Context: IOCContext{Actor: "FIN7", Tags: []string{"c2", "phishing"}, TTPs: []string{"T1071", "T1566"}, Geo: &Geo{Country: "RU"}}})

	assert.Equal(t, "evil.example.com", merged.Value)
	assert.Equal(t, "FIN7", merged.Context.Actor)
	assert.Equal(t, []string{"c2", "phishing"}, merged.Context.Tags)
	assert.Equal(t, []string{"T1071", "T1566"}, merged.Context.TTPs)
	require.NotNil(t, merged.Context.Geo)
	assert.Equal(t, "RU", merged.Context.Geo.Country)
}

func TestUpsertIOC_RejectsInvalidValue(t *testing.T) {
	s := NewStore()
	_, err := s.Update(func(tx *Tx) error {
		_, _, err := tx.UpsertIOC(IOC{Type: IOCTypeIP, Value: "not-an-ip"}, t0)
		return err
	})
	assert.Error(t, err)
	assert.Equal(t, 0, s.Snapshot().IOCCount())
}

func TestSnapshot_IsolatedFromLaterWrites(t *testing.T) {
	s := NewStore()
	upsert(t, s, IOC{Type: IOCTypeIP, Value: "10.0.0.1", Confidence: 0.5, Sources: []string{"a"}})
	before := s.Snapshot()

	upsert(t, s, IOC{Type: IOCTypeIP, Value: "10.0.0.2", Confidence: 0.5, Sources: []string{"a"}})
	upsert(t, s, IOC{Type: IOCTypeIP, Value: "10.0.0.1", Confidence: 0.5, Sources: []string{"b"}})

	assert.Equal(t, 1, before.IOCCount())
	old, ok := before.Lookup(IOCTypeIP, "10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, 0.5, old.Confidence)
	assert.Equal(t, []string{"a"}, old.Sources)
	assert.Greater(t, s.Snapshot().Version(), before.Version())
}

func TestSnapshot_ReturnsCopies(t *testing.T) {
	s := NewStore()
	in := upsert(t, s, IOC{Type: IOCTypeIP, Value: "10.0.0.1", Sources: []string{"a"}})

	got, _ := s.Snapshot().IOC(in.ID)
	got.Sources[0] = "mutated"

	again, _ := s.Snapshot().IOC(in.ID)
	assert.Equal(t, "a", again.Sources[0])
}

func TestUpdate_ErrorDiscardsChanges(t *testing.T) {
	s := NewStore()
	_, err := s.Update(func(tx *Tx) error {
		_, _, err := tx.UpsertIOC(IOC{Type: IOCTypeIP, Value: "10.0.0.1"}, t0)
		require.NoError(t, err)
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 0, s.Snapshot().IOCCount())
}

func TestSupersede(t *testing.T) {
	s := NewStore()
	a := upsert(t, s, IOC{Type: IOCTypeDomain, Value: "old.example.com"})
	b := upsert(t, s, IOC{Type: IOCTypeDomain, Value: "new.example.com"})

	_, err := s.Update(func(tx *Tx) error { return tx.Supersede(a.ID, b.ID) })
	require.NoError(t, err)

	got, ok := s.Snapshot().IOC(a.ID)
	require.True(t, ok, "superseded indicators are kept")
	assert.True(t, got.Superseded)
	assert.Equal(t, b.ID, got.SupersededBy)

	_, err = s.Update(func(tx *Tx) error { return tx.Supersede(a.ID, "missing") })
	assert.Error(t, err)
	_, err = s.Update(func(tx *Tx) error { return tx.Supersede(b.ID, b.ID) })
	assert.Error(t, err)
}

func TestPutCampaign_IndicatorInOneActiveCampaign(t *testing.T) {
	s := NewStore()
	a := upsert(t, s, IOC{Type: IOCTypeIP, Value: "10.0.0.1"})
	b := upsert(t, s, IOC{Type: IOCTypeIP, Value: "10.0.0.2"})

	_, err := s.Update(func(tx *Tx) error {
		return tx.PutCampaign(ThreatCampaign{ID: "c1", IsActive: true, IOCIDs: []string{a.ID, b.ID}})
	})
	require.NoError(t, err)
	id, ok := s.Snapshot().ActiveCampaignOf(a.ID)
	require.True(t, ok)
	assert.Equal(t, "c1", id)

	_, err = s.Update(func(tx *Tx) error {
		return tx.PutCampaign(ThreatCampaign{ID: "c2", IsActive: true, IOCIDs: []string{a.ID}})
	})
	assert.Error(t, err)

	_, err = s.Update(func(tx *Tx) error {
		c, _ := tx.View().Campaign("c1")
		c.IsActive = false
		return tx.PutCampaign(c)
	})
	require.NoError(t, err)
	_, ok = s.Snapshot().ActiveCampaignOf(a.ID)
	assert.False(t, ok)
}

func TestResolveActor(t *testing.T) {
	s := NewStore()
	_, err := s.Update(func(tx *Tx) error {
		tx.PutActor(ThreatActor{ID: "apt29", Name: "APT29", Aliases: []string{"Cozy Bear"}})
		return nil
	})
	require.NoError(t, err)

	for _, tag := range []string{"apt29", "APT29", "cozy bear"} {
		a, ok := s.Snapshot().ResolveActor(tag)
		assert.True(t, ok, tag)
		assert.Equal(t, "apt29", a.ID)
	}
	_, ok := s.Snapshot().ResolveActor("unknown")
	assert.False(t, ok)
}

func TestNormalizeValue(t *testing.T) {
	tests := []struct {
		typ     IOCType
		in      string
		want    string
		wantErr bool
	}{
		{IOCTypeIP, "::FFFF:10.0.0.1", "10.0.0.1", false},
		{IOCTypeIP, "300.1.1.1", "", true},
		{IOCTypeDomain, "Example.COM.", "example.com", false},
		{IOCTypeDomain, "localhost", "", true},
		{IOCTypeURL, "HTTP://Example.com/Path", "http://example.com/Path", false},
		{IOCTypeURL, "/relative", "", true},
		{IOCTypeFileHash, "D41D8CD98F00B204E9800998ECF8427E", "d41d8cd98f00b204e9800998ecf8427e", false},
		{IOCTypeFileHash, "abc", "", true},
		{IOCTypeEmail, "Bad@Example.com", "bad@example.com", false},
		{IOCTypeEmail, "@example.com", "", true},
		{IOCTypeUserAgent, " curl/8.0 ", "curl/8.0", false},
		{IOCTypeIP, "  ", "", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ)+"/"+tt.in, func(t *testing.T) {
			got, err := NormalizeValue(tt.typ, tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseIOCType(t *testing.T) {
	got, err := ParseIOCType("SHA256")
	require.NoError(t, err)
	assert.Equal(t, IOCTypeFileHash, got)

	_, err = ParseIOCType("mutex")
	assert.Error(t, err)
}
