package threatintel

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltPersister_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threat.db")
	p, err := OpenBolt(path, time.Second)
	require.NoError(t, err)

	s := NewStore()
	cfg := correlationConfig()
	var changes []ChangeSet
	tx, err := s.Update(func(tx *Tx) error {
		tx.PutTTP(TTP{MitreID: "t1566", Tactic: "initial-access", Technique: "Phishing"})
		tx.PutActor(ThreatActor{ID: "fin7", Name: "FIN7", KnownTTPs: []string{"T1566"}})
		for _, v := range []string{"192.0.2.1", "192.0.2.2"} {
			if _, _, err := tx.UpsertIOC(IOC{Type: IOCTypeIP, Value: v, FirstSeen: t0, Confidence: 0.8, Sources: []string{"a"},
				Context: IOCContext{Actor: "FIN7", TTPs: []string{"T1566", "T1204"}}}, t0); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	changes = append(changes, tx.Changes())
	require.NoError(t, p.Save(s.Snapshot(), tx.Changes()))

	tx, err = s.Update(func(tx *Tx) error {
		_, err := Promote(tx, Correlate(tx.View(), cfg, t0).Candidates, cfg, t0)
		return err
	})
	require.NoError(t, err)
	changes = append(changes, tx.Changes())
	require.Len(t, changes[1].Campaigns, 1)
	require.NoError(t, p.Save(s.Snapshot(), tx.Changes()))
	require.NoError(t, p.Close())

	reopened, err := OpenBolt(path, time.Second)
	require.NoError(t, err)
	defer reopened.Close()

	data, err := reopened.LoadAll()
	require.NoError(t, err)
	assert.Len(t, data.IOCs, 2)
	assert.Len(t, data.Campaigns, 1)
	assert.Len(t, data.Actors, 1)
	assert.Len(t, data.TTPs, 1)

	restored := NewStore()
	require.NoError(t, restored.Load(data))
	ioc, ok := restored.Snapshot().Lookup(IOCTypeIP, "192.0.2.1")
	require.True(t, ok)
	assert.Equal(t, 0.8, ioc.Confidence)
	campaignID, ok := restored.Snapshot().ActiveCampaignOf(ioc.ID)
	require.True(t, ok, "campaign membership index is rebuilt on load")
	c, _ := restored.Snapshot().Campaign(campaignID)
	assert.Equal(t, "fin7", c.ActorID)
	ttp, ok := restored.Snapshot().TTP("T1566")
	require.True(t, ok)
	assert.Equal(t, "Phishing", ttp.Technique)
}

func TestOpenBolt_LockTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threat.db")
	p, err := OpenBolt(path, time.Second)
	require.NoError(t, err)
	defer p.Close()

	_, err = OpenBolt(path, 50*time.Millisecond)
	assert.Error(t, err)
}
