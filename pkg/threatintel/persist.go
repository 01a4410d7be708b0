package threatintel

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketIOCs      = []byte("iocs")
	bucketCampaigns = []byte("campaigns")
	bucketActors    = []byte("actors")
	bucketTTPs      = []byte("ttps")
)

// Data is the full persisted contents of a store.
type Data struct {
	IOCs      []IOC
	TTPs      []TTP
	Actors    []ThreatActor
	Campaigns []ThreatCampaign
}

// Persister writes committed changes to durable storage.
type Persister interface {
	LoadAll() (Data, error)
	Save(snap *Snapshot, changes ChangeSet) error
	Close() error
}

// BoltPersister stores each entity as JSON in its own bbolt bucket, keyed by id.
type BoltPersister struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the database at path. The file lock wait is
// bounded by timeout.
func OpenBolt(path string, timeout time.Duration) (*BoltPersister, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open threat store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketIOCs, bucketCampaigns, bucketActors, bucketTTPs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &BoltPersister{db: db}, nil
}

// LoadAll reads every stored entity.
func (p *BoltPersister) LoadAll() (Data, error) {
	var d Data
	err := p.db.View(func(tx *bolt.Tx) error {
		if err := loadBucket(tx, bucketIOCs, &d.IOCs); err != nil {
			return err
		}
		if err := loadBucket(tx, bucketCampaigns, &d.Campaigns); err != nil {
			return err
		}
		if err := loadBucket(tx, bucketActors, &d.Actors); err != nil {
			return err
		}
		return loadBucket(tx, bucketTTPs, &d.TTPs)
	})
	return d, err
}

func loadBucket[T any](tx *bolt.Tx, name []byte, out *[]T) error {
	return tx.Bucket(name).ForEach(func(k, v []byte) error {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return fmt.Errorf("corrupt %s record %s: %w", name, k, err)
		}
		*out = append(*out, item)
		return nil
	})
}

// Save writes the entities named in changes as they appear in snap.
func (p *BoltPersister) Save(snap *Snapshot, changes ChangeSet) error {
	return p.db.Update(func(tx *bolt.Tx) error {
		for id := range changes.IOCs {
			if i, ok := snap.iocs[id]; ok {
				if err := putJSON(tx, bucketIOCs, id, i); err != nil {
					return err
				}
			}
		}
		for id := range changes.Campaigns {
			if c, ok := snap.campaigns[id]; ok {
				if err := putJSON(tx, bucketCampaigns, id, c); err != nil {
					return err
				}
			}
		}
		for id := range changes.Actors {
			if a, ok := snap.actors[id]; ok {
				if err := putJSON(tx, bucketActors, id, a); err != nil {
					return err
				}
			}
		}
		for id := range changes.TTPs {
			if t, ok := snap.ttps[id]; ok {
				if err := putJSON(tx, bucketTTPs, id, t); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func putJSON(tx *bolt.Tx, bucket []byte, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", bucket, id, err)
	}
	return tx.Bucket(bucket).Put([]byte(id), data)
}

// Close closes the database.
func (p *BoltPersister) Close() error {
	return p.db.Close()
}
