package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	bolt "go.etcd.io/bbolt"
)

// DefaultSyncHistory is the number of sync records kept.
const DefaultSyncHistory = 50

var (
	bucketMeta  = []byte("meta")
	bucketSyncs = []byte("syncs")
	keyDeviceID = []byte("device_id")
	keyClock    = []byte("clock")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db      *bolt.DB
	history int
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMeta, bucketSyncs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db, history: DefaultSyncHistory}, nil
}

func (s *BoltStore) DeviceID() (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketMeta)
		}
		if data := b.Get(keyDeviceID); data != nil {
			parsed, err := uuid.FromString(string(data))
			if err != nil {
				return fmt.Errorf("parse device id: %w", err)
			}
			id = parsed
			return nil
		}
		fresh, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("generate device id: %w", err)
		}
		id = fresh
		return b.Put(keyDeviceID, []byte(fresh.String()))
	})
	return id, err
}

func (s *BoltStore) GetClockState() (*ClockState, error) {
	var st ClockState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketMeta)
		}
		data := b.Get(keyClock)
		if data == nil {
			return fmt.Errorf("clock state: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &st)
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *BoltStore) UpdateClockState(fn func(st *ClockState) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketMeta)
		}
		var st ClockState
		if data := b.Get(keyClock); data != nil {
			if err := json.Unmarshal(data, &st); err != nil {
				return err
			}
		}
		if err := fn(&st); err != nil {
			return err
		}
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put(keyClock, data)
	})
}

func (s *BoltStore) AppendSync(rec SyncRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSyncs)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSyncs)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return err
		}

		// Trim from the oldest end.
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for i := 0; i < len(keys)-s.history; i++ {
			if err := b.Delete(keys[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ListSyncs(limit int) ([]SyncRecord, error) {
	var out []SyncRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSyncs)
		if b == nil {
			return nil // no bucket = no history
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var rec SyncRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
