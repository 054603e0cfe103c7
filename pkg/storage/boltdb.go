package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/stakewatch/warden/pkg/types"
)

var (
	// Bucket names
	bucketRecords = []byte("records")
	bucketMeta    = []byte("meta")

	// recordKey is the fixed key for the current anti-slashing record.
	// Only the newest record is kept; superseded versions are
	// overwritten in place.
	recordKey = []byte("current")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "warden.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketRecords,
			bucketMeta,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SaveRecord persists an anti-slashing record, rejecting version
// regressions inside the transaction so a stale replica can never
// overwrite newer safety state.
func (s *BoltStore) SaveRecord(rec *types.Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)

		if existing := b.Get(recordKey); existing != nil {
			var current types.Record
			if err := json.Unmarshal(existing, &current); err != nil {
				return fmt.Errorf("stored record is unreadable: %w", err)
			}
			if rec.Version <= current.Version {
				return types.Classifyf(types.KindSafetyCritical,
					"%w: have version %d, got %d",
					types.ErrVersionRegression, current.Version, rec.Version)
			}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(recordKey, data)
	})
}

// GetRecord returns the current anti-slashing record.
func (s *BoltStore) GetRecord() (*types.Record, error) {
	var rec types.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		data := b.Get(recordKey)
		if data == nil {
			return types.ErrRecordMissing
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutMeta stores a metadata value by key.
func (s *BoltStore) PutMeta(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		return b.Put([]byte(key), value)
	})
}

// GetMeta returns a metadata value, or nil if absent.
func (s *BoltStore) GetMeta(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		// Copy since BoltDB data is only valid during the transaction
		value = make([]byte, len(data))
		copy(value, data)
		return nil
	})
	return value, err
}
