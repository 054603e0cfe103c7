package storage

import (
	"github.com/stakewatch/warden/pkg/types"
)

// Store defines the persistence interface for supervisor state.
// The durable side holds only ciphertext; decrypted working copies
// never touch the store.
type Store interface {
	// SaveRecord persists an anti-slashing record. A record whose
	// version is not strictly greater than the stored one is rejected
	// with types.ErrVersionRegression. The check and write happen in
	// one transaction.
	SaveRecord(rec *types.Record) error

	// GetRecord returns the current anti-slashing record, or
	// types.ErrRecordMissing if none has been stored yet.
	GetRecord() (*types.Record, error)

	// PutMeta and GetMeta store small supervisor metadata values
	// (restart counters, last exit code) by key.
	PutMeta(key string, value []byte) error
	GetMeta(key string) ([]byte, error)

	Close() error
}
