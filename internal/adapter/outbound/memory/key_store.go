// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"sync"

	"github.com/poolgate/poolgate/internal/domain/pool"
)

// KeyStore implements pool.KeyStore with an in-memory map.
// Thread-safe for concurrent access. For development/testing only.
type KeyStore struct {
	records map[string]pool.KeyRecord
	mu      sync.RWMutex
}

// NewKeyStore creates a new in-memory key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{
		records: make(map[string]pool.KeyRecord),
	}
}

// Upsert inserts or fully replaces the record for rec.ID.
func (s *KeyStore) Upsert(ctx context.Context, rec pool.KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

// Delete removes the record for id. Unknown ids are not an error.
func (s *KeyStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// Get retrieves the record for id.
// Returns pool.ErrKeyNotFound if no record exists.
func (s *KeyStore) Get(ctx context.Context, id string) (pool.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return pool.KeyRecord{}, pool.ErrKeyNotFound
	}
	return rec, nil
}

// List returns all records in the pool.
func (s *KeyStore) List(ctx context.Context) ([]pool.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]pool.KeyRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}

// Size returns the current number of records. Useful for tests.
func (s *KeyStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Compile-time interface verification.
var _ pool.KeyStore = (*KeyStore)(nil)
