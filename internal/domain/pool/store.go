package pool

import "context"

// KeyStore is the outbound port for durable key records.
// This interface is defined in the domain to avoid circular imports.
// Implementations: in-memory (dev/tests), sqlite (prod).
//
// Upsert is last-writer-wins per full record: a reader observes either the
// pre- or post-upsert record, never a mix. Read-after-write consistency is
// required for a single record.
type KeyStore interface {
	// Upsert inserts or fully replaces the record for rec.ID.
	Upsert(ctx context.Context, rec KeyRecord) error

	// Delete removes the record for id. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error

	// Get retrieves the record for id.
	// Returns ErrKeyNotFound if no record exists.
	Get(ctx context.Context, id string) (KeyRecord, error)

	// List returns all records in the pool.
	List(ctx context.Context) ([]KeyRecord, error)
}
