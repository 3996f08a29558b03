package idempotency

import (
	"context"
	"time"
)

// Store defines the persistence contract for idempotency keys.
type Store interface {
	// InsertKey persists a new key. Returns djr.ErrKeyExists when the
	// (owner, key) pair already exists; the uniqueness constraint is the
	// race arbiter.
	InsertKey(ctx context.Context, k *Key) error

	// GetKey retrieves a key by (owner, key).
	GetKey(ctx context.Context, owner, key string) (*Key, error)

	// CommitKey records the response and usedAt for a reserved key,
	// conditioned on the key not being committed yet. Returns false when
	// the key was already committed (duplicate commit, a no-op).
	CommitKey(ctx context.Context, owner, key string, response []byte) (bool, error)

	// PurgeExpiredKeys removes keys whose TTL passed. Advisory cleanup.
	PurgeExpiredKeys(ctx context.Context, now time.Time) (int, error)
}
