package idempotency

import (
	"context"
	"errors"
	"time"

	djr "github.com/ankurrokad/distributed-job-runner"
	"github.com/ankurrokad/distributed-job-runner/id"
)

// Guard wraps a Store with the reserve/commit protocol used by the step
// dispatcher and step handlers to suppress duplicate side effects on
// redelivery.
type Guard struct {
	store Store
	ttl   time.Duration
}

// NewGuard creates a Guard. ttl bounds advisory key retention; zero means
// keys are kept indefinitely.
func NewGuard(store Store, ttl time.Duration) *Guard {
	return &Guard{store: store, ttl: ttl}
}

// Reserve attempts to claim (owner, key). Exactly one caller ever gets
// Fresh=true. A caller that loses the insert race receives the committed
// response, or ErrReservationPending while the winner is still executing.
func (g *Guard) Reserve(ctx context.Context, owner, key string) (*Reservation, error) {
	k := &Key{
		Entity: djr.NewEntity(),
		ID:     id.NewKeyID(),
		Owner:  owner,
		Key:    key,
	}
	if g.ttl != 0 {
		t := time.Now().UTC().Add(g.ttl)
		k.TTL = &t
	}

	err := g.store.InsertKey(ctx, k)
	if err == nil {
		return &Reservation{Fresh: true}, nil
	}
	if !errors.Is(err, djr.ErrKeyExists) {
		return nil, err
	}

	existing, getErr := g.store.GetKey(ctx, owner, key)
	if getErr != nil {
		return nil, getErr
	}
	if !existing.Committed() {
		return nil, ErrReservationPending
	}
	return &Reservation{Fresh: false, Response: existing.Response}, nil
}

// Commit records the response for a reservation. Committing an already
// committed key is a no-op.
func (g *Guard) Commit(ctx context.Context, owner, key string, response []byte) error {
	_, err := g.store.CommitKey(ctx, owner, key, response)
	return err
}

// Purge removes expired keys. Callers run it periodically; correctness
// never depends on it.
func (g *Guard) Purge(ctx context.Context) (int, error) {
	return g.store.PurgeExpiredKeys(ctx, time.Now().UTC())
}
