// Package idempotency provides a single-use key store that converts
// at-least-once delivery into at-most-once side effects. The first writer
// for an (owner, key) pair wins; later writers observe the committed
// response instead of re-executing the effect.
package idempotency

import (
	"errors"
	"time"

	djr "github.com/ankurrokad/distributed-job-runner"
	"github.com/ankurrokad/distributed-job-runner/id"
)

// ErrReservationPending signals that another caller holds the reservation
// but has not committed yet. The caller must back off and retry; treating
// it as success or failure would be wrong either way.
var ErrReservationPending = errors.New("idempotency: reservation pending")

// Key is one dedup record for an (owner, key) pair.
type Key struct {
	djr.Entity

	ID         id.KeyID   `json:"id"`
	Owner      string     `json:"owner"` // e.g. "step:process_chunk"
	Key        string     `json:"key"`
	ResourceID string     `json:"resource_id,omitempty"`
	Response   []byte     `json:"response,omitempty"`
	UsedAt     *time.Time `json:"used_at,omitempty"`
	// TTL is advisory cleanup only, never a correctness mechanism: a key
	// must not expire while its effect could still be outstanding.
	TTL *time.Time `json:"ttl,omitempty"`
}

// Committed reports whether the original caller finished its effect.
func (k *Key) Committed() bool { return k.UsedAt != nil }

// Reservation is the result of a Reserve call.
type Reservation struct {
	// Fresh is true when this caller won the insert and must execute the
	// effect, then Commit.
	Fresh bool
	// Response is the cached result of the original execution when
	// Fresh is false.
	Response []byte
}
