package timer

import (
	"context"
	"time"

	"github.com/ankurrokad/distributed-job-runner/id"
)

// Store defines the persistence contract for durable timers.
type Store interface {
	// CreateTimer persists a new timer.
	CreateTimer(ctx context.Context, t *Timer) error

	// GetTimer retrieves a timer by ID.
	GetTimer(ctx context.Context, timerID id.TimerID) (*Timer, error)

	// DueTimers returns up to limit timers with when <= now that are
	// neither fired nor cancelled, ordered by When ascending.
	DueTimers(ctx context.Context, now time.Time, limit int) ([]*Timer, error)

	// FireTimer atomically sets firedAt = now, conditioned on the timer
	// being unfired and uncancelled. It returns false when another sweep
	// claimed the timer first, the benign race outcome, not an error.
	FireTimer(ctx context.Context, timerID id.TimerID, now time.Time) (bool, error)

	// RearmTimer returns a fired timer to the pending pool, due again at
	// when, conditioned on the timer being fired and uncancelled. Only the
	// sweeper holding the fire claim may call it, so the conditional update
	// cannot race another rearm. It returns false when the condition did
	// not hold.
	RearmTimer(ctx context.Context, timerID id.TimerID, when time.Time) (bool, error)

	// HasPendingTimer reports whether the target has at least one timer
	// that is neither fired nor cancelled.
	HasPendingTimer(ctx context.Context, targetType TargetType, targetID string) (bool, error)

	// CancelTimersForTarget marks all un-fired timers for a target as
	// cancelled and returns how many were affected. Cancellation is
	// advisory: a timer already mid-fire in another process may still
	// complete.
	CancelTimersForTarget(ctx context.Context, targetType TargetType, targetID string) (int, error)
}
