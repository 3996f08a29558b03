// Package timer provides durable, at-most-once-fired deferred actions and
// the Scheduler that sweeps and fires them. Timers drive step retries,
// execution deadlines, delayed starts, and recurring schedules; they are
// the recovery path that re-triggers dispatch when a crashed worker never
// reports back.
package timer

import (
	"time"

	djr "github.com/ankurrokad/distributed-job-runner"
	"github.com/ankurrokad/distributed-job-runner/id"
)

// Type selects the action bound to a timer when it fires.
type Type string

const (
	// TypeDelay dispatches the target step at the scheduled time.
	TypeDelay Type = "DELAY"
	// TypeRetry transitions the target step FAILED -> PENDING, then
	// dispatches it.
	TypeRetry Type = "RETRY"
	// TypeTimeout forces the target step IN_PROGRESS -> FAILED, treated
	// as a fresh failure subject to the normal retry-exhaustion rule.
	TypeTimeout Type = "TIMEOUT"
	// TypeSchedule starts a workflow from a registered recurring schedule.
	TypeSchedule Type = "SCHEDULE"
)

// TargetType identifies what a timer's TargetID refers to. It is a weak
// reference, not ownership: firing logic must tolerate a target that has
// since moved to a terminal state.
type TargetType string

const (
	// TargetStep means TargetID is a step ID.
	TargetStep TargetType = "STEP"
	// TargetWorkflow means TargetID is a workflow ID.
	TargetWorkflow TargetType = "WORKFLOW"
	// TargetSchedule means TargetID is a schedule name.
	TargetSchedule TargetType = "SCHEDULE"
)

// Timer is a durable deferred action fired at-most-once at or after When.
// FiredAt and Cancelled are mutually exclusive terminal markers; once
// either is set the timer is inert.
type Timer struct {
	djr.Entity

	ID          id.TimerID `json:"id"`
	Type        Type       `json:"type"`
	TargetType  TargetType `json:"target_type"`
	TargetID    string     `json:"target_id"`
	When        time.Time  `json:"when"`
	Payload     []byte     `json:"payload,omitempty"`
	FiredAt     *time.Time `json:"fired_at,omitempty"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	Cancelled   bool       `json:"cancelled"`
}

// New builds a timer of the given type for a target, due at when.
func New(t Type, targetType TargetType, targetID string, when time.Time) *Timer {
	return &Timer{
		Entity:      djr.NewEntity(),
		ID:          id.NewTimerID(),
		Type:        t,
		TargetType:  targetType,
		TargetID:    targetID,
		When:        when.UTC(),
		MaxAttempts: 3,
	}
}

// Inert reports whether the timer can no longer fire.
func (t *Timer) Inert() bool {
	return t.FiredAt != nil || t.Cancelled
}
