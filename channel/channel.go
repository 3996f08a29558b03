// Package channel defines the delivery contract between the dispatcher and
// the worker pool. A Channel moves step dispatch messages from producers to
// consumers with at-least-once semantics: a received message stays leased
// until it is acked, nacked back onto the queue, or its lease expires and it
// becomes receivable again.
//
// Deduplication is best-effort and keyed by the caller-supplied DedupKey;
// enqueueing the same key twice within the dedup window is a no-op. Exact
// once-only execution is the idempotency guard's job, not the channel's.
package channel

import (
	"context"
	"time"

	"github.com/ankurrokad/distributed-job-runner/id"
)

// Message is the unit of delivery: one step dispatch.
type Message struct {
	ID         string        `json:"id" msgpack:"id"`
	WorkflowID id.WorkflowID `json:"workflow_id" msgpack:"workflow_id"`
	StepID     id.StepID     `json:"step_id" msgpack:"step_id"`
	Type       string        `json:"type" msgpack:"type"`
	Payload    []byte        `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Attempt    int           `json:"attempt" msgpack:"attempt"`
	DedupKey   string        `json:"dedup_key,omitempty" msgpack:"dedup_key,omitempty"`
	EnqueuedAt time.Time     `json:"enqueued_at" msgpack:"enqueued_at"`
}

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	// DedupKey suppresses the enqueue when a message with the same key was
	// already enqueued within the dedup window. Empty disables dedup.
	DedupKey string

	// Delay holds the message back from receivers until it elapses.
	Delay time.Duration

	// MaxAttempts bounds delivery attempts before the message is moved to
	// the dead-letter queue. Zero means the channel default.
	MaxAttempts int
}

// Delivery is a leased message handed to a consumer. The consumer must
// resolve it with Ack or Nack before the lease deadline, or the channel
// redelivers.
type Delivery struct {
	Msg *Message

	// Attempt is the delivery attempt number, starting at 1.
	Attempt int

	// Token identifies the lease. Opaque to consumers.
	Token string
}

// Channel is the transport between dispatcher and workers.
//
// Enqueue is duplicate-suppressing per EnqueueOptions.DedupKey. Receive
// returns up to max leased deliveries; it may return fewer, including none.
// Nack reports whether the message was dead-lettered instead of requeued.
type Channel interface {
	Enqueue(ctx context.Context, msg *Message, opts EnqueueOptions) error
	Receive(ctx context.Context, max int) ([]*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	Nack(ctx context.Context, d *Delivery, reason string) (deadLettered bool, err error)
	DeadLetters(ctx context.Context, limit int) ([]*Message, error)
	Close() error
}

// NewMessage builds a dispatch message with a fresh message ID.
func NewMessage(workflowID id.WorkflowID, stepID id.StepID, stepType string, payload []byte, attempt int) *Message {
	return &Message{
		ID:         id.NewMessageID().String(),
		WorkflowID: workflowID,
		StepID:     stepID,
		Type:       stepType,
		Payload:    payload,
		Attempt:    attempt,
		EnqueuedAt: time.Now().UTC(),
	}
}
