// Package attempt records one audit row per delivery-channel message
// processed. Attempts are append-only and closed exactly once; they let an
// operator reconcile what the delivery channel did with what the workflow
// store decided.
package attempt

import (
	"context"
	"time"

	"github.com/ankurrokad/distributed-job-runner/id"
)

// Status values for a job attempt.
const (
	StatusRunning   = "RUNNING"
	StatusSuccess   = "SUCCESS"
	StatusFailed    = "FAILED"
	StatusDuplicate = "DUPLICATE" // claim lost: message acked without effect
)

// Attempt is the audit record of one dispatch attempt.
type Attempt struct {
	ID         id.AttemptID  `json:"id"`
	JobID      string        `json:"job_id"` // delivery-channel message ID
	WorkflowID id.WorkflowID `json:"workflow_id"`
	StepID     id.StepID     `json:"step_id"`
	Attempt    int           `json:"attempt"`
	Status     string        `json:"status"`
	Error      string        `json:"error,omitempty"`
	Result     []byte        `json:"result,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// Store defines the persistence contract for job attempts.
type Store interface {
	// CreateAttempt persists a new open attempt (status RUNNING).
	CreateAttempt(ctx context.Context, a *Attempt) error

	// CloseAttempt records the terminal status, error and result, and
	// sets finishedAt, conditioned on the attempt still being open.
	// Returns false when the attempt was already closed.
	CloseAttempt(ctx context.Context, attemptID id.AttemptID, status, errMsg string, result []byte) (bool, error)

	// ListAttemptsByStep returns attempts for a step ordered by StartedAt.
	ListAttemptsByStep(ctx context.Context, stepID id.StepID) ([]*Attempt, error)
}

// New opens an attempt record for a delivery.
func New(jobID string, workflowID id.WorkflowID, stepID id.StepID, attemptNo int) *Attempt {
	return &Attempt{
		ID:         id.NewAttemptID(),
		JobID:      jobID,
		WorkflowID: workflowID,
		StepID:     stepID,
		Attempt:    attemptNo,
		Status:     StatusRunning,
		StartedAt:  time.Now().UTC(),
	}
}
