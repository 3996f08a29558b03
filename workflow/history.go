package workflow

import (
	"encoding/json"
	"time"

	"github.com/ankurrokad/distributed-job-runner/id"
)

// History event types. The history table is append-only; the total order
// by CreatedAt within a workflow is the authoritative timeline.
const (
	EventWorkflowStarted   = "WORKFLOW_STARTED"
	EventWorkflowCompleted = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    = "WORKFLOW_FAILED"
	EventWorkflowCancelled = "WORKFLOW_CANCELLED"
	EventWorkflowPaused    = "WORKFLOW_PAUSED"
	EventWorkflowResumed   = "WORKFLOW_RESUMED"
	EventStepClaimed       = "STEP_CLAIMED"
	EventStepCompleted     = "STEP_COMPLETED"
	EventStepFailed        = "STEP_FAILED"
	EventStepRetryPlanned  = "STEP_RETRY_SCHEDULED"
	EventStepRetried       = "STEP_RETRIED"
	EventStepSkipped       = "STEP_SKIPPED"
	EventStepDispatched    = "STEP_DISPATCHED"
	EventStepDeadLettered  = "STEP_DEAD_LETTERED"
	EventStepsAppended     = "STEPS_APPENDED"
)

// History is one append-only audit entry for a workflow. Entries are never
// updated or deleted.
type History struct {
	ID         id.HistoryID  `json:"id"`
	WorkflowID id.WorkflowID `json:"workflow_id"`
	EventType  string        `json:"event_type"`
	Payload    []byte        `json:"payload,omitempty"`
	Meta       []byte        `json:"meta,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// NewHistory builds a history entry. The payload is marshalled to JSON;
// a marshal failure is a programming error and produces a nil payload.
func NewHistory(workflowID id.WorkflowID, eventType string, payload any) *History {
	var data []byte
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	return &History{
		ID:         id.NewHistoryID(),
		WorkflowID: workflowID,
		EventType:  eventType,
		Payload:    data,
		CreatedAt:  time.Now().UTC(),
	}
}
