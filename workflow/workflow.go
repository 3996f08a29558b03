// Package workflow contains the state machine core: the Workflow, Step and
// History models, the legal transition graphs, and the Machine that applies
// transitions through conditional store updates. All mutual exclusion between
// concurrent workers is expressed as those conditional updates; the package
// holds no cross-process locks.
package workflow

import (
	"strings"
	"time"

	djr "github.com/ankurrokad/distributed-job-runner"
	"github.com/ankurrokad/distributed-job-runner/id"
)

// ownerStepPrefix marks a workflow spawned by a SUBWORKFLOW step.
const ownerStepPrefix = "step:"

// Status represents the lifecycle state of a workflow.
type Status string

const (
	// StatusPending means the workflow has been created but no step has
	// been claimed yet.
	StatusPending Status = "PENDING"
	// StatusRunning means at least one step has been claimed.
	StatusRunning Status = "RUNNING"
	// StatusSuccess means every step finished and the workflow is terminal.
	StatusSuccess Status = "SUCCESS"
	// StatusFailed means a step exhausted its retries and the workflow is
	// terminal.
	StatusFailed Status = "FAILED"
	// StatusCancelled means the workflow was explicitly cancelled.
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status rejects all further mutation.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// legalTransitions is the workflow status graph. Pausing is a flag toggle
// on RUNNING, not a status transition.
var legalTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusSuccess, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal workflow transition.
func CanTransition(from, to Status) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Workflow is one orchestration instance of a multi-step process.
type Workflow struct {
	djr.Entity

	ID          id.WorkflowID `json:"id"`
	Type        string        `json:"type"`
	TenantID    string        `json:"tenant_id,omitempty"`
	Input       []byte        `json:"input"` // immutable after creation
	State       []byte        `json:"state,omitempty"`
	Status      Status        `json:"status"`
	CurrentStep int           `json:"current_step"`
	Attempts    int           `json:"attempts"`
	IsPaused    bool          `json:"is_paused"`
	CreatedBy   string        `json:"created_by,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	FailedAt    *time.Time    `json:"failed_at,omitempty"`
}

// OwnerStepRef returns the CreatedBy value for a workflow owned by stepID.
func OwnerStepRef(stepID id.StepID) string {
	return ownerStepPrefix + stepID.String()
}

// OwnerStep returns the parent step when this workflow was spawned by a
// SUBWORKFLOW step, and false otherwise.
func (w *Workflow) OwnerStep() (id.StepID, bool) {
	if !strings.HasPrefix(w.CreatedBy, ownerStepPrefix) {
		return id.ID{}, false
	}
	stepID, err := id.ParseStepID(strings.TrimPrefix(w.CreatedBy, ownerStepPrefix))
	if err != nil {
		return id.ID{}, false
	}
	return stepID, true
}
