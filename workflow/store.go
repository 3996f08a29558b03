package workflow

import (
	"context"

	"github.com/ankurrokad/distributed-job-runner/id"
	"github.com/ankurrokad/distributed-job-runner/timer"
)

// StepCompletion carries everything a backend persists atomically when a
// step succeeds: the result, the step history entry, and the workflow
// history entry appended only if this completion finishes the workflow.
type StepCompletion struct {
	Result        []byte
	StepEntry     *History
	WorkflowEntry *History
}

// CompletionResult reports what a completion decided, evaluated inside the
// same transaction as the status update.
type CompletionResult struct {
	Step *Step

	// AlreadyDone is true when the step was SUCCESS before the call; the
	// whole operation was a no-op (duplicate completion report).
	AlreadyDone bool

	// GroupRemaining is the number of parallel-group members not yet
	// SUCCESS. Zero when the step has no group or the barrier is satisfied.
	GroupRemaining int

	// NextSteps are PENDING steps now runnable. Empty while a parallel
	// group is unsatisfied or when the workflow finished.
	NextSteps []*Step

	// WorkflowCompleted is true when this completion transitioned the
	// workflow to SUCCESS.
	WorkflowCompleted bool
}

// StepFailure carries the failure write plus whichever follow-up keeps the
// workflow live: a retry timer or the terminal workflow transition. The
// backend persists all of it in one transaction so no crash can leave a
// FAILED step with neither a scheduled retry nor a terminal workflow.
type StepFailure struct {
	LastError     string
	Retry         *timer.Timer // non-nil: insert a RETRY timer
	FailWorkflow  bool         // true: conditionally transition the workflow to FAILED
	StepEntry     *History
	WorkflowEntry *History // appended only if the workflow transition applied
}

// FailureResult reports what a failure write decided.
type FailureResult struct {
	Step *Step

	// WorkflowFailed is true when this call won the conditional
	// RUNNING -> FAILED update. Concurrent losers observe false, which
	// guarantees the workflow-level failure is recorded exactly once.
	WorkflowFailed bool
}

// Store defines the persistence contract for workflows, steps and history.
//
// Every mutating operation is atomic: a conditional update plus its history
// entry (and any piggybacked rows) commit or roll back together. Backends
// implement conditional updates as "set X where current-value-matches-Y".
type Store interface {
	// CreateWorkflow persists a workflow, its initial steps, and the
	// WORKFLOW_STARTED history entry in one transaction.
	CreateWorkflow(ctx context.Context, wf *Workflow, steps []*Step, entry *History) error

	// GetWorkflow retrieves a workflow by ID.
	GetWorkflow(ctx context.Context, wfID id.WorkflowID) (*Workflow, error)

	// ListWorkflows returns workflows filtered by status. An empty status
	// means all.
	ListWorkflows(ctx context.Context, status Status, limit int) ([]*Workflow, error)

	// UpdateWorkflowState replaces the workflow's mutable scratch state.
	// The input remains immutable.
	UpdateWorkflowState(ctx context.Context, wfID id.WorkflowID, state []byte) error

	// SetWorkflowPaused toggles the pause flag, conditioned on the
	// workflow not being terminal. Returns false when the condition failed.
	SetWorkflowPaused(ctx context.Context, wfID id.WorkflowID, paused bool, entry *History) (bool, error)

	// CancelWorkflow transitions a non-terminal workflow to CANCELLED.
	// Returns false when the workflow was already terminal.
	CancelWorkflow(ctx context.Context, wfID id.WorkflowID, entry *History) (bool, error)

	// CreateSteps appends steps to an existing workflow in one
	// transaction, conditioned on the workflow not being terminal.
	CreateSteps(ctx context.Context, wfID id.WorkflowID, steps []*Step, entry *History) error

	// GetStep retrieves a step by ID.
	GetStep(ctx context.Context, stepID id.StepID) (*Step, error)

	// ListSteps returns all steps of a workflow ordered by stepIndex.
	ListSteps(ctx context.Context, wfID id.WorkflowID) ([]*Step, error)

	// ClaimStep atomically transitions a PENDING step to IN_PROGRESS,
	// increments attempts, marks the owning workflow RUNNING if it was
	// PENDING, and appends the CLAIMED history entry, all in one
	// transaction. Returns djr.ErrAlreadyClaimed when the step is not
	// PENDING or the workflow is terminal; two concurrent claimants can
	// never both succeed.
	ClaimStep(ctx context.Context, stepID id.StepID, entry *History) (*Step, error)

	// CompleteStep atomically transitions an IN_PROGRESS step to SUCCESS,
	// records the result, appends history, and evaluates the
	// parallel-group barrier and workflow completion against the same
	// transactional snapshot.
	CompleteStep(ctx context.Context, stepID id.StepID, c StepCompletion) (*CompletionResult, error)

	// FailStep atomically transitions an IN_PROGRESS step to FAILED,
	// records the error, and persists either the retry timer or the
	// terminal workflow transition carried in f.
	FailStep(ctx context.Context, stepID id.StepID, f StepFailure) (*FailureResult, error)

	// ResetStepForRetry transitions a FAILED step back to PENDING (the
	// retry re-entry edge) and appends history.
	ResetStepForRetry(ctx context.Context, stepID id.StepID, entry *History) (*Step, error)

	// SkipStep transitions a PENDING or FAILED step to SKIPPED.
	SkipStep(ctx context.Context, stepID id.StepID, entry *History) (*Step, error)

	// CountUnfinishedInGroup counts steps in a parallel group not yet
	// SUCCESS.
	CountUnfinishedInGroup(ctx context.Context, wfID id.WorkflowID, group string) (int, error)

	// AppendHistory appends a standalone history entry.
	AppendHistory(ctx context.Context, entry *History) error

	// ListHistory returns a workflow's history ordered by CreatedAt
	// ascending. Zero limit means no limit.
	ListHistory(ctx context.Context, wfID id.WorkflowID, limit int) ([]*History, error)
}
