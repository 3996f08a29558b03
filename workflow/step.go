package workflow

import (
	"sort"
	"time"

	djr "github.com/ankurrokad/distributed-job-runner"
	"github.com/ankurrokad/distributed-job-runner/id"
)

// StepStatus represents the lifecycle state of a workflow step.
type StepStatus string

const (
	// StepPending means the step is waiting to be claimed by a worker.
	StepPending StepStatus = "PENDING"
	// StepInProgress means exactly one worker holds the claim.
	StepInProgress StepStatus = "IN_PROGRESS"
	// StepSuccess means the step handler completed.
	StepSuccess StepStatus = "SUCCESS"
	// StepFailed means the last attempt failed. The step re-enters PENDING
	// via a RETRY timer while attempts remain, otherwise it is terminal.
	StepFailed StepStatus = "FAILED"
	// StepSkipped means a handler-level policy skipped the step.
	StepSkipped StepStatus = "SKIPPED"
)

// Finished reports whether the step no longer blocks downstream work.
func (s StepStatus) Finished() bool {
	return s == StepSuccess || s == StepSkipped
}

// stepTransitions is the step status graph. FAILED -> PENDING is the retry
// re-entry edge; IN_PROGRESS never returns to PENDING directly (stuck steps
// are recovered through a TIMEOUT timer forcing IN_PROGRESS -> FAILED).
var stepTransitions = map[StepStatus][]StepStatus{
	StepPending:    {StepInProgress, StepSkipped},
	StepInProgress: {StepSuccess, StepFailed},
	StepFailed:     {StepPending, StepSkipped},
}

// CanTransitionStep reports whether from -> to is a legal step transition.
func CanTransitionStep(from, to StepStatus) bool {
	for _, t := range stepTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// StepType distinguishes what a step executes.
type StepType string

const (
	// StepTask runs a registered handler function.
	StepTask StepType = "TASK"
	// StepSubworkflow starts a child workflow and succeeds when it does.
	StepSubworkflow StepType = "SUBWORKFLOW"
	// StepTimer succeeds when a DELAY timer targeting it fires.
	StepTimer StepType = "TIMER"
)

// Step is one unit of work within a workflow, independently retryable.
type Step struct {
	djr.Entity

	ID            id.StepID     `json:"id"`
	WorkflowID    id.WorkflowID `json:"workflow_id"`
	StepIndex     int           `json:"step_index"` // unique per workflow
	Name          string        `json:"name"`
	Type          StepType      `json:"type"`
	ParallelGroup string        `json:"parallel_group,omitempty"`
	Payload       []byte        `json:"payload"` // immutable after creation
	Result        []byte        `json:"result,omitempty"`
	Status        StepStatus    `json:"status"`
	ScheduledAt   *time.Time    `json:"scheduled_at,omitempty"`
	NextRunAt     *time.Time    `json:"next_run_at,omitempty"`
	Attempts      int           `json:"attempts"`
	MaxRetries    int           `json:"max_retries"`
	LastError     string        `json:"last_error,omitempty"`
}

// RetriesExhausted reports whether another failure leaves the step terminal.
// A step is allowed MaxRetries+1 claims in total.
func (s *Step) RetriesExhausted() bool {
	return s.Attempts > s.MaxRetries
}

// ──────────────────────────────────────────────────
// Shared decision helpers
//
// Store backends call these inside the same transaction (or mutex section)
// as the completion update, so the parallel-group barrier and the
// workflow-completion decision are evaluated against a consistent snapshot.
// ──────────────────────────────────────────────────

// GroupRemaining counts steps in the named parallel group that have not
// yet reached SUCCESS. Zero means the barrier is satisfied.
func GroupRemaining(steps []*Step, group string) int {
	n := 0
	for _, s := range steps {
		if s.ParallelGroup == group && s.Status != StepSuccess {
			n++
		}
	}
	return n
}

// AllFinished reports whether every step is SUCCESS or SKIPPED.
func AllFinished(steps []*Step) bool {
	for _, s := range steps {
		if !s.Status.Finished() {
			return false
		}
	}
	return true
}

// NextRunnable returns the PENDING steps runnable after the given step
// completed: the pending step with the lowest index above it and, if that
// step belongs to a parallel group, every pending member of that group.
func NextRunnable(steps []*Step, after *Step) []*Step {
	frontier := after.StepIndex
	if after.ParallelGroup != "" {
		// The whole group must be behind us before moving on.
		for _, s := range steps {
			if s.ParallelGroup == after.ParallelGroup && s.StepIndex > frontier {
				frontier = s.StepIndex
			}
		}
	}

	var head *Step
	for _, s := range steps {
		if s.Status != StepPending || s.StepIndex <= frontier {
			continue
		}
		if head == nil || s.StepIndex < head.StepIndex {
			head = s
		}
	}
	if head == nil {
		return nil
	}

	if head.ParallelGroup == "" {
		return []*Step{head}
	}

	var next []*Step
	for _, s := range steps {
		if s.Status == StepPending && s.ParallelGroup == head.ParallelGroup {
			next = append(next, s)
		}
	}
	sort.Slice(next, func(i, j int) bool { return next[i].StepIndex < next[j].StepIndex })
	return next
}

// InitialSteps returns the steps dispatched when a workflow starts: the
// lowest-index step plus, if it belongs to a parallel group, every member
// of that group.
func InitialSteps(steps []*Step) []*Step {
	var head *Step
	for _, s := range steps {
		if head == nil || s.StepIndex < head.StepIndex {
			head = s
		}
	}
	if head == nil {
		return nil
	}
	if head.ParallelGroup == "" {
		return []*Step{head}
	}

	var initial []*Step
	for _, s := range steps {
		if s.ParallelGroup == head.ParallelGroup {
			initial = append(initial, s)
		}
	}
	sort.Slice(initial, func(i, j int) bool { return initial[i].StepIndex < initial[j].StepIndex })
	return initial
}
