package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	djr "github.com/ankurrokad/distributed-job-runner"
	"github.com/ankurrokad/distributed-job-runner/backoff"
	"github.com/ankurrokad/distributed-job-runner/id"
	"github.com/ankurrokad/distributed-job-runner/timer"
)

// Decision tells the caller what to do after a completion report.
type Decision int

const (
	// DecisionNone means the report was stale or nothing is runnable yet;
	// no action required.
	DecisionNone Decision = iota
	// DecisionDispatch means Outcome.Steps are runnable and must be
	// dispatched.
	DecisionDispatch
	// DecisionGroupWait means the step's parallel group is not yet
	// satisfied; siblings are still outstanding.
	DecisionGroupWait
	// DecisionWorkflowCompleted means this completion finished the
	// workflow.
	DecisionWorkflowCompleted
	// DecisionRetryScheduled means a RETRY timer was persisted; the
	// timer scheduler owns the next dispatch.
	DecisionRetryScheduled
	// DecisionWorkflowFailed means retries were exhausted and this call
	// transitioned the workflow to FAILED.
	DecisionWorkflowFailed
)

// Outcome is the result of a completion or failure report.
type Outcome struct {
	Decision Decision
	// Steps to dispatch when Decision is DecisionDispatch.
	Steps []*Step
	// RetryAt is when the scheduled RETRY timer fires.
	RetryAt time.Time
	// GroupRemaining is the unsatisfied sibling count for DecisionGroupWait.
	GroupRemaining int
}

// Machine applies workflow and step transitions through conditional store
// updates. It is stateless and safe for concurrent use; the store is the
// single source of truth shared by all workers.
type Machine struct {
	store    Store
	registry *Registry
	backoff  backoff.Strategy
	logger   *slog.Logger
}

// NewMachine creates a Machine. A nil backoff strategy falls back to the
// package default; a nil logger falls back to slog.Default.
func NewMachine(store Store, registry *Registry, bo backoff.Strategy, logger *slog.Logger) *Machine {
	if bo == nil {
		bo = backoff.DefaultStrategy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{store: store, registry: registry, backoff: bo, logger: logger}
}

// Registry returns the definition registry backing this machine.
func (m *Machine) Registry() *Registry { return m.registry }

// Store returns the underlying workflow store.
func (m *Machine) Store() Store { return m.store }

// Start creates a workflow of the given registered type together with its
// initial step rows and the WORKFLOW_STARTED history entry, all in one
// transaction. It returns the workflow and the steps the caller must
// dispatch (the first step, or every member of the first parallel group).
func (m *Machine) Start(ctx context.Context, workflowType string, input []byte) (*Workflow, []*Step, error) {
	return m.StartOwned(ctx, workflowType, input, "")
}

// StartOwned is Start with an owner recorded on the workflow. Child
// workflows spawned by SUBWORKFLOW steps carry "step:<id>" so their
// completion can be linked back to the parent step.
func (m *Machine) StartOwned(ctx context.Context, workflowType string, input []byte, createdBy string) (*Workflow, []*Step, error) {
	def, ok := m.registry.Get(workflowType)
	if !ok {
		return nil, nil, fmt.Errorf("workflow: unknown workflow type %q", workflowType)
	}

	wf := &Workflow{
		Entity:    djr.NewEntity(),
		ID:        id.NewWorkflowID(),
		Type:      workflowType,
		Input:     input,
		Status:    StatusPending,
		CreatedBy: createdBy,
	}

	steps := make([]*Step, 0, len(def.Steps))
	for i, tpl := range def.Steps {
		steps = append(steps, materialize(wf, i, tpl, input))
	}

	entry := NewHistory(wf.ID, EventWorkflowStarted, map[string]any{"type": workflowType})
	if err := m.store.CreateWorkflow(ctx, wf, steps, entry); err != nil {
		return nil, nil, err
	}

	m.logger.Info("workflow started",
		slog.String("workflow_id", wf.ID.String()),
		slog.String("type", workflowType),
		slog.Int("steps", len(steps)),
	)

	return wf, InitialSteps(steps), nil
}

// materialize turns a step template into a step row.
func materialize(wf *Workflow, index int, tpl StepTemplate, input []byte) *Step {
	stepType := tpl.Type
	if stepType == "" {
		stepType = StepTask
	}
	maxRetries := tpl.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	payload := tpl.Payload
	if payload == nil {
		payload = input
	}
	return &Step{
		Entity:        djr.NewEntity(),
		ID:            id.NewStepID(),
		WorkflowID:    wf.ID,
		StepIndex:     index,
		Name:          tpl.Name,
		Type:          stepType,
		ParallelGroup: tpl.ParallelGroup,
		Payload:       payload,
		Status:        StepPending,
		MaxRetries:    maxRetries,
	}
}

// Claim atomically assigns a PENDING step to the caller. Exactly one of
// any number of concurrent claimants succeeds; the rest receive
// djr.ErrAlreadyClaimed, which is a no-op signal, not a failure.
func (m *Machine) Claim(ctx context.Context, stepID id.StepID) (*Step, error) {
	step, err := m.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}

	entry := NewHistory(step.WorkflowID, EventStepClaimed, map[string]any{
		"step_id": step.ID.String(),
		"name":    step.Name,
		"attempt": step.Attempts + 1,
	})

	claimed, err := m.store.ClaimStep(ctx, stepID, entry)
	if err != nil {
		return nil, err
	}

	m.logger.Debug("step claimed",
		slog.String("step_id", claimed.ID.String()),
		slog.String("workflow_id", claimed.WorkflowID.String()),
		slog.Int("attempt", claimed.Attempts),
	)

	return claimed, nil
}

// MarkStepSuccess records a successful step completion and returns the
// decision for the caller: dispatch unblocked steps, wait on a parallel
// group, or observe workflow completion. Stale reports are no-ops: a step
// already SUCCESS, or one that moved past this attempt (timed out and reset
// for retry), returns DecisionNone.
func (m *Machine) MarkStepSuccess(ctx context.Context, stepID id.StepID, result []byte) (*Outcome, error) {
	step, err := m.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}

	c := StepCompletion{
		Result: result,
		StepEntry: NewHistory(step.WorkflowID, EventStepCompleted, map[string]any{
			"step_id": step.ID.String(),
			"name":    step.Name,
		}),
		WorkflowEntry: NewHistory(step.WorkflowID, EventWorkflowCompleted, nil),
	}

	res, err := m.store.CompleteStep(ctx, stepID, c)
	if err != nil {
		if errors.Is(err, djr.ErrInvalidTransition) {
			// Stale report: the step already moved on (e.g. a TIMEOUT
			// timer failed it and a retry reset it to PENDING). The
			// current attempt owns the step now.
			return &Outcome{Decision: DecisionNone}, nil
		}
		return nil, err
	}

	switch {
	case res.AlreadyDone:
		return &Outcome{Decision: DecisionNone}, nil
	case res.WorkflowCompleted:
		m.logger.Info("workflow completed", slog.String("workflow_id", step.WorkflowID.String()))
		return &Outcome{Decision: DecisionWorkflowCompleted}, nil
	case res.GroupRemaining > 0:
		return &Outcome{Decision: DecisionGroupWait, GroupRemaining: res.GroupRemaining}, nil
	case len(res.NextSteps) > 0:
		return &Outcome{Decision: DecisionDispatch, Steps: res.NextSteps}, nil
	default:
		return &Outcome{Decision: DecisionNone}, nil
	}
}

// MarkStepFailed records a step failure. While attempts remain (and the
// error is retryable) it persists a RETRY timer in the same transaction as
// the failure write; otherwise it transitions the owning workflow to
// FAILED. Either way the workflow cannot be left RUNNING with no forward
// progress possible.
func (m *Machine) MarkStepFailed(ctx context.Context, stepID id.StepID, stepErr error) (*Outcome, error) {
	step, err := m.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if step.Status != StepInProgress {
		// Stale report: the step already moved on (e.g. a TIMEOUT timer
		// beat this worker to the failure write).
		return &Outcome{Decision: DecisionNone}, nil
	}

	attempt := step.Attempts
	retryable := attempt <= step.MaxRetries && !djr.IsNonRetryable(stepErr)

	f := StepFailure{
		LastError: stepErr.Error(),
		StepEntry: NewHistory(step.WorkflowID, EventStepFailed, map[string]any{
			"step_id": step.ID.String(),
			"name":    step.Name,
			"attempt": attempt,
			"error":   stepErr.Error(),
		}),
	}

	var retryAt time.Time
	if retryable {
		retryAt = time.Now().UTC().Add(m.backoff.Delay(attempt))
		f.Retry = timer.New(timer.TypeRetry, timer.TargetStep, step.ID.String(), retryAt)
	} else {
		f.FailWorkflow = true
		f.WorkflowEntry = NewHistory(step.WorkflowID, EventWorkflowFailed, map[string]any{
			"step_id": step.ID.String(),
			"error":   stepErr.Error(),
		})
	}

	res, err := m.store.FailStep(ctx, stepID, f)
	if err != nil {
		if errors.Is(err, djr.ErrInvalidTransition) {
			// Lost the failure race; the winner owns the follow-up.
			return &Outcome{Decision: DecisionNone}, nil
		}
		return nil, err
	}

	if retryable {
		m.logger.Info("step retry scheduled",
			slog.String("step_id", step.ID.String()),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", step.MaxRetries),
			slog.Time("retry_at", retryAt),
		)
		return &Outcome{Decision: DecisionRetryScheduled, RetryAt: retryAt}, nil
	}

	if res.WorkflowFailed {
		m.logger.Warn("workflow failed",
			slog.String("workflow_id", step.WorkflowID.String()),
			slog.String("step_id", step.ID.String()),
			slog.String("error", stepErr.Error()),
		)
		return &Outcome{Decision: DecisionWorkflowFailed}, nil
	}

	// Another step already failed the workflow; nothing more to do here.
	return &Outcome{Decision: DecisionNone}, nil
}

// RetryStep applies the FAILED -> PENDING re-entry edge. The timer
// scheduler calls this when a RETRY timer fires; the returned step must be
// re-dispatched by the caller.
func (m *Machine) RetryStep(ctx context.Context, stepID id.StepID) (*Step, error) {
	step, err := m.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}

	entry := NewHistory(step.WorkflowID, EventStepRetried, map[string]any{
		"step_id": step.ID.String(),
		"attempt": step.Attempts,
	})
	return m.store.ResetStepForRetry(ctx, stepID, entry)
}

// TimeoutStep forces a stuck IN_PROGRESS step to FAILED, treating the
// deadline expiry as a fresh failure subject to the normal retry rule.
func (m *Machine) TimeoutStep(ctx context.Context, stepID id.StepID) (*Outcome, error) {
	return m.MarkStepFailed(ctx, stepID, errors.New("execution deadline exceeded"))
}

// MarkStepSkipped skips a PENDING or FAILED step. Skipping is a
// handler-level policy decision; the core never decides to skip.
func (m *Machine) MarkStepSkipped(ctx context.Context, stepID id.StepID) (*Step, error) {
	step, err := m.store.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	entry := NewHistory(step.WorkflowID, EventStepSkipped, map[string]any{
		"step_id": step.ID.String(),
		"name":    step.Name,
	})
	return m.store.SkipStep(ctx, stepID, entry)
}

// AppendSteps adds steps to a running workflow (dynamic fan-out). Step
// indexes continue after the current highest index, in template order.
// It returns the created steps; they are dispatched when reached by the
// normal completion flow, or immediately by the caller for an active
// parallel group.
func (m *Machine) AppendSteps(ctx context.Context, wfID id.WorkflowID, templates []StepTemplate) ([]*Step, error) {
	if len(templates) == 0 {
		return nil, nil
	}

	wf, err := m.store.GetWorkflow(ctx, wfID)
	if err != nil {
		return nil, err
	}
	if wf.Status.Terminal() {
		return nil, djr.ErrWorkflowTerminal
	}

	existing, err := m.store.ListSteps(ctx, wfID)
	if err != nil {
		return nil, err
	}
	next := 0
	for _, s := range existing {
		if s.StepIndex >= next {
			next = s.StepIndex + 1
		}
	}

	steps := make([]*Step, 0, len(templates))
	for i, tpl := range templates {
		steps = append(steps, materialize(wf, next+i, tpl, wf.Input))
	}

	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}
	entry := NewHistory(wfID, EventStepsAppended, map[string]any{"names": names, "count": len(steps)})

	if err := m.store.CreateSteps(ctx, wfID, steps, entry); err != nil {
		return nil, err
	}
	return steps, nil
}

// Pause sets the pause flag; paused workflows stop dispatching new steps
// but in-flight claims continue.
func (m *Machine) Pause(ctx context.Context, wfID id.WorkflowID) (bool, error) {
	entry := NewHistory(wfID, EventWorkflowPaused, nil)
	return m.store.SetWorkflowPaused(ctx, wfID, true, entry)
}

// Resume clears the pause flag and returns the steps that are runnable
// again and must be re-dispatched.
func (m *Machine) Resume(ctx context.Context, wfID id.WorkflowID) ([]*Step, error) {
	entry := NewHistory(wfID, EventWorkflowResumed, nil)
	ok, err := m.store.SetWorkflowPaused(ctx, wfID, false, entry)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, djr.ErrWorkflowTerminal
	}

	steps, err := m.store.ListSteps(ctx, wfID)
	if err != nil {
		return nil, err
	}

	pending := make([]*Step, 0, len(steps))
	for _, s := range steps {
		if s.Status == StepPending {
			pending = append(pending, s)
		}
	}
	return InitialSteps(pending), nil
}

// Cancel transitions a non-terminal workflow to CANCELLED and cancels its
// outstanding timers (advisory: a timer mid-fire elsewhere may still
// complete, and its action no-ops against the terminal workflow).
func (m *Machine) Cancel(ctx context.Context, wfID id.WorkflowID, timers timer.Store) (bool, error) {
	entry := NewHistory(wfID, EventWorkflowCancelled, nil)
	ok, err := m.store.CancelWorkflow(ctx, wfID, entry)
	if err != nil || !ok {
		return ok, err
	}

	if timers != nil {
		if _, cErr := timers.CancelTimersForTarget(ctx, timer.TargetWorkflow, wfID.String()); cErr != nil {
			m.logger.Warn("cancel workflow timers", slog.String("error", cErr.Error()))
		}
		steps, lErr := m.store.ListSteps(ctx, wfID)
		if lErr == nil {
			for _, s := range steps {
				if _, cErr := timers.CancelTimersForTarget(ctx, timer.TargetStep, s.ID.String()); cErr != nil {
					m.logger.Warn("cancel step timers",
						slog.String("step_id", s.ID.String()),
						slog.String("error", cErr.Error()),
					)
				}
			}
		}
	}

	m.logger.Info("workflow cancelled", slog.String("workflow_id", wfID.String()))
	return true, nil
}

// SetState replaces the workflow's mutable scratch state.
func (m *Machine) SetState(ctx context.Context, wfID id.WorkflowID, state []byte) error {
	return m.store.UpdateWorkflowState(ctx, wfID, state)
}
