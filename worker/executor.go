// Package worker provides the step execution engine: an Executor that
// runs claimed steps through middleware and the registered handler, and a
// Pool that manages concurrent worker goroutines polling the delivery
// channel.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	djr "github.com/ankurrokad/distributed-job-runner"
	"github.com/ankurrokad/distributed-job-runner/attempt"
	"github.com/ankurrokad/distributed-job-runner/channel"
	"github.com/ankurrokad/distributed-job-runner/dispatcher"
	"github.com/ankurrokad/distributed-job-runner/handler"
	"github.com/ankurrokad/distributed-job-runner/id"
	"github.com/ankurrokad/distributed-job-runner/idempotency"
	"github.com/ankurrokad/distributed-job-runner/middleware"
	"github.com/ankurrokad/distributed-job-runner/timer"
	"github.com/ankurrokad/distributed-job-runner/workflow"
)

// timeoutGrace is added on top of a step's execution deadline before the
// durable TIMEOUT timer fires, so the in-process context cancellation gets
// to report the failure first and the timer only catches crashed workers.
const timeoutGrace = 30 * time.Second

// Executor processes one channel delivery end to end: open an audit
// attempt, claim the step, run the handler behind the idempotency guard,
// report the outcome to the state machine, and resolve the delivery.
type Executor struct {
	machine    *workflow.Machine
	guard      *idempotency.Guard
	attempts   attempt.Store
	timers     timer.Store
	dispatcher *dispatcher.Dispatcher
	handlers   *handler.Registry
	ch         channel.Channel
	mw         middleware.Middleware
	logger     *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	machine *workflow.Machine,
	guard *idempotency.Guard,
	attempts attempt.Store,
	timers timer.Store,
	disp *dispatcher.Dispatcher,
	handlers *handler.Registry,
	ch channel.Channel,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		machine:    machine,
		guard:      guard,
		attempts:   attempts,
		timers:     timers,
		dispatcher: disp,
		handlers:   handlers,
		ch:         ch,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// Execute processes a delivery. The claim arbitrates duplicates: losing it
// means another worker (or an earlier delivery of the same message) owns
// the attempt, so the message is acked without effect. Handler failures are
// acked too; retry is the state machine's job, through durable RETRY
// timers, not the channel's. Only infrastructure errors nack, and a nack
// that exhausts delivery attempts dead-letters the message and terminally
// fails the step.
func (e *Executor) Execute(ctx context.Context, d *channel.Delivery) error {
	msg := d.Msg

	a := attempt.New(msg.ID, msg.WorkflowID, msg.StepID, msg.Attempt)
	if err := e.attempts.CreateAttempt(ctx, a); err != nil {
		e.logger.Error("failed to open attempt record",
			slog.String("message_id", msg.ID), slog.String("error", err.Error()))
		return e.nack(ctx, d, "attempt record: "+err.Error())
	}

	step, err := e.machine.Claim(ctx, msg.StepID)
	if errors.Is(err, djr.ErrAlreadyClaimed) {
		// Duplicate delivery or a lost claim race. Either way the effect
		// belongs to someone else.
		e.closeAttempt(ctx, a, attempt.StatusDuplicate, "claim lost", nil)
		return e.ch.Ack(ctx, d)
	}
	if err != nil {
		e.closeAttempt(ctx, a, attempt.StatusFailed, err.Error(), nil)
		return e.nack(ctx, d, "claim: "+err.Error())
	}

	timeout := e.stepTimeout(ctx, step)
	if timeout > 0 {
		e.armTimeout(ctx, step, timeout)
	}

	owner := "step:" + step.Name
	key := fmt.Sprintf("%s:%s:%d", step.WorkflowID, step.ID, step.Attempts)

	res, err := e.guard.Reserve(ctx, owner, key)
	if err != nil {
		// The claim already succeeded, so the attempt must resolve through
		// the state machine rather than channel redelivery: a redelivered
		// message would lose the claim and ack without effect.
		return e.reportFailure(ctx, d, a, step, fmt.Errorf("idempotency reserve: %w", err))
	}

	var result []byte
	if res.Fresh {
		task := &handler.Task{
			WorkflowID: step.WorkflowID,
			StepID:     step.ID,
			Name:       step.Name,
			Payload:    step.Payload,
			Attempt:    step.Attempts,
			MaxRetries: step.MaxRetries,
			Timeout:    timeout,
		}

		fn, err := e.handlers.Get(step.Name)
		if err != nil {
			// No handler is a deployment bug, not a transient fault.
			return e.reportFailure(ctx, d, a, step, djr.NonRetryable(err))
		}

		terminal := func(ctx context.Context) ([]byte, error) {
			return fn(ctx, task)
		}
		result, err = e.mw(ctx, task, terminal)
		if err != nil {
			return e.reportFailure(ctx, d, a, step, err)
		}

		if err := e.guard.Commit(ctx, owner, key, result); err != nil {
			// The effect happened; losing the cached response only costs a
			// redundant re-check on a duplicate, never a re-execution,
			// because the claim still arbitrates.
			e.logger.Warn("failed to commit idempotency key",
				slog.String("step_id", step.ID.String()), slog.String("error", err.Error()))
		}
	} else {
		// A previous run of this exact attempt already executed the
		// effect. Reuse its response instead of running the handler again.
		result = res.Response
		e.logger.Debug("reusing committed idempotent response",
			slog.String("step_id", step.ID.String()), slog.String("key", key))
	}

	return e.reportSuccess(ctx, d, a, step, result)
}

// reportSuccess records the completion, dispatches whatever the state
// machine unblocked, and acks the delivery.
func (e *Executor) reportSuccess(ctx context.Context, d *channel.Delivery, a *attempt.Attempt, step *workflow.Step, result []byte) error {
	outcome, err := e.machine.MarkStepSuccess(ctx, step.ID, result)
	if err != nil {
		e.closeAttempt(ctx, a, attempt.StatusFailed, err.Error(), nil)
		return e.nack(ctx, d, "record success: "+err.Error())
	}

	e.closeAttempt(ctx, a, attempt.StatusSuccess, "", result)

	switch outcome.Decision {
	case workflow.DecisionDispatch:
		if err := e.dispatcher.DispatchAll(ctx, outcome.Steps); err != nil {
			// The completion is durable; a crashed dispatch replays
			// harmlessly on resume or manual redrive.
			e.logger.Error("failed to dispatch unblocked steps",
				slog.String("workflow_id", step.WorkflowID.String()),
				slog.String("error", err.Error()))
		}
	case workflow.DecisionGroupWait:
		e.logger.Debug("parallel group still in flight",
			slog.String("workflow_id", step.WorkflowID.String()),
			slog.Int("remaining", outcome.GroupRemaining))
	case workflow.DecisionWorkflowCompleted:
		e.logger.Info("workflow completed",
			slog.String("workflow_id", step.WorkflowID.String()))
		e.LinkParent(ctx, step.WorkflowID, nil)
	}

	return e.ch.Ack(ctx, d)
}

// reportFailure records the failure (scheduling a retry or failing the
// workflow) and acks the delivery. Retry happens through durable timers.
func (e *Executor) reportFailure(ctx context.Context, d *channel.Delivery, a *attempt.Attempt, step *workflow.Step, stepErr error) error {
	outcome, err := e.machine.MarkStepFailed(ctx, step.ID, stepErr)
	if err != nil {
		e.closeAttempt(ctx, a, attempt.StatusFailed, stepErr.Error(), nil)
		return e.nack(ctx, d, "record failure: "+err.Error())
	}

	e.closeAttempt(ctx, a, attempt.StatusFailed, stepErr.Error(), nil)

	switch outcome.Decision {
	case workflow.DecisionRetryScheduled:
		e.logger.Info("step retry scheduled",
			slog.String("step_id", step.ID.String()),
			slog.Time("retry_at", outcome.RetryAt),
			slog.String("error", stepErr.Error()))
	case workflow.DecisionWorkflowFailed:
		e.logger.Warn("workflow failed",
			slog.String("workflow_id", step.WorkflowID.String()),
			slog.String("step_id", step.ID.String()),
			slog.String("error", stepErr.Error()))
		e.LinkParent(ctx, step.WorkflowID, stepErr)
	}

	return e.ch.Ack(ctx, d)
}

// LinkParent resolves the SUBWORKFLOW step owning this workflow, if any.
// A nil cause marks the parent step SUCCESS carrying the child's final
// state; a non-nil cause fails it terminally. Linking recurses: finishing
// a parent step can finish the parent workflow, which may itself be owned.
func (e *Executor) LinkParent(ctx context.Context, wfID id.WorkflowID, cause error) {
	wf, err := e.machine.Store().GetWorkflow(ctx, wfID)
	if err != nil {
		e.logger.Error("failed to resolve finished workflow",
			slog.String("workflow_id", wfID.String()), slog.String("error", err.Error()))
		return
	}
	parentID, ok := wf.OwnerStep()
	if !ok {
		return
	}

	if cause != nil {
		outcome, err := e.machine.MarkStepFailed(ctx, parentID,
			djr.NonRetryable(fmt.Errorf("child workflow %s failed: %w", wfID, cause)))
		if err != nil {
			e.logger.Error("failed to fail parent step",
				slog.String("step_id", parentID.String()), slog.String("error", err.Error()))
			return
		}
		if outcome.Decision == workflow.DecisionWorkflowFailed {
			parent, pErr := e.machine.Store().GetStep(ctx, parentID)
			if pErr == nil {
				e.LinkParent(ctx, parent.WorkflowID, cause)
			}
		}
		return
	}

	outcome, err := e.machine.MarkStepSuccess(ctx, parentID, wf.State)
	if err != nil {
		e.logger.Error("failed to complete parent step",
			slog.String("step_id", parentID.String()), slog.String("error", err.Error()))
		return
	}
	switch outcome.Decision {
	case workflow.DecisionDispatch:
		if err := e.dispatcher.DispatchAll(ctx, outcome.Steps); err != nil {
			e.logger.Error("failed to dispatch after child completion",
				slog.String("step_id", parentID.String()), slog.String("error", err.Error()))
		}
	case workflow.DecisionWorkflowCompleted:
		parent, pErr := e.machine.Store().GetStep(ctx, parentID)
		if pErr == nil {
			e.LinkParent(ctx, parent.WorkflowID, nil)
		}
	}
}

// HandleDeadLetter terminally fails the step behind a dead-lettered
// message so the workflow does not hang waiting on a delivery that will
// never happen again.
func (e *Executor) HandleDeadLetter(ctx context.Context, msg *channel.Message, reason string) {
	entry := workflow.NewHistory(msg.WorkflowID, workflow.EventStepDeadLettered, map[string]any{
		"step_id":    msg.StepID.String(),
		"message_id": msg.ID,
		"reason":     reason,
	})
	if err := e.machine.Store().AppendHistory(ctx, entry); err != nil {
		e.logger.Error("failed to record dead-letter history",
			slog.String("step_id", msg.StepID.String()), slog.String("error", err.Error()))
	}

	deadErr := djr.NonRetryable(fmt.Errorf("delivery attempts exhausted: %s", reason))

	// The step may still be PENDING (never successfully claimed) or
	// IN_PROGRESS (claimed by a run that then lost the message). Claim it
	// if possible so the failure write is legal either way.
	if _, err := e.machine.Claim(ctx, msg.StepID); err != nil && !errors.Is(err, djr.ErrAlreadyClaimed) {
		e.logger.Error("failed to claim dead-lettered step",
			slog.String("step_id", msg.StepID.String()), slog.String("error", err.Error()))
		return
	}
	if _, err := e.machine.MarkStepFailed(ctx, msg.StepID, deadErr); err != nil {
		e.logger.Error("failed to fail dead-lettered step",
			slog.String("step_id", msg.StepID.String()), slog.String("error", err.Error()))
	}
}

// nack returns the delivery to the channel and, when delivery attempts are
// exhausted, handles the resulting dead letter.
func (e *Executor) nack(ctx context.Context, d *channel.Delivery, reason string) error {
	deadLettered, err := e.ch.Nack(ctx, d, reason)
	if err != nil {
		return err
	}
	if deadLettered {
		e.HandleDeadLetter(ctx, d.Msg, reason)
	}
	return nil
}

// closeAttempt closes the audit row. Best effort: the attempt table is an
// audit trail, not a correctness mechanism.
func (e *Executor) closeAttempt(ctx context.Context, a *attempt.Attempt, status, errMsg string, result []byte) {
	if _, err := e.attempts.CloseAttempt(ctx, a.ID, status, errMsg, result); err != nil {
		e.logger.Warn("failed to close attempt record",
			slog.String("attempt_id", a.ID.String()), slog.String("error", err.Error()))
	}
}

// stepTimeout resolves the execution deadline from the step's template.
// Zero when the workflow type or step has none.
func (e *Executor) stepTimeout(ctx context.Context, step *workflow.Step) time.Duration {
	wf, err := e.machine.Store().GetWorkflow(ctx, step.WorkflowID)
	if err != nil {
		return 0
	}
	def, ok := e.machine.Registry().Get(wf.Type)
	if !ok {
		return 0
	}
	tpl, ok := def.Template(step.Name)
	if !ok {
		return 0
	}
	return tpl.Timeout
}

// armTimeout persists a TIMEOUT timer so a worker crash mid-execution
// cannot leave the step IN_PROGRESS forever.
func (e *Executor) armTimeout(ctx context.Context, step *workflow.Step, timeout time.Duration) {
	t := timer.New(timer.TypeTimeout, timer.TargetStep, step.ID.String(), time.Now().Add(timeout+timeoutGrace))
	if err := e.timers.CreateTimer(ctx, t); err != nil {
		e.logger.Warn("failed to arm step timeout timer",
			slog.String("step_id", step.ID.String()), slog.String("error", err.Error()))
	}
}
