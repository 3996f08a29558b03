// Package dispatcher moves runnable steps toward execution. TASK steps are
// published onto the delivery channel; TIMER steps mint a durable DELAY
// timer instead; SUBWORKFLOW steps claim themselves and start the child
// workflow whose completion will resolve them.
//
// Dispatch tolerates being called twice for the same step: the channel's
// dedup key suppresses duplicate enqueues for the same claim attempt, and
// the worker-side claim rejects whatever slips through. Crashed dispatches
// are therefore safe to replay.
package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ankurrokad/distributed-job-runner/channel"
	"github.com/ankurrokad/distributed-job-runner/timer"
	"github.com/ankurrokad/distributed-job-runner/workflow"
)

// defaultTimerDelay applies to TIMER steps whose template carries no
// duration.
const defaultTimerDelay = time.Minute

// SubworkflowPayload is the expected payload of a SUBWORKFLOW step.
type SubworkflowPayload struct {
	WorkflowType string          `json:"workflow_type"`
	Input        json.RawMessage `json:"input,omitempty"`
}

// Dispatcher routes runnable steps by step type.
type Dispatcher struct {
	machine *workflow.Machine
	timers  timer.Store
	channel channel.Channel
	logger  *slog.Logger
}

// New creates a dispatcher over the state machine, timer store, and
// delivery channel.
func New(machine *workflow.Machine, timers timer.Store, ch channel.Channel, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{machine: machine, timers: timers, channel: ch, logger: logger}
}

// Dispatch makes one step runnable. Steps of paused, cancelled, or
// otherwise terminal workflows are silently not dispatched; paused
// workflows re-dispatch their pending frontier on resume.
func (d *Dispatcher) Dispatch(ctx context.Context, step *workflow.Step) error {
	wf, err := d.machine.Store().GetWorkflow(ctx, step.WorkflowID)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", step.ID, err)
	}
	if wf.Status.Terminal() {
		d.logger.Debug("skipping dispatch for terminal workflow",
			slog.String("workflow_id", wf.ID.String()),
			slog.String("step_id", step.ID.String()),
			slog.String("status", string(wf.Status)),
		)
		return nil
	}
	if wf.IsPaused {
		d.logger.Debug("skipping dispatch for paused workflow",
			slog.String("workflow_id", wf.ID.String()),
			slog.String("step_id", step.ID.String()),
		)
		return nil
	}

	switch step.Type {
	case workflow.StepTimer:
		return d.dispatchTimer(ctx, wf, step)
	case workflow.StepSubworkflow:
		return d.dispatchSubworkflow(ctx, step)
	default:
		return d.dispatchTask(ctx, step)
	}
}

// DispatchAll dispatches each step, returning the first error.
func (d *Dispatcher) DispatchAll(ctx context.Context, steps []*workflow.Step) error {
	for _, s := range steps {
		if err := d.Dispatch(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// dispatchTask publishes the step onto the delivery channel.
func (d *Dispatcher) dispatchTask(ctx context.Context, step *workflow.Step) error {
	msg := channel.NewMessage(step.WorkflowID, step.ID, step.Name, step.Payload, step.Attempts+1)
	err := d.channel.Enqueue(ctx, msg, channel.EnqueueOptions{
		DedupKey: DedupKey(step),
	})
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", step.ID, err)
	}

	entry := workflow.NewHistory(step.WorkflowID, workflow.EventStepDispatched, map[string]any{
		"step_id":    step.ID.String(),
		"step_name":  step.Name,
		"message_id": msg.ID,
		"attempt":    msg.Attempt,
	})
	if err := d.machine.Store().AppendHistory(ctx, entry); err != nil {
		// The message is already on the channel; a missing audit row is
		// not worth failing the dispatch over.
		d.logger.Warn("failed to record dispatch history",
			slog.String("workflow_id", step.WorkflowID.String()),
			slog.String("step_id", step.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	d.logger.Debug("dispatched step",
		slog.String("workflow_id", step.WorkflowID.String()),
		slog.String("step_id", step.ID.String()),
		slog.String("step_name", step.Name),
		slog.Int("attempt", msg.Attempt),
	)
	return nil
}

// dispatchTimer mints a durable DELAY timer; the sweep resolves the step
// when it fires. A pending timer from an earlier dispatch of the same step
// is honored, not duplicated.
func (d *Dispatcher) dispatchTimer(ctx context.Context, wf *workflow.Workflow, step *workflow.Step) error {
	pending, err := d.timers.HasPendingTimer(ctx, timer.TargetStep, step.ID.String())
	if err != nil {
		return fmt.Errorf("dispatch timer step %s: %w", step.ID, err)
	}
	if pending {
		return nil
	}

	delay := defaultTimerDelay
	if def, ok := d.machine.Registry().Get(wf.Type); ok {
		if tpl, ok := def.Template(step.Name); ok && tpl.Timeout > 0 {
			delay = tpl.Timeout
		}
	}

	t := timer.New(timer.TypeDelay, timer.TargetStep, step.ID.String(), time.Now().Add(delay))
	if err := d.timers.CreateTimer(ctx, t); err != nil {
		return fmt.Errorf("dispatch timer step %s: %w", step.ID, err)
	}

	d.logger.Debug("delay timer minted",
		slog.String("workflow_id", step.WorkflowID.String()),
		slog.String("step_id", step.ID.String()),
		slog.Time("when", t.When),
	)
	return nil
}

// dispatchSubworkflow claims the step and starts the child workflow. The
// step stays IN_PROGRESS until the child reaches a terminal state; the
// worker executor links the child's outcome back through CreatedBy.
func (d *Dispatcher) dispatchSubworkflow(ctx context.Context, step *workflow.Step) error {
	var p SubworkflowPayload
	if err := json.Unmarshal(step.Payload, &p); err != nil {
		return fmt.Errorf("dispatch subworkflow step %s: decode payload: %w", step.ID, err)
	}

	claimed, err := d.machine.Claim(ctx, step.ID)
	if err != nil {
		// Already claimed means an earlier dispatch started the child.
		return nil
	}

	child, initial, err := d.machine.StartOwned(ctx, p.WorkflowType, p.Input, workflow.OwnerStepRef(claimed.ID))
	if err != nil {
		_, failErr := d.machine.MarkStepFailed(ctx, claimed.ID, err)
		if failErr != nil {
			return fmt.Errorf("dispatch subworkflow step %s: %w", step.ID, failErr)
		}
		return nil
	}

	d.logger.Info("child workflow started",
		slog.String("workflow_id", step.WorkflowID.String()),
		slog.String("step_id", step.ID.String()),
		slog.String("child_id", child.ID.String()),
		slog.String("child_type", child.Type),
	)

	return d.DispatchAll(ctx, initial)
}

// DedupKey derives the channel dedup key for a step's next claim attempt.
// It is stable across dispatcher restarts, so replaying a crashed dispatch
// collapses onto the original enqueue, while each retry attempt gets a
// fresh key.
func DedupKey(step *workflow.Step) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d", step.WorkflowID, step.ID, step.Attempts))
	return hex.EncodeToString(sum[:16])
}
