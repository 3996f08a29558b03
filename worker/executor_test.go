package worker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	djr "github.com/ankurrokad/distributed-job-runner"
	"github.com/ankurrokad/distributed-job-runner/attempt"
	"github.com/ankurrokad/distributed-job-runner/backoff"
	"github.com/ankurrokad/distributed-job-runner/channel"
	chmem "github.com/ankurrokad/distributed-job-runner/channel/memory"
	"github.com/ankurrokad/distributed-job-runner/dispatcher"
	"github.com/ankurrokad/distributed-job-runner/handler"
	"github.com/ankurrokad/distributed-job-runner/idempotency"
	"github.com/ankurrokad/distributed-job-runner/middleware"
	"github.com/ankurrokad/distributed-job-runner/store/memory"
	"github.com/ankurrokad/distributed-job-runner/timer"
	"github.com/ankurrokad/distributed-job-runner/worker"
	"github.com/ankurrokad/distributed-job-runner/workflow"
)

type rig struct {
	store    *memory.Store
	ch       *chmem.Channel
	machine  *workflow.Machine
	handlers *handler.Registry
	disp     *dispatcher.Dispatcher
	exec     *worker.Executor
}

func newRig(t *testing.T, defs ...*workflow.Definition) *rig {
	t.Helper()
	store := memory.New()
	ch := chmem.New(chmem.WithBackoff(backoff.NewConstant(0)), chmem.WithMaxAttempts(3))
	registry := workflow.NewRegistry()
	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	machine := workflow.NewMachine(store, registry, backoff.NewConstant(time.Second), nil)
	handlers := handler.NewRegistry()
	disp := dispatcher.New(machine, store, ch, nil)
	guard := idempotency.NewGuard(store, time.Hour)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := worker.NewExecutor(machine, guard, store, store, disp, handlers, ch, logger,
		middleware.Recover(logger))
	return &rig{store: store, ch: ch, machine: machine, handlers: handlers, disp: disp, exec: exec}
}

func (r *rig) start(t *testing.T, workflowType string) *workflow.Workflow {
	t.Helper()
	ctx := context.Background()
	wf, initial, err := r.machine.Start(ctx, workflowType, []byte(`{"batch_id":"b1"}`))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.disp.DispatchAll(ctx, initial); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	return wf
}

func (r *rig) receiveOne(t *testing.T) *channel.Delivery {
	t.Helper()
	deliveries, err := r.ch.Receive(context.Background(), 1)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(deliveries))
	}
	return deliveries[0]
}

func twoStepDef() *workflow.Definition {
	return &workflow.Definition{
		Type: "etl_batch",
		Steps: []workflow.StepTemplate{
			{Name: "ingest_batch", MaxRetries: 2},
			{Name: "publish_report"},
		},
	}
}

// ---------------------------------------------------------------------------
// Success path
// ---------------------------------------------------------------------------

func TestExecutor_SuccessDispatchesNext(t *testing.T) {
	r := newRig(t, twoStepDef())
	ctx := context.Background()

	var ran atomic.Int32
	r.handlers.Register("ingest_batch", func(ctx context.Context, task *handler.Task) ([]byte, error) {
		ran.Add(1)
		return []byte(`{"rows":12}`), nil
	})

	wf := r.start(t, "etl_batch")
	d := r.receiveOne(t)

	if err := r.exec.Execute(ctx, d); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if ran.Load() != 1 {
		t.Fatalf("expected handler to run once, ran %d", ran.Load())
	}

	// The completion dispatched publish_report onto the channel.
	if r.ch.Depth() != 1 {
		t.Fatalf("expected the next step enqueued, depth %d", r.ch.Depth())
	}

	steps, _ := r.store.ListSteps(ctx, wf.ID)
	if steps[0].Status != workflow.StepSuccess {
		t.Fatalf("expected SUCCESS, got %s", steps[0].Status)
	}
	if string(steps[0].Result) != `{"rows":12}` {
		t.Fatalf("expected result persisted, got %q", steps[0].Result)
	}

	// The attempt audit row is closed.
	attempts, err := r.store.ListAttemptsByStep(ctx, steps[0].ID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 1 || attempts[0].Status != attempt.StatusSuccess {
		t.Fatalf("expected one SUCCESS attempt, got %+v", attempts)
	}
}

func TestExecutor_DuplicateDeliveryAckedWithoutEffect(t *testing.T) {
	r := newRig(t, twoStepDef())
	ctx := context.Background()

	var ran atomic.Int32
	r.handlers.Register("ingest_batch", func(ctx context.Context, task *handler.Task) ([]byte, error) {
		ran.Add(1)
		return nil, nil
	})

	wf := r.start(t, "etl_batch")
	d := r.receiveOne(t)

	// Simulate a duplicate: the claim is already held by someone else.
	steps, _ := r.store.ListSteps(ctx, wf.ID)
	if _, err := r.machine.Claim(ctx, steps[0].ID); err != nil {
		t.Fatalf("pre-claim: %v", err)
	}

	if err := r.exec.Execute(ctx, d); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if ran.Load() != 0 {
		t.Fatal("duplicate delivery must not run the handler")
	}

	attempts, _ := r.store.ListAttemptsByStep(ctx, steps[0].ID)
	if len(attempts) != 1 || attempts[0].Status != attempt.StatusDuplicate {
		t.Fatalf("expected a DUPLICATE attempt record, got %+v", attempts)
	}
}

// ---------------------------------------------------------------------------
// Failure path
// ---------------------------------------------------------------------------

func TestExecutor_HandlerFailureAcksAndSchedulesRetry(t *testing.T) {
	r := newRig(t, twoStepDef())
	ctx := context.Background()

	r.handlers.Register("ingest_batch", func(ctx context.Context, task *handler.Task) ([]byte, error) {
		return nil, errors.New("upstream timeout")
	})

	wf := r.start(t, "etl_batch")
	d := r.receiveOne(t)

	if err := r.exec.Execute(ctx, d); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// Handler failures ack: retry is the state machine's job.
	if r.ch.Depth() != 0 {
		t.Fatalf("expected the message acked, depth %d", r.ch.Depth())
	}

	steps, _ := r.store.ListSteps(ctx, wf.ID)
	if steps[0].Status != workflow.StepFailed {
		t.Fatalf("expected FAILED, got %s", steps[0].Status)
	}
	pending, _ := r.store.HasPendingTimer(ctx, timer.TargetStep, steps[0].ID.String())
	if !pending {
		t.Fatal("expected a RETRY timer")
	}

	attempts, _ := r.store.ListAttemptsByStep(ctx, steps[0].ID)
	if len(attempts) != 1 || attempts[0].Status != attempt.StatusFailed {
		t.Fatalf("expected a FAILED attempt record, got %+v", attempts)
	}
}

func TestExecutor_MissingHandlerIsTerminal(t *testing.T) {
	r := newRig(t, twoStepDef())
	ctx := context.Background()

	// Nothing registered for ingest_batch.
	wf := r.start(t, "etl_batch")
	d := r.receiveOne(t)

	if err := r.exec.Execute(ctx, d); err != nil {
		t.Fatalf("execute: %v", err)
	}

	cur, _ := r.store.GetWorkflow(ctx, wf.ID)
	if cur.Status != workflow.StatusFailed {
		t.Fatalf("expected workflow FAILED for a missing handler, got %s", cur.Status)
	}
}

func TestExecutor_PanicIsContainedAndRetried(t *testing.T) {
	r := newRig(t, twoStepDef())
	ctx := context.Background()

	r.handlers.Register("ingest_batch", func(ctx context.Context, task *handler.Task) ([]byte, error) {
		panic("boom")
	})

	wf := r.start(t, "etl_batch")
	d := r.receiveOne(t)

	if err := r.exec.Execute(ctx, d); err != nil {
		t.Fatalf("execute: %v", err)
	}

	steps, _ := r.store.ListSteps(ctx, wf.ID)
	if steps[0].Status != workflow.StepFailed {
		t.Fatalf("expected FAILED after panic, got %s", steps[0].Status)
	}
	pending, _ := r.store.HasPendingTimer(ctx, timer.TargetStep, steps[0].ID.String())
	if !pending {
		t.Fatal("a panic is a failure like any other: expected a RETRY timer")
	}
}

// ---------------------------------------------------------------------------
// Idempotent replay
// ---------------------------------------------------------------------------

func TestExecutor_ReplayReusesCommittedResponse(t *testing.T) {
	r := newRig(t, twoStepDef())
	ctx := context.Background()

	var ran atomic.Int32
	r.handlers.Register("ingest_batch", func(ctx context.Context, task *handler.Task) ([]byte, error) {
		ran.Add(1)
		return []byte("effect"), nil
	})

	wf := r.start(t, "etl_batch")
	d := r.receiveOne(t)
	if err := r.exec.Execute(ctx, d); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// Force the step back to the same attempt and replay: the committed
	// idempotency key must satisfy the reservation without re-running the
	// handler. This mimics a redelivery that lost the original claim race
	// but arrives after the step was manually reset.
	steps, _ := r.store.ListSteps(ctx, wf.ID)
	guard := idempotency.NewGuard(r.store, time.Hour)
	res, err := guard.Reserve(ctx, "step:ingest_batch",
		steps[0].WorkflowID.String()+":"+steps[0].ID.String()+":1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.Fresh {
		t.Fatal("expected the executor to have committed the key")
	}
	if string(res.Response) != "effect" {
		t.Fatalf("expected the cached response, got %q", res.Response)
	}
	if ran.Load() != 1 {
		t.Fatalf("handler must have run exactly once, ran %d", ran.Load())
	}
}

// ---------------------------------------------------------------------------
// Dead-letter surfacing
// ---------------------------------------------------------------------------

func TestExecutor_DeadLetterFailsStepTerminally(t *testing.T) {
	r := newRig(t, twoStepDef())
	ctx := context.Background()

	wf := r.start(t, "etl_batch")
	d := r.receiveOne(t)

	r.exec.HandleDeadLetter(ctx, d.Msg, "delivery attempts exhausted")

	cur, _ := r.store.GetWorkflow(ctx, wf.ID)
	if cur.Status != workflow.StatusFailed {
		t.Fatalf("expected workflow FAILED, got %s", cur.Status)
	}

	history, _ := r.store.ListHistory(ctx, wf.ID, 20)
	found := false
	for _, h := range history {
		if h.EventType == workflow.EventStepDeadLettered {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a STEP_DEAD_LETTERED history entry")
	}
}

// ---------------------------------------------------------------------------
// Subworkflow linkage
// ---------------------------------------------------------------------------

func TestExecutor_ChildCompletionResolvesParentStep(t *testing.T) {
	r := newRig(t,
		&workflow.Definition{
			Type: "parent",
			Steps: []workflow.StepTemplate{
				{
					Name:    "run_child",
					Type:    workflow.StepSubworkflow,
					Payload: []byte(`{"workflow_type":"child"}`),
				},
			},
		},
		&workflow.Definition{
			Type:  "child",
			Steps: []workflow.StepTemplate{{Name: "child_work"}},
		},
	)
	ctx := context.Background()

	r.handlers.Register("child_work", func(ctx context.Context, task *handler.Task) ([]byte, error) {
		return []byte("done"), nil
	})

	parent := r.start(t, "parent")

	// The subworkflow dispatch enqueued the child's first step.
	d := r.receiveOne(t)
	if err := r.exec.Execute(ctx, d); err != nil {
		t.Fatalf("execute child step: %v", err)
	}

	// Child completion cascades to the parent step and workflow.
	cur, _ := r.store.GetWorkflow(ctx, parent.ID)
	if cur.Status != workflow.StatusSuccess {
		t.Fatalf("expected parent SUCCESS, got %s", cur.Status)
	}
}

func TestExecutor_ChildFailureFailsParent(t *testing.T) {
	r := newRig(t,
		&workflow.Definition{
			Type: "parent",
			Steps: []workflow.StepTemplate{
				{
					Name:    "run_child",
					Type:    workflow.StepSubworkflow,
					Payload: []byte(`{"workflow_type":"child"}`),
				},
			},
		},
		&workflow.Definition{
			Type:  "child",
			Steps: []workflow.StepTemplate{{Name: "child_work", MaxRetries: 1}},
		},
	)
	ctx := context.Background()

	r.handlers.Register("child_work", func(ctx context.Context, task *handler.Task) ([]byte, error) {
		return nil, djr.NonRetryable(errors.New("bad input"))
	})

	parent := r.start(t, "parent")
	d := r.receiveOne(t)
	if err := r.exec.Execute(ctx, d); err != nil {
		t.Fatalf("execute child step: %v", err)
	}

	cur, _ := r.store.GetWorkflow(ctx, parent.ID)
	if cur.Status != workflow.StatusFailed {
		t.Fatalf("expected parent FAILED, got %s", cur.Status)
	}
}
