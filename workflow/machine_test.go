package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	djr "github.com/ankurrokad/distributed-job-runner"
	"github.com/ankurrokad/distributed-job-runner/backoff"
	"github.com/ankurrokad/distributed-job-runner/id"
	"github.com/ankurrokad/distributed-job-runner/store/memory"
	"github.com/ankurrokad/distributed-job-runner/timer"
	"github.com/ankurrokad/distributed-job-runner/workflow"
)

func newMachine(t *testing.T) (*workflow.Machine, *memory.Store) {
	t.Helper()
	store := memory.New()
	registry := workflow.NewRegistry()
	err := registry.Register(&workflow.Definition{
		Type: "etl_batch",
		Steps: []workflow.StepTemplate{
			{Name: "ingest_batch", MaxRetries: 3},
			{Name: "transform_users", ParallelGroup: "transforms"},
			{Name: "transform_orders", ParallelGroup: "transforms"},
			{Name: "publish_report"},
		},
	})
	if err != nil {
		t.Fatalf("register definition: %v", err)
	}
	m := workflow.NewMachine(store, registry, backoff.NewConstant(time.Second), nil)
	return m, store
}

func start(t *testing.T, m *workflow.Machine) (*workflow.Workflow, []*workflow.Step) {
	t.Helper()
	wf, initial, err := m.Start(context.Background(), "etl_batch", []byte(`{"batch_id":"b1"}`))
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	return wf, initial
}

// stepByName finds a step of the workflow by name.
func stepByName(t *testing.T, store *memory.Store, wfID id.WorkflowID, name string) *workflow.Step {
	t.Helper()
	steps, err := store.ListSteps(context.Background(), wfID)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	for _, s := range steps {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no step named %q", name)
	return nil
}

// ---------------------------------------------------------------------------
// Start
// ---------------------------------------------------------------------------

func TestMachine_Start(t *testing.T) {
	m, store := newMachine(t)
	wf, initial := start(t, m)

	if wf.Status != workflow.StatusPending {
		t.Fatalf("expected PENDING, got %s", wf.Status)
	}
	if len(initial) != 1 || initial[0].Name != "ingest_batch" {
		t.Fatalf("expected initial [ingest_batch], got %v", initial)
	}

	history, err := store.ListHistory(context.Background(), wf.ID, 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(history) != 1 || history[0].EventType != workflow.EventWorkflowStarted {
		t.Fatalf("expected one WORKFLOW_STARTED entry, got %d entries", len(history))
	}
}

func TestMachine_Start_UnknownType(t *testing.T) {
	m, _ := newMachine(t)
	if _, _, err := m.Start(context.Background(), "nope", nil); err == nil {
		t.Fatal("expected error for unknown workflow type")
	}
}

// ---------------------------------------------------------------------------
// Claim
// ---------------------------------------------------------------------------

func TestMachine_Claim(t *testing.T) {
	m, store := newMachine(t)
	wf, initial := start(t, m)

	claimed, err := m.Claim(context.Background(), initial[0].ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != workflow.StepInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", claimed.Status)
	}
	if claimed.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", claimed.Attempts)
	}

	cur, err := store.GetWorkflow(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if cur.Status != workflow.StatusRunning {
		t.Fatalf("expected workflow RUNNING after first claim, got %s", cur.Status)
	}
}

func TestMachine_Claim_ExactlyOneWinner(t *testing.T) {
	m, _ := newMachine(t)
	_, initial := start(t, m)
	stepID := initial[0].ID

	const claimants = 16
	var wins, losses int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for range claimants {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Claim(context.Background(), stepID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, djr.ErrAlreadyClaimed):
				losses++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly 1 winner, got %d (losses %d)", wins, losses)
	}
	if losses != claimants-1 {
		t.Fatalf("expected %d losers, got %d", claimants-1, losses)
	}
}

// ---------------------------------------------------------------------------
// Completion chain and parallel barrier
// ---------------------------------------------------------------------------

func completeStep(t *testing.T, m *workflow.Machine, stepID id.StepID) *workflow.Outcome {
	t.Helper()
	if _, err := m.Claim(context.Background(), stepID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	out, err := m.MarkStepSuccess(context.Background(), stepID, []byte(`{"ok":true}`))
	if err != nil {
		t.Fatalf("mark success: %v", err)
	}
	return out
}

func TestMachine_CompletionUnlocksParallelGroup(t *testing.T) {
	m, _ := newMachine(t)
	_, initial := start(t, m)

	out := completeStep(t, m, initial[0].ID)
	if out.Decision != workflow.DecisionDispatch {
		t.Fatalf("expected DecisionDispatch, got %d", out.Decision)
	}
	if len(out.Steps) != 2 {
		t.Fatalf("expected both group members dispatched, got %d", len(out.Steps))
	}
}

func TestMachine_ParallelGroupBarrier(t *testing.T) {
	m, store := newMachine(t)
	wf, initial := start(t, m)
	completeStep(t, m, initial[0].ID)

	users := stepByName(t, store, wf.ID, "transform_users")
	orders := stepByName(t, store, wf.ID, "transform_orders")

	out := completeStep(t, m, users.ID)
	if out.Decision != workflow.DecisionGroupWait {
		t.Fatalf("expected DecisionGroupWait with a sibling outstanding, got %d", out.Decision)
	}
	if out.GroupRemaining != 1 {
		t.Fatalf("expected 1 remaining, got %d", out.GroupRemaining)
	}

	out = completeStep(t, m, orders.ID)
	if out.Decision != workflow.DecisionDispatch {
		t.Fatalf("expected barrier release, got %d", out.Decision)
	}
	if len(out.Steps) != 1 || out.Steps[0].Name != "publish_report" {
		t.Fatalf("expected publish_report next, got %v", out.Steps)
	}
}

func TestMachine_LastStepCompletesWorkflow(t *testing.T) {
	m, store := newMachine(t)
	wf, initial := start(t, m)
	completeStep(t, m, initial[0].ID)
	completeStep(t, m, stepByName(t, store, wf.ID, "transform_users").ID)
	completeStep(t, m, stepByName(t, store, wf.ID, "transform_orders").ID)

	out := completeStep(t, m, stepByName(t, store, wf.ID, "publish_report").ID)
	if out.Decision != workflow.DecisionWorkflowCompleted {
		t.Fatalf("expected DecisionWorkflowCompleted, got %d", out.Decision)
	}

	cur, _ := store.GetWorkflow(context.Background(), wf.ID)
	if cur.Status != workflow.StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", cur.Status)
	}
	if cur.CompletedAt == nil {
		t.Fatal("expected CompletedAt to be set")
	}
}

func TestMachine_DuplicateSuccessReportIsNoop(t *testing.T) {
	m, _ := newMachine(t)
	_, initial := start(t, m)
	completeStep(t, m, initial[0].ID)

	out, err := m.MarkStepSuccess(context.Background(), initial[0].ID, nil)
	if err != nil {
		t.Fatalf("duplicate report: %v", err)
	}
	if out.Decision != workflow.DecisionNone {
		t.Fatalf("expected DecisionNone for duplicate report, got %d", out.Decision)
	}
}

// ---------------------------------------------------------------------------
// Failure, retry, exhaustion
// ---------------------------------------------------------------------------

func TestMachine_FailureSchedulesRetry(t *testing.T) {
	m, store := newMachine(t)
	_, initial := start(t, m)
	stepID := initial[0].ID

	if _, err := m.Claim(context.Background(), stepID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	out, err := m.MarkStepFailed(context.Background(), stepID, errors.New("timeout"))
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if out.Decision != workflow.DecisionRetryScheduled {
		t.Fatalf("expected DecisionRetryScheduled, got %d", out.Decision)
	}
	if out.RetryAt.IsZero() {
		t.Fatal("expected RetryAt to be set")
	}

	cur, _ := store.GetStep(context.Background(), stepID)
	if cur.Status != workflow.StepFailed {
		t.Fatalf("expected FAILED until the timer fires, got %s", cur.Status)
	}

	pending, err := store.HasPendingTimer(context.Background(), timer.TargetStep, stepID.String())
	if err != nil {
		t.Fatalf("has pending timer: %v", err)
	}
	if !pending {
		t.Fatal("expected a pending RETRY timer for the step")
	}
}

func TestMachine_RetryStepReenters(t *testing.T) {
	m, _ := newMachine(t)
	_, initial := start(t, m)
	stepID := initial[0].ID

	if _, err := m.Claim(context.Background(), stepID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := m.MarkStepFailed(context.Background(), stepID, errors.New("timeout")); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	step, err := m.RetryStep(context.Background(), stepID)
	if err != nil {
		t.Fatalf("retry step: %v", err)
	}
	if step.Status != workflow.StepPending {
		t.Fatalf("expected PENDING after retry re-entry, got %s", step.Status)
	}

	// Attempts survive the re-entry; the next claim is attempt 2.
	claimed, err := m.Claim(context.Background(), stepID)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if claimed.Attempts != 2 {
		t.Fatalf("expected attempts=2, got %d", claimed.Attempts)
	}
}

func TestMachine_RetryExhaustionFailsWorkflow(t *testing.T) {
	m, store := newMachine(t)
	wf, initial := start(t, m)
	stepID := initial[0].ID

	// MaxRetries=3 allows 4 claims; the 4th failure is terminal.
	var out *workflow.Outcome
	for i := range 4 {
		if _, err := m.Claim(context.Background(), stepID); err != nil {
			t.Fatalf("claim %d: %v", i+1, err)
		}
		var err error
		out, err = m.MarkStepFailed(context.Background(), stepID, errors.New("timeout"))
		if err != nil {
			t.Fatalf("fail %d: %v", i+1, err)
		}
		if i < 3 {
			if out.Decision != workflow.DecisionRetryScheduled {
				t.Fatalf("attempt %d: expected retry, got %d", i+1, out.Decision)
			}
			if _, err := m.RetryStep(context.Background(), stepID); err != nil {
				t.Fatalf("retry %d: %v", i+1, err)
			}
		}
	}

	if out.Decision != workflow.DecisionWorkflowFailed {
		t.Fatalf("expected DecisionWorkflowFailed on exhaustion, got %d", out.Decision)
	}

	cur, _ := store.GetWorkflow(context.Background(), wf.ID)
	if cur.Status != workflow.StatusFailed {
		t.Fatalf("expected workflow FAILED, got %s", cur.Status)
	}
	if cur.FailedAt == nil {
		t.Fatal("expected FailedAt to be set")
	}

	failures := 0
	history, _ := store.ListHistory(context.Background(), wf.ID, 50)
	for _, h := range history {
		if h.EventType == workflow.EventWorkflowFailed {
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("expected exactly one WORKFLOW_FAILED entry, got %d", failures)
	}
}

func TestMachine_NonRetryableFailsImmediately(t *testing.T) {
	m, store := newMachine(t)
	wf, initial := start(t, m)
	stepID := initial[0].ID

	if _, err := m.Claim(context.Background(), stepID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	out, err := m.MarkStepFailed(context.Background(), stepID, djr.NonRetryable(errors.New("bad input")))
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if out.Decision != workflow.DecisionWorkflowFailed {
		t.Fatalf("expected immediate workflow failure, got %d", out.Decision)
	}

	cur, _ := store.GetWorkflow(context.Background(), wf.ID)
	if cur.Status != workflow.StatusFailed {
		t.Fatalf("expected FAILED, got %s", cur.Status)
	}
}

func TestMachine_StaleFailureReportIsNoop(t *testing.T) {
	m, _ := newMachine(t)
	_, initial := start(t, m)

	// Never claimed: the step is PENDING, so a failure report is stale.
	out, err := m.MarkStepFailed(context.Background(), initial[0].ID, errors.New("late"))
	if err != nil {
		t.Fatalf("stale report: %v", err)
	}
	if out.Decision != workflow.DecisionNone {
		t.Fatalf("expected DecisionNone, got %d", out.Decision)
	}
}

func TestMachine_StaleSuccessReportIsNoop(t *testing.T) {
	m, store := newMachine(t)
	_, initial := start(t, m)
	ctx := context.Background()
	stepID := initial[0].ID

	// A slow worker holds the claim while a TIMEOUT timer fails the step
	// and its RETRY timer resets it to PENDING.
	if _, err := m.Claim(ctx, stepID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := m.TimeoutStep(ctx, stepID); err != nil {
		t.Fatalf("timeout: %v", err)
	}
	if _, err := m.RetryStep(ctx, stepID); err != nil {
		t.Fatalf("retry: %v", err)
	}

	// The slow worker's success report arrives after the reset. The step
	// belongs to the next attempt now; the report must be swallowed, not
	// surfaced as an error (an error would nack and eventually dead-letter
	// a legitimately retrying step).
	out, err := m.MarkStepSuccess(ctx, stepID, []byte("late result"))
	if err != nil {
		t.Fatalf("stale success report: %v", err)
	}
	if out.Decision != workflow.DecisionNone {
		t.Fatalf("expected DecisionNone, got %d", out.Decision)
	}

	st := stepByName(t, store, initial[0].WorkflowID, "ingest_batch")
	if st.Status != workflow.StepPending {
		t.Fatalf("expected the retrying step left PENDING, got %s", st.Status)
	}
	if st.Result != nil {
		t.Fatalf("stale result must not be persisted, got %q", st.Result)
	}
}

// ---------------------------------------------------------------------------
// Pause / resume / cancel
// ---------------------------------------------------------------------------

func TestMachine_PauseResume(t *testing.T) {
	m, store := newMachine(t)
	wf, initial := start(t, m)
	completeStep(t, m, initial[0].ID)

	ok, err := m.Pause(context.Background(), wf.ID)
	if err != nil || !ok {
		t.Fatalf("pause: ok=%v err=%v", ok, err)
	}
	cur, _ := store.GetWorkflow(context.Background(), wf.ID)
	if !cur.IsPaused {
		t.Fatal("expected IsPaused")
	}

	steps, err := m.Resume(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected both pending transforms runnable after resume, got %d", len(steps))
	}
}

func TestMachine_CancelCancelsTimers(t *testing.T) {
	m, store := newMachine(t)
	wf, initial := start(t, m)
	stepID := initial[0].ID

	if _, err := m.Claim(context.Background(), stepID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := m.MarkStepFailed(context.Background(), stepID, errors.New("timeout")); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	ok, err := m.Cancel(context.Background(), wf.ID, store)
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}

	cur, _ := store.GetWorkflow(context.Background(), wf.ID)
	if cur.Status != workflow.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", cur.Status)
	}

	pending, _ := store.HasPendingTimer(context.Background(), timer.TargetStep, stepID.String())
	if pending {
		t.Fatal("expected the RETRY timer to be cancelled")
	}
}

func TestMachine_CancelTerminalIsNoop(t *testing.T) {
	m, store := newMachine(t)
	wf, initial := start(t, m)
	completeStep(t, m, initial[0].ID)
	completeStep(t, m, stepByName(t, store, wf.ID, "transform_users").ID)
	completeStep(t, m, stepByName(t, store, wf.ID, "transform_orders").ID)
	completeStep(t, m, stepByName(t, store, wf.ID, "publish_report").ID)

	ok, err := m.Cancel(context.Background(), wf.ID, store)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ok {
		t.Fatal("expected cancel of a terminal workflow to report false")
	}
}

// ---------------------------------------------------------------------------
// Dynamic fan-out
// ---------------------------------------------------------------------------

func TestMachine_AppendSteps(t *testing.T) {
	m, store := newMachine(t)
	wf, initial := start(t, m)
	completeStep(t, m, initial[0].ID)

	created, err := m.AppendSteps(context.Background(), wf.ID, []workflow.StepTemplate{
		{Name: "chunk_0", ParallelGroup: "chunks"},
		{Name: "chunk_1", ParallelGroup: "chunks"},
	})
	if err != nil {
		t.Fatalf("append steps: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("expected 2 created, got %d", len(created))
	}

	steps, _ := store.ListSteps(context.Background(), wf.ID)
	seen := map[int]bool{}
	for _, s := range steps {
		if seen[s.StepIndex] {
			t.Fatalf("duplicate step index %d", s.StepIndex)
		}
		seen[s.StepIndex] = true
	}
	if len(steps) != 6 {
		t.Fatalf("expected 6 steps total, got %d", len(steps))
	}
}
