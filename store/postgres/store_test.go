package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgcontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	djr "github.com/ankurrokad/distributed-job-runner"
	"github.com/ankurrokad/distributed-job-runner/attempt"
	"github.com/ankurrokad/distributed-job-runner/id"
	"github.com/ankurrokad/distributed-job-runner/idempotency"
	"github.com/ankurrokad/distributed-job-runner/store/postgres"
	"github.com/ankurrokad/distributed-job-runner/timer"
	"github.com/ankurrokad/distributed-job-runner/workflow"
)

// newStore spins up a Postgres container and returns a migrated store.
// Requires Docker; skipped with -short.
func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed store test in short mode")
	}
	ctx := context.Background()

	container, err := pgcontainer.Run(ctx,
		"postgres:16-alpine",
		pgcontainer.WithDatabase("djr_test"),
		pgcontainer.WithUsername("djr"),
		pgcontainer.WithPassword("djr"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := postgres.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Migrate(ctx))
	return store
}

func seedWorkflow(t *testing.T, store *postgres.Store, stepNames ...string) (*workflow.Workflow, []*workflow.Step) {
	t.Helper()
	ctx := context.Background()

	wf := &workflow.Workflow{
		Entity: djr.NewEntity(),
		ID:     id.NewWorkflowID(),
		Type:   "etl_batch",
		Input:  []byte(`{"batch_id":"b1"}`),
		Status: workflow.StatusPending,
	}
	steps := make([]*workflow.Step, 0, len(stepNames))
	for i, name := range stepNames {
		steps = append(steps, &workflow.Step{
			Entity:     djr.NewEntity(),
			ID:         id.NewStepID(),
			WorkflowID: wf.ID,
			StepIndex:  i,
			Name:       name,
			Type:       workflow.StepTask,
			Payload:    wf.Input,
			Status:     workflow.StepPending,
			MaxRetries: 3,
		})
	}
	entry := workflow.NewHistory(wf.ID, workflow.EventWorkflowStarted, map[string]any{"type": wf.Type})
	require.NoError(t, store.CreateWorkflow(ctx, wf, steps, entry))
	return wf, steps
}

func TestStore_WorkflowLifecycle(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	wf, steps := seedWorkflow(t, store, "ingest_batch", "publish_report")

	got, err := store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusPending, got.Status)
	require.Equal(t, wf.Input, got.Input)

	listed, err := store.ListSteps(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	require.Equal(t, "ingest_batch", listed[0].Name)

	// Claim wins once, loses after.
	claimed, err := store.ClaimStep(ctx, steps[0].ID, nil)
	require.NoError(t, err)
	require.Equal(t, workflow.StepInProgress, claimed.Status)
	require.Equal(t, 1, claimed.Attempts)

	_, err = store.ClaimStep(ctx, steps[0].ID, nil)
	require.ErrorIs(t, err, djr.ErrAlreadyClaimed)

	got, err = store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusRunning, got.Status)

	// Complete the first step, claim and complete the last, observe the
	// workflow transition evaluated in the same transaction.
	res, err := store.CompleteStep(ctx, steps[0].ID, workflow.StepCompletion{Result: []byte(`{"rows":10}`)})
	require.NoError(t, err)
	require.False(t, res.WorkflowCompleted)
	require.Len(t, res.NextSteps, 1)
	require.Equal(t, "publish_report", res.NextSteps[0].Name)

	_, err = store.ClaimStep(ctx, steps[1].ID, nil)
	require.NoError(t, err)
	res, err = store.CompleteStep(ctx, steps[1].ID, workflow.StepCompletion{
		WorkflowEntry: workflow.NewHistory(wf.ID, workflow.EventWorkflowCompleted, nil),
	})
	require.NoError(t, err)
	require.True(t, res.WorkflowCompleted)

	got, err = store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusSuccess, got.Status)
	require.NotNil(t, got.CompletedAt)

	history, err := store.ListHistory(ctx, wf.ID, 50)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	require.Equal(t, workflow.EventWorkflowStarted, history[0].EventType)
}

func TestStore_FailureAndRetryRoundtrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, steps := seedWorkflow(t, store, "ingest_batch")
	stepID := steps[0].ID

	_, err := store.ClaimStep(ctx, stepID, nil)
	require.NoError(t, err)

	retryAt := time.Now().Add(time.Minute).UTC()
	retry := timer.New(timer.TypeRetry, timer.TargetStep, stepID.String(), retryAt)
	res, err := store.FailStep(ctx, stepID, workflow.StepFailure{
		LastError: "upstream timeout",
		Retry:     retry,
	})
	require.NoError(t, err)
	require.False(t, res.WorkflowFailed)
	require.Equal(t, workflow.StepFailed, res.Step.Status)

	pending, err := store.HasPendingTimer(ctx, timer.TargetStep, stepID.String())
	require.NoError(t, err)
	require.True(t, pending)

	// The retry timer fires exactly once.
	ok, err := store.FireTimer(ctx, retry.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.FireTimer(ctx, retry.ID, time.Now())
	require.NoError(t, err)
	require.False(t, ok)

	reset, err := store.ResetStepForRetry(ctx, stepID, nil)
	require.NoError(t, err)
	require.Equal(t, workflow.StepPending, reset.Status)
	require.Nil(t, reset.NextRunAt)
	require.Equal(t, 1, reset.Attempts)

	reclaimed, err := store.ClaimStep(ctx, stepID, nil)
	require.NoError(t, err)
	require.Equal(t, 2, reclaimed.Attempts)
}

func TestStore_IdempotencyKeys(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	k := &idempotency.Key{
		Entity: djr.NewEntity(),
		ID:     id.NewKeyID(),
		Owner:  "step:ingest_batch",
		Key:    "wf:st:1",
	}
	require.NoError(t, store.InsertKey(ctx, k))

	dup := &idempotency.Key{Entity: djr.NewEntity(), ID: id.NewKeyID(), Owner: k.Owner, Key: k.Key}
	require.ErrorIs(t, store.InsertKey(ctx, dup), djr.ErrKeyExists)

	ok, err := store.CommitKey(ctx, k.Owner, k.Key, []byte(`{"rows":10}`))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.CommitKey(ctx, k.Owner, k.Key, []byte("late"))
	require.NoError(t, err)
	require.False(t, ok)

	got, err := store.GetKey(ctx, k.Owner, k.Key)
	require.NoError(t, err)
	require.True(t, got.Committed())
	require.Equal(t, []byte(`{"rows":10}`), got.Response)
}

func TestStore_AttemptAudit(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	a := attempt.New("msg-1", id.NewWorkflowID(), id.NewStepID(), 1)
	require.NoError(t, store.CreateAttempt(ctx, a))

	ok, err := store.CloseAttempt(ctx, a.ID, attempt.StatusSuccess, "", []byte("r"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.CloseAttempt(ctx, a.ID, attempt.StatusFailed, "late", nil)
	require.NoError(t, err)
	require.False(t, ok)

	attempts, err := store.ListAttemptsByStep(ctx, a.StepID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.Equal(t, attempt.StatusSuccess, attempts[0].Status)
	require.NotNil(t, attempts[0].FinishedAt)
}
