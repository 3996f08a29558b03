package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	djr "github.com/ankurrokad/distributed-job-runner"
	"github.com/ankurrokad/distributed-job-runner/id"
	"github.com/ankurrokad/distributed-job-runner/workflow"
)

// queryer is the subset of pgx satisfied by both *pgxpool.Pool and pgx.Tx.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const workflowCols = `id, type, tenant_id, input, state, status, current_step, attempts,
	is_paused, created_by, completed_at, failed_at, created_at, updated_at`

const stepCols = `id, workflow_id, step_index, name, type, parallel_group, payload, result,
	status, scheduled_at, next_run_at, attempts, max_retries, last_error, created_at, updated_at`

func scanWorkflow(row pgx.Row) (*workflow.Workflow, error) {
	var wf workflow.Workflow
	err := row.Scan(
		&wf.ID, &wf.Type, &wf.TenantID, &wf.Input, &wf.State, &wf.Status, &wf.CurrentStep,
		&wf.Attempts, &wf.IsPaused, &wf.CreatedBy, &wf.CompletedAt, &wf.FailedAt,
		&wf.CreatedAt, &wf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

func scanStep(row pgx.Row) (*workflow.Step, error) {
	var st workflow.Step
	err := row.Scan(
		&st.ID, &st.WorkflowID, &st.StepIndex, &st.Name, &st.Type, &st.ParallelGroup,
		&st.Payload, &st.Result, &st.Status, &st.ScheduledAt, &st.NextRunAt,
		&st.Attempts, &st.MaxRetries, &st.LastError, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func insertStep(ctx context.Context, q queryer, st *workflow.Step) error {
	_, err := q.Exec(ctx, `
		INSERT INTO djr_workflow_steps
			(id, workflow_id, step_index, name, type, parallel_group, payload, result,
			 status, scheduled_at, next_run_at, attempts, max_retries, last_error,
			 created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		st.ID, st.WorkflowID, st.StepIndex, st.Name, st.Type, st.ParallelGroup,
		st.Payload, st.Result, st.Status, st.ScheduledAt, st.NextRunAt,
		st.Attempts, st.MaxRetries, st.LastError, st.CreatedAt, st.UpdatedAt,
	)
	return err
}

func insertHistory(ctx context.Context, q queryer, entry *workflow.History) error {
	if entry == nil {
		return nil
	}
	_, err := q.Exec(ctx, `
		INSERT INTO djr_workflow_history (id, workflow_id, event_type, payload, meta, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		entry.ID, entry.WorkflowID, entry.EventType, entry.Payload, entry.Meta, entry.CreatedAt,
	)
	return err
}

func listStepsTx(ctx context.Context, q queryer, wfID id.WorkflowID) ([]*workflow.Step, error) {
	rows, err := q.Query(ctx,
		`SELECT `+stepCols+` FROM djr_workflow_steps WHERE workflow_id = $1 ORDER BY step_index`, wfID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*workflow.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) CreateWorkflow(ctx context.Context, wf *workflow.Workflow, steps []*workflow.Step, entry *workflow.History) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("djr/postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO djr_workflows
			(id, type, tenant_id, input, state, status, current_step, attempts,
			 is_paused, created_by, completed_at, failed_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		wf.ID, wf.Type, wf.TenantID, wf.Input, wf.State, wf.Status, wf.CurrentStep,
		wf.Attempts, wf.IsPaused, wf.CreatedBy, wf.CompletedAt, wf.FailedAt,
		wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("djr/postgres: create workflow: %w", err)
	}

	for _, st := range steps {
		if err := insertStep(ctx, tx, st); err != nil {
			return fmt.Errorf("djr/postgres: create step %s: %w", st.ID, err)
		}
	}
	if err := insertHistory(ctx, tx, entry); err != nil {
		return fmt.Errorf("djr/postgres: create workflow history: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *Store) GetWorkflow(ctx context.Context, wfID id.WorkflowID) (*workflow.Workflow, error) {
	wf, err := scanWorkflow(s.pool.QueryRow(ctx,
		`SELECT `+workflowCols+` FROM djr_workflows WHERE id = $1`, wfID))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("workflow %s: %w", wfID, djr.ErrWorkflowNotFound)
		}
		return nil, fmt.Errorf("djr/postgres: get workflow: %w", err)
	}
	return wf, nil
}

func (s *Store) ListWorkflows(ctx context.Context, status workflow.Status, limit int) ([]*workflow.Workflow, error) {
	query := `SELECT ` + workflowCols + ` FROM djr_workflows`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("djr/postgres: list workflows: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("djr/postgres: list workflows: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *Store) UpdateWorkflowState(ctx context.Context, wfID id.WorkflowID, state []byte) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE djr_workflows SET state = $2, updated_at = NOW() WHERE id = $1`, wfID, state)
	if err != nil {
		return fmt.Errorf("djr/postgres: update workflow state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow %s: %w", wfID, djr.ErrWorkflowNotFound)
	}
	return nil
}

func (s *Store) SetWorkflowPaused(ctx context.Context, wfID id.WorkflowID, paused bool, entry *workflow.History) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("djr/postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		UPDATE djr_workflows SET is_paused = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('PENDING','RUNNING')`, wfID, paused)
	if err != nil {
		return false, fmt.Errorf("djr/postgres: set paused: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := s.requireWorkflow(ctx, tx, wfID); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := insertHistory(ctx, tx, entry); err != nil {
		return false, fmt.Errorf("djr/postgres: set paused history: %w", err)
	}
	return true, tx.Commit(ctx)
}

func (s *Store) CancelWorkflow(ctx context.Context, wfID id.WorkflowID, entry *workflow.History) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("djr/postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		UPDATE djr_workflows SET status = 'CANCELLED', updated_at = NOW()
		WHERE id = $1 AND status IN ('PENDING','RUNNING')`, wfID)
	if err != nil {
		return false, fmt.Errorf("djr/postgres: cancel workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := s.requireWorkflow(ctx, tx, wfID); err != nil {
			return false, err
		}
		return false, nil
	}

	if err := insertHistory(ctx, tx, entry); err != nil {
		return false, fmt.Errorf("djr/postgres: cancel history: %w", err)
	}
	return true, tx.Commit(ctx)
}

// requireWorkflow distinguishes "condition failed" from "row missing".
func (s *Store) requireWorkflow(ctx context.Context, q queryer, wfID id.WorkflowID) error {
	var exists bool
	if err := q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM djr_workflows WHERE id = $1)`, wfID).Scan(&exists); err != nil {
		return fmt.Errorf("djr/postgres: check workflow: %w", err)
	}
	if !exists {
		return fmt.Errorf("workflow %s: %w", wfID, djr.ErrWorkflowNotFound)
	}
	return nil
}

func (s *Store) CreateSteps(ctx context.Context, wfID id.WorkflowID, steps []*workflow.Step, entry *workflow.History) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("djr/postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var status workflow.Status
	err = tx.QueryRow(ctx,
		`SELECT status FROM djr_workflows WHERE id = $1 FOR UPDATE`, wfID).Scan(&status)
	if err != nil {
		if isNoRows(err) {
			return fmt.Errorf("workflow %s: %w", wfID, djr.ErrWorkflowNotFound)
		}
		return fmt.Errorf("djr/postgres: lock workflow: %w", err)
	}
	if status.Terminal() {
		return fmt.Errorf("workflow %s: %w", wfID, djr.ErrWorkflowTerminal)
	}

	for _, st := range steps {
		if err := insertStep(ctx, tx, st); err != nil {
			return fmt.Errorf("djr/postgres: append step %s: %w", st.ID, err)
		}
	}
	if err := insertHistory(ctx, tx, entry); err != nil {
		return fmt.Errorf("djr/postgres: append steps history: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *Store) GetStep(ctx context.Context, stepID id.StepID) (*workflow.Step, error) {
	st, err := scanStep(s.pool.QueryRow(ctx,
		`SELECT `+stepCols+` FROM djr_workflow_steps WHERE id = $1`, stepID))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("step %s: %w", stepID, djr.ErrStepNotFound)
		}
		return nil, fmt.Errorf("djr/postgres: get step: %w", err)
	}
	return st, nil
}

func (s *Store) ListSteps(ctx context.Context, wfID id.WorkflowID) ([]*workflow.Step, error) {
	steps, err := listStepsTx(ctx, s.pool, wfID)
	if err != nil {
		return nil, fmt.Errorf("djr/postgres: list steps: %w", err)
	}
	return steps, nil
}

func (s *Store) ClaimStep(ctx context.Context, stepID id.StepID, entry *workflow.History) (*workflow.Step, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("djr/postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Conditional claim: exactly one concurrent claimant's UPDATE matches
	// the PENDING row; the rest see zero rows and lose.
	st, err := scanStep(tx.QueryRow(ctx, `
		UPDATE djr_workflow_steps SET status = 'IN_PROGRESS', attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
		  AND EXISTS (
			SELECT 1 FROM djr_workflows w
			WHERE w.id = djr_workflow_steps.workflow_id AND w.status IN ('PENDING','RUNNING')
		  )
		RETURNING `+stepCols, stepID))
	if err != nil {
		if isNoRows(err) {
			var exists bool
			if checkErr := tx.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM djr_workflow_steps WHERE id = $1)`, stepID).Scan(&exists); checkErr != nil {
				return nil, fmt.Errorf("djr/postgres: check step: %w", checkErr)
			}
			if !exists {
				return nil, fmt.Errorf("step %s: %w", stepID, djr.ErrStepNotFound)
			}
			return nil, fmt.Errorf("step %s: %w", stepID, djr.ErrAlreadyClaimed)
		}
		return nil, fmt.Errorf("djr/postgres: claim step: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE djr_workflows
		SET status = CASE WHEN status = 'PENDING' THEN 'RUNNING' ELSE status END,
		    current_step = $2, updated_at = NOW()
		WHERE id = $1`, st.WorkflowID, st.StepIndex)
	if err != nil {
		return nil, fmt.Errorf("djr/postgres: mark workflow running: %w", err)
	}

	if err := insertHistory(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("djr/postgres: claim history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) CompleteStep(ctx context.Context, stepID id.StepID, c workflow.StepCompletion) (*workflow.CompletionResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("djr/postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var wfID id.WorkflowID
	err = tx.QueryRow(ctx,
		`SELECT workflow_id FROM djr_workflow_steps WHERE id = $1`, stepID).Scan(&wfID)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("step %s: %w", stepID, djr.ErrStepNotFound)
		}
		return nil, fmt.Errorf("djr/postgres: resolve step: %w", err)
	}

	// Lock the workflow row so concurrent completions of parallel-group
	// siblings evaluate the barrier one at a time.
	var wfStatus workflow.Status
	if err := tx.QueryRow(ctx,
		`SELECT status FROM djr_workflows WHERE id = $1 FOR UPDATE`, wfID).Scan(&wfStatus); err != nil {
		return nil, fmt.Errorf("djr/postgres: lock workflow: %w", err)
	}

	st, err := scanStep(tx.QueryRow(ctx, `
		UPDATE djr_workflow_steps SET status = 'SUCCESS', result = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'IN_PROGRESS'
		RETURNING `+stepCols, stepID, c.Result))
	if err != nil {
		if isNoRows(err) {
			prev, getErr := scanStep(tx.QueryRow(ctx,
				`SELECT `+stepCols+` FROM djr_workflow_steps WHERE id = $1`, stepID))
			if getErr != nil {
				return nil, fmt.Errorf("djr/postgres: reread step: %w", getErr)
			}
			if prev.Status == workflow.StepSuccess {
				return &workflow.CompletionResult{Step: prev, AlreadyDone: true}, nil
			}
			return nil, fmt.Errorf("step %s: complete from %s: %w", stepID, prev.Status, djr.ErrInvalidTransition)
		}
		return nil, fmt.Errorf("djr/postgres: complete step: %w", err)
	}

	if err := insertHistory(ctx, tx, c.StepEntry); err != nil {
		return nil, fmt.Errorf("djr/postgres: complete history: %w", err)
	}

	steps, err := listStepsTx(ctx, tx, wfID)
	if err != nil {
		return nil, fmt.Errorf("djr/postgres: load steps: %w", err)
	}

	res := &workflow.CompletionResult{Step: st}

	if st.ParallelGroup != "" {
		if remaining := workflow.GroupRemaining(steps, st.ParallelGroup); remaining > 0 {
			res.GroupRemaining = remaining
			return res, tx.Commit(ctx)
		}
	}

	if workflow.AllFinished(steps) {
		tag, err := tx.Exec(ctx, `
			UPDATE djr_workflows SET status = 'SUCCESS', completed_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status IN ('PENDING','RUNNING')`, wfID)
		if err != nil {
			return nil, fmt.Errorf("djr/postgres: complete workflow: %w", err)
		}
		if tag.RowsAffected() > 0 {
			res.WorkflowCompleted = true
			if err := insertHistory(ctx, tx, c.WorkflowEntry); err != nil {
				return nil, fmt.Errorf("djr/postgres: workflow complete history: %w", err)
			}
		}
		return res, tx.Commit(ctx)
	}

	res.NextSteps = workflow.NextRunnable(steps, st)
	return res, tx.Commit(ctx)
}

func (s *Store) FailStep(ctx context.Context, stepID id.StepID, f workflow.StepFailure) (*workflow.FailureResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("djr/postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var wfID id.WorkflowID
	err = tx.QueryRow(ctx,
		`SELECT workflow_id FROM djr_workflow_steps WHERE id = $1`, stepID).Scan(&wfID)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("step %s: %w", stepID, djr.ErrStepNotFound)
		}
		return nil, fmt.Errorf("djr/postgres: resolve step: %w", err)
	}

	var wfStatus workflow.Status
	if err := tx.QueryRow(ctx,
		`SELECT status FROM djr_workflows WHERE id = $1 FOR UPDATE`, wfID).Scan(&wfStatus); err != nil {
		return nil, fmt.Errorf("djr/postgres: lock workflow: %w", err)
	}

	var nextRunAt *time.Time
	if f.Retry != nil {
		when := f.Retry.When
		nextRunAt = &when
	}

	st, err := scanStep(tx.QueryRow(ctx, `
		UPDATE djr_workflow_steps
		SET status = 'FAILED', last_error = $2, next_run_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'IN_PROGRESS'
		RETURNING `+stepCols, stepID, f.LastError, nextRunAt))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("step %s: %w", stepID, djr.ErrInvalidTransition)
		}
		return nil, fmt.Errorf("djr/postgres: fail step: %w", err)
	}

	if err := insertHistory(ctx, tx, f.StepEntry); err != nil {
		return nil, fmt.Errorf("djr/postgres: fail history: %w", err)
	}

	if f.Retry != nil {
		if err := insertTimer(ctx, tx, f.Retry); err != nil {
			return nil, fmt.Errorf("djr/postgres: retry timer: %w", err)
		}
	}

	res := &workflow.FailureResult{Step: st}
	if f.FailWorkflow {
		tag, err := tx.Exec(ctx, `
			UPDATE djr_workflows SET status = 'FAILED', failed_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status IN ('PENDING','RUNNING')`, wfID)
		if err != nil {
			return nil, fmt.Errorf("djr/postgres: fail workflow: %w", err)
		}
		if tag.RowsAffected() > 0 {
			res.WorkflowFailed = true
			if err := insertHistory(ctx, tx, f.WorkflowEntry); err != nil {
				return nil, fmt.Errorf("djr/postgres: workflow fail history: %w", err)
			}
		}
	}

	return res, tx.Commit(ctx)
}

func (s *Store) ResetStepForRetry(ctx context.Context, stepID id.StepID, entry *workflow.History) (*workflow.Step, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("djr/postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	st, err := scanStep(tx.QueryRow(ctx, `
		UPDATE djr_workflow_steps SET status = 'PENDING', next_run_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'FAILED'
		RETURNING `+stepCols, stepID))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("step %s: %w", stepID, djr.ErrInvalidTransition)
		}
		return nil, fmt.Errorf("djr/postgres: reset step: %w", err)
	}

	if err := insertHistory(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("djr/postgres: reset history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) SkipStep(ctx context.Context, stepID id.StepID, entry *workflow.History) (*workflow.Step, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("djr/postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	st, err := scanStep(tx.QueryRow(ctx, `
		UPDATE djr_workflow_steps SET status = 'SKIPPED', updated_at = NOW()
		WHERE id = $1 AND status IN ('PENDING','FAILED')
		RETURNING `+stepCols, stepID))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("step %s: %w", stepID, djr.ErrInvalidTransition)
		}
		return nil, fmt.Errorf("djr/postgres: skip step: %w", err)
	}

	if err := insertHistory(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("djr/postgres: skip history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) CountUnfinishedInGroup(ctx context.Context, wfID id.WorkflowID, group string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM djr_workflow_steps
		WHERE workflow_id = $1 AND parallel_group = $2 AND status <> 'SUCCESS'`,
		wfID, group).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("djr/postgres: count group: %w", err)
	}
	return n, nil
}

func (s *Store) AppendHistory(ctx context.Context, entry *workflow.History) error {
	if err := insertHistory(ctx, s.pool, entry); err != nil {
		return fmt.Errorf("djr/postgres: append history: %w", err)
	}
	return nil
}

func (s *Store) ListHistory(ctx context.Context, wfID id.WorkflowID, limit int) ([]*workflow.History, error) {
	query := `SELECT id, workflow_id, event_type, payload, meta, created_at
		FROM djr_workflow_history WHERE workflow_id = $1 ORDER BY created_at`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.pool.Query(ctx, query, wfID)
	if err != nil {
		return nil, fmt.Errorf("djr/postgres: list history: %w", err)
	}
	defer rows.Close()

	var out []*workflow.History
	for rows.Next() {
		var h workflow.History
		if err := rows.Scan(&h.ID, &h.WorkflowID, &h.EventType, &h.Payload, &h.Meta, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("djr/postgres: scan history: %w", err)
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}
