package postgres

import (
	"context"
	"fmt"

	djr "github.com/ankurrokad/distributed-job-runner"
	"github.com/ankurrokad/distributed-job-runner/attempt"
	"github.com/ankurrokad/distributed-job-runner/id"
)

func (s *Store) CreateAttempt(ctx context.Context, a *attempt.Attempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO djr_job_attempts
			(id, job_id, workflow_id, step_id, attempt, status, error, result, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		a.ID, a.JobID, a.WorkflowID, a.StepID, a.Attempt, a.Status, a.Error, a.Result,
		a.StartedAt, a.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("djr/postgres: create attempt: %w", err)
	}
	return nil
}

func (s *Store) CloseAttempt(ctx context.Context, attemptID id.AttemptID, status, errMsg string, result []byte) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE djr_job_attempts SET status = $2, error = $3, result = $4, finished_at = NOW()
		WHERE id = $1 AND finished_at IS NULL`,
		attemptID, status, errMsg, result)
	if err != nil {
		return false, fmt.Errorf("djr/postgres: close attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if checkErr := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM djr_job_attempts WHERE id = $1)`, attemptID).Scan(&exists); checkErr != nil {
			return false, fmt.Errorf("djr/postgres: check attempt: %w", checkErr)
		}
		if !exists {
			return false, fmt.Errorf("attempt %s: %w", attemptID, djr.ErrAttemptNotFound)
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) ListAttemptsByStep(ctx context.Context, stepID id.StepID) ([]*attempt.Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, workflow_id, step_id, attempt, status, error, result, started_at, finished_at
		FROM djr_job_attempts WHERE step_id = $1 ORDER BY started_at`, stepID)
	if err != nil {
		return nil, fmt.Errorf("djr/postgres: list attempts: %w", err)
	}
	defer rows.Close()

	var out []*attempt.Attempt
	for rows.Next() {
		var a attempt.Attempt
		if err := rows.Scan(&a.ID, &a.JobID, &a.WorkflowID, &a.StepID, &a.Attempt, &a.Status,
			&a.Error, &a.Result, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, fmt.Errorf("djr/postgres: scan attempt: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
