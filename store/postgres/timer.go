package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	djr "github.com/ankurrokad/distributed-job-runner"
	"github.com/ankurrokad/distributed-job-runner/id"
	"github.com/ankurrokad/distributed-job-runner/timer"
)

const timerCols = `id, type, target_type, target_id, fire_at, payload, fired_at,
	attempts, max_attempts, cancelled, created_at, updated_at`

func scanTimer(row pgx.Row) (*timer.Timer, error) {
	var t timer.Timer
	err := row.Scan(
		&t.ID, &t.Type, &t.TargetType, &t.TargetID, &t.When, &t.Payload, &t.FiredAt,
		&t.Attempts, &t.MaxAttempts, &t.Cancelled, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func insertTimer(ctx context.Context, q queryer, t *timer.Timer) error {
	_, err := q.Exec(ctx, `
		INSERT INTO djr_timers
			(id, type, target_type, target_id, fire_at, payload, fired_at,
			 attempts, max_attempts, cancelled, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		t.ID, t.Type, t.TargetType, t.TargetID, t.When, t.Payload, t.FiredAt,
		t.Attempts, t.MaxAttempts, t.Cancelled, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (s *Store) CreateTimer(ctx context.Context, t *timer.Timer) error {
	if err := insertTimer(ctx, s.pool, t); err != nil {
		return fmt.Errorf("djr/postgres: create timer: %w", err)
	}
	return nil
}

func (s *Store) GetTimer(ctx context.Context, timerID id.TimerID) (*timer.Timer, error) {
	t, err := scanTimer(s.pool.QueryRow(ctx,
		`SELECT `+timerCols+` FROM djr_timers WHERE id = $1`, timerID))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("timer %s: %w", timerID, djr.ErrTimerNotFound)
		}
		return nil, fmt.Errorf("djr/postgres: get timer: %w", err)
	}
	return t, nil
}

func (s *Store) DueTimers(ctx context.Context, now time.Time, limit int) ([]*timer.Timer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+timerCols+` FROM djr_timers
		WHERE fire_at <= $1 AND fired_at IS NULL AND NOT cancelled
		ORDER BY fire_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("djr/postgres: due timers: %w", err)
	}
	defer rows.Close()

	var out []*timer.Timer
	for rows.Next() {
		t, err := scanTimer(rows)
		if err != nil {
			return nil, fmt.Errorf("djr/postgres: scan timer: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) FireTimer(ctx context.Context, timerID id.TimerID, now time.Time) (bool, error) {
	// The conditional update is the at-most-once guarantee: concurrent
	// sweepers race on it and exactly one sees an affected row.
	tag, err := s.pool.Exec(ctx, `
		UPDATE djr_timers SET fired_at = $2, attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND fired_at IS NULL AND NOT cancelled`, timerID, now.UTC())
	if err != nil {
		return false, fmt.Errorf("djr/postgres: fire timer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if checkErr := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM djr_timers WHERE id = $1)`, timerID).Scan(&exists); checkErr != nil {
			return false, fmt.Errorf("djr/postgres: check timer: %w", checkErr)
		}
		if !exists {
			return false, fmt.Errorf("timer %s: %w", timerID, djr.ErrTimerNotFound)
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) RearmTimer(ctx context.Context, timerID id.TimerID, when time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE djr_timers SET fired_at = NULL, fire_at = $2, updated_at = NOW()
		WHERE id = $1 AND fired_at IS NOT NULL AND NOT cancelled`, timerID, when.UTC())
	if err != nil {
		return false, fmt.Errorf("djr/postgres: rearm timer: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) HasPendingTimer(ctx context.Context, targetType timer.TargetType, targetID string) (bool, error) {
	var pending bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM djr_timers
			WHERE target_type = $1 AND target_id = $2 AND fired_at IS NULL AND NOT cancelled
		)`, targetType, targetID).Scan(&pending)
	if err != nil {
		return false, fmt.Errorf("djr/postgres: pending timer: %w", err)
	}
	return pending, nil
}

func (s *Store) CancelTimersForTarget(ctx context.Context, targetType timer.TargetType, targetID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE djr_timers SET cancelled = TRUE, updated_at = NOW()
		WHERE target_type = $1 AND target_id = $2 AND fired_at IS NULL AND NOT cancelled`,
		targetType, targetID)
	if err != nil {
		return 0, fmt.Errorf("djr/postgres: cancel timers: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
