package postgres

import (
	"context"
	"fmt"
	"time"

	djr "github.com/ankurrokad/distributed-job-runner"
	"github.com/ankurrokad/distributed-job-runner/idempotency"
)

const keyCols = `id, owner, key, resource_id, response, used_at, ttl, created_at, updated_at`

func (s *Store) InsertKey(ctx context.Context, k *idempotency.Key) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO djr_idempotency_keys
			(id, owner, key, resource_id, response, used_at, ttl, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		k.ID, k.Owner, k.Key, k.ResourceID, k.Response, k.UsedAt, k.TTL, k.CreatedAt, k.UpdatedAt,
	)
	if err != nil {
		// The unique constraint on (owner, key) is the race arbiter.
		if isDuplicateKey(err) {
			return fmt.Errorf("key %s/%s: %w", k.Owner, k.Key, djr.ErrKeyExists)
		}
		return fmt.Errorf("djr/postgres: insert key: %w", err)
	}
	return nil
}

func (s *Store) GetKey(ctx context.Context, owner, key string) (*idempotency.Key, error) {
	var k idempotency.Key
	err := s.pool.QueryRow(ctx,
		`SELECT `+keyCols+` FROM djr_idempotency_keys WHERE owner = $1 AND key = $2`,
		owner, key,
	).Scan(&k.ID, &k.Owner, &k.Key, &k.ResourceID, &k.Response, &k.UsedAt, &k.TTL,
		&k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("key %s/%s: %w", owner, key, djr.ErrKeyNotFound)
		}
		return nil, fmt.Errorf("djr/postgres: get key: %w", err)
	}
	return &k, nil
}

func (s *Store) CommitKey(ctx context.Context, owner, key string, response []byte) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE djr_idempotency_keys SET response = $3, used_at = NOW(), updated_at = NOW()
		WHERE owner = $1 AND key = $2 AND used_at IS NULL`,
		owner, key, response)
	if err != nil {
		return false, fmt.Errorf("djr/postgres: commit key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if checkErr := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM djr_idempotency_keys WHERE owner = $1 AND key = $2)`,
			owner, key).Scan(&exists); checkErr != nil {
			return false, fmt.Errorf("djr/postgres: check key: %w", checkErr)
		}
		if !exists {
			return false, fmt.Errorf("key %s/%s: %w", owner, key, djr.ErrKeyNotFound)
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) PurgeExpiredKeys(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM djr_idempotency_keys WHERE ttl IS NOT NULL AND ttl < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("djr/postgres: purge keys: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
