// Package store defines the aggregate persistence interface. Each
// subsystem (workflow, timer, idempotency, attempt) defines its own store
// interface; the composite Store composes them all, and a single backend
// (Postgres or Memory) implements every one.
package store

import (
	"context"

	"github.com/ankurrokad/distributed-job-runner/attempt"
	"github.com/ankurrokad/distributed-job-runner/idempotency"
	"github.com/ankurrokad/distributed-job-runner/timer"
	"github.com/ankurrokad/distributed-job-runner/workflow"
)

// Store is the aggregate persistence interface.
type Store interface {
	workflow.Store
	timer.Store
	idempotency.Store
	attempt.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
