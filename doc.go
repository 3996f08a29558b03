// Package djr provides a durable workflow orchestration engine for Go.
// It tracks long-running workflows composed of ordered and parallel steps,
// persists every state transition, and drives step execution through an
// at-least-once delivery channel with idempotent completion, automatic
// retry via durable timers, and a full audit history.
//
// djr is designed as a library, not a service. Import it, configure a
// store and a delivery channel, register workflow definitions and step
// handlers as ordinary Go functions, and start the engine.
//
// # Quick Start
//
//	r, err := djr.New(
//	    djr.WithStore(pgStore),
//	    djr.WithConcurrency(20),
//	)
//
// # Architecture
//
// djr follows a composable store pattern where each subsystem (workflow,
// timer, idempotency, attempt) defines its own store interface. A single
// backend implements all of them. All cross-worker mutual exclusion is
// expressed as conditional updates against the store; no in-process locks
// coordinate between processes.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package djr
