// Package schedule starts workflows on recurring cron schedules.
//
// A schedule is an in-process registration bound to durable SCHEDULE
// timers: registering a schedule mints one timer for the next occurrence,
// and firing it starts the workflow and mints the timer for the occurrence
// after that. Durability lives entirely in the timer store; if every
// process dies, the next process to register the schedule finds the
// pending timer and does not double-mint.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	djr "github.com/ankurrokad/distributed-job-runner"
	"github.com/ankurrokad/distributed-job-runner/timer"
)

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseExpr parses a cron expression.
func ParseExpr(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Entry is one registered recurring schedule.
type Entry struct {
	Name         string `json:"name"`
	WorkflowType string `json:"workflow_type"`
	Expr         string `json:"expr"`
	Input        []byte `json:"input,omitempty"`

	sched cronlib.Schedule
}

// Next returns the first occurrence strictly after t.
func (e *Entry) Next(t time.Time) time.Time { return e.sched.Next(t) }

// payload is what rides on a SCHEDULE timer, enough to act on the firing
// even in a process that has not (yet) registered the schedule.
type payload struct {
	Name         string `json:"name"`
	WorkflowType string `json:"workflow_type"`
	Expr         string `json:"expr"`
	Input        []byte `json:"input,omitempty"`
}

// StartFunc starts one workflow occurrence.
type StartFunc func(ctx context.Context, workflowType string, input []byte) error

// Registrar owns schedule registrations and their SCHEDULE timers.
type Registrar struct {
	timers timer.Store
	start  StartFunc
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistrar creates a schedule registrar minting timers into timers and
// starting occurrences through start.
func NewRegistrar(timers timer.Store, start StartFunc, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{
		timers:  timers,
		start:   start,
		logger:  logger,
		entries: make(map[string]*Entry),
	}
}

// Register validates the cron expression, records the schedule, and mints
// the timer for its next occurrence. Registering a name twice returns
// djr.ErrDuplicateSchedule.
func (r *Registrar) Register(ctx context.Context, name, workflowType, expr string, input []byte) error {
	sched, err := ParseExpr(expr)
	if err != nil {
		return fmt.Errorf("schedule %s: parse %q: %w", name, expr, err)
	}

	r.mu.Lock()
	if _, dup := r.entries[name]; dup {
		r.mu.Unlock()
		return fmt.Errorf("schedule %s: %w", name, djr.ErrDuplicateSchedule)
	}
	e := &Entry{Name: name, WorkflowType: workflowType, Expr: expr, Input: input, sched: sched}
	r.entries[name] = e
	r.mu.Unlock()

	// A pending timer from a previous process covers the next occurrence
	// already; minting another would double-fire the schedule.
	pending, err := r.timers.HasPendingTimer(ctx, timer.TargetSchedule, name)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	if pending {
		return nil
	}

	return r.mint(ctx, e, time.Now().UTC())
}

// Entries returns the registered schedules.
func (r *Registrar) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Run handles a fired SCHEDULE timer: start the occurrence, then mint the
// next one. Minting first would risk a start-less gap on crash; starting
// first means a crash between the two steps re-mints on the next
// registration, which only shifts the next occurrence, never loses one.
func (r *Registrar) Run(ctx context.Context, name string, raw []byte) error {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("schedule %s: decode payload: %w", name, err)
	}

	if err := r.start(ctx, p.WorkflowType, p.Input); err != nil {
		r.logger.Error("scheduled workflow start failed",
			slog.String("schedule", name),
			slog.String("workflow_type", p.WorkflowType),
			slog.String("error", err.Error()),
		)
		// Fall through: the next occurrence must be minted regardless, or
		// the schedule dies on a single bad start.
	}

	sched, err := ParseExpr(p.Expr)
	if err != nil {
		return fmt.Errorf("schedule %s: parse %q: %w", name, p.Expr, err)
	}
	e := &Entry{Name: p.Name, WorkflowType: p.WorkflowType, Expr: p.Expr, Input: p.Input, sched: sched}
	return r.mint(ctx, e, time.Now().UTC())
}

// mint persists the SCHEDULE timer for the entry's next occurrence after
// now.
func (r *Registrar) mint(ctx context.Context, e *Entry, now time.Time) error {
	data, err := json.Marshal(payload{
		Name:         e.Name,
		WorkflowType: e.WorkflowType,
		Expr:         e.Expr,
		Input:        e.Input,
	})
	if err != nil {
		return fmt.Errorf("schedule %s: encode payload: %w", e.Name, err)
	}

	t := timer.New(timer.TypeSchedule, timer.TargetSchedule, e.Name, e.Next(now))
	t.Payload = data
	if err := r.timers.CreateTimer(ctx, t); err != nil {
		return fmt.Errorf("schedule %s: mint timer: %w", e.Name, err)
	}

	r.logger.Debug("schedule timer minted",
		slog.String("schedule", e.Name), slog.Time("when", t.When))
	return nil
}
