package timer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ankurrokad/distributed-job-runner/id"
)

// Actions is what a fired timer can do. The engine implements it; keeping
// the scheduler behind this interface keeps the sweep loop free of any
// knowledge of workflows, channels, or schedules.
type Actions interface {
	// DispatchStep enqueues the target step (DELAY timers).
	DispatchStep(ctx context.Context, stepID id.StepID) error

	// RetryStep re-enters the target FAILED step and re-dispatches it
	// (RETRY timers).
	RetryStep(ctx context.Context, stepID id.StepID) error

	// TimeoutStep forces the target stuck step to FAILED (TIMEOUT timers).
	TimeoutStep(ctx context.Context, stepID id.StepID) error

	// RunSchedule starts a workflow from the named recurring schedule and
	// mints the next occurrence's timer (SCHEDULE timers).
	RunSchedule(ctx context.Context, name string, payload []byte) error
}

// Scheduler periodically sweeps the timer store for due timers and fires
// them. Any number of schedulers may sweep concurrently: FireTimer's
// conditional update guarantees each timer is claimed by exactly one, so no
// leader election is needed.
type Scheduler struct {
	store   Store
	actions Actions
	logger  *slog.Logger

	interval time.Duration
	batch    int

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSweepInterval sets the time between sweeps.
func WithSweepInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = d }
}

// WithSweepBatch sets the maximum timers claimed per sweep.
func WithSweepBatch(n int) SchedulerOption {
	return func(s *Scheduler) { s.batch = n }
}

// NewScheduler creates a Scheduler over store, firing through actions.
func NewScheduler(store Store, actions Actions, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:    store,
		actions:  actions,
		logger:   logger,
		interval: 2 * time.Second,
		batch:    100,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the sweep loop. It returns immediately.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true

	s.logger.Info("timer scheduler starting",
		slog.Duration("interval", s.interval), slog.Int("batch", s.batch))

	s.wg.Add(1)
	go s.sweepLoop()
	return nil
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("timer scheduler stopped")
	return nil
}

func (s *Scheduler) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep claims and fires every due timer, up to the batch limit. Exported
// so tests and single-shot tools can drive the scheduler without the loop.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	due, err := s.store.DueTimers(ctx, now, s.batch)
	if err != nil {
		s.logger.Error("timer sweep failed", slog.String("error", err.Error()))
		return
	}

	for _, t := range due {
		fired, err := s.store.FireTimer(ctx, t.ID, now)
		if err != nil {
			s.logger.Error("failed to fire timer",
				slog.String("timer_id", t.ID.String()), slog.String("error", err.Error()))
			continue
		}
		if !fired {
			// Another sweeper claimed it first.
			continue
		}
		s.fire(ctx, t)
	}
}

// fire runs the claimed timer's action. When the action fails and the
// timer has attempts left, the timer is rearmed for a later sweep;
// once MaxAttempts is spent the failure is logged and the timer stays
// consumed, leaving durable state for an operator redrive.
func (s *Scheduler) fire(ctx context.Context, t *Timer) {
	s.logger.Debug("timer fired",
		slog.String("timer_id", t.ID.String()),
		slog.String("type", string(t.Type)),
		slog.String("target", t.TargetID),
	)

	var err error
	switch t.Type {
	case TypeDelay:
		var stepID id.StepID
		if stepID, err = id.ParseStepID(t.TargetID); err == nil {
			err = s.actions.DispatchStep(ctx, stepID)
		}
	case TypeRetry:
		var stepID id.StepID
		if stepID, err = id.ParseStepID(t.TargetID); err == nil {
			err = s.actions.RetryStep(ctx, stepID)
		}
	case TypeTimeout:
		var stepID id.StepID
		if stepID, err = id.ParseStepID(t.TargetID); err == nil {
			err = s.actions.TimeoutStep(ctx, stepID)
		}
	case TypeSchedule:
		err = s.actions.RunSchedule(ctx, t.TargetID, t.Payload)
	default:
		s.logger.Warn("unknown timer type",
			slog.String("timer_id", t.ID.String()), slog.String("type", string(t.Type)))
		return
	}

	if err == nil {
		return
	}

	// The claim already consumed one attempt on top of whatever earlier
	// sweeps spent. t still carries the pre-claim count.
	used := t.Attempts + 1
	if used >= t.MaxAttempts {
		s.logger.Error("timer action failed, attempts exhausted",
			slog.String("timer_id", t.ID.String()),
			slog.String("type", string(t.Type)),
			slog.String("target", t.TargetID),
			slog.Int("attempts", used),
			slog.String("error", err.Error()),
		)
		return
	}

	when := time.Now().UTC().Add(s.interval)
	rearmed, rerr := s.store.RearmTimer(ctx, t.ID, when)
	if rerr != nil {
		s.logger.Error("failed to rearm timer",
			slog.String("timer_id", t.ID.String()), slog.String("error", rerr.Error()))
		return
	}
	s.logger.Warn("timer action failed, rearmed",
		slog.String("timer_id", t.ID.String()),
		slog.String("type", string(t.Type)),
		slog.String("target", t.TargetID),
		slog.Int("attempts", used),
		slog.Bool("rearmed", rearmed),
		slog.String("error", err.Error()),
	)
}
