package djr

import (
	"context"
	"log/slog"
	"time"
)

// Option configures a Runner.
type Option func(*Runner) error

// Storer is the minimal store interface held by the Runner.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used in subsystem layers that don't create import
// cycles. Implementations satisfy store.Store which embeds all
// subsystem stores.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Channeler is the minimal delivery-channel interface held by the Runner.
// The full channel.Channel interface lives in the channel package; the
// Runner only needs lifecycle access.
type Channeler interface {
	Close() error
}

// poolRunner is an internal interface for worker pool lifecycle.
type poolRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// sweeper is an internal interface for the timer scheduler lifecycle.
type sweeper interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Runner is the central coordinator for workflow execution: it holds the
// persistence store, the delivery channel, and the worker pool and timer
// scheduler lifecycles.
//
// Create one with New() and functional options. The Runner holds
// references to subsystem components via internal interfaces to avoid
// import cycles. Use engine.Build() to wire everything together.
type Runner struct {
	config  Config
	logger  *slog.Logger
	store   Storer
	channel Channeler
	pool    poolRunner
	sweep   sweeper

	// started tracks whether Start has been called.
	started bool
}

// New creates a new Runner with the given options.
func New(opts ...Option) (*Runner, error) {
	r := &Runner{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Logger returns the runner's logger.
func (r *Runner) Logger() *slog.Logger { return r.logger }

// Store returns the runner's store.
func (r *Runner) Store() Storer { return r.store }

// Channel returns the runner's delivery channel.
func (r *Runner) Channel() Channeler { return r.channel }

// Config returns a copy of the runner's configuration.
func (r *Runner) Config() Config { return r.config }

// SetPool sets the worker pool (called by the engine package).
func (r *Runner) SetPool(p poolRunner) { r.pool = p }

// SetScheduler sets the timer scheduler (called by the engine package).
func (r *Runner) SetScheduler(s sweeper) { r.sweep = s }

// Start begins processing: the timer scheduler first so due work is
// re-minted before workers poll, then the worker pool.
func (r *Runner) Start(ctx context.Context) error {
	if r.pool == nil {
		return ErrNotBuilt
	}
	if r.sweep != nil {
		if err := r.sweep.Start(ctx); err != nil {
			return err
		}
	}
	if err := r.pool.Start(ctx); err != nil {
		return err
	}
	r.started = true
	return nil
}

// Stop gracefully shuts down the runner: pool first so in-flight steps
// finish, then the scheduler, then the channel and store.
func (r *Runner) Stop(ctx context.Context) error {
	if r.pool != nil && r.started {
		if err := r.pool.Stop(ctx); err != nil {
			r.logger.Error("pool stop error", slog.String("error", err.Error()))
		}
	}
	if r.sweep != nil && r.started {
		if err := r.sweep.Stop(ctx); err != nil {
			r.logger.Error("scheduler stop error", slog.String("error", err.Error()))
		}
	}
	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			r.logger.Error("channel close error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		return r.store.Close()
	}
	return nil
}

// WithConcurrency sets the maximum number of concurrent step processors.
func WithConcurrency(n int) Option {
	return func(r *Runner) error {
		r.config.Concurrency = n
		return nil
	}
}

// WithPollInterval sets how often idle workers poll the delivery channel.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) error {
		r.config.PollInterval = d
		return nil
	}
}

// WithSweepInterval sets how often the timer scheduler sweeps due timers.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Runner) error {
		r.config.SweepInterval = d
		return nil
	}
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(r *Runner) error {
		r.config.ShutdownTimeout = d
		return nil
	}
}

// WithLogger sets the structured logger for the runner.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) error {
		r.logger = l
		return nil
	}
}

// WithStore sets the persistence backend for the runner.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds all subsystem store interfaces.
func WithStore(s Storer) Option {
	return func(r *Runner) error {
		r.store = s
		return nil
	}
}

// WithChannel sets the delivery channel for the runner.
// The channel must implement Channeler at minimum; typically it will be
// a channel.Channel.
func WithChannel(c Channeler) Option {
	return func(r *Runner) error {
		r.channel = c
		return nil
	}
}
