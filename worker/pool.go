package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ankurrokad/distributed-job-runner/channel"
	"github.com/ankurrokad/distributed-job-runner/id"
)

// Pool manages a set of concurrent worker goroutines that poll the
// delivery channel and execute deliveries through the Executor.
type Pool struct {
	ch           channel.Channel
	executor     *Executor
	concurrency  int
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets how long an idle worker sleeps between polls.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// NewPool creates a worker pool.
func NewPool(ch channel.Channel, executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		ch:           ch,
		executor:     executor,
		concurrency:  10,
		pollInterval: time.Second,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.baseCtx, p.baseCancel = context.WithCancel(context.Background())

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.receiveLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for them to finish. If the
// context has a deadline, in-flight executions are cancelled when time
// runs out; their messages come back on the channel after lease expiry.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active executions")
		p.baseCancel()
		p.wg.Wait()
	}

	p.baseCancel()
	return nil
}

// receiveLoop is run by each worker goroutine.
func (p *Pool) receiveLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		deliveries, err := p.ch.Receive(p.baseCtx, 1)
		if err != nil {
			if p.baseCtx.Err() != nil {
				return
			}
			p.logger.Error("receive error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}

		if len(deliveries) == 0 {
			p.sleep()
			continue
		}

		d := deliveries[0]
		if err := p.executor.Execute(p.baseCtx, d); err != nil {
			p.logger.Error("execution error",
				slog.String("message_id", d.Msg.ID),
				slog.String("step_id", d.Msg.StepID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// sleep waits one poll interval or until stop is signalled.
func (p *Pool) sleep() {
	select {
	case <-p.stopCh:
	case <-time.After(p.pollInterval):
	}
}
