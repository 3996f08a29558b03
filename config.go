package djr

import "time"

// Config holds configuration for the Runner.
type Config struct {
	// Concurrency is the maximum number of delivery-channel messages
	// processed concurrently by the worker pool.
	Concurrency int

	// PollInterval is how often workers poll the delivery channel when
	// it is empty.
	PollInterval time.Duration

	// SweepInterval is how often the timer scheduler sweeps for due timers.
	SweepInterval time.Duration

	// SweepBatch is the maximum number of due timers claimed per sweep.
	SweepBatch int

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// ChannelMaxAttempts bounds delivery-channel redelivery per message.
	// A message that exhausts this budget is dead-lettered and surfaced
	// to the engine as a terminal step failure.
	ChannelMaxAttempts int

	// AckDeadline is how long the channel holds a leased message before
	// redelivering it. It must exceed worst-case handler latency.
	AckDeadline time.Duration

	// RetryInitialDelay and RetryMaxDelay shape the exponential backoff
	// applied to RETRY timers after a handler failure.
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        10,
		PollInterval:       1 * time.Second,
		SweepInterval:      2 * time.Second,
		SweepBatch:         100,
		ShutdownTimeout:    30 * time.Second,
		ChannelMaxAttempts: 5,
		AckDeadline:        5 * time.Minute,
		RetryInitialDelay:  1 * time.Second,
		RetryMaxDelay:      1 * time.Minute,
	}
}
