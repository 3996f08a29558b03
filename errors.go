package djr

import "errors"

var (
	// Store errors.
	ErrNoStore          = errors.New("djr: no store configured")
	ErrNoChannel        = errors.New("djr: no delivery channel configured")
	ErrStoreClosed      = errors.New("djr: store closed")
	ErrStoreUnavailable = errors.New("djr: store unavailable")
	ErrMigrationFailed  = errors.New("djr: migration failed")

	// ErrNotBuilt is returned when Start is called before the engine
	// wired its subsystems into the runner.
	ErrNotBuilt = errors.New("djr: engine not built")

	// Not found errors.
	ErrWorkflowNotFound = errors.New("djr: workflow not found")
	ErrStepNotFound     = errors.New("djr: step not found")
	ErrTimerNotFound    = errors.New("djr: timer not found")
	ErrKeyNotFound      = errors.New("djr: idempotency key not found")
	ErrAttemptNotFound  = errors.New("djr: job attempt not found")

	// Conflict errors.
	ErrKeyExists         = errors.New("djr: idempotency key already exists")
	ErrDuplicateSchedule = errors.New("djr: duplicate schedule")

	// State errors. ErrAlreadyClaimed and ErrTimerAlreadyFired are benign
	// race outcomes: the caller lost a claim race and must treat the
	// operation as a no-op, not a failure.
	ErrInvalidTransition = errors.New("djr: invalid state transition")
	ErrAlreadyClaimed    = errors.New("djr: step already claimed")
	ErrTimerAlreadyFired = errors.New("djr: timer already fired or cancelled")
	ErrWorkflowTerminal  = errors.New("djr: workflow in terminal state")
	ErrLeaseExpired      = errors.New("djr: delivery lease expired")
)

// nonRetryable wraps a handler error that must not be retried.
type nonRetryable struct {
	err error
}

func (e *nonRetryable) Error() string { return e.err.Error() }
func (e *nonRetryable) Unwrap() error { return e.err }

// NonRetryable marks a step handler error as terminal: the engine fails
// the step immediately instead of scheduling a retry timer.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryable{err: err}
}

// IsNonRetryable reports whether err was marked with NonRetryable.
func IsNonRetryable(err error) bool {
	var nr *nonRetryable
	return errors.As(err, &nr)
}
