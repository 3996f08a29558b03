// Package memory provides an in-memory store for tests and single-process
// deployments. A single mutex stands in for transactions: every composite
// operation runs under it, so the atomicity and conditional-update
// semantics match the Postgres backend exactly.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	djr "github.com/ankurrokad/distributed-job-runner"
	"github.com/ankurrokad/distributed-job-runner/attempt"
	"github.com/ankurrokad/distributed-job-runner/id"
	"github.com/ankurrokad/distributed-job-runner/idempotency"
	"github.com/ankurrokad/distributed-job-runner/timer"
	"github.com/ankurrokad/distributed-job-runner/workflow"
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu     sync.Mutex
	closed bool

	workflows map[id.WorkflowID]*workflow.Workflow
	steps     map[id.StepID]*workflow.Step
	history   map[id.WorkflowID][]*workflow.History
	timers    map[id.TimerID]*timer.Timer
	keys      map[string]*idempotency.Key // composite "owner\x00key"
	attempts  map[id.AttemptID]*attempt.Attempt
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		workflows: make(map[id.WorkflowID]*workflow.Workflow),
		steps:     make(map[id.StepID]*workflow.Step),
		history:   make(map[id.WorkflowID][]*workflow.History),
		timers:    make(map[id.TimerID]*timer.Timer),
		keys:      make(map[string]*idempotency.Key),
		attempts:  make(map[id.AttemptID]*attempt.Attempt),
	}
}

func keyFor(owner, key string) string { return owner + "\x00" + key }

// Migrate is a no-op for the memory backend.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping reports whether the store is open.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return djr.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed. Subsequent operations fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) checkOpen() error {
	if s.closed {
		return djr.ErrStoreClosed
	}
	return nil
}

// ──────────────────────────────────────────────────
// workflow.Store
// ──────────────────────────────────────────────────

func (s *Store) CreateWorkflow(_ context.Context, wf *workflow.Workflow, steps []*workflow.Step, entry *workflow.History) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	cp := *wf
	s.workflows[wf.ID] = &cp
	for _, st := range steps {
		stc := *st
		s.steps[st.ID] = &stc
	}
	if entry != nil {
		s.history[wf.ID] = append(s.history[wf.ID], entry)
	}
	return nil
}

func (s *Store) GetWorkflow(_ context.Context, wfID id.WorkflowID) (*workflow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.getWorkflowLocked(wfID)
}

func (s *Store) getWorkflowLocked(wfID id.WorkflowID) (*workflow.Workflow, error) {
	wf, ok := s.workflows[wfID]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", wfID, djr.ErrWorkflowNotFound)
	}
	cp := *wf
	return &cp, nil
}

func (s *Store) ListWorkflows(_ context.Context, status workflow.Status, limit int) ([]*workflow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var out []*workflow.Workflow
	for _, wf := range s.workflows {
		if status != "" && wf.Status != status {
			continue
		}
		cp := *wf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateWorkflowState(_ context.Context, wfID id.WorkflowID, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	wf, ok := s.workflows[wfID]
	if !ok {
		return fmt.Errorf("workflow %s: %w", wfID, djr.ErrWorkflowNotFound)
	}
	wf.State = state
	wf.Touch()
	return nil
}

func (s *Store) SetWorkflowPaused(_ context.Context, wfID id.WorkflowID, paused bool, entry *workflow.History) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	wf, ok := s.workflows[wfID]
	if !ok {
		return false, fmt.Errorf("workflow %s: %w", wfID, djr.ErrWorkflowNotFound)
	}
	if wf.Status.Terminal() {
		return false, nil
	}
	wf.IsPaused = paused
	wf.Touch()
	if entry != nil {
		s.history[wfID] = append(s.history[wfID], entry)
	}
	return true, nil
}

func (s *Store) CancelWorkflow(_ context.Context, wfID id.WorkflowID, entry *workflow.History) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	wf, ok := s.workflows[wfID]
	if !ok {
		return false, fmt.Errorf("workflow %s: %w", wfID, djr.ErrWorkflowNotFound)
	}
	if wf.Status.Terminal() {
		return false, nil
	}
	wf.Status = workflow.StatusCancelled
	wf.Touch()
	if entry != nil {
		s.history[wfID] = append(s.history[wfID], entry)
	}
	return true, nil
}

func (s *Store) CreateSteps(_ context.Context, wfID id.WorkflowID, steps []*workflow.Step, entry *workflow.History) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	wf, ok := s.workflows[wfID]
	if !ok {
		return fmt.Errorf("workflow %s: %w", wfID, djr.ErrWorkflowNotFound)
	}
	if wf.Status.Terminal() {
		return fmt.Errorf("workflow %s: %w", wfID, djr.ErrWorkflowTerminal)
	}
	for _, st := range steps {
		cp := *st
		s.steps[st.ID] = &cp
	}
	if entry != nil {
		s.history[wfID] = append(s.history[wfID], entry)
	}
	return nil
}

func (s *Store) GetStep(_ context.Context, stepID id.StepID) (*workflow.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	st, ok := s.steps[stepID]
	if !ok {
		return nil, fmt.Errorf("step %s: %w", stepID, djr.ErrStepNotFound)
	}
	cp := *st
	return &cp, nil
}

func (s *Store) ListSteps(_ context.Context, wfID id.WorkflowID) ([]*workflow.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.listStepsLocked(wfID), nil
}

func (s *Store) listStepsLocked(wfID id.WorkflowID) []*workflow.Step {
	var out []*workflow.Step
	for _, st := range s.steps {
		if st.WorkflowID == wfID {
			cp := *st
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out
}

func (s *Store) ClaimStep(_ context.Context, stepID id.StepID, entry *workflow.History) (*workflow.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	st, ok := s.steps[stepID]
	if !ok {
		return nil, fmt.Errorf("step %s: %w", stepID, djr.ErrStepNotFound)
	}
	wf, ok := s.workflows[st.WorkflowID]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", st.WorkflowID, djr.ErrWorkflowNotFound)
	}
	if st.Status != workflow.StepPending || wf.Status.Terminal() {
		return nil, fmt.Errorf("step %s: %w", stepID, djr.ErrAlreadyClaimed)
	}

	st.Status = workflow.StepInProgress
	st.Attempts++
	st.Touch()
	if wf.Status == workflow.StatusPending {
		wf.Status = workflow.StatusRunning
	}
	wf.CurrentStep = st.StepIndex
	wf.Touch()
	if entry != nil {
		s.history[st.WorkflowID] = append(s.history[st.WorkflowID], entry)
	}

	cp := *st
	return &cp, nil
}

func (s *Store) CompleteStep(_ context.Context, stepID id.StepID, c workflow.StepCompletion) (*workflow.CompletionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	st, ok := s.steps[stepID]
	if !ok {
		return nil, fmt.Errorf("step %s: %w", stepID, djr.ErrStepNotFound)
	}
	if st.Status == workflow.StepSuccess {
		cp := *st
		return &workflow.CompletionResult{Step: &cp, AlreadyDone: true}, nil
	}
	if st.Status != workflow.StepInProgress {
		return nil, fmt.Errorf("step %s: complete from %s: %w", stepID, st.Status, djr.ErrInvalidTransition)
	}

	st.Status = workflow.StepSuccess
	st.Result = c.Result
	st.Touch()
	if c.StepEntry != nil {
		s.history[st.WorkflowID] = append(s.history[st.WorkflowID], c.StepEntry)
	}

	res := &workflow.CompletionResult{}
	cp := *st
	res.Step = &cp

	steps := s.listStepsLocked(st.WorkflowID)
	if st.ParallelGroup != "" {
		if remaining := workflow.GroupRemaining(steps, st.ParallelGroup); remaining > 0 {
			res.GroupRemaining = remaining
			return res, nil
		}
	}

	if workflow.AllFinished(steps) {
		wf := s.workflows[st.WorkflowID]
		if !wf.Status.Terminal() {
			now := time.Now().UTC()
			wf.Status = workflow.StatusSuccess
			wf.CompletedAt = &now
			wf.Touch()
			res.WorkflowCompleted = true
			if c.WorkflowEntry != nil {
				s.history[st.WorkflowID] = append(s.history[st.WorkflowID], c.WorkflowEntry)
			}
		}
		return res, nil
	}

	res.NextSteps = workflow.NextRunnable(steps, st)
	return res, nil
}

func (s *Store) FailStep(_ context.Context, stepID id.StepID, f workflow.StepFailure) (*workflow.FailureResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	st, ok := s.steps[stepID]
	if !ok {
		return nil, fmt.Errorf("step %s: %w", stepID, djr.ErrStepNotFound)
	}
	if st.Status != workflow.StepInProgress {
		return nil, fmt.Errorf("step %s: fail from %s: %w", stepID, st.Status, djr.ErrInvalidTransition)
	}

	st.Status = workflow.StepFailed
	st.LastError = f.LastError
	st.Touch()
	if f.StepEntry != nil {
		s.history[st.WorkflowID] = append(s.history[st.WorkflowID], f.StepEntry)
	}
	if f.Retry != nil {
		tc := *f.Retry
		s.timers[f.Retry.ID] = &tc
		when := f.Retry.When
		st.NextRunAt = &when
	}

	res := &workflow.FailureResult{}
	if f.FailWorkflow {
		wf := s.workflows[st.WorkflowID]
		if wf != nil && !wf.Status.Terminal() {
			now := time.Now().UTC()
			wf.Status = workflow.StatusFailed
			wf.FailedAt = &now
			wf.Touch()
			res.WorkflowFailed = true
			if f.WorkflowEntry != nil {
				s.history[st.WorkflowID] = append(s.history[st.WorkflowID], f.WorkflowEntry)
			}
		}
	}

	cp := *st
	res.Step = &cp
	return res, nil
}

func (s *Store) ResetStepForRetry(_ context.Context, stepID id.StepID, entry *workflow.History) (*workflow.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	st, ok := s.steps[stepID]
	if !ok {
		return nil, fmt.Errorf("step %s: %w", stepID, djr.ErrStepNotFound)
	}
	if st.Status != workflow.StepFailed {
		return nil, fmt.Errorf("step %s: retry from %s: %w", stepID, st.Status, djr.ErrInvalidTransition)
	}
	st.Status = workflow.StepPending
	st.NextRunAt = nil
	st.Touch()
	if entry != nil {
		s.history[st.WorkflowID] = append(s.history[st.WorkflowID], entry)
	}
	cp := *st
	return &cp, nil
}

func (s *Store) SkipStep(_ context.Context, stepID id.StepID, entry *workflow.History) (*workflow.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	st, ok := s.steps[stepID]
	if !ok {
		return nil, fmt.Errorf("step %s: %w", stepID, djr.ErrStepNotFound)
	}
	if !workflow.CanTransitionStep(st.Status, workflow.StepSkipped) {
		return nil, fmt.Errorf("step %s: skip from %s: %w", stepID, st.Status, djr.ErrInvalidTransition)
	}
	st.Status = workflow.StepSkipped
	st.Touch()
	if entry != nil {
		s.history[st.WorkflowID] = append(s.history[st.WorkflowID], entry)
	}
	cp := *st
	return &cp, nil
}

func (s *Store) CountUnfinishedInGroup(_ context.Context, wfID id.WorkflowID, group string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return workflow.GroupRemaining(s.listStepsLocked(wfID), group), nil
}

func (s *Store) AppendHistory(_ context.Context, entry *workflow.History) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.history[entry.WorkflowID] = append(s.history[entry.WorkflowID], entry)
	return nil
}

func (s *Store) ListHistory(_ context.Context, wfID id.WorkflowID, limit int) ([]*workflow.History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	entries := s.history[wfID]
	out := make([]*workflow.History, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// timer.Store
// ──────────────────────────────────────────────────

func (s *Store) CreateTimer(_ context.Context, t *timer.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	cp := *t
	s.timers[t.ID] = &cp
	return nil
}

func (s *Store) GetTimer(_ context.Context, timerID id.TimerID) (*timer.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	t, ok := s.timers[timerID]
	if !ok {
		return nil, fmt.Errorf("timer %s: %w", timerID, djr.ErrTimerNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *Store) DueTimers(_ context.Context, now time.Time, limit int) ([]*timer.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var out []*timer.Timer
	for _, t := range s.timers {
		if t.Inert() || t.When.After(now) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].When.Before(out[j].When) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) FireTimer(_ context.Context, timerID id.TimerID, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	t, ok := s.timers[timerID]
	if !ok {
		return false, fmt.Errorf("timer %s: %w", timerID, djr.ErrTimerNotFound)
	}
	if t.Inert() {
		return false, nil
	}
	fired := now.UTC()
	t.FiredAt = &fired
	t.Attempts++
	t.Touch()
	return true, nil
}

func (s *Store) RearmTimer(_ context.Context, timerID id.TimerID, when time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	t, ok := s.timers[timerID]
	if !ok {
		return false, fmt.Errorf("timer %s: %w", timerID, djr.ErrTimerNotFound)
	}
	if t.FiredAt == nil || t.Cancelled {
		return false, nil
	}
	t.FiredAt = nil
	t.When = when.UTC()
	t.Touch()
	return true, nil
}

func (s *Store) HasPendingTimer(_ context.Context, targetType timer.TargetType, targetID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	for _, t := range s.timers {
		if t.TargetType == targetType && t.TargetID == targetID && !t.Inert() {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) CancelTimersForTarget(_ context.Context, targetType timer.TargetType, targetID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	n := 0
	for _, t := range s.timers {
		if t.TargetType == targetType && t.TargetID == targetID && !t.Inert() {
			t.Cancelled = true
			t.Touch()
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// idempotency.Store
// ──────────────────────────────────────────────────

func (s *Store) InsertKey(_ context.Context, k *idempotency.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	composite := keyFor(k.Owner, k.Key)
	if _, exists := s.keys[composite]; exists {
		return fmt.Errorf("key %s/%s: %w", k.Owner, k.Key, djr.ErrKeyExists)
	}
	cp := *k
	s.keys[composite] = &cp
	return nil
}

func (s *Store) GetKey(_ context.Context, owner, key string) (*idempotency.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	k, ok := s.keys[keyFor(owner, key)]
	if !ok {
		return nil, fmt.Errorf("key %s/%s: %w", owner, key, djr.ErrKeyNotFound)
	}
	cp := *k
	return &cp, nil
}

func (s *Store) CommitKey(_ context.Context, owner, key string, response []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	k, ok := s.keys[keyFor(owner, key)]
	if !ok {
		return false, fmt.Errorf("key %s/%s: %w", owner, key, djr.ErrKeyNotFound)
	}
	if k.Committed() {
		return false, nil
	}
	now := time.Now().UTC()
	k.Response = response
	k.UsedAt = &now
	k.Touch()
	return true, nil
}

func (s *Store) PurgeExpiredKeys(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	n := 0
	for composite, k := range s.keys {
		if k.TTL != nil && k.TTL.Before(now) {
			delete(s.keys, composite)
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// attempt.Store
// ──────────────────────────────────────────────────

func (s *Store) CreateAttempt(_ context.Context, a *attempt.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	cp := *a
	s.attempts[a.ID] = &cp
	return nil
}

func (s *Store) CloseAttempt(_ context.Context, attemptID id.AttemptID, status, errMsg string, result []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	a, ok := s.attempts[attemptID]
	if !ok {
		return false, fmt.Errorf("attempt %s: %w", attemptID, djr.ErrAttemptNotFound)
	}
	if a.FinishedAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	a.Status = status
	a.Error = errMsg
	a.Result = result
	a.FinishedAt = &now
	return true, nil
}

func (s *Store) ListAttemptsByStep(_ context.Context, stepID id.StepID) ([]*attempt.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var out []*attempt.Attempt
	for _, a := range s.attempts {
		if a.StepID == stepID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}
