package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ankurrokad/distributed-job-runner/handler"
	"github.com/ankurrokad/distributed-job-runner/id"
)

func testTask() *handler.Task {
	return &handler.Task{
		WorkflowID: id.NewWorkflowID(),
		StepID:     id.NewStepID(),
		Name:       "ingest_batch",
		Attempt:    1,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChain_Order(t *testing.T) {
	var calls []string
	tag := func(name string) Middleware {
		return func(ctx context.Context, task *handler.Task, next Handler) ([]byte, error) {
			calls = append(calls, name+":in")
			out, err := next(ctx)
			calls = append(calls, name+":out")
			return out, err
		}
	}

	chained := Chain(tag("outer"), tag("inner"))
	_, err := chained(context.Background(), testTask(), func(ctx context.Context) ([]byte, error) {
		calls = append(calls, "handler")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("chain: %v", err)
	}

	want := []string{"outer:in", "inner:in", "handler", "inner:out", "outer:out"}
	if len(calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, calls)
		}
	}
}

func TestChain_EmptyIsPassthrough(t *testing.T) {
	out, err := Chain()(context.Background(), testTask(), func(ctx context.Context) ([]byte, error) {
		return []byte("ok"), nil
	})
	if err != nil || string(out) != "ok" {
		t.Fatalf("expected passthrough, got %q err %v", out, err)
	}
}

func TestRecover_ConvertsPanicToError(t *testing.T) {
	mw := Recover(quietLogger())

	out, err := mw(context.Background(), testTask(), func(ctx context.Context) ([]byte, error) {
		panic("boom")
	})
	if out != nil {
		t.Fatalf("expected nil result, got %q", out)
	}
	if err == nil {
		t.Fatal("expected the panic converted to an error")
	}
}

func TestTimeout_CancelsSlowHandlers(t *testing.T) {
	mw := Timeout(quietLogger())
	task := testTask()
	task.Timeout = 20 * time.Millisecond

	_, err := mw(context.Background(), task, func(ctx context.Context) ([]byte, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
			return nil, errors.New("never cancelled")
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestTimeout_ZeroMeansNoDeadline(t *testing.T) {
	mw := Timeout(quietLogger())

	_, err := mw(context.Background(), testTask(), func(ctx context.Context) ([]byte, error) {
		if _, ok := ctx.Deadline(); ok {
			return nil, errors.New("unexpected deadline")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("timeout: %v", err)
	}
}
