package idempotency_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ankurrokad/distributed-job-runner/idempotency"
	"github.com/ankurrokad/distributed-job-runner/store/memory"
)

func TestGuard_ReserveFresh(t *testing.T) {
	g := idempotency.NewGuard(memory.New(), time.Hour)

	res, err := g.Reserve(context.Background(), "step:ingest", "wf1:step1:1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !res.Fresh {
		t.Fatal("first reservation must be fresh")
	}
}

func TestGuard_PendingUntilCommit(t *testing.T) {
	g := idempotency.NewGuard(memory.New(), time.Hour)
	ctx := context.Background()

	if _, err := g.Reserve(ctx, "step:ingest", "k"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// Second caller while the winner is still executing.
	_, err := g.Reserve(ctx, "step:ingest", "k")
	if !errors.Is(err, idempotency.ErrReservationPending) {
		t.Fatalf("expected ErrReservationPending, got %v", err)
	}

	if err := g.Commit(ctx, "step:ingest", "k", []byte(`{"rows":12}`)); err != nil {
		t.Fatalf("commit: %v", err)
	}

	res, err := g.Reserve(ctx, "step:ingest", "k")
	if err != nil {
		t.Fatalf("reserve after commit: %v", err)
	}
	if res.Fresh {
		t.Fatal("expected replay, not a fresh reservation")
	}
	if string(res.Response) != `{"rows":12}` {
		t.Fatalf("expected cached response, got %q", res.Response)
	}
}

func TestGuard_OwnersAreIndependent(t *testing.T) {
	g := idempotency.NewGuard(memory.New(), time.Hour)
	ctx := context.Background()

	if _, err := g.Reserve(ctx, "step:a", "k"); err != nil {
		t.Fatalf("reserve a: %v", err)
	}
	res, err := g.Reserve(ctx, "step:b", "k")
	if err != nil {
		t.Fatalf("reserve b: %v", err)
	}
	if !res.Fresh {
		t.Fatal("same key under a different owner must be fresh")
	}
}

func TestGuard_ConcurrentReserve_OneWinner(t *testing.T) {
	g := idempotency.NewGuard(memory.New(), time.Hour)
	ctx := context.Background()

	const callers = 16
	var fresh int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := g.Reserve(ctx, "step:ingest", "contended")
			if err != nil {
				// Losers see the pending reservation.
				if !errors.Is(err, idempotency.ErrReservationPending) {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if res.Fresh {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if fresh != 1 {
		t.Fatalf("expected exactly one fresh reservation, got %d", fresh)
	}
}

func TestGuard_CommitIsIdempotent(t *testing.T) {
	g := idempotency.NewGuard(memory.New(), time.Hour)
	ctx := context.Background()

	if _, err := g.Reserve(ctx, "o", "k"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := g.Commit(ctx, "o", "k", []byte("first")); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := g.Commit(ctx, "o", "k", []byte("second")); err != nil {
		t.Fatalf("recommit: %v", err)
	}

	res, err := g.Reserve(ctx, "o", "k")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if string(res.Response) != "first" {
		t.Fatalf("expected first committed response to win, got %q", res.Response)
	}
}

func TestGuard_Purge(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	// Already expired.
	expired := idempotency.NewGuard(store, -time.Hour)
	if _, err := expired.Reserve(ctx, "o", "old"); err != nil {
		t.Fatalf("reserve old: %v", err)
	}
	// Long-lived.
	fresh := idempotency.NewGuard(store, time.Hour)
	if _, err := fresh.Reserve(ctx, "o", "new"); err != nil {
		t.Fatalf("reserve new: %v", err)
	}
	// Zero TTL means keep forever.
	forever := idempotency.NewGuard(store, 0)
	if _, err := forever.Reserve(ctx, "o", "keep"); err != nil {
		t.Fatalf("reserve keep: %v", err)
	}

	n, err := fresh.Purge(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}

	res, err := fresh.Reserve(ctx, "o", "old")
	if err != nil {
		t.Fatalf("reserve after purge: %v", err)
	}
	if !res.Fresh {
		t.Fatal("purged key must be reservable again")
	}

	if _, err := forever.Reserve(ctx, "o", "keep"); !errors.Is(err, idempotency.ErrReservationPending) {
		t.Fatalf("a zero-TTL key must survive purge, got %v", err)
	}
}
