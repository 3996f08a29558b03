package handler

import (
	"context"
	"testing"
)

func noop(ctx context.Context, t *Task) ([]byte, error) { return nil, nil }

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("ingest_batch", noop); err != nil {
		t.Fatalf("register: %v", err)
	}
	fn, err := r.Get("ingest_batch")
	if err != nil || fn == nil {
		t.Fatalf("expected the handler back, fn=%v err=%v", fn, err)
	}
	if _, err := r.Get("missing"); err == nil {
		t.Fatal("expected an error for an unregistered name")
	}
}

func TestRegistry_DuplicateNameRejected(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("ingest_batch", noop); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("ingest_batch", noop); err == nil {
		t.Fatal("expected duplicate registration to error")
	}
}

func TestRegistry_Names(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"publish_report", "ingest_batch"} {
		if err := r.Register(name, noop); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "ingest_batch" || names[1] != "publish_report" {
		t.Fatalf("expected sorted names, got %v", names)
	}
}
