package id_test

import (
	"strings"
	"testing"

	"github.com/ankurrokad/distributed-job-runner/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"WorkflowID", id.NewWorkflowID, "wf_"},
		{"StepID", id.NewStepID, "step_"},
		{"TimerID", id.NewTimerID, "tmr_"},
		{"KeyID", id.NewKeyID, "idem_"},
		{"AttemptID", id.NewAttemptID, "att_"},
		{"HistoryID", id.NewHistoryID, "hist_"},
		{"WorkerID", id.NewWorkerID, "wkr_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestNew(t *testing.T) {
	i := id.New(id.PrefixStep)
	if i.IsNil() {
		t.Fatal("expected non-nil ID")
	}
	if i.Prefix() != id.PrefixStep {
		t.Errorf("expected prefix %q, got %q", id.PrefixStep, i.Prefix())
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"WorkflowID", id.NewWorkflowID, id.ParseWorkflowID},
		{"StepID", id.NewStepID, id.ParseStepID},
		{"TimerID", id.NewTimerID, id.ParseTimerID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := tt.newFn()
			parsed, err := tt.parseFn(orig.String())
			if err != nil {
				t.Fatalf("parse error: %v", err)
			}
			if parsed.String() != orig.String() {
				t.Errorf("round trip mismatch: %q != %q", parsed.String(), orig.String())
			}
		})
	}
}

func TestParseWithWrongPrefix(t *testing.T) {
	wfID := id.NewWorkflowID()
	if _, err := id.ParseStepID(wfID.String()); err == nil {
		t.Fatal("expected error parsing workflow ID as step ID")
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Fatal("expected error parsing empty string")
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Fatal("zero-value ID should be nil")
	}
	if i.String() != "" {
		t.Errorf("nil ID String() = %q, want empty", i.String())
	}
}

func TestScanAndValue(t *testing.T) {
	orig := id.NewStepID()

	v, err := orig.Value()
	if err != nil {
		t.Fatalf("Value error: %v", err)
	}

	var scanned id.ID
	if scanErr := scanned.Scan(v); scanErr != nil {
		t.Fatalf("Scan error: %v", scanErr)
	}
	if scanned.String() != orig.String() {
		t.Errorf("scan round trip mismatch: %q != %q", scanned.String(), orig.String())
	}

	var nilID id.ID
	if scanErr := nilID.Scan(nil); scanErr != nil {
		t.Fatalf("Scan(nil) error: %v", scanErr)
	}
	if !nilID.IsNil() {
		t.Error("Scan(nil) should produce nil ID")
	}
}
