package backoff

import (
	"testing"
	"time"
)

func TestConstant(t *testing.T) {
	c := NewConstant(5 * time.Second)
	for _, attempt := range []int{1, 2, 10} {
		if got := c.Delay(attempt); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want 5s", attempt, got)
		}
	}
}

func TestExponential(t *testing.T) {
	e := NewExponential(time.Second, time.Minute)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{10, time.Minute}, // capped
	}

	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponentialNoCap(t *testing.T) {
	e := NewExponential(time.Second, 0)
	if got := e.Delay(10); got != 512*time.Second {
		t.Errorf("Delay(10) = %v, want 512s", got)
	}
}

func TestExponentialWithJitterBounds(t *testing.T) {
	e := NewExponentialWithJitter(time.Second, time.Minute)

	for attempt := 1; attempt <= 8; attempt++ {
		upper := NewExponential(time.Second, time.Minute).Delay(attempt)
		for range 50 {
			got := e.Delay(attempt)
			if got < 0 || got > upper {
				t.Fatalf("Delay(%d) = %v, want in [0, %v]", attempt, got, upper)
			}
		}
	}
}

func TestDefaultStrategy(t *testing.T) {
	s := DefaultStrategy()
	if s == nil {
		t.Fatal("DefaultStrategy returned nil")
	}
	if got := s.Delay(1); got > time.Second {
		t.Errorf("Delay(1) = %v, want <= 1s", got)
	}
}
