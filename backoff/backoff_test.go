package backoff

import (
	"testing"
	"time"
)

func TestConstant(t *testing.T) {
	c := NewConstant(2 * time.Second)
	for attempt := 1; attempt <= 5; attempt++ {
		if got := c.Delay(attempt); got != 2*time.Second {
			t.Fatalf("attempt %d: expected 2s, got %s", attempt, got)
		}
	}
}

func TestExponentialWithJitter_Bounds(t *testing.T) {
	e := NewExponentialWithJitter(1*time.Second, 8*time.Second)

	for attempt := 1; attempt <= 10; attempt++ {
		d := e.Delay(attempt)
		if d < 0 {
			t.Fatalf("attempt %d: negative delay %s", attempt, d)
		}
		if d > 8*time.Second {
			t.Fatalf("attempt %d: delay %s exceeds max", attempt, d)
		}
	}
}

func TestExponentialWithJitter_GrowsWithAttempts(t *testing.T) {
	e := NewExponentialWithJitter(1*time.Second, 0)

	// The upper bound for attempt 3 is 4s; sample enough to see a value
	// above the attempt-1 bound of 1s.
	seenAboveFirstBound := false
	for range 100 {
		if e.Delay(3) > 1*time.Second {
			seenAboveFirstBound = true
			break
		}
	}
	if !seenAboveFirstBound {
		t.Fatal("expected attempt-3 delays to exceed the attempt-1 bound at least once")
	}
}

func TestDefaultStrategy(t *testing.T) {
	s := DefaultStrategy()
	if s == nil {
		t.Fatal("expected non-nil default strategy")
	}
	if d := s.Delay(1); d > 500*time.Millisecond {
		t.Fatalf("first delay %s exceeds initial bound", d)
	}
}
