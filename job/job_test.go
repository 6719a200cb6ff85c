package job

import (
	"testing"
	"time"
)

func TestNewAppliesDefaults(t *testing.T) {
	j := New([]byte("payload"))
	if j.ID.IsNil() {
		t.Fatal("expected a job id")
	}
	if j.State != StateQueued {
		t.Fatalf("new job state = %s, want %s", j.State, StateQueued)
	}
	if j.MaxRetries != 1 {
		t.Fatalf("default retry budget = %d, want 1", j.MaxRetries)
	}
	if j.Deadline != 100*time.Second {
		t.Fatalf("default deadline = %s", j.Deadline)
	}
}

func TestNewAppliesOptions(t *testing.T) {
	j := New(nil, WithMaxRetries(3), WithDeadline(5*time.Second))
	if j.MaxRetries != 3 {
		t.Fatalf("retry budget = %d, want 3", j.MaxRetries)
	}
	if j.Deadline != 5*time.Second {
		t.Fatalf("deadline = %s, want 5s", j.Deadline)
	}
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateQueued, StateDispatched} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []State{StateCompleted, StateFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestResultFailed(t *testing.T) {
	ok := Result{JobID: New(nil).ID, Proof: []byte{0x01}}
	if ok.Failed() {
		t.Fatal("result with proof reported as failed")
	}
	bad := Result{Err: "prover crashed"}
	if !bad.Failed() {
		t.Fatal("result with error not reported as failed")
	}
}
