package relay

import (
	"testing"

	"github.com/proofgate/proofgate/id"
	"github.com/proofgate/proofgate/job"
)

func TestDeliverToWaiter(t *testing.T) {
	r := New(nil)
	jobID := id.NewJobID()
	ch := r.Register(jobID)

	if !r.Deliver(&job.Result{JobID: jobID, Proof: []byte("p")}) {
		t.Fatal("expected delivery to registered waiter")
	}

	res := <-ch
	if string(res.Proof) != "p" {
		t.Fatalf("unexpected proof: %q", res.Proof)
	}
	if r.Delivered() != 1 {
		t.Fatalf("delivered count = %d, want 1", r.Delivered())
	}
}

func TestDeliverWithoutWaiterIsDiscarded(t *testing.T) {
	r := New(nil)

	if r.Deliver(&job.Result{JobID: id.NewJobID()}) {
		t.Fatal("delivery without a waiter should report false")
	}
	if r.Discarded() != 1 {
		t.Fatalf("discarded count = %d, want 1", r.Discarded())
	}
}

func TestDeliverExactlyOnce(t *testing.T) {
	r := New(nil)
	jobID := id.NewJobID()
	r.Register(jobID)

	first := r.Deliver(&job.Result{JobID: jobID})
	second := r.Deliver(&job.Result{JobID: jobID})

	if !first || second {
		t.Fatalf("expected exactly one delivery, got first=%v second=%v", first, second)
	}
}

func TestDiscardDropsLaterResult(t *testing.T) {
	r := New(nil)
	jobID := id.NewJobID()
	r.Register(jobID)

	r.Discard(jobID)

	if r.Deliver(&job.Result{JobID: jobID}) {
		t.Fatal("result after discard should be dropped")
	}
	if r.Waiting() != 0 {
		t.Fatalf("waiting = %d, want 0", r.Waiting())
	}
}
