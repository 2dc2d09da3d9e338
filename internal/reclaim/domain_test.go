package reclaim

import (
	"testing"
	"time"
)

// TestScheduleFreeRunsAfterSoloCheckpoint verifies that with a single
// worker, a scheduled free runs on that worker's own next checkpoint: there
// are no other active workers to wait on.
func TestScheduleFreeRunsAfterSoloCheckpoint(t *testing.T) {
	d := New()
	w := d.Join()

	freed := false
	w.ScheduleFree(func() { freed = true })

	if freed {
		t.Fatal("free ran before any checkpoint")
	}
	w.Checkpoint()
	if !freed {
		t.Fatal("free did not run on the owning worker's checkpoint")
	}
}

// TestScheduleFreeWaitsForAllActiveWorkers verifies that an object freed by
// one worker is not reclaimed until every other active worker has
// checkpointed at least once afterward.
func TestScheduleFreeWaitsForAllActiveWorkers(t *testing.T) {
	d := New()
	a := d.Join()
	b := d.Join()

	freed := false
	a.ScheduleFree(func() { freed = true })

	a.Checkpoint()
	if freed {
		t.Fatal("free ran before peer worker b checkpointed")
	}

	b.Checkpoint()
	a.Checkpoint()
	if !freed {
		t.Fatal("free did not run once every active worker had checkpointed")
	}
}

// TestExitShrinksActiveSet verifies that once a worker exits, its pending
// objects no longer wait on a bit that can never be set again.
func TestExitShrinksActiveSet(t *testing.T) {
	d := New()
	a := d.Join()
	b := d.Join()

	freed := false
	a.ScheduleFree(func() { freed = true })
	a.Checkpoint()

	b.Exit()
	a.Checkpoint()
	if !freed {
		t.Fatal("free should run once the only other active worker has exited")
	}
}

// TestFlushBlocksUntilPeerCheckpoints verifies that Flush does not return
// until a concurrently running peer worker checkpoints.
func TestFlushBlocksUntilPeerCheckpoints(t *testing.T) {
	d := New()
	a := d.Join()
	b := d.Join()

	flushed := make(chan struct{})
	go func() {
		a.Flush()
		close(flushed)
	}()

	select {
	case <-flushed:
		t.Fatal("Flush returned before peer worker b checkpointed")
	case <-time.After(20 * time.Millisecond):
	}

	b.Checkpoint()

	select {
	case <-flushed:
	case <-time.After(time.Second):
		t.Fatal("Flush did not return after peer worker b checkpointed")
	}
}

// TestFinishDrainsAllPendingWork verifies that Finish, called with no
// participating Worker handle, reclaims everything still pending across
// every active worker.
func TestFinishDrainsAllPendingWork(t *testing.T) {
	d := New()
	a := d.Join()
	b := d.Join()

	var freedA, freedB bool
	a.ScheduleFree(func() { freedA = true })
	b.ScheduleFree(func() { freedB = true })

	d.Finish()

	if !freedA || !freedB {
		t.Fatal("Finish did not reclaim pending work from every active worker")
	}
}

// TestScheduleFreeOrderingWithinWorker verifies that objects enqueued
// before a ready node are freed alongside it in the same service pass.
func TestScheduleFreeOrderingWithinWorker(t *testing.T) {
	d := New()
	w := d.Join()

	var order []int
	w.ScheduleFree(func() { order = append(order, 1) })
	w.ScheduleFree(func() { order = append(order, 2) })
	w.ScheduleFree(func() { order = append(order, 3) })

	w.Checkpoint()

	if len(order) != 3 {
		t.Fatalf("expected all 3 pending frees to run, got %d", len(order))
	}
	// Freed newest-first: the node nearest the head of the pending list was
	// enqueued last.
	if order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Fatalf("unexpected free order: %v", order)
	}
}
