package worker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRunsJobs(t *testing.T) {
	p := New(2, 16, nil)
	defer p.Close()

	var n int32
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		p.Submit(func() {
			atomic.AddInt32(&n, 1)
			wg.Done()
		})
	}
	wg.Wait()
	if atomic.LoadInt32(&n) != 5 {
		t.Fatalf("n = %d, want 5", n)
	}
}

func TestNewFallsBackToDefaultsOnNonPositiveArgs(t *testing.T) {
	p := New(0, -1, nil)
	defer p.Close()
	if cap(p.jobs) != DefaultQueueSize {
		t.Fatalf("queue capacity = %d, want %d", cap(p.jobs), DefaultQueueSize)
	}
}

func TestSubmitDropsOldestWhenQueueFull(t *testing.T) {
	// Zero workers: nothing drains the queue, so Submit past capacity
	// must hit the full-queue drop path instead of blocking forever.
	p := &Pool{jobs: make(chan Job, 2)}

	p.Submit(func() {})
	p.Submit(func() {})
	done := make(chan struct{})
	go func() {
		p.Submit(func() {})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit blocked on a full queue instead of dropping the oldest job")
	}
	if len(p.jobs) != 2 {
		t.Fatalf("queue len = %d, want 2 (still bounded)", len(p.jobs))
	}
}

func TestCloseWaitsForInFlightJobsAndIsIdempotent(t *testing.T) {
	p := New(1, 4, nil)

	var ran int32
	p.Submit(func() { atomic.AddInt32(&ran, 1) })
	p.Close()
	p.Close() // must not panic on double-close

	if atomic.LoadInt32(&ran) != 1 {
		t.Fatalf("ran = %d, want 1", ran)
	}
}
