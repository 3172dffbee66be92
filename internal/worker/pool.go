// Package worker provides a small bounded worker pool for fire-and-forget
// background jobs, such as running enrichment after a memory store() call
// has returned; nothing in this module submits jobs to it itself. No pack repo implements a bounded worker pool directly;
// this is original code in the teacher's small-package style (one
// focused type, explicit constructor, no package-level state), resolving
// the spec's open question on pool size by defaulting to 4 workers and
// documenting the full-queue drop behavior instead of blocking or growing
// unbounded.
package worker

import (
	"sync"

	"github.com/swarmgrid/substrate/internal/debugns"
)

// DefaultWorkers is the default pool size when Pool is constructed with
// workers <= 0.
const DefaultWorkers = 4

// DefaultQueueSize bounds how many pending jobs the pool holds before
// Submit starts dropping the oldest pending job.
const DefaultQueueSize = 256

// Job is a unit of fire-and-forget work.
type Job func()

// Pool runs submitted jobs on a fixed number of goroutines. When the
// queue is full, Submit drops the oldest queued job to make room for the
// new one rather than blocking the caller — documented, not silent: every
// drop is logged via the debug namespace "swarm:worker".
type Pool struct {
	jobs   chan Job
	wg     sync.WaitGroup
	debug  *debugns.Matcher
	mu     sync.Mutex
	closed bool
}

// New starts a Pool with the given worker count and queue bound (zero or
// negative values fall back to DefaultWorkers/DefaultQueueSize).
func New(workers, queueSize int, debug *debugns.Matcher) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	p := &Pool{jobs: make(chan Job, queueSize), debug: debug}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for job := range p.jobs {
		job()
	}
}

// Submit enqueues job. If the queue is full, the oldest pending job is
// dropped (and logged) to make room — callers that need a delivery
// guarantee should not route through this pool.
func (p *Pool) Submit(job Job) {
	select {
	case p.jobs <- job:
		return
	default:
	}

	// Queue full: drop the oldest waiting job to make room. This can race
	// a worker draining the channel concurrently, which is fine — either
	// way the new job gets queued or is itself dropped, and both outcomes
	// are logged.
	select {
	case dropped := <-p.jobs:
		_ = dropped
		if p.debug != nil {
			p.debug.Logf("swarm:worker", "queue full, dropped oldest pending job")
		}
		select {
		case p.jobs <- job:
		default:
			if p.debug != nil {
				p.debug.Logf("swarm:worker", "queue full, dropped submitted job")
			}
		}
	default:
		if p.debug != nil {
			p.debug.Logf("swarm:worker", "queue full, dropped submitted job")
		}
	}
}

// Close stops accepting new jobs and waits for in-flight/queued jobs to
// finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.jobs)
	p.wg.Wait()
}
