// Package asyncqueue runs CPU-bound transfer jobs (chunk encryption and
// decryption) on a bounded set of workers, each owning its own cipher.
package asyncqueue

import (
	"runtime"
	"sync"

	"github.com/sheerbytes/cloudxfer/internal/symm"
)

// Job is handed the worker's cipher, which it must key before use.
type Job func(c *symm.Cipher)

type entry struct {
	job         Job
	discardable bool
}

// Queue is a FIFO of jobs served by a fixed set of workers. A nil *Queue
// runs every job inline on the caller.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []entry
	closed  bool
	wg      sync.WaitGroup
}

// DefaultWorkers returns the worker count used when none is configured.
func DefaultWorkers() int {
	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	if workers > 4 {
		workers = 4
	}
	return workers
}

// New starts a queue with the given number of workers.
func New(workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.work()
	}
	return q
}

// Push queues job. Discardable jobs are dropped if the queue closes before
// they start; the others always run.
func (q *Queue) Push(job Job, discardable bool) {
	if q == nil {
		job(&symm.Cipher{})
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		if !discardable {
			job(&symm.Cipher{})
		}
		return
	}
	q.pending = append(q.pending, entry{job: job, discardable: discardable})
	q.mu.Unlock()
	q.cond.Signal()
}

// Close drops pending discardable jobs, finishes the rest and stops the
// workers.
func (q *Queue) Close() {
	if q == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	kept := q.pending[:0]
	for _, e := range q.pending {
		if !e.discardable {
			kept = append(kept, e)
		}
	}
	q.pending = kept
	q.mu.Unlock()
	q.cond.Broadcast()
	q.wg.Wait()
}

func (q *Queue) work() {
	defer q.wg.Done()
	c := &symm.Cipher{}
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		e := q.pending[0]
		q.pending[0] = entry{}
		q.pending = q.pending[1:]
		q.mu.Unlock()
		e.job(c)
	}
}
