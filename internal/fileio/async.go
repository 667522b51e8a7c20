package fileio

import (
	"runtime"
	"sync"
)

// AsyncOp is the handle of one asynchronous read or write. The owner polls
// Finished from its tick and only then inspects the outcome.
type AsyncOp struct {
	Pos int64
	Len int

	done chan struct{}
	err  error
}

func newAsyncOp(pos int64, n int) *AsyncOp {
	return &AsyncOp{Pos: pos, Len: n, done: make(chan struct{})}
}

// CompletedOp returns an already finished operation. Files without native
// asynchronous support use it to report a synchronous result.
func CompletedOp(pos int64, n int, err error) *AsyncOp {
	op := newAsyncOp(pos, n)
	op.complete(err)
	return op
}

func (op *AsyncOp) complete(err error) {
	op.err = err
	close(op.done)
}

// Finished reports whether the operation has completed without blocking.
func (op *AsyncOp) Finished() bool {
	select {
	case <-op.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the operation completes.
func (op *AsyncOp) Wait() {
	<-op.done
}

// Failed reports whether a finished operation failed.
func (op *AsyncOp) Failed() bool {
	return op.Err() != nil
}

// Err returns the error of a finished operation.
func (op *AsyncOp) Err() error {
	if !op.Finished() {
		return nil
	}
	return op.err
}

// Retry reports whether a failed operation may be repeated.
func (op *AsyncOp) Retry() bool {
	return Retryable(op.Err())
}

type ioPool struct {
	jobs chan func()
}

var (
	globalIOPool     *ioPool
	globalIOPoolOnce sync.Once
)

func defaultIOWorkers() int {
	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	if workers > 4 {
		workers = 4
	}
	return workers
}

func newIOPool(workers int) *ioPool {
	if workers < 1 {
		workers = 1
	}
	pool := &ioPool{jobs: make(chan func(), workers*4)}
	for i := 0; i < workers; i++ {
		go func() {
			for job := range pool.jobs {
				job()
			}
		}()
	}
	return pool
}

func getIOPool() *ioPool {
	globalIOPoolOnce.Do(func() {
		globalIOPool = newIOPool(defaultIOWorkers())
	})
	return globalIOPool
}

// submit queues job, running it on a fresh goroutine when the queue is full
// so the caller never blocks.
func (p *ioPool) submit(job func()) {
	select {
	case p.jobs <- job:
	default:
		go job()
	}
}
