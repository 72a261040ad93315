// Package executor provides the bounded thread pool that runs engine
// callbacks off the poller and timer goroutines.
package executor

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gammazero/workerpool"
	"github.com/joeycumines/logiface"
)

const (
	// MinSize is the lower bound of DefaultSize.
	MinSize = 4
	// MaxSize is the upper bound of DefaultSize.
	MaxSize = 16
)

// ErrPoolStopped is logged when a closure is submitted to a stopped pool.
var ErrPoolStopped = errors.New("executor: pool is stopped")

// DefaultSize returns clamp(NumCPU, MinSize, MaxSize).
func DefaultSize() int {
	n := runtime.NumCPU()
	if n < MinSize {
		n = MinSize
	}
	if n > MaxSize {
		n = MaxSize
	}
	return n
}

// Pool runs closures on a fixed number of workers, in submission order per
// worker. Closures never run on the submitting goroutine.
type Pool struct {
	wp     *workerpool.WorkerPool
	logger *logiface.Logger[logiface.Event]
	size   int

	submitted atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
	dropped   atomic.Int64

	mu      sync.RWMutex
	stopped bool
}

// New creates a pool of size workers. A size <= 0 selects DefaultSize.
func New(size int, logger *logiface.Logger[logiface.Event]) *Pool {
	if size <= 0 {
		size = DefaultSize()
	}
	return &Pool{
		wp:     workerpool.New(size),
		logger: logger,
		size:   size,
	}
}

// Size returns the worker count.
func (p *Pool) Size() int { return p.size }

// Run submits fn. After Quiesce, fn is dropped and a warning is logged.
func (p *Pool) Run(fn func()) {
	if fn == nil {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.dropped.Add(1)
		p.logger.Warning().Err(ErrPoolStopped).Log(`executor: dropped closure`)
		return
	}
	p.submitted.Add(1)
	p.wp.Submit(func() { p.safeExecute(fn) })
}

func (p *Pool) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.logger.Err().
				Any(`panic`, r).
				Log(`executor: closure panicked`)
			return
		}
		p.completed.Add(1)
	}()
	fn()
}

// Quiesce stops accepting work and waits for every queued closure to finish.
// It is idempotent.
func (p *Pool) Quiesce() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	wp := p.wp
	p.mu.Unlock()
	wp.StopWait()
}

// IsStopped reports whether the pool has been quiesced.
func (p *Pool) IsStopped() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stopped
}

// PrepareFork quiesces the pool.
func (p *Pool) PrepareFork() { p.Quiesce() }

// PostforkParent restarts the workers.
func (p *Pool) PostforkParent() { p.restart() }

// PostforkChild restarts the workers.
func (p *Pool) PostforkChild() { p.restart() }

func (p *Pool) restart() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		return
	}
	p.wp = workerpool.New(p.size)
	p.stopped = false
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Size      int
	Submitted int64
	Completed int64
	Panicked  int64
	Dropped   int64
	Waiting   int
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	waiting := p.wp.WaitingQueueSize()
	p.mu.RUnlock()
	return Stats{
		Size:      p.size,
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
		Dropped:   p.dropped.Load(),
		Waiting:   waiting,
	}
}
