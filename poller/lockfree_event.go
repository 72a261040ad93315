package poller

import (
	"sync/atomic"
)

// LockfreeEvent is a readiness flag with at most one waiting closure.
//
// The state is a single atomic pointer holding one of: the not-ready
// sentinel, the ready sentinel, a waiting closure, or a shutdown marker that
// carries the shutdown error. Once shut down the state never changes again
// until DestroyEvent.
type LockfreeEvent struct {
	scheduler Scheduler
	state     atomic.Pointer[Closure]
}

// NewLockfreeEvent returns an event whose closures run on scheduler. It must
// be initialized with InitEvent before use.
func NewLockfreeEvent(scheduler Scheduler) *LockfreeEvent {
	return &LockfreeEvent{scheduler: scheduler}
}

// InitEvent resets the event to not ready.
func (e *LockfreeEvent) InitEvent() {
	e.state.Store(closureNotReady)
}

// DestroyEvent marks the event shut down with no error. It panics if a
// closure is still waiting.
func (e *LockfreeEvent) DestroyEvent() {
	marker := &Closure{shutdown: true}
	for {
		cur := e.state.Load()
		if cur != nil && !cur.shutdown && cur != closureNotReady && cur != closureReady {
			panic(`poller: destroying an event with a pending closure`)
		}
		if e.state.CompareAndSwap(cur, marker) {
			return
		}
	}
}

// NotifyOn registers closure to run once the event is ready or shut down. An
// already ready event resets to not ready and schedules the closure at once.
// A shut down event schedules it with the shutdown error. Registering while
// another closure is waiting panics.
func (e *LockfreeEvent) NotifyOn(closure *Closure) {
	for {
		cur := e.state.Load()
		switch cur {
		case closureNotReady:
			if e.state.CompareAndSwap(closureNotReady, closure) {
				return
			}
		case closureReady:
			if e.state.CompareAndSwap(closureReady, closureNotReady) {
				schedule(e.scheduler, closure, nil)
				return
			}
		default:
			if cur == nil {
				panic(`poller: event used before InitEvent`)
			}
			if cur.shutdown {
				schedule(e.scheduler, closure, cur.status)
				return
			}
			panic(`poller: NotifyOn called with a previous callback still pending`)
		}
	}
}

// SetShutdown shuts the event down with err, failing any waiting closure.
// Only the first call has an effect; it reports whether this call did.
func (e *LockfreeEvent) SetShutdown(err error) bool {
	marker := &Closure{shutdown: true, status: err}
	for {
		cur := e.state.Load()
		switch {
		case cur == closureNotReady || cur == closureReady:
			if e.state.CompareAndSwap(cur, marker) {
				return true
			}
		case cur == nil || cur.shutdown:
			return false
		default:
			if e.state.CompareAndSwap(cur, marker) {
				schedule(e.scheduler, cur, err)
				return true
			}
		}
	}
}

// SetReady marks the event ready, or schedules the waiting closure. It
// reports whether a closure was scheduled.
func (e *LockfreeEvent) SetReady() bool {
	for {
		cur := e.state.Load()
		switch {
		case cur == closureReady:
			return false
		case cur == closureNotReady:
			if e.state.CompareAndSwap(closureNotReady, closureReady) {
				return false
			}
		case cur == nil || cur.shutdown:
			return false
		default:
			// a racing SetReady or SetShutdown would have scheduled cur
			if e.state.CompareAndSwap(cur, closureNotReady) {
				schedule(e.scheduler, cur, nil)
				return true
			}
			return false
		}
	}
}

// IsShutdown reports whether the event has been shut down.
func (e *LockfreeEvent) IsShutdown() bool {
	cur := e.state.Load()
	return cur != nil && cur.shutdown
}
