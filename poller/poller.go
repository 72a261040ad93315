// Package poller provides fd readiness notification for the event engine.
//
// A Poller multiplexes many EventHandle values, one per wrapped fd. Callers
// register one-shot closures with NotifyOnRead, NotifyOnWrite and
// NotifyOnError; a goroutine repeatedly calls Work, which schedules the
// closures of handles that became ready. Implementations are epoll based
// (Linux), poll based (Linux and Darwin), and a no-op poller whose handles
// only become ready through SetReadable and friends.
//
// # Safety
//
// Orphan a handle, via OrphanHandle, before its fd is reused. Readiness
// delivered to an orphaned handle is dropped.
package poller

import (
	"errors"
	"time"
)

// Scheduler runs closures off the caller's stack, typically on a pool.
type Scheduler interface {
	Run(fn func())
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(fn func())

// Run calls f(fn).
func (f SchedulerFunc) Run(fn func()) { f(fn) }

// WorkResult is the outcome of a call to Poller.Work.
type WorkResult int

const (
	// WorkOK means readiness events were processed.
	WorkOK WorkResult = iota
	// WorkDeadlineExceeded means the timeout elapsed with nothing to do.
	WorkDeadlineExceeded
	// WorkKicked means Kick interrupted the wait.
	WorkKicked
)

func (r WorkResult) String() string {
	switch r {
	case WorkOK:
		return `OK`
	case WorkDeadlineExceeded:
		return `DeadlineExceeded`
	case WorkKicked:
		return `Kicked`
	default:
		return `Unknown`
	}
}

// Standard errors.
var (
	ErrNoPollingEngine = errors.New("poller: no polling engine available")
	ErrPollerClosed    = errors.New("poller: poller closed")
	ErrFDOutOfRange    = errors.New("poller: fd out of range")
)

// Poller watches fds for readiness.
type Poller interface {
	// Name identifies the implementation, e.g. "epoll1" or "poll".
	Name() string
	// CreateHandle starts watching fd. trackErrors requests error queue
	// notifications, which only pollers reporting CanTrackErrors honour. On
	// error, fd is not watched and remains owned by the caller.
	CreateHandle(fd int, name string, trackErrors bool) (EventHandle, error)
	// Work waits up to timeout for readiness and processes it. When there is
	// something to process, schedulePollAgain is called first, so another
	// goroutine can continue polling while the closures are scheduled.
	Work(timeout time.Duration, schedulePollAgain func()) WorkResult
	// Kick interrupts a Work call in progress, or the next one.
	Kick()
	// Shutdown releases the poller's resources. Handles must already be
	// orphaned.
	Shutdown()
	// CanTrackErrors reports support for error queue notifications.
	CanTrackErrors() bool
}

// EventHandle is a single watched fd.
type EventHandle interface {
	// WrappedFd returns the fd.
	WrappedFd() int
	// OrphanHandle shuts the handle down and stops watching it. If releaseFd
	// is non-nil the fd is written there and left open, otherwise it is
	// closed. onDone, if non-nil, is scheduled once the handle is no longer
	// in use.
	OrphanHandle(onDone *Closure, releaseFd *int, reason string)
	// ShutdownHandle fails pending and future closures with why. Only the
	// first call has an effect.
	ShutdownHandle(why error)
	NotifyOnRead(onRead *Closure)
	NotifyOnWrite(onWrite *Closure)
	NotifyOnError(onError *Closure)
	SetReadable()
	SetWritable()
	SetHasError()
	IsHandleShutdown() bool
	Poller() Poller
}

// durationToMillis rounds a Work timeout up to whole milliseconds.
func durationToMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > 1<<31-1 {
		return 1<<31 - 1
	}
	return int(ms)
}
