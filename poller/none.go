package poller

import (
	"sync"
	"time"

	"github.com/joeycumines/go-eventengine/status"
	"github.com/joeycumines/logiface"
)

// NonePoller watches nothing. Its handles become ready only through
// SetReadable, SetWritable and SetHasError, and Work merely waits for a kick
// or the timeout. It suits engines whose fds are driven externally, and
// tests.
type NonePoller struct {
	scheduler Scheduler
	logger    *logiface.Logger[logiface.Event]
	kickCh    chan struct{}
	mu        sync.Mutex
	closed    bool
}

// NewNonePoller creates a no-op poller.
func NewNonePoller(scheduler Scheduler, logger *logiface.Logger[logiface.Event]) *NonePoller {
	return &NonePoller{
		scheduler: scheduler,
		logger:    logger,
		kickCh:    make(chan struct{}, 1),
	}
}

// Name implements Poller.
func (p *NonePoller) Name() string { return `none` }

// CanTrackErrors implements Poller.
func (p *NonePoller) CanTrackErrors() bool { return false }

// CreateHandle implements Poller.
func (p *NonePoller) CreateHandle(fd int, name string, trackErrors bool) (EventHandle, error) {
	h := &noneHandle{
		poller: p,
		fd:     fd,
		read:   NewLockfreeEvent(p.scheduler),
		write:  NewLockfreeEvent(p.scheduler),
	}
	h.read.InitEvent()
	h.write.InitEvent()
	return h, nil
}

// Work implements Poller. It never has readiness to process.
func (p *NonePoller) Work(timeout time.Duration, schedulePollAgain func()) WorkResult {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return WorkKicked
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.kickCh:
		return WorkKicked
	case <-t.C:
		return WorkDeadlineExceeded
	}
}

// Kick implements Poller.
func (p *NonePoller) Kick() {
	select {
	case p.kickCh <- struct{}{}:
	default:
	}
}

// Shutdown implements Poller.
func (p *NonePoller) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.Kick()
}

type noneHandle struct {
	poller   *NonePoller
	read     *LockfreeEvent
	write    *LockfreeEvent
	fd       int
	mu       sync.Mutex
	orphaned bool
}

func (h *noneHandle) WrappedFd() int                 { return h.fd }
func (h *noneHandle) Poller() Poller                 { return h.poller }
func (h *noneHandle) NotifyOnRead(onRead *Closure)   { h.read.NotifyOn(onRead) }
func (h *noneHandle) NotifyOnWrite(onWrite *Closure) { h.write.NotifyOn(onWrite) }
func (h *noneHandle) SetReadable()                   { h.read.SetReady() }
func (h *noneHandle) SetWritable()                   { h.write.SetReady() }
func (h *noneHandle) SetHasError()                   {}
func (h *noneHandle) IsHandleShutdown() bool         { return h.read.IsShutdown() }

func (h *noneHandle) NotifyOnError(onError *Closure) {
	schedule(h.poller.scheduler, onError, status.CancelledError(`Polling engine does not support tracking errors`))
}

func (h *noneHandle) ShutdownHandle(why error) {
	if h.read.SetShutdown(why) {
		h.write.SetShutdown(why)
	}
}

// OrphanHandle implements EventHandle. The fd is never closed here, since
// the none poller does not own it; it is always handed back via releaseFd
// when one is given.
func (h *noneHandle) OrphanHandle(onDone *Closure, releaseFd *int, reason string) {
	h.mu.Lock()
	if h.orphaned {
		h.mu.Unlock()
		panic(`poller: handle orphaned twice`)
	}
	h.orphaned = true
	h.mu.Unlock()
	h.ShutdownHandle(status.InternalError(reason))
	if releaseFd != nil {
		*releaseFd = h.fd
	}
	h.read.DestroyEvent()
	h.write.DestroyEvent()
	if onDone != nil {
		schedule(h.poller.scheduler, onDone, nil)
	}
}
