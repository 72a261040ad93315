//go:build linux || darwin

package poller

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-eventengine/status"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

const (
	pollinCheck  = unix.POLLIN | unix.POLLHUP | unix.POLLERR
	polloutCheck = unix.POLLOUT | unix.POLLHUP | unix.POLLERR
)

// PollPoller is a level-triggered poll(2) poller. Every Work call rebuilds
// the pollfd set from the registered handles, watching only the directions
// somebody is waiting on. It cannot track socket error queues.
type PollPoller struct {
	scheduler Scheduler
	logger    *logiface.Logger[logiface.Event]
	wakeup    *wakeupFd

	// mu guards handles, the kick flags and closed
	mu           sync.Mutex
	handles      []*pollHandle
	wasKicked    bool
	wasKickedExt bool
	closed       bool

	// workMu serializes Work, which owns pfds and watchers
	workMu   sync.Mutex
	pfds     []unix.PollFd
	watchers []*pollHandle
}

// NewPollPoller creates a poll poller.
func NewPollPoller(scheduler Scheduler, logger *logiface.Logger[logiface.Event]) (*PollPoller, error) {
	wakeup, err := newWakeupFd()
	if err != nil {
		return nil, status.FromErrno(`wakeup fd`, err)
	}
	return &PollPoller{
		scheduler: scheduler,
		logger:    logger,
		wakeup:    wakeup,
	}, nil
}

// PollAvailable reports whether a wakeup fd can be created, which the poll
// poller needs.
func PollAvailable() bool {
	w, err := newWakeupFd()
	if err != nil {
		return false
	}
	w.Close()
	return true
}

// Name implements Poller.
func (p *PollPoller) Name() string { return `poll` }

// CanTrackErrors implements Poller.
func (p *PollPoller) CanTrackErrors() bool { return false }

// CreateHandle implements Poller. trackErrors is ignored.
func (p *PollPoller) CreateHandle(fd int, name string, trackErrors bool) (EventHandle, error) {
	if fd < 0 {
		return nil, ErrFDOutOfRange
	}
	h := &pollHandle{
		poller:       p,
		fd:           fd,
		name:         name,
		readClosure:  closureNotReady,
		writeClosure: closureNotReady,
		watchMask:    -1,
	}
	h.refs.Store(1)
	p.mu.Lock()
	h.pollIndex = len(p.handles)
	p.handles = append(p.handles, h)
	p.mu.Unlock()
	// the goroutine in Work must add the new fd to its set
	p.kickExternal(false)
	return h, nil
}

func (p *PollPoller) removeHandle(h *pollHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := h.pollIndex
	if i < 0 {
		return
	}
	last := len(p.handles) - 1
	if i != last {
		p.handles[i] = p.handles[last]
		p.handles[i].pollIndex = i
	}
	p.handles[last] = nil
	p.handles = p.handles[:last]
	h.pollIndex = -1
}

// Kick implements Poller.
func (p *PollPoller) Kick() { p.kickExternal(true) }

// kickExternal wakes Work. Internal kicks only make Work rebuild its set;
// external ones also make it return.
func (p *PollPoller) kickExternal(ext bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.wasKicked {
		if ext {
			p.wasKickedExt = true
		}
		return
	}
	p.wasKicked = true
	p.wasKickedExt = ext
	if err := p.wakeup.Wakeup(); err != nil {
		p.logger.Err().Err(err).Log(`poll kick failed`)
	}
}

// Work implements Poller.
func (p *PollPoller) Work(timeout time.Duration, schedulePollAgain func()) WorkResult {
	p.workMu.Lock()
	defer p.workMu.Unlock()

	var (
		pending      []*pollHandle
		wasKickedExt bool
	)
	deadline := time.Now().Add(timeout)
	p.mu.Lock()
	for len(pending) == 0 {
		if p.closed {
			p.mu.Unlock()
			return WorkKicked
		}
		pfds := append(p.pfds[:0], unix.PollFd{Fd: int32(p.wakeup.readFd), Events: unix.POLLIN})
		watchers := append(p.watchers[:0], nil)
		for _, h := range p.handles {
			h.mu.Lock()
			if !h.pollhup {
				pfds = append(pfds, unix.PollFd{Fd: int32(h.fd), Events: h.beginPollLocked(unix.POLLIN, unix.POLLOUT)})
				watchers = append(watchers, h)
			}
			h.mu.Unlock()
		}
		p.mu.Unlock()

		r, err := unix.Poll(pfds, durationToMillis(time.Until(deadline)))
		if err != nil {
			r = -1
			if err != unix.EINTR {
				p.logger.Err().Err(err).Log(`poll failed`)
			}
		}

		if r <= 0 {
			for i := 1; i < len(pfds); i++ {
				h := watchers[i]
				h.mu.Lock()
				if mask := h.watchMask; mask != -1 {
					h.watchMask = -1
					// on error, a polled fd is reported as both readable and
					// writable
					if mask > 0 && r < 0 {
						if h.endPollLocked(true, true) {
							pending = append(pending, h)
						}
					} else {
						h.endPollLocked(false, false)
					}
				} else {
					// orphaned while polled
					h.endPollLocked(false, false)
				}
				h.mu.Unlock()
				h.unref()
			}
		} else {
			if pfds[0].Revents&pollinCheck != 0 {
				p.wakeup.ConsumeWakeup()
			}
			for i := 1; i < len(pfds); i++ {
				h := watchers[i]
				h.mu.Lock()
				if mask := h.watchMask; mask == -1 || mask == 0 {
					h.watchMask = -1
					h.endPollLocked(false, false)
				} else {
					revents := pfds[i].Revents
					if revents&unix.POLLHUP != 0 {
						h.pollhup = true
					}
					h.watchMask = -1
					if h.endPollLocked(revents&pollinCheck != 0, revents&polloutCheck != 0) {
						pending = append(pending, h)
					}
				}
				h.mu.Unlock()
				h.unref()
			}
		}

		clear(watchers)
		p.pfds, p.watchers = pfds, watchers

		p.mu.Lock()
		if p.wasKicked {
			p.wasKicked = false
			if p.wasKickedExt {
				p.wasKickedExt = false
				wasKickedExt = true
				break
			}
		}
		if !time.Now().Before(deadline) {
			break
		}
	}
	p.mu.Unlock()

	if len(pending) == 0 {
		if wasKickedExt {
			return WorkKicked
		}
		return WorkDeadlineExceeded
	}
	if schedulePollAgain != nil {
		schedulePollAgain()
	}
	for _, h := range pending {
		h.executePendingActions()
	}
	if wasKickedExt {
		return WorkKicked
	}
	return WorkOK
}

// Shutdown implements Poller. It interrupts and waits for any Work call in
// progress.
func (p *PollPoller) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	_ = p.wakeup.Wakeup()
	p.mu.Unlock()

	p.workMu.Lock()
	defer p.workMu.Unlock()
	p.wakeup.Close()
}

// pollHandle keeps its closures in a mutex guarded slot rather than a
// LockfreeEvent, since Work must inspect them to build the watch mask.
type pollHandle struct {
	poller       *PollPoller
	readClosure  *Closure
	writeClosure *Closure
	onDone       *Closure
	shutdownErr  error
	name         string
	fd           int
	pollIndex    int
	refs         atomic.Int32

	mu sync.Mutex
	// -1 when not watched, otherwise the events being polled for
	watchMask    int16
	pendingRead  bool
	pendingWrite bool
	isShutdown   bool
	isOrphaned   bool
	released     bool
	closed       bool
	pollhup      bool
}

func (h *pollHandle) WrappedFd() int { return h.fd }
func (h *pollHandle) Poller() Poller { return h.poller }
func (h *pollHandle) SetHasError()   {}

func (h *pollHandle) ref() { h.refs.Add(1) }

func (h *pollHandle) unref() {
	if h.refs.Add(-1) == 0 {
		if h.onDone != nil {
			schedule(h.poller.scheduler, h.onDone, nil)
		}
	}
}

func (h *pollHandle) closeFdLocked() {
	if !h.released && !h.closed {
		h.closed = true
		_ = unix.Close(h.fd)
	}
}

// notifyOnLocked reports whether a closure was scheduled.
func (h *pollHandle) notifyOnLocked(st **Closure, closure *Closure) bool {
	switch {
	case h.isShutdown || h.pollhup:
		schedule(h.poller.scheduler, closure, h.shutdownErr)
	case *st == closureNotReady:
		*st = closure
	case *st == closureReady:
		*st = closureNotReady
		schedule(h.poller.scheduler, closure, h.shutdownErr)
		return true
	default:
		panic(`poller: NotifyOn called with a previous callback still pending`)
	}
	return false
}

// setReadyLocked reports whether a closure was scheduled.
func (h *pollHandle) setReadyLocked(st **Closure) bool {
	switch *st {
	case closureReady:
		return false
	case closureNotReady:
		*st = closureReady
		return false
	default:
		closure := *st
		*st = closureNotReady
		schedule(h.poller.scheduler, closure, h.shutdownErr)
		return true
	}
}

func (h *pollHandle) notifyOn(st **Closure, closure *Closure) {
	h.ref()
	defer h.unref()
	h.mu.Lock()
	kick := h.notifyOnLocked(st, closure)
	h.mu.Unlock()
	if kick {
		// the fd must be polled again for this direction
		h.poller.kickExternal(false)
	}
}

func (h *pollHandle) NotifyOnRead(onRead *Closure)   { h.notifyOn(&h.readClosure, onRead) }
func (h *pollHandle) NotifyOnWrite(onWrite *Closure) { h.notifyOn(&h.writeClosure, onWrite) }

func (h *pollHandle) NotifyOnError(onError *Closure) {
	schedule(h.poller.scheduler, onError, status.CancelledError(`Polling engine does not support tracking errors`))
}

func (h *pollHandle) setReady(st **Closure) {
	h.ref()
	defer h.unref()
	h.mu.Lock()
	h.setReadyLocked(st)
	h.mu.Unlock()
}

func (h *pollHandle) SetReadable() { h.setReady(&h.readClosure) }
func (h *pollHandle) SetWritable() { h.setReady(&h.writeClosure) }

func (h *pollHandle) IsHandleShutdown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isShutdown
}

func (h *pollHandle) ShutdownHandle(why error) {
	h.ref()
	defer h.unref()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.isShutdown {
		return
	}
	h.isShutdown = true
	h.shutdownErr = why
	_ = unix.Shutdown(h.fd, unix.SHUT_RDWR)
	h.setReadyLocked(&h.readClosure)
	h.setReadyLocked(&h.writeClosure)
}

func (h *pollHandle) OrphanHandle(onDone *Closure, releaseFd *int, reason string) {
	h.poller.removeHandle(h)
	h.mu.Lock()
	if h.isOrphaned {
		h.mu.Unlock()
		panic(`poller: handle orphaned twice`)
	}
	h.isOrphaned = true
	h.onDone = onDone
	h.released = releaseFd != nil
	if releaseFd != nil {
		*releaseFd = h.fd
	}
	if !h.isShutdown {
		h.isShutdown = true
		h.shutdownErr = status.InternalError(`FD Orphaned`).WithContext(`reason`, reason)
		if !h.released {
			_ = unix.Shutdown(h.fd, unix.SHUT_RDWR)
		}
		h.setReadyLocked(&h.readClosure)
		h.setReadyLocked(&h.writeClosure)
	}
	if h.watchMask == -1 {
		h.closeFdLocked()
		h.mu.Unlock()
	} else {
		// Work holds the fd in its set; it closes it once poll returns
		h.watchMask = -1
		h.mu.Unlock()
		h.poller.kickExternal(false)
	}
	h.unref()
}

// beginPollLocked takes a reference, released by Work once poll returns.
func (h *pollHandle) beginPollLocked(readMask, writeMask int16) int16 {
	h.ref()
	if h.isShutdown {
		h.watchMask = 0
		return 0
	}
	var mask int16
	if readMask != 0 && !h.pendingRead && h.readClosure != closureReady {
		mask |= readMask
	}
	if writeMask != 0 && !h.pendingWrite && h.writeClosure != closureReady {
		mask |= writeMask
	}
	h.watchMask = mask
	return mask
}

// endPollLocked reports whether the handle has actions pending, in which case
// it holds a reference until executePendingActions.
func (h *pollHandle) endPollLocked(gotRead, gotWrite bool) bool {
	if h.isOrphaned {
		if h.watchMask == -1 {
			h.closeFdLocked()
		}
		return false
	}
	h.pendingRead = h.pendingRead || gotRead
	h.pendingWrite = h.pendingWrite || gotWrite
	if gotRead || gotWrite {
		h.ref()
		return true
	}
	return false
}

func (h *pollHandle) executePendingActions() {
	kick := false
	h.mu.Lock()
	if h.pendingRead && h.setReadyLocked(&h.readClosure) {
		kick = true
	}
	if h.pendingWrite && h.setReadyLocked(&h.writeClosure) {
		kick = true
	}
	h.pendingRead, h.pendingWrite = false, false
	h.mu.Unlock()
	if kick {
		h.poller.kickExternal(false)
	}
	h.unref()
}

func pollFactory() Factory {
	return Factory{
		Name:      `poll`,
		Available: PollAvailable,
		New: func(scheduler Scheduler, logger *logiface.Logger[logiface.Event]) (Poller, error) {
			return NewPollPoller(scheduler, logger)
		},
	}
}
