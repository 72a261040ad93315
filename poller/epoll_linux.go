//go:build linux

package poller

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-eventengine/status"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

const (
	// initial size of the fd-indexed handle table
	epollInitialFDs = 1024
	// MaxFDLimit is the largest fd an epoll poller will index.
	MaxFDLimit = 100000000
	// events fetched per epoll_wait
	epollMaxEvents = 256
)

// EpollPoller is an edge-triggered epoll poller with lock-free readiness
// events. Handles are indexed by fd.
type EpollPoller struct {
	scheduler Scheduler
	logger    *logiface.Logger[logiface.Event]
	name      string
	wakeup    *wakeupFd
	handles   []*epollHandle
	events    [epollMaxEvents]unix.EpollEvent
	epfd      int
	extraMask uint32
	// serializes Work, which owns events
	workMu sync.Mutex
	// guards the wakeup fd against Shutdown
	lifecycleMu sync.RWMutex
	handlesMu   sync.RWMutex
	closed      atomic.Bool
}

// NewEpollPoller creates an epoll1 poller.
func NewEpollPoller(scheduler Scheduler, logger *logiface.Logger[logiface.Event]) (*EpollPoller, error) {
	return newEpollPoller(`epoll1`, 0, scheduler, logger)
}

// NewEpollexPoller creates an epoll poller registering fds with
// EPOLLEXCLUSIVE.
func NewEpollexPoller(scheduler Scheduler, logger *logiface.Logger[logiface.Event]) (*EpollPoller, error) {
	return newEpollPoller(`epollex`, unix.EPOLLEXCLUSIVE, scheduler, logger)
}

func newEpollPoller(name string, extraMask uint32, scheduler Scheduler, logger *logiface.Logger[logiface.Event]) (*EpollPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, status.FromErrno(`epoll_create1`, err)
	}
	wakeup, err := newWakeupFd()
	if err != nil {
		_ = unix.Close(epfd)
		return nil, status.FromErrno(`eventfd`, err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(wakeup.readFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeup.readFd, &ev); err != nil {
		wakeup.Close()
		_ = unix.Close(epfd)
		return nil, status.FromErrno(`epoll_ctl`, err)
	}
	return &EpollPoller{
		scheduler: scheduler,
		logger:    logger,
		name:      name,
		wakeup:    wakeup,
		handles:   make([]*epollHandle, epollInitialFDs),
		epfd:      epfd,
		extraMask: extraMask,
	}, nil
}

// EpollAvailable reports whether epoll can be created.
func EpollAvailable() bool {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return false
	}
	_ = unix.Close(epfd)
	return true
}

// EpollexclusiveAvailable probes for EPOLLEXCLUSIVE. Kernels that support it
// reject the flag combined with EPOLLONESHOT; older kernels silently ignore
// the unknown bit and accept the registration.
func EpollexclusiveAvailable() bool {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return false
	}
	defer unix.Close(epfd)
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return false
	}
	defer unix.Close(efd)
	ev := unix.EpollEvent{
		Events: unix.EPOLLET | unix.EPOLLIN | unix.EPOLLEXCLUSIVE | unix.EPOLLONESHOT,
		Fd:     int32(efd),
	}
	err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, efd, &ev)
	return errors.Is(err, unix.EINVAL)
}

// Name implements Poller.
func (p *EpollPoller) Name() string { return p.name }

// CanTrackErrors implements Poller.
func (p *EpollPoller) CanTrackErrors() bool { return true }

// CreateHandle implements Poller.
func (p *EpollPoller) CreateHandle(fd int, name string, trackErrors bool) (EventHandle, error) {
	if fd < 0 || fd >= MaxFDLimit {
		return nil, ErrFDOutOfRange
	}
	h := &epollHandle{
		fd:          fd,
		name:        name,
		poller:      p,
		trackErrors: trackErrors,
		read:        NewLockfreeEvent(p.scheduler),
		write:       NewLockfreeEvent(p.scheduler),
		err:         NewLockfreeEvent(p.scheduler),
	}
	h.read.InitEvent()
	h.write.InitEvent()
	h.err.InitEvent()

	p.handlesMu.Lock()
	if fd >= len(p.handles) {
		size := fd*2 + 1
		if size > MaxFDLimit {
			size = MaxFDLimit
		}
		grown := make([]*epollHandle, size)
		copy(grown, p.handles)
		p.handles = grown
	}
	if p.handles[fd] != nil {
		p.handlesMu.Unlock()
		return nil, status.FromErrno(`epoll_ctl`, unix.EEXIST).WithContext(`fd`, fd)
	}
	p.handles[fd] = h
	p.handlesMu.Unlock()

	ev := unix.EpollEvent{
		Events: p.registerEvents(),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		p.removeHandle(h)
		h.read.DestroyEvent()
		h.write.DestroyEvent()
		h.err.DestroyEvent()
		p.logger.Err().
			Err(err).
			Int(`fd`, fd).
			Str(`name`, name).
			Log(`epoll_ctl add failed`)
		return nil, status.FromErrno(`epoll_ctl`, err).WithContext(`fd`, fd)
	}
	return h, nil
}

// registerEvents is the edge triggered mask each fd is added with. The
// kernel rejects EPOLLRDHUP alongside EPOLLEXCLUSIVE, and peer shutdown
// still surfaces as EPOLLIN.
func (p *EpollPoller) registerEvents() uint32 {
	events := uint32(unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLET | p.extraMask)
	if p.extraMask&unix.EPOLLEXCLUSIVE == 0 {
		events |= unix.EPOLLRDHUP
	}
	return events
}

func (p *EpollPoller) removeHandle(h *epollHandle) {
	p.handlesMu.Lock()
	if h.fd < len(p.handles) && p.handles[h.fd] == h {
		p.handles[h.fd] = nil
	}
	p.handlesMu.Unlock()
}

// Work implements Poller.
func (p *EpollPoller) Work(timeout time.Duration, schedulePollAgain func()) WorkResult {
	p.workMu.Lock()
	defer p.workMu.Unlock()
	if p.closed.Load() {
		return WorkKicked
	}
	n, err := unix.EpollWait(p.epfd, p.events[:], durationToMillis(timeout))
	if err != nil {
		if err != unix.EINTR {
			p.logger.Err().Err(err).Log(`epoll_wait failed`)
		}
		return WorkDeadlineExceeded
	}

	var (
		kicked  bool
		pending []*epollHandle
	)
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		fd := int(ev.Fd)
		if fd == p.wakeup.readFd {
			p.wakeup.ConsumeWakeup()
			kicked = true
			continue
		}

		// copy the handle under the read lock, process it outside
		p.handlesMu.RLock()
		var h *epollHandle
		if fd < len(p.handles) {
			h = p.handles[fd]
		}
		p.handlesMu.RUnlock()
		if h == nil {
			continue
		}

		cancel := ev.Events&unix.EPOLLHUP != 0
		isErr := ev.Events&unix.EPOLLERR != 0
		readEv := ev.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0
		writeEv := ev.Events&unix.EPOLLOUT != 0
		errFallback := isErr && !h.trackErrors
		if h.setPendingActions(readEv || cancel || errFallback, writeEv || cancel || errFallback, isErr && !errFallback) {
			pending = append(pending, h)
		}
	}

	if len(pending) == 0 {
		if kicked {
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
	if kicked {
		return WorkKicked
	}
	return WorkOK
}

// Kick implements Poller.
func (p *EpollPoller) Kick() {
	p.lifecycleMu.RLock()
	defer p.lifecycleMu.RUnlock()
	if p.closed.Load() {
		return
	}
	if err := p.wakeup.Wakeup(); err != nil {
		p.logger.Err().Err(err).Log(`epoll kick failed`)
	}
}

// Shutdown implements Poller. It interrupts and waits for any Work call in
// progress.
func (p *EpollPoller) Shutdown() {
	p.lifecycleMu.Lock()
	if p.closed.Load() {
		p.lifecycleMu.Unlock()
		return
	}
	p.closed.Store(true)
	_ = p.wakeup.Wakeup()
	p.lifecycleMu.Unlock()

	p.workMu.Lock()
	defer p.workMu.Unlock()
	p.wakeup.Close()
	_ = unix.Close(p.epfd)
}

type epollHandle struct {
	poller *EpollPoller
	read   *LockfreeEvent
	write  *LockfreeEvent
	err    *LockfreeEvent
	name   string
	fd     int

	mu           sync.Mutex
	pendingRead  bool
	pendingWrite bool
	pendingError bool
	orphaned     bool
	trackErrors  bool
}

func (h *epollHandle) WrappedFd() int         { return h.fd }
func (h *epollHandle) Poller() Poller         { return h.poller }
func (h *epollHandle) SetReadable()           { h.read.SetReady() }
func (h *epollHandle) SetWritable()           { h.write.SetReady() }
func (h *epollHandle) SetHasError()           { h.err.SetReady() }
func (h *epollHandle) IsHandleShutdown() bool { return h.read.IsShutdown() }

func (h *epollHandle) NotifyOnRead(onRead *Closure)   { h.read.NotifyOn(onRead) }
func (h *epollHandle) NotifyOnWrite(onWrite *Closure) { h.write.NotifyOn(onWrite) }
func (h *epollHandle) NotifyOnError(onError *Closure) { h.err.NotifyOn(onError) }

func (h *epollHandle) setPendingActions(read, write, hasError bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.orphaned {
		return false
	}
	h.pendingRead = h.pendingRead || read
	h.pendingWrite = h.pendingWrite || write
	h.pendingError = h.pendingError || hasError
	return read || write || hasError
}

func (h *epollHandle) executePendingActions() {
	h.mu.Lock()
	read, write, hasError := h.pendingRead, h.pendingWrite, h.pendingError
	h.pendingRead, h.pendingWrite, h.pendingError = false, false, false
	h.mu.Unlock()
	if read {
		h.read.SetReady()
	}
	if write {
		h.write.SetReady()
	}
	if hasError {
		h.err.SetReady()
	}
}

func (h *epollHandle) ShutdownHandle(why error) {
	h.shutdownInternal(why, false)
}

func (h *epollHandle) shutdownInternal(why error, releasingFd bool) bool {
	if !h.read.SetShutdown(why) {
		return false
	}
	if releasingFd {
		if err := unix.EpollCtl(h.poller.epfd, unix.EPOLL_CTL_DEL, h.fd, nil); err != nil {
			h.poller.logger.Err().Err(err).Int(`fd`, h.fd).Log(`epoll_ctl del failed`)
		}
	} else {
		_ = unix.Shutdown(h.fd, unix.SHUT_RDWR)
	}
	h.write.SetShutdown(why)
	h.err.SetShutdown(why)
	return true
}

func (h *epollHandle) OrphanHandle(onDone *Closure, releaseFd *int, reason string) {
	h.mu.Lock()
	if h.orphaned {
		h.mu.Unlock()
		panic(`poller: handle orphaned twice`)
	}
	h.orphaned = true
	h.pendingRead, h.pendingWrite, h.pendingError = false, false, false
	h.mu.Unlock()

	releasing := releaseFd != nil
	wasShutdown := !h.shutdownInternal(status.InternalError(reason), releasing)
	h.poller.removeHandle(h)
	if releasing {
		if wasShutdown {
			_ = unix.EpollCtl(h.poller.epfd, unix.EPOLL_CTL_DEL, h.fd, nil)
		}
		*releaseFd = h.fd
	} else {
		_ = unix.Shutdown(h.fd, unix.SHUT_RDWR)
		_ = unix.Close(h.fd)
	}
	h.read.DestroyEvent()
	h.write.DestroyEvent()
	h.err.DestroyEvent()
	if onDone != nil {
		schedule(h.poller.scheduler, onDone, nil)
	}
}
