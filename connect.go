//go:build linux || darwin

package eventengine

import (
	"net"
	"sync"
	"time"

	"github.com/joeycumines/go-eventengine/poller"
	"github.com/joeycumines/go-eventengine/status"
	"github.com/joeycumines/go-eventengine/tcp"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// ConnectionHandle identifies a pending Connect. The zero value is
// InvalidConnectionHandle.
type ConnectionHandle struct {
	id int64
}

// InvalidConnectionHandle is returned when the connect finished, or failed,
// without waiting.
var InvalidConnectionHandle ConnectionHandle

// Valid reports whether h may refer to a pending connect.
func (h ConnectionHandle) Valid() bool { return h.id > 0 }

// OnConnect receives the connected endpoint, or the error that prevented
// the connection.
type OnConnect func(ep *tcp.Endpoint, err error)

type connectionShard struct {
	mu      sync.Mutex
	pending map[int64]*asyncConnect
}

// asyncConnect is a connect waiting for the socket to become writable, or
// for its deadline.
type asyncConnect struct {
	engine     *Engine
	logger     *logiface.Logger[logiface.Event]
	onConnect  OnConnect
	onWritable *poller.Closure
	cfg        tcp.Config
	target     string
	id         int64

	mu        sync.Mutex
	handle    poller.EventHandle
	alarm     TaskHandle
	cancelled bool
}

// Connect starts connecting to addr. onConnect is run on the executor, once,
// unless CancelConnect succeeds first. Failures are delivered to onConnect,
// wrapped as Unknown "Failed to connect to remote host" when they happen
// after the connect was started, and a connect still in progress after
// timeout fails with DeadlineExceeded "connect() timed out".
//
// The returned handle is InvalidConnectionHandle when the outcome was known
// immediately. An error is returned, and onConnect is not called, only if
// the arguments are invalid or the engine is shut down.
func (e *Engine) Connect(onConnect OnConnect, addr *net.TCPAddr, cfg tcp.Config, timeout time.Duration) (ConnectionHandle, error) {
	if onConnect == nil {
		return InvalidConnectionHandle, status.InvalidArgumentError(`nil connect callback`)
	}
	if addr == nil {
		return InvalidConnectionHandle, status.InvalidArgumentError(`nil address`)
	}
	if e.isClosed() {
		return InvalidConnectionHandle, ErrEngineShutdown
	}

	sa, family, err := tcp.TCPAddrToSockaddr(addr)
	if err != nil {
		return InvalidConnectionHandle, err
	}
	fd, err := tcp.CreateClientSocket(family)
	if err != nil {
		e.Run(func() { onConnect(nil, err) })
		return InvalidConnectionHandle, nil
	}
	target := tcp.SockaddrString(sa)
	name := `tcp-client:` + target

	for {
		err = unix.Connect(fd, sa)
		if err != unix.EINTR {
			break
		}
	}

	switch err {
	case nil, unix.EINPROGRESS, unix.EWOULDBLOCK:
	default:
		_ = unix.Close(fd)
		failed := status.FailedPreconditionError(`connect failed: addr: ` + target + ` error: ` + err.Error())
		failed.Cause = err
		e.Run(func() { onConnect(nil, failed) })
		return InvalidConnectionHandle, nil
	}

	handle, herr := e.poller.CreateHandle(fd, name, e.poller.CanTrackErrors())
	if herr != nil {
		_ = unix.Close(fd)
		e.logger.Err().
			Err(herr).
			Str(`target_address`, target).
			Log(`connect socket not watchable`)
		e.Run(func() { onConnect(nil, herr) })
		return InvalidConnectionHandle, nil
	}
	if err == nil {
		ep := e.newEndpoint(handle, cfg)
		e.Run(func() { onConnect(ep, nil) })
		return InvalidConnectionHandle, nil
	}

	ac := &asyncConnect{
		engine:    e,
		logger:    e.logger,
		onConnect: onConnect,
		cfg:       cfg,
		target:    target,
		id:        e.lastConnectionID.Add(1),
		handle:    handle,
	}
	ac.onWritable = poller.NewClosure(ac.handleWritable)

	shard := e.connectionShard(ac.id)
	shard.mu.Lock()
	shard.pending[ac.id] = ac
	shard.mu.Unlock()

	ac.start(timeout)
	return ConnectionHandle{id: ac.id}, nil
}

// CancelConnect stops a pending connect. It returns true if onConnect will
// not be called, in which case the socket is closed. It returns false for
// invalid, unknown, and already completing handles.
func (e *Engine) CancelConnect(handle ConnectionHandle) bool {
	if !handle.Valid() {
		return false
	}
	shard := e.connectionShard(handle.id)
	shard.mu.Lock()
	ac, ok := shard.pending[handle.id]
	if ok {
		delete(shard.pending, handle.id)
	}
	shard.mu.Unlock()
	if !ok {
		return false
	}

	ac.mu.Lock()
	defer ac.mu.Unlock()
	if ac.handle == nil {
		// completion is already under way
		return false
	}
	ac.cancelled = true
	ac.handle.ShutdownHandle(status.FailedPreconditionError(`Connection cancelled`))
	return true
}

func (e *Engine) connectionShard(id int64) *connectionShard {
	return &e.conns[id%int64(len(e.conns))]
}

func (e *Engine) connectFinished(id int64) {
	shard := e.connectionShard(id)
	shard.mu.Lock()
	delete(shard.pending, id)
	shard.mu.Unlock()
}

func (ac *asyncConnect) start(timeout time.Duration) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.alarm = ac.engine.RunAfter(timeout, func() {
		ac.timeoutExpired(status.DeadlineExceededError(`connect() timed out`))
	})
	ac.notifyOnWrite()
}

func (ac *asyncConnect) notifyOnWrite() {
	if ac.engine.backup != nil {
		ac.engine.backup.Cover()
	}
	ac.handle.NotifyOnWrite(ac.onWritable)
}

func (ac *asyncConnect) timeoutExpired(why error) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if ac.handle != nil {
		ac.handle.ShutdownHandle(why)
	}
}

// handleWritable runs once the socket is writable, or its handle was shut
// down by the deadline or by CancelConnect.
func (ac *asyncConnect) handleWritable(err error) {
	if ac.engine.backup != nil {
		ac.engine.backup.Uncover()
	}

	ac.mu.Lock()
	handle := ac.handle
	ac.handle = nil
	cancelled := ac.cancelled
	if err == nil && handle.IsHandleShutdown() {
		if cancelled {
			err = status.FailedPreconditionError(`Connection cancelled`)
		} else {
			err = status.DeadlineExceededError(`connect() timed out`)
		}
	}
	ac.mu.Unlock()

	var ep *tcp.Endpoint
	if err == nil && !cancelled {
		switch soErr := tcp.SocketError(handle.WrappedFd()); soErr {
		case nil:
			ep = ac.engine.newEndpoint(handle, ac.cfg)
			handle = nil
		case unix.ENOBUFS:
			ac.logger.Err().
				Err(soErr).
				Str(`target_address`, ac.target).
				Log(`kernel out of buffers`)
			// wait again, still subject to the deadline
			ac.mu.Lock()
			ac.handle = handle
			ac.notifyOnWrite()
			ac.mu.Unlock()
			return
		case unix.ECONNREFUSED:
			err = &status.Error{Code: status.FailedPrecondition, Message: soErr.Error(), Cause: soErr}
		default:
			err = &status.Error{Code: status.FailedPrecondition, Message: `getsockopt(SO_ERROR): ` + soErr.Error(), Cause: soErr}
		}
	}

	ac.engine.Cancel(ac.alarm)
	if !cancelled {
		ac.engine.connectFinished(ac.id)
	}
	if handle != nil {
		handle.OrphanHandle(nil, nil, `tcp_client_orphan`)
	}
	if cancelled {
		return
	}
	if err != nil {
		err = &status.Error{
			Code:    status.Unknown,
			Message: `Failed to connect to remote host: ` + status.Message(err),
			Cause:   err,
		}
		ac.logger.Debug().
			Err(err).
			Str(`target_address`, ac.target).
			Log(`connect failed`)
	}
	onConnect := ac.onConnect
	ac.engine.Run(func() { onConnect(ep, err) })
}
