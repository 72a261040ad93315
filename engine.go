//go:build linux || darwin

// Package eventengine ties the executor, timer manager and polling engine
// together into an engine that runs closures, fires timers, and establishes
// TCP connections.
package eventengine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/go-eventengine/executor"
	"github.com/joeycumines/go-eventengine/poller"
	"github.com/joeycumines/go-eventengine/status"
	"github.com/joeycumines/go-eventengine/tcp"
	"github.com/joeycumines/go-eventengine/timer"
	"github.com/joeycumines/logiface"
)

// ErrEngineShutdown is returned by operations attempted after Shutdown.
var ErrEngineShutdown = errors.New("eventengine: engine is shut down")

// TaskHandle identifies a closure scheduled by RunAfter. The zero value is
// InvalidTaskHandle.
type TaskHandle struct {
	id    uint64
	token uint64
}

// InvalidTaskHandle is returned when no timer was scheduled.
var InvalidTaskHandle TaskHandle

// Valid reports whether h refers to a scheduled closure.
func (h TaskHandle) Valid() bool { return h != InvalidTaskHandle }

func (h TaskHandle) String() string { return fmt.Sprintf(`{%016x,%016x}`, h.id, h.token) }

type task struct {
	timer timer.Timer
	fn    func()
}

// Engine runs closures on a bounded executor, schedules them on a sharded
// timer list, and drives a polling engine for socket readiness.
type Engine struct {
	id       uuid.UUID
	logger   *logiface.Logger[logiface.Event]
	registry *poller.Registry
	poller   poller.Poller
	executor *executor.Pool
	timers   *timer.Manager
	backup   *poller.BackupPoller
	cycle    *pollingCycle
	conns    []connectionShard
	done     chan struct{}

	// token is mixed into every TaskHandle, so handles from another engine
	// never match
	token            uint64
	lastTaskID       atomic.Uint64
	lastConnectionID atomic.Int64
	shutdownOnce     sync.Once

	mu           sync.Mutex
	knownHandles map[TaskHandle]*task
	closed       bool
}

// New creates and starts an engine.
func New(opts ...EngineOption) (*Engine, error) {
	cfg, err := resolveEngineOptions(opts)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		id:           uuid.New(),
		done:         make(chan struct{}),
		knownHandles: make(map[TaskHandle]*task),
	}
	e.token = binary.BigEndian.Uint64(e.id[:8])
	e.logger = cfg.logger.Clone().Str(`engine`, e.id.String()).Logger()
	e.executor = executor.New(cfg.executorSize, e.logger)

	e.poller = cfg.poller
	if e.poller == nil {
		e.registry = cfg.registry
		if e.registry == nil {
			e.registry, err = poller.NewRegistry(
				poller.WithStrategy(cfg.strategy),
				poller.WithRegistryLogger(e.logger),
			)
			if err != nil {
				e.executor.Quiesce()
				return nil, err
			}
		}
		if e.poller, err = e.registry.NewPoller(e.executor); err != nil {
			e.executor.Quiesce()
			return nil, err
		}
	}

	e.timers, err = timer.NewManager(e.executor,
		timer.WithLogger(e.logger),
		timer.WithClock(cfg.clock),
		timer.WithListOptions(cfg.timerList),
	)
	if err != nil {
		e.poller.Shutdown()
		e.executor.Quiesce()
		return nil, err
	}

	shards := cfg.connectionShards
	if shards == 0 {
		shards = max(2*runtime.NumCPU(), 1)
	}
	e.conns = make([]connectionShard, shards)
	for i := range e.conns {
		e.conns[i].pending = make(map[int64]*asyncConnect)
	}

	if cfg.backgroundPolling {
		e.cycle = newPollingCycle(e.poller, e.executor)
		e.cycle.start()
	} else {
		e.backup = poller.NewBackupPoller(e.poller, e.executor, e.logger, cfg.backupPollInterval)
	}

	e.logger.Debug().
		Str(`poller`, e.poller.Name()).
		Int(`executor_size`, e.executor.Size()).
		Int(`connection_shards`, shards).
		Bool(`background_polling`, cfg.backgroundPolling).
		Log(`event engine started`)

	return e, nil
}

// ID returns the unique id of the engine, which is also attached to its logs.
func (e *Engine) ID() string { return e.id.String() }

// PollerName returns the name of the polling engine in use.
func (e *Engine) PollerName() string { return e.poller.Name() }

// Poller returns the polling engine. With background polling disabled, the
// caller drives it with Work.
func (e *Engine) Poller() poller.Poller { return e.poller }

// Now returns the current time on the timer clock.
func (e *Engine) Now() timer.Timestamp { return e.timers.Now() }

// Run schedules fn on the executor. It never runs fn inline.
func (e *Engine) Run(fn func()) { e.executor.Run(fn) }

// RunAfter runs fn on the executor once d has elapsed. A non-positive d runs
// fn as soon as possible, without a timer, and returns InvalidTaskHandle.
func (e *Engine) RunAfter(d time.Duration, fn func()) TaskHandle {
	if d <= 0 {
		e.Run(fn)
		return InvalidTaskHandle
	}
	t := &task{fn: fn}
	handle := TaskHandle{id: e.lastTaskID.Add(1), token: e.token}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.knownHandles[handle] = t
	e.timers.Init(&t.timer, e.timers.Now().Add(d), func(err error) {
		if err != nil {
			// cancelled, and Cancel already forgot the handle
			return
		}
		e.mu.Lock()
		delete(e.knownHandles, handle)
		e.mu.Unlock()
		t.fn()
	})
	return handle
}

// Cancel stops a closure scheduled by RunAfter. It returns true if the
// closure will not run. Unknown and already fired handles return false.
func (e *Engine) Cancel(handle TaskHandle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.knownHandles[handle]
	if !ok {
		return false
	}
	cancelled := e.timers.Cancel(&t.timer)
	delete(e.knownHandles, handle)
	return cancelled
}

// ResolveDNS is not supported.
func (e *Engine) ResolveDNS(ctx context.Context, host string) ([]*net.TCPAddr, error) {
	return nil, status.UnimplementedError(`DNS resolution is not supported`).WithContext(`host`, host)
}

// CreateEndpointFromFd wraps a connected, non-blocking stream socket. The
// endpoint owns fd from then on. On error, fd is left open and owned by the
// caller.
func (e *Engine) CreateEndpointFromFd(fd int, cfg tcp.Config) (*tcp.Endpoint, error) {
	if fd < 0 {
		return nil, status.InvalidArgumentError(`invalid fd`).WithContext(`fd`, fd)
	}
	if e.isClosed() {
		return nil, ErrEngineShutdown
	}
	handle, err := e.poller.CreateHandle(fd, fmt.Sprintf(`tcp-endpoint:%d`, fd), e.poller.CanTrackErrors())
	if err != nil {
		return nil, err
	}
	return e.newEndpoint(handle, cfg), nil
}

func (e *Engine) newEndpoint(handle poller.EventHandle, cfg tcp.Config) *tcp.Endpoint {
	return tcp.NewEndpoint(handle, cfg, tcp.Deps{
		Scheduler: e.executor,
		Backup:    e.backup,
		Logger:    e.logger,
	})
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Shutdown stops the timer manager, stops polling, shuts the poller down,
// and waits for the executor to drain. It is idempotent. Endpoints must
// already be shut down. If ctx is done first, Shutdown returns its error and
// the shutdown continues in the background.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		pending := len(e.knownHandles)
		e.mu.Unlock()
		if pending != 0 {
			e.logger.Warning().
				Int(`pending`, pending).
				Log(`event engine shut down with timers pending`)
		}
		go e.shutdown()
	})
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) shutdown() {
	defer close(e.done)
	e.timers.Shutdown()
	if e.cycle != nil {
		e.cycle.stop()
	}
	e.poller.Shutdown()
	e.executor.Quiesce()
	e.logger.Debug().Log(`event engine stopped`)
}

// PrepareFork stops the timer manager, polling, and the executor, none of
// which survive fork.
func (e *Engine) PrepareFork() {
	e.timers.PrepareFork()
	if e.cycle != nil {
		e.cycle.stop()
	} else {
		// cut short a backup poll in progress
		e.poller.Kick()
	}
	e.executor.PrepareFork()
}

// PostforkParent restarts what PrepareFork stopped.
func (e *Engine) PostforkParent() {
	e.executor.PostforkParent()
	e.timers.PostforkParent()
	if e.cycle != nil {
		e.cycle.start()
	}
}

// PostforkChild restarts what PrepareFork stopped, in the child.
func (e *Engine) PostforkChild() {
	e.executor.PostforkChild()
	e.timers.PostforkChild()
	if e.cycle != nil {
		e.cycle.start()
	}
}
