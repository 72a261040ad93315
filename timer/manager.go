package timer

import (
	"sync"
	"time"

	"github.com/joeycumines/logiface"
)

// Scheduler runs closures, typically on a thread pool.
type Scheduler interface {
	Run(fn func())
}

// Manager drives a List from a single background goroutine, waiting until
// the next deadline or a kick, and dispatching due timers to a Scheduler.
type Manager struct {
	scheduler Scheduler
	clock     Clock
	logger    *logiface.Logger[logiface.Event]
	list      *List
	checker   *Checker
	kickCh    chan struct{}
	done      chan struct{}
	mu        sync.Mutex
	wakeups   uint64
	kicked    bool
	shutdown  bool
}

// NewManager creates a manager and starts its main loop.
func NewManager(scheduler Scheduler, opts ...ManagerOption) (*Manager, error) {
	cfg, err := resolveManagerOptions(opts)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		scheduler: scheduler,
		clock:     cfg.clock,
		logger:    cfg.logger,
		kickCh:    make(chan struct{}, 1),
	}
	m.list = NewList(managerHost{m}, cfg.list)
	m.checker = m.list.NewChecker()
	m.start()
	return m, nil
}

type managerHost struct{ m *Manager }

func (h managerHost) Now() Timestamp { return h.m.clock.Now() }
func (h managerHost) Kick()          { h.m.Kick() }
func (h managerHost) Run(fn func())  { h.m.scheduler.Run(fn) }

// Now returns the current time on the manager's clock.
func (m *Manager) Now() Timestamp { return m.clock.Now() }

// List exposes the underlying timer list.
func (m *Manager) List() *List { return m.list }

// Init schedules t. See List.Init.
func (m *Manager) Init(t *Timer, deadline Timestamp, closure Closure) {
	m.mu.Lock()
	shutdown := m.shutdown
	m.mu.Unlock()
	if shutdown {
		m.logger.Err().
			Err(ErrManagerShutdown).
			Str(`deadline`, deadline.String()).
			Log(`timer: scheduled on a stopped manager`)
	}
	m.list.Init(t, deadline, closure)
}

// Cancel cancels t. See List.Cancel.
func (m *Manager) Cancel(t *Timer) bool {
	return m.list.Cancel(t)
}

// Kick wakes the main loop so it re-evaluates the next deadline.
func (m *Manager) Kick() {
	m.mu.Lock()
	m.kicked = true
	m.mu.Unlock()
	select {
	case m.kickCh <- struct{}{}:
	default:
	}
}

// Wakeups returns how many times the main loop has woken from a wait.
func (m *Manager) Wakeups() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wakeups
}

// Running reports whether the main loop is running.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.shutdown
}

// Shutdown stops the main loop and waits for it to exit. It is idempotent.
// Pending timers are retained.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shutdown {
		done := m.done
		m.mu.Unlock()
		<-done
		return
	}
	m.shutdown = true
	done := m.done
	m.mu.Unlock()
	select {
	case m.kickCh <- struct{}{}:
	default:
	}
	<-done
	m.logger.Debug().Log(`timer manager stopped`)
}

// PrepareFork stops the main loop.
func (m *Manager) PrepareFork() { m.Shutdown() }

// PostforkParent restarts the main loop.
func (m *Manager) PostforkParent() { m.restartPostFork() }

// PostforkChild restarts the main loop.
func (m *Manager) PostforkChild() { m.restartPostFork() }

func (m *Manager) restartPostFork() {
	m.mu.Lock()
	if !m.shutdown {
		m.mu.Unlock()
		m.logger.Warning().Err(ErrManagerRunning).Log(`timer manager restart skipped`)
		return
	}
	m.mu.Unlock()
	m.start()
}

func (m *Manager) start() {
	m.mu.Lock()
	m.shutdown = false
	m.kicked = false
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()
	m.checker.Invalidate()
	go m.mainLoop(done)
	m.logger.Debug().Log(`timer manager started`)
}

func (m *Manager) mainLoop(done chan struct{}) {
	defer close(done)
	for {
		next := InfFuture
		timers, result := m.checker.Check(&next)
		if result == NotChecked {
			panic(`timer: more than one main loop is running`)
		}
		for _, t := range timers {
			m.scheduler.Run(func() { t.closure(nil) })
		}
		if !m.waitUntil(next) {
			return
		}
	}
}

// waitUntil blocks until next, a kick, or shutdown. Returns false on
// shutdown.
func (m *Manager) waitUntil(next Timestamp) bool {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return false
	}
	// A kick that arrived since the last check means next may be stale.
	if m.kicked {
		m.kicked = false
		m.mu.Unlock()
		m.drainKick()
		return true
	}
	m.mu.Unlock()

	if next == InfFuture {
		<-m.kickCh
	} else if d := next.Sub(m.clock.Now()); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-m.kickCh:
		case <-t.C:
		}
		t.Stop()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.wakeups++
	m.kicked = false
	return !m.shutdown
}

func (m *Manager) drainKick() {
	select {
	case <-m.kickCh:
	default:
	}
}
