package poller

// Closure is a callback registered for fd readiness. It runs with the status
// last set on it: nil for readiness, or the shutdown error.
type Closure struct {
	fn     func(err error)
	status error
	// marks the stored state of a shut down LockfreeEvent
	shutdown bool
}

// NewClosure wraps fn.
func NewClosure(fn func(err error)) *Closure {
	return &Closure{fn: fn}
}

// SetStatus sets the error the next Run passes to the callback.
func (c *Closure) SetStatus(err error) { c.status = err }

// Status returns the error the next Run passes to the callback.
func (c *Closure) Status() error { return c.status }

// Run invokes the callback.
func (c *Closure) Run() {
	if c.fn != nil {
		c.fn(c.status)
	}
}

// schedule sets the status and hands the closure to s.
func schedule(s Scheduler, c *Closure, err error) {
	c.SetStatus(err)
	s.Run(c.Run)
}

var (
	closureNotReady = &Closure{}
	closureReady    = &Closure{}
)
