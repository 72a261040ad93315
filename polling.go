//go:build linux || darwin

package eventengine

import (
	"sync"
	"time"

	"github.com/joeycumines/go-eventengine/poller"
)

// pollTimeout bounds a single Work call of the polling cycle. The cycle is
// stopped with a Kick, so it can be long.
const pollTimeout = 24 * time.Hour

// pollingCycle keeps exactly one Work call scheduled on the executor, until
// stopped.
type pollingCycle struct {
	poller    poller.Poller
	scheduler poller.Scheduler
	mu        sync.Mutex
	cond      sync.Cond
	scheduled int
	done      bool
}

func newPollingCycle(p poller.Poller, s poller.Scheduler) *pollingCycle {
	c := &pollingCycle{
		poller:    p,
		scheduler: s,
	}
	c.cond.L = &c.mu
	return c
}

// start schedules the first Work call. It has no effect while running.
func (c *pollingCycle) start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scheduled != 0 {
		return
	}
	c.done = false
	c.scheduled++
	c.scheduler.Run(c.work)
}

// work makes one Work call and reschedules itself. Any result, including a
// kick, continues the cycle unless it was stopped.
func (c *pollingCycle) work() {
	c.poller.Work(pollTimeout, nil)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduled--
	if !c.done {
		c.scheduled++
		c.scheduler.Run(c.work)
	}
	c.cond.Broadcast()
}

// stop ends the cycle, kicking the poller until the Work call in flight
// returns.
func (c *pollingCycle) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done = true
	for c.scheduled > 0 {
		c.poller.Kick()
		c.cond.Wait()
	}
}
