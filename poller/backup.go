package poller

import (
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// DefaultBackupPollInterval bounds each Work call made by a BackupPoller.
const DefaultBackupPollInterval = 10 * time.Second

// BackupPoller drives a Poller that nothing else is polling, for as long as
// at least one endpoint is waiting on write readiness.
//
// The pending count is the number of uncovered notifications plus one for
// the polling loop itself. The first Cover adds two and starts the loop;
// later ones net one. Each Uncover drops one. The loop stops once only its
// own reference remains.
type BackupPoller struct {
	poller    Poller
	scheduler Scheduler
	logger    *logiface.Logger[logiface.Event]
	interval  time.Duration
	pending   atomic.Int64
	polls     atomic.Int64
	starts    atomic.Int64
}

// NewBackupPoller returns a backup poller for p. An interval <= 0 selects
// DefaultBackupPollInterval.
func NewBackupPoller(p Poller, scheduler Scheduler, logger *logiface.Logger[logiface.Event], interval time.Duration) *BackupPoller {
	if interval <= 0 {
		interval = DefaultBackupPollInterval
	}
	return &BackupPoller{
		poller:    p,
		scheduler: scheduler,
		logger:    logger,
		interval:  interval,
	}
}

// Poller returns the driven poller.
func (b *BackupPoller) Poller() Poller { return b.poller }

// Cover registers one uncovered notification, starting the polling loop if
// it is not running.
func (b *BackupPoller) Cover() {
	old := b.pending.Add(2) - 2
	if old == 0 {
		b.starts.Add(1)
		b.logger.Debug().Log(`backup poller started`)
		b.scheduler.Run(b.run)
		return
	}
	b.Uncover()
}

// Uncover releases one notification registered by Cover.
func (b *BackupPoller) Uncover() {
	if old := b.pending.Add(-1) + 1; old == 1 {
		panic(`poller: backup poller uncovered more than covered`)
	}
}

// Active reports whether the polling loop holds a reference.
func (b *BackupPoller) Active() bool { return b.pending.Load() > 0 }

// Pending returns the raw pending count.
func (b *BackupPoller) Pending() int64 { return b.pending.Load() }

// Polls returns the number of Work calls made.
func (b *BackupPoller) Polls() int64 { return b.polls.Load() }

// Starts returns how many times the polling loop has been started.
func (b *BackupPoller) Starts() int64 { return b.starts.Load() }

// run makes one bounded Work call, then reschedules itself unless its own
// reference is the last one.
func (b *BackupPoller) run() {
	b.polls.Add(1)
	b.poller.Work(b.interval, nil)
	if b.pending.Load() == 1 && b.pending.CompareAndSwap(1, 0) {
		b.logger.Debug().Log(`backup poller stopped`)
		return
	}
	b.scheduler.Run(b.run)
}
