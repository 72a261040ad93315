//go:build linux

package poller

import (
	"github.com/joeycumines/logiface"
)

func builtinFactories() []Factory {
	return []Factory{
		{
			Name:      `epollex`,
			Available: EpollexclusiveAvailable,
			New: func(scheduler Scheduler, logger *logiface.Logger[logiface.Event]) (Poller, error) {
				return NewEpollexPoller(scheduler, logger)
			},
		},
		{
			Name:      `epoll1`,
			Available: EpollAvailable,
			New: func(scheduler Scheduler, logger *logiface.Logger[logiface.Event]) (Poller, error) {
				return NewEpollPoller(scheduler, logger)
			},
		},
		pollFactory(),
		NoneFactory(),
	}
}
