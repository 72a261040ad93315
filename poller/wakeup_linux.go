//go:build linux

package poller

import (
	"golang.org/x/sys/unix"
)

// wakeupFd interrupts a blocking poll. On Linux it is a single eventfd.
type wakeupFd struct {
	readFd  int
	writeFd int
}

func newWakeupFd() (*wakeupFd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &wakeupFd{readFd: fd, writeFd: fd}, nil
}
