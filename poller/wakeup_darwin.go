//go:build darwin

package poller

import (
	"golang.org/x/sys/unix"
)

// wakeupFd interrupts a blocking poll. On Darwin it is a self-pipe.
type wakeupFd struct {
	readFd  int
	writeFd int
}

func newWakeupFd() (*wakeupFd, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, err
		}
	}
	return &wakeupFd{readFd: fds[0], writeFd: fds[1]}, nil
}
