//go:build linux || darwin

package poller

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// Wakeup makes readFd readable.
func (w *wakeupFd) Wakeup() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(w.writeFd, buf[:])
	if err == unix.EAGAIN {
		// the counter or pipe is already full, so a wakeup is pending
		return nil
	}
	return err
}

// ConsumeWakeup drains readFd.
func (w *wakeupFd) ConsumeWakeup() {
	var buf [64]byte
	for {
		if _, err := unix.Read(w.readFd, buf[:]); err != nil {
			return
		}
	}
}

func (w *wakeupFd) Close() {
	_ = unix.Close(w.readFd)
	if w.writeFd != w.readFd {
		_ = unix.Close(w.writeFd)
	}
}
