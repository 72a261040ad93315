//go:build darwin

package tcp

import (
	"github.com/joeycumines/go-eventengine/status"
	"golang.org/x/sys/unix"
)

const sendFlags = 0

func setNoSigpipe(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_NOSIGPIPE, 1); err != nil {
		return status.FromErrno(`setsockopt(SO_NOSIGPIPE)`, err)
	}
	return nil
}

func enableInq(int) bool { return false }

func parseInq([]byte) (int, bool) { return 0, false }

func socketTCPInfo(int) (ConnectionMetrics, bool) { return ConnectionMetrics{}, false }
