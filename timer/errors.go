package timer

import (
	"errors"

	"github.com/joeycumines/go-eventengine/status"
)

var (
	// ErrManagerShutdown is logged when timers are scheduled on a manager
	// whose loop is not running. Such timers still fire once it restarts.
	ErrManagerShutdown = errors.New("timer: manager is shut down")
	// ErrManagerRunning is returned by a restart of a running manager.
	ErrManagerRunning = errors.New("timer: manager is already running")
)

func newCancelledError() error { return status.CancelledError(`timer cancelled`) }

// IsCancelled reports whether err is the status timers are cancelled with.
func IsCancelled(err error) bool {
	return status.Is(err, status.Cancelled)
}
