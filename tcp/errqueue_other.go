//go:build darwin

package tcp

const (
	errqueueSupported = false
	msgZerocopy       = 0
	readOOBSpace      = 0
)

func enableZerocopy(int) bool { return false }

func (e *Endpoint) processErrors() bool { return false }

func (e *Endpoint) writeWithTimestamps([][]byte, int, int) (int, bool, error) { return 0, false, nil }
