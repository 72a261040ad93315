package timer

import (
	"math"
	"time"
)

// Timestamp is a point on a monotonic clock, in nanoseconds since an
// arbitrary process-wide epoch.
type Timestamp int64

const (
	// InfFuture sorts after every other timestamp.
	InfFuture Timestamp = math.MaxInt64
	// InfPast sorts before every other timestamp.
	InfPast Timestamp = math.MinInt64
)

// Epsilon is the smallest representable difference between timestamps.
const Epsilon time.Duration = 1

// Add returns t+d, saturating at InfFuture and InfPast.
func (t Timestamp) Add(d time.Duration) Timestamp {
	if t == InfFuture || t == InfPast {
		return t
	}
	if d > 0 && int64(t) > math.MaxInt64-int64(d) {
		return InfFuture
	}
	if d < 0 && int64(t) < math.MinInt64-int64(d) {
		return InfPast
	}
	return t + Timestamp(d)
}

// Sub returns t-u.
func (t Timestamp) Sub(u Timestamp) time.Duration {
	if t == InfFuture {
		return time.Duration(math.MaxInt64)
	}
	if t == InfPast {
		return time.Duration(math.MinInt64)
	}
	return time.Duration(t - u)
}

// String formats the timestamp as a duration after the epoch.
func (t Timestamp) String() string {
	switch t {
	case InfFuture:
		return `@+inf`
	case InfPast:
		return `@-inf`
	default:
		return `@` + time.Duration(t).String()
	}
}

// Clock provides the current time.
type Clock interface {
	Now() Timestamp
}

// ClockFunc adapts a function to a Clock.
type ClockFunc func() Timestamp

func (f ClockFunc) Now() Timestamp { return f() }

var processEpoch = time.Now()

// MonotonicClock reads the runtime monotonic clock.
type MonotonicClock struct{}

func (MonotonicClock) Now() Timestamp { return Timestamp(time.Since(processEpoch)) }

// FromTime converts a wall clock time that carries a monotonic reading.
func FromTime(t time.Time) Timestamp { return Timestamp(t.Sub(processEpoch)) }

func minTimestamp(a, b Timestamp) Timestamp {
	if a < b {
		return a
	}
	return b
}
