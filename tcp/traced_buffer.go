//go:build linux || darwin

package tcp

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/joeycumines/go-eventengine/status"
)

// TimestampKind identifies which transmit stage a kernel timestamp marks.
// The values match SCM_TSTAMP_*.
type TimestampKind uint32

const (
	TimestampSnd   TimestampKind = 0
	TimestampSched TimestampKind = 1
	TimestampAck   TimestampKind = 2
)

// ExtendedErr is a decoded sock_extended_err.
type ExtendedErr struct {
	Errno  uint32
	Origin uint8
	Type   uint8
	Code   uint8
	Info   uint32
	Data   uint32
}

// Timestamp is one observed transmit stage.
type Timestamp struct {
	Time    time.Time
	Metrics ConnectionMetrics
}

// Timestamps are delivered to a sink once the traced write is acknowledged.
type Timestamps struct {
	SendmsgTime   Timestamp
	ScheduledTime Timestamp
	SentTime      Timestamp
	AckedTime     Timestamp
	// Info is the TCP_INFO snapshot taken when the write was issued.
	Info ConnectionMetrics
	// ByteOffset is the sequence number of the last byte of the write.
	ByteOffset uint32
}

// TimestampsSink receives the timestamps of a traced write, or the error
// that ended tracing.
type TimestampsSink func(ts *Timestamps, err error)

type tracedBuffer struct {
	sink          TimestampsSink
	lastTimestamp time.Time
	ts            Timestamps
	seq           uint32
}

// TracedBufferList correlates kernel transmit timestamps with the writes
// that requested them. Entries are kept in increasing sequence order.
type TracedBufferList struct {
	entries *deque.Deque[*tracedBuffer]
	now     func() time.Time
	tcpInfo func(fd int) (ConnectionMetrics, bool)
	timeout time.Duration
	mu      sync.Mutex
}

// NewTracedBufferList returns an empty list. A timeout <= 0 selects
// DefaultTracedBufferTimeout.
func NewTracedBufferList(timeout time.Duration) *TracedBufferList {
	if timeout <= 0 {
		timeout = DefaultTracedBufferTimeout
	}
	return &TracedBufferList{
		entries: deque.New[*tracedBuffer](),
		now:     time.Now,
		tcpInfo: socketTCPInfo,
		timeout: timeout,
	}
}

// Size returns the number of outstanding entries.
func (l *TracedBufferList) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries.Len()
}

// AddNewEntry traces the write ending at sequence number seq. Callers must
// add entries in non-decreasing sequence order. A TCP_INFO snapshot of fd
// is recorded when available.
func (l *TracedBufferList) AddNewEntry(seq uint32, fd int, sink TimestampsSink) {
	now := l.now()
	e := &tracedBuffer{
		sink:          sink,
		lastTimestamp: now,
		seq:           seq,
	}
	e.ts.SendmsgTime.Time = now
	e.ts.ByteOffset = seq
	if info, ok := l.tcpInfo(fd); ok {
		e.ts.Info = info
		e.ts.SendmsgTime.Metrics = info
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries.PushBack(e)
}

// ProcessTimestamp applies a kernel timestamp notification to every entry
// covered by serr.Data. SCHED and SND record the stage; ACK retires the
// entry and fires its sink. Afterwards, entries with no notification for
// longer than the timeout are evicted with DeadlineExceeded.
func (l *TracedBufferList) ProcessTimestamp(serr *ExtendedErr, optStats []byte, ts time.Time) {
	var fired []func()
	l.mu.Lock()
loop:
	for i := 0; i < l.entries.Len(); {
		e := l.entries.At(i)
		if serr.Data < e.seq {
			break
		}
		switch TimestampKind(serr.Info) {
		case TimestampSched:
			e.ts.ScheduledTime.Time = ts
			ParseOptStats(optStats, &e.ts.ScheduledTime.Metrics)
			e.lastTimestamp = ts
			i++
		case TimestampSnd:
			e.ts.SentTime.Time = ts
			ParseOptStats(optStats, &e.ts.SentTime.Metrics)
			e.lastTimestamp = ts
			i++
		case TimestampAck:
			// covered entries are always at the front
			e.ts.AckedTime.Time = ts
			ParseOptStats(optStats, &e.ts.AckedTime.Metrics)
			l.entries.PopFront()
			fired = append(fired, sinkCall(e, nil))
		default:
			break loop
		}
	}
	fired = append(fired, l.evictExpiredLocked(ts)...)
	l.mu.Unlock()
	for _, fn := range fired {
		fn()
	}
}

// evictExpiredLocked removes entries whose last notification is older than
// the timeout, preserving the order of the rest.
func (l *TracedBufferList) evictExpiredLocked(now time.Time) []func() {
	var fired []func()
	for n := l.entries.Len(); n > 0; n-- {
		e := l.entries.PopFront()
		if now.Sub(e.lastTimestamp) > l.timeout {
			fired = append(fired, sinkCall(e, status.DeadlineExceededError(`Ack timed out`)))
			continue
		}
		l.entries.PushBack(e)
	}
	return fired
}

// Shutdown fires every remaining sink with err, then sink (if non-nil)
// itself. It is idempotent.
func (l *TracedBufferList) Shutdown(sink TimestampsSink, err error) {
	l.mu.Lock()
	fired := make([]func(), 0, l.entries.Len()+1)
	for l.entries.Len() != 0 {
		fired = append(fired, sinkCall(l.entries.PopFront(), err))
	}
	l.mu.Unlock()
	if sink != nil {
		fired = append(fired, func() { sink(nil, err) })
	}
	for _, fn := range fired {
		fn()
	}
}

func sinkCall(e *tracedBuffer, err error) func() {
	return func() {
		if e.sink != nil {
			e.sink(&e.ts, err)
		}
	}
}
