//go:build linux || darwin

package tcp

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-eventengine/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sinkRecorder struct {
	mu    sync.Mutex
	calls []sinkCallRecord
}

type sinkCallRecord struct {
	ts  *Timestamps
	err error
	id  int
}

func (r *sinkRecorder) sink(id int) TimestampsSink {
	return func(ts *Timestamps, err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, sinkCallRecord{ts: ts, err: err, id: id})
	}
}

func (r *sinkRecorder) get() []sinkCallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sinkCallRecord(nil), r.calls...)
}

func newTestTracedBufferList(timeout time.Duration, now *time.Time) *TracedBufferList {
	l := NewTracedBufferList(timeout)
	l.now = func() time.Time { return *now }
	l.tcpInfo = func(int) (ConnectionMetrics, bool) {
		return ConnectionMetrics{CongestionWindow: 10}, true
	}
	return l
}

func timestampErr(kind TimestampKind, seq uint32) *ExtendedErr {
	return &ExtendedErr{Info: uint32(kind), Data: seq}
}

func TestTracedBufferList_Ack(t *testing.T) {
	start := time.Unix(1000, 0)
	now := start
	l := newTestTracedBufferList(time.Second, &now)
	var rec sinkRecorder

	l.AddNewEntry(100, -1, rec.sink(1))
	l.AddNewEntry(200, -1, rec.sink(2))
	l.AddNewEntry(300, -1, rec.sink(3))
	assert.Equal(t, 3, l.Size())

	sched := start.Add(time.Millisecond)
	l.ProcessTimestamp(timestampErr(TimestampSched, 200), nil, sched)
	sent := start.Add(2 * time.Millisecond)
	l.ProcessTimestamp(timestampErr(TimestampSnd, 300), nil, sent)
	assert.Empty(t, rec.get())

	acked := start.Add(3 * time.Millisecond)
	l.ProcessTimestamp(timestampErr(TimestampAck, 250), nil, acked)
	calls := rec.get()
	require.Len(t, calls, 2)
	assert.Equal(t, 1, calls[0].id)
	assert.Equal(t, 2, calls[1].id)
	for _, c := range calls {
		assert.NoError(t, c.err)
		assert.Equal(t, start, c.ts.SendmsgTime.Time)
		assert.Equal(t, sched, c.ts.ScheduledTime.Time)
		assert.Equal(t, sent, c.ts.SentTime.Time)
		assert.Equal(t, acked, c.ts.AckedTime.Time)
		assert.Equal(t, uint32(10), c.ts.Info.CongestionWindow)
	}
	assert.Equal(t, uint32(100), calls[0].ts.ByteOffset)
	assert.Equal(t, 1, l.Size())

	// the third entry only saw SND
	l.ProcessTimestamp(timestampErr(TimestampAck, 300), nil, acked)
	calls = rec.get()
	require.Len(t, calls, 3)
	assert.Equal(t, 3, calls[2].id)
	assert.True(t, calls[2].ts.ScheduledTime.Time.IsZero())
	assert.Equal(t, sent, calls[2].ts.SentTime.Time)
	assert.Equal(t, 0, l.Size())
}

func TestTracedBufferList_UnknownKind(t *testing.T) {
	now := time.Unix(1000, 0)
	l := newTestTracedBufferList(time.Second, &now)
	var rec sinkRecorder
	l.AddNewEntry(1, -1, rec.sink(1))
	l.ProcessTimestamp(timestampErr(TimestampKind(7), 1), nil, now)
	assert.Empty(t, rec.get())
	assert.Equal(t, 1, l.Size())
}

func TestTracedBufferList_Timeout(t *testing.T) {
	start := time.Unix(1000, 0)
	now := start
	l := newTestTracedBufferList(time.Second, &now)
	var rec sinkRecorder

	l.AddNewEntry(10, -1, rec.sink(1))
	l.AddNewEntry(20, -1, rec.sink(2))
	l.AddNewEntry(30, -1, rec.sink(3))

	// the first two see activity, the third does not
	l.ProcessTimestamp(timestampErr(TimestampSched, 20), nil, start.Add(800*time.Millisecond))
	assert.Empty(t, rec.get())
	l.ProcessTimestamp(timestampErr(TimestampSched, 5), nil, start.Add(1001*time.Millisecond))
	calls := rec.get()
	require.Len(t, calls, 1)
	assert.Equal(t, 3, calls[0].id)
	assert.True(t, status.Is(calls[0].err, status.DeadlineExceeded))
	assert.Equal(t, `Ack timed out`, status.Message(calls[0].err))
	assert.Equal(t, 2, l.Size())

	// the survivors keep their order
	l.ProcessTimestamp(timestampErr(TimestampAck, 30), nil, start.Add(1100*time.Millisecond))
	calls = rec.get()
	require.Len(t, calls, 3)
	assert.Equal(t, 1, calls[1].id)
	assert.Equal(t, 2, calls[2].id)
	assert.NoError(t, calls[1].err)
	assert.NoError(t, calls[2].err)
}

func TestTracedBufferList_Shutdown(t *testing.T) {
	now := time.Unix(1000, 0)
	l := newTestTracedBufferList(0, &now)
	assert.Equal(t, DefaultTracedBufferTimeout, l.timeout)
	var rec sinkRecorder
	l.AddNewEntry(1, -1, rec.sink(1))
	l.AddNewEntry(2, -1, rec.sink(2))

	why := status.InternalError(`TracedBuffer list shutdown`)
	l.Shutdown(rec.sink(3), why)
	calls := rec.get()
	require.Len(t, calls, 3)
	for i, c := range calls {
		assert.Equal(t, i+1, c.id)
		assert.Same(t, why, c.err)
	}
	assert.NotNil(t, calls[0].ts)
	assert.Nil(t, calls[2].ts)

	l.Shutdown(nil, why)
	assert.Len(t, rec.get(), 3)
	assert.Equal(t, 0, l.Size())
}

func TestTracedBufferList_NilSink(t *testing.T) {
	now := time.Unix(1000, 0)
	l := newTestTracedBufferList(time.Second, &now)
	l.AddNewEntry(1, -1, nil)
	assert.NotPanics(t, func() {
		l.ProcessTimestamp(timestampErr(TimestampAck, 1), nil, now)
	})
	assert.Equal(t, 0, l.Size())
}

func nla(typ uint16, v []byte) []byte {
	b := make([]byte, nlaHdrLen, nlaAlign(nlaHdrLen+len(v)))
	binary.NativeEndian.PutUint16(b, uint16(nlaHdrLen+len(v)))
	binary.NativeEndian.PutUint16(b[2:], typ)
	b = append(b, v...)
	return b[:cap(b)]
}

func u32Bytes(v uint32) []byte { return binary.NativeEndian.AppendUint32(nil, v) }
func u64Bytes(v uint64) []byte { return binary.NativeEndian.AppendUint64(nil, v) }

func TestParseOptStats(t *testing.T) {
	var b []byte
	b = append(b, nla(tcpNlaBusy, u64Bytes(1234))...)
	b = append(b, nla(tcpNlaSndCwnd, u32Bytes(42))...)
	b = append(b, nla(tcpNlaDeliveryRateAppLmt, []byte{1})...)
	b = append(b, nla(tcpNlaCAState, []byte{3})...)
	b = append(b, nla(99, []byte{1, 2, 3, 4, 5})...)
	b = append(b, nla(tcpNlaSRTT, u32Bytes(77))...)
	b = append(b, nla(tcpNlaBytesSent, u64Bytes(1<<40))...)

	var m ConnectionMetrics
	ParseOptStats(b, &m)
	assert.Equal(t, ConnectionMetrics{
		BusyUsec:               1234,
		CongestionWindow:       42,
		DeliveryRateAppLimited: true,
		CAState:                3,
		SRTT:                   77,
		DataSent:               1 << 40,
	}, m)
}

func TestParseOptStats_Malformed(t *testing.T) {
	var m ConnectionMetrics
	ParseOptStats(nil, &m)
	ParseOptStats([]byte{1, 2}, &m)

	// a length beyond the payload stops parsing
	b := nla(tcpNlaSndCwnd, u32Bytes(5))
	binary.NativeEndian.PutUint16(b, 200)
	ParseOptStats(b, &m)
	assert.Equal(t, ConnectionMetrics{}, m)

	// short values decode as zero
	m.MinRTT = 9
	ParseOptStats(nla(tcpNlaMinRTT, []byte{1}), &m)
	assert.Equal(t, uint32(0), m.MinRTT)
}
