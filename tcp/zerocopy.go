package tcp

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-eventengine/slicebuf"
)

// SendRecord is the state of a single zero-copy Write. It holds the data
// until the kernel reports every sendmsg issued for it as complete.
//
// References: one per sendmsg, plus one held by the Write itself.
type SendRecord struct {
	buf      slicebuf.Buffer
	iov      [][]byte
	refs     atomic.Int64
	sliceIdx int
	byteIdx  int
}

// PopulateIovs fills the next batch of slices to send, starting from the
// current offset, and advances the offset past them. The previous offset is
// stored in unwindSlice and unwindByte, and the batch length is added to
// sending.
func (r *SendRecord) PopulateIovs(unwindSlice, unwindByte, sending *int) [][]byte {
	*unwindSlice = r.sliceIdx
	*unwindByte = r.byteIdx
	iov := r.iov[:0]
	for r.sliceIdx != r.buf.Count() && len(iov) != MaxWriteIovec {
		b := r.buf.RefSlice(r.sliceIdx)[r.byteIdx:]
		iov = append(iov, b)
		*sending += len(b)
		r.sliceIdx++
		r.byteIdx = 0
	}
	r.iov = iov
	if len(iov) == 0 {
		panic(`tcp: populated no iovecs`)
	}
	return iov
}

// UnwindIfThrottled restores the offset after a sendmsg that sent nothing.
func (r *SendRecord) UnwindIfThrottled(unwindSlice, unwindByte int) {
	r.sliceIdx = unwindSlice
	r.byteIdx = unwindByte
}

// UpdateOffsetForBytesSent moves the offset back over the bytes that were
// offered to sendmsg but not accepted.
func (r *SendRecord) UpdateOffsetForBytesSent(sending, sent int) {
	trailing := sending - sent
	for trailing > 0 {
		r.sliceIdx--
		n := len(r.buf.RefSlice(r.sliceIdx))
		if n > trailing {
			r.byteIdx = n - trailing
			break
		}
		trailing -= n
	}
}

// AllSlicesSent reports whether every byte has been handed to the kernel.
func (r *SendRecord) AllSlicesSent() bool { return r.sliceIdx == r.buf.Count() }

// Length returns the number of bytes held by the record.
func (r *SendRecord) Length() int { return r.buf.Length() }

// prepareForSends takes ownership of data and the Write reference.
func (r *SendRecord) prepareForSends(data *slicebuf.Buffer) {
	r.assertEmpty()
	r.sliceIdx = 0
	r.byteIdx = 0
	r.buf.Swap(data)
	r.ref()
}

func (r *SendRecord) ref() { r.refs.Add(1) }

// unref drops a reference, releasing the data on the last one.
func (r *SendRecord) unref() bool {
	n := r.refs.Add(-1)
	if n < 0 {
		panic(`tcp: send record over-released`)
	}
	if n == 0 {
		r.buf.Clear()
		clear(r.iov)
		return true
	}
	return false
}

func (r *SendRecord) assertEmpty() {
	if r.buf.Count() != 0 || r.refs.Load() != 0 {
		panic(`tcp: send record in use`)
	}
}

// omemState tracks whether sends are blocked on kernel option memory.
//
//	OPEN --sendmsg ENOBUFS--> FULL
//	FULL --completion, no send in flight--> OPEN (socket marked writable)
//	any  --completion, send in flight--> CHECK
//	CHECK --send completes--> OPEN
type omemState int8

const (
	omemOpen omemState = iota
	omemFull
	omemCheck
)

// ZerocopySendCtx owns a fixed pool of SendRecords and maps kernel
// completion sequence numbers to them.
type ZerocopySendCtx struct {
	records   []SendRecord
	free      []*SendRecord
	lookup    map[uint32]*SendRecord
	threshold int
	lastSend  uint32
	mu        sync.Mutex
	shutdown  atomic.Bool
	enabled   atomic.Bool
	isInWrite bool
	state     omemState
}

// NewZerocopySendCtx returns a context with maxSends records. Sends of more
// than threshold bytes are eligible for zero-copy.
func NewZerocopySendCtx(maxSends, threshold int) *ZerocopySendCtx {
	if maxSends <= 0 {
		maxSends = DefaultZerocopyMaxSimultaneousSends
	}
	if threshold <= 0 {
		threshold = DefaultZerocopySendBytesThreshold
	}
	c := &ZerocopySendCtx{
		records:   make([]SendRecord, maxSends),
		free:      make([]*SendRecord, 0, maxSends),
		lookup:    make(map[uint32]*SendRecord),
		threshold: threshold,
	}
	for i := range c.records {
		c.free = append(c.free, &c.records[i])
	}
	return c
}

func (c *ZerocopySendCtx) Enabled() bool           { return c.enabled.Load() }
func (c *ZerocopySendCtx) SetEnabled(enabled bool) { c.enabled.Store(enabled) }
func (c *ZerocopySendCtx) ThresholdBytes() int     { return c.threshold }

// GetSendRecord takes a free record, or returns nil if every record is in
// flight or the context is shut down.
func (c *ZerocopySendCtx) GetSendRecord() *SendRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown.Load() || len(c.free) == 0 {
		return nil
	}
	r := c.free[len(c.free)-1]
	c.free[len(c.free)-1] = nil
	c.free = c.free[:len(c.free)-1]
	return r
}

// NoteSend associates the next sequence number with r. It must be called
// before the sendmsg, so a completion racing on another goroutine always
// finds the mapping.
func (c *ZerocopySendCtx) NoteSend(r *SendRecord) {
	r.ref()
	c.mu.Lock()
	c.isInWrite = true
	c.lookup[c.lastSend] = r
	c.lastSend++
	c.mu.Unlock()
}

// UndoSend reverts the last NoteSend after a failed sendmsg.
func (c *ZerocopySendCtx) UndoSend() {
	c.mu.Lock()
	c.lastSend--
	r := c.releaseSendRecordLocked(c.lastSend)
	c.mu.Unlock()
	if r.unref() {
		panic(`tcp: undo released the write reference`)
	}
}

// ReleaseSendRecord removes and returns the record mapped to seq.
func (c *ZerocopySendCtx) ReleaseSendRecord(seq uint32) *SendRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releaseSendRecordLocked(seq)
}

func (c *ZerocopySendCtx) releaseSendRecordLocked(seq uint32) *SendRecord {
	r, ok := c.lookup[seq]
	if !ok {
		return nil
	}
	delete(c.lookup, seq)
	return r
}

// PutSendRecord returns r to the pool.
func (c *ZerocopySendCtx) PutSendRecord(r *SendRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.free) == cap(c.free) {
		panic(`tcp: send record pool overflow`)
	}
	c.free = append(c.free, r)
}

// UnrefMaybePutSendRecord drops a reference on r and returns it to the pool
// once the last one is gone.
func (c *ZerocopySendCtx) UnrefMaybePutSendRecord(r *SendRecord) {
	if r.unref() {
		c.PutSendRecord(r)
	}
}

// Shutdown stops new zero-copy writes.
func (c *ZerocopySendCtx) Shutdown() { c.shutdown.Store(true) }

// AllSendRecordsEmpty reports whether no zero-copy write is in flight.
func (c *ZerocopySendCtx) AllSendRecordsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.free) == len(c.records)
}

// AllSendRecordsEmptyExcept is AllSendRecordsEmpty, ignoring the write
// reference held on r by a write that has not completed.
func (c *ZerocopySendCtx) AllSendRecordsEmptyExcept(r *SendRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.free) == len(c.records)-1 && r.refs.Load() == 1
}

// UpdateZeroCopyOMemStateAfterFree is called after processing completions.
// It returns true if the socket should be marked writable.
func (c *ZerocopySendCtx) UpdateZeroCopyOMemStateAfterFree() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isInWrite {
		c.state = omemCheck
		return false
	}
	switch c.state {
	case omemFull:
		c.state = omemOpen
		return true
	case omemOpen:
		return false
	default:
		panic(`tcp: omem state check with no write in flight`)
	}
}

// UpdateZeroCopyOMemStateAfterSend is called once a sendmsg returns. It
// returns true if a completion freed memory while the send was in flight and
// the write should be retried immediately.
func (c *ZerocopySendCtx) UpdateZeroCopyOMemStateAfterSend(seenENOBUFS bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isInWrite = false
	if seenENOBUFS {
		if c.state == omemCheck {
			c.state = omemOpen
			return true
		}
		c.state = omemFull
		return false
	}
	c.state = omemOpen
	return false
}
