//go:build linux || darwin

package tcp

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-eventengine/poller"
	"github.com/joeycumines/go-eventengine/slicebuf"
	"github.com/joeycumines/go-eventengine/status"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// EndpointState is the coarse state of an Endpoint.
type EndpointState int32

const (
	Idle EndpointState = iota
	ReadPending
	ReadCompleting
	WritePending
	WriteCompleting
	ShuttingDown
	Destroyed
)

func (s EndpointState) String() string {
	switch s {
	case Idle:
		return `idle`
	case ReadPending:
		return `read_pending`
	case ReadCompleting:
		return `read_completing`
	case WritePending:
		return `write_pending`
	case WriteCompleting:
		return `write_completing`
	case ShuttingDown:
		return `shutting_down`
	case Destroyed:
		return `destroyed`
	default:
		return `unknown`
	}
}

// how long Shutdown waits for outstanding zero-copy completions, and the
// bounds of the pause between attempts to collect them
var (
	zerocopyDrainTimeout     = 5 * time.Second
	zerocopyDrainMinInterval = time.Millisecond
	zerocopyDrainMaxInterval = 50 * time.Millisecond
)

// noisy per-connection failures are logged at most this often, per category
var errorLogLimiter = catrate.NewLimiter(map[time.Duration]int{
	time.Second: 5,
	time.Minute: 60,
})

// ReadArgs are optional Read parameters.
type ReadArgs struct {
	// ReadHintBytes is the number of bytes the caller expects. With
	// Config.FrameSizeTuning the read completes only once that many bytes
	// have arrived.
	ReadHintBytes int
}

// WriteArgs are optional Write parameters.
type WriteArgs struct {
	// Timestamps, if set, receives the kernel transmit timestamps of the
	// write, or the error that prevented tracing it.
	Timestamps TimestampsSink
}

// Deps are the engine services an Endpoint uses.
type Deps struct {
	Scheduler poller.Scheduler
	// Backup, if set, is covered while a write waits for readiness. It is
	// needed when nothing else polls the endpoint's poller.
	Backup *poller.BackupPoller
	Logger *logiface.Logger[logiface.Event]
}

// Endpoint is a connected stream socket. At most one Read and one Write may
// be outstanding at a time.
type Endpoint struct {
	handle    poller.EventHandle
	poller    poller.Poller
	scheduler poller.Scheduler
	backup    *poller.BackupPoller
	logger    *logiface.Logger[logiface.Event]
	alloc     Allocator
	zerocopy  *ZerocopySendCtx
	traced    *TracedBufferList
	onRead    *poller.Closure
	onWrite   *poller.Closure
	onError   *poller.Closure
	onRelease func(fd int, err error)
	peer      string
	local     string
	cfg       Config
	fd        int

	refs         atomic.Int64
	readState    atomic.Int32
	writeState   atomic.Int32
	shutdown     atomic.Bool
	destroyed    atomic.Bool
	stopErrors   atomic.Bool
	writeCovered atomic.Bool

	readMu             sync.Mutex
	readCb             func(err error)
	incoming           *slicebuf.Buffer
	lastRead           slicebuf.Buffer
	readIov            [][]byte
	readOOB            []byte
	targetLength       float64
	bytesReadThisRound float64
	minProgress        int
	inq                int
	reserved           int
	inqCapable         bool
	isFirstRead        bool

	writeMu         sync.Mutex
	writeCb         func(err error)
	outgoing        *slicebuf.Buffer
	writeIov        [][]byte
	currentZerocopy *SendRecord
	outgoingArg     TimestampsSink
	outgoingByteIdx int
	bytesCounter    int64
	tsCapable       bool
	socketTsEnabled bool
}

// NewEndpoint wraps a connected socket handle. The endpoint owns the handle
// until Shutdown releases it.
func NewEndpoint(handle poller.EventHandle, cfg Config, deps Deps) *Endpoint {
	if handle == nil {
		panic(`tcp: nil handle`)
	}
	if deps.Scheduler == nil {
		panic(`tcp: nil scheduler`)
	}
	cfg = cfg.normalize()
	fd := handle.WrappedFd()
	e := &Endpoint{
		handle:       handle,
		poller:       handle.Poller(),
		scheduler:    deps.Scheduler,
		backup:       deps.Backup,
		logger:       deps.Logger,
		alloc:        cfg.Allocator,
		zerocopy:     NewZerocopySendCtx(cfg.ZerocopyMaxSimultaneousSends, cfg.ZerocopySendBytesThreshold),
		traced:       NewTracedBufferList(cfg.TracedBufferTimeout),
		peer:         peerAddress(fd),
		local:        localAddress(fd),
		cfg:          cfg,
		fd:           fd,
		targetLength: float64(cfg.ReadChunkSize),
		minProgress:  1,
		isFirstRead:  true,
	}
	e.refs.Store(1)

	trackErrors := errqueueSupported && e.poller.CanTrackErrors()
	e.tsCapable = trackErrors
	if cfg.ZerocopyEnabled && trackErrors {
		if enableZerocopy(fd) {
			e.zerocopy.SetEnabled(true)
		} else {
			e.logger.Err().Int(`fd`, fd).Log(`failed to set zerocopy options on the socket`)
		}
	}
	if e.inqCapable = enableInq(fd); e.inqCapable {
		e.readOOB = make([]byte, readOOBSpace)
	}

	e.onRead = poller.NewClosure(e.handleRead)
	e.onWrite = poller.NewClosure(e.handleWrite)
	e.onError = poller.NewClosure(e.handleError)

	if trackErrors {
		e.ref()
		handle.NotifyOnError(e.onError)
	}
	return e
}

func (e *Endpoint) PeerAddress() string  { return e.peer }
func (e *Endpoint) LocalAddress() string { return e.local }
func (e *Endpoint) Fd() int              { return e.fd }

// CanTrackErrors reports whether the endpoint processes the socket error
// queue, which zero-copy sends and timestamps depend on.
func (e *Endpoint) CanTrackErrors() bool { return errqueueSupported && e.poller.CanTrackErrors() }

// ZerocopyEnabled reports whether writes may use MSG_ZEROCOPY.
func (e *Endpoint) ZerocopyEnabled() bool { return e.zerocopy.Enabled() }

// State returns the most significant of the endpoint's states.
func (e *Endpoint) State() EndpointState {
	switch {
	case e.destroyed.Load():
		return Destroyed
	case e.shutdown.Load():
		return ShuttingDown
	}
	if w := EndpointState(e.writeState.Load()); w != Idle {
		return w
	}
	return EndpointState(e.readState.Load())
}

// Read reads available data into buf, replacing its contents, then calls
// onRead. End of stream is reported as an error.
func (e *Endpoint) Read(onRead func(err error), buf *slicebuf.Buffer, args *ReadArgs) {
	e.readMu.Lock()
	if e.readCb != nil {
		e.readMu.Unlock()
		panic(`tcp: concurrent Read`)
	}
	e.readCb = onRead
	e.incoming = buf
	buf.Clear()
	buf.Swap(&e.lastRead)
	if args != nil && e.cfg.FrameSizeTuning && args.ReadHintBytes > 0 {
		e.minProgress = args.ReadHintBytes
	} else {
		e.minProgress = 1
	}
	first := e.isFirstRead
	e.isFirstRead = false
	inq := e.inq
	e.readState.Store(int32(ReadPending))
	e.readMu.Unlock()

	e.ref()
	if first || inq == 0 {
		e.handle.NotifyOnRead(e.onRead)
		return
	}
	// data is known to be queued
	e.onRead.SetStatus(nil)
	e.scheduler.Run(e.onRead.Run)
}

func (e *Endpoint) handleRead(err error) {
	e.readMu.Lock()
	e.readState.Store(int32(ReadCompleting))
	if err == nil {
		e.maybeMakeReadSlices()
		var done bool
		if done, err = e.doRead(); !done {
			// the edge was consumed
			e.readState.Store(int32(ReadPending))
			e.readMu.Unlock()
			e.handle.NotifyOnRead(e.onRead)
			return
		}
	} else {
		e.clearReadBuffers()
	}
	if err != nil {
		err = e.annotate(err)
	} else {
		// delivered bytes belong to the caller
		e.releaseReserved(e.incoming.Length())
	}
	cb := e.readCb
	e.readCb = nil
	e.incoming = nil
	e.readState.Store(int32(Idle))
	e.readMu.Unlock()

	cb(err)
	e.unref()
}

func (e *Endpoint) addToEstimate(n int) { e.bytesReadThisRound += float64(n) }

// finishEstimate grows the read target when a round filled most of it, and
// otherwise lets it decay towards the observed size.
func (e *Endpoint) finishEstimate() {
	if e.bytesReadThisRound > e.targetLength*0.8 {
		e.targetLength = max(2*e.targetLength, e.bytesReadThisRound)
	} else {
		e.targetLength = 0.99*e.targetLength + 0.01*e.bytesReadThisRound
	}
	e.bytesReadThisRound = 0
}

func (e *Endpoint) maybeMakeReadSlices() {
	if e.incoming.Length() >= e.minProgress || e.incoming.Count() >= MaxReadIovec {
		return
	}
	target := max(int(e.targetLength), e.minProgress)
	extra := target - e.incoming.Length()
	minChunk := max(e.cfg.MinReadChunkSize, e.minProgress)
	maxChunk := max(e.cfg.MaxReadChunkSize, e.minProgress)
	n := min(max(extra, minChunk), maxChunk)
	e.alloc.Reserve(n)
	e.reserved += n
	e.incoming.Append(make([]byte, n))
}

// doRead reads until EAGAIN, the buffer is full, or the kernel reports
// nothing queued. It returns false if the caller should wait for readiness.
func (e *Endpoint) doRead() (bool, error) {
	iovLen := min(MaxReadIovec, e.incoming.Count())
	iov := e.readIov[:0]
	for i := 0; i < iovLen; i++ {
		iov = append(iov, e.incoming.RefSlice(i))
	}
	e.readIov = iov
	if e.incoming.Length() == 0 {
		panic(`tcp: read into an empty buffer`)
	}

	total := 0
	for {
		// without TCP_INQ there is always assumed to be more
		e.inq = 1
		n, oobn, _, err := tcpRecv(e.fd, iov, e.readOOB, 0)
		if err == unix.EAGAIN {
			if total > 0 {
				break
			}
			e.finishEstimate()
			e.inq = 0
			return false, nil
		}
		if err != nil || n == 0 {
			if total > 0 {
				// deliver what was read before the error or EOF
				break
			}
			e.clearIncoming()
			if err != nil {
				e.logLimited(`recvmsg`, err, `recvmsg failed`)
				return true, status.FromErrno(`recvmsg`, err)
			}
			return true, status.InternalError(`Socket closed`)
		}
		e.addToEstimate(n)
		if e.inqCapable {
			if v, ok := parseInq(e.readOOB[:oobn]); ok {
				e.inq = v
			}
		}
		total += n
		if e.inq == 0 || total == e.incoming.Length() {
			break
		}
		iov = advanceIov(iov, n)
	}
	if e.inq == 0 {
		e.finishEstimate()
	}

	if e.cfg.FrameSizeTuning {
		e.minProgress -= total
		e.incoming.MoveFirstNBytesInto(total, &e.lastRead)
		if e.minProgress > 0 {
			// stage what was read until enough has arrived
			return false, nil
		}
		e.minProgress = 1
		e.incoming.Swap(&e.lastRead)
		return true, nil
	}
	if total < e.incoming.Length() {
		e.incoming.RemoveLastNBytesInto(e.incoming.Length()-total, &e.lastRead)
	}
	return true, nil
}

// advanceIov drops the first n bytes from iov, in place.
func advanceIov(iov [][]byte, n int) [][]byte {
	j := 0
	for _, b := range iov {
		if n >= len(b) {
			n -= len(b)
			continue
		}
		iov[j] = b[n:]
		n = 0
		j++
	}
	clear(iov[j:])
	return iov[:j]
}

func (e *Endpoint) clearIncoming() {
	e.releaseReserved(e.incoming.Length())
	e.incoming.Clear()
}

func (e *Endpoint) clearReadBuffers() {
	e.clearIncoming()
	e.releaseReserved(e.lastRead.Length())
	e.lastRead.Clear()
}

func (e *Endpoint) releaseReserved(n int) {
	n = min(n, e.reserved)
	if n <= 0 {
		return
	}
	e.reserved -= n
	e.alloc.Release(n)
}

// Write sends data, then calls onWritable. The endpoint consumes data; the
// caller must not modify it until onWritable runs.
func (e *Endpoint) Write(onWritable func(err error), data *slicebuf.Buffer, args *WriteArgs) {
	e.writeMu.Lock()
	if e.writeCb != nil {
		e.writeMu.Unlock()
		panic(`tcp: concurrent Write`)
	}
	if args != nil && args.Timestamps != nil {
		e.outgoingArg = args.Timestamps
	}
	if data.Length() == 0 {
		e.shutdownTracedBufferList()
		e.writeMu.Unlock()
		if e.handle.IsHandleShutdown() {
			onWritable(e.annotate(status.InternalError(`EOF`)))
			return
		}
		onWritable(nil)
		return
	}

	e.writeState.Store(int32(WriteCompleting))
	record := e.getSendZerocopyRecord(data)
	if record == nil {
		e.outgoing = data
		e.outgoingByteIdx = 0
	}
	var (
		done bool
		err  error
	)
	if record != nil {
		done, err = e.flushZerocopy(record)
	} else {
		done, err = e.flush()
	}
	if !done {
		e.ref()
		e.writeCb = onWritable
		e.currentZerocopy = record
		e.writeState.Store(int32(WritePending))
		e.writeMu.Unlock()
		e.notifyOnWrite()
		return
	}
	e.outgoing = nil
	e.writeState.Store(int32(Idle))
	e.writeMu.Unlock()
	if err != nil {
		err = e.annotate(err)
	}
	onWritable(err)
}

// notifyOnWrite waits for write readiness, covering the wait with the backup
// poller when one is configured.
func (e *Endpoint) notifyOnWrite() {
	if e.backup != nil && e.writeCovered.CompareAndSwap(false, true) {
		e.backup.Cover()
	}
	e.handle.NotifyOnWrite(e.onWrite)
}

func (e *Endpoint) handleWrite(err error) {
	if e.backup != nil && e.writeCovered.CompareAndSwap(true, false) {
		e.backup.Uncover()
	}
	e.writeMu.Lock()
	e.writeState.Store(int32(WriteCompleting))
	if err == nil {
		var done bool
		if e.currentZerocopy != nil {
			done, err = e.flushZerocopy(e.currentZerocopy)
		} else {
			done, err = e.flush()
		}
		if !done {
			e.writeState.Store(int32(WritePending))
			e.writeMu.Unlock()
			e.notifyOnWrite()
			return
		}
	} else if e.currentZerocopy != nil {
		e.zerocopy.UnrefMaybePutSendRecord(e.currentZerocopy)
	}
	cb := e.writeCb
	e.writeCb = nil
	e.currentZerocopy = nil
	e.outgoing = nil
	e.writeState.Store(int32(Idle))
	e.writeMu.Unlock()

	if err != nil {
		err = e.annotate(err)
	}
	cb(err)
	e.unref()
}

// getSendZerocopyRecord moves data into a send record if the write should
// use zero-copy.
func (e *Endpoint) getSendZerocopyRecord(data *slicebuf.Buffer) *SendRecord {
	if !e.zerocopy.Enabled() || data.Length() <= e.zerocopy.ThresholdBytes() {
		return nil
	}
	record := e.zerocopy.GetSendRecord()
	if record == nil {
		// completions may be waiting on the error queue
		e.processErrors()
		record = e.zerocopy.GetSendRecord()
	}
	if record != nil {
		record.prepareForSends(data)
		e.outgoingByteIdx = 0
		e.outgoing = nil
	}
	return record
}

// send issues one sendmsg, with timestamps if the write is traced.
func (e *Endpoint) send(iov [][]byte, sending, flags int) (int, error) {
	if e.outgoingArg != nil {
		if e.tsCapable {
			if n, ok, err := e.writeWithTimestamps(iov, sending, flags); ok {
				return n, err
			}
		}
		e.tsCapable = false
		e.shutdownTracedBufferList()
	}
	return tcpSend(e.fd, iov, nil, flags)
}

// flush sends the outgoing buffer. It returns false if the socket is full
// and the write must wait for readiness.
func (e *Endpoint) flush() (bool, error) {
	// slices are trimmed as they are written, so this always starts at zero
	outgoingSlice := 0
	for {
		sending := 0
		unwindSlice := outgoingSlice
		unwindByte := e.outgoingByteIdx
		iov := e.writeIov[:0]
		for outgoingSlice != e.outgoing.Count() && len(iov) != MaxWriteIovec {
			b := e.outgoing.RefSlice(outgoingSlice)[e.outgoingByteIdx:]
			iov = append(iov, b)
			sending += len(b)
			outgoingSlice++
			e.outgoingByteIdx = 0
		}
		e.writeIov = iov

		n, err := e.send(iov, sending, 0)
		clear(iov)
		if err != nil {
			if err == unix.EAGAIN || err == unix.ENOBUFS {
				e.outgoingByteIdx = unwindByte
				for i := 0; i < unwindSlice; i++ {
					e.outgoing.TakeFirst()
				}
				return false, nil
			}
			e.outgoing.Clear()
			e.shutdownTracedBufferList()
			e.logLimited(`sendmsg`, err, `sendmsg failed`)
			return true, status.FromErrno(`sendmsg`, err)
		}

		e.bytesCounter += int64(n)
		trailing := sending - n
		for trailing > 0 {
			outgoingSlice--
			l := len(e.outgoing.RefSlice(outgoingSlice))
			if l > trailing {
				e.outgoingByteIdx = l - trailing
				break
			}
			trailing -= l
		}
		if outgoingSlice == e.outgoing.Count() {
			e.outgoing.Clear()
			return true, nil
		}
	}
}

// flushZerocopy sends a zero-copy record, dropping the write reference once
// the record is fully sent or has failed.
func (e *Endpoint) flushZerocopy(record *SendRecord) (bool, error) {
	done, err := e.doFlushZerocopy(record)
	if done {
		e.zerocopy.UnrefMaybePutSendRecord(record)
	}
	return done, err
}

func (e *Endpoint) doFlushZerocopy(record *SendRecord) (bool, error) {
	for {
		var sending, unwindSlice, unwindByte int
		iov := record.PopulateIovs(&unwindSlice, &unwindByte, &sending)
		// the sequence number must be taken before the send
		e.zerocopy.NoteSend(record)
		n, err := e.send(iov, sending, msgZerocopy)
		if e.zerocopy.UpdateZeroCopyOMemStateAfterSend(err == unix.ENOBUFS) {
			e.handle.SetWritable()
		}
		if err != nil {
			e.zerocopy.UndoSend()
			if err == unix.EAGAIN || err == unix.ENOBUFS {
				record.UnwindIfThrottled(unwindSlice, unwindByte)
				return false, nil
			}
			e.shutdownTracedBufferList()
			e.logLimited(`sendmsg`, err, `zerocopy sendmsg failed`)
			return true, status.FromErrno(`sendmsg`, err)
		}
		e.bytesCounter += int64(n)
		record.UpdateOffsetForBytesSent(sending, n)
		if record.AllSlicesSent() {
			return true, nil
		}
	}
}

// shutdownTracedBufferList fails the pending trace request, if any, along
// with every traced write still awaiting timestamps.
func (e *Endpoint) shutdownTracedBufferList() {
	if e.outgoingArg == nil {
		return
	}
	e.traced.Shutdown(e.outgoingArg, status.InternalError(`TracedBuffer list shutdown`))
	e.outgoingArg = nil
}

func (e *Endpoint) handleError(err error) {
	if err != nil || e.stopErrors.Load() {
		// no longer registered for errors
		e.unref()
		return
	}
	if !e.processErrors() {
		// not a timestamp or completion, so let the read and write paths
		// observe it
		e.handle.SetReadable()
		e.handle.SetWritable()
	}
	e.handle.NotifyOnError(e.onError)
}

// Shutdown fails outstanding and future operations with why. Once nothing
// references the endpoint the handle is orphaned: if onRelease is nil the fd
// is closed, otherwise it is passed to onRelease and left open. Only the
// first call has an effect.
func (e *Endpoint) Shutdown(why error, onRelease func(fd int, err error)) {
	if !e.shutdown.CompareAndSwap(false, true) {
		return
	}
	if why == nil {
		why = status.UnavailableError(`endpoint shutdown`)
	}
	e.onRelease = onRelease
	if e.CanTrackErrors() {
		e.zerocopyDisableAndWaitForRemaining()
		e.stopErrors.Store(true)
		e.handle.SetHasError()
	}
	e.handle.ShutdownHandle(why)
	e.logger.Debug().Str(`peer`, e.peer).Int(`fd`, e.fd).Log(`endpoint shutdown`)
	e.unref()
}

// Close shuts the endpoint down and closes its fd.
func (e *Endpoint) Close() {
	e.Shutdown(status.UnavailableError(`endpoint closed`), nil)
}

// zerocopyDisableAndWaitForRemaining stops new zero-copy writes and drains
// completions for those in flight. A record held by a pending Write is
// released when that Write fails, so it is not waited for.
func (e *Endpoint) zerocopyDisableAndWaitForRemaining() {
	e.zerocopy.Shutdown()
	deadline := time.Now().Add(zerocopyDrainTimeout)
	interval := zerocopyDrainMinInterval
	for !e.zerocopyDrained() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			e.logger.Warning().Int(`fd`, e.fd).Log(`gave up waiting for zerocopy completions`)
			return
		}
		if e.processErrors() {
			interval = zerocopyDrainMinInterval
			continue
		}
		time.Sleep(min(interval, remaining))
		interval = nextDrainInterval(interval)
	}
}

func nextDrainInterval(d time.Duration) time.Duration {
	return min(2*d, zerocopyDrainMaxInterval)
}

func (e *Endpoint) zerocopyDrained() bool {
	e.writeMu.Lock()
	held := e.currentZerocopy
	e.writeMu.Unlock()
	if held == nil {
		return e.zerocopy.AllSendRecordsEmpty()
	}
	return e.zerocopy.AllSendRecordsEmptyExcept(held)
}

func (e *Endpoint) ref() { e.refs.Add(1) }

func (e *Endpoint) unref() {
	n := e.refs.Add(-1)
	if n < 0 {
		panic(`tcp: endpoint over-released`)
	}
	if n == 0 {
		e.destroy()
	}
}

// destroy orphans the handle once the last reference is gone.
func (e *Endpoint) destroy() {
	e.destroyed.Store(true)
	e.traced.Shutdown(nil, status.InternalError(`TracedBuffer list shutdown`))
	e.readMu.Lock()
	e.lastRead.Clear()
	e.releaseReserved(e.reserved)
	e.readMu.Unlock()

	var releaseFd *int
	fd := -1
	if e.onRelease != nil {
		releaseFd = &fd
	}
	onRelease := e.onRelease
	onDone := poller.NewClosure(func(err error) {
		if onRelease != nil {
			onRelease(fd, err)
		}
	})
	e.handle.OrphanHandle(onDone, releaseFd, `endpoint destroyed`)
	e.logger.Debug().Str(`peer`, e.peer).Log(`endpoint destroyed`)
}

// annotate marks err as retryable and attaches the peer address.
func (e *Endpoint) annotate(err error) error {
	if err == nil {
		return nil
	}
	return (&status.Error{
		Code:    status.Unavailable,
		Message: status.Message(err),
		Cause:   err,
	}).WithContext(`target_address`, e.peer)
}

func (e *Endpoint) logLimited(category string, err error, msg string) {
	if _, ok := errorLogLimiter.Allow(category); !ok {
		return
	}
	e.logger.Err().
		Err(err).
		Str(`peer`, e.peer).
		Int(`fd`, e.fd).
		Log(msg)
}
