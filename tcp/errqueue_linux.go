//go:build linux

package tcp

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	errqueueSupported = true
	msgZerocopy       = unix.MSG_ZEROCOPY

	timestampingSocketOptions = unix.SOF_TIMESTAMPING_SOFTWARE |
		unix.SOF_TIMESTAMPING_OPT_ID |
		unix.SOF_TIMESTAMPING_OPT_TSONLY |
		unix.SOF_TIMESTAMPING_OPT_STATS
	timestampingRecordingOptions = unix.SOF_TIMESTAMPING_TX_SCHED |
		unix.SOF_TIMESTAMPING_TX_SOFTWARE |
		unix.SOF_TIMESTAMPING_TX_ACK
)

var (
	readOOBSpace = unix.CmsgSpace(int(unsafe.Sizeof(unix.ScmTimestamping{}))) + unix.CmsgSpace(4)
	// timestamps, the extended error with its offender address, and the
	// opt stats attributes
	errqueueOOBSpace = unix.CmsgSpace(int(unsafe.Sizeof(unix.ScmTimestamping{}))) +
		unix.CmsgSpace(int(unsafe.Sizeof(unix.SockExtendedErr{}))+unix.SizeofSockaddrInet6) +
		unix.CmsgSpace(32*nlaAlign(nlaHdrLen+8))
)

func enableZerocopy(fd int) bool {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ZEROCOPY, 1) == nil
}

func isRecvErr(h unix.Cmsghdr) bool {
	return (h.Level == unix.SOL_IP && h.Type == unix.IP_RECVERR) ||
		(h.Level == unix.SOL_IPV6 && h.Type == unix.IPV6_RECVERR)
}

func extendedErr(data []byte) (*ExtendedErr, bool) {
	if len(data) < int(unsafe.Sizeof(unix.SockExtendedErr{})) {
		return nil, false
	}
	serr := (*unix.SockExtendedErr)(unsafe.Pointer(&data[0]))
	return &ExtendedErr{
		Errno:  serr.Errno,
		Origin: serr.Origin,
		Type:   serr.Type,
		Code:   serr.Code,
		Info:   serr.Info,
		Data:   serr.Data,
	}, true
}

func isZerocopyCmsg(m *unix.SocketControlMessage) (*ExtendedErr, bool) {
	if !isRecvErr(m.Header) {
		return nil, false
	}
	serr, ok := extendedErr(m.Data)
	if !ok || serr.Errno != 0 || serr.Origin != unix.SO_EE_ORIGIN_ZEROCOPY {
		return nil, false
	}
	return serr, true
}

// processErrors drains the socket error queue, returning true if any
// zero-copy completion or timestamp was processed.
func (e *Endpoint) processErrors() bool {
	processed := false
	oob := make([]byte, errqueueOOBSpace)
	for {
		_, oobn, flags, err := tcpRecv(e.fd, nil, oob, unix.MSG_ERRQUEUE)
		if err != nil {
			if err != unix.EAGAIN {
				e.logLimited(`errqueue`, err, `recvmsg(MSG_ERRQUEUE) failed`)
			}
			return processed
		}
		if flags&unix.MSG_CTRUNC != 0 {
			e.logger.Warning().Int(`fd`, e.fd).Log(`error queue message was truncated`)
		}
		if oobn == 0 {
			return processed
		}
		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			e.logger.Warning().Err(err).Int(`fd`, e.fd).Log(`malformed error queue message`)
			return processed
		}
		seen := false
		for i := 0; i < len(msgs); i++ {
			m := &msgs[i]
			if serr, ok := isZerocopyCmsg(m); ok {
				e.processZerocopy(serr)
				seen, processed = true, true
				continue
			}
			if m.Header.Level == unix.SOL_SOCKET && m.Header.Type == unix.SCM_TIMESTAMPING {
				i = e.processTimestamp(msgs, i)
				seen, processed = true, true
				continue
			}
			e.logger.Warning().
				Int(`fd`, e.fd).
				Int(`level`, int(m.Header.Level)).
				Int(`type`, int(m.Header.Type)).
				Log(`unknown control message on error queue`)
			return processed
		}
		if !seen {
			return processed
		}
	}
}

// processZerocopy releases the send records covered by a completion range.
func (e *Endpoint) processZerocopy(serr *ExtendedErr) {
	lo, hi := serr.Info, serr.Data
	for seq := lo; ; seq++ {
		if r := e.zerocopy.ReleaseSendRecord(seq); r != nil {
			e.zerocopy.UnrefMaybePutSendRecord(r)
		}
		if seq == hi {
			break
		}
	}
	if e.zerocopy.UpdateZeroCopyOMemStateAfterFree() {
		e.handle.SetWritable()
	}
}

// processTimestamp handles the SCM_TIMESTAMPING message at msgs[i] along
// with the opt stats and extended error that follow it. It returns the index
// of the last message consumed.
func (e *Endpoint) processTimestamp(msgs []unix.SocketControlMessage, i int) int {
	next := i + 1
	if next >= len(msgs) {
		return i
	}
	var optStats []byte
	if h := msgs[next].Header; h.Level == unix.SOL_SOCKET && h.Type == unix.SCM_TIMESTAMPING_OPT_STATS {
		optStats = msgs[next].Data
		next++
		if next >= len(msgs) {
			return next - 1
		}
	}
	if !isRecvErr(msgs[next].Header) {
		return i
	}
	data := msgs[i].Data
	if len(data) < int(unsafe.Sizeof(unix.ScmTimestamping{})) {
		return i
	}
	tss := (*unix.ScmTimestamping)(unsafe.Pointer(&data[0]))
	serr, ok := extendedErr(msgs[next].Data)
	if !ok || serr.Errno != uint32(unix.ENOMSG) || serr.Origin != unix.SO_EE_ORIGIN_TIMESTAMPING {
		e.logger.Warning().Int(`fd`, e.fd).Log(`unexpected control message`)
		return i
	}
	sec, nsec := tss.Ts[0].Unix()
	e.traced.ProcessTimestamp(serr, optStats, time.Unix(sec, nsec))
	return next
}

// writeWithTimestamps sends iov requesting transmit timestamps. It returns
// false if timestamping could not be enabled on the socket, in which case
// nothing was sent.
func (e *Endpoint) writeWithTimestamps(iov [][]byte, sending, flags int) (int, bool, error) {
	if !e.socketTsEnabled {
		if err := unix.SetsockoptInt(e.fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPING, timestampingSocketOptions); err != nil {
			return 0, false, nil
		}
		e.bytesCounter = -1
		e.socketTsEnabled = true
	}
	oob := make([]byte, unix.CmsgSpace(4))
	h := (*unix.Cmsghdr)(unsafe.Pointer(&oob[0]))
	h.Level = unix.SOL_SOCKET
	h.Type = unix.SO_TIMESTAMPING
	h.SetLen(unix.CmsgLen(4))
	nativeEndian.PutUint32(oob[unix.CmsgLen(0):], timestampingRecordingOptions)

	n, err := tcpSend(e.fd, iov, oob, flags)
	// only complete sends are traced
	if err == nil && n == sending {
		e.traced.AddNewEntry(uint32(e.bytesCounter+int64(n)), e.fd, e.outgoingArg)
		e.outgoingArg = nil
	}
	return n, true, err
}
