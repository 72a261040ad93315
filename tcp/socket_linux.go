//go:build linux

package tcp

import (
	"golang.org/x/sys/unix"
)

const sendFlags = unix.MSG_NOSIGNAL

func setNoSigpipe(int) error { return nil }

// enableInq asks the kernel to report queued bytes with each recvmsg.
func enableInq(fd int) bool {
	return unix.SetsockoptInt(fd, unix.SOL_TCP, unix.TCP_INQ, 1) == nil
}

// parseInq extracts the TCP_CM_INQ value from a recvmsg control buffer.
func parseInq(oob []byte) (int, bool) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0, false
	}
	for _, m := range msgs {
		if m.Header.Level == unix.SOL_TCP && m.Header.Type == unix.TCP_CM_INQ && len(m.Data) >= 4 {
			return int(int32(nativeEndian.Uint32(m.Data))), true
		}
	}
	return 0, false
}

func socketTCPInfo(fd int) (ConnectionMetrics, bool) {
	info, err := unix.GetsockoptTCPInfo(fd, unix.SOL_TCP, unix.TCP_INFO)
	if err != nil {
		return ConnectionMetrics{}, false
	}
	return ConnectionMetrics{
		CongestionWindow:   info.Snd_cwnd,
		Reordering:         info.Reordering,
		PacketRetx:         uint64(info.Total_retrans),
		PacketSpuriousRetx: info.Dsack_dups,
		PacketSent:         uint64(info.Data_segs_out),
		PacketDelivered:    info.Delivered,
		PacketDeliveredCE:  info.Delivered_ce,
		DataRetx:           info.Bytes_retrans,
		DataSent:           info.Bytes_sent,
		DataNotsent:        info.Notsent_bytes,
		PacingRate:         info.Pacing_rate,
		DeliveryRate:       info.Delivery_rate,
		MinRTT:             info.Min_rtt,
		SRTT:               info.Rtt,
		BusyUsec:           info.Busy_time,
		RwndLimitedUsec:    info.Rwnd_limited,
		SndbufLimitedUsec:  info.Sndbuf_limited,
		SndSsthresh:        info.Snd_ssthresh,
		CAState:            info.Ca_state,
	}, true
}
