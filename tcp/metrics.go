package tcp

import (
	"encoding/binary"
)

// ConnectionMetrics is a snapshot of kernel TCP statistics. Fields the
// kernel did not report are zero.
type ConnectionMetrics struct {
	CongestionWindow       uint32
	Reordering             uint32
	PacketRetx             uint64
	PacketSpuriousRetx     uint32
	PacketSent             uint64
	PacketDelivered        uint32
	PacketDeliveredCE      uint32
	DataRetx               uint64
	DataSent               uint64
	DataNotsent            uint32
	PacingRate             uint64
	DeliveryRate           uint64
	DeliveryRateAppLimited bool
	MinRTT                 uint32
	SRTT                   uint32
	RecurringRetrans       uint8
	BusyUsec               uint64
	RwndLimitedUsec        uint64
	SndbufLimitedUsec      uint64
	SndSsthresh            uint32
	CAState                uint8
}

// netlink attribute types carried by SCM_TIMESTAMPING_OPT_STATS
const (
	tcpNlaBusy               = 1
	tcpNlaRwndLimited        = 2
	tcpNlaSndbufLimited      = 3
	tcpNlaDataSegsOut        = 4
	tcpNlaTotalRetrans       = 5
	tcpNlaPacingRate         = 6
	tcpNlaDeliveryRate       = 7
	tcpNlaSndCwnd            = 8
	tcpNlaReordering         = 9
	tcpNlaMinRTT             = 10
	tcpNlaRecurRetrans       = 11
	tcpNlaDeliveryRateAppLmt = 12
	tcpNlaSndqSize           = 13
	tcpNlaCAState            = 14
	tcpNlaSndSsthresh        = 15
	tcpNlaDelivered          = 16
	tcpNlaDeliveredCE        = 17
	tcpNlaBytesSent          = 18
	tcpNlaBytesRetrans       = 19
	tcpNlaDsackDups          = 20
	tcpNlaReordSeen          = 21
	tcpNlaSRTT               = 22

	nlaHdrLen = 4
)

var nativeEndian = binary.NativeEndian

func nlaAlign(n int) int { return (n + 3) &^ 3 }

// ParseOptStats decodes the netlink attributes of an
// SCM_TIMESTAMPING_OPT_STATS payload into m. Truncated or unknown
// attributes are skipped.
func ParseOptStats(b []byte, m *ConnectionMetrics) {
	ne := nativeEndian
	for len(b) >= nlaHdrLen {
		l := int(ne.Uint16(b))
		typ := ne.Uint16(b[2:])
		if l < nlaHdrLen || l > len(b) {
			return
		}
		v := b[nlaHdrLen:l]
		u8 := func() uint8 {
			if len(v) < 1 {
				return 0
			}
			return v[0]
		}
		u32 := func() uint32 {
			if len(v) < 4 {
				return 0
			}
			return ne.Uint32(v)
		}
		u64 := func() uint64 {
			if len(v) < 8 {
				return 0
			}
			return ne.Uint64(v)
		}
		switch typ {
		case tcpNlaBusy:
			m.BusyUsec = u64()
		case tcpNlaRwndLimited:
			m.RwndLimitedUsec = u64()
		case tcpNlaSndbufLimited:
			m.SndbufLimitedUsec = u64()
		case tcpNlaDataSegsOut:
			m.PacketSent = u64()
		case tcpNlaTotalRetrans:
			m.PacketRetx = u64()
		case tcpNlaPacingRate:
			m.PacingRate = u64()
		case tcpNlaDeliveryRate:
			m.DeliveryRate = u64()
		case tcpNlaSndCwnd:
			m.CongestionWindow = u32()
		case tcpNlaReordering:
			m.Reordering = u32()
		case tcpNlaMinRTT:
			m.MinRTT = u32()
		case tcpNlaRecurRetrans:
			m.RecurringRetrans = u8()
		case tcpNlaDeliveryRateAppLmt:
			m.DeliveryRateAppLimited = u8() != 0
		case tcpNlaSndqSize:
			m.DataNotsent = u32()
		case tcpNlaCAState:
			m.CAState = u8()
		case tcpNlaSndSsthresh:
			m.SndSsthresh = u32()
		case tcpNlaDelivered:
			m.PacketDelivered = u32()
		case tcpNlaDeliveredCE:
			m.PacketDeliveredCE = u32()
		case tcpNlaBytesSent:
			m.DataSent = u64()
		case tcpNlaBytesRetrans:
			m.DataRetx = u64()
		case tcpNlaDsackDups:
			m.PacketSpuriousRetx = u32()
		case tcpNlaSRTT:
			m.SRTT = u32()
		}
		next := nlaAlign(l)
		if next >= len(b) {
			return
		}
		b = b[next:]
	}
}
