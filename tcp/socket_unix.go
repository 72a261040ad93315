//go:build linux || darwin

package tcp

import (
	"net"
	"net/netip"
	"strconv"

	"github.com/joeycumines/go-eventengine/status"
	"golang.org/x/sys/unix"
)

// SockaddrString formats sa as host:port, or the path of a unix socket.
func SockaddrString(sa unix.Sockaddr) string {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)).String()
	case *unix.SockaddrInet6:
		addr := netip.AddrFrom16(sa.Addr)
		if sa.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(sa.ZoneId)); err == nil {
				addr = addr.WithZone(ifi.Name)
			} else {
				addr = addr.WithZone(strconv.FormatUint(uint64(sa.ZoneId), 10))
			}
		}
		return netip.AddrPortFrom(addr, uint16(sa.Port)).String()
	case *unix.SockaddrUnix:
		return sa.Name
	case nil:
		return ``
	default:
		return `unknown`
	}
}

// TCPAddrToSockaddr converts addr to a socket address and its family. IPv4
// addresses, including v4-mapped IPv6 ones, map to AF_INET.
func TCPAddrToSockaddr(addr *net.TCPAddr) (unix.Sockaddr, int, error) {
	ip, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return nil, 0, status.InvalidArgumentError(`invalid address`).WithContext(`target_address`, addr.String())
	}
	ip = ip.Unmap()
	if ip.Is4() {
		return &unix.SockaddrInet4{Port: addr.Port, Addr: ip.As4()}, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: addr.Port, Addr: ip.As16()}
	if addr.Zone != `` {
		if ifi, err := net.InterfaceByName(addr.Zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		} else if n, err := strconv.ParseUint(addr.Zone, 10, 32); err == nil {
			sa.ZoneId = uint32(n)
		}
	}
	return sa, unix.AF_INET6, nil
}

// CreateClientSocket creates a non-blocking, close-on-exec stream socket for
// family, prepared for an outgoing connection.
func CreateClientSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, status.FromErrno(`socket`, err)
	}
	if err := PrepareSocket(fd); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// PrepareSocket makes fd non-blocking and close-on-exec, and applies the
// stream options used for client connections.
func PrepareSocket(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return status.FromErrno(`fcntl(O_NONBLOCK)`, err)
	}
	unix.CloseOnExec(fd)
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return status.FromErrno(`getsockname`, err)
	}
	if _, ok := sa.(*unix.SockaddrUnix); !ok {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			return status.FromErrno(`setsockopt(TCP_NODELAY)`, err)
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return status.FromErrno(`setsockopt(SO_REUSEADDR)`, err)
		}
	}
	return setNoSigpipe(fd)
}

// SocketError returns the pending SO_ERROR of fd, nil if there is none.
func SocketError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

func peerAddress(fd int) string {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return ``
	}
	return SockaddrString(sa)
}

func localAddress(fd int) string {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return ``
	}
	return SockaddrString(sa)
}

// tcpSend issues a sendmsg, retrying on EINTR.
func tcpSend(fd int, iov [][]byte, oob []byte, flags int) (int, error) {
	for {
		n, err := unix.SendmsgBuffers(fd, iov, oob, nil, flags|sendFlags)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// tcpRecv issues a recvmsg, retrying on EINTR.
func tcpRecv(fd int, iov [][]byte, oob []byte, flags int) (n, oobn, recvflags int, err error) {
	for {
		n, oobn, recvflags, _, err = unix.RecvmsgBuffers(fd, iov, oob, flags)
		if err == unix.EINTR {
			continue
		}
		return
	}
}
