//go:build linux || darwin

package tcp

import (
	"net"
	"testing"

	"github.com/joeycumines/go-eventengine/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// tcpPair returns a connected loopback pair, both prepared and non-blocking.
// The caller closes both.
func tcpPair(t *testing.T) (client, server int) {
	t.Helper()
	ln, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(ln)
	require.NoError(t, unix.Bind(ln, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, unix.Listen(ln, 1))
	addr, err := unix.Getsockname(ln)
	require.NoError(t, err)

	client, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.Connect(client, addr))
	server, _, err = unix.Accept(ln)
	require.NoError(t, err)
	require.NoError(t, PrepareSocket(client))
	require.NoError(t, PrepareSocket(server))
	return client, server
}

func TestSockaddrString(t *testing.T) {
	for _, tc := range [...]struct {
		name string
		sa   unix.Sockaddr
		want string
	}{
		{`v4`, &unix.SockaddrInet4{Port: 80, Addr: [4]byte{10, 1, 2, 3}}, `10.1.2.3:80`},
		{`v6`, &unix.SockaddrInet6{Port: 443, Addr: [16]byte{15: 1}}, `[::1]:443`},
		{`v6 numeric zone`, &unix.SockaddrInet6{Port: 1, Addr: [16]byte{0: 0xfe, 1: 0x80, 15: 1}, ZoneId: 1 << 30}, `[fe80::1%1073741824]:1`},
		{`unix`, &unix.SockaddrUnix{Name: `/tmp/sock`}, `/tmp/sock`},
		{`nil`, nil, ``},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SockaddrString(tc.sa))
		})
	}
}

func TestTCPAddrToSockaddr(t *testing.T) {
	sa, family, err := TCPAddrToSockaddr(&net.TCPAddr{IP: net.ParseIP(`127.0.0.1`), Port: 8080})
	require.NoError(t, err)
	assert.Equal(t, unix.AF_INET, family)
	assert.Equal(t, &unix.SockaddrInet4{Port: 8080, Addr: [4]byte{127, 0, 0, 1}}, sa)

	sa, family, err = TCPAddrToSockaddr(&net.TCPAddr{IP: net.ParseIP(`::1`), Port: 9})
	require.NoError(t, err)
	assert.Equal(t, unix.AF_INET6, family)
	assert.Equal(t, `[::1]:9`, SockaddrString(sa))

	sa, _, err = TCPAddrToSockaddr(&net.TCPAddr{IP: net.ParseIP(`fe80::1`), Port: 9, Zone: `7`})
	require.NoError(t, err)
	assert.Equal(t, uint32(7), sa.(*unix.SockaddrInet6).ZoneId)

	_, _, err = TCPAddrToSockaddr(&net.TCPAddr{IP: net.IP{1, 2, 3}})
	assert.True(t, status.Is(err, status.InvalidArgument))
}

func TestPrepareSocket(t *testing.T) {
	client, server := tcpPair(t)
	defer unix.Close(client)
	defer unix.Close(server)

	for _, fd := range []int{client, server} {
		v, err := unix.GetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY)
		require.NoError(t, err)
		assert.NotZero(t, v)
		_, err = unix.Read(fd, make([]byte, 1))
		assert.Equal(t, unix.EAGAIN, err)
	}
	assert.NotEmpty(t, peerAddress(client))
	assert.Equal(t, peerAddress(client), localAddress(server))
	assert.NoError(t, SocketError(client))
}

func TestCreateClientSocket(t *testing.T) {
	fd, err := CreateClientSocket(unix.AF_INET)
	require.NoError(t, err)
	defer unix.Close(fd)

	ln, err := net.Listen(`tcp4`, `127.0.0.1:0`)
	require.NoError(t, err)
	defer ln.Close()
	sa, _, err := TCPAddrToSockaddr(ln.Addr().(*net.TCPAddr))
	require.NoError(t, err)

	err = unix.Connect(fd, sa)
	if err != nil {
		require.Equal(t, unix.EINPROGRESS, err)
	}
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()
}

func TestTcpSendRecv(t *testing.T) {
	client, server := tcpPair(t)
	defer unix.Close(client)
	defer unix.Close(server)

	n, err := tcpSend(client, [][]byte{[]byte(`hel`), []byte(`lo`)}, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 16)
	var got int
	for got < 5 {
		n, _, _, err := tcpRecv(server, [][]byte{buf[got:]}, nil, 0)
		if err == unix.EAGAIN {
			continue
		}
		require.NoError(t, err)
		got += n
	}
	assert.Equal(t, `hello`, string(buf[:got]))

	_, _, _, err = tcpRecv(server, [][]byte{buf}, nil, 0)
	assert.Equal(t, unix.EAGAIN, err)
}

func TestAdvanceIov(t *testing.T) {
	iov := [][]byte{[]byte(`abc`), []byte(`de`), []byte(`fgh`)}
	iov = advanceIov(iov, 4)
	assert.Equal(t, [][]byte{[]byte(`e`), []byte(`fgh`)}, iov)
	iov = advanceIov(iov, 1)
	assert.Equal(t, [][]byte{[]byte(`fgh`)}, iov)
	iov = advanceIov(iov, 3)
	assert.Empty(t, iov)
}
