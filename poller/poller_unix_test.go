//go:build linux || darwin

package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	for _, fd := range fds {
		require.NoError(t, unix.SetNonblock(fd, true))
	}
	return fds[0], fds[1]
}

func closeFd(fd int) { _ = unix.Close(fd) }

// workUntil calls Work until cond holds.
func workUntil(t *testing.T, p Poller, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition not met")
		p.Work(10*time.Millisecond, nil)
	}
}

type pollerConstructor func(t *testing.T) Poller

func testPollerReadWrite(t *testing.T, newPoller pollerConstructor) {
	p := newPoller(t)
	defer p.Shutdown()

	a, b := socketpair(t)
	defer closeFd(b)
	h, err := p.CreateHandle(a, `pair`, false)
	require.NoError(t, err)
	assert.Equal(t, a, h.WrappedFd())
	assert.Same(t, p, h.Poller())

	var rd recorder
	h.NotifyOnRead(rd.closure())
	_, err = unix.Write(b, []byte(`hello`))
	require.NoError(t, err)
	workUntil(t, p, func() bool { return len(rd.calls()) == 1 })
	assert.NoError(t, rd.calls()[0])

	var wr recorder
	h.NotifyOnWrite(wr.closure())
	workUntil(t, p, func() bool { return len(wr.calls()) == 1 })
	assert.NoError(t, wr.calls()[0])

	var released int
	var done recorder
	h.OrphanHandle(done.closure(), &released, `test`)
	assert.Equal(t, a, released)
	workUntil(t, p, func() bool { return len(done.calls()) == 1 })
	closeFd(a)
}

func testPollerShutdownHandle(t *testing.T, newPoller pollerConstructor) {
	p := newPoller(t)
	defer p.Shutdown()

	a, b := socketpair(t)
	defer closeFd(b)
	h, err := p.CreateHandle(a, `pair`, false)
	require.NoError(t, err)

	var rd recorder
	h.NotifyOnRead(rd.closure())
	why := assert.AnError
	h.ShutdownHandle(why)
	h.ShutdownHandle(nil)
	assert.True(t, h.IsHandleShutdown())
	workUntil(t, p, func() bool { return len(rd.calls()) == 1 })
	assert.Same(t, why, rd.calls()[0])

	var late recorder
	h.NotifyOnWrite(late.closure())
	workUntil(t, p, func() bool { return len(late.calls()) == 1 })
	assert.Same(t, why, late.calls()[0])

	h.OrphanHandle(nil, nil, `test`)
	// the fd is closed once the poller lets go of it
	workUntil(t, p, func() bool {
		_, err := unix.FcntlInt(uintptr(a), unix.F_GETFD, 0)
		return err == unix.EBADF
	})
}

func testPollerKick(t *testing.T, newPoller pollerConstructor) {
	p := newPoller(t)
	defer p.Shutdown()

	assert.Equal(t, WorkDeadlineExceeded, p.Work(time.Millisecond, nil))

	done := make(chan WorkResult, 1)
	go func() { done <- p.Work(time.Minute, nil) }()
	time.Sleep(10 * time.Millisecond)
	p.Kick()
	select {
	case r := <-done:
		assert.Equal(t, WorkKicked, r)
	case <-time.After(5 * time.Second):
		t.Fatal("kick did not interrupt Work")
	}
}

func testPollerShutdownInterruptsWork(t *testing.T, newPoller pollerConstructor) {
	p := newPoller(t)
	done := make(chan struct{})
	go func() {
		p.Work(time.Minute, nil)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	p.Shutdown()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not interrupt Work")
	}
	p.Shutdown()
	assert.Equal(t, WorkKicked, p.Work(time.Minute, nil))
}

func testPollerSchedulePollAgain(t *testing.T, newPoller pollerConstructor) {
	p := newPoller(t)
	defer p.Shutdown()

	a, b := socketpair(t)
	defer closeFd(b)
	h, err := p.CreateHandle(a, `pair`, false)
	require.NoError(t, err)
	defer h.OrphanHandle(nil, nil, `test`)

	var rd recorder
	h.NotifyOnRead(rd.closure())
	_, err = unix.Write(b, []byte(`x`))
	require.NoError(t, err)

	var again, processed int
	deadline := time.Now().Add(5 * time.Second)
	for len(rd.calls()) == 0 {
		require.True(t, time.Now().Before(deadline))
		if p.Work(10*time.Millisecond, func() { again++ }) == WorkOK {
			processed++
		}
	}
	assert.Positive(t, processed)
	assert.Equal(t, processed, again)
}

func TestPollPoller(t *testing.T) {
	newPoller := func(t *testing.T) Poller {
		p, err := NewPollPoller(goScheduler, nil)
		require.NoError(t, err)
		assert.Equal(t, `poll`, p.Name())
		assert.False(t, p.CanTrackErrors())
		return p
	}
	t.Run(`ReadWrite`, func(t *testing.T) { testPollerReadWrite(t, newPoller) })
	t.Run(`ShutdownHandle`, func(t *testing.T) { testPollerShutdownHandle(t, newPoller) })
	t.Run(`Kick`, func(t *testing.T) { testPollerKick(t, newPoller) })
	t.Run(`ShutdownInterruptsWork`, func(t *testing.T) { testPollerShutdownInterruptsWork(t, newPoller) })
	t.Run(`SchedulePollAgain`, func(t *testing.T) { testPollerSchedulePollAgain(t, newPoller) })
}

func TestPollPoller_NotifyOnErrorUnsupported(t *testing.T) {
	p, err := NewPollPoller(goScheduler, nil)
	require.NoError(t, err)
	defer p.Shutdown()
	a, b := socketpair(t)
	defer closeFd(b)
	h, err := p.CreateHandle(a, `pair`, true)
	require.NoError(t, err)
	defer h.OrphanHandle(nil, nil, `test`)

	result := make(chan error, 1)
	h.NotifyOnError(NewClosure(func(err error) { result <- err }))
	select {
	case err := <-result:
		assert.ErrorContains(t, err, `does not support tracking errors`)
	case <-time.After(5 * time.Second):
		t.Fatal("error closure not run")
	}
}

func TestPollPoller_CreateHandleInvalidFd(t *testing.T) {
	p, err := NewPollPoller(goScheduler, nil)
	require.NoError(t, err)
	defer p.Shutdown()
	h, err := p.CreateHandle(-1, `invalid`, false)
	assert.ErrorIs(t, err, ErrFDOutOfRange)
	assert.Nil(t, h)
}

func TestPollPoller_PeerHangupIsSticky(t *testing.T) {
	p, err := NewPollPoller(goScheduler, nil)
	require.NoError(t, err)
	defer p.Shutdown()
	a, b := socketpair(t)
	h, err := p.CreateHandle(a, `pair`, false)
	require.NoError(t, err)
	defer h.OrphanHandle(nil, nil, `test`)

	var rd recorder
	h.NotifyOnRead(rd.closure())
	closeFd(b)
	workUntil(t, p, func() bool { return len(rd.calls()) == 1 })

	// after a hangup every registration completes without polling
	var again recorder
	h.NotifyOnRead(again.closure())
	workUntil(t, p, func() bool { return len(again.calls()) == 1 })
}
