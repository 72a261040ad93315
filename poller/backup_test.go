package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var goScheduler = SchedulerFunc(func(fn func()) { go fn() })

func TestBackupPoller_CoverCounting(t *testing.T) {
	p := NewNonePoller(goScheduler, nil)
	defer p.Shutdown()
	b := NewBackupPoller(p, goScheduler, nil, 5*time.Millisecond)

	assert.False(t, b.Active())
	b.Cover()
	assert.Equal(t, int64(2), b.Pending())
	assert.Equal(t, int64(1), b.Starts())

	b.Cover()
	assert.Equal(t, int64(3), b.Pending())
	assert.Equal(t, int64(1), b.Starts())

	b.Uncover()
	b.Uncover()
	require.Eventually(t, func() bool { return !b.Active() }, 5*time.Second, time.Millisecond)
	assert.Equal(t, int64(0), b.Pending())
	assert.Positive(t, b.Polls())

	// covering again restarts the loop
	b.Cover()
	assert.Equal(t, int64(2), b.Starts())
	b.Uncover()
	require.Eventually(t, func() bool { return !b.Active() }, 5*time.Second, time.Millisecond)
}

func TestBackupPoller_KeepsPollingWhileCovered(t *testing.T) {
	p := NewNonePoller(goScheduler, nil)
	defer p.Shutdown()
	b := NewBackupPoller(p, goScheduler, nil, time.Millisecond)

	b.Cover()
	require.Eventually(t, func() bool { return b.Polls() >= 5 }, 5*time.Second, time.Millisecond)
	assert.True(t, b.Active())
	b.Uncover()
	require.Eventually(t, func() bool { return !b.Active() }, 5*time.Second, time.Millisecond)
}

func TestBackupPoller_OverUncoverPanics(t *testing.T) {
	b := NewBackupPoller(NewNonePoller(goScheduler, nil), goScheduler, nil, 0)
	b.pending.Store(1)
	assert.Panics(t, b.Uncover)
}

func TestNonePoller(t *testing.T) {
	p := NewNonePoller(inlineScheduler, nil)
	assert.Equal(t, `none`, p.Name())
	assert.False(t, p.CanTrackErrors())
	assert.Equal(t, WorkDeadlineExceeded, p.Work(time.Millisecond, nil))
	p.Kick()
	assert.Equal(t, WorkKicked, p.Work(time.Hour, nil))

	h, err := p.CreateHandle(42, `test`, true)
	require.NoError(t, err)
	assert.Equal(t, 42, h.WrappedFd())
	var r recorder
	h.NotifyOnRead(r.closure())
	h.SetReadable()
	assert.Equal(t, []error{nil}, r.calls())

	var errs recorder
	h.NotifyOnError(errs.closure())
	require.Len(t, errs.calls(), 1)
	assert.ErrorContains(t, errs.calls()[0], `does not support tracking errors`)

	var w recorder
	h.NotifyOnWrite(w.closure())
	var released int
	var done recorder
	h.OrphanHandle(done.closure(), &released, `test done`)
	assert.Equal(t, 42, released)
	require.Len(t, w.calls(), 1)
	assert.Error(t, w.calls()[0])
	assert.Equal(t, []error{nil}, done.calls())
	assert.True(t, h.IsHandleShutdown())
	assert.Panics(t, func() { h.OrphanHandle(nil, nil, ``) })

	p.Shutdown()
	assert.Equal(t, WorkKicked, p.Work(time.Hour, nil))
}
