package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inlineScheduler struct{}

func (inlineScheduler) Run(fn func()) { fn() }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(inlineScheduler{}, WithListOptions(Options{NumShards: 1}))
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)
	return m
}

func TestManager_FiresInDeadlineOrder(t *testing.T) {
	m := newTestManager(t)

	order := make(chan int, 3)
	var timers [3]Timer
	now := m.Now()
	for i, d := range []int{5, 1, 100} {
		m.Init(&timers[i], now.Add(time.Duration(d)*time.Millisecond), func(err error) {
			if err == nil {
				order <- d
			}
		})
	}

	var got []int
	for len(got) < 3 {
		select {
		case d := <-order:
			got = append(got, d)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out, fired %v", got)
		}
	}
	assert.Equal(t, []int{1, 5, 100}, got)
}

func TestManager_KickPicksUpEarlierTimer(t *testing.T) {
	m := newTestManager(t)

	var far, near Timer
	m.Init(&far, m.Now().Add(time.Hour), func(error) {})

	fired := make(chan struct{})
	start := time.Now()
	m.Init(&near, m.Now().Add(10*time.Millisecond), func(err error) {
		assert.NoError(t, err)
		close(fired)
	})
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("near timer never fired")
	}
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Positive(t, m.Wakeups())

	assert.True(t, m.Cancel(&far))
}

func TestManager_CancelDeliversCancelled(t *testing.T) {
	m := newTestManager(t)

	var tm Timer
	result := make(chan error, 1)
	m.Init(&tm, m.Now().Add(time.Minute), func(err error) { result <- err })
	require.True(t, m.Cancel(&tm))
	select {
	case err := <-result:
		assert.True(t, IsCancelled(err))
	case <-time.After(time.Second):
		t.Fatal("cancel closure not run")
	}
	assert.False(t, m.Cancel(&tm))
}

func TestManager_ShutdownIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	assert.True(t, m.Running())
	m.Shutdown()
	m.Shutdown()
	assert.False(t, m.Running())
}

func TestManager_ForkHooksRestartLoop(t *testing.T) {
	m := newTestManager(t)

	m.PrepareFork()
	require.False(t, m.Running())

	var tm Timer
	fired := make(chan struct{})
	m.Init(&tm, m.Now().Add(5*time.Millisecond), func(error) { close(fired) })

	select {
	case <-fired:
		t.Fatal("timer fired while the loop was stopped")
	case <-time.After(50 * time.Millisecond):
	}

	m.PostforkParent()
	require.True(t, m.Running())
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("timer did not fire after restart")
	}

	// restarting a running manager is a logged no-op
	m.PostforkChild()
	assert.True(t, m.Running())
}
