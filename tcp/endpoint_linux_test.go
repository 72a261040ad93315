package tcp

import (
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/joeycumines/go-eventengine/poller"
	"github.com/joeycumines/go-eventengine/slicebuf"
	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

var epollFactory = testPollerFactory{`epoll1`, func(s poller.Scheduler, l *logiface.Logger[logiface.Event]) (poller.Poller, error) {
	return poller.NewEpollPoller(s, l)
}}

func init() {
	testPollers = append(testPollers, epollFactory)
}

func TestEndpoint_ErrorTracking(t *testing.T) {
	h := newHarness(t, epollFactory)
	client, server := tcpPair(t)
	defer unix.Close(server)
	ep := h.endpoint(t, client, DefaultConfig())
	assert.True(t, ep.CanTrackErrors())
	// the error notification holds a reference
	assert.Equal(t, int64(2), ep.refs.Load())

	ep.Close()
	require.Eventually(t, func() bool { return ep.State() == Destroyed }, 5*time.Second, time.Millisecond)
	assert.Zero(t, ep.refs.Load())
}

func TestEndpoint_ZerocopyWrite(t *testing.T) {
	h := newHarness(t, epollFactory)
	client, server := tcpPair(t)
	defer unix.Close(server)
	cfg := DefaultConfig()
	cfg.ZerocopyEnabled = true
	cfg.ZerocopySendBytesThreshold = 1024
	ep := h.endpoint(t, client, cfg)
	if !ep.ZerocopyEnabled() {
		closeAndWait(t, ep)
		t.Skip(`MSG_ZEROCOPY unavailable`)
	}

	const size = 1 << 20
	payload := pattern(size)
	var g errgroup.Group
	g.Go(func() error {
		got, err := drain(server, 3*size)
		if err != nil {
			return err
		}
		for i := 0; i < 3; i++ {
			assert.Equal(t, xxhash.Sum64(payload), xxhash.Sum64(got[i*size:(i+1)*size]))
		}
		return nil
	})
	for i := 0; i < 3; i++ {
		var data slicebuf.Buffer
		for off := 0; off < size; off += 64 * 1024 {
			data.Append(payload[off : off+64*1024])
		}
		cb, ch := callback()
		ep.Write(cb, &data, nil)
		require.NoError(t, wait(t, ch))
		assert.Zero(t, data.Length())
	}
	require.NoError(t, g.Wait())

	// completions arrive on the error queue
	require.Eventually(t, ep.zerocopy.AllSendRecordsEmpty, 5*time.Second, time.Millisecond)
	closeAndWait(t, ep)
}

func TestEndpoint_ZerocopyBelowThreshold(t *testing.T) {
	h := newHarness(t, epollFactory)
	client, server := tcpPair(t)
	defer unix.Close(server)
	cfg := DefaultConfig()
	cfg.ZerocopyEnabled = true
	ep := h.endpoint(t, client, cfg)
	defer closeAndWait(t, ep)

	cb, ch := callback()
	ep.Write(cb, bufferOf(`small`), nil)
	require.NoError(t, wait(t, ch))
	assert.True(t, ep.zerocopy.AllSendRecordsEmpty())
	got, err := drain(server, 5)
	require.NoError(t, err)
	assert.Equal(t, `small`, string(got))
}

func TestEndpoint_Timestamps(t *testing.T) {
	h := newHarness(t, epollFactory)
	client, server := tcpPair(t)
	defer unix.Close(server)
	ep := h.endpoint(t, client, DefaultConfig())
	defer closeAndWait(t, ep)

	type result struct {
		ts  *Timestamps
		err error
	}
	results := make(chan result, 2)
	cb, ch := callback()
	ep.Write(cb, bufferOf(`timestamped`), &WriteArgs{Timestamps: func(ts *Timestamps, err error) {
		results <- result{ts, err}
	}})
	require.NoError(t, wait(t, ch))
	got, err := drain(server, 11)
	require.NoError(t, err)
	assert.Equal(t, `timestamped`, string(got))

	select {
	case r := <-results:
		if r.err != nil {
			// timestamping may be unavailable, the sink still fires once
			t.Logf(`timestamps unavailable: %v`, r.err)
			break
		}
		require.NotNil(t, r.ts)
		assert.False(t, r.ts.SendmsgTime.Time.IsZero())
		assert.False(t, r.ts.AckedTime.Time.IsZero())
		assert.Equal(t, uint32(10), r.ts.ByteOffset)
	case <-time.After(5 * time.Second):
		require.FailNow(t, `no timestamps delivered`)
	}
	select {
	case r := <-results:
		assert.FailNow(t, `sink fired twice`, `%v`, r.err)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestNextDrainInterval(t *testing.T) {
	d := zerocopyDrainMinInterval
	var steps []time.Duration
	for i := 0; i < 10; i++ {
		d = nextDrainInterval(d)
		steps = append(steps, d)
	}
	assert.Equal(t, 2*zerocopyDrainMinInterval, steps[0])
	assert.Equal(t, zerocopyDrainMaxInterval, steps[len(steps)-1])
	for i := 1; i < len(steps); i++ {
		assert.GreaterOrEqual(t, steps[i], steps[i-1])
		assert.LessOrEqual(t, steps[i], zerocopyDrainMaxInterval)
	}
}

func TestEndpoint_ShutdownGivesUpOnZerocopyCompletions(t *testing.T) {
	defer func(d time.Duration) { zerocopyDrainTimeout = d }(zerocopyDrainTimeout)
	zerocopyDrainTimeout = 200 * time.Millisecond

	h := newHarness(t, epollFactory)
	client, server := tcpPair(t)
	defer unix.Close(server)
	cfg := DefaultConfig()
	cfg.ZerocopyEnabled = true
	ep := h.endpoint(t, client, cfg)
	if !ep.ZerocopyEnabled() {
		closeAndWait(t, ep)
		t.Skip(`MSG_ZEROCOPY unavailable`)
	}

	// a record that no completion will ever return
	require.NotNil(t, ep.zerocopy.GetSendRecord())

	start := time.Now()
	closeAndWait(t, ep)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, zerocopyDrainTimeout)
	assert.Less(t, elapsed, zerocopyDrainTimeout+2*time.Second)
	assert.Contains(t, h.logs.String(), `gave up waiting for zerocopy completions`)
}

func TestEndpoint_ShutdownWithoutZerocopyInFlight(t *testing.T) {
	h := newHarness(t, epollFactory)
	client, server := tcpPair(t)
	defer unix.Close(server)
	cfg := DefaultConfig()
	cfg.ZerocopyEnabled = true
	ep := h.endpoint(t, client, cfg)

	start := time.Now()
	closeAndWait(t, ep)
	assert.Less(t, time.Since(start), time.Second)
	assert.NotContains(t, h.logs.String(), `gave up waiting for zerocopy completions`)
}
