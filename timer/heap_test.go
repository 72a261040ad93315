package timer

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkHeapInvariant(t *testing.T, h *Heap) {
	t.Helper()
	timers := h.Timers()
	for i, tm := range timers {
		require.Equal(t, i, tm.heapIndex, "heap index mismatch at %d", i)
		for _, child := range [...]int{2*i + 1, 2*i + 2} {
			if child < len(timers) {
				require.LessOrEqual(t, tm.deadline, timers[child].deadline, "parent %d > child %d", i, child)
			}
		}
	}
}

func TestHeap_AddReportsNewRoot(t *testing.T) {
	var h Heap
	a := &Timer{deadline: 10}
	b := &Timer{deadline: 20}
	c := &Timer{deadline: 5}
	assert.True(t, h.Add(a))
	assert.False(t, h.Add(b))
	assert.True(t, h.Add(c))
	assert.Same(t, c, h.Top())
	checkHeapInvariant(t, &h)
}

func TestHeap_RemoveMiddle(t *testing.T) {
	var h Heap
	timers := make([]*Timer, 0, 20)
	for i := 0; i < 20; i++ {
		tm := &Timer{deadline: Timestamp((i * 7) % 20)}
		timers = append(timers, tm)
		h.Add(tm)
	}
	h.Remove(timers[3])
	assert.Equal(t, InvalidHeapIndex, timers[3].heapIndex)
	h.Remove(timers[19])
	assert.Equal(t, 18, h.Len())
	checkHeapInvariant(t, &h)

	assert.Panics(t, func() { h.Remove(timers[3]) })
}

func TestHeap_PopOrder(t *testing.T) {
	var h Heap
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 500; i++ {
		h.Add(&Timer{deadline: Timestamp(rng.IntN(1000))})
	}
	last := InfPast
	for !h.Empty() {
		top := h.Top()
		require.GreaterOrEqual(t, top.deadline, last)
		last = top.deadline
		h.Pop()
	}
	assert.Nil(t, h.Top())
}

func TestHeap_RandomOpsKeepInvariant(t *testing.T) {
	var h Heap
	rng := rand.New(rand.NewPCG(3, 4))
	var live []*Timer
	for step := 0; step < 5000; step++ {
		switch {
		case len(live) == 0 || rng.IntN(3) != 0:
			tm := &Timer{deadline: Timestamp(rng.IntN(10000))}
			h.Add(tm)
			live = append(live, tm)
		default:
			i := rng.IntN(len(live))
			h.Remove(live[i])
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
		}
		if step%97 == 0 {
			checkHeapInvariant(t, &h)
		}
	}
	checkHeapInvariant(t, &h)
	assert.Equal(t, len(live), h.Len())
}

func TestHeap_GrowAndShrink(t *testing.T) {
	var h Heap
	timers := make([]*Timer, 0, 100)
	for i := 0; i < 100; i++ {
		tm := &Timer{deadline: Timestamp(i)}
		timers = append(timers, tm)
		h.Add(tm)
	}
	grown := h.Cap()
	require.GreaterOrEqual(t, grown, 100)

	// removing down to 8 triggers a shrink once usage is under a quarter
	for _, tm := range timers[8:] {
		h.Remove(tm)
	}
	assert.Less(t, h.Cap(), grown)
	assert.GreaterOrEqual(t, h.Cap(), heapShrinkMinCapacity)
	checkHeapInvariant(t, &h)

	// below the minimum count the capacity is left alone
	c := h.Cap()
	for _, tm := range timers[1:8] {
		h.Remove(tm)
	}
	assert.Equal(t, c, h.Cap())
	assert.Equal(t, 1, h.Len())
}
