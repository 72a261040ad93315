package timer

const (
	// InvalidHeapIndex marks a timer that lives in a shard's unordered list.
	InvalidHeapIndex = -1

	heapShrinkMinCapacity = 16
	heapShrinkUsageFactor = 4
	heapShrinkMinCount    = 8
)

// Heap is an array backed binary min-heap of timers, ordered by deadline.
//
// Heap is not safe for concurrent use. The containing shard serializes access.
type Heap struct {
	timers []*Timer
}

// Add inserts t, returning true if t became the new root.
func (h *Heap) Add(t *Timer) bool {
	if len(h.timers) == cap(h.timers) {
		c := cap(h.timers) * 3 / 2
		if c < cap(h.timers)+1 {
			c = cap(h.timers) + 1
		}
		timers := make([]*Timer, len(h.timers), c)
		copy(timers, h.timers)
		h.timers = timers
	}
	i := len(h.timers)
	h.timers = append(h.timers, t)
	h.adjustUpwards(i, t)
	return t.heapIndex == 0
}

// Remove deletes t, which must be in the heap.
func (h *Heap) Remove(t *Timer) {
	i := t.heapIndex
	last := len(h.timers) - 1
	if i < 0 || i > last || h.timers[i] != t {
		panic(`timer: remove of timer not in heap`)
	}
	t.heapIndex = InvalidHeapIndex
	if i == last {
		h.timers[last] = nil
		h.timers = h.timers[:last]
		h.maybeShrink()
		return
	}
	moved := h.timers[last]
	h.timers[last] = nil
	h.timers = h.timers[:last]
	h.timers[i] = moved
	moved.heapIndex = i
	h.noteChangedPriority(moved)
	h.maybeShrink()
}

// Top returns the earliest timer, or nil if empty.
func (h *Heap) Top() *Timer {
	if len(h.timers) == 0 {
		return nil
	}
	return h.timers[0]
}

// Pop removes the earliest timer.
func (h *Heap) Pop() {
	h.Remove(h.timers[0])
}

func (h *Heap) Len() int { return len(h.timers) }

func (h *Heap) Empty() bool { return len(h.timers) == 0 }

// Cap returns the current capacity of the backing array.
func (h *Heap) Cap() int { return cap(h.timers) }

// Timers returns the heap array. The result must not be modified.
func (h *Heap) Timers() []*Timer { return h.timers }

func (h *Heap) adjustUpwards(i int, t *Timer) {
	for i > 0 {
		parent := (i - 1) / 2
		if h.timers[parent].deadline <= t.deadline {
			break
		}
		h.timers[i] = h.timers[parent]
		h.timers[i].heapIndex = i
		i = parent
	}
	h.timers[i] = t
	t.heapIndex = i
}

func (h *Heap) adjustDownwards(i int, t *Timer) {
	n := len(h.timers)
	for {
		left := 2*i + 1
		if left >= n {
			break
		}
		right := left + 1
		next := left
		if right < n && h.timers[left].deadline > h.timers[right].deadline {
			next = right
		}
		if t.deadline <= h.timers[next].deadline {
			break
		}
		h.timers[i] = h.timers[next]
		h.timers[i].heapIndex = i
		i = next
	}
	h.timers[i] = t
	t.heapIndex = i
}

func (h *Heap) noteChangedPriority(t *Timer) {
	i := t.heapIndex
	parent := (i - 1) / 2
	if i > 0 && h.timers[parent].deadline > t.deadline {
		h.adjustUpwards(i, t)
	} else {
		h.adjustDownwards(i, t)
	}
}

// maybeShrink reallocates to max(2*count, 16) once count >= 8 and usage is
// at most a quarter of capacity.
func (h *Heap) maybeShrink() {
	n := len(h.timers)
	if n >= heapShrinkMinCount && n <= cap(h.timers)/heapShrinkUsageFactor {
		c := n * 2
		if c < heapShrinkMinCapacity {
			c = heapShrinkMinCapacity
		}
		timers := make([]*Timer, n, c)
		copy(timers, h.timers)
		h.timers = timers
	}
}
