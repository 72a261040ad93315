package timer

import (
	"encoding/binary"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	// DefaultMinWindow is the lower bound of a shard's heap window.
	DefaultMinWindow = 10 * time.Millisecond
	// DefaultMaxWindow is the upper bound of a shard's heap window.
	DefaultMaxWindow = time.Second
	// DefaultAddDeadlineScale scales the average insertion-to-deadline gap
	// into the heap window width.
	DefaultAddDeadlineScale = 0.33
	// MaxShards bounds the number of shards.
	MaxShards = 32
)

// Closure is invoked once per timer, with nil when the timer fires, or a
// Cancelled status when it is cancelled. It must not block.
type Closure func(err error)

// Timer is a single deadline registered with a List.
//
// A pending timer lives either in its shard's heap or, when heapIndex is
// InvalidHeapIndex, in the shard's unordered list. Fields are guarded by the
// owning shard's mutex.
type Timer struct {
	closure   Closure
	deadline  Timestamp
	id        atomic.Uint64
	heapIndex int
	listIndex int
	pending   bool
}

// Deadline returns the deadline the timer was initialized with.
func (t *Timer) Deadline() Timestamp { return t.deadline }

// HeapIndex returns the position in the shard heap, or InvalidHeapIndex.
func (t *Timer) HeapIndex() int { return t.heapIndex }

// Fire runs the closure with the given status.
func (t *Timer) Fire(err error) { t.closure(err) }

// CheckResult describes the outcome of a List check.
type CheckResult int

const (
	// NotChecked means another goroutine is already checking.
	NotChecked CheckResult = iota
	// CheckedAndEmpty means no timers were due.
	CheckedAndEmpty
	// Fired means at least one timer was due and has been returned.
	Fired
)

func (r CheckResult) String() string {
	switch r {
	case NotChecked:
		return `NotChecked`
	case CheckedAndEmpty:
		return `CheckedAndEmpty`
	case Fired:
		return `Fired`
	default:
		return `Unknown`
	}
}

// Host provides the list with time, a way to wake whoever waits on the
// earliest deadline, and a way to run closures off the caller's stack.
type Host interface {
	Now() Timestamp
	Kick()
	Run(fn func())
}

// Options tunes a List. Zero values select defaults.
type Options struct {
	NumShards        int
	MinWindow        time.Duration
	MaxWindow        time.Duration
	AddDeadlineScale float64
}

// DefaultNumShards returns clamp(2*NumCPU, 1, MaxShards).
func DefaultNumShards() int {
	n := 2 * runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	if n > MaxShards {
		n = MaxShards
	}
	return n
}

func (o Options) withDefaults() Options {
	if o.NumShards <= 0 {
		o.NumShards = DefaultNumShards()
	}
	if o.NumShards > MaxShards {
		o.NumShards = MaxShards
	}
	if o.MinWindow <= 0 {
		o.MinWindow = DefaultMinWindow
	}
	if o.MaxWindow <= 0 {
		o.MaxWindow = DefaultMaxWindow
	}
	if o.MaxWindow < o.MinWindow {
		o.MaxWindow = o.MinWindow
	}
	if o.AddDeadlineScale <= 0 {
		o.AddDeadlineScale = DefaultAddDeadlineScale
	}
	return o
}

type shard struct {
	mu               sync.Mutex
	heap             Heap
	list             []*Timer
	stats            TimeAveragedStats
	queueDeadlineCap Timestamp
	// guarded by List.mu
	minDeadline Timestamp
	queueIndex  int
}

// List is a sharded timer collection.
//
// Each shard keeps timers due before its queueDeadlineCap in a heap and the
// rest in an unordered list, refilling the heap as the cap advances. Shards
// are kept in a queue sorted by their minimum deadline.
//
// Firing order is exact within a shard. Across shards, a check drains every
// due timer of the earliest shard before moving on, so timers from different
// shards may be returned out of deadline order.
type List struct {
	host       Host
	opts       Options
	shards     []shard
	shardQueue []*shard
	// mu guards shardQueue and every shard's minDeadline and queueIndex.
	mu        sync.Mutex
	checkerMu sync.Mutex
	minTimer  atomic.Int64
	kickGen   atomic.Uint64
	nextID    atomic.Uint64
}

// NewList creates a list driven by host.
func NewList(host Host, opts Options) *List {
	opts = opts.withDefaults()
	l := &List{
		host:       host,
		opts:       opts,
		shards:     make([]shard, opts.NumShards),
		shardQueue: make([]*shard, opts.NumShards),
	}
	now := host.Now()
	l.minTimer.Store(int64(now))
	for i := range l.shards {
		s := &l.shards[i]
		s.stats = NewTimeAveragedStats(1/opts.AddDeadlineScale, 0.1, 0.5)
		s.queueDeadlineCap = now
		s.queueIndex = i
		s.minDeadline = s.computeMinDeadline()
		l.shardQueue[i] = s
	}
	return l
}

// NumShards returns the shard count.
func (l *List) NumShards() int { return len(l.shards) }

// shardIndex picks the shard of t, assigning its id on first use. The id,
// and so the shard, never changes afterwards.
func (l *List) shardIndex(t *Timer) int {
	id := t.id.Load()
	if id == 0 {
		id = l.nextID.Add(1)
		if !t.id.CompareAndSwap(0, id) {
			id = t.id.Load()
		}
	}
	return l.shardOf(id)
}

func (l *List) shardOf(id uint64) int {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], id)
	return int(xxhash.Sum64(b[:]) % uint64(len(l.shards)))
}

func (s *shard) computeMinDeadline() Timestamp {
	if s.heap.Empty() {
		return s.queueDeadlineCap.Add(Epsilon)
	}
	return s.heap.Top().deadline
}

func (s *shard) listAdd(t *Timer) {
	t.heapIndex = InvalidHeapIndex
	t.listIndex = len(s.list)
	s.list = append(s.list, t)
}

func (s *shard) listRemove(t *Timer) {
	i := t.listIndex
	last := len(s.list) - 1
	if i != last {
		s.list[i] = s.list[last]
		s.list[i].listIndex = i
	}
	s.list[last] = nil
	s.list = s.list[:last]
	t.listIndex = -1
}

// refillHeap advances the queue cap by the current window and moves every
// listed timer due before it into the heap. Reports whether the heap is
// non-empty.
func (s *shard) refillHeap(now Timestamp, opts *Options) bool {
	delta := time.Duration(s.stats.UpdateAverage() * opts.AddDeadlineScale * float64(time.Second))
	if delta < opts.MinWindow {
		delta = opts.MinWindow
	}
	if delta > opts.MaxWindow {
		delta = opts.MaxWindow
	}
	base := s.queueDeadlineCap
	if now > base {
		base = now
	}
	s.queueDeadlineCap = base.Add(delta)
	for i := 0; i < len(s.list); {
		t := s.list[i]
		if t.deadline < s.queueDeadlineCap {
			s.listRemove(t)
			s.heap.Add(t)
			continue
		}
		i++
	}
	return !s.heap.Empty()
}

func (s *shard) popOne(now Timestamp, opts *Options) *Timer {
	if s.heap.Empty() {
		if now < s.queueDeadlineCap {
			return nil
		}
		if !s.refillHeap(now, opts) {
			return nil
		}
	}
	t := s.heap.Top()
	if t.deadline > now {
		return nil
	}
	t.pending = false
	s.heap.Pop()
	return t
}

func (s *shard) popTimers(now Timestamp, opts *Options, out []*Timer) ([]*Timer, Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		t := s.popOne(now, opts)
		if t == nil {
			break
		}
		out = append(out, t)
	}
	return out, s.computeMinDeadline()
}

func (l *List) swapAdjacentShardsInQueue(first int) {
	l.shardQueue[first], l.shardQueue[first+1] = l.shardQueue[first+1], l.shardQueue[first]
	l.shardQueue[first].queueIndex = first
	l.shardQueue[first+1].queueIndex = first + 1
}

func (l *List) noteDeadlineChange(s *shard) {
	for s.queueIndex > 0 && s.minDeadline < l.shardQueue[s.queueIndex-1].minDeadline {
		l.swapAdjacentShardsInQueue(s.queueIndex - 1)
	}
	for s.queueIndex < len(l.shardQueue)-1 && s.minDeadline > l.shardQueue[s.queueIndex+1].minDeadline {
		l.swapAdjacentShardsInQueue(s.queueIndex)
	}
}

// Init schedules t to run closure at deadline. A deadline at or before now
// runs the closure through the host immediately, with a nil error.
//
// Initializing a timer that is still pending panics.
func (l *List) Init(t *Timer, deadline Timestamp, closure Closure) {
	if closure == nil {
		panic(`timer: nil closure`)
	}
	idx := l.shardIndex(t)
	s := &l.shards[idx]

	s.mu.Lock()
	if t.pending {
		s.mu.Unlock()
		panic(`timer: init of pending timer`)
	}
	t.closure = closure
	t.deadline = deadline
	now := l.host.Now()
	if deadline <= now {
		t.heapIndex = InvalidHeapIndex
		t.listIndex = -1
		s.mu.Unlock()
		l.host.Run(func() { closure(nil) })
		return
	}
	t.pending = true
	s.stats.AddSample(deadline.Sub(now).Seconds())
	var isFirstTimer bool
	if deadline < s.queueDeadlineCap {
		t.listIndex = -1
		isFirstTimer = s.heap.Add(t)
	} else {
		s.listAdd(t)
	}
	s.mu.Unlock()

	// A concurrent check may have already popped t here. That only makes the
	// min deadline update below conservative.
	if !isFirstTimer {
		return
	}
	l.mu.Lock()
	if deadline < s.minDeadline {
		oldMin := l.shardQueue[0].minDeadline
		s.minDeadline = deadline
		l.noteDeadlineChange(s)
		if s.queueIndex == 0 && deadline < oldMin {
			l.minTimer.Store(int64(deadline))
			l.kickGen.Add(1)
			l.mu.Unlock()
			l.host.Kick()
			return
		}
	}
	l.mu.Unlock()
}

// Cancel cancels a pending timer, running its closure through the host with
// a Cancelled status. It returns false, and does nothing, if the timer has
// already fired, was already cancelled, or was never initialized.
func (l *List) Cancel(t *Timer) bool {
	id := t.id.Load()
	if id == 0 {
		return false
	}
	s := &l.shards[l.shardOf(id)]
	s.mu.Lock()
	if !t.pending {
		s.mu.Unlock()
		return false
	}
	t.pending = false
	if t.heapIndex == InvalidHeapIndex {
		s.listRemove(t)
	} else {
		s.heap.Remove(t)
	}
	closure := t.closure
	s.mu.Unlock()
	l.host.Run(func() { closure(newCancelledError()) })
	return true
}

// Check pops every due timer, using the shared minimum as a fast path. The
// caller is responsible for running the closures of the returned timers.
// next is lowered to the earliest remaining deadline.
func (l *List) Check(next *Timestamp) ([]*Timer, CheckResult) {
	now := l.host.Now()
	if m := Timestamp(l.minTimer.Load()); now < m {
		if next != nil {
			*next = minTimestamp(*next, m)
		}
		return nil, CheckedAndEmpty
	}
	return l.checkSlow(now, next)
}

func (l *List) checkSlow(now Timestamp, next *Timestamp) ([]*Timer, CheckResult) {
	if !l.checkerMu.TryLock() {
		return nil, NotChecked
	}
	defer l.checkerMu.Unlock()
	timers := l.findExpiredTimers(now, next)
	if len(timers) == 0 {
		return nil, CheckedAndEmpty
	}
	return timers, Fired
}

func (l *List) findExpiredTimers(now Timestamp, next *Timestamp) []*Timer {
	if m := Timestamp(l.minTimer.Load()); now < m {
		if next != nil {
			*next = minTimestamp(*next, m)
		}
		return nil
	}
	var done []*Timer
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		s := l.shardQueue[0]
		if !(s.minDeadline < now || (now != InfFuture && s.minDeadline == now)) {
			break
		}
		var newMin Timestamp
		done, newMin = s.popTimers(now, &l.opts, done)
		s.minDeadline = newMin
		l.noteDeadlineChange(s)
	}
	m := l.shardQueue[0].minDeadline
	if next != nil {
		*next = minTimestamp(*next, m)
	}
	l.minTimer.Store(int64(m))
	return done
}

// NewChecker returns a Checker bound to this list.
func (l *List) NewChecker() *Checker {
	return &Checker{list: l, cachedMin: InfPast}
}

// Checker caches the global minimum deadline for one goroutine, so repeated
// checks before the deadline skip the shared atomic entirely. The cache is
// discarded whenever the list learns of an earlier deadline.
//
// A Checker must not be used concurrently.
type Checker struct {
	list      *List
	gen       uint64
	cachedMin Timestamp
}

// Check behaves like List.Check.
func (c *Checker) Check(next *Timestamp) ([]*Timer, CheckResult) {
	l := c.list
	now := l.host.Now()
	gen := l.kickGen.Load()
	if gen == c.gen && now < c.cachedMin {
		if next != nil {
			*next = minTimestamp(*next, c.cachedMin)
		}
		return nil, CheckedAndEmpty
	}
	timers, result := l.Check(next)
	if result != NotChecked {
		c.gen = gen
		c.cachedMin = Timestamp(l.minTimer.Load())
	}
	return timers, result
}

// Invalidate drops the cached minimum.
func (c *Checker) Invalidate() {
	c.cachedMin = InfPast
}
