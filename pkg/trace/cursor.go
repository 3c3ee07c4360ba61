package trace

import (
	"slices"

	"github.com/l7mp/ddflow/pkg/lattice"
	"github.com/l7mp/ddflow/pkg/util"
)

// Cursor is an ordered traversal over the updates of a batch or a trace. Keys are visited in
// ascending order; for each key, the distinct times are visited in Compare order. Weights are
// accumulated on demand. A cursor holds only positions, never data.
type Cursor[K, V any, T lattice.Lattice[T]] interface {
	// KeyValid reports whether the cursor points at a key.
	KeyValid() bool
	// Key returns the current key. Only valid if KeyValid.
	Key() K
	// StepKey moves to the next key.
	StepKey()
	// SeekKey moves forward to the first key greater or equal to k.
	SeekKey(k K)
	// Rewind moves back to the first key.
	Rewind()

	// TimesForKey returns the distinct times of the current key in Compare order.
	TimesForKey() []T
	// SeekTime moves forward to the first time of the current key not less than t in Compare
	// order.
	SeekTime(t T)
	// TimeValid reports whether the cursor points at a time of the current key.
	TimeValid() bool
	// Time returns the current time.
	Time() T
	// StepTime moves to the next time of the current key.
	StepTime()

	// ValuesAt returns the consolidated value multiset of the current key accumulated at t,
	// i.e., summed over all updates with time less or equal to t.
	ValuesAt(t T) []ValDiff[V]
	// MapUpdates calls f on every update of the current key.
	MapUpdates(f func(v V, t T, diff int64))
}

// timeState tracks the time position of a cursor within the current key.
type timeState[T lattice.Lattice[T]] struct {
	times  []T
	pos    int
	loaded bool
}

func (s *timeState[T]) reset() { s.times, s.pos, s.loaded = s.times[:0], 0, false }

func (s *timeState[T]) load(mapper func(f func(t T))) {
	if s.loaded {
		return
	}
	mapper(func(t T) { s.times = append(s.times, t) })
	slices.SortFunc(s.times, func(a, b T) int { return a.Compare(b) })
	s.times = slices.Compact(s.times)
	s.pos, s.loaded = 0, true
}

func (s *timeState[T]) seek(t T) {
	for s.pos < len(s.times) && s.times[s.pos].Compare(t) < 0 {
		s.pos++
	}
}

// accumulate sums the diffs of updates with times less or equal to t.
func accumulate[V any, T lattice.Lattice[T]](t T, mapper func(f func(v V, t T, diff int64))) []ValDiff[V] {
	vals := []ValDiff[V]{}
	mapper(func(v V, s T, diff int64) {
		if s.LessEqual(t) {
			vals = append(vals, ValDiff[V]{Val: v, Diff: diff})
		}
	})
	return ConsolidateValues(vals)
}

// BatchCursor is a cursor over a single batch.
type BatchCursor[K, V any, T lattice.Lattice[T]] struct {
	batch *Batch[K, V, T]
	key   int
	times timeState[T]
}

var _ Cursor[int, int, lattice.Epoch] = &BatchCursor[int, int, lattice.Epoch]{}

func (c *BatchCursor[K, V, T]) KeyValid() bool { return c.key < len(c.batch.keys) }
func (c *BatchCursor[K, V, T]) Key() K         { return c.batch.keys[c.key] }

func (c *BatchCursor[K, V, T]) StepKey() {
	if c.KeyValid() {
		c.key++
		c.times.reset()
	}
}

func (c *BatchCursor[K, V, T]) SeekKey(k K) {
	rest := c.batch.keys[c.key:]
	i, _ := slices.BinarySearchFunc(rest, k, func(a, b K) int { return util.Compare(a, b) })
	if i > 0 {
		c.key += i
		c.times.reset()
	}
}

func (c *BatchCursor[K, V, T]) Rewind() {
	c.key = 0
	c.times.reset()
}

func (c *BatchCursor[K, V, T]) current() []entry[V, T] {
	if !c.KeyValid() {
		return nil
	}
	return c.batch.entries[c.batch.offs[c.key]:c.batch.offs[c.key+1]]
}

func (c *BatchCursor[K, V, T]) TimesForKey() []T {
	c.loadTimes()
	return slices.Clone(c.times.times)
}

func (c *BatchCursor[K, V, T]) loadTimes() {
	c.times.load(func(f func(t T)) {
		for _, e := range c.current() {
			f(e.time)
		}
	})
}

func (c *BatchCursor[K, V, T]) SeekTime(t T) { c.loadTimes(); c.times.seek(t) }
func (c *BatchCursor[K, V, T]) TimeValid() bool {
	c.loadTimes()
	return c.times.pos < len(c.times.times)
}
func (c *BatchCursor[K, V, T]) Time() T   { c.loadTimes(); return c.times.times[c.times.pos] }
func (c *BatchCursor[K, V, T]) StepTime() { c.loadTimes(); c.times.pos++ }

func (c *BatchCursor[K, V, T]) ValuesAt(t T) []ValDiff[V] {
	return accumulate(t, c.MapUpdates)
}

func (c *BatchCursor[K, V, T]) MapUpdates(f func(v V, t T, diff int64)) {
	for _, e := range c.current() {
		f(e.val, e.time, e.diff)
	}
}

// CursorList merges the cursors of several batches into a single cursor. The current key is the
// least key of the valid member cursors.
type CursorList[K, V any, T lattice.Lattice[T]] struct {
	cursors []*BatchCursor[K, V, T]
	times   timeState[T]
}

var _ Cursor[int, int, lattice.Epoch] = &CursorList[int, int, lattice.Epoch]{}

// NewCursorList creates a cursor over a list of batches.
func NewCursorList[K, V any, T lattice.Lattice[T]](batches []*Batch[K, V, T]) *CursorList[K, V, T] {
	cursors := make([]*BatchCursor[K, V, T], 0, len(batches))
	for _, b := range batches {
		if !b.IsEmpty() {
			cursors = append(cursors, b.Cursor())
		}
	}
	return &CursorList[K, V, T]{cursors: cursors}
}

// minKey returns the index of a cursor at the least key, or -1 if no cursor is valid.
func (c *CursorList[K, V, T]) minKey() int {
	best := -1
	for i, bc := range c.cursors {
		if !bc.KeyValid() {
			continue
		}
		if best < 0 || util.Compare(bc.Key(), c.cursors[best].Key()) < 0 {
			best = i
		}
	}
	return best
}

func (c *CursorList[K, V, T]) KeyValid() bool { return c.minKey() >= 0 }
func (c *CursorList[K, V, T]) Key() K         { return c.cursors[c.minKey()].Key() }

func (c *CursorList[K, V, T]) StepKey() {
	i := c.minKey()
	if i < 0 {
		return
	}
	key := c.cursors[i].Key()
	for _, bc := range c.cursors {
		if bc.KeyValid() && util.Compare(bc.Key(), key) == 0 {
			bc.StepKey()
		}
	}
	c.times.reset()
}

func (c *CursorList[K, V, T]) SeekKey(k K) {
	for _, bc := range c.cursors {
		bc.SeekKey(k)
	}
	c.times.reset()
}

func (c *CursorList[K, V, T]) Rewind() {
	for _, bc := range c.cursors {
		bc.Rewind()
	}
	c.times.reset()
}

// active returns the cursors positioned at the current key.
func (c *CursorList[K, V, T]) active() []*BatchCursor[K, V, T] {
	i := c.minKey()
	if i < 0 {
		return nil
	}
	key := c.cursors[i].Key()
	active := []*BatchCursor[K, V, T]{}
	for _, bc := range c.cursors {
		if bc.KeyValid() && util.Compare(bc.Key(), key) == 0 {
			active = append(active, bc)
		}
	}
	return active
}

func (c *CursorList[K, V, T]) loadTimes() {
	c.times.load(func(f func(t T)) {
		for _, bc := range c.active() {
			for _, e := range bc.current() {
				f(e.time)
			}
		}
	})
}

func (c *CursorList[K, V, T]) TimesForKey() []T {
	c.loadTimes()
	return slices.Clone(c.times.times)
}

func (c *CursorList[K, V, T]) SeekTime(t T) { c.loadTimes(); c.times.seek(t) }
func (c *CursorList[K, V, T]) TimeValid() bool {
	c.loadTimes()
	return c.times.pos < len(c.times.times)
}
func (c *CursorList[K, V, T]) Time() T   { c.loadTimes(); return c.times.times[c.times.pos] }
func (c *CursorList[K, V, T]) StepTime() { c.loadTimes(); c.times.pos++ }

func (c *CursorList[K, V, T]) ValuesAt(t T) []ValDiff[V] {
	return accumulate(t, c.MapUpdates)
}

func (c *CursorList[K, V, T]) MapUpdates(f func(v V, t T, diff int64)) {
	for _, bc := range c.active() {
		bc.MapUpdates(f)
	}
}

// Collect drains a cursor from its current position into a flat list of updates. Mostly useful
// for tests and debugging.
func Collect[K, V any, T lattice.Lattice[T]](c Cursor[K, V, T]) []Update[K, V, T] {
	result := []Update[K, V, T]{}
	for ; c.KeyValid(); c.StepKey() {
		k := c.Key()
		c.MapUpdates(func(v V, t T, diff int64) {
			result = append(result, Update[K, V, T]{Key: k, Val: v, Time: t, Diff: diff})
		})
	}
	return Consolidate(result)
}
