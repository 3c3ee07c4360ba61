package trace

import (
	"container/heap"
	"fmt"
	"slices"
	"strings"

	"github.com/l7mp/ddflow/pkg/lattice"
	"github.com/l7mp/ddflow/pkg/util"
)

type entry[V any, T lattice.Lattice[T]] struct {
	time T
	val  V
	diff int64
}

// Batch is an immutable, consolidated run of updates sorted by (key, time, value). Updates are
// stored column-wise: the distinct keys, and for each key a contiguous range of (time, value,
// diff) entries.
type Batch[K, V any, T lattice.Lattice[T]] struct {
	keys    []K
	offs    []int // offs[i]..offs[i+1] are the entries of keys[i]
	entries []entry[V, T]
	desc    Description[T]
}

// EmptyBatch creates a batch with no updates, used to advance frontiers.
func EmptyBatch[K, V any, T lattice.Lattice[T]](desc Description[T]) *Batch[K, V, T] {
	return &Batch[K, V, T]{offs: []int{0}, desc: desc}
}

// NewBatch consolidates the updates and seals them into a batch with the given description.
// The update slice is reused.
func NewBatch[K, V any, T lattice.Lattice[T]](updates []Update[K, V, T], desc Description[T]) *Batch[K, V, T] {
	b := NewBuilder[K, V, T](len(updates))
	for _, u := range updates {
		b.Push(u)
	}
	return b.Done(desc)
}

// Len returns the number of updates in the batch.
func (b *Batch[K, V, T]) Len() int { return len(b.entries) }

// IsEmpty reports whether the batch holds no updates.
func (b *Batch[K, V, T]) IsEmpty() bool { return len(b.entries) == 0 }

// NumKeys returns the number of distinct keys.
func (b *Batch[K, V, T]) NumKeys() int { return len(b.keys) }

// Description returns the time interval the batch covers.
func (b *Batch[K, V, T]) Description() Description[T] { return b.desc }

// Lower returns the lower bound of the batch.
func (b *Batch[K, V, T]) Lower() lattice.Antichain[T] { return b.desc.Lower }

// Upper returns the upper bound of the batch.
func (b *Batch[K, V, T]) Upper() lattice.Antichain[T] { return b.desc.Upper }

// Since returns the compaction frontier of the batch.
func (b *Batch[K, V, T]) Since() lattice.Antichain[T] { return b.desc.Since }

// Cursor returns a cursor positioned at the first key.
func (b *Batch[K, V, T]) Cursor() *BatchCursor[K, V, T] { return &BatchCursor[K, V, T]{batch: b} }

// Updates returns the contents of the batch as a flat, sorted slice.
func (b *Batch[K, V, T]) Updates() []Update[K, V, T] {
	result := make([]Update[K, V, T], 0, len(b.entries))
	for i, k := range b.keys {
		for _, e := range b.entries[b.offs[i]:b.offs[i+1]] {
			result = append(result, Update[K, V, T]{Key: k, Val: e.val, Time: e.time, Diff: e.diff})
		}
	}
	return result
}

// Times returns the distinct times in the batch in Compare order.
func (b *Batch[K, V, T]) Times() []T {
	times := make([]T, 0, len(b.entries))
	for _, e := range b.entries {
		times = append(times, e.time)
	}
	slices.SortFunc(times, func(x, y T) int { return x.Compare(y) })
	return slices.Compact(times)
}

// WithDescription returns a batch sharing the same updates with a different description. The
// caller is responsible for the updates falling into the new interval.
func (b *Batch[K, V, T]) WithDescription(desc Description[T]) *Batch[K, V, T] {
	return &Batch[K, V, T]{keys: b.keys, offs: b.offs, entries: b.entries, desc: desc}
}

// AdvanceBy returns a new batch whose times are advanced to the frontier and re-consolidated.
// Accumulations at times in advance of the frontier are unchanged.
func (b *Batch[K, V, T]) AdvanceBy(frontier lattice.Antichain[T]) *Batch[K, V, T] {
	desc := b.desc
	desc.Since = frontier.Clone()
	builder := NewBuilder[K, V, T](len(b.entries))
	scratch := []Update[K, V, T]{}
	for i, k := range b.keys {
		scratch = scratch[:0]
		for _, e := range b.entries[b.offs[i]:b.offs[i+1]] {
			scratch = append(scratch, Update[K, V, T]{Key: k, Val: e.val,
				Time: lattice.AdvanceBy(e.time, frontier.Elements()), Diff: e.diff})
		}
		for _, u := range Consolidate(scratch) {
			builder.Push(u)
		}
	}
	return builder.Done(desc)
}

func (b *Batch[K, V, T]) String() string {
	parts := util.Map(func(u Update[K, V, T]) string { return u.String() }, b.Updates())
	return fmt.Sprintf("%s{%s}", b.desc, strings.Join(parts, ", "))
}

// Merge merges contiguous batches into one, advancing times to the compaction frontier since.
// The batches are merged with a k-way merge over their sorted keys; the entries of each key are
// advanced and re-consolidated. Batches must be given in time order with each upper bound
// equal to the next lower bound.
func Merge[K, V any, T lattice.Lattice[T]](since lattice.Antichain[T], batches ...*Batch[K, V, T]) (*Batch[K, V, T], error) {
	if len(batches) == 0 {
		return nil, fmt.Errorf("%w: nothing to merge", ErrNonContiguous)
	}
	for i := 1; i < len(batches); i++ {
		if !batches[i-1].Upper().Equal(batches[i].Lower()) {
			return nil, fmt.Errorf("%w: upper %s does not match lower %s", ErrNonContiguous,
				batches[i-1].Upper(), batches[i].Lower())
		}
	}

	desc := Description[T]{
		Lower: batches[0].Lower().Clone(),
		Upper: batches[len(batches)-1].Upper().Clone(),
		Since: since.Clone(),
	}

	// Empty batches only extend the interval.
	nonEmpty := []*Batch[K, V, T]{}
	for _, b := range batches {
		if !b.IsEmpty() {
			nonEmpty = append(nonEmpty, b)
		}
	}
	switch {
	case len(nonEmpty) == 0:
		return EmptyBatch[K, V, T](desc), nil
	case len(nonEmpty) == 1 && nonEmpty[0].Since().Equal(since):
		return nonEmpty[0].WithDescription(desc), nil
	}

	total := 0
	runs := make(mergeHeap[K, V, T], 0, len(batches))
	for _, b := range batches {
		total += b.Len()
		if len(b.keys) > 0 {
			runs = append(runs, &mergeRun[K, V, T]{batch: b})
		}
	}
	heap.Init(&runs)

	builder := NewBuilder[K, V, T](total)
	scratch := []Update[K, V, T]{}
	for runs.Len() > 0 {
		key := runs[0].key()
		scratch = scratch[:0]
		// Pop every run positioned at the current key.
		for runs.Len() > 0 && util.Compare(runs[0].key(), key) == 0 {
			run := runs[0]
			lo, hi := run.batch.offs[run.pos], run.batch.offs[run.pos+1]
			for _, e := range run.batch.entries[lo:hi] {
				scratch = append(scratch, Update[K, V, T]{Key: key, Val: e.val,
					Time: lattice.AdvanceBy(e.time, since.Elements()), Diff: e.diff})
			}
			run.pos++
			if run.pos < len(run.batch.keys) {
				heap.Fix(&runs, 0)
			} else {
				heap.Pop(&runs)
			}
		}
		for _, u := range Consolidate(scratch) {
			builder.Push(u)
		}
	}

	return builder.Done(desc), nil
}

type mergeRun[K, V any, T lattice.Lattice[T]] struct {
	batch *Batch[K, V, T]
	pos   int
}

func (r *mergeRun[K, V, T]) key() K { return r.batch.keys[r.pos] }

type mergeHeap[K, V any, T lattice.Lattice[T]] []*mergeRun[K, V, T]

func (h mergeHeap[K, V, T]) Len() int           { return len(h) }
func (h mergeHeap[K, V, T]) Less(i, j int) bool { return util.Compare(h[i].key(), h[j].key()) < 0 }
func (h mergeHeap[K, V, T]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap[K, V, T]) Push(x any)        { *h = append(*h, x.(*mergeRun[K, V, T])) }
func (h *mergeHeap[K, V, T]) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Builder assembles a batch from updates. Updates are expected in (key, time, value) order;
// out-of-order input is sorted on Done at extra cost.
type Builder[K, V any, T lattice.Lattice[T]] struct {
	updates []Update[K, V, T]
	sorted  bool
}

// NewBuilder creates a builder with the given capacity.
func NewBuilder[K, V any, T lattice.Lattice[T]](capacity int) *Builder[K, V, T] {
	return &Builder[K, V, T]{updates: make([]Update[K, V, T], 0, capacity), sorted: true}
}

// Push adds an update.
func (b *Builder[K, V, T]) Push(u Update[K, V, T]) {
	if b.sorted && len(b.updates) > 0 && CompareUpdates(b.updates[len(b.updates)-1], u) > 0 {
		b.sorted = false
	}
	b.updates = append(b.updates, u)
}

// Len returns the number of updates pushed so far.
func (b *Builder[K, V, T]) Len() int { return len(b.updates) }

// Done consolidates the pushed updates and seals them into a batch.
func (b *Builder[K, V, T]) Done(desc Description[T]) *Batch[K, V, T] {
	var updates []Update[K, V, T]
	if b.sorted {
		updates = collapse(b.updates, func(x, y Update[K, V, T]) bool { return CompareUpdates(x, y) == 0 },
			func(u *Update[K, V, T]) *int64 { return &u.Diff })
	} else {
		updates = Consolidate(b.updates)
	}

	batch := &Batch[K, V, T]{
		entries: make([]entry[V, T], 0, len(updates)),
		offs:    make([]int, 0, len(updates)+1),
		desc:    desc,
	}
	for i, u := range updates {
		if i == 0 || util.Compare(updates[i-1].Key, u.Key) != 0 {
			batch.keys = append(batch.keys, u.Key)
			batch.offs = append(batch.offs, len(batch.entries))
		}
		batch.entries = append(batch.entries, entry[V, T]{time: u.Time, val: u.Val, diff: u.Diff})
	}
	batch.offs = append(batch.offs, len(batch.entries))
	b.updates = nil
	return batch
}
