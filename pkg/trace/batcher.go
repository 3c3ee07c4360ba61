package trace

import (
	"fmt"

	"github.com/zhangyunhao116/skipmap"

	"github.com/l7mp/ddflow/pkg/lattice"
)

type updateKey[K, V any, T lattice.Lattice[T]] struct {
	key  K
	time T
	val  V
}

// Batcher collects unordered updates and seals the ones that became final into batches. Updates
// are consolidated on insertion in an ordered skip list, so sealing is a single ordered scan.
type Batcher[K, V any, T lattice.Lattice[T]] struct {
	pending *skipmap.FuncMap[updateKey[K, V, T], int64]
	lower   lattice.Antichain[T]
}

// NewBatcher creates a batcher whose first batch starts at the least time.
func NewBatcher[K, V any, T lattice.Lattice[T]]() *Batcher[K, V, T] {
	return NewBatcherFrom[K, V, T](lattice.MinimumAntichain[T]())
}

// NewBatcherFrom creates a batcher whose first batch starts at lower.
func NewBatcherFrom[K, V any, T lattice.Lattice[T]](lower lattice.Antichain[T]) *Batcher[K, V, T] {
	less := func(a, b updateKey[K, V, T]) bool {
		return CompareUpdates(Update[K, V, T]{Key: a.key, Val: a.val, Time: a.time},
			Update[K, V, T]{Key: b.key, Val: b.val, Time: b.time}) < 0
	}
	return &Batcher[K, V, T]{
		pending: skipmap.NewFunc[updateKey[K, V, T], int64](less),
		lower:   lower.Clone(),
	}
}

// Push adds an update.
func (b *Batcher[K, V, T]) Push(u Update[K, V, T]) {
	if u.Diff == 0 {
		return
	}
	k := updateKey[K, V, T]{key: u.Key, time: u.Time, val: u.Val}
	diff := u.Diff
	if old, ok := b.pending.Load(k); ok {
		diff += old
	}
	if diff == 0 {
		b.pending.Delete(k)
		return
	}
	b.pending.Store(k, diff)
}

// PushAll adds a list of updates.
func (b *Batcher[K, V, T]) PushAll(updates []Update[K, V, T]) {
	for _, u := range updates {
		b.Push(u)
	}
}

// Seal extracts every update not in advance of upper into a batch covering [lower, upper), where
// lower is the upper bound of the previous seal. Updates in advance of upper stay in the
// batcher.
func (b *Batcher[K, V, T]) Seal(upper lattice.Antichain[T]) (*Batch[K, V, T], error) {
	if !b.lower.Dominates(upper) {
		return nil, fmt.Errorf("%w: batcher at %s sealed at %s", lattice.ErrFrontierRegressed, b.lower, upper)
	}

	sealed := []updateKey[K, V, T]{}
	builder := NewBuilder[K, V, T](b.pending.Len())
	b.pending.Range(func(k updateKey[K, V, T], diff int64) bool {
		if !upper.LessEqual(k.time) {
			builder.Push(Update[K, V, T]{Key: k.key, Val: k.val, Time: k.time, Diff: diff})
			sealed = append(sealed, k)
		}
		return true
	})
	for _, k := range sealed {
		b.pending.Delete(k)
	}

	batch := builder.Done(NewDescription(b.lower, upper))
	b.lower = upper.Clone()
	return batch, nil
}

// Frontier returns the lower envelope of the times of the updates still held.
func (b *Batcher[K, V, T]) Frontier() lattice.Antichain[T] {
	frontier := lattice.Antichain[T]{}
	b.pending.Range(func(k updateKey[K, V, T], _ int64) bool {
		frontier.Insert(k.time)
		return true
	})
	return frontier
}

// Lower returns the lower bound of the next sealed batch.
func (b *Batcher[K, V, T]) Lower() lattice.Antichain[T] { return b.lower.Clone() }

// Len returns the number of updates held.
func (b *Batcher[K, V, T]) Len() int { return b.pending.Len() }
