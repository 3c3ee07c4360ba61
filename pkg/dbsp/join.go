package dbsp

import (
	"fmt"

	"github.com/l7mp/ddflow/pkg/arrange"
	"github.com/l7mp/ddflow/pkg/lattice"
	"github.com/l7mp/ddflow/pkg/trace"
	"github.com/l7mp/ddflow/pkg/util"
)

// joinOp matches the records of two arranged collections by key. Each new batch of one side is
// joined against the trace of the other side up to the frontier acknowledged on that side, so
// that every pair of batches meets exactly once.
type joinOp[K, V1, V2, K2, V3 any, T lattice.Lattice[T]] struct {
	BaseOp
	inA     *inbox[K, V1, T]
	inB     *inbox[K, V2, T]
	handleA *arrange.Handle[K, V1, T]
	handleB *arrange.Handle[K, V2, T]
	accA    lattice.Antichain[T]
	accB    lattice.Antichain[T]
	batcher *trace.Batcher[K2, V3, T]
	out     *Collection[K2, V3, T]
	limit   int
	f       func(K, V1, V2) []util.Pair[K2, V3]
}

// JoinCore joins two arranged collections by key and calls f on every matching pair of values.
// The output time of a pair is the join of the input times and its weight is the product of the
// input weights.
func JoinCore[K, V1, V2, K2, V3 any, T lattice.Lattice[T]](a *Arranged[K, V1, T], b *Arranged[K, V2, T], f func(K, V1, V2) []util.Pair[K2, V3]) *Collection[K2, V3, T] {
	s := a.scope
	name := s.newName("join")
	op := &joinOp[K, V1, V2, K2, V3, T]{
		BaseOp: newBaseOp(name, "join", OpTypeBilinear, a.name, b.name),
		limit:  s.opts.BatchesPerStep,
		f:      f,
	}
	if b.scope != s {
		s.fail(name, &Error{Operator: name, Collection: b.name, Cause: fmt.Errorf("%w: join across scopes", ErrInvalidArgument)})
	}

	var err error
	if op.inA, op.handleA, err = a.subscribe(); err != nil {
		s.fail(name, err)
	}
	if op.inB, op.handleB, err = b.subscribe(); err != nil {
		s.fail(name, err)
	}
	lower := lattice.Antichain[T]{}
	if op.inA != nil && op.inB != nil {
		op.accA, op.accB = op.inA.frontier.Clone(), op.inB.frontier.Clone()
		lower = op.accA.Meet(op.accB)
	}
	op.batcher = trace.NewBatcherFrom[K2, V3, T](lower)
	op.out = newCollection[K2, V3, T](s, name, lower)
	s.addOp(op, &op.BaseOp)
	return op.out
}

// Join joins two arranged collections by key into pairs of values.
func Join[K, V1, V2 any, T lattice.Lattice[T]](a *Arranged[K, V1, T], b *Arranged[K, V2, T]) *Collection[K, util.Pair[V1, V2], T] {
	return JoinCore(a, b, func(k K, v1 V1, v2 V2) []util.Pair[K, util.Pair[V1, V2]] {
		return []util.Pair[K, util.Pair[V1, V2]]{util.NewPair(k, util.NewPair(v1, v2))}
	})
}

// JoinMap joins two arranged collections by key and maps every match to a new record.
func JoinMap[K, V1, V2, K2, V3 any, T lattice.Lattice[T]](a *Arranged[K, V1, T], b *Arranged[K, V2, T], f func(K, V1, V2) (K2, V3)) *Collection[K2, V3, T] {
	return JoinCore(a, b, func(k K, v1 V1, v2 V2) []util.Pair[K2, V3] {
		k2, v3 := f(k, v1, v2)
		return []util.Pair[K2, V3]{util.NewPair(k2, v3)}
	})
}

// Semijoin keeps the records of a whose key is present in keys. Weights are multiplied by the
// weight of the key, so keys is expected to be a set, e.g., the output of Distinct.
func Semijoin[K, V any, T lattice.Lattice[T]](a *Arranged[K, V, T], keys *Arranged[K, util.Unit, T]) *Collection[K, V, T] {
	return JoinCore(a, keys, func(k K, v V, _ util.Unit) []util.Pair[K, V] {
		return []util.Pair[K, V]{util.NewPair(k, v)}
	})
}

func (op *joinOp[K, V1, V2, K2, V3, T]) Step() (bool, error) {
	records := 0
	for i := 0; i < op.limit; i++ {
		batch, ok := op.inA.next()
		if !ok {
			break
		}
		other, ok := op.handleB.CursorThrough(op.accB)
		if !ok {
			return false, op.cutError(op.handleB.Arrangement().Name(), op.accB)
		}
		records += joinBatch(batch.Cursor(), other, op.batcher, op.f)
		op.accA = batch.Upper().Clone()
	}
	for i := 0; i < op.limit; i++ {
		batch, ok := op.inB.next()
		if !ok {
			break
		}
		other, ok := op.handleA.CursorThrough(op.accA)
		if !ok {
			return false, op.cutError(op.handleA.Arrangement().Name(), op.accA)
		}
		records += joinBatch(batch.Cursor(), other, op.batcher, func(k K, v2 V2, v1 V1) []util.Pair[K2, V3] {
			return op.f(k, v1, v2)
		})
		op.accB = batch.Upper().Clone()
	}

	// Each trace is only ever joined with batches of the other side beyond its acknowledged
	// frontier, so it can be compacted up to there.
	if err := advanceHandle(op.handleA, op.accB, op.accA); err != nil {
		return false, newOpError(op.name, err)
	}
	if err := advanceHandle(op.handleB, op.accA, op.accB); err != nil {
		return false, newOpError(op.name, err)
	}

	if frontier := op.accA.Meet(op.accB); !frontier.Equal(op.out.stream.upper) {
		out, err := op.batcher.Seal(frontier)
		if err != nil {
			return false, newOpError(op.name, err)
		}
		if err := op.out.stream.emit(out); err != nil {
			return false, newOpError(op.name, err)
		}
		op.log.V(4).Info("emitted", "batch", out.Description().String(), "records", out.Len())
		records += out.Len()
	}
	op.metrics.Stepped(records)
	return op.inA.pending() || op.inB.pending(), nil
}

func (op *joinOp[K, V1, V2, K2, V3, T]) cutError(collection string, at lattice.Antichain[T]) error {
	return &Error{Operator: op.name, Collection: collection,
		Cause: fmt.Errorf("%w: no batch boundary at %s", ErrInvalidArgument, at)}
}

func (op *joinOp[K, V1, V2, K2, V3, T]) heldTimes() lattice.Antichain[T] {
	return op.batcher.Frontier()
}

func (op *joinOp[K, V1, V2, K2, V3, T]) Close() {
	if op.handleA != nil {
		op.handleA.Close()
	}
	if op.handleB != nil {
		op.handleB.Close()
	}
}

// joinBatch matches the keys of a new batch against a trace cursor and pushes the results into
// the batcher. Only the keys of the batch are visited in the trace.
func joinBatch[K, V, W, K2, V3 any, T lattice.Lattice[T]](batch trace.Cursor[K, V, T], other trace.Cursor[K, W, T], out *trace.Batcher[K2, V3, T], f func(K, V, W) []util.Pair[K2, V3]) int {
	n := 0
	left, right := []timedVal[V, T]{}, []timedVal[W, T]{}
	for ; batch.KeyValid(); batch.StepKey() {
		k := batch.Key()
		other.SeekKey(k)
		if !other.KeyValid() {
			break
		}
		if util.Compare(other.Key(), k) != 0 {
			continue
		}
		left, right = left[:0], right[:0]
		batch.MapUpdates(func(v V, t T, d int64) { left = append(left, timedVal[V, T]{v, t, d}) })
		other.MapUpdates(func(w W, t T, d int64) { right = append(right, timedVal[W, T]{w, t, d}) })
		for _, l := range left {
			for _, r := range right {
				t, d := l.time.Join(r.time), l.diff*r.diff
				for _, p := range f(k, l.val, r.val) {
					out.Push(trace.NewUpdate(p.First, p.Second, t, d))
					n++
				}
			}
		}
	}
	return n
}

type timedVal[V any, T lattice.Lattice[T]] struct {
	val  V
	time T
	diff int64
}
