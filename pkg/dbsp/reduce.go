package dbsp

import (
	"slices"

	"github.com/zhangyunhao116/skipmap"

	"github.com/l7mp/ddflow/pkg/arrange"
	"github.com/l7mp/ddflow/pkg/lattice"
	"github.com/l7mp/ddflow/pkg/trace"
	"github.com/l7mp/ddflow/pkg/util"
)

// reduceOp maintains, for every key, the output of a function over the values of the key. On
// every input batch it recomputes the output at the times where it may have changed and emits
// the difference to what it has emitted before.
type reduceOp[K, V, R any, T lattice.Lattice[T]] struct {
	BaseOp
	in        *inbox[K, V, T]
	inHandle  *arrange.Handle[K, V, T]
	out       *Arranged[K, R, T]
	outHandle *arrange.Handle[K, R, T]
	// pending holds, per key, times that may need recomputation once they become final.
	pending *skipmap.FuncMap[K, []T]
	f       func(K, []trace.ValDiff[V]) []trace.ValDiff[R]
	limit   int
}

// Reduce applies f to the values of every key. The function receives the consolidated values
// of the key with positive or negative weights and returns the output values; it is only
// called for keys with a non-empty input and must be deterministic. The output is arranged.
func Reduce[K, V, R any, T lattice.Lattice[T]](a *Arranged[K, V, T], f func(K, []trace.ValDiff[V]) []trace.ValDiff[R]) *Arranged[K, R, T] {
	return newReduce(a, "reduce", f)
}

// Distinct keeps one copy of every value with a positive weight.
func Distinct[K, V any, T lattice.Lattice[T]](a *Arranged[K, V, T]) *Arranged[K, V, T] {
	return newReduce(a, "distinct", func(_ K, vals []trace.ValDiff[V]) []trace.ValDiff[V] {
		out := make([]trace.ValDiff[V], 0, len(vals))
		for _, v := range vals {
			if v.Diff > 0 {
				out = append(out, trace.ValDiff[V]{Val: v.Val, Diff: 1})
			}
		}
		return out
	})
}

// Count maps every key to the total weight of its values. Keys with zero total are absent.
func Count[K, V any, T lattice.Lattice[T]](a *Arranged[K, V, T]) *Arranged[K, int64, T] {
	return newReduce(a, "count", func(_ K, vals []trace.ValDiff[V]) []trace.ValDiff[int64] {
		total := int64(0)
		for _, v := range vals {
			total += v.Diff
		}
		if total == 0 {
			return nil
		}
		return []trace.ValDiff[int64]{{Val: total, Diff: 1}}
	})
}

// Threshold replaces the weight of every value with f(weight).
func Threshold[K, V any, T lattice.Lattice[T]](a *Arranged[K, V, T], f func(int64) int64) *Arranged[K, V, T] {
	return newReduce(a, "threshold", func(_ K, vals []trace.ValDiff[V]) []trace.ValDiff[V] {
		out := make([]trace.ValDiff[V], 0, len(vals))
		for _, v := range vals {
			if w := f(v.Diff); w != 0 {
				out = append(out, trace.ValDiff[V]{Val: v.Val, Diff: w})
			}
		}
		return out
	})
}

func newReduce[K, V, R any, T lattice.Lattice[T]](a *Arranged[K, V, T], kind string, f func(K, []trace.ValDiff[V]) []trace.ValDiff[R]) *Arranged[K, R, T] {
	s := a.scope
	name := s.newName(kind)
	op := &reduceOp[K, V, R, T]{
		BaseOp:  newBaseOp(name, kind, OpTypeNonLinear, a.name),
		pending: skipmap.NewFunc[K, []T](func(x, y K) bool { return util.Compare(x, y) < 0 }),
		f:       f,
		limit:   s.opts.BatchesPerStep,
	}

	var err error
	lower := a.stream.lower.Clone()
	if op.in, op.inHandle, err = a.subscribe(); err != nil {
		s.fail(name, err)
	} else {
		lower = op.in.frontier.Clone()
	}
	spine := trace.NewSpineAt[K, R, T](s.traceOptions(name), lower)
	op.out = &Arranged[K, R, T]{
		Collection:  newCollection[K, R, T](s, name, lower),
		arrangement: arrange.Enter(spine, s.log),
	}
	if op.outHandle, err = op.out.arrangement.NewHandle(); err != nil {
		s.fail(name, err)
	}
	// The operator reads its own output through the trace only.
	if err == nil {
		if err := op.outHandle.DistinguishSince(lattice.Antichain[T]{}); err != nil {
			s.fail(name, err)
		}
	}
	s.addOp(op, &op.BaseOp)
	return op.out
}

func (op *reduceOp[K, V, R, T]) Step() (bool, error) {
	records := 0
	for i := 0; i < op.limit; i++ {
		batch, ok := op.in.next()
		if !ok {
			break
		}
		out, err := op.process(batch)
		if err != nil {
			return false, newOpError(op.name, err)
		}
		if err := op.out.arrangement.Insert(out); err != nil {
			return false, newOpError(op.name, err)
		}
		if err := op.out.stream.emit(out); err != nil {
			return false, newOpError(op.name, err)
		}
		records += out.Len()

		// Accumulations stay exact at the times the operator may still evaluate: beyond the
		// input frontier or pending.
		hold := op.in.frontier.Meet(op.heldTimes())
		if err := advanceHandle(op.inHandle, hold, op.in.frontier); err != nil {
			return false, newOpError(op.name, err)
		}
		if err := advanceHandle(op.outHandle, hold, lattice.Antichain[T]{}); err != nil {
			return false, newOpError(op.name, err)
		}
	}
	op.metrics.Stepped(records)
	return op.in.pending(), nil
}

// process computes the output changes for the interval of an input batch.
func (op *reduceOp[K, V, R, T]) process(batch *trace.Batch[K, V, T]) (*trace.Batch[K, R, T], error) {
	upper := batch.Upper()
	input, ok := op.inHandle.CursorThrough(upper)
	if !ok {
		return nil, &Error{Operator: op.name, Collection: op.inHandle.Arrangement().Name(),
			Cause: trace.ErrNonContiguous}
	}
	output := op.outHandle.Cursor()

	// Keys to visit: the keys of the batch and the keys with pending times that became final.
	keys := []K{}
	for c := batch.Cursor(); c.KeyValid(); c.StepKey() {
		keys = append(keys, c.Key())
	}
	op.pending.Range(func(k K, times []T) bool {
		if slices.ContainsFunc(times, func(t T) bool { return !upper.LessEqual(t) }) {
			keys = append(keys, k)
		}
		return true
	})
	slices.SortFunc(keys, util.Compare[K])
	keys = slices.CompactFunc(keys, util.Equal[K])

	builder := trace.NewBuilder[K, R, T](batch.Len())
	fresh := batch.Cursor()
	for _, k := range keys {
		seeds := []T{}
		if fresh.SeekKey(k); fresh.KeyValid() && util.Equal(fresh.Key(), k) {
			seeds = append(seeds, fresh.TimesForKey()...)
		}
		if times, ok := op.pending.Load(k); ok {
			seeds = append(seeds, times...)
			op.pending.Delete(k)
		}

		history := []T{}
		inputValid := seekKey(input, k)
		if inputValid {
			history = append(history, input.TimesForKey()...)
		}
		outputValid := seekKey(output, k)
		if outputValid {
			history = append(history, output.TimesForKey()...)
		}

		emitted := []timedVal[R, T]{}
		deferred := []T{}
		for _, t := range interestingTimes(seeds, history) {
			if upper.LessEqual(t) {
				deferred = append(deferred, t)
				continue
			}

			var desired []trace.ValDiff[R]
			if inputValid {
				if vals := input.ValuesAt(t); len(vals) > 0 {
					desired = op.f(k, vals)
				}
			}
			diff := make([]trace.ValDiff[R], 0, len(desired))
			diff = append(diff, desired...)
			if outputValid {
				for _, v := range output.ValuesAt(t) {
					diff = append(diff, trace.ValDiff[R]{Val: v.Val, Diff: -v.Diff})
				}
			}
			for _, e := range emitted {
				if e.time.LessEqual(t) {
					diff = append(diff, trace.ValDiff[R]{Val: e.val, Diff: -e.diff})
				}
			}
			for _, v := range trace.ConsolidateValues(diff) {
				builder.Push(trace.NewUpdate(k, v.Val, t, v.Diff))
				emitted = append(emitted, timedVal[R, T]{val: v.Val, time: t, diff: v.Diff})
			}
		}
		if len(deferred) > 0 {
			op.pending.Store(k, deferred)
		}
	}

	return builder.Done(trace.NewDescription(batch.Lower(), upper)), nil
}

func (op *reduceOp[K, V, R, T]) heldTimes() lattice.Antichain[T] {
	held := lattice.Antichain[T]{}
	op.pending.Range(func(_ K, times []T) bool {
		for _, t := range times {
			held.Insert(t)
		}
		return true
	})
	return held
}

func (op *reduceOp[K, V, R, T]) Close() {
	if op.inHandle != nil {
		op.inHandle.Close()
	}
	if op.outHandle != nil {
		op.outHandle.Close()
	}
	op.out.arrangement.CloseWriter()
}

// seekKey positions a cursor at k and reports whether k is present. Cursors only move forward,
// so keys must be visited in ascending order.
func seekKey[K, V any, T lattice.Lattice[T]](c trace.Cursor[K, V, T], k K) bool {
	c.SeekKey(k)
	return c.KeyValid() && util.Equal(c.Key(), k)
}

// interestingTimes returns the times at which the accumulation of a key may change: the seed
// times and their joins with each other and with the history times, in Compare order.
func interestingTimes[T lattice.Lattice[T]](seeds, history []T) []T {
	set := map[T]struct{}{}
	frontier := []T{}
	for _, s := range seeds {
		if _, ok := set[s]; !ok {
			set[s] = struct{}{}
			frontier = append(frontier, s)
		}
	}
	others := slices.Clone(history)
	others = append(others, seeds...)
	for len(frontier) > 0 {
		next := []T{}
		for _, s := range frontier {
			for _, h := range others {
				j := s.Join(h)
				if _, ok := set[j]; !ok {
					set[j] = struct{}{}
					next = append(next, j)
				}
			}
		}
		others = append(others, next...)
		frontier = next
	}

	result := make([]T, 0, len(set))
	for t := range set {
		result = append(result, t)
	}
	slices.SortFunc(result, func(x, y T) int { return x.Compare(y) })
	return result
}
