package dbsp

import (
	"github.com/l7mp/ddflow/pkg/lattice"
	"github.com/l7mp/ddflow/pkg/trace"
	"github.com/l7mp/ddflow/pkg/util"
)

// unaryOp applies a batch transformation to every batch of its input. The output batch covers
// the same interval as the input batch.
type unaryOp[K, V, K2, V2 any, T lattice.Lattice[T]] struct {
	BaseOp
	in    *inbox[K, V, T]
	out   *Collection[K2, V2, T]
	limit int
	apply func(b *trace.Batch[K, V, T]) *trace.Batch[K2, V2, T]
}

func newUnaryOp[K, V, K2, V2 any, T lattice.Lattice[T]](c *Collection[K, V, T], kind string, opType OperatorType,
	apply func(b *trace.Batch[K, V, T]) *trace.Batch[K2, V2, T]) *unaryOp[K, V, K2, V2, T] {
	s := c.scope
	in := c.stream.subscribe()
	name := s.newName(kind)
	op := &unaryOp[K, V, K2, V2, T]{
		BaseOp: newBaseOp(name, kind, opType, c.name),
		in:     in,
		out:    newCollection[K2, V2, T](s, name, in.frontier),
		limit:  s.opts.BatchesPerStep,
		apply:  apply,
	}
	s.addOp(op, &op.BaseOp)
	return op
}

func (op *unaryOp[K, V, K2, V2, T]) Step() (bool, error) {
	records := 0
	for i := 0; i < op.limit; i++ {
		b, ok := op.in.next()
		if !ok {
			break
		}
		result := op.apply(b)
		if err := op.out.stream.emit(result); err != nil {
			return false, newOpError(op.name, err)
		}
		records += result.Len()
	}
	op.metrics.Stepped(records)
	return op.in.pending(), nil
}

// mapBatch rebuilds a batch through f, which pushes zero or more output updates per input
// update.
func mapBatch[K, V, K2, V2 any, T lattice.Lattice[T]](b *trace.Batch[K, V, T], f func(u trace.Update[K, V, T], push func(K2, V2))) *trace.Batch[K2, V2, T] {
	builder := trace.NewBuilder[K2, V2, T](b.Len())
	for _, u := range b.Updates() {
		f(u, func(k K2, v V2) { builder.Push(trace.NewUpdate(k, v, u.Time, u.Diff)) })
	}
	return builder.Done(b.Description())
}

// Map transforms every record of a collection.
func Map[K, V, K2, V2 any, T lattice.Lattice[T]](c *Collection[K, V, T], f func(K, V) (K2, V2)) *Collection[K2, V2, T] {
	return newUnaryOp(c, "map", OpTypeLinear, func(b *trace.Batch[K, V, T]) *trace.Batch[K2, V2, T] {
		return mapBatch(b, func(u trace.Update[K, V, T], push func(K2, V2)) { push(f(u.Key, u.Val)) })
	}).out
}

// Filter keeps the records that satisfy the predicate.
func Filter[K, V any, T lattice.Lattice[T]](c *Collection[K, V, T], pred func(K, V) bool) *Collection[K, V, T] {
	return newUnaryOp(c, "filter", OpTypeLinear, func(b *trace.Batch[K, V, T]) *trace.Batch[K, V, T] {
		return mapBatch(b, func(u trace.Update[K, V, T], push func(K, V)) {
			if pred(u.Key, u.Val) {
				push(u.Key, u.Val)
			}
		})
	}).out
}

// FlatMap replaces every record with the records returned by f.
func FlatMap[K, V, K2, V2 any, T lattice.Lattice[T]](c *Collection[K, V, T], f func(K, V) []util.Pair[K2, V2]) *Collection[K2, V2, T] {
	return newUnaryOp(c, "flatmap", OpTypeLinear, func(b *trace.Batch[K, V, T]) *trace.Batch[K2, V2, T] {
		return mapBatch(b, func(u trace.Update[K, V, T], push func(K2, V2)) {
			for _, p := range f(u.Key, u.Val) {
				push(p.First, p.Second)
			}
		})
	}).out
}

// Negate flips the sign of every diff.
func Negate[K, V any, T lattice.Lattice[T]](c *Collection[K, V, T]) *Collection[K, V, T] {
	return newUnaryOp(c, "negate", OpTypeLinear, func(b *trace.Batch[K, V, T]) *trace.Batch[K, V, T] {
		builder := trace.NewBuilder[K, V, T](b.Len())
		for _, u := range b.Updates() {
			u.Diff = -u.Diff
			builder.Push(u)
		}
		return builder.Done(b.Description())
	}).out
}

// Inspect calls f on every update passing through, e.g., for logging.
func Inspect[K, V any, T lattice.Lattice[T]](c *Collection[K, V, T], f func(trace.Update[K, V, T])) *Collection[K, V, T] {
	return newUnaryOp(c, "inspect", OpTypeLinear, func(b *trace.Batch[K, V, T]) *trace.Batch[K, V, T] {
		for _, u := range b.Updates() {
			f(u)
		}
		return b
	}).out
}

// concatOp sums its inputs. Batches of different inputs need not line up: updates are buffered
// and released up to the meet of the input frontiers.
type concatOp[K, V any, T lattice.Lattice[T]] struct {
	BaseOp
	ins     []*inbox[K, V, T]
	out     *Collection[K, V, T]
	batcher *trace.Batcher[K, V, T]
	limit   int
}

// Concat sums collections of the same scope.
func Concat[K, V any, T lattice.Lattice[T]](first *Collection[K, V, T], rest ...*Collection[K, V, T]) *Collection[K, V, T] {
	cs := append([]*Collection[K, V, T]{first}, rest...)
	s := first.scope
	name := s.newName("concat")
	op := &concatOp[K, V, T]{
		BaseOp: newBaseOp(name, "concat", OpTypeLinear),
		limit:  s.opts.BatchesPerStep,
	}
	lower := lattice.Antichain[T]{}
	for _, c := range cs {
		if c.scope != s {
			s.fail(name, &Error{Operator: name, Collection: c.name, Cause: ErrInvalidArgument})
		}
		in := c.stream.subscribe()
		op.ins = append(op.ins, in)
		op.inputs = append(op.inputs, c.name)
		lower = lower.Meet(in.frontier)
	}
	op.out = newCollection[K, V, T](s, name, lower)
	op.batcher = trace.NewBatcherFrom[K, V, T](lower)
	s.addOp(op, &op.BaseOp)
	return op.out
}

func (op *concatOp[K, V, T]) Step() (bool, error) {
	more := false
	frontier := lattice.Antichain[T]{}
	for _, in := range op.ins {
		for i := 0; i < op.limit; i++ {
			b, ok := in.next()
			if !ok {
				break
			}
			op.batcher.PushAll(b.Updates())
		}
		more = more || in.pending()
		frontier = frontier.Meet(in.frontier)
	}

	if frontier.Equal(op.out.stream.upper) {
		return more, nil
	}
	batch, err := op.batcher.Seal(frontier)
	if err != nil {
		return false, newOpError(op.name, err)
	}
	if err := op.out.stream.emit(batch); err != nil {
		return false, newOpError(op.name, err)
	}
	op.metrics.Stepped(batch.Len())
	return more, nil
}

func (op *concatOp[K, V, T]) heldTimes() lattice.Antichain[T] { return op.batcher.Frontier() }
