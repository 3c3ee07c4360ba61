package dbsp

import (
	"github.com/l7mp/ddflow/pkg/arrange"
	"github.com/l7mp/ddflow/pkg/lattice"
	"github.com/l7mp/ddflow/pkg/trace"
)

// arrangeOp indexes the batches of a collection in a trace and forwards them.
type arrangeOp[K, V any, T lattice.Lattice[T]] struct {
	BaseOp
	in    *inbox[K, V, T]
	out   *Arranged[K, V, T]
	limit int
}

// Arrange indexes a collection by key in a shared trace. Any number of operators may consume
// the result; they all read the same trace.
func Arrange[K, V any, T lattice.Lattice[T]](c *Collection[K, V, T]) *Arranged[K, V, T] {
	s := c.scope
	in := c.stream.subscribe()
	name := s.newName("arrange")
	spine := trace.NewSpineAt[K, V, T](s.traceOptions(name), in.frontier)
	op := &arrangeOp[K, V, T]{
		BaseOp: newBaseOp(name, "arrange", OpTypeStructural, c.name),
		in:     in,
		out: &Arranged[K, V, T]{
			Collection:  newCollection[K, V, T](s, name, in.frontier),
			arrangement: arrange.Enter(spine, s.log),
		},
		limit: s.opts.BatchesPerStep,
	}
	s.addOp(op, &op.BaseOp)
	return op.out
}

func (op *arrangeOp[K, V, T]) Step() (bool, error) {
	records := 0
	for i := 0; i < op.limit; i++ {
		b, ok := op.in.next()
		if !ok {
			break
		}
		if err := op.out.arrangement.Insert(b); err != nil {
			return false, newOpError(op.name, err)
		}
		if err := op.out.stream.emit(b); err != nil {
			return false, newOpError(op.name, err)
		}
		records += b.Len()
	}
	op.metrics.Stepped(records)
	return op.in.pending(), nil
}

func (op *arrangeOp[K, V, T]) Close() { op.out.arrangement.CloseWriter() }

// advanceHandle moves the holds of a handle to the given frontiers where that is a forward move.
func advanceHandle[K, V any, T lattice.Lattice[T]](h *arrange.Handle[K, V, T], advance, through lattice.Antichain[T]) error {
	if h.AdvanceFrontier().Dominates(advance) {
		if err := h.AdvanceBy(advance); err != nil {
			return err
		}
	}
	if h.ThroughFrontier().Dominates(through) {
		if err := h.DistinguishSince(through); err != nil {
			return err
		}
	}
	return nil
}
