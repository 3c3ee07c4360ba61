package dbsp

import (
	"fmt"

	"github.com/l7mp/ddflow/pkg/lattice"
	"github.com/l7mp/ddflow/pkg/trace"
)

// loopFeeder moves the batches of an outer collection into the child scope, one epoch at a time.
type loopFeeder[T lattice.Lattice[T]] interface {
	pull()
	frontier() lattice.Antichain[T]
	held() lattice.Antichain[T]
	openEpoch(upper lattice.Antichain[T]) error
	feed(desc trace.Description[lattice.Product[T, lattice.Epoch]], first bool) error
}

// loopContext connects a child scope to the iteration that runs it.
type loopContext[T lattice.Lattice[T]] struct {
	name    string
	outer   *Scope[T]
	lower   lattice.Antichain[T]
	feeders []loopFeeder[T]
}

// feeder buffers the updates of an outer collection and enters them into the child scope at
// round 0 of the epoch they belong to.
type feeder[K, V any, T lattice.Lattice[T]] struct {
	in      *inbox[K, V, T]
	batcher *trace.Batcher[K, V, T]
	epoch   *trace.Batch[K, V, T]
	out     *Collection[K, V, lattice.Product[T, lattice.Epoch]]
}

func newFeeder[K, V any, T lattice.Lattice[T]](c *Collection[K, V, T], child *Scope[lattice.Product[T, lattice.Epoch]], name string) *feeder[K, V, T] {
	in := c.stream.subscribe()
	return &feeder[K, V, T]{
		in:      in,
		batcher: trace.NewBatcherFrom[K, V, T](in.frontier),
		out:     newCollection[K, V, lattice.Product[T, lattice.Epoch]](child, name, enterFrontier(in.frontier)),
	}
}

func (f *feeder[K, V, T]) pull() {
	for b, ok := f.in.next(); ok; b, ok = f.in.next() {
		f.batcher.PushAll(b.Updates())
	}
}

func (f *feeder[K, V, T]) frontier() lattice.Antichain[T] { return f.in.frontier }

func (f *feeder[K, V, T]) held() lattice.Antichain[T] { return f.batcher.Frontier() }

func (f *feeder[K, V, T]) openEpoch(upper lattice.Antichain[T]) error {
	epoch, err := f.batcher.Seal(upper)
	if err != nil {
		return err
	}
	f.epoch = epoch
	return nil
}

// enter maps the updates of the current epoch to round 0.
func (f *feeder[K, V, T]) enter(desc trace.Description[lattice.Product[T, lattice.Epoch]]) *trace.Batch[K, V, lattice.Product[T, lattice.Epoch]] {
	builder := trace.NewBuilder[K, V, lattice.Product[T, lattice.Epoch]](f.epoch.Len())
	for _, u := range f.epoch.Updates() {
		builder.Push(trace.NewUpdate(u.Key, u.Val, lattice.NewProduct(u.Time, lattice.Epoch(0)), u.Diff))
	}
	return builder.Done(desc)
}

func (f *feeder[K, V, T]) feed(desc trace.Description[lattice.Product[T, lattice.Epoch]], first bool) error {
	if first {
		return f.out.stream.emit(f.enter(desc))
	}
	return f.out.stream.emit(trace.EmptyBatch[K, V, lattice.Product[T, lattice.Epoch]](desc))
}

// enterFrontier maps an outer frontier to the start of an iteration.
func enterFrontier[T lattice.Lattice[T]](f lattice.Antichain[T]) lattice.Antichain[lattice.Product[T, lattice.Epoch]] {
	result := lattice.Antichain[lattice.Product[T, lattice.Epoch]]{}
	for _, t := range f.Elements() {
		result.Insert(lattice.NewProduct(t, lattice.Epoch(0)))
	}
	return result
}

// roundFrontier returns the lower bound of a round of the epoch [lower, upper).
func roundFrontier[T lattice.Lattice[T]](lower, upper lattice.Antichain[T], round int) lattice.Antichain[lattice.Product[T, lattice.Epoch]] {
	result := enterFrontier(upper)
	for _, t := range lower.Elements() {
		result.Insert(lattice.NewProduct(t, lattice.Epoch(round)))
	}
	return result
}

// iterateOp runs a loop body in a child scope until the changes of every outer batch reach a
// fixed point. Outer batches are processed one epoch at a time: an epoch [L, U) is entered at
// round 0, each round runs the child scope to quiescence, and the output of the body is fed
// back into the variable one round later. Once the variable stops changing the accumulated
// output is emitted as the outer batch [L, U).
type iterateOp[K, V any, T lattice.Lattice[T]] struct {
	BaseOp
	loop    *loopContext[T]
	child   *Scope[lattice.Product[T, lattice.Epoch]]
	main    *feeder[K, V, T]
	result  *inbox[K, V, lattice.Product[T, lattice.Epoch]]
	leave   *trace.Batcher[K, V, T]
	out     *Collection[K, V, T]
	lower   lattice.Antichain[T]
	upper   lattice.Antichain[T]
	running bool
	round   int
	next    *trace.Batch[K, V, lattice.Product[T, lattice.Epoch]]
}

// Iterate repeatedly applies body to a collection until it stops changing and returns the
// result. The body runs in a child scope whose time is the outer time extended with the round
// number; other outer collections can be brought into the body with Enter.
func Iterate[K, V any, T lattice.Lattice[T]](c *Collection[K, V, T], body func(child *Scope[lattice.Product[T, lattice.Epoch]], v *Collection[K, V, lattice.Product[T, lattice.Epoch]]) *Collection[K, V, lattice.Product[T, lattice.Epoch]]) *Collection[K, V, T] {
	s := c.scope
	name := s.newName("iterate")

	childOpts := s.opts
	childOpts.Name = s.opts.Name + "/" + name
	lower := c.stream.upper.Clone()
	child := newScopeAt[lattice.Product[T, lattice.Epoch]](childOpts, enterFrontier(lower))
	loop := &loopContext[T]{name: name, outer: s, lower: lower}
	child.loop = loop

	op := &iterateOp[K, V, T]{
		BaseOp: newBaseOp(name, "iterate", OpTypeStructural, c.name),
		loop:   loop,
		child:  child,
		main:   newFeeder(c, child, name+"/var"),
		leave:  trace.NewBatcherFrom[K, V, T](lower),
		out:    newCollection[K, V, T](s, name, lower),
		lower:  lower,
	}

	result := body(child, op.main.out)
	switch {
	case child.err != nil:
		s.fail(name, child.err)
	case result == nil || result.scope != child:
		s.fail(name, fmt.Errorf("%w: iteration body must return a collection of its own scope", ErrInvalidArgument))
	default:
		op.result = result.stream.subscribe()
	}
	s.addOp(op, &op.BaseOp)
	return op.out
}

// Enter brings an outer collection into the body of an iteration. The collection is constant
// across the rounds of an epoch.
func Enter[K, V any, T lattice.Lattice[T]](child *Scope[lattice.Product[T, lattice.Epoch]], c *Collection[K, V, T]) *Collection[K, V, lattice.Product[T, lattice.Epoch]] {
	name := child.newName("enter")
	loop, ok := child.loop.(*loopContext[T])
	switch {
	case !ok:
		child.fail(name, fmt.Errorf("%w: %q is not an iteration scope", ErrInvalidArgument, child.Name()))
	case c.scope != loop.outer:
		child.fail(name, &Error{Operator: name, Collection: c.name,
			Cause: fmt.Errorf("%w: collection not in the parent scope", ErrInvalidArgument)})
	case !c.stream.upper.Equal(loop.lower):
		child.fail(name, &Error{Operator: name, Collection: c.name,
			Cause: fmt.Errorf("%w: collection at %s entered into iteration at %s", ErrInvalidArgument,
				c.stream.upper, loop.lower)})
	default:
		f := newFeeder(c, child, name)
		loop.feeders = append(loop.feeders, f)
		return f.out
	}
	return newCollection[K, V, lattice.Product[T, lattice.Epoch]](child, name, lattice.Antichain[lattice.Product[T, lattice.Epoch]]{})
}

// Body returns the operators of the loop body.
func (op *iterateOp[K, V, T]) Body() []Operator { return op.child.ops }

// Child returns the scope of the loop body.
func (op *iterateOp[K, V, T]) Child() *Scope[lattice.Product[T, lattice.Epoch]] { return op.child }

func (op *iterateOp[K, V, T]) feeders() []loopFeeder[T] {
	return append([]loopFeeder[T]{op.main}, op.loop.feeders...)
}

func (op *iterateOp[K, V, T]) Step() (bool, error) {
	for _, f := range op.feeders() {
		f.pull()
	}

	limit := op.child.opts.RoundsPerStep
	for rounds := 0; ; rounds++ {
		if !op.running {
			upper := lattice.Antichain[T]{}
			for _, f := range op.feeders() {
				upper = upper.Meet(f.frontier())
			}
			if upper.Equal(op.lower) {
				return false, nil
			}
			if err := op.openEpoch(upper); err != nil {
				return false, newOpError(op.name, err)
			}
		}
		if rounds == limit {
			return true, nil
		}
		done, err := op.runRound()
		if err != nil {
			return false, newOpError(op.name, err)
		}
		if done {
			if err := op.closeEpoch(); err != nil {
				return false, newOpError(op.name, err)
			}
		}
	}
}

func (op *iterateOp[K, V, T]) openEpoch(upper lattice.Antichain[T]) error {
	for _, f := range op.feeders() {
		if err := f.openEpoch(upper); err != nil {
			return err
		}
	}
	op.upper = upper
	op.running, op.round = true, 0
	op.next = op.main.enter(op.roundDescription(0))
	op.log.V(2).Info("epoch opened", "lower", op.lower.String(), "upper", upper.String())
	return nil
}

func (op *iterateOp[K, V, T]) roundDescription(round int) trace.Description[lattice.Product[T, lattice.Epoch]] {
	return trace.NewDescription(roundFrontier(op.lower, op.upper, round),
		roundFrontier(op.lower, op.upper, round+1))
}

// runRound feeds the variable and the entered collections for the current round, runs the body
// and computes the variable changes of the next round. Reports whether the epoch reached a
// fixed point.
func (op *iterateOp[K, V, T]) runRound() (bool, error) {
	r := op.round
	desc := op.roundDescription(r)
	if err := op.main.out.stream.emit(op.next); err != nil {
		return false, err
	}
	for _, f := range op.loop.feeders {
		if err := f.feed(desc, r == 0); err != nil {
			return false, err
		}
	}
	if err := op.child.runToQuiescence(); err != nil {
		return false, err
	}
	results, err := op.drain(desc.Upper)
	if err != nil {
		return false, err
	}
	op.metrics.Round()

	// The variable at round r+1 accumulates to the result at round r.
	builder := trace.NewBuilder[K, V, lattice.Product[T, lattice.Epoch]](len(results))
	for _, u := range results {
		u.Time.Inner++
		builder.Push(u)
	}
	if r == 0 {
		for _, u := range op.main.epoch.Updates() {
			builder.Push(trace.NewUpdate(u.Key, u.Val, lattice.NewProduct(u.Time, lattice.Epoch(1)), -u.Diff))
		}
	}
	op.next = builder.Done(op.roundDescription(r + 1))
	op.round++
	op.log.V(4).Info("round done", "round", r, "results", len(results), "next", op.next.Len())

	if op.next.IsEmpty() && !op.childBusy() {
		return true, nil
	}
	if op.round >= op.child.opts.MaxRounds {
		return false, &Error{Operator: op.name, Cause: fmt.Errorf("%w after %d rounds at %s", ErrDidNotConverge,
			op.round, op.lower)}
	}
	return false, nil
}

// childBusy reports whether some body operator holds work for the current epoch.
func (op *iterateOp[K, V, T]) childBusy() bool {
	for _, h := range op.child.holds().Elements() {
		if !op.upper.LessEqual(h.Outer) {
			return true
		}
	}
	return false
}

// closeEpoch advances the child scope past the epoch and emits the accumulated output.
func (op *iterateOp[K, V, T]) closeEpoch() error {
	desc := trace.NewDescription(roundFrontier(op.lower, op.upper, op.round), enterFrontier(op.upper))
	if err := op.main.out.stream.emit(trace.EmptyBatch[K, V, lattice.Product[T, lattice.Epoch]](desc)); err != nil {
		return err
	}
	for _, f := range op.loop.feeders {
		if err := f.feed(desc, false); err != nil {
			return err
		}
	}
	if err := op.child.runToQuiescence(); err != nil {
		return err
	}
	if _, err := op.drain(desc.Upper); err != nil {
		return err
	}

	out, err := op.leave.Seal(op.upper)
	if err != nil {
		return err
	}
	if err := op.out.stream.emit(out); err != nil {
		return err
	}
	op.metrics.Stepped(out.Len())
	op.log.V(2).Info("epoch closed", "lower", op.lower.String(), "upper", op.upper.String(),
		"rounds", op.round, "records", out.Len())
	op.lower, op.running, op.next = op.upper, false, nil
	return nil
}

// drain takes the body output of a round and adds it to the output of the epoch.
func (op *iterateOp[K, V, T]) drain(upper lattice.Antichain[lattice.Product[T, lattice.Epoch]]) ([]trace.Update[K, V, lattice.Product[T, lattice.Epoch]], error) {
	results := []trace.Update[K, V, lattice.Product[T, lattice.Epoch]]{}
	for b, ok := op.result.next(); ok; b, ok = op.result.next() {
		for _, u := range b.Updates() {
			results = append(results, u)
			op.leave.Push(trace.NewUpdate(u.Key, u.Val, u.Time.Outer, u.Diff))
		}
	}
	if !op.result.frontier.Equal(upper) {
		return nil, fmt.Errorf("%w: body output at %s, expected %s", trace.ErrNonContiguous,
			op.result.frontier, upper)
	}
	return results, nil
}

func (op *iterateOp[K, V, T]) heldTimes() lattice.Antichain[T] {
	held := lattice.Antichain[T]{}
	for _, f := range op.feeders() {
		held = held.Meet(f.held())
	}
	if op.running {
		held = held.Meet(op.lower)
	}
	return held
}

func (op *iterateOp[K, V, T]) Close() { op.child.Close() }
