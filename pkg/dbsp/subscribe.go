package dbsp

import (
	"fmt"

	"github.com/l7mp/ddflow/pkg/lattice"
	"github.com/l7mp/ddflow/pkg/trace"
)

// Subscription collects the output of a collection.
type Subscription[K, V any, T lattice.Lattice[T]] struct {
	BaseOp
	in      *inbox[K, V, T]
	updates []trace.Update[K, V, T]
	fresh   []trace.Update[K, V, T]
}

// Subscribe collects the batches a collection produces from now on.
func Subscribe[K, V any, T lattice.Lattice[T]](c *Collection[K, V, T]) *Subscription[K, V, T] {
	return newSubscription(c, c.stream.subscribe())
}

// SubscribeArranged collects the whole history of an arranged collection, including the batches
// produced before the subscription.
func SubscribeArranged[K, V any, T lattice.Lattice[T]](a *Arranged[K, V, T]) *Subscription[K, V, T] {
	in, handle, err := a.subscribe()
	if err != nil {
		a.scope.fail(a.name, err)
		in = a.stream.subscribe()
	} else {
		handle.Close()
	}
	return newSubscription(a.Collection, in)
}

func newSubscription[K, V any, T lattice.Lattice[T]](c *Collection[K, V, T], in *inbox[K, V, T]) *Subscription[K, V, T] {
	s := c.scope
	sub := &Subscription[K, V, T]{
		BaseOp: newBaseOp(s.newName("subscribe"), "subscribe", OpTypeStructural, c.name),
		in:     in,
	}
	s.addOp(sub, &sub.BaseOp)
	return sub
}

func (sub *Subscription[K, V, T]) Step() (bool, error) {
	records := 0
	for b, ok := sub.in.next(); ok; b, ok = sub.in.next() {
		sub.updates = append(sub.updates, b.Updates()...)
		sub.fresh = append(sub.fresh, b.Updates()...)
		records += b.Len()
	}
	if records > 0 {
		sub.updates = trace.Consolidate(sub.updates)
		sub.log.V(4).Info("received", "records", records, "frontier", sub.in.frontier.String())
	}
	sub.metrics.Stepped(records)
	return false, nil
}

// Frontier returns the upper bound of the batches received.
func (sub *Subscription[K, V, T]) Frontier() lattice.Antichain[T] { return sub.in.frontier.Clone() }

// Updates returns every update received, consolidated.
func (sub *Subscription[K, V, T]) Updates() []trace.Update[K, V, T] {
	return append([]trace.Update[K, V, T]{}, sub.updates...)
}

// Drain returns the updates received since the previous call to Drain, consolidated. Updates
// that cancel out across calls are not reported again.
func (sub *Subscription[K, V, T]) Drain() []trace.Update[K, V, T] {
	result := trace.Consolidate(sub.fresh)
	sub.fresh = nil
	return result
}

// Materialize returns the contents of the collection accumulated at time t. The time must be
// closed, i.e., not in advance of the frontier of the subscription.
func (sub *Subscription[K, V, T]) Materialize(t T) (*ZSet[K, V], error) {
	if sub.in.frontier.LessEqual(t) {
		return nil, fmt.Errorf("%w: time %v not closed at frontier %s", ErrInvalidArgument, t, sub.in.frontier)
	}
	result := NewZSet[K, V]()
	for _, u := range sub.updates {
		if u.Time.LessEqual(t) {
			if err := result.Insert(u.Key, u.Val, u.Diff); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// ProbeHandle tracks the progress of a collection.
type ProbeHandle[K, V any, T lattice.Lattice[T]] struct {
	BaseOp
	in *inbox[K, V, T]
}

// Probe attaches a progress probe to a collection.
func Probe[K, V any, T lattice.Lattice[T]](c *Collection[K, V, T]) *ProbeHandle[K, V, T] {
	s := c.scope
	p := &ProbeHandle[K, V, T]{
		BaseOp: newBaseOp(s.newName("probe"), "probe", OpTypeStructural, c.name),
		in:     c.stream.subscribe(),
	}
	s.addOp(p, &p.BaseOp)
	return p
}

func (p *ProbeHandle[K, V, T]) Step() (bool, error) {
	for _, ok := p.in.next(); ok; _, ok = p.in.next() {
	}
	return false, nil
}

// Frontier returns the frontier of the collection: no more changes will be produced at times
// not in advance of it.
func (p *ProbeHandle[K, V, T]) Frontier() lattice.Antichain[T] { return p.in.frontier.Clone() }

// IsClosed reports whether the output at time t is final.
func (p *ProbeHandle[K, V, T]) IsClosed(t T) bool { return !p.in.frontier.LessEqual(t) }

// Done reports whether the collection is complete.
func (p *ProbeHandle[K, V, T]) Done() bool { return p.in.frontier.IsEmpty() }
