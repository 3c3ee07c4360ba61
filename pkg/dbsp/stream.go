package dbsp

import (
	"fmt"

	"github.com/l7mp/ddflow/pkg/arrange"
	"github.com/l7mp/ddflow/pkg/lattice"
	"github.com/l7mp/ddflow/pkg/trace"
)

// stream is the output channel of an operator: a contiguous sequence of batches starting at
// lower, fanned out to the inboxes of the consumers.
type stream[K, V any, T lattice.Lattice[T]] struct {
	lower   lattice.Antichain[T]
	upper   lattice.Antichain[T]
	inboxes []*inbox[K, V, T]
}

func newStream[K, V any, T lattice.Lattice[T]](lower lattice.Antichain[T]) *stream[K, V, T] {
	return &stream[K, V, T]{lower: lower.Clone(), upper: lower.Clone()}
}

// emit sends a batch to all consumers. Batches must be contiguous.
func (s *stream[K, V, T]) emit(b *trace.Batch[K, V, T]) error {
	if !b.Lower().Equal(s.upper) {
		return fmt.Errorf("%w: batch %s emitted on stream at %s", trace.ErrNonContiguous,
			b.Description(), s.upper)
	}
	s.upper = b.Upper().Clone()
	for _, in := range s.inboxes {
		in.queue = append(in.queue, b)
	}
	return nil
}

// subscribe creates an inbox that receives the batches emitted from now on.
func (s *stream[K, V, T]) subscribe() *inbox[K, V, T] {
	in := &inbox[K, V, T]{frontier: s.upper.Clone()}
	s.inboxes = append(s.inboxes, in)
	return in
}

// inbox queues the batches of a stream for one consumer.
type inbox[K, V any, T lattice.Lattice[T]] struct {
	queue []*trace.Batch[K, V, T]
	// frontier is the upper bound of the last batch taken.
	frontier lattice.Antichain[T]
}

func (in *inbox[K, V, T]) pending() bool { return len(in.queue) > 0 }

// next takes the oldest batch.
func (in *inbox[K, V, T]) next() (*trace.Batch[K, V, T], bool) {
	if len(in.queue) == 0 {
		return nil, false
	}
	b := in.queue[0]
	in.queue[0] = nil
	in.queue = in.queue[1:]
	in.frontier = b.Upper().Clone()
	return b, true
}

// Collection is a stream of batches produced by an operator.
type Collection[K, V any, T lattice.Lattice[T]] struct {
	scope  *Scope[T]
	name   string
	stream *stream[K, V, T]
}

func newCollection[K, V any, T lattice.Lattice[T]](scope *Scope[T], name string, lower lattice.Antichain[T]) *Collection[K, V, T] {
	c := &Collection[K, V, T]{scope: scope, name: name, stream: newStream[K, V, T](lower)}
	scope.frontiers[name] = func() lattice.Antichain[T] { return c.stream.upper.Clone() }
	return c
}

// Name returns the name of the collection.
func (c *Collection[K, V, T]) Name() string { return c.name }

// Scope returns the scope the collection lives in.
func (c *Collection[K, V, T]) Scope() *Scope[T] { return c.scope }

// Frontier returns the upper bound of the batches produced so far.
func (c *Collection[K, V, T]) Frontier() lattice.Antichain[T] { return c.stream.upper.Clone() }

// Arranged is a collection whose batches are also indexed in a shared trace.
type Arranged[K, V any, T lattice.Lattice[T]] struct {
	*Collection[K, V, T]
	arrangement *arrange.Arrangement[K, V, T]
}

// Arrangement returns the shared trace of the collection.
func (a *Arranged[K, V, T]) Arrangement() *arrange.Arrangement[K, V, T] { return a.arrangement }

// subscribe returns an inbox and a trace handle for a new consumer. A consumer attached after
// batches were produced receives the history of the trace first.
func (a *Arranged[K, V, T]) subscribe() (*inbox[K, V, T], *arrange.Handle[K, V, T], error) {
	handle, err := a.arrangement.NewHandle()
	if err != nil {
		return nil, nil, err
	}
	in := a.stream.subscribe()
	if !a.stream.upper.Equal(a.stream.lower) {
		history := []*trace.Batch[K, V, T]{}
		handle.MapBatches(func(b *trace.Batch[K, V, T]) { history = append(history, b) })
		in.queue = append(history, in.queue...)
		in.frontier = a.stream.lower.Clone()
	}
	return in, handle, nil
}
