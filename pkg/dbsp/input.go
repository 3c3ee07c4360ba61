package dbsp

import (
	"fmt"

	"github.com/l7mp/ddflow/pkg/lattice"
	"github.com/l7mp/ddflow/pkg/trace"
)

// InputSession feeds updates into a scope. Updates are buffered at the current time of the
// session and released as a batch when the session advances. The frontier of the input is the
// current time: no more updates can arrive at earlier times.
type InputSession[K, V any, T lattice.Lattice[T]] struct {
	BaseOp
	scope      *Scope[T]
	out        *Collection[K, V, T]
	batcher    *trace.Batcher[K, V, T]
	time       T
	frontier   *lattice.Frontier[T]
	closed     bool
	sentBatch  bool
	sentRecord int
}

// NewInput creates a named input in the scope.
func NewInput[K, V any, T lattice.Lattice[T]](scope *Scope[T], name string) *InputSession[K, V, T] {
	if _, ok := scope.frontiers[name]; ok {
		scope.fail(name, fmt.Errorf("%w: duplicate collection name %q", ErrInvalidArgument, name))
	}
	in := &InputSession[K, V, T]{
		BaseOp:   newBaseOp(name, "input", OpTypeStructural),
		scope:    scope,
		out:      newCollection[K, V, T](scope, name, scope.lower),
		batcher:  trace.NewBatcherFrom[K, V, T](scope.lower),
		frontier: lattice.NewFrontierAt(scope.lower),
	}
	if elems := scope.lower.Elements(); len(elems) == 1 {
		in.time = elems[0]
	}
	scope.addOp(in, &in.BaseOp)
	return in
}

// Collection returns the collection of the input.
func (in *InputSession[K, V, T]) Collection() *Collection[K, V, T] { return in.out }

// Time returns the current time of the session.
func (in *InputSession[K, V, T]) Time() T { return in.time }

// Frontier returns the frontier of the input.
func (in *InputSession[K, V, T]) Frontier() lattice.Antichain[T] { return in.frontier.Antichain() }

// Insert adds a record at the current time.
func (in *InputSession[K, V, T]) Insert(k K, v V) error { return in.Update(k, v, 1) }

// Remove deletes a record at the current time.
func (in *InputSession[K, V, T]) Remove(k K, v V) error { return in.Update(k, v, -1) }

// Update changes the multiplicity of a record at the current time.
func (in *InputSession[K, V, T]) Update(k K, v V, diff int64) error {
	return in.UpdateAt(k, v, in.time, diff)
}

// UpdateAt changes the multiplicity of a record at a time not before the current time.
func (in *InputSession[K, V, T]) UpdateAt(k K, v V, t T, diff int64) error {
	if in.closed {
		return fmt.Errorf("input %q: %w", in.name, ErrClosed)
	}
	if in.frontier.IsClosed(t) {
		return &Error{Operator: in.name, Collection: in.name,
			Cause: fmt.Errorf("%w: update at %v behind input frontier %s", lattice.ErrFrontierRegressed, t, in.frontier)}
	}
	in.batcher.Push(trace.NewUpdate(k, v, t, diff))
	return nil
}

// AdvanceTo moves the current time forward and releases the updates before it.
func (in *InputSession[K, V, T]) AdvanceTo(t T) error {
	return in.advance(lattice.NewAntichain(t), t)
}

// Flush releases the buffered updates that are final. A no-op unless the frontier moved.
func (in *InputSession[K, V, T]) Flush() error {
	if in.closed {
		return nil
	}
	return in.seal(in.frontier.Antichain())
}

// Close releases all buffered updates and closes the input: its frontier becomes empty.
func (in *InputSession[K, V, T]) Close() {
	if in.closed {
		return
	}
	if err := in.advance(lattice.Antichain[T]{}, in.time); err != nil {
		in.scope.fail(in.name, err)
	}
	in.closed = true
}

func (in *InputSession[K, V, T]) advance(to lattice.Antichain[T], t T) error {
	if in.closed {
		return fmt.Errorf("input %q: %w", in.name, ErrClosed)
	}
	if _, err := in.frontier.Advance(to); err != nil {
		return &Error{Operator: in.name, Collection: in.name, Cause: err}
	}
	in.time = t
	return in.seal(to)
}

func (in *InputSession[K, V, T]) seal(upper lattice.Antichain[T]) error {
	if upper.Equal(in.out.stream.upper) {
		return nil
	}
	batch, err := in.batcher.Seal(upper)
	if err != nil {
		return &Error{Operator: in.name, Collection: in.name, Cause: err}
	}
	in.sentBatch = true
	in.sentRecord += batch.Len()
	if err := in.out.stream.emit(batch); err != nil {
		return &Error{Operator: in.name, Collection: in.name, Cause: err}
	}
	return nil
}

// SendBatch sends a prebuilt batch. The batch must start at the frontier of the input and no
// updates may be buffered.
func (in *InputSession[K, V, T]) SendBatch(batch *trace.Batch[K, V, T]) error {
	if in.closed {
		return fmt.Errorf("input %q: %w", in.name, ErrClosed)
	}
	if in.batcher.Len() > 0 {
		return &Error{Operator: in.name, Collection: in.name,
			Cause: fmt.Errorf("%w: batch sent with %d buffered updates", ErrInvalidArgument, in.batcher.Len())}
	}
	if err := in.out.stream.emit(batch); err != nil {
		return &Error{Operator: in.name, Collection: in.name, Cause: err}
	}
	if _, err := in.frontier.Advance(batch.Upper()); err != nil {
		return &Error{Operator: in.name, Collection: in.name, Cause: err}
	}
	in.batcher = trace.NewBatcherFrom[K, V, T](batch.Upper())
	if elems := batch.Upper().Elements(); len(elems) == 1 {
		in.time = elems[0]
	}
	in.sentRecord += batch.Len()
	return nil
}

// Step reports the records released since the previous step.
func (in *InputSession[K, V, T]) Step() (bool, error) {
	if in.sentBatch {
		in.metrics.Stepped(in.sentRecord)
		in.sentBatch, in.sentRecord = false, 0
	}
	return false, nil
}
