package lattice

import "fmt"

// Frontier is an antichain that only moves forward. Times not in advance of the frontier are
// closed: no further input will arrive at them.
type Frontier[T Lattice[T]] struct {
	current Antichain[T]
}

// NewFrontier creates a frontier at the least element.
func NewFrontier[T Lattice[T]]() *Frontier[T] {
	return &Frontier[T]{current: MinimumAntichain[T]()}
}

// NewFrontierAt creates a frontier at the given antichain.
func NewFrontierAt[T Lattice[T]](at Antichain[T]) *Frontier[T] {
	return &Frontier[T]{current: at.Clone()}
}

// Advance moves the frontier to a new antichain. It is an error if the new antichain does not
// dominate the current one. Reports whether the frontier changed.
func (f *Frontier[T]) Advance(to Antichain[T]) (bool, error) {
	if !f.current.Dominates(to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrFrontierRegressed, f.current, to)
	}
	if f.current.Equal(to) {
		return false, nil
	}
	f.current = to.Clone()
	return true, nil
}

// Antichain returns the current frontier.
func (f *Frontier[T]) Antichain() Antichain[T] { return f.current.Clone() }

// IsOpen reports whether more input may still arrive at time t.
func (f *Frontier[T]) IsOpen(t T) bool { return f.current.LessEqual(t) }

// IsClosed reports whether time t is finalized.
func (f *Frontier[T]) IsClosed(t T) bool { return !f.current.LessEqual(t) }

// Done reports whether the frontier is empty, i.e., no more input will ever arrive.
func (f *Frontier[T]) Done() bool { return f.current.IsEmpty() }

func (f *Frontier[T]) String() string { return f.current.String() }
