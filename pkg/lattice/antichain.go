package lattice

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrFrontierRegressed is returned when a frontier would move backwards.
var ErrFrontierRegressed = errors.New("frontier regressed")

// Antichain is a set of mutually incomparable times. As a frontier, an antichain stands for the
// set of times in advance of (greater or equal to) at least one of its elements. The empty
// antichain is the closed frontier: no time is in advance of it.
type Antichain[T Lattice[T]] struct {
	elements []T
}

// NewAntichain creates an antichain from the minimal elements of the given times.
func NewAntichain[T Lattice[T]](times ...T) Antichain[T] {
	a := Antichain[T]{}
	for _, t := range times {
		a.Insert(t)
	}
	return a
}

// MinimumAntichain returns the antichain holding the least element, i.e., the frontier of a
// computation that has not started yet.
func MinimumAntichain[T Lattice[T]]() Antichain[T] {
	return Antichain[T]{elements: []T{Minimum[T]()}}
}

// Insert adds a time unless an existing element precedes it, removing elements the new time
// precedes. Reports whether the antichain changed.
func (a *Antichain[T]) Insert(t T) bool {
	for _, e := range a.elements {
		if e.LessEqual(t) {
			return false
		}
	}
	a.elements = slices.DeleteFunc(a.elements, func(e T) bool { return t.LessEqual(e) })
	a.elements = append(a.elements, t)
	slices.SortFunc(a.elements, func(x, y T) int { return x.Compare(y) })
	return true
}

// Elements returns the elements of the antichain in Compare order. The caller must not modify
// the returned slice.
func (a Antichain[T]) Elements() []T { return a.elements }

// Len returns the number of elements.
func (a Antichain[T]) Len() int { return len(a.elements) }

// IsEmpty reports whether the antichain is empty, i.e., the frontier is closed.
func (a Antichain[T]) IsEmpty() bool { return len(a.elements) == 0 }

// LessEqual reports whether some element precedes or equals t, i.e., whether t is in advance of
// the frontier and hence may still appear.
func (a Antichain[T]) LessEqual(t T) bool {
	for _, e := range a.elements {
		if e.LessEqual(t) {
			return true
		}
	}
	return false
}

// LessThan reports whether some element strictly precedes t.
func (a Antichain[T]) LessThan(t T) bool {
	for _, e := range a.elements {
		if LessThan(e, t) {
			return true
		}
	}
	return false
}

// Dominates reports whether every element of other is in advance of the antichain, i.e., other
// is the same or a later frontier.
func (a Antichain[T]) Dominates(other Antichain[T]) bool {
	for _, t := range other.elements {
		if !a.LessEqual(t) {
			return false
		}
	}
	return true
}

// Equal reports whether two antichains hold the same elements.
func (a Antichain[T]) Equal(other Antichain[T]) bool {
	return slices.Equal(a.elements, other.elements)
}

// Meet returns the minimal elements of the union of two antichains, i.e., the earliest frontier
// that both frontiers are in advance of.
func (a Antichain[T]) Meet(other Antichain[T]) Antichain[T] {
	result := a.Clone()
	for _, t := range other.elements {
		result.Insert(t)
	}
	return result
}

// Clone returns a copy of the antichain.
func (a Antichain[T]) Clone() Antichain[T] {
	return Antichain[T]{elements: slices.Clone(a.elements)}
}

// Map applies f to every element and returns the minimal elements of the result.
func (a Antichain[T]) Map(f func(T) T) Antichain[T] {
	result := Antichain[T]{}
	for _, t := range a.elements {
		result.Insert(f(t))
	}
	return result
}

func (a Antichain[T]) String() string {
	parts := make([]string, len(a.elements))
	for i, e := range a.elements {
		parts[i] = fmt.Sprintf("%v", e)
	}
	return "{" + strings.Join(parts, ",") + "}"
}
