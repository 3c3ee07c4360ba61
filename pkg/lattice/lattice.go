package lattice

import (
	"cmp"
	"fmt"
)

// Lattice is the constraint on timestamp types. The zero value of a timestamp type must be its
// least element.
type Lattice[T any] interface {
	comparable
	// LessEqual reports whether the receiver precedes or equals other in the partial order.
	LessEqual(other T) bool
	// Join returns the least upper bound of the receiver and other.
	Join(other T) T
	// Meet returns the greatest lower bound of the receiver and other.
	Meet(other T) T
	// Compare is a total order that extends the partial order: a.LessEqual(b) implies
	// a.Compare(b) <= 0. Used to sort updates.
	Compare(other T) int
}

// Minimum returns the least element of a lattice.
func Minimum[T Lattice[T]]() T {
	var t T
	return t
}

// LessThan reports whether a strictly precedes b.
func LessThan[T Lattice[T]](a, b T) bool { return a != b && a.LessEqual(b) }

// AdvanceBy advances a time to the frontier: the result is the meet of the joins of t with
// each element of the frontier. For every s in advance of the frontier, t <= s iff the advanced
// time is <= s, so compacted times accumulate identically from the frontier onward. An empty
// frontier leaves t unchanged.
func AdvanceBy[T Lattice[T]](t T, frontier []T) T {
	if len(frontier) == 0 {
		return t
	}
	result := t.Join(frontier[0])
	for _, f := range frontier[1:] {
		result = result.Meet(t.Join(f))
	}
	return result
}

// Epoch is a totally ordered timestamp.
type Epoch uint64

func (e Epoch) LessEqual(other Epoch) bool { return e <= other }
func (e Epoch) Join(other Epoch) Epoch     { return max(e, other) }
func (e Epoch) Meet(other Epoch) Epoch     { return min(e, other) }
func (e Epoch) Compare(other Epoch) int    { return cmp.Compare(e, other) }

// Product is a pair of timestamps ordered component-wise. Nested iteration uses
// Product[T, Epoch], where Outer is the time of the enclosing scope and Inner is the round.
type Product[A Lattice[A], B Lattice[B]] struct {
	Outer A `json:"outer"`
	Inner B `json:"inner"`
}

// NewProduct creates a product timestamp.
func NewProduct[A Lattice[A], B Lattice[B]](outer A, inner B) Product[A, B] {
	return Product[A, B]{Outer: outer, Inner: inner}
}

func (p Product[A, B]) LessEqual(other Product[A, B]) bool {
	return p.Outer.LessEqual(other.Outer) && p.Inner.LessEqual(other.Inner)
}

func (p Product[A, B]) Join(other Product[A, B]) Product[A, B] {
	return Product[A, B]{Outer: p.Outer.Join(other.Outer), Inner: p.Inner.Join(other.Inner)}
}

func (p Product[A, B]) Meet(other Product[A, B]) Product[A, B] {
	return Product[A, B]{Outer: p.Outer.Meet(other.Outer), Inner: p.Inner.Meet(other.Inner)}
}

// Compare orders products lexicographically, which extends the product order.
func (p Product[A, B]) Compare(other Product[A, B]) int {
	if c := p.Outer.Compare(other.Outer); c != 0 {
		return c
	}
	return p.Inner.Compare(other.Inner)
}

func (p Product[A, B]) String() string { return fmt.Sprintf("(%v,%v)", p.Outer, p.Inner) }
