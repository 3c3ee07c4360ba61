package lattice

import (
	"slices"
)

// MutableAntichain tracks counted holds on times. Its frontier is the antichain of minimal
// times with a positive count. Used to combine the frontier requirements of several readers of
// one shared trace.
type MutableAntichain[T Lattice[T]] struct {
	counts   map[T]int64
	frontier Antichain[T]
}

// NewMutableAntichain creates an empty mutable antichain (closed frontier).
func NewMutableAntichain[T Lattice[T]]() *MutableAntichain[T] {
	return &MutableAntichain[T]{counts: map[T]int64{}}
}

// Update adds delta to the count of a time and reports whether the frontier changed.
func (m *MutableAntichain[T]) Update(t T, delta int64) bool {
	if delta == 0 {
		return false
	}
	m.counts[t] += delta
	if m.counts[t] == 0 {
		delete(m.counts, t)
	}
	return m.rebuild()
}

// UpdateAll moves holds from the elements of lower to the elements of upper, the typical change
// when a reader advances its frontier. Reports whether the frontier changed.
func (m *MutableAntichain[T]) UpdateAll(lower, upper Antichain[T]) bool {
	for _, t := range upper.Elements() {
		m.counts[t]++
	}
	for _, t := range lower.Elements() {
		m.counts[t]--
		if m.counts[t] == 0 {
			delete(m.counts, t)
		}
	}
	return m.rebuild()
}

// Frontier returns the minimal times with positive count.
func (m *MutableAntichain[T]) Frontier() Antichain[T] { return m.frontier.Clone() }

// IsEmpty reports whether no time holds a positive count.
func (m *MutableAntichain[T]) IsEmpty() bool { return m.frontier.IsEmpty() }

// Count returns the count of a time.
func (m *MutableAntichain[T]) Count(t T) int64 { return m.counts[t] }

func (m *MutableAntichain[T]) rebuild() bool {
	times := make([]T, 0, len(m.counts))
	for t, c := range m.counts {
		if c > 0 {
			times = append(times, t)
		}
	}
	slices.SortFunc(times, func(a, b T) int { return a.Compare(b) })
	next := NewAntichain(times...)
	if next.Equal(m.frontier) {
		return false
	}
	m.frontier = next
	return true
}
