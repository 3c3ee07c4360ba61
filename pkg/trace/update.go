package trace

import (
	"fmt"
	"slices"

	"github.com/l7mp/ddflow/pkg/lattice"
	"github.com/l7mp/ddflow/pkg/util"
)

// Update is a change record: the multiplicity of (Key, Val) changes by Diff at Time.
type Update[K, V any, T lattice.Lattice[T]] struct {
	Key  K     `json:"key"`
	Val  V     `json:"val"`
	Time T     `json:"time"`
	Diff int64 `json:"diff"`
}

// NewUpdate creates an update.
func NewUpdate[K, V any, T lattice.Lattice[T]](key K, val V, t T, diff int64) Update[K, V, T] {
	return Update[K, V, T]{Key: key, Val: val, Time: t, Diff: diff}
}

func (u Update[K, V, T]) String() string {
	return fmt.Sprintf("(%s,%s,%v,%+d)", util.Stringify(u.Key), util.Stringify(u.Val), u.Time, u.Diff)
}

// ValDiff is a value with its weight.
type ValDiff[V any] struct {
	Val  V     `json:"val"`
	Diff int64 `json:"diff"`
}

// CompareUpdates orders updates by key, then time, then value, ignoring the diff.
func CompareUpdates[K, V any, T lattice.Lattice[T]](a, b Update[K, V, T]) int {
	if c := util.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	if c := a.Time.Compare(b.Time); c != 0 {
		return c
	}
	return util.Compare(a.Val, b.Val)
}

// Consolidate sorts updates by (key, time, value), sums the diffs of identical triples and
// drops the ones that cancel out. The input slice is reused for the result.
func Consolidate[K, V any, T lattice.Lattice[T]](updates []Update[K, V, T]) []Update[K, V, T] {
	if len(updates) == 0 {
		return updates[:0]
	}
	slices.SortFunc(updates, CompareUpdates[K, V, T])
	return collapse(updates, func(a, b Update[K, V, T]) bool { return CompareUpdates(a, b) == 0 },
		func(u *Update[K, V, T]) *int64 { return &u.Diff })
}

// ConsolidateValues sorts weighted values, sums the weights of equal values and drops zeros.
func ConsolidateValues[V any](vals []ValDiff[V]) []ValDiff[V] {
	if len(vals) == 0 {
		return vals[:0]
	}
	slices.SortFunc(vals, func(a, b ValDiff[V]) int { return util.Compare(a.Val, b.Val) })
	return collapse(vals, func(a, b ValDiff[V]) bool { return util.Equal(a.Val, b.Val) },
		func(v *ValDiff[V]) *int64 { return &v.Diff })
}

// collapse sums the diffs of adjacent equal elements of a sorted slice in place and drops the
// elements whose diff ends up zero.
func collapse[E any](xs []E, eq func(a, b E) bool, diff func(*E) *int64) []E {
	out := 0
	for i := 0; i < len(xs); i++ {
		if out > 0 && eq(xs[out-1], xs[i]) {
			*diff(&xs[out-1]) += *diff(&xs[i])
			continue
		}
		if out > 0 && *diff(&xs[out-1]) == 0 {
			out--
		}
		xs[out] = xs[i]
		out++
	}
	if out > 0 && *diff(&xs[out-1]) == 0 {
		out--
	}
	return xs[:out]
}
