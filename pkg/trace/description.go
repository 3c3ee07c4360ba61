package trace

import (
	"fmt"

	"github.com/l7mp/ddflow/pkg/lattice"
)

// Description describes the times covered by a batch: every time t in the batch is in advance of
// Lower and not in advance of Upper. Since is the compaction frontier the batch's times were
// advanced to; accumulations are only exact at times in advance of Since.
type Description[T lattice.Lattice[T]] struct {
	Lower lattice.Antichain[T]
	Upper lattice.Antichain[T]
	Since lattice.Antichain[T]
}

// NewDescription creates a description with the least compaction frontier.
func NewDescription[T lattice.Lattice[T]](lower, upper lattice.Antichain[T]) Description[T] {
	return Description[T]{Lower: lower.Clone(), Upper: upper.Clone(), Since: lattice.MinimumAntichain[T]()}
}

// Contains reports whether time t falls in the interval described.
func (d Description[T]) Contains(t T) bool {
	return d.Lower.LessEqual(t) && !d.Upper.LessEqual(t)
}

func (d Description[T]) String() string {
	return fmt.Sprintf("[%s,%s)@%s", d.Lower, d.Upper, d.Since)
}
