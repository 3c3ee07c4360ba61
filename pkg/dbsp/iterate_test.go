package dbsp

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/ddflow/pkg/lattice"
	"github.com/l7mp/ddflow/pkg/trace"
)

type nested = lattice.Product[epoch, lattice.Epoch]

// closure builds the transitive closure of a directed edge relation.
func closure(edges *Collection[int, int, epoch]) *Collection[int, int, epoch] {
	return Iterate(edges, func(child *Scope[nested], paths *Collection[int, int, nested]) *Collection[int, int, nested] {
		entered := Enter(child, edges)
		bySrc := Arrange(entered)
		byDst := Arrange(Map(paths, func(src, dst int) (int, int) { return dst, src }))
		longer := JoinMap(byDst, bySrc, func(_ int, src, dst int) (int, int) { return src, dst })
		return Distinct(Arrange(Concat(entered, longer))).Collection
	})
}

var _ = Describe("Iterate", func() {
	var (
		scope *Scope[epoch]
		edges *InputSession[int, int, epoch]
	)

	BeforeEach(func() {
		scope = newTestScope("iterate")
		edges = NewInput[int, int](scope, "edges")
	})

	It("should compute the transitive closure", func() {
		sub := Subscribe(closure(edges.Collection()))
		Expect(edges.Insert(1, 2)).To(Succeed())
		Expect(edges.Insert(2, 3)).To(Succeed())
		advanceAll(1, edges)
		run(scope)

		Expect(sub.Drain()).To(Equal([]trace.Update[int, int, epoch]{
			upd(1, 2, 0, 1),
			upd(1, 3, 0, 1),
			upd(2, 3, 0, 1),
		}))
	})

	It("should only emit the new pairs when an edge is added", func() {
		sub := Subscribe(closure(edges.Collection()))
		Expect(edges.Insert(1, 2)).To(Succeed())
		Expect(edges.Insert(2, 3)).To(Succeed())
		advanceAll(1, edges)
		run(scope)
		Expect(sub.Drain()).To(HaveLen(3))

		Expect(edges.Insert(3, 4)).To(Succeed())
		advanceAll(2, edges)
		run(scope)

		Expect(sub.Drain()).To(Equal([]trace.Update[int, int, epoch]{
			upd(1, 4, 1, 1),
			upd(2, 4, 1, 1),
			upd(3, 4, 1, 1),
		}))
	})

	It("should retract pairs when an edge is removed", func() {
		sub := Subscribe(closure(edges.Collection()))
		for _, e := range [][2]int{{1, 2}, {2, 3}, {3, 4}} {
			Expect(edges.Insert(e[0], e[1])).To(Succeed())
		}
		advanceAll(1, edges)
		Expect(edges.Remove(2, 3)).To(Succeed())
		advanceAll(2, edges)
		run(scope)

		Expect(contents(sub, 0)).To(HaveLen(6))
		Expect(contents(sub, 1)).To(Equal(map[string]int64{
			record(1, 2): 1,
			record(3, 4): 1,
		}))
	})

	It("should handle cycles", func() {
		sub := Subscribe(closure(edges.Collection()))
		Expect(edges.Insert(1, 2)).To(Succeed())
		Expect(edges.Insert(2, 1)).To(Succeed())
		advanceAll(1, edges)
		run(scope)

		Expect(contents(sub, 0)).To(Equal(map[string]int64{
			record(1, 1): 1, record(1, 2): 1, record(2, 1): 1, record(2, 2): 1,
		}))
	})

	It("should emit empty batches for quiet epochs", func() {
		probe := Probe(closure(edges.Collection()))
		advanceAll(3, edges)
		run(scope)
		Expect(probe.Frontier().Elements()).To(Equal([]epoch{3}))

		edges.Close()
		run(scope)
		Expect(probe.Done()).To(BeTrue())
	})

	It("should fail when the loop does not converge", func() {
		scope = NewScope[epoch](Options{Name: "diverge", MaxRounds: 10})
		counter := NewInput[string, int](scope, "counter")
		Iterate(counter.Collection(), func(_ *Scope[nested], v *Collection[string, int, nested]) *Collection[string, int, nested] {
			return Map(v, func(k string, n int) (string, int) { return k, n + 1 })
		})
		Expect(counter.Insert("c", 0)).To(Succeed())
		advanceAll(1, counter)

		var err error
		for i := 0; err == nil && i < 100; i++ {
			_, err = scope.Step()
		}
		Expect(errors.Is(err, ErrDidNotConverge)).To(BeTrue())
		var opErr *Error
		Expect(errors.As(err, &opErr)).To(BeTrue())
		Expect(opErr.Operator).To(Equal("iterate-1"))

		_, again := scope.Step()
		Expect(again).To(Equal(err))
	})

	It("should reject a body returning a foreign collection", func() {
		Iterate(edges.Collection(), func(child *Scope[nested], _ *Collection[int, int, nested]) *Collection[int, int, nested] {
			return nil
		})
		_, err := scope.Step()
		Expect(errors.Is(err, ErrInvalidArgument)).To(BeTrue())
	})

	It("should expose the loop body", func() {
		closure(edges.Collection())
		ops := scope.Operators()
		Expect(ops).To(HaveLen(2))
		loop, ok := ops[1].(Nested)
		Expect(ok).To(BeTrue())
		kinds := []string{}
		for _, op := range loop.Body() {
			kinds = append(kinds, op.Kind())
		}
		Expect(kinds).To(Equal([]string{"arrange", "map", "arrange", "join", "concat", "arrange", "distinct"}))
	})
})
