package dbsp

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/ddflow/pkg/trace"
	"github.com/l7mp/ddflow/pkg/util"
)

var _ = Describe("Linear operators", func() {
	var (
		scope *Scope[epoch]
		in    *InputSession[string, int, epoch]
	)

	BeforeEach(func() {
		scope = newTestScope("linear")
		in = NewInput[string, int](scope, "numbers")
	})

	It("should map records", func() {
		sub := Subscribe(Map(in.Collection(), func(k string, v int) (string, int) {
			return strings.ToUpper(k), v * 10
		}))
		Expect(in.Insert("a", 1)).To(Succeed())
		Expect(in.Insert("b", 2)).To(Succeed())
		advanceAll(1, in)
		run(scope)

		Expect(sub.Updates()).To(Equal([]trace.Update[string, int, epoch]{
			upd("A", 10, 0, 1),
			upd("B", 20, 0, 1),
		}))
	})

	It("should consolidate records mapped to the same output", func() {
		sub := Subscribe(Map(in.Collection(), func(_ string, v int) (string, int) { return "all", v % 2 }))
		Expect(in.Insert("a", 1)).To(Succeed())
		Expect(in.Insert("b", 3)).To(Succeed())
		advanceAll(1, in)
		run(scope)

		Expect(contents(sub, 0)).To(Equal(map[string]int64{record("all", 1): 2}))
	})

	It("should filter records", func() {
		sub := Subscribe(Filter(in.Collection(), func(_ string, v int) bool { return v > 1 }))
		Expect(in.Insert("a", 1)).To(Succeed())
		Expect(in.Insert("b", 2)).To(Succeed())
		advanceAll(1, in)
		Expect(in.Remove("b", 2)).To(Succeed())
		advanceAll(2, in)
		run(scope)

		Expect(sub.Updates()).To(Equal([]trace.Update[string, int, epoch]{
			upd("b", 2, 0, 1),
			upd("b", 2, 1, -1),
		}))
		Expect(contents(sub, 1)).To(BeEmpty())
	})

	It("should flat-map records", func() {
		sub := Subscribe(FlatMap(in.Collection(), func(k string, v int) []util.Pair[string, int] {
			out := []util.Pair[string, int]{}
			for i := 0; i < v; i++ {
				out = append(out, util.NewPair(k, i))
			}
			return out
		}))
		Expect(in.Insert("a", 3)).To(Succeed())
		advanceAll(1, in)
		run(scope)

		Expect(contents(sub, 0)).To(Equal(map[string]int64{
			record("a", 0): 1, record("a", 1): 1, record("a", 2): 1,
		}))
	})

	It("should negate diffs", func() {
		sub := Subscribe(Negate(in.Collection()))
		Expect(in.Update("a", 1, 3)).To(Succeed())
		advanceAll(1, in)
		run(scope)

		Expect(sub.Updates()).To(Equal([]trace.Update[string, int, epoch]{upd("a", 1, 0, -3)}))
	})

	It("should inspect updates without changing them", func() {
		seen := []trace.Update[string, int, epoch]{}
		sub := Subscribe(Inspect(in.Collection(), func(u trace.Update[string, int, epoch]) { seen = append(seen, u) }))
		Expect(in.Insert("a", 1)).To(Succeed())
		advanceAll(1, in)
		run(scope)

		Expect(seen).To(Equal([]trace.Update[string, int, epoch]{upd("a", 1, 0, 1)}))
		Expect(sub.Updates()).To(Equal(seen))
	})

	Describe("Concat", func() {
		It("should sum collections", func() {
			other := NewInput[string, int](scope, "other")
			sum := Concat(in.Collection(), other.Collection(), Negate(other.Collection()))
			sub := Subscribe(sum)
			Expect(in.Insert("a", 1)).To(Succeed())
			Expect(other.Insert("b", 2)).To(Succeed())
			advanceAll(1, in, other)
			run(scope)

			Expect(contents(sub, 0)).To(Equal(map[string]int64{record("a", 1): 1}))
		})

		It("should pass a single collection through", func() {
			sub := Subscribe(Concat(in.Collection()))
			Expect(in.Insert("a", 1)).To(Succeed())
			advanceAll(1, in)
			run(scope)

			Expect(sub.Updates()).To(Equal([]trace.Update[string, int, epoch]{upd("a", 1, 0, 1)}))
			Expect(sub.Frontier().Elements()).To(Equal([]epoch{1}))
		})

		It("should hold updates until every input advanced", func() {
			other := NewInput[string, int](scope, "other")
			sub := Subscribe(Concat(in.Collection(), other.Collection()))
			Expect(in.Insert("a", 1)).To(Succeed())
			advanceAll(1, in)
			run(scope)

			Expect(sub.Frontier().Elements()).To(Equal([]epoch{0}))
			Expect(sub.Updates()).To(BeEmpty())

			Expect(other.Insert("b", 1)).To(Succeed())
			advanceAll(1, other)
			run(scope)
			Expect(sub.Frontier().Elements()).To(Equal([]epoch{1}))
			Expect(contents(sub, 0)).To(HaveLen(2))
		})
	})
})
