package dbsp

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/ddflow/pkg/trace"
	"github.com/l7mp/ddflow/pkg/util"
)

var _ = Describe("Join", func() {
	var (
		scope       *Scope[epoch]
		left, right *InputSession[string, string, epoch]
	)

	BeforeEach(func() {
		scope = newTestScope("join")
		left = NewInput[string, string](scope, "left")
		right = NewInput[string, string](scope, "right")
	})

	It("should join records with equal keys", func() {
		sub := Subscribe(Join(Arrange(left.Collection()), Arrange(right.Collection())))
		Expect(left.Insert("k", "A")).To(Succeed())
		Expect(right.Insert("k", "B")).To(Succeed())
		Expect(right.Insert("other", "C")).To(Succeed())
		advanceAll(1, left, right)
		run(scope)

		Expect(sub.Updates()).To(Equal([]trace.Update[string, util.Pair[string, string], epoch]{
			upd("k", util.NewPair("A", "B"), 0, 1),
		}))
	})

	It("should retract matches of deleted records", func() {
		sub := Subscribe(Join(Arrange(left.Collection()), Arrange(right.Collection())))
		Expect(left.Insert("k", "A")).To(Succeed())
		Expect(right.Insert("k", "B")).To(Succeed())
		advanceAll(1, left, right)
		run(scope)
		Expect(sub.Drain()).To(HaveLen(1))

		Expect(left.Remove("k", "A")).To(Succeed())
		advanceAll(2, left, right)
		run(scope)

		Expect(sub.Drain()).To(Equal([]trace.Update[string, util.Pair[string, string], epoch]{
			upd("k", util.NewPair("A", "B"), 1, -1),
		}))
		Expect(contents(sub, 0)).To(HaveLen(1))
		Expect(contents(sub, 1)).To(BeEmpty())
	})

	It("should multiply weights and join times", func() {
		sub := Subscribe(JoinMap(Arrange(left.Collection()), Arrange(right.Collection()),
			func(k, a, b string) (string, string) { return a + b, k }))
		Expect(left.Update("k", "A", 2)).To(Succeed())
		advanceAll(1, left, right)
		run(scope)
		Expect(sub.Updates()).To(BeEmpty())

		Expect(right.Update("k", "B", 3)).To(Succeed())
		advanceAll(2, left, right)
		run(scope)
		Expect(sub.Updates()).To(Equal([]trace.Update[string, string, epoch]{upd("AB", "k", 1, 6)}))
	})

	It("should hold output until both inputs advanced", func() {
		sub := Subscribe(Join(Arrange(left.Collection()), Arrange(right.Collection())))
		Expect(left.Insert("k", "A")).To(Succeed())
		Expect(right.Insert("k", "B")).To(Succeed())
		advanceAll(1, left)
		run(scope)
		Expect(sub.Frontier().Elements()).To(Equal([]epoch{0}))

		advanceAll(3, right)
		run(scope)
		Expect(sub.Frontier().Elements()).To(Equal([]epoch{1}))
		Expect(sub.Updates()).To(HaveLen(1))
	})

	It("should share one arrangement between consumers", func() {
		arranged := Arrange(left.Collection())
		other := Arrange(right.Collection())
		first := Subscribe(Join(arranged, other))
		second := Subscribe(JoinMap(arranged, other, func(k, a, b string) (string, string) { return b, a }))
		Expect(arranged.Arrangement().Handles()).To(Equal(2))

		Expect(left.Insert("k", "A")).To(Succeed())
		Expect(right.Insert("k", "B")).To(Succeed())
		advanceAll(1, left, right)
		run(scope)
		Expect(first.Updates()).To(HaveLen(1))
		Expect(contents(second, 0)).To(Equal(map[string]int64{record("B", "A"): 1}))

		scope.Close()
		Expect(arranged.Arrangement().IsDropped()).To(BeTrue())
	})

	It("should semijoin against a key set", func() {
		keys := NewInput[string, util.Unit](scope, "keys")
		sub := Subscribe(Semijoin(Arrange(left.Collection()), Distinct(Arrange(keys.Collection()))))
		Expect(left.Insert("k", "A")).To(Succeed())
		Expect(left.Insert("j", "B")).To(Succeed())
		Expect(keys.Insert("k", util.Unit{})).To(Succeed())
		Expect(keys.Insert("k", util.Unit{})).To(Succeed())
		advanceAll(1, left, right)
		Expect(keys.AdvanceTo(1)).To(Succeed())
		run(scope)

		Expect(contents(sub, 0)).To(Equal(map[string]int64{record("k", "A"): 1}))
	})
})
