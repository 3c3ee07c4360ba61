package dbsp

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/ddflow/pkg/trace"
)

// opaqueKey has no exported fields, so all its values share the JSON form {}.
type opaqueKey struct{ id int }

var _ = Describe("Reduce", func() {
	var (
		scope *Scope[epoch]
		in    *InputSession[string, string, epoch]
	)

	BeforeEach(func() {
		scope = newTestScope("reduce")
		in = NewInput[string, string](scope, "values")
	})

	It("should count values and emit only the changed counts", func() {
		byValue := Map(in.Collection(), func(k, v string) (string, string) { return v, k })
		sub := Subscribe(Count(Arrange(byValue)).Collection)
		Expect(in.Insert("K", "x")).To(Succeed())
		Expect(in.Insert("K", "x")).To(Succeed())
		Expect(in.Insert("K", "y")).To(Succeed())
		advanceAll(1, in)
		run(scope)

		Expect(sub.Drain()).To(Equal([]trace.Update[string, int64, epoch]{
			upd("x", int64(2), 0, 1),
			upd("y", int64(1), 0, 1),
		}))

		Expect(in.Remove("K", "x")).To(Succeed())
		advanceAll(2, in)
		run(scope)

		Expect(sub.Drain()).To(Equal([]trace.Update[string, int64, epoch]{
			upd("x", int64(1), 1, 1),
			upd("x", int64(2), 1, -1),
		}))
	})

	It("should keep keys apart that share a JSON form", func() {
		keyed := NewInput[opaqueKey, int](scope, "opaque")
		sub := Subscribe(Count(Arrange(keyed.Collection())).Collection)
		Expect(keyed.Insert(opaqueKey{1}, 10)).To(Succeed())
		Expect(keyed.Insert(opaqueKey{2}, 20)).To(Succeed())
		advanceAll(1, keyed)
		run(scope)

		Expect(sub.Updates()).To(Equal([]trace.Update[opaqueKey, int64, epoch]{
			upd(opaqueKey{1}, int64(1), 0, 1),
			upd(opaqueKey{2}, int64(1), 0, 1),
		}))
		z, err := sub.Materialize(0)
		Expect(err).NotTo(HaveOccurred())
		Expect(z.UniqueCount()).To(Equal(2))
		Expect(z.Multiplicity(opaqueKey{2}, 1)).To(Equal(int64(1)))
	})

	It("should count the total weight of a key", func() {
		sub := Subscribe(Count(Arrange(in.Collection())).Collection)
		Expect(in.Insert("K", "x")).To(Succeed())
		Expect(in.Insert("K", "y")).To(Succeed())
		advanceAll(1, in)
		Expect(in.Remove("K", "x")).To(Succeed())
		Expect(in.Remove("K", "y")).To(Succeed())
		advanceAll(2, in)
		run(scope)

		Expect(contents(sub, 0)).To(Equal(map[string]int64{record("K", 2): 1}))
		Expect(contents(sub, 1)).To(BeEmpty())
	})

	It("should keep distinct values", func() {
		sub := Subscribe(Distinct(Arrange(in.Collection())).Collection)
		Expect(in.Update("K", "x", 3)).To(Succeed())
		Expect(in.Update("K", "y", -1)).To(Succeed())
		advanceAll(1, in)
		run(scope)
		Expect(sub.Drain()).To(Equal([]trace.Update[string, string, epoch]{upd("K", "x", 0, 1)}))

		Expect(in.Update("K", "x", -1)).To(Succeed())
		advanceAll(2, in)
		run(scope)
		Expect(sub.Drain()).To(BeEmpty())

		Expect(in.Update("K", "x", -2)).To(Succeed())
		advanceAll(3, in)
		run(scope)
		Expect(sub.Drain()).To(Equal([]trace.Update[string, string, epoch]{upd("K", "x", 2, -1)}))
	})

	It("should apply a weight threshold", func() {
		atLeastTwo := Threshold(Arrange(in.Collection()), func(w int64) int64 {
			if w >= 2 {
				return 1
			}
			return 0
		})
		sub := Subscribe(atLeastTwo.Collection)
		Expect(in.Insert("K", "x")).To(Succeed())
		Expect(in.Insert("K", "y")).To(Succeed())
		Expect(in.Insert("K", "y")).To(Succeed())
		advanceAll(1, in)
		run(scope)

		Expect(contents(sub, 0)).To(Equal(map[string]int64{record("K", "y"): 1}))
	})

	It("should run an arbitrary reduction", func() {
		longest := Reduce(Arrange(in.Collection()), func(_ string, vals []trace.ValDiff[string]) []trace.ValDiff[string] {
			best := ""
			for _, v := range vals {
				if v.Diff > 0 && len(v.Val) > len(best) {
					best = v.Val
				}
			}
			return []trace.ValDiff[string]{{Val: best, Diff: 1}}
		})
		sub := Subscribe(longest.Collection)
		Expect(in.Insert("K", "ab")).To(Succeed())
		Expect(in.Insert("K", "abcd")).To(Succeed())
		advanceAll(1, in)
		Expect(in.Remove("K", "abcd")).To(Succeed())
		advanceAll(2, in)
		run(scope)

		Expect(contents(sub, 0)).To(Equal(map[string]int64{record("K", "abcd"): 1}))
		Expect(contents(sub, 1)).To(Equal(map[string]int64{record("K", "ab"): 1}))
	})

	It("should process times that are not yet final later", func() {
		sub := Subscribe(Count(Arrange(in.Collection())).Collection)
		Expect(in.UpdateAt("K", "x", 5, 1)).To(Succeed())
		Expect(in.Insert("K", "y")).To(Succeed())
		advanceAll(1, in)
		run(scope)
		Expect(sub.Drain()).To(Equal([]trace.Update[string, int64, epoch]{upd("K", int64(1), 0, 1)}))

		advanceAll(6, in)
		run(scope)
		Expect(sub.Drain()).To(Equal([]trace.Update[string, int64, epoch]{
			upd("K", int64(1), 5, -1),
			upd("K", int64(2), 5, 1),
		}))
	})

	It("should feed a join from its arranged output", func() {
		counts := Count(Arrange(in.Collection()))
		sub := Subscribe(Join(counts, counts))
		Expect(in.Insert("K", "x")).To(Succeed())
		advanceAll(1, in)
		run(scope)
		Expect(sub.Updates()).To(HaveLen(1))
	})
})
