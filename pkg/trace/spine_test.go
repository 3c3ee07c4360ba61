package trace

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/ddflow/pkg/lattice"
)

var _ = Describe("Spine", func() {
	var spine *Spine[string, string, lattice.Epoch]

	BeforeEach(func() {
		spine = NewSpine[string, string, lattice.Epoch](Options{
			Name:   "test",
			Policy: MergePolicy{MaxBatches: 4, MergeFactor: 2},
		})
	})

	insertAll := func(batches ...*Batch[string, string, lattice.Epoch]) {
		for _, b := range batches {
			Expect(spine.Insert(b)).To(Succeed())
		}
	}

	It("should accept contiguous batches", func() {
		insertAll(
			batchOf(0, 1, upd("a", "x", 0, 1)),
			batchOf(1, 2, upd("b", "x", 1, 1)),
		)
		Expect(spine.Upper().Equal(epochs(2))).To(BeTrue())
		Expect(spine.Len()).To(Equal(2))
		Expect(accumulateAt(spine.Cursor(), 1)).To(Equal(map[string]int64{"a/x": 1, "b/x": 1}))
		Expect(accumulateAt(spine.Cursor(), 0)).To(Equal(map[string]int64{"a/x": 1}))
	})

	It("should reject non-contiguous batches", func() {
		insertAll(batchOf(0, 1, upd("a", "x", 0, 1)))
		err := spine.Insert(batchOf(2, 3, upd("a", "x", 2, 1)))
		Expect(err).To(MatchError(ErrNonContiguous))
		var traceErr *Error
		Expect(err).To(BeAssignableToTypeOf(traceErr))
		Expect(err.Error()).To(ContainSubstring(`trace "test"`))
	})

	It("should reject batches below the compaction frontier", func() {
		Expect(spine.AdvanceBy(epochs(5))).To(Succeed())
		err := spine.Insert(batchOf(0, 1, upd("a", "x", 0, 1)))
		Expect(err).To(MatchError(ErrBelowCompaction))
	})

	It("should refuse to regress frontiers", func() {
		Expect(spine.AdvanceBy(epochs(3))).To(Succeed())
		Expect(spine.AdvanceBy(epochs(2))).To(MatchError(lattice.ErrFrontierRegressed))
		Expect(spine.DistinguishSince(epochs(3))).To(Succeed())
		Expect(spine.DistinguishSince(epochs(1))).To(MatchError(lattice.ErrFrontierRegressed))
	})

	It("should keep boundaries in advance of the distinguish frontier", func() {
		insertAll(
			batchOf(0, 1, upd("a", "x", 0, 1)),
			batchOf(1, 2, upd("a", "x", 1, 1)),
			batchOf(2, 3, upd("a", "x", 2, 1)),
		)
		Expect(spine.NumBatches()).To(Equal(3))

		c, ok := spine.CursorThrough(epochs(2))
		Expect(ok).To(BeTrue())
		Expect(accumulateAt(c, 10)).To(Equal(map[string]int64{"a/x": 2}))

		c, ok = spine.CursorThrough(epochs(0))
		Expect(ok).To(BeTrue())
		Expect(c.KeyValid()).To(BeFalse())

		Expect(spine.DistinguishSince(epochs(3))).To(Succeed())
		Expect(spine.NumBatches()).To(Equal(1))
		_, ok = spine.CursorThrough(epochs(2))
		Expect(ok).To(BeFalse())
		c, ok = spine.CursorThrough(epochs(3))
		Expect(ok).To(BeTrue())
		Expect(accumulateAt(c, 10)).To(Equal(map[string]int64{"a/x": 3}))
	})

	It("should bound the number of batches", func() {
		Expect(spine.DistinguishSince(lattice.Antichain[lattice.Epoch]{})).To(Succeed())
		for i := lattice.Epoch(0); i < 20; i++ {
			insertAll(batchOf(i, i+1, upd("k", "v", i, 1)))
			Expect(spine.NumBatches()).To(BeNumerically("<=", 4))
		}
		Expect(accumulateAt(spine.Cursor(), 100)).To(Equal(map[string]int64{"k/v": 20}))
		Expect(accumulateAt(spine.Cursor(), 9)).To(Equal(map[string]int64{"k/v": 10}))
	})

	It("should preserve accumulations at or above the compaction frontier", func() {
		Expect(spine.DistinguishSince(lattice.Antichain[lattice.Epoch]{})).To(Succeed())
		insertAll(
			batchOf(0, 1, upd("a", "x", 0, 1), upd("b", "y", 0, 1)),
			batchOf(1, 2, upd("a", "x", 1, -1), upd("a", "z", 1, 1)),
			batchOf(2, 3, upd("b", "y", 2, 1)),
			batchOf(3, 4, upd("a", "z", 3, -1)),
		)
		before := map[lattice.Epoch]map[string]int64{}
		for t := lattice.Epoch(2); t < 5; t++ {
			before[t] = accumulateAt(spine.Cursor(), t)
		}

		Expect(spine.AdvanceBy(epochs(2))).To(Succeed())
		Expect(spine.Compact()).To(Succeed())
		spine.MapBatches(func(b *Batch[string, string, lattice.Epoch]) {
			for _, t := range b.Times() {
				Expect(t).To(BeNumerically(">=", 2))
			}
		})
		for t := lattice.Epoch(2); t < 5; t++ {
			Expect(accumulateAt(spine.Cursor(), t)).To(Equal(before[t]))
		}
	})

	It("should compact automatically when the compaction frontier closes", func() {
		Expect(spine.DistinguishSince(lattice.Antichain[lattice.Epoch]{})).To(Succeed())
		insertAll(
			batchOf(0, 1, upd("a", "x", 0, 1)),
			batchOf(1, 2, upd("a", "x", 1, -1)),
		)
		Expect(spine.AdvanceBy(lattice.Antichain[lattice.Epoch]{})).To(Succeed())
		Expect(spine.NumBatches()).To(Equal(1))
	})

	It("should hand out snapshot cursors", func() {
		insertAll(batchOf(0, 1, upd("a", "x", 0, 1)))
		c := spine.Cursor()
		insertAll(batchOf(1, 2, upd("b", "x", 1, 1)))
		Expect(accumulateAt(c, 5)).To(Equal(map[string]int64{"a/x": 1}))
		Expect(accumulateAt(spine.Cursor(), 5)).To(Equal(map[string]int64{"a/x": 1, "b/x": 1}))
	})

	It("should refuse inserts once closed", func() {
		insertAll(batchOf(0, 1, upd("a", "x", 0, 1)))
		c := spine.Cursor()
		spine.Close()
		Expect(spine.IsClosed()).To(BeTrue())
		Expect(spine.Len()).To(BeZero())
		Expect(accumulateAt(c, 5)).To(Equal(map[string]int64{"a/x": 1}))
		Expect(spine.Insert(batchOf(1, 2))).To(MatchError(ErrTraceClosed))
	})
})
