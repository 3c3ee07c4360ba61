package trace

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/ddflow/pkg/lattice"
)

var _ = Describe("Cursor", func() {
	var cursor *CursorList[string, string, lattice.Epoch]

	BeforeEach(func() {
		cursor = NewCursorList([]*Batch[string, string, lattice.Epoch]{
			batchOf(0, 2, upd("a", "x", 0, 1), upd("c", "x", 1, 1), upd("e", "x", 0, 1)),
			batchOf(2, 3),
			batchOf(3, 5, upd("a", "x", 4, -1), upd("a", "y", 3, 1), upd("d", "x", 3, 1)),
		})
	})

	It("should visit the union of keys in order", func() {
		keys := []string{}
		for ; cursor.KeyValid(); cursor.StepKey() {
			keys = append(keys, cursor.Key())
		}
		Expect(keys).To(Equal([]string{"a", "c", "d", "e"}))
		cursor.Rewind()
		Expect(cursor.Key()).To(Equal("a"))
	})

	It("should seek keys", func() {
		cursor.SeekKey("b")
		Expect(cursor.Key()).To(Equal("c"))
		cursor.SeekKey("d")
		Expect(cursor.Key()).To(Equal("d"))
		cursor.SeekKey("f")
		Expect(cursor.KeyValid()).To(BeFalse())
	})

	It("should iterate the times of a key", func() {
		Expect(cursor.TimesForKey()).To(Equal([]lattice.Epoch{0, 3, 4}))
		times := []lattice.Epoch{}
		for cursor.SeekTime(1); cursor.TimeValid(); cursor.StepTime() {
			times = append(times, cursor.Time())
		}
		Expect(times).To(Equal([]lattice.Epoch{3, 4}))

		cursor.StepKey()
		Expect(cursor.TimesForKey()).To(Equal([]lattice.Epoch{1}))
	})

	It("should accumulate values at a time", func() {
		Expect(cursor.ValuesAt(0)).To(Equal([]ValDiff[string]{{"x", 1}}))
		Expect(cursor.ValuesAt(3)).To(Equal([]ValDiff[string]{{"x", 1}, {"y", 1}}))
		Expect(cursor.ValuesAt(4)).To(Equal([]ValDiff[string]{{"y", 1}}))
	})

	It("should map the updates of a key", func() {
		n := 0
		cursor.MapUpdates(func(v string, t lattice.Epoch, diff int64) { n++ })
		Expect(n).To(Equal(3))
	})

	It("should collect all updates", func() {
		Expect(Collect[string, string, lattice.Epoch](cursor)).To(HaveLen(6))
	})

	It("should work on a single batch", func() {
		c := batchOf(0, 1, upd("a", "x", 0, 1), upd("b", "x", 0, 2)).Cursor()
		c.SeekKey("b")
		Expect(c.Key()).To(Equal("b"))
		Expect(c.ValuesAt(0)).To(Equal([]ValDiff[string]{{"x", 2}}))
		c.StepKey()
		Expect(c.KeyValid()).To(BeFalse())
	})
})
