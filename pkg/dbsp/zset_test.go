package dbsp

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/ddflow/pkg/trace"
)

var _ = Describe("ZSet", func() {
	var a, b *ZSet[string, int]

	BeforeEach(func() {
		a, b = NewZSet[string, int](), NewZSet[string, int]()
		Expect(a.Insert("x", 1, 2)).To(Succeed())
		Expect(a.Insert("y", 2, 1)).To(Succeed())
		Expect(b.Insert("x", 1, 1)).To(Succeed())
		Expect(b.Insert("z", 3, -1)).To(Succeed())
	})

	It("should add and subtract", func() {
		sum, err := a.Add(b)
		Expect(err).NotTo(HaveOccurred())
		Expect(weights(sum)).To(Equal(map[string]int64{
			record("x", 1): 3, record("y", 2): 1, record("z", 3): -1,
		}))

		diff, err := sum.Subtract(b)
		Expect(err).NotTo(HaveOccurred())
		Expect(diff.Equal(a)).To(BeTrue())

		zero, err := a.Subtract(a)
		Expect(err).NotTo(HaveOccurred())
		Expect(zero.IsZero()).To(BeTrue())
		Expect(zero.String()).To(Equal("∅"))
	})

	It("should not modify its operands", func() {
		_, err := a.Add(b)
		Expect(err).NotTo(HaveOccurred())
		m, err := a.Multiplicity("x", 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(m).To(Equal(int64(2)))
	})

	It("should convert to set semantics", func() {
		sum, err := a.Add(b)
		Expect(err).NotTo(HaveOccurred())
		d := sum.Distinct()
		Expect(weights(d)).To(Equal(map[string]int64{record("x", 1): 1, record("y", 2): 1}))
		Expect(sum.Size()).To(Equal(int64(4)))
		Expect(sum.UniqueCount()).To(Equal(2))
	})

	It("should answer membership queries", func() {
		ok, err := b.Contains("z", 3)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
		ok, err = b.Contains("x", 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
	})

	It("should list entries in order", func() {
		Expect(a.Entries()).To(Equal([]ZSetEntry[string, int]{
			{Key: "x", Val: 1, Multiplicity: 2},
			{Key: "y", Val: 2, Multiplicity: 1},
		}))
		Expect(a.String()).To(Equal(`{("x",1)×2, ("y",2)×1}`))
	})

	It("should report unmarshalable records", func() {
		z := NewZSet[string, func()]()
		err := z.Insert("f", func() {}, 1)
		var zerr *ZSetError
		Expect(errors.As(err, &zerr)).To(BeTrue())
	})

	It("should materialize a cursor", func() {
		batch := trace.NewBatch([]trace.Update[string, int, epoch]{
			upd("x", 1, 0, 1), upd("x", 1, 2, 1), upd("y", 2, 1, 1),
		}, trace.NewDescription(epochAntichain(0), epochAntichain(3)))
		z, err := ZSetFromCursor[string, int, epoch](batch.Cursor(), 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(weights(z)).To(Equal(map[string]int64{record("x", 1): 1, record("y", 2): 1}))
	})
})
