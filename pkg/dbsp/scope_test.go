package dbsp

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/l7mp/ddflow/pkg/config"
	"github.com/l7mp/ddflow/pkg/lattice"
	"github.com/l7mp/ddflow/pkg/metrics"
	"github.com/l7mp/ddflow/pkg/trace"
)

var _ = Describe("Scope", func() {
	var (
		scope *Scope[epoch]
		in    *InputSession[string, int, epoch]
	)

	BeforeEach(func() {
		scope = newTestScope("scope")
		in = NewInput[string, int](scope, "input")
	})

	Describe("Inputs", func() {
		It("should report the input frontier", func() {
			f, err := scope.Frontier("input")
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Elements()).To(Equal([]epoch{0}))

			advanceAll(4, in)
			f, err = scope.Frontier("input")
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Elements()).To(Equal([]epoch{4}))
			Expect(in.Time()).To(Equal(epoch(4)))
		})

		It("should reject unknown collection names", func() {
			_, err := scope.Frontier("nope")
			Expect(errors.Is(err, ErrInvalidArgument)).To(BeTrue())
		})

		It("should reject duplicate input names", func() {
			NewInput[string, int](scope, "input")
			_, err := scope.Step()
			Expect(errors.Is(err, ErrInvalidArgument)).To(BeTrue())
		})

		It("should reject a regressing frontier", func() {
			advanceAll(3, in)
			err := in.AdvanceTo(2)
			Expect(errors.Is(err, lattice.ErrFrontierRegressed)).To(BeTrue())
			var opErr *Error
			Expect(errors.As(err, &opErr)).To(BeTrue())
			Expect(opErr.Collection).To(Equal("input"))
		})

		It("should reject updates at closed times", func() {
			advanceAll(3, in)
			err := in.UpdateAt("a", 1, 2, 1)
			Expect(errors.Is(err, lattice.ErrFrontierRegressed)).To(BeTrue())
			Expect(in.UpdateAt("a", 1, 7, 1)).To(Succeed())
		})

		It("should accept contiguous prebuilt batches", func() {
			sub := Subscribe(in.Collection())
			b := trace.NewBatch([]trace.Update[string, int, epoch]{upd("a", 1, 1, 1)},
				trace.NewDescription(lattice.NewAntichain[epoch](0), lattice.NewAntichain[epoch](2)))
			Expect(in.SendBatch(b)).To(Succeed())
			Expect(in.Frontier().Elements()).To(Equal([]epoch{2}))
			run(scope)
			Expect(sub.Updates()).To(Equal([]trace.Update[string, int, epoch]{upd("a", 1, 1, 1)}))

			gap := trace.NewBatch[string, int, epoch](nil, trace.NewDescription(lattice.NewAntichain[epoch](3), lattice.NewAntichain[epoch](4)))
			err := in.SendBatch(gap)
			Expect(errors.Is(err, trace.ErrNonContiguous)).To(BeTrue())
		})

		It("should refuse prebuilt batches while updates are buffered", func() {
			Expect(in.Insert("a", 1)).To(Succeed())
			b := trace.EmptyBatch[string, int, epoch](trace.NewDescription(
				lattice.NewAntichain[epoch](0), lattice.NewAntichain[epoch](1)))
			Expect(errors.Is(in.SendBatch(b), ErrInvalidArgument)).To(BeTrue())
		})

		It("should close", func() {
			probe := Probe(in.Collection())
			Expect(in.Insert("a", 1)).To(Succeed())
			in.Close()
			run(scope)
			Expect(probe.Done()).To(BeTrue())
			Expect(probe.IsClosed(1000)).To(BeTrue())
			Expect(errors.Is(in.Insert("a", 1), ErrClosed)).To(BeTrue())
		})
	})

	Describe("Scheduling", func() {
		It("should bound the batches processed per step", func() {
			scope = NewScope[epoch](Options{Name: "bounded", BatchesPerStep: 1})
			in = NewInput[string, int](scope, "input")
			probe := Probe(Map(in.Collection(), func(k string, v int) (string, int) { return k, v }))
			for t := epoch(1); t <= 3; t++ {
				advanceAll(t, in)
			}

			more, err := scope.Step()
			Expect(err).NotTo(HaveOccurred())
			Expect(more).To(BeTrue())
			Expect(probe.Frontier().Elements()).To(Equal([]epoch{1}))

			run(scope)
			Expect(probe.Frontier().Elements()).To(Equal([]epoch{3}))
		})

		It("should stop on context cancellation", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			Expect(scope.Run(ctx)).To(MatchError(context.Canceled))
		})

		It("should refuse to step a closed scope", func() {
			scope.Close()
			_, err := scope.Step()
			Expect(errors.Is(err, ErrClosed)).To(BeTrue())
		})

		It("should name operators by kind", func() {
			Map(in.Collection(), func(k string, v int) (string, int) { return k, v })
			Filter(in.Collection(), func(string, int) bool { return true })
			names := []string{}
			for _, op := range scope.Operators() {
				names = append(names, op.Name())
			}
			Expect(names).To(Equal([]string{"input", "map-1", "filter-2"}))
			Expect(scope.Operators()[1].OpType()).To(Equal(OpTypeLinear))
			Expect(scope.Operators()[1].Inputs()).To(Equal([]string{"input"}))
		})
	})

	Describe("Subscription", func() {
		It("should only materialize closed times", func() {
			sub := Subscribe(in.Collection())
			Expect(in.Insert("a", 1)).To(Succeed())
			advanceAll(1, in)
			run(scope)

			_, err := sub.Materialize(1)
			Expect(errors.Is(err, ErrInvalidArgument)).To(BeTrue())
			Expect(contents(sub, 0)).To(Equal(map[string]int64{record("a", 1): 1}))
		})

		It("should replay the history of an arranged collection", func() {
			arranged := Arrange(in.Collection())
			reader, err := arranged.Arrangement().NewHandle()
			Expect(err).NotTo(HaveOccurred())
			defer reader.Close()

			Expect(in.Insert("a", 1)).To(Succeed())
			advanceAll(1, in)
			Expect(in.Insert("b", 2)).To(Succeed())
			advanceAll(2, in)
			run(scope)

			late := SubscribeArranged(arranged)
			run(scope)
			Expect(late.Frontier().Elements()).To(Equal([]epoch{2}))
			Expect(contents(late, 1)).To(Equal(map[string]int64{record("a", 1): 1, record("b", 2): 1}))
		})
	})

	Describe("Configuration", func() {
		It("should create options from a config", func() {
			c := config.Default()
			c.Scheduler.BatchesPerStep = 3
			c.Iterate.MaxRounds = 7
			opts := OptionsFromConfig("cfg", c, GinkgoLogr, nil)
			Expect(opts.BatchesPerStep).To(Equal(3))
			Expect(opts.MaxRounds).To(Equal(7))
			Expect(opts.MergePolicy.MaxBatches).To(Equal(c.Trace.MaxBatches))
		})

		It("should report operator metrics", func() {
			reg := prometheus.NewRegistry()
			m := metrics.New("test", reg)
			scope = NewScope[epoch](Options{Name: "metered", Metrics: m, Logger: GinkgoLogr})
			in = NewInput[string, int](scope, "input")
			Subscribe(Arrange(in.Collection()).Collection)
			Expect(in.Insert("a", 1)).To(Succeed())
			advanceAll(1, in)
			run(scope)

			n, err := testutil.GatherAndCount(reg, "test_trace_batches_inserted_total")
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
		})
	})
})
