package dbsp

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/l7mp/ddflow/pkg/config"
	"github.com/l7mp/ddflow/pkg/lattice"
	"github.com/l7mp/ddflow/pkg/metrics"
	"github.com/l7mp/ddflow/pkg/trace"
)

// Options configure a scope.
type Options struct {
	// Name identifies the scope in logs and metrics.
	Name string
	// BatchesPerStep is the number of input batches an operator processes per step.
	BatchesPerStep int
	// MaxRounds is the number of rounds after which an iteration fails.
	MaxRounds int
	// RoundsPerStep is the number of iteration rounds run per step.
	RoundsPerStep int
	// MergePolicy is the merge policy of the traces created in the scope.
	MergePolicy trace.MergePolicy
	// Logger is the logger. Defaults to discarding all logs.
	Logger logr.Logger
	// Metrics receives scope, operator and trace metrics. May be nil.
	Metrics *metrics.Metrics
}

// OptionsFromConfig creates scope options from a configuration.
func OptionsFromConfig(name string, c *config.Config, log logr.Logger, m *metrics.Metrics) Options {
	return Options{
		Name:           name,
		BatchesPerStep: c.Scheduler.BatchesPerStep,
		MaxRounds:      c.Iterate.MaxRounds,
		RoundsPerStep:  c.Iterate.RoundsPerStep,
		MergePolicy: trace.MergePolicy{
			MaxBatches:       c.Trace.MaxBatches,
			MergeFactor:      c.Trace.MergeFactor,
			CompactOnAdvance: c.Trace.CompactOnAdvance,
		},
		Logger:  log,
		Metrics: m,
	}
}

func (o Options) withDefaults() Options {
	def := config.Default()
	if o.Name == "" {
		o.Name = "scope"
	}
	if o.BatchesPerStep <= 0 {
		o.BatchesPerStep = def.Scheduler.BatchesPerStep
	}
	if o.MaxRounds <= 0 {
		o.MaxRounds = def.Iterate.MaxRounds
	}
	if o.RoundsPerStep <= 0 {
		o.RoundsPerStep = def.Iterate.RoundsPerStep
	}
	if o.Logger.GetSink() == nil {
		o.Logger = logr.Discard()
	}
	return o
}

// Scope is a set of operators sharing a timestamp type and a scheduler. Operators are stepped in
// construction order, which is a topological order of the computation.
//
// Builder functions do not return errors: a construction error poisons the scope and is
// returned by the next Step. A scope is not safe for concurrent use.
type Scope[T lattice.Lattice[T]] struct {
	id        uuid.UUID
	opts      Options
	ops       []Operator
	frontiers map[string]func() lattice.Antichain[T]
	lower     lattice.Antichain[T]
	counter   int
	err       error
	closed    bool
	// loop is the iteration context of a child scope, nil otherwise.
	loop any
	log  logr.Logger
}

// NewScope creates a scope whose computation starts at the least time.
func NewScope[T lattice.Lattice[T]](opts Options) *Scope[T] {
	return newScopeAt[T](opts, lattice.MinimumAntichain[T]())
}

func newScopeAt[T lattice.Lattice[T]](opts Options, lower lattice.Antichain[T]) *Scope[T] {
	opts = opts.withDefaults()
	id := uuid.New()
	return &Scope[T]{
		id:        id,
		opts:      opts,
		frontiers: map[string]func() lattice.Antichain[T]{},
		lower:     lower.Clone(),
		log:       opts.Logger.WithName("scope").WithValues("name", opts.Name, "id", id.String()),
	}
}

// Name returns the name of the scope.
func (s *Scope[T]) Name() string { return s.opts.Name }

// ID returns the unique identifier of the scope.
func (s *Scope[T]) ID() uuid.UUID { return s.id }

// Operators returns the operators of the scope in construction order.
func (s *Scope[T]) Operators() []Operator { return s.ops }

// Err returns the error that poisoned the scope, if any.
func (s *Scope[T]) Err() error { return s.err }

// Frontier returns the frontier of a named input or collection.
func (s *Scope[T]) Frontier(name string) (lattice.Antichain[T], error) {
	f, ok := s.frontiers[name]
	if !ok {
		return lattice.Antichain[T]{}, fmt.Errorf("%w: unknown collection %q", ErrInvalidArgument, name)
	}
	return f(), nil
}

func (s *Scope[T]) newName(kind string) string {
	s.counter++
	return fmt.Sprintf("%s-%d", kind, s.counter)
}

func (s *Scope[T]) addOp(op Operator, base *BaseOp) {
	base.metrics = s.opts.Metrics.Operator(s.opts.Name, op.Name())
	base.log = s.log.WithName(op.Kind()).WithValues("operator", op.Name())
	s.ops = append(s.ops, op)
	s.log.V(2).Info("operator added", "operator", op.Name(), "kind", op.Kind(), "inputs", op.Inputs())
}

// fail poisons the scope with a construction error.
func (s *Scope[T]) fail(op string, err error) {
	if s.err != nil {
		return
	}
	s.err = newOpError(op, err)
	s.log.Error(s.err, "computation failed")
}

func (s *Scope[T]) traceOptions(name string) trace.Options {
	return trace.Options{
		Name:    name,
		Policy:  s.opts.MergePolicy,
		Logger:  s.opts.Logger,
		Metrics: s.opts.Metrics,
	}
}

// Step runs every operator once and reports whether any of them has more work. An operator
// error poisons the scope: the error is returned now and by every later call.
func (s *Scope[T]) Step() (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	if s.closed {
		return false, fmt.Errorf("scope %q: %w", s.opts.Name, ErrClosed)
	}

	start := time.Now()
	more := false
	for _, op := range s.ops {
		m, err := op.Step()
		if err != nil {
			s.fail(op.Name(), err)
			return false, s.err
		}
		more = more || m
	}
	s.opts.Metrics.ObserveStep(s.opts.Name, time.Since(start))
	return more, nil
}

// Run steps the scope until no operator has more work or the context is canceled.
func (s *Scope[T]) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		more, err := s.Step()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// runToQuiescence steps the scope until it has no more work.
func (s *Scope[T]) runToQuiescence() error {
	for {
		more, err := s.Step()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// holds returns the times held by operators of the scope.
func (s *Scope[T]) holds() lattice.Antichain[T] {
	result := lattice.Antichain[T]{}
	for _, op := range s.ops {
		if h, ok := op.(holder[T]); ok {
			result = result.Meet(h.heldTimes())
		}
	}
	return result
}

// Close tears the computation down: every operator releases its trace handles and
// arrangements. Cursors obtained earlier remain valid.
func (s *Scope[T]) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for i := len(s.ops) - 1; i >= 0; i-- {
		s.ops[i].Close()
	}
	s.log.V(2).Info("closed")
}
