package trace

import (
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/l7mp/ddflow/pkg/lattice"
	"github.com/l7mp/ddflow/pkg/metrics"
)

// Reader is the read capability of a trace that operators are written against.
type Reader[K, V any, T lattice.Lattice[T]] interface {
	// Cursor returns a cursor over the entire trace.
	Cursor() Cursor[K, V, T]
	// CursorThrough returns a cursor over the updates at times not in advance of upper.
	// Returns false if upper is not a batch boundary.
	CursorThrough(upper lattice.Antichain[T]) (Cursor[K, V, T], bool)
	// MapBatches calls f on every batch in time order.
	MapBatches(f func(*Batch[K, V, T]))
	// AdvanceBy allows the trace to compact times not in advance of the frontier.
	AdvanceBy(frontier lattice.Antichain[T]) error
	// DistinguishSince allows the trace to merge batch boundaries not in advance of frontier.
	DistinguishSince(frontier lattice.Antichain[T]) error
	// Upper returns the upper bound of the trace.
	Upper() lattice.Antichain[T]
}

// MergePolicy controls when a spine merges its batches.
type MergePolicy struct {
	// MaxBatches is the number of batches above which adjacent batches are merged regardless
	// of size.
	MaxBatches int
	// MergeFactor merges the two newest batches while the older is at most MergeFactor times
	// the size of the newer.
	MergeFactor int
	// CompactOnAdvance physically compacts the trace each time the compaction frontier
	// advances.
	CompactOnAdvance bool
}

// DefaultMergePolicy returns the default merge policy.
func DefaultMergePolicy() MergePolicy {
	return MergePolicy{MaxBatches: 16, MergeFactor: 2}
}

// Options are the options of a spine.
type Options struct {
	// Name identifies the trace in errors, logs and metrics.
	Name string
	// Policy is the merge policy. Zero fields are defaulted.
	Policy MergePolicy
	// Logger is the logger. Defaults to discarding all logs.
	Logger logr.Logger
	// Metrics receives trace metrics. May be nil.
	Metrics *metrics.Metrics
}

// Spine is a trace: a contiguous sequence of batches, merged in the background of inserts and
// compacted to a logical compaction frontier. The batch list is an immutable snapshot replaced
// on every change, so cursors handed out earlier remain valid.
//
// A spine has a single writer. Readers on other goroutines may only call Cursor, MapBatches and
// Len.
type Spine[K, V any, T lattice.Lattice[T]] struct {
	name    string
	policy  MergePolicy
	batches atomic.Pointer[[]*Batch[K, V, T]]
	lower   lattice.Antichain[T]
	upper   lattice.Antichain[T]
	since   lattice.Antichain[T]
	through lattice.Antichain[T]
	closed  bool
	metrics *metrics.Trace
	log     logr.Logger
}

var _ Reader[int, int, lattice.Epoch] = &Spine[int, int, lattice.Epoch]{}

// NewSpine creates an empty trace starting at the least time.
func NewSpine[K, V any, T lattice.Lattice[T]](opts Options) *Spine[K, V, T] {
	return NewSpineAt[K, V, T](opts, lattice.MinimumAntichain[T]())
}

// NewSpineAt creates an empty trace whose first batch starts at lower.
func NewSpineAt[K, V any, T lattice.Lattice[T]](opts Options, lower lattice.Antichain[T]) *Spine[K, V, T] {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	policy := opts.Policy
	def := DefaultMergePolicy()
	if policy.MaxBatches <= 0 {
		policy.MaxBatches = def.MaxBatches
	}
	if policy.MergeFactor <= 0 {
		policy.MergeFactor = def.MergeFactor
	}

	s := &Spine[K, V, T]{
		name:    opts.Name,
		policy:  policy,
		lower:   lower.Clone(),
		upper:   lower.Clone(),
		since:   lower.Clone(),
		through: lower.Clone(),
		metrics: opts.Metrics.Trace(opts.Name),
		log:     log.WithName("trace").WithValues("name", opts.Name),
	}
	s.batches.Store(&[]*Batch[K, V, T]{})
	return s
}

// Name returns the name of the trace.
func (s *Spine[K, V, T]) Name() string { return s.name }

// Insert appends a batch. The batch must start at the upper bound of the trace and its lower
// bound must be in advance of the compaction frontier; both violations are fatal.
func (s *Spine[K, V, T]) Insert(batch *Batch[K, V, T]) error {
	if s.closed {
		return newTraceError(s.name, ErrTraceClosed)
	}
	if !batch.Lower().Equal(s.upper) {
		err := fmt.Errorf("%w: batch %s does not start at trace upper %s", ErrNonContiguous,
			batch.Description(), s.upper)
		s.log.Error(err, "insert failed")
		return newTraceError(s.name, err)
	}
	if !s.since.Dominates(batch.Lower()) {
		err := fmt.Errorf("%w: batch %s, compaction frontier %s", ErrBelowCompaction,
			batch.Description(), s.since)
		s.log.Error(err, "insert failed")
		return newTraceError(s.name, err)
	}

	s.log.V(4).Info("insert", "batch", batch.Description().String(), "records", batch.Len())

	batches := slices.Clone(s.snapshot())
	batches = append(batches, batch)
	s.upper = batch.Upper().Clone()
	s.metrics.Inserted(batch.Len())

	batches, err := s.maintain(batches)
	if err != nil {
		return newTraceError(s.name, err)
	}
	s.publish(batches)
	return nil
}

// maintain applies the merge policy to a private copy of the batch list.
func (s *Spine[K, V, T]) maintain(batches []*Batch[K, V, T]) ([]*Batch[K, V, T], error) {
	// Geometric merging of the newest batches.
	for n := len(batches); n >= 2; n = len(batches) {
		older, newer := batches[n-2], batches[n-1]
		if !s.removable(newer.Lower()) {
			break
		}
		if !newer.IsEmpty() && older.Len() > s.policy.MergeFactor*newer.Len() {
			break
		}
		merged, err := s.merge(older, newer)
		if err != nil {
			return nil, err
		}
		batches = append(batches[:n-2], merged)
	}

	// Forced merges of the smallest adjacent pair.
	for len(batches) > s.policy.MaxBatches {
		best := -1
		for i := 1; i < len(batches); i++ {
			if !s.removable(batches[i].Lower()) {
				continue
			}
			if best < 0 || batches[i-1].Len()+batches[i].Len() < batches[best-1].Len()+batches[best].Len() {
				best = i
			}
		}
		if best < 0 {
			break
		}
		merged, err := s.merge(batches[best-1], batches[best])
		if err != nil {
			return nil, err
		}
		batches = slices.Replace(batches, best-1, best+1, merged)
	}

	return batches, nil
}

// removable reports whether a batch boundary may be merged away: boundaries in advance of the
// distinguish frontier must be kept for CursorThrough.
func (s *Spine[K, V, T]) removable(boundary lattice.Antichain[T]) bool {
	return !s.through.Dominates(boundary)
}

func (s *Spine[K, V, T]) merge(batches ...*Batch[K, V, T]) (*Batch[K, V, T], error) {
	merged, err := Merge(s.since, batches...)
	if err != nil {
		return nil, err
	}
	s.metrics.Merged()
	s.log.V(5).Info("merge", "batches", len(batches), "result", merged.Description().String(),
		"records", merged.Len())
	return merged, nil
}

func (s *Spine[K, V, T]) snapshot() []*Batch[K, V, T] { return *s.batches.Load() }

func (s *Spine[K, V, T]) publish(batches []*Batch[K, V, T]) {
	s.batches.Store(&batches)
	records := 0
	for _, b := range batches {
		records += b.Len()
	}
	s.metrics.Size(len(batches), records)
}

// Compact merges every run of batches whose boundaries may be removed and advances all times to
// the compaction frontier.
func (s *Spine[K, V, T]) Compact() error {
	if s.closed {
		return newTraceError(s.name, ErrTraceClosed)
	}
	batches := s.snapshot()
	result := make([]*Batch[K, V, T], 0, len(batches))
	run := []*Batch[K, V, T]{}
	flush := func() error {
		switch {
		case len(run) == 0:
			return nil
		case len(run) == 1 && run[0].Since().Equal(s.since):
			result = append(result, run[0])
		default:
			merged, err := s.merge(run...)
			if err != nil {
				return err
			}
			result = append(result, merged)
		}
		run = run[:0]
		return nil
	}
	for i, b := range batches {
		if i > 0 && !s.removable(b.Lower()) {
			if err := flush(); err != nil {
				return newTraceError(s.name, err)
			}
		}
		run = append(run, b)
	}
	if err := flush(); err != nil {
		return newTraceError(s.name, err)
	}

	s.log.V(4).Info("compact", "since", s.since.String(), "batches-before", len(batches),
		"batches-after", len(result))
	s.publish(result)
	return nil
}

// AdvanceBy advances the logical compaction frontier: accumulations are only required to be
// exact at times in advance of it. The frontier may never regress.
func (s *Spine[K, V, T]) AdvanceBy(frontier lattice.Antichain[T]) error {
	if s.closed {
		return newTraceError(s.name, ErrTraceClosed)
	}
	if !s.since.Dominates(frontier) {
		return newTraceError(s.name, fmt.Errorf("%w: compaction frontier %s advanced to %s",
			lattice.ErrFrontierRegressed, s.since, frontier))
	}
	if s.since.Equal(frontier) {
		return nil
	}
	s.since = frontier.Clone()
	if s.policy.CompactOnAdvance || frontier.IsEmpty() {
		return s.Compact()
	}
	return nil
}

// DistinguishSince advances the distinguish frontier: batch boundaries not in advance of it may
// be merged away. The frontier may never regress.
func (s *Spine[K, V, T]) DistinguishSince(frontier lattice.Antichain[T]) error {
	if s.closed {
		return newTraceError(s.name, ErrTraceClosed)
	}
	if !s.through.Dominates(frontier) {
		return newTraceError(s.name, fmt.Errorf("%w: distinguish frontier %s advanced to %s",
			lattice.ErrFrontierRegressed, s.through, frontier))
	}
	if s.through.Equal(frontier) {
		return nil
	}
	s.through = frontier.Clone()
	batches, err := s.maintain(slices.Clone(s.snapshot()))
	if err != nil {
		return newTraceError(s.name, err)
	}
	s.publish(batches)
	return nil
}

// Cursor returns a cursor over the current batch list.
func (s *Spine[K, V, T]) Cursor() Cursor[K, V, T] {
	return NewCursorList(s.snapshot())
}

// CursorThrough returns a cursor over the prefix of batches ending at upper.
func (s *Spine[K, V, T]) CursorThrough(upper lattice.Antichain[T]) (Cursor[K, V, T], bool) {
	batches := s.snapshot()
	if upper.Equal(s.lower) {
		return NewCursorList[K, V, T](nil), true
	}
	for i, b := range batches {
		if b.Upper().Equal(upper) {
			return NewCursorList(batches[:i+1]), true
		}
	}
	if len(batches) == 0 && upper.Equal(s.upper) {
		return NewCursorList[K, V, T](nil), true
	}
	return nil, false
}

// MapBatches calls f on every batch in time order.
func (s *Spine[K, V, T]) MapBatches(f func(*Batch[K, V, T])) {
	for _, b := range s.snapshot() {
		f(b)
	}
}

// Len returns the number of update records stored.
func (s *Spine[K, V, T]) Len() int {
	n := 0
	for _, b := range s.snapshot() {
		n += b.Len()
	}
	return n
}

// NumBatches returns the number of batches stored.
func (s *Spine[K, V, T]) NumBatches() int { return len(s.snapshot()) }

// Upper returns the upper bound of the trace.
func (s *Spine[K, V, T]) Upper() lattice.Antichain[T] { return s.upper.Clone() }

// Since returns the logical compaction frontier.
func (s *Spine[K, V, T]) Since() lattice.Antichain[T] { return s.since.Clone() }

// Through returns the distinguish frontier.
func (s *Spine[K, V, T]) Through() lattice.Antichain[T] { return s.through.Clone() }

// Close drops all batches. Cursors created earlier remain valid.
func (s *Spine[K, V, T]) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.publish([]*Batch[K, V, T]{})
	s.log.V(2).Info("closed")
}

// IsClosed reports whether the trace was closed.
func (s *Spine[K, V, T]) IsClosed() bool { return s.closed }
