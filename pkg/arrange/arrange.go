// Package arrange shares a trace between one writer and any number of readers.
//
// An Arrangement wraps a trace.Spine. The writer appends batches; readers obtain Handles, each
// of which holds an advance frontier (times the reader may still query accumulations at) and a
// distinguish frontier (batch boundaries the reader may still cut at). The trace is compacted to
// the meet of all advance holds and merges only boundaries below the meet of all distinguish
// holds. Handles are reference counted: the trace is dropped when the writer and every handle
// are closed.
package arrange

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/l7mp/ddflow/pkg/lattice"
	"github.com/l7mp/ddflow/pkg/trace"
)

// Arrangement is a shared, reference counted trace.
type Arrangement[K, V any, T lattice.Lattice[T]] struct {
	mu      sync.Mutex
	spine   *trace.Spine[K, V, T]
	advance *lattice.MutableAntichain[T]
	through *lattice.MutableAntichain[T]
	handles int
	writer  bool
	log     logr.Logger
}

// Enter wraps a trace for sharing. The caller becomes the single writer of the trace.
func Enter[K, V any, T lattice.Lattice[T]](spine *trace.Spine[K, V, T], log logr.Logger) *Arrangement[K, V, T] {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Arrangement[K, V, T]{
		spine:   spine,
		advance: lattice.NewMutableAntichain[T](),
		through: lattice.NewMutableAntichain[T](),
		writer:  true,
		log:     log.WithName("arrangement").WithValues("trace", spine.Name()),
	}
}

// Name returns the name of the underlying trace.
func (a *Arrangement[K, V, T]) Name() string { return a.spine.Name() }

// Insert appends a batch to the trace. Only the writer may insert.
func (a *Arrangement[K, V, T]) Insert(batch *trace.Batch[K, V, T]) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.writer {
		return &trace.Error{Trace: a.spine.Name(), Cause: trace.ErrTraceClosed}
	}
	if err := a.spine.Insert(batch); err != nil {
		return err
	}
	return a.maintain()
}

// Upper returns the upper bound of the trace.
func (a *Arrangement[K, V, T]) Upper() lattice.Antichain[T] {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.spine.Upper()
}

// NewHandle creates a reader handle holding the current compaction and distinguish frontiers
// of the trace.
func (a *Arrangement[K, V, T]) NewHandle() (*Handle[K, V, T], error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.spine.IsClosed() {
		return nil, &trace.Error{Trace: a.spine.Name(), Cause: trace.ErrTraceClosed}
	}
	return a.newHandleLocked(a.spine.Since(), a.spine.Through()), nil
}

func (a *Arrangement[K, V, T]) newHandleLocked(advance, through lattice.Antichain[T]) *Handle[K, V, T] {
	a.advance.UpdateAll(lattice.Antichain[T]{}, advance)
	a.through.UpdateAll(lattice.Antichain[T]{}, through)
	a.handles++
	a.log.V(4).Info("handle created", "handles", a.handles, "advance", advance.String(),
		"through", through.String())
	return &Handle[K, V, T]{arrangement: a, advance: advance.Clone(), through: through.Clone()}
}

// Handles returns the number of open handles.
func (a *Arrangement[K, V, T]) Handles() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handles
}

// CloseWriter releases the writer reference. No more batches may be inserted.
func (a *Arrangement[K, V, T]) CloseWriter() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.writer {
		return
	}
	a.writer = false
	a.dropIfUnused()
}

// IsDropped reports whether the trace was released.
func (a *Arrangement[K, V, T]) IsDropped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.spine.IsClosed()
}

// maintain pushes the frontiers held by the handles to the trace. The compaction frontier is
// capped at the trace upper so that the next batch is never below it.
func (a *Arrangement[K, V, T]) maintain() error {
	if a.spine.IsClosed() {
		return nil
	}
	upper := a.spine.Upper()
	if err := a.spine.AdvanceBy(a.advance.Frontier().Meet(upper)); err != nil {
		return err
	}
	return a.spine.DistinguishSince(a.through.Frontier().Meet(upper))
}

func (a *Arrangement[K, V, T]) dropIfUnused() {
	if a.writer || a.handles > 0 || a.spine.IsClosed() {
		return
	}
	a.spine.Close()
	a.log.V(2).Info("trace dropped")
}

// Handle is a reader reference to an arrangement. Handles are not safe for concurrent use,
// except for Close.
type Handle[K, V any, T lattice.Lattice[T]] struct {
	arrangement *Arrangement[K, V, T]
	advance     lattice.Antichain[T]
	through     lattice.Antichain[T]
	closed      bool
}

var _ trace.Reader[int, int, lattice.Epoch] = &Handle[int, int, lattice.Epoch]{}

// Arrangement returns the arrangement the handle refers to.
func (h *Handle[K, V, T]) Arrangement() *Arrangement[K, V, T] { return h.arrangement }

// Cursor returns a cursor over the whole trace.
func (h *Handle[K, V, T]) Cursor() trace.Cursor[K, V, T] {
	return h.arrangement.spine.Cursor()
}

// CursorThrough returns a cursor over the batches up to upper.
func (h *Handle[K, V, T]) CursorThrough(upper lattice.Antichain[T]) (trace.Cursor[K, V, T], bool) {
	h.arrangement.mu.Lock()
	defer h.arrangement.mu.Unlock()
	return h.arrangement.spine.CursorThrough(upper)
}

// MapBatches calls f on every batch of the trace.
func (h *Handle[K, V, T]) MapBatches(f func(*trace.Batch[K, V, T])) {
	h.arrangement.spine.MapBatches(f)
}

// Upper returns the upper bound of the trace.
func (h *Handle[K, V, T]) Upper() lattice.Antichain[T] { return h.arrangement.Upper() }

// AdvanceFrontier returns the advance hold of the handle.
func (h *Handle[K, V, T]) AdvanceFrontier() lattice.Antichain[T] {
	h.arrangement.mu.Lock()
	defer h.arrangement.mu.Unlock()
	return h.advance.Clone()
}

// ThroughFrontier returns the distinguish hold of the handle.
func (h *Handle[K, V, T]) ThroughFrontier() lattice.Antichain[T] {
	h.arrangement.mu.Lock()
	defer h.arrangement.mu.Unlock()
	return h.through.Clone()
}

// AdvanceBy moves the advance hold of the handle forward.
func (h *Handle[K, V, T]) AdvanceBy(frontier lattice.Antichain[T]) error {
	return h.move(&h.advance, h.arrangement.advance, frontier, "advance")
}

// DistinguishSince moves the distinguish hold of the handle forward.
func (h *Handle[K, V, T]) DistinguishSince(frontier lattice.Antichain[T]) error {
	return h.move(&h.through, h.arrangement.through, frontier, "distinguish")
}

func (h *Handle[K, V, T]) move(hold *lattice.Antichain[T], holds *lattice.MutableAntichain[T], to lattice.Antichain[T], kind string) error {
	a := h.arrangement
	a.mu.Lock()
	defer a.mu.Unlock()
	if h.closed {
		return &trace.Error{Trace: a.spine.Name(), Cause: trace.ErrTraceClosed}
	}
	if !hold.Dominates(to) {
		return &trace.Error{Trace: a.spine.Name(), Cause: fmt.Errorf("%w: %s hold %s moved to %s",
			lattice.ErrFrontierRegressed, kind, *hold, to)}
	}
	if hold.Equal(to) {
		return nil
	}
	changed := holds.UpdateAll(*hold, to)
	*hold = to.Clone()
	if !changed {
		return nil
	}
	return a.maintain()
}

// Clone creates a new handle with the same holds.
func (h *Handle[K, V, T]) Clone() (*Handle[K, V, T], error) {
	a := h.arrangement
	a.mu.Lock()
	defer a.mu.Unlock()
	if h.closed {
		return nil, &trace.Error{Trace: a.spine.Name(), Cause: trace.ErrTraceClosed}
	}
	return a.newHandleLocked(h.advance, h.through), nil
}

// Close releases the holds of the handle. Safe to call from any goroutine and more than once.
func (h *Handle[K, V, T]) Close() {
	a := h.arrangement
	a.mu.Lock()
	defer a.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	a.advance.UpdateAll(h.advance, lattice.Antichain[T]{})
	a.through.UpdateAll(h.through, lattice.Antichain[T]{})
	a.handles--
	a.log.V(4).Info("handle closed", "handles", a.handles)
	if err := a.maintain(); err != nil {
		a.log.Error(err, "failed to release holds")
	}
	a.dropIfUnused()
}
