// Package trace implements the storage layer of incremental computations: immutable, sorted and
// consolidated batches of (key, value, time, diff) updates, and the trace (spine) that
// accumulates batches into a log-structured, lazily compacted history.
//
// A trace answers the question "what is the multiset of values for key K as of time T" through a
// cursor, which walks keys in order and, for each key, the updates grouped by time. Batches are
// never mutated: they are merged into larger batches, optionally advancing their times to a
// compaction frontier so that distinctions no reader can observe any more are collapsed.
//
// Key components:
//   - Update, Consolidate: the change record and its normal form.
//   - Batch, Builder, Description: immutable sorted runs of updates covering a time interval.
//   - Batcher: collects unordered updates and seals those that are final into batches.
//   - Cursor: ordered traversal of a batch or a list of batches.
//   - Spine: the trace, a contiguous sequence of batches with merge and compaction policies.
package trace
