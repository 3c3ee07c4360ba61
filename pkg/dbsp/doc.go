// Package dbsp implements incremental dataflow operators over collections of time-stamped,
// weighted updates. A collection is a stream of batches of (key, value, time, diff) updates;
// operators consume the batches of their inputs and produce batches so that the accumulated
// output at any time equals the operator applied to the accumulated input at that time.
//
// Computations are assembled with generic builder functions on a Scope and executed by stepping
// the scope: every step runs each operator once, in construction order, on whatever input has
// arrived.
//
// Key components:
//   - Scope: operators sharing one timestamp type and a cooperative scheduler.
//   - InputSession: feeds inserts and deletes into a scope and advances its frontier.
//   - Collection: the output stream of an operator.
//   - Arranged: a collection indexed by key in a shared trace, the input of Join and Reduce.
//   - Subscription and Probe: consume the output and the frontier of a collection.
//   - ZSet: a materialized snapshot of a collection at a time.
//
// Operator types:
//   - Linear: Map, Filter, FlatMap, Negate, Concat, Inspect (work on one batch at a time).
//   - Bilinear: Join, JoinMap, Semijoin (a new batch on one side meets the history of the other).
//   - Nonlinear: Reduce, Distinct, Count, Threshold (recompute the keys and times that changed).
//   - Structural: inputs, Arrange, Iterate, Subscribe, Probe.
//
// Iterate runs a loop body to a fixed point in a child scope whose time is
// lattice.Product[T, lattice.Epoch]; the inner coordinate counts rounds.
//
// Example usage:
//
//	scope := dbsp.NewScope[lattice.Epoch](dbsp.Options{Name: "example"})
//	edges := dbsp.NewInput[int, int](scope, "edges")
//	nodes := dbsp.Distinct(dbsp.Arrange(edges.Collection()))
//	sub := dbsp.Subscribe(nodes.Collection)
//	edges.Insert(1, 2)
//	edges.AdvanceTo(1)
//	err := scope.Run(ctx)
//	zset, err := sub.Materialize(0)
package dbsp
