// Package lattice implements the partially ordered logical timestamps used to track progress in
// incremental computations, together with antichains and frontiers built on top of them.
//
// A timestamp type forms a lattice: any two times have a least upper bound (Join) and a greatest
// lower bound (Meet). Times that are not comparable may still be combined, which is what lets
// operators reason about nested iterations and multi-dimensional time.
//
// Key components:
//   - Lattice: the constraint every timestamp type satisfies.
//   - Epoch: totally ordered times, the usual outer time of a computation.
//   - Product: pairs of times ordered component-wise, used for iteration rounds.
//   - Antichain: a set of mutually incomparable times, the representation of a frontier.
//   - MutableAntichain: counted holds on times whose minimal elements form a frontier.
//   - Frontier: a monotonically advancing antichain.
package lattice
