// Package engine implements the reconciliation core of Stratus.
//
// The engine takes a resolved resource graph (logical name -> kind +
// attributes, with ${name.attr} references between resources), builds a
// dependency DAG, diffs it against the persisted state snapshot, and
// produces an execution plan. The scheduler applies the plan rank by rank:
// creates and updates in ascending dependency order, deletes in descending
// order, with bounded parallelism inside each rank.
//
// Provider-specific behavior is delegated through the Driver interface;
// state persistence goes through the state.Store boundary. The engine never
// talks to a cloud API or a database directly.
package engine
