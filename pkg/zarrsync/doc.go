// Package zarrsync implements the Zarr Syncer: the pre-flight mode gate
// that decides whether a Zarr tree needs a sync pass at all, and the
// bounded reconcile loop that diffs a tree's chunk entries against the
// backup bucket's object-version listing and drives the annex into
// matching state.
//
// Grounded on the teacher's pkg/reconciler (a ticker-bounded reconcile
// loop that diffs desired against actual state and logs per-step
// failures without aborting the cycle), adapted from cluster node and
// container reconciliation to Zarr chunk-entry reconciliation, and
// capped at a fixed iteration budget rather than running forever.
package zarrsync
