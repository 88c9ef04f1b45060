// Package syncengine is the per-dandiset synchronization engine: it wires
// the Asset Enumerator, Asset Tracker, Blob Syncer, Zarr Syncer, and
// Commit Controller into the task-tree spec.md §5 describes, bounding
// concurrent Zarr syncs with a semaphore and recovering assertion panics
// at the tree boundary.
//
// Grounded on the teacher's pkg/reconciler loop (one structured pass per
// unit of work, counters folded into a report at the end) combined with
// pkg/scheduler's capacity-bounded dispatch, generalized from container
// scheduling to Zarr sync concurrency.
package syncengine
