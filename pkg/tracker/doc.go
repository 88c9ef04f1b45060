// Package tracker implements the Asset Tracker: the per-dandiset-repo
// metadata diff engine that decides which assets changed since the last
// sync, which were deleted, and which are deferred to a future run.
//
// The tracker is shared by the enumerator-consuming goroutine and the
// blob/Zarr syncer goroutines within one dandiset's task tree, so its
// three evolving sets (remote_assets, in_progress, future_assets) and its
// durable metadata map are all guarded by one mutex, grounded on the
// teacher's pkg/storage JSON-marshal-per-record persistence idiom
// (adapted here to a flat sorted JSON document since the unit of
// persistence is one dandiset repository, not a shared database).
package tracker
