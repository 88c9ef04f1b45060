// Package blobsync implements the Blob Syncer: the per-asset
// skip/add/update/defer/fail decision table, the annex add/update
// sequencing against the long-lived batch workers, hash verification
// after materialization, and the dataset-level download lock that blocks
// deletions while any download is in flight.
//
// Grounded on the teacher's pkg/worker (a long-lived loop coordinating a
// runtime and reporting completions back over typed channels) and
// pkg/health (liveness of a long-running subordinate process), adapted
// from container lifecycle management to per-blob add/update bookkeeping.
package blobsync
