// Package ledger is a bbolt-backed local record of per-dandiset last-run
// outcome and timestamp, used by the orchestrator to report history and
// avoid redundant scheduling within a single invocation.
//
// Grounded on the teacher's pkg/storage/boltdb.go, generalized from one
// bucket per entity type to a single bucket keyed by dandiset ID.
package ledger
