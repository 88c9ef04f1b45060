// Package orchestrator is the multi-dandiset worker pool: it bounds how
// many dandiset syncs run concurrently, collects one types.Report per
// dandiset, and never cancels the remaining siblings when one dandiset's
// sync fails (spec.md §5, §7's propagation policy).
//
// Grounded on the teacher's pkg/scheduler and pkg/reconciler loop shape
// (a logger-carrying driver over a fixed work list), restructured around
// an outer golang.org/x/sync/errgroup and semaphore.Weighted instead of a
// ticker, since this package runs one bounded batch per invocation rather
// than a recurring background loop.
package orchestrator
