// Package enumerator implements the Asset Enumerator: a lazy, paginated
// stream of a dandiset version's assets ordered by server creation
// timestamp, interleaved with version-boundary sentinels when syncing the
// draft version.
//
// Grounded on the teacher's ticker-driven polling loops (pkg/scheduler,
// pkg/reconciler), restructured from a periodic callback into a
// pull-based producer goroutine feeding a bounded channel.
package enumerator
