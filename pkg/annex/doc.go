// Package annex implements the five batched, long-lived git-annex worker
// operations spec.md §4.5 names: from-key, examinekey, whereis,
// registerurl, and addurl. Each op is backed by one persistent subprocess
// guarded by its own mutex; addurl additionally splits into a producer
// goroutine (feeding the worker's stdin) and a consumer goroutine
// (parsing its stdout), connected to callers by a zero-capacity
// rendezvous channel per spec.md §5.
//
// Grounded on the teacher's pkg/runtime subprocess-handle lifecycle
// (one process per long-lived unit of work, graceful-then-forced
// shutdown on context cancellation) generalized from a containerd task
// to a line-oriented batch subprocess; no third-party process-supervision
// library in the example pack models this protocol, so the worker itself
// is built on stdlib os/exec and bufio.
package annex
