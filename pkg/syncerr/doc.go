// Package syncerr defines the distinguished error classes used across the
// synchronization engine. Most are plain wrapped errors the orchestrator
// aggregates into a Report; AssertionError is raised by panic and recovered
// once at the per-dandiset task-tree boundary, since it signals a server or
// programmer bug rather than a condition callers should handle inline.
package syncerr
