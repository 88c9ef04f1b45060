// Package archive defines the Archive interface the synchronization engine
// consumes (spec.md §6) and an HTTP-client adapter implementing it against
// a Dandi-shaped JSON API. The remote archive HTTP client is named as an
// out-of-scope external collaborator in spec.md §1; this package supplies
// the thin, concrete adapter the engine needs to run against a real
// server, grounded on the teacher's pkg/client request/retry wrapping.
package archive
