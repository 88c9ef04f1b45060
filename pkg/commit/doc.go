// Package commit implements the Commit / Embargo Controller: the
// per-version-boundary commit policy (persist tracker state, commit with
// a deterministic message, garbage-collect, retag), and the embargo
// transition that flips a dandiset's and its Zarrs' hosting visibility
// and rewrites their remote URLs.
//
// Grounded on the teacher's pkg/reconciler loop structure (diff desired
// against actual, act, log, continue) and pkg/security's certificate
// issuance/rotation shape, generalized here from TLS certificate
// lifecycle to GitHub repository-visibility and git-annex
// authenticated-download-helper toggling.
package commit
