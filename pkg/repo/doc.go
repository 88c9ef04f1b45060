// Package repo defines the Repo interface the synchronization engine is
// built against (spec.md §6) and GitAnnexRepo, a concrete adapter that
// shells out to the git and git-annex binaries. The VCS+annex tool itself
// remains an out-of-scope external collaborator (spec.md §1); this
// package is the thin, necessarily process-invoking layer the engine
// needs to exist concretely.
package repo
