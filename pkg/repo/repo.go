package repo

import (
	"context"
	"time"

	"github.com/dandi/backups2datalad/pkg/types"
)

// AnnexedFile is one entry yielded by Repo.AnnexedFiles: a working-tree
// path and the annex key it currently resolves to.
type AnnexedFile struct {
	Path string
	Key  string
}

// CommitRecord is one commit on the current branch, oldest first, as
// returned by Repo.History.
type CommitRecord struct {
	Hash string
	Date time.Time
}

// Repo is the stable surface over one local VCS+annex repository (spec.md
// §6). One Repo instance owns exactly one dandiset or Zarr repository.
type Repo interface {
	// Path returns the repository's working-tree root.
	Path() string

	// EnsureInstalled creates and configures the repository on first use;
	// a no-op if it already exists and is already configured.
	EnsureInstalled(ctx context.Context, desc string, commitDate time.Time, backupRemote, backend string, embargoStatus types.EmbargoStatus) error

	// Content
	Add(ctx context.Context, path string) error
	Remove(ctx context.Context, path string) error
	RemoveBatch(ctx context.Context, paths []string) error
	AddSubmodule(ctx context.Context, path, url, id string) error
	UpdateSubmodule(ctx context.Context, path, commitHash string) error

	// State
	IsDirty(ctx context.Context) (bool, error)
	HasChanges(ctx context.Context, paths []string) (bool, error)
	Commit(ctx context.Context, msg string, date time.Time) error
	GC(ctx context.Context) error
	Push(ctx context.Context, target string, jobs int) error

	// Config
	GetRepoConfig(ctx context.Context, key, file string) (string, error)
	SetRepoConfig(ctx context.Context, key, value, file string) error

	// Annex queries
	AnnexedFiles(ctx context.Context) (<-chan AnnexedFile, error)
	// LookupKey returns the annex key a working-tree path currently
	// resolves to. exists is false if path is not annexed (absent, or
	// present but stored inline rather than under the annex).
	LookupKey(ctx context.Context, path string) (key string, exists bool, err error)
	ComputeZarrChecksum(ctx context.Context) (string, error)

	// HeadCommit returns the current HEAD commit hash, used by the
	// Commit Controller to pin submodule references.
	HeadCommit(ctx context.Context) (string, error)

	// History returns every commit on the current branch, oldest first,
	// used by the Commit Controller's retagging pass to locate the
	// commit matching a published version's asset set.
	History(ctx context.Context) ([]CommitRecord, error)
	// ReadFileAtCommit returns path's content as of commit.
	ReadFileAtCommit(ctx context.Context, commit, path string) (string, error)
	// ResolveTag returns the commit a tag currently points to. ok is
	// false if the tag does not exist.
	ResolveTag(ctx context.Context, tag string) (commit string, ok bool, err error)
	// Tag creates or force-moves a lightweight tag to point at commit.
	Tag(ctx context.Context, tag, commit string) error
	// MergeOurs records an ours-strategy merge of ref into HEAD, used to
	// fold a fast-forwarded tag back into a linear draft history.
	MergeOurs(ctx context.Context, ref string, date time.Time) error
}
