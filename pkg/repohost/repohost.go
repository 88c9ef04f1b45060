package repohost

import "context"

// Visibility is a GitHub repository's access level, mirroring spec.md
// §6's submodule.<path>.github-access-status values.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// RepoHost is the abstract GitHub API client the Commit/Embargo
// Controller uses on an embargo transition (spec.md §4.6). It never
// touches working-tree content; it only flips hosted-repository
// metadata.
type RepoHost interface {
	// SetVisibility flips a dandiset or Zarr repository's visibility on
	// the hosting service.
	SetVisibility(ctx context.Context, org, repo string, v Visibility) error
	// RepoExists reports whether a repository has already been created
	// for this dandiset/Zarr id, used by ensure_installed-style setup.
	RepoExists(ctx context.Context, org, repo string) (bool, error)
}

// NullRepoHost is a no-op RepoHost: SetVisibility and RepoExists succeed
// trivially without making any network call. The real GitHub API surface
// is out of scope (spec.md §1); this adapter lets every caller-facing
// code path exercise the interface without one.
type NullRepoHost struct{}

func (NullRepoHost) SetVisibility(ctx context.Context, org, repo string, v Visibility) error {
	return nil
}

func (NullRepoHost) RepoExists(ctx context.Context, org, repo string) (bool, error) {
	return true, nil
}
