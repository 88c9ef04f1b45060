// Package repohost defines the RepoHost interface the Commit/Embargo
// Controller uses to flip a dandiset's GitHub repository visibility and
// manage Zarr-submodule remotes during an embargo transition. The real
// GitHub API client is an out-of-scope external collaborator (spec.md
// §1); the package ships NullRepoHost, a no-op adapter, and
// FakeRepoHost, a recording double for tests.
package repohost
