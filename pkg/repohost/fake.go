package repohost

import (
	"context"
	"fmt"
	"sync"
)

// FakeRepoHost is an in-memory RepoHost recording every visibility
// change, used by pkg/commit's tests to assert on the embargo
// transition without a real GitHub API call.
type FakeRepoHost struct {
	mu         sync.Mutex
	visibility map[string]Visibility
	calls      []VisibilityCall
}

// VisibilityCall records one SetVisibility invocation.
type VisibilityCall struct {
	Org, Repo string
	Vis       Visibility
}

// NewFakeRepoHost returns an empty FakeRepoHost.
func NewFakeRepoHost() *FakeRepoHost {
	return &FakeRepoHost{visibility: make(map[string]Visibility)}
}

func key(org, repo string) string { return org + "/" + repo }

func (f *FakeRepoHost) SetVisibility(ctx context.Context, org, repo string, v Visibility) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visibility[key(org, repo)] = v
	f.calls = append(f.calls, VisibilityCall{Org: org, Repo: repo, Vis: v})
	return nil
}

func (f *FakeRepoHost) RepoExists(ctx context.Context, org, repo string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.visibility[key(org, repo)]
	return ok, nil
}

// VisibilityOf returns the last visibility recorded for org/repo.
func (f *FakeRepoHost) VisibilityOf(org, repo string) (Visibility, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.visibility[key(org, repo)]
	return v, ok
}

// Calls returns a copy of every SetVisibility call made so far, in order.
func (f *FakeRepoHost) Calls() []VisibilityCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]VisibilityCall, len(f.calls))
	copy(out, f.calls)
	return out
}

var _ RepoHost = (*FakeRepoHost)(nil)

func (c VisibilityCall) String() string {
	return fmt.Sprintf("%s/%s -> %s", c.Org, c.Repo, c.Vis)
}
