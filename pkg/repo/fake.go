package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dandi/backups2datalad/pkg/types"
)

// FakeRepo is an in-memory Repo used by other packages' tests (spec.md
// §8's scenario fixtures are exercised against this rather than a real
// git/git-annex binary). It tracks just enough state to assert against:
// present paths, annex keys, submodules, commit history, and config.
type FakeRepo struct {
	mu sync.Mutex

	path          string
	files         map[string]string // path -> annex key, "" if not annexed (inline)
	contents      map[string]string // path -> content, inline files only
	submodules    map[string]string // path -> url
	submoduleRefs map[string]string // path -> pinned commit hash
	config        map[string]string
	tags          map[string]string // tag -> commit hash
	commits       []FakeCommit
	dirty         bool
	headCounter   int
}

// FakeCommit records one commit made against a FakeRepo, including a
// snapshot of every inline file's content at commit time so tests can
// exercise history-reading operations like ReadFileAtCommit.
type FakeCommit struct {
	Message  string
	Date     time.Time
	Hash     string
	Snapshot map[string]string
}

// NewFakeRepo returns an empty FakeRepo rooted at path.
func NewFakeRepo(path string) *FakeRepo {
	return &FakeRepo{
		path:          path,
		files:         make(map[string]string),
		contents:      make(map[string]string),
		submodules:    make(map[string]string),
		submoduleRefs: make(map[string]string),
		config:        make(map[string]string),
		tags:          make(map[string]string),
	}
}

func (r *FakeRepo) Path() string { return r.path }

func (r *FakeRepo) EnsureInstalled(ctx context.Context, desc string, commitDate time.Time, backupRemote, backend string, embargoStatus types.EmbargoStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config["dandi.dandiset.embargo-status"] = string(embargoStatus)
	return nil
}

func (r *FakeRepo) Add(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.files[path]; !ok {
		r.files[path] = ""
	}
	if r.files[path] == "" {
		if data, err := os.ReadFile(filepath.Join(r.path, path)); err == nil {
			r.contents[path] = string(data)
		}
	}
	r.dirty = true
	return nil
}

// WriteFile seeds path's content directly, for tests that need a commit
// history with readable file content without writing through the real
// filesystem.
func (r *FakeRepo) WriteFile(path, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[path] = ""
	r.contents[path] = content
	r.dirty = true
}

// SetAnnexKey marks path as present with the given annex key, for tests
// that need to seed a FakeRepo's starting state.
func (r *FakeRepo) SetAnnexKey(path, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[path] = key
}

func (r *FakeRepo) Remove(ctx context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.files[path]; ok {
		delete(r.files, path)
		r.dirty = true
	}
	return nil
}

func (r *FakeRepo) RemoveBatch(ctx context.Context, paths []string) error {
	for _, p := range paths {
		if err := r.Remove(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (r *FakeRepo) AddSubmodule(ctx context.Context, path, url, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.submodules[path]; exists {
		return fmt.Errorf("submodule already exists at %s", path)
	}
	r.submodules[path] = url
	r.dirty = true
	return nil
}

func (r *FakeRepo) UpdateSubmodule(ctx context.Context, path, commitHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submoduleRefs[path] = commitHash
	r.dirty = true
	return nil
}

func (r *FakeRepo) IsDirty(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty, nil
}

func (r *FakeRepo) HasChanges(ctx context.Context, paths []string) (bool, error) {
	return r.IsDirty(ctx)
}

func (r *FakeRepo) Commit(ctx context.Context, msg string, date time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headCounter++
	snap := make(map[string]string, len(r.contents))
	for k, v := range r.contents {
		snap[k] = v
	}
	r.commits = append(r.commits, FakeCommit{
		Message:  msg,
		Date:     date,
		Hash:     fmt.Sprintf("fakecommit-%d", r.headCounter),
		Snapshot: snap,
	})
	r.dirty = false
	return nil
}

func (r *FakeRepo) GC(ctx context.Context) error { return nil }

func (r *FakeRepo) Push(ctx context.Context, target string, jobs int) error { return nil }

func (r *FakeRepo) GetRepoConfig(ctx context.Context, key, file string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config[key], nil
}

func (r *FakeRepo) SetRepoConfig(ctx context.Context, key, value, file string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config[key] = value
	return nil
}

func (r *FakeRepo) AnnexedFiles(ctx context.Context) (<-chan AnnexedFile, error) {
	r.mu.Lock()
	paths := make([]string, 0, len(r.files))
	for p, key := range r.files {
		if key != "" {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	ch := make(chan AnnexedFile, len(paths))
	for _, p := range paths {
		ch <- AnnexedFile{Path: p, Key: r.files[p]}
	}
	close(ch)
	r.mu.Unlock()
	return ch, nil
}

func (r *FakeRepo) LookupKey(ctx context.Context, path string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.files[path]
	if !ok || key == "" {
		return "", false, nil
	}
	return key, true, nil
}

func (r *FakeRepo) ComputeZarrChecksum(ctx context.Context) (string, error) {
	ch, err := r.AnnexedFiles(ctx)
	if err != nil {
		return "", err
	}
	var entries []AnnexedFile
	for f := range ch {
		entries = append(entries, f)
	}
	return zarrTreeChecksum(entries)
}

func (r *FakeRepo) HeadCommit(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.commits) == 0 {
		return "", fmt.Errorf("no commits yet")
	}
	return r.commits[len(r.commits)-1].Hash, nil
}

func (r *FakeRepo) History(ctx context.Context) ([]CommitRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CommitRecord, len(r.commits))
	for i, c := range r.commits {
		out[i] = CommitRecord{Hash: c.Hash, Date: c.Date}
	}
	return out, nil
}

func (r *FakeRepo) ReadFileAtCommit(ctx context.Context, commit, path string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.commits {
		if c.Hash == commit {
			content, ok := c.Snapshot[path]
			if !ok {
				return "", fmt.Errorf("%s not present at commit %s", path, commit)
			}
			return content, nil
		}
	}
	return "", fmt.Errorf("no such commit %s", commit)
}

func (r *FakeRepo) ResolveTag(ctx context.Context, tag string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	commit, ok := r.tags[tag]
	return commit, ok, nil
}

func (r *FakeRepo) Tag(ctx context.Context, tag, commit string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags[tag] = commit
	return nil
}

func (r *FakeRepo) MergeOurs(ctx context.Context, ref string, date time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headCounter++
	snap := make(map[string]string, len(r.contents))
	for k, v := range r.contents {
		snap[k] = v
	}
	r.commits = append(r.commits, FakeCommit{
		Message:  fmt.Sprintf("Merge %s (ours)", ref),
		Date:     date,
		Hash:     fmt.Sprintf("fakecommit-%d", r.headCounter),
		Snapshot: snap,
	})
	return nil
}

// Commits returns a copy of every commit made so far, for test assertions.
func (r *FakeRepo) Commits() []FakeCommit {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FakeCommit, len(r.commits))
	copy(out, r.commits)
	return out
}

// Files returns a copy of the path -> annex key map, for test assertions.
func (r *FakeRepo) Files() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.files))
	for k, v := range r.files {
		out[k] = v
	}
	return out
}

var _ Repo = (*FakeRepo)(nil)
