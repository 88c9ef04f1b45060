package repo

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/dandi/backups2datalad/pkg/dandilog"
	"github.com/dandi/backups2datalad/pkg/types"
)

// GitAnnexRepo is the concrete Repo adapter: every operation shells out to
// the git or git-annex binary in path. One instance owns exactly one
// working tree, mirroring the teacher's one-subprocess-handle-per-unit-
// of-work shape (pkg/runtime.ContainerdRuntime), generalized from a
// containerd client connection to a directory of CLI invocations.
type GitAnnexRepo struct {
	path string
}

// NewGitAnnexRepo returns a GitAnnexRepo rooted at path. The directory
// need not exist yet; EnsureInstalled creates it.
func NewGitAnnexRepo(path string) *GitAnnexRepo {
	return &GitAnnexRepo{path: path}
}

func (r *GitAnnexRepo) Path() string { return r.path }

func (r *GitAnnexRepo) run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.path
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w (output: %s)", name, strings.Join(args, " "), err, string(out))
	}
	return string(out), nil
}

func (r *GitAnnexRepo) git(ctx context.Context, args ...string) (string, error) {
	return r.run(ctx, "git", args...)
}

func (r *GitAnnexRepo) annex(ctx context.Context, args ...string) (string, error) {
	return r.run(ctx, "git-annex", args...)
}

func (r *GitAnnexRepo) EnsureInstalled(ctx context.Context, desc string, commitDate time.Time, backupRemote, backend string, embargoStatus types.EmbargoStatus) error {
	log := dandilog.WithComponent("repo")

	if _, err := os.Stat(filepath.Join(r.path, ".git")); err != nil {
		if err := os.MkdirAll(r.path, 0o755); err != nil {
			return fmt.Errorf("creating repo dir %s: %w", r.path, err)
		}
		if _, err := r.git(ctx, "init"); err != nil {
			return err
		}
		if _, err := r.annex(ctx, "init", desc); err != nil {
			return err
		}
		if backend != "" {
			if _, err := r.git(ctx, "config", "annex.backend", backend); err != nil {
				return err
			}
		}
		log.Info().Str("path", r.path).Msg("initialized repository")
	}

	if err := r.SetRepoConfig(ctx, "dandi.dandiset.embargo-status", string(embargoStatus), ""); err != nil {
		return err
	}

	if backupRemote != "" {
		out, err := r.git(ctx, "remote")
		if err != nil {
			return err
		}
		if !strings.Contains(out, backupRemote) {
			if _, err := r.annex(ctx, "initremote", backupRemote, "type=external", "externaltype=rclone"); err != nil {
				log.Warn().Str("remote", backupRemote).Err(err).Msg("could not register backup remote")
			}
		}
	}

	return nil
}

func (r *GitAnnexRepo) Add(ctx context.Context, path string) error {
	_, err := r.annex(ctx, "add", path)
	return err
}

func (r *GitAnnexRepo) Remove(ctx context.Context, path string) error {
	_, err := r.git(ctx, "rm", "-f", "--", path)
	return err
}

func (r *GitAnnexRepo) RemoveBatch(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"rm", "-f", "--"}, paths...)
	_, err := r.git(ctx, args...)
	return err
}

func (r *GitAnnexRepo) AddSubmodule(ctx context.Context, path, url, id string) error {
	_, err := r.git(ctx, "submodule", "add", "--name", id, url, path)
	return err
}

func (r *GitAnnexRepo) UpdateSubmodule(ctx context.Context, path, commitHash string) error {
	sub := NewGitAnnexRepo(filepath.Join(r.path, path))
	if _, err := sub.git(ctx, "checkout", commitHash); err != nil {
		return err
	}
	_, err := r.git(ctx, "add", path)
	return err
}

func (r *GitAnnexRepo) IsDirty(ctx context.Context) (bool, error) {
	out, err := r.git(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

func (r *GitAnnexRepo) HasChanges(ctx context.Context, paths []string) (bool, error) {
	if len(paths) == 0 {
		return r.IsDirty(ctx)
	}
	args := append([]string{"status", "--porcelain", "--"}, paths...)
	out, err := r.git(ctx, args...)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

func (r *GitAnnexRepo) Commit(ctx context.Context, msg string, date time.Time) error {
	ts := date.Format(time.RFC3339)
	cmd := exec.CommandContext(ctx, "git", "commit", "-m", msg, "--date", ts)
	cmd.Dir = r.path
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_DATE="+ts,
		"GIT_COMMITTER_DATE="+ts,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git commit: %w (output: %s)", err, string(out))
	}
	return nil
}

func (r *GitAnnexRepo) GC(ctx context.Context) error {
	_, err := r.git(ctx, "gc", "--auto")
	return err
}

func (r *GitAnnexRepo) Push(ctx context.Context, target string, jobs int) error {
	_, err := r.annex(ctx, "sync", "--no-pull", "--jobs", fmt.Sprintf("%d", jobs), target)
	return err
}

func (r *GitAnnexRepo) GetRepoConfig(ctx context.Context, key, file string) (string, error) {
	args := []string{"config"}
	if file != "" {
		args = append(args, "--file", file)
	}
	args = append(args, "--get", key)
	out, err := r.git(ctx, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (r *GitAnnexRepo) SetRepoConfig(ctx context.Context, key, value, file string) error {
	args := []string{"config"}
	if file != "" {
		args = append(args, "--file", file)
	}
	args = append(args, key, value)
	_, err := r.git(ctx, args...)
	return err
}

func (r *GitAnnexRepo) AnnexedFiles(ctx context.Context) (<-chan AnnexedFile, error) {
	cmd := exec.CommandContext(ctx, "git-annex", "find", "--include=*", "--format=${file} ${key}\\n")
	cmd.Dir = r.path
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("piping git-annex find: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting git-annex find: %w", err)
	}

	ch := make(chan AnnexedFile)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			idx := strings.LastIndex(line, " ")
			if idx < 0 {
				continue
			}
			af := AnnexedFile{Path: line[:idx], Key: line[idx+1:]}
			select {
			case ch <- af:
			case <-ctx.Done():
				return
			}
		}
		_ = cmd.Wait()
	}()
	return ch, nil
}

// LookupKey shells out to `git-annex lookupkey`, which prints the key on
// stdout and exits non-zero if path is not annexed.
func (r *GitAnnexRepo) LookupKey(ctx context.Context, path string) (string, bool, error) {
	out, err := r.annex(ctx, "lookupkey", path)
	if err != nil {
		return "", false, nil
	}
	key := strings.TrimSpace(out)
	if key == "" {
		return "", false, nil
	}
	return key, true, nil
}

// ComputeZarrChecksum computes the Zarr tree's Merkle checksum over every
// annexed file's path, size, and MD5, the same digest the archive API
// reports as a Zarr asset's checksum (see zarrTreeChecksum).
func (r *GitAnnexRepo) ComputeZarrChecksum(ctx context.Context) (string, error) {
	files, err := r.AnnexedFiles(ctx)
	if err != nil {
		return "", err
	}

	var entries []AnnexedFile
	for f := range files {
		entries = append(entries, f)
	}
	return zarrTreeChecksum(entries)
}

func (r *GitAnnexRepo) HeadCommit(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// History returns every commit on the current branch, oldest first.
func (r *GitAnnexRepo) History(ctx context.Context) ([]CommitRecord, error) {
	out, err := r.git(ctx, "log", "--reverse", "--format=%H%x09%cI")
	if err != nil {
		return nil, err
	}
	var commits []CommitRecord
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		date, err := time.Parse(time.RFC3339, parts[1])
		if err != nil {
			return nil, fmt.Errorf("parsing commit date %q: %w", parts[1], err)
		}
		commits = append(commits, CommitRecord{Hash: parts[0], Date: date})
	}
	return commits, nil
}

// ReadFileAtCommit shells out to `git show commit:path`.
func (r *GitAnnexRepo) ReadFileAtCommit(ctx context.Context, commit, path string) (string, error) {
	out, err := r.git(ctx, "show", fmt.Sprintf("%s:%s", commit, path))
	if err != nil {
		return "", err
	}
	return out, nil
}

// ResolveTag shells out to `git rev-parse`, treating a non-zero exit as
// "tag does not exist" rather than an error.
func (r *GitAnnexRepo) ResolveTag(ctx context.Context, tag string) (string, bool, error) {
	out, err := r.git(ctx, "rev-parse", "refs/tags/"+tag)
	if err != nil {
		return "", false, nil
	}
	return strings.TrimSpace(out), true, nil
}

// Tag force-creates a lightweight tag at commit.
func (r *GitAnnexRepo) Tag(ctx context.Context, tag, commit string) error {
	_, err := r.git(ctx, "tag", "-f", tag, commit)
	return err
}

// MergeOurs merges ref into HEAD with the ours strategy, discarding its
// content changes and keeping only its ancestry.
func (r *GitAnnexRepo) MergeOurs(ctx context.Context, ref string, date time.Time) error {
	ts := date.Format(time.RFC3339)
	cmd := exec.CommandContext(ctx, "git", "merge", "-s", "ours", "--no-edit", ref)
	cmd.Dir = r.path
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_DATE="+ts,
		"GIT_COMMITTER_DATE="+ts,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git merge -s ours %s: %w (output: %s)", ref, err, string(out))
	}
	return nil
}

var _ Repo = (*GitAnnexRepo)(nil)
