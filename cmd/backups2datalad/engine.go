package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dandi/backups2datalad/pkg/annex"
	"github.com/dandi/backups2datalad/pkg/archive"
	"github.com/dandi/backups2datalad/pkg/config"
	"github.com/dandi/backups2datalad/pkg/objectstore"
	"github.com/dandi/backups2datalad/pkg/repo"
	"github.com/dandi/backups2datalad/pkg/repohost"
	"github.com/dandi/backups2datalad/pkg/syncengine"
)

// knownInstances maps a dandi_instance name (spec.md config §6) to its
// archive API base URL, mirroring the dandi CLI's known_instances table
// for the two instances this module's test fixtures target.
var knownInstances = map[string]string{
	"dandi":         "https://api.dandiarchive.org/api",
	"dandi-staging": "https://api-staging.dandiarchive.org/api",
}

func archiveBaseURL(instance string) (string, error) {
	if url, ok := knownInstances[instance]; ok {
		return url, nil
	}
	return "", fmt.Errorf("unknown dandi_instance %q (known: dandi, dandi-staging)", instance)
}

// engineBuilder constructs per-dandiset syncengine.Engines against real
// adapters, tracking every subprocess-backed annex.Client it opens so the
// caller can close them once the whole batch has finished.
type engineBuilder struct {
	cfg      *config.Config
	archive  archive.Archive
	store    objectstore.ObjectStore
	repoHost repohost.RepoHost

	mu      sync.Mutex
	closers []io.Closer
}

func newEngineBuilder(ctx context.Context, cfg *config.Config) (*engineBuilder, error) {
	baseURL, err := archiveBaseURL(cfg.DandiInstance)
	if err != nil {
		return nil, err
	}

	store, err := objectstore.NewS3ObjectStore(ctx, s3Region(), cfg.S3Endpoint, "", "")
	if err != nil {
		return nil, fmt.Errorf("connecting to object store: %w", err)
	}

	return &engineBuilder{
		cfg:      cfg,
		archive:  archive.NewHTTPArchive(baseURL),
		store:    store,
		repoHost: repohost.NullRepoHost{},
	}, nil
}

func s3Region() string {
	if r := os.Getenv("AWS_REGION"); r != "" {
		return r
	}
	if r := os.Getenv("AWS_DEFAULT_REGION"); r != "" {
		return r
	}
	return "us-east-2"
}

func (b *engineBuilder) register(c io.Closer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closers = append(b.closers, c)
}

// closeAll closes every annex.Client opened across every Build call.
// Individual close errors are discarded: they are neither logged nor
// returned.
func (b *engineBuilder) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.closers {
		_ = c.Close()
	}
	b.closers = nil
}

func (b *engineBuilder) dandisetDir(dandisetID string) string {
	return filepath.Join(b.cfg.BackupRoot, b.cfg.Dandisets.Path, dandisetID)
}

func (b *engineBuilder) zarrDir(zarrID string) string {
	path := "zarr"
	if b.cfg.Zarrs != nil && b.cfg.Zarrs.Path != "" {
		path = b.cfg.Zarrs.Path
	}
	return filepath.Join(b.cfg.BackupRoot, path, zarrID)
}

func (b *engineBuilder) zarrGitHubOrg() string {
	if b.cfg.Zarrs != nil {
		return b.cfg.Zarrs.GitHubOrg
	}
	return ""
}

// Build constructs the Engine for one dandiset, wiring its own Repo/Annex
// pair plus an OpenZarrRepo callback that lazily opens one Repo/Annex pair
// per Zarr submodule the engine encounters.
func (b *engineBuilder) Build(ctx context.Context, dandisetID string) (*syncengine.Engine, error) {
	dir := b.dandisetDir(dandisetID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating working tree for dandiset %s: %w", dandisetID, err)
	}

	r := repo.NewGitAnnexRepo(dir)
	ann, err := annex.New(ctx, dir, b.cfg.Jobs)
	if err != nil {
		return nil, fmt.Errorf("starting annex workers for dandiset %s: %w", dandisetID, err)
	}
	b.register(ann)

	zarrSubmodules, err := b.existingZarrSubmodules(dir)
	if err != nil {
		return nil, fmt.Errorf("reading existing zarr submodules for dandiset %s: %w", dandisetID, err)
	}

	return &syncengine.Engine{
		Archive:        b.archive,
		Store:          b.store,
		Repo:           r,
		Annex:          ann,
		RepoHost:       b.repoHost,
		Config:         b.cfg,
		DandisetID:     dandisetID,
		GitHubOrg:      b.cfg.Dandisets.GitHubOrg,
		ZarrGitHubOrg:  b.zarrGitHubOrg(),
		BackupRemote:   b.cfg.BackupRemote,
		Backend:        "SHA256E",
		ZarrSubmodules: zarrSubmodules,
		OpenZarrRepo:   b.openZarrRepo,
		Verify:         b.cfg.Mode == config.ModeVerify,
		ZarrLimit:      b.cfg.ZarrLimit,
	}, nil
}

func (b *engineBuilder) openZarrRepo(ctx context.Context, zarrID string) (syncengine.ZarrHandle, error) {
	dir := b.zarrDir(zarrID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return syncengine.ZarrHandle{}, fmt.Errorf("creating working tree for zarr %s: %w", zarrID, err)
	}
	ann, err := annex.New(ctx, dir, b.cfg.Jobs)
	if err != nil {
		return syncengine.ZarrHandle{}, fmt.Errorf("starting annex workers for zarr %s: %w", zarrID, err)
	}
	b.register(ann)
	return syncengine.ZarrHandle{Repo: repo.NewGitAnnexRepo(dir), Annex: ann}, nil
}

// existingZarrSubmodules pre-populates the dandiset's ZarrSubmodules map
// from a prior run's .gitmodules, so an embargo transition this run
// cascades visibility to Zarr repos this run's asset stream never
// touches.
func (b *engineBuilder) existingZarrSubmodules(dandisetDir string) (map[string]repo.Repo, error) {
	out := make(map[string]repo.Repo)
	entries, err := parseGitmodules(filepath.Join(dandisetDir, ".gitmodules"))
	if err != nil {
		return nil, err
	}
	for path, zarrID := range entries {
		out[path] = repo.NewGitAnnexRepo(b.zarrDir(zarrID))
	}
	return out, nil
}

// parseGitmodules extracts path -> zarr id (the submodule section name)
// from a .gitmodules file. Returns an empty map if the file doesn't exist.
func parseGitmodules(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	defer f.Close()

	out := make(map[string]string)
	var currentID string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "[submodule "):
			currentID = strings.Trim(strings.TrimPrefix(line, "[submodule "), `"] `)
		case strings.HasPrefix(line, "path"):
			parts := strings.SplitN(line, "=", 2)
			if len(parts) == 2 && currentID != "" {
				out[strings.TrimSpace(parts[1])] = currentID
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
