package syncengine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dandi/backups2datalad/pkg/annex"
	"github.com/dandi/backups2datalad/pkg/archive"
	"github.com/dandi/backups2datalad/pkg/blobsync"
	"github.com/dandi/backups2datalad/pkg/commit"
	"github.com/dandi/backups2datalad/pkg/config"
	"github.com/dandi/backups2datalad/pkg/dandilog"
	"github.com/dandi/backups2datalad/pkg/enumerator"
	"github.com/dandi/backups2datalad/pkg/metrics"
	"github.com/dandi/backups2datalad/pkg/objectstore"
	"github.com/dandi/backups2datalad/pkg/repo"
	"github.com/dandi/backups2datalad/pkg/repohost"
	"github.com/dandi/backups2datalad/pkg/syncerr"
	"github.com/dandi/backups2datalad/pkg/tracker"
	"github.com/dandi/backups2datalad/pkg/types"
	"github.com/dandi/backups2datalad/pkg/zarrsync"
)

const dandiDir = ".dandi"

// ZarrHandle bundles a Zarr tree's own Repo and Annex client, both rooted
// at its own backup repository rather than the dandiset's.
type ZarrHandle struct {
	Repo  repo.Repo
	Annex annex.Client
}

// Engine is the synchronization engine for one dandiset. One Engine runs
// one dandiset's sync from start to finish; the orchestrator owns the
// worker pool that runs many Engines concurrently (spec.md §5).
type Engine struct {
	Archive  archive.Archive
	Store    objectstore.ObjectStore
	Repo     repo.Repo
	Annex    annex.Client
	RepoHost repohost.RepoHost
	Config   *config.Config

	DandisetID    string
	GitHubOrg     string
	ZarrGitHubOrg string
	BackupRemote  string
	Backend       string

	// ZarrSubmodules maps each known Zarr submodule's .gitmodules path to
	// its opened Repo handle. The caller pre-populates entries for Zarrs
	// that existed before this run (read from a prior run's .gitmodules);
	// Run extends it in place as new Zarr submodules are discovered.
	ZarrSubmodules map[string]repo.Repo
	// OpenZarrRepo opens (creating on first use) the backup repository
	// and annex worker pool for a Zarr asset.
	OpenZarrRepo func(ctx context.Context, zarrID string) (ZarrHandle, error)

	// Verify turns any action that would mutate state into an
	// UnexpectedChangeError unless the server's draft timestamp has
	// advanced since the last run (spec.md §4.6's verify mode).
	Verify bool

	// ZarrLimit bounds concurrent Zarr tree syncs; falls back to
	// Config.ZarrLimit when zero.
	ZarrLimit int
}

func (e *Engine) zarrLimit() int64 {
	if e.ZarrLimit > 0 {
		return int64(e.ZarrLimit)
	}
	if e.Config.ZarrLimit > 0 {
		return int64(e.Config.ZarrLimit)
	}
	return int64(config.DefaultZarrLimit)
}

// Run syncs DandisetID's draft version end to end: enumerate assets,
// track their state, sync blobs and Zarrs, and commit/tag at each version
// boundary, finally reconciling the embargo status against the server.
func (e *Engine) Run(ctx context.Context) (report types.Report, err error) {
	report.DandisetID = e.DandisetID
	if e.ZarrSubmodules == nil {
		e.ZarrSubmodules = make(map[string]repo.Repo)
	}

	metrics.DandisetsInProgress.Inc()
	defer metrics.DandisetsInProgress.Dec()
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DandisetSyncDuration)
	defer syncerr.RecoverAssertion(&err)

	log := dandilog.WithComponent("syncengine").With().Str("dandiset", e.DandisetID).Logger()

	dandiset, draftVersion, err := e.Archive.GetDandiset(ctx, e.DandisetID, types.DraftVersion)
	if err != nil {
		return report, fmt.Errorf("fetching dandiset %s: %w", e.DandisetID, err)
	}

	if err := e.Repo.EnsureInstalled(ctx, fmt.Sprintf("DANDI dandiset %s", e.DandisetID),
		draftVersion.Modified, e.BackupRemote, e.Backend, dandiset.EmbargoStatus); err != nil {
		return report, fmt.Errorf("installing repo: %w", err)
	}

	lastCursor, haveCursor, err := tracker.LoadState(filepath.Join(e.Repo.Path(), dandiDir))
	if err != nil {
		return report, fmt.Errorf("loading resume state: %w", err)
	}
	draftAdvanced := !haveCursor || draftVersion.Modified.After(lastCursor)

	nonDraft, err := e.nonDraftVersionsAscending(ctx)
	if err != nil {
		return report, err
	}

	localPaths, err := walkLocalPaths(e.Repo.Path())
	if err != nil {
		return report, fmt.Errorf("walking working tree: %w", err)
	}
	tr, err := tracker.Load(filepath.Join(e.Repo.Path(), dandiDir), localPaths)
	if err != nil {
		return report, fmt.Errorf("loading tracker: %w", err)
	}

	downloadLock := &sync.RWMutex{}

	ctl := &commit.Controller{
		Repo:           e.Repo,
		RepoHost:       e.RepoHost,
		Annex:          e.Annex,
		Config:         e.Config,
		Tracker:        tr,
		DandisetID:     e.DandisetID,
		GitHubOrg:      e.GitHubOrg,
		ZarrGitHubOrg:  e.ZarrGitHubOrg,
		Verify:         e.Verify,
		DraftAdvanced:  draftAdvanced,
		DownloadLock:   downloadLock,
		ZarrSubmodules: e.ZarrSubmodules,
	}

	if err := ctl.WriteDandisetMetadata(ctx, dandiset.Metadata); err != nil {
		return report, fmt.Errorf("writing dandiset metadata: %w", err)
	}

	blobs := &blobsync.Syncer{
		Repo:         e.Repo,
		Annex:        e.Annex,
		Config:       e.Config,
		Tracker:      tr,
		Embargoed:    dandiset.EmbargoStatus == types.EmbargoEmbargoed,
		DownloadLock: downloadLock,
	}

	if err := e.syncAssets(ctx, log, draftVersion, nonDraft, tr, ctl, blobs, &report); err != nil {
		return report, err
	}

	if err := e.reconcileEmbargo(ctx, log, ctl, dandiset.EmbargoStatus, tr); err != nil {
		return report, err
	}

	blobTotals := blobs.Result()
	report.Failed = blobTotals.Failed
	report.HashMismatches = blobTotals.HashMismatches
	report.OldUnhashed = blobTotals.OldUnhashed

	metrics.RecordReport(report.Added, report.Updated, report.Deleted, report.Pruned, report.FutureQty,
		report.Failed, report.HashMismatches, report.OldUnhashed, report.ZarrsSynced, report.ZarrsFailed, report.OK())

	if report.OK() {
		if err := ctl.UpdateStats(ctx); err != nil {
			log.Warn().Err(err).Msg("recording dandi.stats/dandi.populated")
		}
	}

	return report, nil
}

func (e *Engine) nonDraftVersionsAscending(ctx context.Context) ([]types.Version, error) {
	versions, err := e.Archive.ListVersions(ctx, e.DandisetID)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	var out []types.Version
	for _, v := range versions {
		if !v.IsDraft() {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

// syncAssets drives the enumerator, syncing each asset and committing at
// every version boundary, accumulating totals into report.
func (e *Engine) syncAssets(ctx context.Context, log zerolog.Logger, version types.Version, nonDraft []types.Version,
	tr *tracker.Tracker, ctl *commit.Controller, blobs *blobsync.Syncer, report *types.Report) error {

	events := make(chan types.AssetEvent)
	enumCtx, cancelEnum := context.WithCancel(ctx)
	defer cancelEnum()
	enum := enumerator.New(e.Archive, e.DandisetID, version, nonDraft)
	enumErr := make(chan error, 1)
	go func() { enumErr <- enum.Run(enumCtx, events) }()

	var (
		prevBlob       blobsync.Result
		maxCreated     time.Time
		counterMu      sync.Mutex
		zarrAdded      int
		zarrUpdated    int
		zarrsSucceeded int
		zarrsFailed    int
	)

	sem := semaphore.NewWeighted(e.zarrLimit())
	segGroup, segCtx := errgroup.WithContext(ctx)

	flush := func(boundary *types.VersionBoundary) error {
		if err := segGroup.Wait(); err != nil {
			return err
		}

		cur := blobs.Result()
		seg := commit.Segment{
			Added:         cur.Added - prevBlob.Added + zarrAdded,
			Updated:       cur.Updated - prevBlob.Updated + zarrUpdated,
			FutureQty:     cur.FutureQty - prevBlob.FutureQty,
			FinalBoundary: boundary.Final,
			Timestamp:     segmentTimestamp(*boundary, maxCreated),
		}
		if boundary.Final {
			deleted := tr.GetDeleted(e.Config.MatchAsset)
			if len(deleted) > 0 {
				if ctl.Verify && !ctl.DraftAdvanced {
					return &syncerr.UnexpectedChangeError{Dandiset: e.DandisetID, Action: "delete assets"}
				}
				if err := e.Repo.RemoveBatch(segCtx, deleted); err != nil {
					return fmt.Errorf("removing deleted assets: %w", err)
				}
				seg.Deleted = len(deleted)
			}
			seg.GarbageCollected = len(tr.PruneMetadata())
		}

		res, err := ctl.Commit(segCtx, seg)
		if err != nil {
			return err
		}
		if res.Committed {
			log.Info().Str("message", res.Message).Msg("committed")
		}

		report.Added += seg.Added
		report.Updated += seg.Updated
		report.Deleted += seg.Deleted
		report.Pruned += seg.GarbageCollected
		report.FutureQty = cur.FutureQty
		report.ZarrsSynced += zarrsSucceeded
		report.ZarrsFailed += zarrsFailed

		if !boundary.Version.IsDraft() {
			if rerr := ctl.RetagVersion(segCtx, boundary.Version, tr.DurableAssetIDs()); rerr != nil {
				return rerr
			}
		}

		prevBlob = cur
		maxCreated = time.Time{}
		zarrAdded, zarrUpdated, zarrsSucceeded, zarrsFailed = 0, 0, 0, 0
		segGroup, segCtx = errgroup.WithContext(ctx)
		return nil
	}

	for ev := range events {
		if ev.IsBoundary() {
			if err := flush(ev.Boundary); err != nil {
				return err
			}
			continue
		}

		a := *ev.Asset
		if a.Created.After(maxCreated) {
			maxCreated = a.Created
		}

		switch a.Kind {
		case types.AssetKindBlob:
			if _, berr := blobs.SyncAsset(segCtx, a, time.Now()); berr != nil {
				log.Warn().Str("path", a.Path).Err(berr).Msg("blob sync")
			}
		case types.AssetKindZarr:
			existedBefore := tr.HasDurable(a.Path)
			force := e.Config.Mode == config.ModeForce
			if e.Config.ZarrMode == config.ZarrModeAssetChecksum {
				if !tr.RegisterAssetByTimestamp(a, force) {
					log.Info().Str("path", a.Path).Msg("zarr asset timestamp up to date; not syncing")
					tr.FinishAsset(a.Path)
					continue
				}
			} else {
				tr.RegisterAsset(a, force)
			}
			if err := sem.Acquire(segCtx, 1); err != nil {
				return err
			}
			segGroup.Go(func() error {
				defer sem.Release(1)
				changed, zerr := e.syncZarr(segCtx, a, existedBefore)
				counterMu.Lock()
				defer counterMu.Unlock()
				if zerr != nil {
					log.Warn().Str("path", a.Path).Err(zerr).Msg("zarr sync")
					zarrsFailed++
					return nil
				}
				zarrsSucceeded++
				if !existedBefore {
					zarrAdded++
				} else if changed {
					zarrUpdated++
				}
				tr.FinishAsset(a.Path)
				return nil
			})
		default:
			syncerr.Assertf(false, "syncengine: asset %s has unknown kind %q", a.Path, a.Kind)
		}
	}

	if err := <-enumErr; err != nil {
		return err
	}
	return nil
}

// syncZarr ensures the Zarr submodule exists, runs its tree sync, and
// pins the dandiset's submodule reference when content changed.
func (e *Engine) syncZarr(ctx context.Context, a types.Asset, existedBefore bool) (changed bool, err error) {
	if a.Zarr == nil {
		return false, fmt.Errorf("syncengine: %s has no zarr metadata", a.Path)
	}
	handle, err := e.OpenZarrRepo(ctx, a.Zarr.ZarrID)
	if err != nil {
		return false, fmt.Errorf("opening zarr repo for %s: %w", a.Path, err)
	}

	if !existedBefore {
		url := handle.Repo.Path()
		if e.ZarrGitHubOrg != "" {
			url = fmt.Sprintf("https://github.com/%s/%s", e.ZarrGitHubOrg, a.Zarr.ZarrID)
		}
		if err := e.Repo.AddSubmodule(ctx, a.Path, url, a.Zarr.ZarrID); err != nil {
			return false, fmt.Errorf("adding zarr submodule %s: %w", a.Path, err)
		}
		e.ZarrSubmodules[a.Path] = handle.Repo
	}

	s := &zarrsync.Syncer{
		Repo:          handle.Repo,
		Annex:         handle.Annex,
		Store:         e.Store,
		Archive:       e.Archive,
		Config:        e.Config,
		Bucket:        e.Config.S3Bucket,
		ZarrID:        a.Zarr.ZarrID,
		ErrorOnChange: e.Verify,
	}

	cursor, _, cerr := zarrsync.LoadCursor(handle.Repo.Path())
	if cerr != nil {
		return false, fmt.Errorf("reading zarr cursor for %s: %w", a.Path, cerr)
	}

	result, _, rerr := s.Run(ctx, a, cursor)
	if rerr != nil {
		return false, rerr
	}
	if !result.Changed && existedBefore {
		return false, nil
	}

	head, herr := handle.Repo.HeadCommit(ctx)
	if herr != nil {
		return false, fmt.Errorf("reading zarr head for %s: %w", a.Path, herr)
	}
	if err := e.Repo.UpdateSubmodule(ctx, a.Path, head); err != nil {
		return false, fmt.Errorf("pinning zarr submodule %s: %w", a.Path, err)
	}
	return result.Changed, nil
}

// reconcileEmbargo applies the embargo status transition, deriving the
// blob keys to re-register from whatever the tracker now holds durable
// rather than a second pass over the archive.
func (e *Engine) reconcileEmbargo(ctx context.Context, log zerolog.Logger, ctl *commit.Controller, remote types.EmbargoStatus, tr *tracker.Tracker) error {
	pending, err := ctl.PendingEmbargoTransition(ctx, remote)
	if err != nil {
		return err
	}
	if !pending {
		return nil
	}

	var blobKeys []commit.BlobKeyURL
	for _, a := range tr.DurableAssets() {
		if a.Kind != types.AssetKindBlob || a.Blob == nil || a.Blob.SHA256 == "" {
			continue
		}
		key := fmt.Sprintf("SHA256E-s%d--%s%s", a.Blob.Size, a.Blob.SHA256, filepath.Ext(a.Path))
		bucketURL := fmt.Sprintf("%s/blobs/%s", e.Config.BucketURL(), a.Blob.SHA256)
		blobKeys = append(blobKeys, commit.BlobKeyURL{Key: key, BucketURL: bucketURL})
	}

	changed, err := ctl.EmbargoTransition(ctx, remote, blobKeys)
	if err != nil {
		return err
	}
	if changed {
		log.Info().Msg("embargo status reconciled")
	}
	return nil
}

// segmentTimestamp applies spec.md §4.6's three-way timestamp rule.
func segmentTimestamp(boundary types.VersionBoundary, maxCreated time.Time) time.Time {
	if boundary.Final {
		if boundary.Version.IsDraft() {
			return boundary.Version.Modified
		}
		return boundary.Version.Created
	}
	return maxCreated
}

// walkLocalPaths returns every working-tree file path (POSIX, relative to
// root) except the reserved .dandi/.git/.datalad/.gitmodules metadata and
// dandiset.yaml, seeding the Tracker's initial-local set.
func walkLocalPaths(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == root {
				return nil
			}
			return err
		}
		rel, rerr := filepath.Rel(root, p)
		if rerr != nil {
			return rerr
		}
		if rel == "." {
			return nil
		}
		relSlash := filepath.ToSlash(rel)
		top := relSlash
		if idx := strings.IndexByte(relSlash, '/'); idx >= 0 {
			top = relSlash[:idx]
		}
		switch top {
		case ".git", ".dandi", ".datalad", ".gitmodules", "dandiset.yaml":
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		out = append(out, relSlash)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
