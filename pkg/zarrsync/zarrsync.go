package zarrsync

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dandi/backups2datalad/pkg/annex"
	"github.com/dandi/backups2datalad/pkg/archive"
	"github.com/dandi/backups2datalad/pkg/config"
	"github.com/dandi/backups2datalad/pkg/dandilog"
	"github.com/dandi/backups2datalad/pkg/metrics"
	"github.com/dandi/backups2datalad/pkg/objectstore"
	"github.com/dandi/backups2datalad/pkg/repo"
	"github.com/dandi/backups2datalad/pkg/retry"
	"github.com/dandi/backups2datalad/pkg/syncerr"
	"github.com/dandi/backups2datalad/pkg/types"
)

// MaxZarrSyncs bounds the number of diff/apply iterations one Run call
// will attempt before giving up on a tree whose server-side checksum
// keeps moving out from under it.
const MaxZarrSyncs = 5

// metaPrefix is the reserved subtree a Zarr entry must never collide
// with: the checksum and cursor files this package itself writes.
const metaPrefix = ".dandi/"

// Cursor is the s3sync resume point persisted between runs: the bucket
// prefix covered and the newest LastModified timestamp observed.
type Cursor struct {
	Bucket       string    `json:"bucket"`
	Prefix       string    `json:"prefix"`
	LastModified time.Time `json:"last_modified"`
}

// Result is the outcome of one Run call.
type Result struct {
	// Synced is true when the tree was brought up to date (including the
	// no-op case where the pre-flight gate decided nothing had changed).
	Synced bool
	// Changed is true when at least one entry was added, updated, or
	// deleted this run.
	Changed bool
	Added   int
	Updated int
	Deleted int
}

// Syncer is the Zarr Syncer for one Zarr tree's backup repository.
type Syncer struct {
	Repo    repo.Repo
	Annex   annex.Client
	Store   objectstore.ObjectStore
	Archive archive.Archive
	Config  *config.Config

	Bucket string
	ZarrID string

	// ErrorOnChange raises syncerr.UnexpectedChangeError instead of
	// applying a diff, for verify-mode runs that expect a dry tree.
	ErrorOnChange bool

	// ArchiveFileURLFormat, if set, is an fmt string taking (zarrID, path)
	// used to register the archive's own download URL for an entry
	// alongside the backup bucket's. Left empty when the archive exposes
	// no per-file Zarr download endpoint.
	ArchiveFileURLFormat string
}

// persist writes the resume cursor and the tree's current checksum to
// dir/.dandi, the final step of every successful Run.
func (s *Syncer) persist(cursor Cursor, checksum string) error {
	if err := WriteCursor(s.Repo.Path(), cursor); err != nil {
		return fmt.Errorf("writing zarr sync cursor: %w", err)
	}
	if err := writeChecksumFile(s.Repo.Path(), checksum); err != nil {
		return fmt.Errorf("writing zarr checksum file: %w", err)
	}
	return nil
}

func (s *Syncer) prefix() string {
	return fmt.Sprintf("zarr/%s/", s.ZarrID)
}

// Run applies spec.md §4.4's pre-flight gate and bounded reconcile loop
// against one Zarr asset's current server metadata.
func (s *Syncer) Run(ctx context.Context, asset types.Asset, cursor Cursor) (result Result, newCursor Cursor, err error) {
	defer syncerr.RecoverAssertion(&err)

	if asset.Kind != types.AssetKindZarr || asset.Zarr == nil {
		return Result{}, cursor, fmt.Errorf("zarrsync: %s is not a Zarr asset", asset.Path)
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ZarrSyncDuration)

	proceed, err := s.preflight(ctx, asset, cursor)
	if err != nil {
		return Result{}, cursor, err
	}
	if !proceed {
		return Result{Synced: true}, cursor, nil
	}

	log := dandilog.WithComponent("zarrsync").With().Str("zarr_id", s.ZarrID).Logger()

	bo := retry.NewBackOff()
	for iter := 0; iter < MaxZarrSyncs; iter++ {
		diffResult, nextCursor, serr := retryableSync(ctx, s, cursor)
		if serr != nil {
			return Result{}, cursor, serr
		}
		cursor = nextCursor
		result.Added += diffResult.Added
		result.Updated += diffResult.Updated
		result.Deleted += diffResult.Deleted
		if diffResult.Added > 0 || diffResult.Updated > 0 || diffResult.Deleted > 0 {
			result.Changed = true
		}

		localChecksum, cerr := s.Repo.ComputeZarrChecksum(ctx)
		if cerr != nil {
			return Result{}, cursor, fmt.Errorf("computing local zarr checksum: %w", cerr)
		}

		fresh, ferr := s.Archive.AssetMetadata(ctx, asset.ID)
		if ferr != nil {
			return Result{}, cursor, fmt.Errorf("re-fetching zarr asset %s: %w", asset.Path, ferr)
		}

		if !fresh.Modified.Equal(asset.Modified) {
			log.Warn().Time("was_modified", asset.Modified).Time("now_modified", fresh.Modified).
				Msg("zarr asset modified on the server during sync")
			if fresh.Zarr != nil && fresh.Zarr.Checksum != "" && fresh.Zarr.Checksum != localChecksum {
				log.Warn().Str("local", localChecksum).Str("server", fresh.Zarr.Checksum).
					Msg("local and server zarr checksums still differ after the modification; leaving for the next run")
			}
			result.Synced = true
			if perr := s.persist(cursor, localChecksum); perr != nil {
				return result, cursor, perr
			}
			return result, cursor, nil
		}

		if fresh.Zarr == nil || fresh.Zarr.Checksum == "" || fresh.Zarr.Checksum == localChecksum {
			result.Synced = true
			if perr := s.persist(cursor, localChecksum); perr != nil {
				return result, cursor, perr
			}
			return result, cursor, nil
		}

		if iter == MaxZarrSyncs-1 {
			return result, cursor, fmt.Errorf("zarr %s: local checksum %s still does not match server checksum %s after %d iterations",
				s.ZarrID, localChecksum, fresh.Zarr.Checksum, MaxZarrSyncs)
		}

		d := bo.NextBackOff()
		if d == backoff.Stop {
			d = time.Second
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return result, cursor, ctx.Err()
		}
	}

	return result, cursor, fmt.Errorf("zarr %s: exceeded %d sync iterations", s.ZarrID, MaxZarrSyncs)
}

// retryableSync wraps one diff/apply pass in the shared backoff helper so
// a transient S3 or annex-worker hiccup doesn't fail the whole run.
func retryableSync(ctx context.Context, s *Syncer, cursor Cursor) (diffResult Result, newCursor Cursor, err error) {
	newCursor = cursor
	err = retry.Do(ctx, "zarrsync.sync", func() error {
		r, c, e := s.syncOnce(ctx, cursor)
		if e != nil {
			if isPermanent(e) {
				return backoff.Permanent(e)
			}
			return e
		}
		diffResult, newCursor = r, c
		return nil
	})
	return diffResult, newCursor, err
}

// preflight applies the configured ZarrMode to decide whether this tree
// needs a sync pass at all.
func (s *Syncer) preflight(ctx context.Context, asset types.Asset, cursor Cursor) (bool, error) {
	switch s.Config.ZarrMode {
	case config.ZarrModeForce:
		return true, nil
	case config.ZarrModeTimestamp:
		return s.timestampGate(ctx, cursor)
	case config.ZarrModeChecksum, config.ZarrModeAssetChecksum:
		return s.checksumGate(ctx, asset)
	default:
		return true, nil
	}
}

// timestampGate compares the bucket's plain object listing (no version
// history needed) against the local annexed entries: anything newer than
// the saved cursor, or any path present on only one side, forces a sync.
func (s *Syncer) timestampGate(ctx context.Context, cursor Cursor) (bool, error) {
	serverKeys := make(map[string]struct{})
	token := ""
	for {
		page, err := s.Store.ListObjects(ctx, s.Bucket, s.prefix(), token)
		if err != nil {
			return false, fmt.Errorf("listing %s for timestamp gate: %w", s.prefix(), err)
		}
		for _, o := range page.Objects {
			serverKeys[o.Key] = struct{}{}
			if o.LastModified.After(cursor.LastModified) {
				return true, nil
			}
		}
		if page.ContinuationToken == "" {
			break
		}
		token = page.ContinuationToken
	}

	local, err := s.localEntries(ctx)
	if err != nil {
		return false, err
	}
	for p := range local {
		if _, ok := serverKeys[s.prefix()+p]; !ok {
			return true, nil
		}
	}
	for key := range serverKeys {
		if _, ok := local[strings.TrimPrefix(key, s.prefix())]; !ok {
			return true, nil
		}
	}
	return false, nil
}

// checksumGate compares the tree's last-known server checksum against
// its current local checksum.
func (s *Syncer) checksumGate(ctx context.Context, asset types.Asset) (bool, error) {
	local, err := s.Repo.ComputeZarrChecksum(ctx)
	if err != nil {
		return false, fmt.Errorf("computing local zarr checksum: %w", err)
	}
	if asset.Zarr.Checksum == "" {
		return true, nil
	}
	return local != asset.Zarr.Checksum, nil
}

// localEntries returns the tree's current annexed paths, rejecting any
// entry whose key is not an MD5E key (the only backend Zarr entries may
// use, per spec.md §4.4).
func (s *Syncer) localEntries(ctx context.Context) (map[string]repo.AnnexedFile, error) {
	ch, err := s.Repo.AnnexedFiles(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]repo.AnnexedFile)
	for af := range ch {
		if !strings.HasPrefix(af.Key, "MD5E-") {
			return nil, &syncerr.UnsupportedPreconditionError{
				Reason: fmt.Sprintf("zarr entry %s uses non-MD5 backend key %s", af.Path, af.Key),
			}
		}
		out[af.Path] = af
	}
	return out, nil
}

// syncOnce performs one diff/apply pass: list object versions under the
// tree's prefix, decide adds/updates/deletes against the current local
// entries, apply the diff, and return the advanced cursor.
func (s *Syncer) syncOnce(ctx context.Context, cursor Cursor) (Result, Cursor, error) {
	log := dandilog.WithComponent("zarrsync").With().Str("zarr_id", s.ZarrID).Logger()

	local, err := s.localEntries(ctx)
	if err != nil {
		return Result{}, cursor, err
	}

	toDelete := make(map[string]struct{}, len(local))
	for p := range local {
		toDelete[p] = struct{}{}
	}

	var toAdd []types.ZarrEntry
	maxModified := cursor.LastModified
	keyMarker, versionMarker := "", ""

	for {
		page, err := s.Store.ListObjectVersions(ctx, s.Bucket, s.prefix(), keyMarker, versionMarker)
		if err != nil {
			return Result{}, cursor, fmt.Errorf("listing object versions under %s: %w", s.prefix(), err)
		}
		for _, o := range page.Objects {
			if o.LastModified.After(maxModified) {
				maxModified = o.LastModified
			}
			if o.DeleteMarker || !o.IsLatest {
				continue
			}
			entryPath := strings.TrimPrefix(o.Key, s.prefix())
			if isMetaPath(entryPath) {
				return Result{}, cursor, &syncerr.UnsupportedPreconditionError{
					Reason: fmt.Sprintf("zarr entry %s collides with a reserved meta path", entryPath),
				}
			}

			markCollisions(entryPath, local, toDelete)

			entry := types.ZarrEntry{
				Path:         entryPath,
				Size:         o.Size,
				MD5:          o.ETag,
				LastModified: o.LastModified,
				VersionID:    o.VersionID,
				BucketURL:    s.versionedBucketURL(o.Key, o.VersionID),
			}

			existing, present := local[entryPath]
			delete(toDelete, entryPath)
			switch {
			case !present:
				toAdd = append(toAdd, entry)
			case annexKeyMatchesMD5(existing.Key, entry.MD5):
				// no-op: content already matches.
			default:
				toAdd = append(toAdd, entry)
				toDelete[entryPath] = struct{}{}
			}
		}
		if page.NextKeyMarker == "" && page.NextVersionIDMarker == "" {
			break
		}
		keyMarker, versionMarker = page.NextKeyMarker, page.NextVersionIDMarker
	}

	deletePaths := make([]string, 0, len(toDelete))
	for p := range toDelete {
		deletePaths = append(deletePaths, p)
	}
	sort.Strings(deletePaths)

	if (len(deletePaths) > 0 || len(toAdd) > 0) && s.ErrorOnChange {
		return Result{}, cursor, &syncerr.UnexpectedChangeError{Dandiset: s.ZarrID, Action: "zarr entry add/update/delete"}
	}

	if len(deletePaths) > 0 {
		if err := s.Repo.RemoveBatch(ctx, deletePaths); err != nil {
			return Result{}, cursor, fmt.Errorf("removing stale zarr entries: %w", err)
		}
	}

	added, updated := 0, 0
	updating := make(map[string]struct{}, len(deletePaths))
	for _, p := range deletePaths {
		updating[p] = struct{}{}
	}
	for _, entry := range toAdd {
		if err := s.addEntry(ctx, entry); err != nil {
			log.Error().Str("path", entry.Path).Err(err).Msg("adding zarr entry")
			return Result{}, cursor, err
		}
		if _, wasUpdate := updating[entry.Path]; wasUpdate {
			updated++
		} else {
			added++
		}
	}

	newCursor := Cursor{Bucket: s.Bucket, Prefix: s.prefix(), LastModified: maxModified}
	return Result{Added: added, Updated: updated, Deleted: len(deletePaths) - updated}, newCursor, nil
}

// addEntry registers a chunk already known by content hash and size
// under its working-tree path, then attaches its download URLs. The key
// is built directly from the S3-reported md5 and size rather than
// through examinekey, since examinekey requires a materialized file and
// these bytes have never touched the local disk.
func (s *Syncer) addEntry(ctx context.Context, entry types.ZarrEntry) error {
	key := canonicalMD5Key(entry.MD5, entry.Size, path.Ext(entry.Path))
	if err := s.Annex.FromKey(ctx, key, entry.Path); err != nil {
		return fmt.Errorf("from-key %s %s: %w", key, entry.Path, err)
	}
	if err := s.Annex.RegisterURL(ctx, key, entry.BucketURL); err != nil {
		dandilog.WithComponent("zarrsync").Warn().Str("key", key).Err(err).Msg("registering zarr bucket URL")
	}
	if archiveURL := s.archiveFileURL(entry.Path); archiveURL != "" {
		if err := s.Annex.RegisterURL(ctx, key, archiveURL); err != nil {
			dandilog.WithComponent("zarrsync").Warn().Str("key", key).Err(err).Msg("registering zarr archive URL")
		}
	}
	return nil
}

func (s *Syncer) archiveFileURL(entryPath string) string {
	if s.ArchiveFileURLFormat == "" {
		return ""
	}
	return fmt.Sprintf(s.ArchiveFileURLFormat, s.ZarrID, entryPath)
}

func (s *Syncer) versionedBucketURL(key, versionID string) string {
	u := fmt.Sprintf("%s/%s", s.Config.BucketURL(), key)
	if versionID != "" {
		u += "?versionId=" + versionID
	}
	return u
}

// markCollisions enqueues for deletion any local entry that the new
// entry at entryPath would collide with: a local file sitting at a path
// that entryPath needs to treat as a directory component, or local
// entries nested under entryPath when entryPath itself used to be a
// directory.
func markCollisions(entryPath string, local map[string]repo.AnnexedFile, toDelete map[string]struct{}) {
	dirPrefix := entryPath + "/"
	for p := range local {
		if strings.HasPrefix(p, dirPrefix) {
			toDelete[p] = struct{}{}
		}
	}
	parts := strings.Split(entryPath, "/")
	for i := 1; i < len(parts); i++ {
		ancestor := strings.Join(parts[:i], "/")
		if _, ok := local[ancestor]; ok {
			toDelete[ancestor] = struct{}{}
		}
	}
}

// isPermanent reports whether err is a business-rule failure that a retry
// can never fix, so retry.Do's backoff should not waste attempts on it.
func isPermanent(err error) bool {
	switch err.(type) {
	case *syncerr.UnsupportedPreconditionError, *syncerr.UnexpectedChangeError:
		return true
	default:
		return false
	}
}

func isMetaPath(entryPath string) bool {
	return strings.HasPrefix(entryPath, metaPrefix)
}

// canonicalMD5Key builds the MD5E git-annex key spec.md §4.4's data model
// names for Zarr entries: MD5E-s{size}--{md5}.{ext}.
func canonicalMD5Key(md5Hex string, size int64, ext string) string {
	return fmt.Sprintf("MD5E-s%d--%s%s", size, md5Hex, ext)
}

const md5KeyHashPrefix = "MD5E-s"

// annexKeyMatchesMD5 reports whether an existing annex key's embedded
// md5 digest (trusted, not recomputed) matches the server-reported ETag.
func annexKeyMatchesMD5(key, md5Hex string) bool {
	if !strings.HasPrefix(key, md5KeyHashPrefix) {
		return false
	}
	idx := strings.Index(key, "--")
	if idx < 0 {
		return false
	}
	rest := key[idx+2:]
	rest = strings.TrimSuffix(rest, path.Ext(rest))
	return strings.EqualFold(rest, md5Hex)
}
