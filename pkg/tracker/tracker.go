package tracker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dandi/backups2datalad/pkg/types"
)

// Tracker is the Asset Tracker: a snapshot of the filesystem at sync
// start plus the three evolving sets spec.md §3 names.
type Tracker struct {
	mu sync.Mutex

	dir string

	// durable is the persisted assets.json content, path -> metadata. It
	// starts as whatever was last committed and is mutated in place as
	// assets finish syncing or get pruned/deleted.
	durable map[string]types.Asset

	// initialLocal is the set of working-tree paths present at sync
	// start; RegisterAsset/RegisterAssetByTimestamp remove entries as
	// they're seen again, so whatever remains at the end was deleted
	// upstream.
	initialLocal map[string]struct{}

	remoteAssets map[string]struct{}
	inProgress   map[string]types.Asset
	futureAssets map[string]struct{}
}

// Load constructs a Tracker from dir's assets.json (if present) and the
// caller-supplied snapshot of working-tree paths at sync start.
func Load(dir string, localPaths []string) (*Tracker, error) {
	durable, err := loadAssetsJSON(dir)
	if err != nil {
		return nil, err
	}
	initialLocal := make(map[string]struct{}, len(localPaths))
	for _, p := range localPaths {
		initialLocal[p] = struct{}{}
	}
	return &Tracker{
		dir:          dir,
		durable:      durable,
		initialLocal: initialLocal,
		remoteAssets: make(map[string]struct{}),
		inProgress:   make(map[string]types.Asset),
		futureAssets: make(map[string]struct{}),
	}, nil
}

// RegisterAsset records that a was seen on the server this run and
// returns a textual diff against a's last-synced metadata. ok is false
// (diff is "") when the metadata is unchanged and force is false.
func (t *Tracker) RegisterAsset(a types.Asset, force bool) (diff string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.initialLocal, a.Path)
	t.remoteAssets[a.Path] = struct{}{}
	t.inProgress[a.Path] = a

	prev, existed := t.durable[a.Path]
	if existed && !force && metadataEqual(prev, a) {
		return "", false
	}
	return diffMetadata(prev, a, existed), true
}

// HasDurable reports whether path is present in the durable map, as of
// whatever has been registered/finished/pruned so far this run. Callers
// that need the pre-run state must check this before their first
// RegisterAsset call for path.
func (t *Tracker) HasDurable(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.durable[path]
	return ok
}

// RegisterAssetByTimestamp is the cheaper variant used only under Zarr
// asset-checksum mode: it compares solely the Modified timestamp rather
// than building a full diff.
func (t *Tracker) RegisterAssetByTimestamp(a types.Asset, force bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.initialLocal, a.Path)
	t.remoteAssets[a.Path] = struct{}{}
	t.inProgress[a.Path] = a

	prev, existed := t.durable[a.Path]
	if existed && !force && prev.Modified.Equal(a.Modified) {
		return false
	}
	return true
}

// FinishAsset promotes path's buffered in-progress metadata into the
// durable map. Must be called after the download has materialized bytes
// and before the next commit.
func (t *Tracker) FinishAsset(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.inProgress[path]; ok {
		t.durable[path] = a
		delete(t.inProgress, path)
	}
}

// MarkFuture records that a is deferred this run because the server has
// not yet computed its hash.
func (t *Tracker) MarkFuture(a types.Asset) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.futureAssets[a.Path] = struct{}{}
}

// FutureCount returns how many assets were deferred this run.
func (t *Tracker) FutureCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.futureAssets)
}

// DurableAssetIDs returns the asset ids currently in the durable map, used
// by the Commit Controller's retagging pass to identify a version's asset
// set at the moment its boundary is reached.
func (t *Tracker) DurableAssetIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.durable))
	for _, a := range t.durable {
		ids = append(ids, a.ID)
	}
	return ids
}

// DurableAssets returns a snapshot of the assets currently in the durable
// map, used by the synchronization engine to re-register blob URLs when
// an embargo lifts without a second pass over the archive.
func (t *Tracker) DurableAssets() []types.Asset {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.Asset, 0, len(t.durable))
	for _, a := range t.durable {
		out = append(out, a)
	}
	return out
}

// Stats returns the file count and total blob size of the durable set,
// for the commit controller's dandi.stats config key. Zarr assets
// contribute to the file count but not the size total, since their size
// lives in per-chunk Zarr entries the tracker doesn't hold.
func (t *Tracker) Stats() (files int, size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range t.durable {
		files++
		if a.Blob != nil {
			size += a.Blob.Size
		}
	}
	return files, size
}

// GetDeleted returns, sorted, the paths that were present at sync start,
// still match the configured asset filter, and were never registered
// this run — and removes them from the durable map.
func (t *Tracker) GetDeleted(match func(path string) bool) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var deleted []string
	for path := range t.initialLocal {
		if match(path) {
			deleted = append(deleted, path)
		}
	}
	sort.Strings(deleted)
	for _, path := range deleted {
		delete(t.durable, path)
	}
	return deleted
}

// PruneMetadata drops durable entries whose paths were never seen in
// remote_assets this run (e.g. a previous run's asset the filter no
// longer matches, or one since deleted upstream but missed by
// GetDeleted's filter). A non-empty return is a signal to the Commit
// Controller that metadata-only changes occurred.
func (t *Tracker) PruneMetadata() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var pruned []string
	for path := range t.durable {
		if _, ok := t.remoteAssets[path]; !ok {
			pruned = append(pruned, path)
		}
	}
	sort.Strings(pruned)
	for _, path := range pruned {
		delete(t.durable, path)
	}
	return pruned
}

// Dump writes the durable map to dir/assets.json as a JSON array sorted
// by path.
func (t *Tracker) Dump() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return writeAssetsJSON(t.dir, t.durable)
}

// WriteState persists dir/assets-state.json: the server timestamp this
// commit reflects, used as the resume cursor on the next run.
func (t *Tracker) WriteState(cursor time.Time) error {
	return writeStateJSON(t.dir, cursor)
}

// metadataEqual reports whether a's content-relevant fields match prev's:
// the modification timestamp plus the kind-specific content digest.
func metadataEqual(prev, a types.Asset) bool {
	if !prev.Modified.Equal(a.Modified) {
		return false
	}
	if prev.Kind != a.Kind {
		return false
	}
	switch a.Kind {
	case types.AssetKindBlob:
		return prev.Blob != nil && a.Blob != nil && prev.Blob.SHA256 == a.Blob.SHA256
	case types.AssetKindZarr:
		return prev.Zarr != nil && a.Zarr != nil && prev.Zarr.Checksum == a.Zarr.Checksum
	default:
		return true
	}
}

func diffMetadata(prev, a types.Asset, existed bool) string {
	if !existed {
		return fmt.Sprintf("new asset %s", a.Path)
	}
	return fmt.Sprintf("%s: modified %s -> %s", a.Path, prev.Modified, a.Modified)
}
