package zarrsync

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/dandi/backups2datalad/pkg/annex"
	"github.com/dandi/backups2datalad/pkg/archive"
	"github.com/dandi/backups2datalad/pkg/config"
	"github.com/dandi/backups2datalad/pkg/objectstore"
	"github.com/dandi/backups2datalad/pkg/repo"
	"github.com/dandi/backups2datalad/pkg/types"
)

// fakeObjectStore is a minimal in-memory ObjectStore: one ordered page
// list per prefix, shared between ListObjects and ListObjectVersions.
type fakeObjectStore struct {
	pages map[string][]objectstore.Page
}

func (f *fakeObjectStore) ListObjects(ctx context.Context, bucket, prefix, token string) (objectstore.Page, error) {
	pages := f.pages[prefix]
	if token == "" {
		if len(pages) == 0 {
			return objectstore.Page{}, nil
		}
		return pages[0], nil
	}
	for _, p := range pages {
		if p.ContinuationToken == token {
			return p, nil
		}
	}
	return objectstore.Page{}, nil
}

func (f *fakeObjectStore) ListObjectVersions(ctx context.Context, bucket, prefix, keyMarker, versionIDMarker string) (objectstore.Page, error) {
	pages := f.pages[prefix]
	if keyMarker == "" {
		if len(pages) == 0 {
			return objectstore.Page{}, nil
		}
		return pages[0], nil
	}
	for _, p := range pages {
		if p.NextKeyMarker == keyMarker {
			return p, nil
		}
	}
	return objectstore.Page{}, nil
}

var _ objectstore.ObjectStore = (*fakeObjectStore)(nil)

// fakeArchive serves AssetMetadata from a fixed map; tests mutate byID
// between sync iterations to simulate server-side changes mid-run.
type fakeArchive struct {
	archive.Archive
	byID map[string]types.Asset
}

func (f *fakeArchive) AssetMetadata(ctx context.Context, assetID string) (types.Asset, error) {
	return f.byID[assetID], nil
}

func zarrAsset(id string, checksum string, modified time.Time) types.Asset {
	return types.Asset{
		ID: id, Path: "sub-01/zarr.zarr", Created: modified, Modified: modified,
		Kind: types.AssetKindZarr,
		Zarr: &types.ZarrAsset{ZarrID: "z1", Checksum: checksum},
	}
}

func newSyncer(store *fakeObjectStore, r *repo.FakeRepo, a *annex.FakeAnnex, fa *fakeArchive) *Syncer {
	return &Syncer{
		Repo:    r,
		Annex:   a,
		Store:   store,
		Archive: fa,
		Config:  config.Default(),
		Bucket:  "dandiarchive",
		ZarrID:  "z1",
	}
}

func TestRunForceModeAddsNewEntries(t *testing.T) {
	cfg := config.Default()
	cfg.ZarrMode = config.ZarrModeForce

	store := &fakeObjectStore{
		pages: map[string][]objectstore.Page{
			"zarr/z1/": {{Objects: []objectstore.Object{
				{Key: "zarr/z1/0/0", Size: 4, ETag: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", IsLatest: true, LastModified: time.Now()},
			}}},
		},
	}
	r := repo.NewFakeRepo("/tmp/z1")
	a := annex.NewFakeAnnex()
	asset := zarrAsset("zarr1", "", time.Now())
	fa := &fakeArchive{byID: map[string]types.Asset{"zarr1": asset}}

	s := newSyncer(store, r, a, fa)
	s.Config = cfg

	result, _, err := s.Run(context.Background(), asset, Cursor{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Added != 1 || !result.Changed {
		t.Fatalf("expected one added entry, got %+v", result)
	}
	if _, ok := a.Keys["0/0"]; !ok {
		t.Fatalf("expected from-key to register 0/0, got %+v", a.Keys)
	}
}

func TestRunTimestampGateSkipsWhenNothingNewer(t *testing.T) {
	cfg := config.Default()
	cfg.ZarrMode = config.ZarrModeTimestamp
	old := time.Now().Add(-time.Hour)

	store := &fakeObjectStore{
		pages: map[string][]objectstore.Page{
			"zarr/z1/": {{Objects: []objectstore.Object{
				{Key: "zarr/z1/0/0", Size: 4, LastModified: old},
			}}},
		},
	}
	r := repo.NewFakeRepo("/tmp/z1")
	r.SetAnnexKey("0/0", "MD5E-s4--aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	a := annex.NewFakeAnnex()
	asset := zarrAsset("zarr1", "", time.Now())
	fa := &fakeArchive{byID: map[string]types.Asset{"zarr1": asset}}

	s := newSyncer(store, r, a, fa)
	s.Config = cfg

	result, _, err := s.Run(context.Background(), asset, Cursor{LastModified: time.Now()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Changed {
		t.Fatalf("expected no changes, got %+v", result)
	}
	if len(a.Keys) != 0 {
		t.Fatalf("expected no annex calls, got %+v", a.Keys)
	}
}

func TestRunChecksumGateSkipsWhenChecksumMatches(t *testing.T) {
	cfg := config.Default()
	cfg.ZarrMode = config.ZarrModeChecksum

	r := repo.NewFakeRepo("/tmp/z1")
	r.SetAnnexKey("0/0", "MD5E-s4--aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	// Independently hand-computed md5 Merkle digest for a single leaf
	// "0/0" of size 4 with md5 "aaaa...a" (32 a's): md5 of the directory
	// "0" manifest {"checksums": {"directories": [], "files":
	// [{"digest": "aaaa...a", "name": "0", "size": 4}]}, "file_count": 1,
	// "size": 4} is "9ba83f9f760275e3099a518e6e4a2487", giving a directory
	// digest of "9ba83f9f760275e3099a518e6e4a2487-1--4"; md5 of the root
	// manifest {"checksums": {"directories": [{"digest":
	// "9ba83f9f760275e3099a518e6e4a2487-1--4", "name": "0", "size": 4}],
	// "files": []}, "file_count": 1, "size": 4} is
	// "035389a71d2ff77aa2e0de47a1dd62d3". This is asserted against the
	// server checksum directly, not derived by calling
	// r.ComputeZarrChecksum and feeding its own output back in, so a
	// regression in the checksum algorithm itself would be caught here.
	const serverChecksum = "035389a71d2ff77aa2e0de47a1dd62d3-1--4"

	a := annex.NewFakeAnnex()
	asset := zarrAsset("zarr1", serverChecksum, time.Now())
	fa := &fakeArchive{byID: map[string]types.Asset{"zarr1": asset}}
	store := &fakeObjectStore{}

	s := newSyncer(store, r, a, fa)
	s.Config = cfg

	result, _, err := s.Run(context.Background(), asset, Cursor{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Synced || result.Changed {
		t.Fatalf("expected a synced no-op, got %+v", result)
	}
}

func TestRunDeletesStaleEntries(t *testing.T) {
	cfg := config.Default()
	cfg.ZarrMode = config.ZarrModeForce

	store := &fakeObjectStore{
		pages: map[string][]objectstore.Page{
			"zarr/z1/": {{Objects: nil}},
		},
	}
	r := repo.NewFakeRepo("/tmp/z1")
	r.SetAnnexKey("stale/chunk", "MD5E-s4--bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	a := annex.NewFakeAnnex()
	asset := zarrAsset("zarr1", "", time.Now())
	fa := &fakeArchive{byID: map[string]types.Asset{"zarr1": asset}}

	s := newSyncer(store, r, a, fa)
	s.Config = cfg

	result, _, err := s.Run(context.Background(), asset, Cursor{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Deleted != 1 {
		t.Fatalf("expected one deleted entry, got %+v", result)
	}
	if _, present := r.Files()["stale/chunk"]; present {
		t.Fatal("expected stale/chunk to be removed")
	}
}

func TestRunRejectsMetaPathCollision(t *testing.T) {
	cfg := config.Default()
	cfg.ZarrMode = config.ZarrModeForce

	store := &fakeObjectStore{
		pages: map[string][]objectstore.Page{
			"zarr/z1/": {{Objects: []objectstore.Object{
				{Key: "zarr/z1/.dandi/zarr-checksum", Size: 4, ETag: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", IsLatest: true},
			}}},
		},
	}
	r := repo.NewFakeRepo("/tmp/z1")
	a := annex.NewFakeAnnex()
	asset := zarrAsset("zarr1", "", time.Now())
	fa := &fakeArchive{byID: map[string]types.Asset{"zarr1": asset}}

	s := newSyncer(store, r, a, fa)
	s.Config = cfg

	_, _, err := s.Run(context.Background(), asset, Cursor{})
	if err == nil {
		t.Fatal("expected a meta-path collision error")
	}
}

func TestRunErrorOnChangeRejectsDiff(t *testing.T) {
	cfg := config.Default()
	cfg.ZarrMode = config.ZarrModeForce

	store := &fakeObjectStore{
		pages: map[string][]objectstore.Page{
			"zarr/z1/": {{Objects: []objectstore.Object{
				{Key: "zarr/z1/0/0", Size: 4, ETag: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", IsLatest: true},
			}}},
		},
	}
	r := repo.NewFakeRepo("/tmp/z1")
	a := annex.NewFakeAnnex()
	asset := zarrAsset("zarr1", "", time.Now())
	fa := &fakeArchive{byID: map[string]types.Asset{"zarr1": asset}}

	s := newSyncer(store, r, a, fa)
	s.Config = cfg
	s.ErrorOnChange = true

	_, _, err := s.Run(context.Background(), asset, Cursor{})
	if err == nil {
		t.Fatal("expected an UnexpectedChangeError")
	}
}

func TestRunPersistsCursorAndChecksum(t *testing.T) {
	cfg := config.Default()
	cfg.ZarrMode = config.ZarrModeForce

	dir := t.TempDir()
	store := &fakeObjectStore{
		pages: map[string][]objectstore.Page{
			"zarr/z1/": {{Objects: []objectstore.Object{
				{Key: "zarr/z1/0/0", Size: 4, ETag: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", IsLatest: true, LastModified: time.Now()},
			}}},
		},
	}
	r := repo.NewFakeRepo(dir)
	a := annex.NewFakeAnnex()
	asset := zarrAsset("zarr1", "", time.Now())
	fa := &fakeArchive{byID: map[string]types.Asset{"zarr1": asset}}

	s := newSyncer(store, r, a, fa)
	s.Config = cfg

	if _, _, err := s.Run(context.Background(), asset, Cursor{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := os.Stat(dir + "/.dandi/s3sync.json"); err != nil {
		t.Errorf("expected cursor file to be written: %v", err)
	}
	if _, err := os.Stat(dir + "/.dandi/zarr-checksum"); err != nil {
		t.Errorf("expected checksum file to be written: %v", err)
	}
}

func TestAnnexKeyMatchesMD5(t *testing.T) {
	if !annexKeyMatchesMD5("MD5E-s4--aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.dat", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa") {
		t.Fatal("expected matching digests to report true")
	}
	if annexKeyMatchesMD5("MD5E-s4--aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa.dat", "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb") {
		t.Fatal("expected differing digests to report false")
	}
	if annexKeyMatchesMD5("SHA256E-s4--aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa") {
		t.Fatal("expected a non-MD5E key to report false")
	}
}
