package blobsync

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dandi/backups2datalad/pkg/annex"
	"github.com/dandi/backups2datalad/pkg/config"
	"github.com/dandi/backups2datalad/pkg/repo"
	"github.com/dandi/backups2datalad/pkg/tracker"
	"github.com/dandi/backups2datalad/pkg/types"
)

func newSyncer(t *testing.T, r *repo.FakeRepo, a *annex.FakeAnnex, cfg *config.Config) *Syncer {
	t.Helper()
	tr, err := tracker.Load(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("tracker.Load: %v", err)
	}
	return &Syncer{
		Repo:         r,
		Annex:        a,
		Config:       cfg,
		Tracker:      tr,
		DownloadLock: &sync.RWMutex{},
	}
}

func textAsset(path, sha256 string, created time.Time) types.Asset {
	return types.Asset{
		Path: path, Created: created, Modified: created,
		Kind: types.AssetKindBlob,
		Blob: &types.BlobAsset{Size: 5, SHA256: sha256, DownloadURL: "https://archive.example/" + path},
	}
}

func binaryAsset(path, sha256 string, size int64, created time.Time) types.Asset {
	return types.Asset{
		Path: path, Created: created, Modified: created,
		Kind: types.AssetKindBlob,
		Blob: &types.BlobAsset{Size: size, SHA256: sha256, DownloadURL: "https://archive.example/" + path},
	}
}

func TestSyncAssetDefersFutureWithinGracePeriod(t *testing.T) {
	r := repo.NewFakeRepo("/tmp/d")
	a := annex.NewFakeAnnex()
	s := newSyncer(t, r, a, config.Default())

	asset := binaryAsset("blob.dat", "", 10, time.Now().Add(-time.Hour))
	eff, err := s.SyncAsset(context.Background(), asset, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eff != EffectDeferredFuture {
		t.Fatalf("expected %s, got %s", EffectDeferredFuture, eff)
	}
	if s.Result().FutureQty != 1 || s.Result().OldUnhashed != 0 {
		t.Fatalf("unexpected counters: %+v", s.Result())
	}
}

func TestSyncAssetDefersOldUnhashedPastGracePeriod(t *testing.T) {
	r := repo.NewFakeRepo("/tmp/d")
	a := annex.NewFakeAnnex()
	s := newSyncer(t, r, a, config.Default())

	now := time.Now()
	asset := binaryAsset("blob.dat", "", 10, now.Add(-48*time.Hour))
	eff, err := s.SyncAsset(context.Background(), asset, now)
	if err == nil {
		t.Fatal("expected a StaleHashError")
	}
	if eff != EffectDeferredOldUnhashed {
		t.Fatalf("expected %s, got %s", EffectDeferredOldUnhashed, eff)
	}
	if s.Result().OldUnhashed != 1 {
		t.Fatalf("expected OldUnhashed=1, got %+v", s.Result())
	}
}

func TestSyncAssetSkipsFilteredPath(t *testing.T) {
	r := repo.NewFakeRepo("/tmp/d")
	a := annex.NewFakeAnnex()
	cfg := loadConfigWithAssetFilter(t, `^keep/`)
	s := newSyncer(t, r, a, cfg)

	asset := textAsset("skip/me.txt", "abc", time.Now())
	eff, err := s.SyncAsset(context.Background(), asset, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eff != EffectSkipFiltered {
		t.Fatalf("expected %s, got %s", EffectSkipFiltered, eff)
	}
}

func TestSyncAssetNewBinaryStreamsDownload(t *testing.T) {
	r := repo.NewFakeRepo("/tmp/d")
	a := annex.NewFakeAnnex()
	a.AddURLResults["blob.dat"] = annex.AddURLResult{Success: true, Key: "SHA256E-s10--" + sha("content")}
	s := newSyncer(t, r, a, config.Default())

	asset := binaryAsset("blob.dat", sha("content"), 10, time.Now())
	eff, err := s.SyncAsset(context.Background(), asset, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eff != EffectAdded {
		t.Fatalf("expected %s, got %s", EffectAdded, eff)
	}
	if s.Result().Added != 1 {
		t.Fatalf("expected Added=1, got %+v", s.Result())
	}
}

func TestSyncAssetBinaryDedupFastPathAvoidsDownload(t *testing.T) {
	r := repo.NewFakeRepo("/tmp/d")
	a := annex.NewFakeAnnex()
	key := "SHA256E-s10--" + sha("content") + ".dat"
	a.Locations[key] = []string{"web"}
	s := newSyncer(t, r, a, config.Default())

	asset := binaryAsset("blob.dat", sha("content"), 10, time.Now())
	eff, err := s.SyncAsset(context.Background(), asset, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eff != EffectAdded {
		t.Fatalf("expected %s, got %s", EffectAdded, eff)
	}
	if a.Keys["blob.dat"] != key {
		t.Fatalf("expected FromKey to register %s under blob.dat, got %q", key, a.Keys["blob.dat"])
	}
}

func TestSyncAssetSkipsWhenHashMatchesExistingKey(t *testing.T) {
	r := repo.NewFakeRepo("/tmp/d")
	key := "SHA256E-s10--" + sha("content") + ".dat"
	r.SetAnnexKey("blob.dat", key)
	a := annex.NewFakeAnnex()
	s := newSyncer(t, r, a, config.Default())

	asset := binaryAsset("blob.dat", sha("content"), 10, time.Now())
	eff, err := s.SyncAsset(context.Background(), asset, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eff != EffectSkipHashMatch {
		t.Fatalf("expected %s, got %s", EffectSkipHashMatch, eff)
	}
}

func TestSyncAssetUpdatesWhenHashDiffers(t *testing.T) {
	r := repo.NewFakeRepo("/tmp/d")
	r.SetAnnexKey("blob.dat", "SHA256E-s10--oldhash.dat")
	a := annex.NewFakeAnnex()
	a.AddURLResults["blob.dat"] = annex.AddURLResult{Success: true, Key: "SHA256E-s10--" + sha("content")}
	s := newSyncer(t, r, a, config.Default())

	asset := binaryAsset("blob.dat", sha("content"), 10, time.Now())
	eff, err := s.SyncAsset(context.Background(), asset, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eff != EffectUpdated {
		t.Fatalf("expected %s, got %s", EffectUpdated, eff)
	}
	if s.Result().Updated != 1 {
		t.Fatalf("expected Updated=1, got %+v", s.Result())
	}
}

func TestSyncAssetRecordsHashMismatch(t *testing.T) {
	r := repo.NewFakeRepo("/tmp/d")
	a := annex.NewFakeAnnex()
	a.AddURLResults["blob.dat"] = annex.AddURLResult{Success: true, Key: "SHA256E-s10--" + strings.Repeat("b", 64)}
	s := newSyncer(t, r, a, config.Default())

	asset := binaryAsset("blob.dat", sha("content"), 10, time.Now())
	eff, err := s.SyncAsset(context.Background(), asset, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eff != EffectAdded {
		t.Fatalf("expected %s (hash mismatch is non-fatal), got %s", EffectAdded, eff)
	}
	if s.Result().HashMismatches != 1 {
		t.Fatalf("expected HashMismatches=1, got %+v", s.Result())
	}
}

func TestSyncAssetTextOverSizeLimitFails(t *testing.T) {
	r := repo.NewFakeRepo("/tmp/d")
	a := annex.NewFakeAnnex()
	s := newSyncer(t, r, a, config.Default())

	asset := types.Asset{
		Path: "huge.txt", Created: time.Now(), Modified: time.Now(),
		Kind: types.AssetKindBlob,
		Blob: &types.BlobAsset{Size: 11 << 20, SHA256: sha("x")},
	}
	eff, err := s.SyncAsset(context.Background(), asset, time.Now())
	if err == nil {
		t.Fatal("expected an UnsupportedPreconditionError")
	}
	if eff != EffectFailed {
		t.Fatalf("expected %s, got %s", EffectFailed, eff)
	}
	if s.Result().Failed != 1 {
		t.Fatalf("expected Failed=1, got %+v", s.Result())
	}
}

// sha is a deterministic, valid-hex stand-in for a real sha256 digest,
// used only to keep test fixtures short and readable.
func sha(s string) string {
	return strings.Repeat("a", 56) + fmt.Sprintf("%08x", len(s))
}

// loadConfigWithAssetFilter writes a minimal YAML config with the given
// asset_filter and loads it, exercising config.Load's regex compilation
// rather than poking at Config's unexported field directly.
func loadConfigWithAssetFilter(t *testing.T, pattern string) *config.Config {
	t.Helper()
	path := t.TempDir() + "/config.yaml"
	yamlBody := "asset_filter: '" + pattern + "'\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}
