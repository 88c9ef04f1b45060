package tracker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dandi/backups2datalad/pkg/types"
)

func blobAsset(path, sha256 string, modified time.Time) types.Asset {
	return types.Asset{
		Path:     path,
		Modified: modified,
		Kind:     types.AssetKindBlob,
		Blob:     &types.BlobAsset{SHA256: sha256, Size: 10},
	}
}

func TestRegisterAssetNewIsAlwaysChanged(t *testing.T) {
	dir := t.TempDir()
	tr, err := Load(dir, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, ok := tr.RegisterAsset(blobAsset("a.txt", "abc", time.Now()), false)
	if !ok {
		t.Fatal("expected a new asset to be reported as changed")
	}
}

func TestRegisterAssetUnchangedSkipsUnlessForced(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := blobAsset("a.txt", "abc", now)

	tr, _ := Load(dir, nil)
	tr.RegisterAsset(a, false)
	tr.FinishAsset("a.txt")
	if err := tr.Dump(); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	tr2, err := Load(dir, []string{"a.txt"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := tr2.RegisterAsset(a, false); ok {
		t.Fatal("expected unchanged metadata to be reported as not-changed")
	}
	if _, ok := tr2.RegisterAsset(a, true); !ok {
		t.Fatal("expected force=true to always report changed")
	}
}

func TestGetDeletedOnlyReturnsUnregisteredLocalPaths(t *testing.T) {
	dir := t.TempDir()
	tr, err := Load(dir, []string{"kept.txt", "gone.txt"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tr.RegisterAsset(blobAsset("kept.txt", "abc", time.Now()), false)

	deleted := tr.GetDeleted(func(string) bool { return true })
	if len(deleted) != 1 || deleted[0] != "gone.txt" {
		t.Fatalf("expected [gone.txt], got %v", deleted)
	}
}

func TestPruneMetadataDropsUnseenDurableEntries(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	tr, _ := Load(dir, nil)
	tr.RegisterAsset(blobAsset("stale.txt", "abc", now), false)
	tr.FinishAsset("stale.txt")
	if err := tr.Dump(); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	tr2, err := Load(dir, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// stale.txt is never re-registered this run (no longer matched by
	// the archive's asset list at all, e.g. filter change upstream).
	pruned := tr2.PruneMetadata()
	if len(pruned) != 1 || pruned[0] != "stale.txt" {
		t.Fatalf("expected [stale.txt] pruned, got %v", pruned)
	}
}

func TestDumpWritesSortedByPath(t *testing.T) {
	dir := t.TempDir()
	tr, _ := Load(dir, nil)
	for _, a := range []types.Asset{
		blobAsset("z.txt", "1", time.Now()),
		blobAsset("a.txt", "2", time.Now()),
	} {
		tr.RegisterAsset(a, false)
		tr.FinishAsset(a.Path)
	}
	if err := tr.Dump(); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "assets.json"))
	if err != nil {
		t.Fatalf("reading assets.json: %v", err)
	}
	var assets []types.Asset
	if err := json.Unmarshal(data, &assets); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(assets) != 2 || assets[0].Path != "a.txt" || assets[1].Path != "z.txt" {
		t.Fatalf("expected sorted [a.txt, z.txt], got %+v", assets)
	}
}

func TestWriteAndLoadState(t *testing.T) {
	dir := t.TempDir()
	cursor := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tr, _ := Load(dir, nil)
	if err := tr.WriteState(cursor); err != nil {
		t.Fatalf("WriteState: %v", err)
	}
	got, ok, err := LoadState(dir)
	if err != nil || !ok {
		t.Fatalf("LoadState: ok=%v err=%v", ok, err)
	}
	if !got.Equal(cursor) {
		t.Fatalf("expected %v, got %v", cursor, got)
	}
}

func TestLoadStateMissingFileReportsNotOK(t *testing.T) {
	dir := t.TempDir()
	_, ok, err := LoadState(dir)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false when assets-state.json does not exist")
	}
}
