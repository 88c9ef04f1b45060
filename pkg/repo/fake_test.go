package repo

import (
	"context"
	"testing"
	"time"
)

func TestFakeRepoAddAndCommit(t *testing.T) {
	r := NewFakeRepo("/tmp/000001")
	ctx := context.Background()

	if err := r.Add(ctx, "file.txt"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	dirty, err := r.IsDirty(ctx)
	if err != nil || !dirty {
		t.Fatalf("expected dirty after Add, got dirty=%v err=%v", dirty, err)
	}

	if err := r.Commit(ctx, "[backups2datalad] 1 file added", time.Now()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	dirty, _ = r.IsDirty(ctx)
	if dirty {
		t.Error("expected clean after commit")
	}
	if len(r.Commits()) != 1 {
		t.Fatalf("expected 1 commit, got %d", len(r.Commits()))
	}
}

func TestFakeRepoDuplicateSubmoduleErrors(t *testing.T) {
	r := NewFakeRepo("/tmp/000001")
	ctx := context.Background()
	if err := r.AddSubmodule(ctx, "z/sample.zarr", "git@github.com:x/sample", "sample"); err != nil {
		t.Fatalf("first AddSubmodule: %v", err)
	}
	if err := r.AddSubmodule(ctx, "z/sample.zarr", "git@github.com:x/sample", "sample"); err == nil {
		t.Fatal("expected error adding duplicate submodule")
	}
}

func TestFakeRepoAnnexedFilesOnlyIncludesKeyedPaths(t *testing.T) {
	r := NewFakeRepo("/tmp/z1")
	ctx := context.Background()
	_ = r.Add(ctx, "inline.txt")
	r.SetAnnexKey("blob.dat", "MD5E-s4--aaaa")

	ch, err := r.AnnexedFiles(ctx)
	if err != nil {
		t.Fatalf("AnnexedFiles: %v", err)
	}
	var got []AnnexedFile
	for f := range ch {
		got = append(got, f)
	}
	if len(got) != 1 || got[0].Path != "blob.dat" {
		t.Fatalf("expected only blob.dat, got %+v", got)
	}
}
