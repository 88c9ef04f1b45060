package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/dandi/backups2datalad/pkg/types"
)

func TestRecordAndGet(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	started := time.Now().Add(-time.Minute)
	finished := time.Now()
	e := EntryFromReport(types.Report{DandisetID: "000001", Added: 3, Updated: 1}, started, finished)

	if err := s.Record(e); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, found, err := s.Get("000001")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatalf("expected entry to be found")
	}
	if got.Added != 3 || got.Updated != 1 || !got.OK {
		t.Fatalf("unexpected entry: %+v", got)
	}
}

func TestGetMissing(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_, found, err := s.Get("does-not-exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatalf("expected no entry")
	}
}

func TestRecordUpsertsExistingEntry(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	now := time.Now()
	if err := s.Record(EntryFromReport(types.Report{DandisetID: "000001", Added: 1}, now, now)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	later := now.Add(time.Hour)
	if err := s.Record(EntryFromReport(types.Report{DandisetID: "000001", Added: 5}, later, later)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, found, err := s.Get("000001")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if got.Added != 5 {
		t.Fatalf("expected upsert to overwrite, got %+v", got)
	}
}

func TestListSortedByDandisetID(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	now := time.Now()
	for _, id := range []string{"000003", "000001", "000002"} {
		if err := s.Record(EntryFromReport(types.Report{DandisetID: id}, now, now)); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	entries, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"000001", "000002", "000003"} {
		if entries[i].DandisetID != want {
			t.Fatalf("entries not sorted: %+v", entries)
		}
	}
}

func TestEntryFromReportRecordsFailure(t *testing.T) {
	now := time.Now()
	e := EntryFromReport(types.Report{DandisetID: "000001", Failed: 1, Err: errors.New("boom")}, now, now)
	if e.OK {
		t.Fatalf("expected OK=false for a failed report")
	}
	if e.Error != "boom" {
		t.Fatalf("expected error message to be recorded, got %q", e.Error)
	}
}

func TestShouldSkip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	since := time.Now()
	finished := since.Add(time.Minute)
	if err := s.Record(EntryFromReport(types.Report{DandisetID: "000001"}, since, finished)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	skip, err := s.ShouldSkip("000001", since)
	if err != nil {
		t.Fatalf("ShouldSkip: %v", err)
	}
	if !skip {
		t.Fatalf("expected ShouldSkip=true for a successful recent run")
	}

	skip, err = s.ShouldSkip("000001", finished.Add(time.Hour))
	if err != nil {
		t.Fatalf("ShouldSkip: %v", err)
	}
	if skip {
		t.Fatalf("expected ShouldSkip=false when since is after the recorded run")
	}

	skip, err = s.ShouldSkip("no-such-dandiset", since)
	if err != nil {
		t.Fatalf("ShouldSkip: %v", err)
	}
	if skip {
		t.Fatalf("expected ShouldSkip=false for an unknown dandiset")
	}
}
