package ledger

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/dandi/backups2datalad/pkg/types"
)

var bucketRuns = []byte("runs")

// Entry is the outcome of a single dandiset sync, as recorded for the
// orchestrator's history report.
type Entry struct {
	DandisetID string    `json:"dandiset_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Added          int `json:"added"`
	Updated        int `json:"updated"`
	Deleted        int `json:"deleted"`
	Pruned         int `json:"pruned"`
	FutureQty      int `json:"future_qty"`
	Failed         int `json:"failed"`
	HashMismatches int `json:"hash_mismatches"`
	OldUnhashed    int `json:"old_unhashed"`
	ZarrsSynced    int `json:"zarrs_synced"`
	ZarrsFailed    int `json:"zarrs_failed"`

	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// EntryFromReport builds the ledger Entry for a completed dandiset run.
func EntryFromReport(report types.Report, started, finished time.Time) Entry {
	e := Entry{
		DandisetID:     report.DandisetID,
		StartedAt:      started,
		FinishedAt:     finished,
		Added:          report.Added,
		Updated:        report.Updated,
		Deleted:        report.Deleted,
		Pruned:         report.Pruned,
		FutureQty:      report.FutureQty,
		Failed:         report.Failed,
		HashMismatches: report.HashMismatches,
		OldUnhashed:    report.OldUnhashed,
		ZarrsSynced:    report.ZarrsSynced,
		ZarrsFailed:    report.ZarrsFailed,
		OK:             report.OK(),
	}
	if report.Err != nil {
		e.Error = report.Err.Error()
	}
	return e
}

// Store is a bbolt-backed store of Entry records keyed by dandiset ID.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the ledger database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "ledger.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record upserts e, keyed by e.DandisetID.
func (s *Store) Record(e Entry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshaling ledger entry: %w", err)
		}
		return b.Put([]byte(e.DandisetID), data)
	})
}

// Get returns the last recorded Entry for dandisetID, if any.
func (s *Store) Get(dandisetID string) (Entry, bool, error) {
	var e Entry
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		data := b.Get([]byte(dandisetID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &e)
	})
	return e, found, err
}

// List returns every recorded Entry, sorted by DandisetID.
func (s *Store) List() ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		return b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshaling ledger entry %s: %w", k, err)
			}
			entries = append(entries, e)
			return nil
		})
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].DandisetID < entries[j].DandisetID })
	return entries, err
}

// ShouldSkip reports whether dandisetID was already run successfully at or
// after since within this invocation, letting the orchestrator avoid
// redundant work when the same dandiset is named more than once in a
// single batch.
func (s *Store) ShouldSkip(dandisetID string, since time.Time) (bool, error) {
	e, found, err := s.Get(dandisetID)
	if err != nil || !found {
		return false, err
	}
	return e.OK && !e.FinishedAt.Before(since), nil
}
