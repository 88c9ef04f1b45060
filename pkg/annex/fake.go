package annex

import (
	"context"
	"fmt"
	"sync"
)

// FakeAnnex is an in-memory stand-in for Annex used by the Blob and Zarr
// Syncer tests. It never shells out; keys, URLs, and locations all live
// in plain maps guarded by mu.
type FakeAnnex struct {
	mu sync.Mutex

	// Keys maps a working-tree path to the key FromKey assigned it.
	Keys map[string]string
	// ExamineKeys maps a filename to the key ExamineKey should return for
	// it. Tests populate this to control what digest a blob "hashes to".
	ExamineKeys map[string]string
	// Locations maps a key to the remotes WhereIs should report.
	Locations map[string][]string
	// URLs maps a key to the URLs RegisterURL has recorded against it.
	URLs map[string][]string

	// AddURLResults, if set, is consulted by AddURL to decide the
	// outcome for a job's Path; a missing entry succeeds with a
	// synthesized key.
	AddURLResults map[string]AddURLResult

	closed bool
}

// NewFakeAnnex returns a FakeAnnex with all maps initialized.
func NewFakeAnnex() *FakeAnnex {
	return &FakeAnnex{
		Keys:          make(map[string]string),
		ExamineKeys:   make(map[string]string),
		Locations:     make(map[string][]string),
		URLs:          make(map[string][]string),
		AddURLResults: make(map[string]AddURLResult),
	}
}

func (f *FakeAnnex) FromKey(ctx context.Context, key, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Keys[path] = key
	return nil
}

func (f *FakeAnnex) ExamineKey(ctx context.Context, backendHint, filename string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key, ok := f.ExamineKeys[filename]; ok {
		return key, nil
	}
	return fmt.Sprintf("%s-s0--fake", backendHint), nil
}

func (f *FakeAnnex) WhereIs(ctx context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Locations[key], nil
}

func (f *FakeAnnex) RegisterURL(ctx context.Context, key, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.URLs[key] = append(f.URLs[key], url)
	return nil
}

// AddURL serves jobs on its own goroutine and returns an unbuffered
// results channel, so each result must be read before the next job is
// taken; the goroutine closes the channel once jobs is closed or ctx is
// done.
func (f *FakeAnnex) AddURL(ctx context.Context, jobs <-chan AddURLJob) <-chan AddURLResult {
	out := make(chan AddURLResult)
	go func() {
		defer close(out)
		for {
			select {
			case job, ok := <-jobs:
				if !ok {
					return
				}
				f.mu.Lock()
				res, configured := f.AddURLResults[job.Path]
				f.mu.Unlock()
				if !configured {
					res = AddURLResult{Path: job.Path, Key: fmt.Sprintf("MD5E-s0--%s", job.Path), Success: true}
				} else {
					res.Path = job.Path
				}
				select {
				case out <- res:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (f *FakeAnnex) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

var _ Client = (*FakeAnnex)(nil)
