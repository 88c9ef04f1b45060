package annex

import (
	"context"
	"fmt"
	"strings"

	"github.com/dandi/backups2datalad/pkg/metrics"
)

// Client is the interface the Blob and Zarr Syncers depend on, satisfied
// by *Annex (the real subprocess-backed pool) and by FakeAnnex (an
// in-memory stand-in used by their tests).
type Client interface {
	FromKey(ctx context.Context, key, path string) error
	ExamineKey(ctx context.Context, backendHint, filename string) (string, error)
	WhereIs(ctx context.Context, key string) ([]string, error)
	RegisterURL(ctx context.Context, key, url string) error
	AddURL(ctx context.Context, jobs <-chan AddURLJob) <-chan AddURLResult
	Close() error
}

// Annex is the long-lived worker pool exposing the five batched
// operations spec.md §4.5 names. One Annex owns one repository's working
// directory; Close closes every worker's stdin and waits for it to exit.
type Annex struct {
	fromKey    *lineWorker
	examineKey *lineWorker
	whereis    *lineWorker
	registerURL *lineWorker
	addurl     *addURLWorker
}

// New starts all five batch workers rooted at dir. jobs bounds the
// addurl worker's internal concurrency (forwarded as --jobs).
func New(ctx context.Context, dir string, jobs int) (*Annex, error) {
	fromKey, err := startLineWorker(ctx, dir, "from-key", "fromkey", "--batch", "--force")
	if err != nil {
		return nil, err
	}
	examineKey, err := startLineWorker(ctx, dir, "examinekey", "examinekey", "--batch")
	if err != nil {
		return nil, err
	}
	whereis, err := startLineWorker(ctx, dir, "whereis", "whereis", "--batch")
	if err != nil {
		return nil, err
	}
	registerURL, err := startLineWorker(ctx, dir, "registerurl", "registerurl", "--batch")
	if err != nil {
		return nil, err
	}
	addurl, err := startAddURLWorker(ctx, dir, jobs)
	if err != nil {
		return nil, err
	}

	return &Annex{
		fromKey:     fromKey,
		examineKey:  examineKey,
		whereis:     whereis,
		registerURL: registerURL,
		addurl:      addurl,
	}, nil
}

// Close shuts down every worker. Errors from individual workers are
// joined rather than short-circuited so every subprocess gets a chance to
// exit cleanly.
func (a *Annex) Close() error {
	var errs []string
	for _, w := range []*lineWorker{a.fromKey, a.examineKey, a.whereis, a.registerURL} {
		if err := w.close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := a.addurl.close(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("annex workers: %s", strings.Join(errs, "; "))
	}
	return nil
}

// FromKey registers an existing key under a new working-tree path.
func (a *Annex) FromKey(ctx context.Context, key, path string) error {
	timer := metrics.NewTimer()
	resp, err := a.fromKey.call(fmt.Sprintf("%s %s", key, path))
	timer.ObserveDurationVec(metrics.AnnexBatchCallDuration, "from-key")
	if err != nil {
		return err
	}
	if !strings.HasPrefix(resp, "ok") {
		return fmt.Errorf("from-key %s %s: %s", key, path, resp)
	}
	return nil
}

// ExamineKey computes the canonical key for filename without touching
// any file.
func (a *Annex) ExamineKey(ctx context.Context, backendHint, filename string) (string, error) {
	timer := metrics.NewTimer()
	resp, err := a.examineKey.call(fmt.Sprintf("%s %s", backendHint, filename))
	timer.ObserveDurationVec(metrics.AnnexBatchCallDuration, "examinekey")
	if err != nil {
		return "", err
	}
	return resp, nil
}

// WhereIs returns the remotes a key is known to exist on, or nil if the
// key is unknown to the repository.
func (a *Annex) WhereIs(ctx context.Context, key string) ([]string, error) {
	timer := metrics.NewTimer()
	resp, err := a.whereis.call(key)
	timer.ObserveDurationVec(metrics.AnnexBatchCallDuration, "whereis")
	if err != nil {
		return nil, err
	}
	if resp == "none" || resp == "" {
		return nil, nil
	}
	return strings.Split(resp, "\t"), nil
}

// RegisterURL attaches an additional download URL to an existing key.
func (a *Annex) RegisterURL(ctx context.Context, key, url string) error {
	timer := metrics.NewTimer()
	resp, err := a.registerURL.call(fmt.Sprintf("%s %s", key, url))
	timer.ObserveDurationVec(metrics.AnnexBatchCallDuration, "registerurl")
	if err != nil {
		return err
	}
	if !strings.HasPrefix(resp, "ok") {
		return fmt.Errorf("registerurl %s %s: %s", key, url, resp)
	}
	return nil
}

// AddURL streams (url, path) jobs through the long-lived addurl worker
// and returns the channel of completion records. See addurl.go.
func (a *Annex) AddURL(ctx context.Context, jobs <-chan AddURLJob) <-chan AddURLResult {
	return a.addurl.run(ctx, jobs)
}

var _ Client = (*Annex)(nil)
