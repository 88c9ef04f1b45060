package blobsync

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dandi/backups2datalad/pkg/annex"
	"github.com/dandi/backups2datalad/pkg/config"
	"github.com/dandi/backups2datalad/pkg/dandilog"
	"github.com/dandi/backups2datalad/pkg/repo"
	"github.com/dandi/backups2datalad/pkg/syncerr"
	"github.com/dandi/backups2datalad/pkg/tracker"
	"github.com/dandi/backups2datalad/pkg/types"
)

// futureGracePeriod is how long an asset may lack a server-computed
// sha256 before it escalates from a quiet "future" defer to a counted
// old_unhashed failure (spec.md §4.3's decision table).
const futureGracePeriod = 24 * time.Hour

// textSizeLimit is the safety ceiling past which a text-classified asset
// is treated as a misclassification rather than stored inline.
const textSizeLimit = 10 << 20 // 10 MiB

// Effect is the outcome SyncAsset reached for one asset, mirroring
// spec.md §4.3's decision table for callers that want to log or count it
// themselves beyond the aggregate Result.
type Effect string

const (
	EffectSkipUnchanged Effect = "skip-unchanged"
	EffectSkipFiltered  Effect = "skip-filtered"
	EffectSkipHashMatch Effect = "skip-hash-match"
	EffectDeferredFuture     Effect = "deferred-future"
	EffectDeferredOldUnhashed Effect = "deferred-old-unhashed"
	EffectAdded         Effect = "added"
	EffectUpdated       Effect = "updated"
	EffectFailed        Effect = "failed"
)

// Result aggregates the counters the Commit Controller and metrics
// reporting need out of a Blob Syncer run.
type Result struct {
	Added          int
	Updated        int
	Failed         int
	HashMismatches int
	OldUnhashed    int
	FutureQty      int
}

// Syncer is the Blob Syncer for one dandiset repository.
type Syncer struct {
	Repo    repo.Repo
	Annex   annex.Client
	Config  *config.Config
	Tracker *tracker.Tracker

	// Embargoed gates whether the backup bucket URL (as opposed to just
	// the archive's public download URL) is registered against a key.
	Embargoed bool

	// DownloadLock is the dataset-level lock spec.md §4.3 requires:
	// downloads hold it for reading (many may run concurrently) and
	// `git rm`-style deletions must hold it for writing (excluding all
	// downloads) to avoid index-file contention. Shared with whatever
	// performs deletions (the Commit Controller), so callers construct
	// one RWMutex per dandiset task tree and pass it to both.
	DownloadLock *sync.RWMutex

	mu     sync.Mutex
	result Result
}

// Result returns a copy of the counters accumulated so far.
func (s *Syncer) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

func (s *Syncer) incr(field *int) {
	s.mu.Lock()
	*field++
	s.mu.Unlock()
}

// SyncAsset applies spec.md §4.3's decision table to one blob asset and
// returns the effect reached. now is injected so defer-to-future aging is
// deterministic in tests.
func (s *Syncer) SyncAsset(ctx context.Context, a types.Asset, now time.Time) (Effect, error) {
	if a.Kind != types.AssetKindBlob || a.Blob == nil {
		return EffectFailed, fmt.Errorf("blobsync: %s is not a blob asset", a.Path)
	}
	b := a.Blob

	if b.SHA256 == "" {
		s.Tracker.MarkFuture(a)
		s.incr(&s.result.FutureQty)
		if now.Sub(a.Created) < futureGracePeriod {
			return EffectDeferredFuture, nil
		}
		s.incr(&s.result.OldUnhashed)
		return EffectDeferredOldUnhashed, &syncerr.StaleHashError{Path: a.Path, Age: now.Sub(a.Created).String()}
	}

	if !s.Config.MatchAsset(a.Path) {
		return EffectSkipFiltered, nil
	}

	force := s.Config.Mode == config.ModeForce
	_, changed := s.Tracker.RegisterAsset(a, force)
	if !changed {
		s.Tracker.FinishAsset(a.Path)
		return EffectSkipUnchanged, nil
	}

	existingKey, exists, err := s.Repo.LookupKey(ctx, a.Path)
	if err != nil {
		s.incr(&s.result.Failed)
		return EffectFailed, fmt.Errorf("looking up annex key for %s: %w", a.Path, err)
	}

	wantKey := canonicalKey(b.SHA256, b.Size, filepath.Ext(a.Path))
	if exists {
		if existingKey == wantKey {
			s.Tracker.FinishAsset(a.Path)
			return EffectSkipHashMatch, nil
		}
		if err := s.Repo.Remove(ctx, a.Path); err != nil {
			s.incr(&s.result.Failed)
			return EffectFailed, fmt.Errorf("removing stale %s before update: %w", a.Path, err)
		}
	}

	effect, err := s.addOrUpdate(ctx, a, !exists, wantKey)
	if err != nil {
		s.incr(&s.result.Failed)
		return EffectFailed, err
	}
	if !exists {
		s.incr(&s.result.Added)
	} else {
		s.incr(&s.result.Updated)
	}
	return effect, nil
}

// addOrUpdate implements spec.md §4.3's "Add/update implementation":
// a content-addressed dedup fast path for binary assets already known to
// the annex, a hard abort for oversized text misclassification, and
// otherwise a streamed download through the addurl worker.
func (s *Syncer) addOrUpdate(ctx context.Context, a types.Asset, added bool, wantKey string) (Effect, error) {
	s.DownloadLock.RLock()
	defer s.DownloadLock.RUnlock()

	b := a.Blob

	if isBinary(a.Path) {
		locations, err := s.Annex.WhereIs(ctx, wantKey)
		if err != nil {
			return EffectFailed, fmt.Errorf("whereis %s: %w", wantKey, err)
		}
		if len(locations) > 0 {
			if err := s.Annex.FromKey(ctx, wantKey, a.Path); err != nil {
				return EffectFailed, fmt.Errorf("from-key %s %s: %w", wantKey, a.Path, err)
			}
			s.registerURLs(ctx, wantKey, a)
			s.checkBackupRemote(wantKey, locations)
			s.Tracker.FinishAsset(a.Path)
			if added {
				return EffectAdded, nil
			}
			return EffectUpdated, nil
		}
		// Key unknown anywhere: fall through to a real download below.
	} else if b.Size > textSizeLimit {
		return EffectFailed, &syncerr.UnsupportedPreconditionError{
			Reason: fmt.Sprintf("%s classified as text but exceeds the %d-byte safety limit", a.Path, textSizeLimit),
		}
	}

	return s.streamDownload(ctx, a, added)
}

func (s *Syncer) streamDownload(ctx context.Context, a types.Asset, added bool) (Effect, error) {
	jobs := make(chan annex.AddURLJob)
	results := s.Annex.AddURL(ctx, jobs)

	go func() {
		defer close(jobs)
		select {
		case jobs <- annex.AddURLJob{URL: a.Blob.DownloadURL, Path: a.Path}:
		case <-ctx.Done():
		}
	}()

	select {
	case res, ok := <-results:
		if !ok {
			return EffectFailed, fmt.Errorf("addurl worker closed without a result for %s", a.Path)
		}
		if !res.Success {
			dlErr := &syncerr.DownloadFailedError{Path: a.Path, ExitCode: res.ExitCode, Err: res.Err}
			return EffectFailed, dlErr
		}
		s.registerURLs(ctx, res.Key, a)
		if err := verifyHash(a, res.Key); err != nil {
			s.incr(&s.result.HashMismatches)
			dandilog.WithComponent("blobsync").Error().Str("path", a.Path).Err(err).Msg("hash mismatch after download")
		}
		s.Tracker.FinishAsset(a.Path)
		if added {
			return EffectAdded, nil
		}
		return EffectUpdated, nil
	case <-ctx.Done():
		return EffectFailed, ctx.Err()
	}
}

func (s *Syncer) registerURLs(ctx context.Context, key string, a types.Asset) {
	log := dandilog.WithComponent("blobsync")
	if !s.Embargoed {
		if bucketURL := bucketVariantURL(s.Config, a.Blob.ContentURL); bucketURL != "" {
			if err := s.Annex.RegisterURL(ctx, key, bucketURL); err != nil {
				log.Warn().Str("key", key).Err(err).Msg("registering backup bucket URL")
			}
		}
	}
	if err := s.Annex.RegisterURL(ctx, key, a.Blob.DownloadURL); err != nil {
		log.Warn().Str("key", key).Err(err).Msg("registering archive download URL")
	}
}

func (s *Syncer) checkBackupRemote(key string, locations []string) {
	if s.Config.BackupRemote == "" {
		return
	}
	for _, l := range locations {
		if l == s.Config.BackupRemote {
			return
		}
	}
	dandilog.WithComponent("blobsync").Warn().
		Str("key", key).Str("remote", s.Config.BackupRemote).
		Msg("key not yet present on the configured backup remote")
}

// bucketVariantURL maps an asset's archive contentUrl to its backup
// bucket equivalent using the configured content-url regex, per spec.md
// §3's "content URL pattern matched against a configured regex to pick
// the S3 variant".
func bucketVariantURL(cfg *config.Config, contentURL string) string {
	if contentURL == "" || cfg.ContentURLRegex == "" {
		return ""
	}
	re, err := regexp.Compile(cfg.ContentURLRegex)
	if err != nil || !re.MatchString(contentURL) {
		return ""
	}
	return contentURL
}

// canonicalKey builds the SHA256E git-annex key spec.md §3's data model
// names: SHA256E-s{size}--{sha256}.{ext}.
func canonicalKey(sha256Hex string, size int64, ext string) string {
	return fmt.Sprintf("SHA256E-s%d--%s%s", size, sha256Hex, ext)
}

var keyHashRE = regexp.MustCompile(`^SHA256E-s\d+--([0-9a-fA-F]+)`)

// verifyHash trusts the hash embedded in an SHA256E key (spec.md §4.3:
// "if the local symlink resolves into the annex-object path the
// key-embedded hash is trusted"). Non-SHA256E keys (e.g. a special
// remote's own backend) have nothing to check here.
func verifyHash(a types.Asset, key string) error {
	m := keyHashRE.FindStringSubmatch(key)
	if m == nil {
		return nil
	}
	if !strings.EqualFold(m[1], a.Blob.SHA256) {
		return &syncerr.HashMismatchError{Path: a.Path, Expected: a.Blob.SHA256, Got: m[1]}
	}
	return nil
}
