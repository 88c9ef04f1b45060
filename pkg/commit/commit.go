package commit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dandi/backups2datalad/pkg/annex"
	"github.com/dandi/backups2datalad/pkg/config"
	"github.com/dandi/backups2datalad/pkg/dandilog"
	"github.com/dandi/backups2datalad/pkg/metrics"
	"github.com/dandi/backups2datalad/pkg/repo"
	"github.com/dandi/backups2datalad/pkg/repohost"
	"github.com/dandi/backups2datalad/pkg/syncerr"
	"github.com/dandi/backups2datalad/pkg/tracker"
	"github.com/dandi/backups2datalad/pkg/types"
)

const (
	assetsJSONPath         = ".dandi/assets.json"
	dandisetYAMLPath       = "dandiset.yaml"
	embargoStatusConfigKey = "dandi.dandiset.embargo-status"
	dandiProviderConfigKey = "dandi.dandiset.download-helper"
	statsConfigKey         = "dandi.stats"
	populatedConfigKey     = "dandi.populated"
	gitModulesFile         = ".gitmodules"
)

// Segment is the span of assets one commit covers, per spec.md §4.6's
// commit policy: the counts feeding the message grammar and the cursor
// timestamp to persist and commit with.
type Segment struct {
	Added            int
	Updated          int
	Deleted          int
	GarbageCollected int
	FutureQty        int

	// Timestamp is the max asset created time in the segment, or
	// version.modified for the final boundary of draft, or
	// version.created for a non-draft segment's boundary.
	Timestamp time.Time

	// FinalBoundary marks the implicit boundary emitted after the last
	// asset; assets-state.json is updated even when nothing was dirty.
	FinalBoundary bool
}

// Result reports what Commit did.
type Result struct {
	Committed bool
	Message   string
}

// BlobKeyURL is one blob key and the backup-bucket URL to register
// against it, used when an embargo lifts.
type BlobKeyURL struct {
	Key       string
	BucketURL string
}

// Controller is the Commit / Embargo Controller for one dandiset repo.
type Controller struct {
	Repo     repo.Repo
	RepoHost repohost.RepoHost
	Annex    annex.Client
	Config   *config.Config
	Tracker  *tracker.Tracker

	DandisetID    string
	GitHubOrg     string
	ZarrGitHubOrg string

	// Verify, when true, turns any mutating action into an error unless
	// DraftAdvanced is also true (spec.md §4.6's verify mode).
	Verify        bool
	DraftAdvanced bool

	// DownloadLock is shared with the Blob Syncer; every Commit call
	// acquires it exclusively to serialize against in-flight downloads
	// (spec.md §5).
	DownloadLock *sync.RWMutex

	// ZarrSubmodules maps each Zarr submodule's .gitmodules path (the
	// key under submodule.<path>.*) to a Repo handle on that submodule's
	// own working tree, used to rewrite its local git remote URL.
	ZarrSubmodules map[string]repo.Repo
}

func (c *Controller) guardVerify(action string) error {
	if c.Verify && !c.DraftAdvanced {
		return &syncerr.UnexpectedChangeError{Dandiset: c.DandisetID, Action: action}
	}
	return nil
}

// Commit applies spec.md §4.6's commit policy: persist tracker state,
// commit if the repo is dirty with a deterministic message, then GC.
func (c *Controller) Commit(ctx context.Context, seg Segment) (Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CommitDuration)

	if c.DownloadLock != nil {
		c.DownloadLock.Lock()
		defer c.DownloadLock.Unlock()
	}

	if err := c.Tracker.Dump(); err != nil {
		return Result{}, fmt.Errorf("dumping assets.json: %w", err)
	}
	if err := c.Repo.Add(ctx, assetsJSONPath); err != nil {
		return Result{}, fmt.Errorf("staging assets.json: %w", err)
	}

	dirty, err := c.Repo.IsDirty(ctx)
	if err != nil {
		return Result{}, err
	}
	if !dirty {
		if seg.FinalBoundary {
			if err := c.Tracker.WriteState(seg.Timestamp); err != nil {
				return Result{}, err
			}
		}
		return Result{}, nil
	}

	msg := commitMessage(seg)
	if err := c.guardVerify(msg); err != nil {
		return Result{}, err
	}

	if err := c.Repo.Commit(ctx, msg, seg.Timestamp); err != nil {
		return Result{}, fmt.Errorf("committing: %w", err)
	}
	if err := c.Repo.GC(ctx); err != nil {
		dandilog.WithComponent("commit").Warn().Str("dandiset", c.DandisetID).Err(err).Msg("garbage collection failed")
	}
	if err := c.Tracker.WriteState(seg.Timestamp); err != nil {
		return Result{}, err
	}
	return Result{Committed: true, Message: msg}, nil
}

// commitMessage builds spec.md §6's commit-message grammar: the
// "[backups2datalad] " prefix then comma-joined nonempty segments, or
// "Only some metadata updates" if every count is zero.
func commitMessage(seg Segment) string {
	var parts []string
	if seg.Added > 0 {
		parts = append(parts, fmt.Sprintf("%s added", quantify(seg.Added, "file")))
	}
	if seg.Updated > 0 {
		parts = append(parts, fmt.Sprintf("%s updated", quantify(seg.Updated, "file")))
	}
	if seg.Deleted > 0 {
		parts = append(parts, fmt.Sprintf("%s deleted", quantify(seg.Deleted, "file")))
	}
	if seg.GarbageCollected > 0 {
		parts = append(parts, fmt.Sprintf("%s garbage-collected from .dandi/assets.json", quantify(seg.GarbageCollected, "asset")))
	}
	if seg.FutureQty > 0 {
		parts = append(parts, fmt.Sprintf("%s not yet downloaded", quantify(seg.FutureQty, "asset")))
	}
	if len(parts) == 0 {
		parts = []string{"Only some metadata updates"}
	}
	return "[backups2datalad] " + strings.Join(parts, ", ")
}

// quantify renders "1 file" or "2 files": the noun pluralized with a
// trailing "s" except at count 1.
func quantify(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

// WriteDandisetMetadata materializes the dandiset's raw upstream metadata
// document as dandiset.yaml in the repo root (spec.md's data model,
// invariant 1) and stages it. A no-op if raw is empty.
func (c *Controller) WriteDandisetMetadata(ctx context.Context, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parsing dandiset metadata: %w", err)
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("rendering dandiset.yaml: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.Repo.Path(), dandisetYAMLPath), data, 0644); err != nil {
		return fmt.Errorf("writing dandiset.yaml: %w", err)
	}
	return c.Repo.Add(ctx, dandisetYAMLPath)
}

// UpdateStats records the dandi.stats and dandi.populated config keys
// (spec.md §6) against the repo's current HEAD, for the out-of-scope
// populate stage to read. Called once a run has committed cleanly.
func (c *Controller) UpdateStats(ctx context.Context) error {
	head, err := c.Repo.HeadCommit(ctx)
	if err != nil {
		return fmt.Errorf("reading head commit for stats: %w", err)
	}
	files, size := c.Tracker.Stats()
	stats := fmt.Sprintf("%s,%d,%d", head, files, size)
	if err := c.Repo.SetRepoConfig(ctx, statsConfigKey, stats, ""); err != nil {
		return fmt.Errorf("recording %s: %w", statsConfigKey, err)
	}
	if err := c.Repo.SetRepoConfig(ctx, populatedConfigKey, head, ""); err != nil {
		return fmt.Errorf("recording %s: %w", populatedConfigKey, err)
	}
	return nil
}

// RetagVersion finds the commit whose assets.json matches version's
// asset set by set-equality on asset id and fast-forward-tags it. If the
// tag ends up ahead of the repo's current position in history (e.g. a
// prior reconciliation reset the draft branch), it ours-merges the tag
// back in to keep the branch linear (spec.md §4.6).
func (c *Controller) RetagVersion(ctx context.Context, version types.Version, assetIDs []string) error {
	if !c.Config.EnableTags || version.IsDraft() {
		return nil
	}
	wanted := toSet(assetIDs)

	commits, err := c.Repo.History(ctx)
	if err != nil {
		return fmt.Errorf("reading history: %w", err)
	}

	matchIdx := -1
	for i := len(commits) - 1; i >= 0; i-- {
		content, err := c.Repo.ReadFileAtCommit(ctx, commits[i].Hash, assetsJSONPath)
		if err != nil {
			continue
		}
		ids, err := assetIDsFromJSON(content)
		if err != nil {
			continue
		}
		if setEqual(toSet(ids), wanted) {
			matchIdx = i
			break
		}
	}
	if matchIdx < 0 {
		return nil
	}
	match := commits[matchIdx].Hash

	tagName := version.Identifier
	existing, ok, err := c.Repo.ResolveTag(ctx, tagName)
	if err != nil {
		return err
	}
	if ok && existing == match {
		return nil
	}
	if err := c.guardVerify("tag " + tagName); err != nil {
		return err
	}
	if err := c.Repo.Tag(ctx, tagName, match); err != nil {
		return fmt.Errorf("tagging %s: %w", tagName, err)
	}

	head, err := c.Repo.HeadCommit(ctx)
	if err != nil {
		return err
	}
	headIdx := -1
	for i, cm := range commits {
		if cm.Hash == head {
			headIdx = i
			break
		}
	}
	if headIdx >= 0 && matchIdx > headIdx {
		if err := c.Repo.MergeOurs(ctx, tagName, version.Created); err != nil {
			return fmt.Errorf("merging tag %s back into draft: %w", tagName, err)
		}
	}
	return nil
}

func toSet(ids []string) map[string]struct{} {
	s := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func setEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func assetIDsFromJSON(content string) ([]string, error) {
	var assets []types.Asset
	if err := json.Unmarshal([]byte(content), &assets); err != nil {
		return nil, err
	}
	ids := make([]string, len(assets))
	for i, a := range assets {
		ids[i] = a.ID
	}
	return ids, nil
}

// PendingEmbargoTransition reports whether remote differs from the
// repo's stored embargo status, without performing the transition. The
// synchronization engine uses this to decide whether it is worth
// collecting blob keys for EmbargoTransition's S3 URL re-registration.
func (c *Controller) PendingEmbargoTransition(ctx context.Context, remote types.EmbargoStatus) (bool, error) {
	stored, err := c.Repo.GetRepoConfig(ctx, embargoStatusConfigKey, "")
	if err != nil {
		return false, err
	}
	old := types.EmbargoStatus(stored)
	if old == "" {
		return false, nil
	}
	return old != remote, nil
}

// EmbargoTransition compares the repo's stored embargo status against
// remote and, if it changed, performs the flip spec.md §4.6 describes.
// Returns whether any change was made.
func (c *Controller) EmbargoTransition(ctx context.Context, remote types.EmbargoStatus, blobKeys []BlobKeyURL) (bool, error) {
	stored, err := c.Repo.GetRepoConfig(ctx, embargoStatusConfigKey, "")
	if err != nil {
		return false, err
	}
	old := types.EmbargoStatus(stored)
	if old == "" {
		old = remote
	}
	if old == remote {
		return false, nil
	}

	if err := c.guardVerify(fmt.Sprintf("embargo status change %s -> %s", old, remote)); err != nil {
		return false, err
	}

	log := dandilog.WithComponent("commit")

	if err := c.Repo.SetRepoConfig(ctx, embargoStatusConfigKey, string(remote), ""); err != nil {
		return false, err
	}
	if err := c.Repo.Commit(ctx, "[backups2datalad] Update embargo status", time.Now()); err != nil {
		return false, fmt.Errorf("committing embargo status: %w", err)
	}

	opened := old == types.EmbargoEmbargoed && remote == types.EmbargoOpen

	if opened {
		log.Info().Str("dandiset", c.DandisetID).Msg("registering S3 URLs now that embargo has lifted")
		for _, bk := range blobKeys {
			if err := c.Annex.RegisterURL(ctx, bk.Key, bk.BucketURL); err != nil {
				log.Warn().Str("key", bk.Key).Err(err).Msg("registering backup bucket URL")
			}
		}
		if err := c.Repo.SetRepoConfig(ctx, dandiProviderConfigKey, "false", ""); err != nil {
			log.Warn().Err(err).Msg("disabling authenticated download helper")
		}
	}

	if c.GitHubOrg != "" && c.RepoHost != nil {
		vis := repohost.VisibilityPrivate
		if opened {
			vis = repohost.VisibilityPublic
		}
		if err := c.RepoHost.SetVisibility(ctx, c.GitHubOrg, c.DandisetID, vis); err != nil {
			log.Warn().Err(err).Msg("flipping hosting repository visibility")
		}
		if c.ZarrGitHubOrg != "" {
			if err := c.updateZarrSubmodulesPrivacy(ctx, !opened); err != nil {
				return true, err
			}
		}
	}

	return true, nil
}

var (
	sshURLRE   = regexp.MustCompile(`^git@github\.com:(.+?)(?:\.git)?$`)
	httpsURLRE = regexp.MustCompile(`^https://github\.com/(.+?)(?:\.git)?$`)
)

func sshToHTTPSURL(url string) string {
	if m := sshURLRE.FindStringSubmatch(url); m != nil {
		return "https://github.com/" + m[1]
	}
	return url
}

func httpsToSSHURL(url string) string {
	if m := httpsURLRE.FindStringSubmatch(url); m != nil {
		return "git@github.com:" + m[1]
	}
	return url
}

func extractRepoName(url string) string {
	if m := sshURLRE.FindStringSubmatch(url); m != nil {
		return path.Base(m[1])
	}
	if m := httpsURLRE.FindStringSubmatch(url); m != nil {
		return path.Base(m[1])
	}
	return path.Base(strings.TrimSuffix(url, ".git"))
}

// updateZarrSubmodulesPrivacy rewrites every Zarr submodule's URL and
// github-access-status in .gitmodules to match embargoed, optionally
// flipping its GitHub repository's visibility, then commits .gitmodules
// in a single commit (spec.md §4.6).
func (c *Controller) updateZarrSubmodulesPrivacy(ctx context.Context, embargoed bool) error {
	type change struct {
		path   string
		status repohost.Visibility
		newURL string
		fixed  bool
	}
	var changes []change

	paths := make([]string, 0, len(c.ZarrSubmodules))
	for p := range c.ZarrSubmodules {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, submodulePath := range paths {
		oldURL, err := c.Repo.GetRepoConfig(ctx, fmt.Sprintf("submodule.%s.url", submodulePath), gitModulesFile)
		if err != nil {
			return err
		}
		isSSH := sshURLRE.MatchString(oldURL)
		isHTTPS := httpsURLRE.MatchString(oldURL)

		newURL := oldURL
		fixed := false
		switch {
		case embargoed && isHTTPS:
			newURL = httpsToSSHURL(oldURL)
			fixed = true
		case !embargoed && isSSH:
			newURL = sshToHTTPSURL(oldURL)
			fixed = true
		}

		status := repohost.VisibilityPublic
		if embargoed {
			status = repohost.VisibilityPrivate
		}
		changes = append(changes, change{path: submodulePath, status: status, newURL: newURL, fixed: fixed})

		if c.RepoHost != nil {
			zarrID := extractRepoName(oldURL)
			if err := c.RepoHost.SetVisibility(ctx, c.ZarrGitHubOrg, zarrID, status); err != nil {
				dandilog.WithComponent("commit").Warn().Str("zarr", zarrID).Err(err).Msg("flipping Zarr repository visibility")
			}
		}
	}
	if len(changes) == 0 {
		return nil
	}

	for _, ch := range changes {
		if err := c.Repo.SetRepoConfig(ctx, fmt.Sprintf("submodule.%s.github-access-status", ch.path), string(ch.status), gitModulesFile); err != nil {
			return err
		}
		if ch.fixed {
			if err := c.Repo.SetRepoConfig(ctx, fmt.Sprintf("submodule.%s.url", ch.path), ch.newURL, gitModulesFile); err != nil {
				return err
			}
			if sub, ok := c.ZarrSubmodules[ch.path]; ok {
				if err := sub.SetRepoConfig(ctx, "remote.github.url", ch.newURL, ""); err != nil {
					dandilog.WithComponent("commit").Warn().Str("path", ch.path).Err(err).Msg("updating submodule's own remote URL")
				}
			}
		}
	}

	if err := c.guardVerify("update github-access-status for Zarr submodules"); err != nil {
		return err
	}
	if err := c.Repo.Add(ctx, gitModulesFile); err != nil {
		return fmt.Errorf("staging .gitmodules: %w", err)
	}
	if err := c.Repo.Commit(ctx, "[backups2datalad] Update github-access-status for Zarr submodules", time.Now()); err != nil {
		return fmt.Errorf("committing .gitmodules: %w", err)
	}
	return nil
}
