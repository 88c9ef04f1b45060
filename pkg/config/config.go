package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Mode gates how the Blob Syncer decides an unchanged asset can be skipped.
type Mode string

const (
	ModeTimestamp Mode = "timestamp"
	ModeVerify    Mode = "verify"
	ModeForce     Mode = "force"
)

// ZarrMode gates the Zarr Syncer's pre-flight skip decision (spec.md §4.4).
type ZarrMode string

const (
	ZarrModeTimestamp     ZarrMode = "timestamp"
	ZarrModeChecksum      ZarrMode = "checksum"
	ZarrModeForce         ZarrMode = "force"
	ZarrModeAssetChecksum ZarrMode = "asset_checksum"
)

const (
	DefaultGitAnnexJobs = 10
	DefaultWorkers      = 5
	// DefaultZarrLimit bounds concurrent Zarr sub-syncs (spec.md §5, default 32).
	DefaultZarrLimit = 32
)

// Resource describes one side of the backup tree: where dandiset or Zarr
// repositories live on disk, which GitHub org owns them, and the annex
// special remote keys are registered under.
type Resource struct {
	Path      string  `yaml:"path"`
	GitHubOrg string  `yaml:"github_org,omitempty"`
	Remote    *Remote `yaml:"remote,omitempty"`
}

// Remote is one named git-annex special remote (typically S3-compatible).
type Remote struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"`
	Options map[string]string `yaml:"options"`
}

// Config is the full set of knobs the synchronization engine is run with.
// Loading YAML config is an out-of-scope external collaborator (spec.md
// §1); this struct is the concrete shape the engine expects to receive.
type Config struct {
	DandiInstance   string    `yaml:"dandi_instance"`
	S3Bucket        string    `yaml:"s3bucket"`
	S3Endpoint      string    `yaml:"s3endpoint,omitempty"`
	ContentURLRegex string    `yaml:"content_url_regex"`
	Dandisets       Resource  `yaml:"dandisets"`
	Zarrs           *Resource `yaml:"zarrs,omitempty"`

	BackupRoot   string   `yaml:"backup_root"`
	AssetFilter  string   `yaml:"asset_filter,omitempty"`
	Jobs         int      `yaml:"jobs"`
	Workers      int      `yaml:"workers"`
	EnableTags   bool     `yaml:"enable_tags"`
	GCAssets     bool     `yaml:"gc_assets"`
	Mode         Mode     `yaml:"mode"`
	ZarrMode     ZarrMode `yaml:"zarr_mode"`
	ZarrLimit    int      `yaml:"zarr_limit"`
	ForcePush    []string `yaml:"force_push,omitempty"`
	BackupRemote string   `yaml:"backup_remote,omitempty"`

	assetFilterRE *regexp.Regexp
}

// Default returns a Config with every field populated with the same
// defaults as the original implementation's BackupConfig.
func Default() *Config {
	return &Config{
		DandiInstance:   "dandi",
		S3Bucket:        "dandiarchive",
		ContentURLRegex: `amazonaws\.com/.*blobs/`,
		Dandisets:       Resource{Path: "dandisets"},
		BackupRoot:      ".",
		Jobs:            DefaultGitAnnexJobs,
		Workers:         DefaultWorkers,
		EnableTags:      true,
		Mode:            ModeTimestamp,
		ZarrMode:        ZarrModeTimestamp,
		ZarrLimit:       DefaultZarrLimit,
	}
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	ghOrgSet := c.Dandisets.GitHubOrg != ""
	zarrGhOrgSet := c.Zarrs != nil && c.Zarrs.GitHubOrg != ""
	if ghOrgSet != zarrGhOrgSet {
		return fmt.Errorf("dandisets.github_org and zarrs.github_org must be either both set or both unset")
	}
	if c.AssetFilter != "" {
		re, err := regexp.Compile(c.AssetFilter)
		if err != nil {
			return fmt.Errorf("invalid asset_filter: %w", err)
		}
		c.assetFilterRE = re
	}
	if c.ZarrLimit <= 0 {
		c.ZarrLimit = DefaultZarrLimit
	}
	return nil
}

// BucketURL is the base URL of the backup object store: the configured S3
// endpoint joined with the bucket name, or AWS's virtual-hosted form.
func (c *Config) BucketURL() string {
	if c.S3Endpoint != "" {
		return fmt.Sprintf("%s/%s", c.S3Endpoint, c.S3Bucket)
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com", c.S3Bucket)
}

// MatchAsset reports whether assetPath survives the configured path
// filter. No filter configured matches everything.
func (c *Config) MatchAsset(assetPath string) bool {
	return c.assetFilterRE == nil || c.assetFilterRE.MatchString(assetPath)
}

// ShouldForcePushDandisets reports whether dandiset repos should be
// force-pushed to their GitHub remote.
func (c *Config) ShouldForcePushDandisets() bool {
	return contains(c.ForcePush, "all") || contains(c.ForcePush, "dandisets")
}

// ShouldForcePushZarrs reports whether Zarr repos should be force-pushed.
func (c *Config) ShouldForcePushZarrs() bool {
	return contains(c.ForcePush, "all") || contains(c.ForcePush, "zarrs")
}

func contains(ss []string, target string) bool {
	for _, s := range ss {
		if s == target {
			return true
		}
	}
	return false
}
