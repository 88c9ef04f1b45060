// Package config loads the YAML configuration for backups2datalad: the
// archive endpoint, the backup object store, per-dandiset concurrency
// limits, and the asset path filter. Config loading itself is out of
// scope for the synchronization engine (spec.md §1); this package exists
// so the engine has a concrete struct to be configured with, matching the
// field set of the original Python config.py.
package config
