/*
Package types defines the core data structures shared across backups2datalad.

This package contains the domain model common to every component of the
per-dandiset synchronization engine: dandisets, versions, assets (blobs and
Zarrs), Zarr entries, and the aggregate Report produced by one sync run.
These types carry no behavior beyond small predicates; persistence,
diffing, and decision logic live in the packages that own them
(pkg/tracker, pkg/blobsync, pkg/zarrsync, pkg/commit).

# Core Types

Dandiset topology:
  - Dandiset: a stable id plus its embargo status
  - Version: draft or a published, timestamped version
  - EmbargoStatus: open or embargoed

Assets:
  - Asset: tagged Blob/Zarr variant, keyed by id and POSIX path
  - BlobAsset: size, sha256 (optional), dandi-etag, download/content URLs
  - ZarrAsset: zarr_id and optional tree checksum
  - ZarrEntry: one chunk file inside a Zarr, keyed by path

Enumeration:
  - AssetEvent: either an Asset or a VersionBoundary, never both
  - VersionBoundary: sentinel telling the commit controller to seal a commit

Reporting:
  - Report: per-dandiset counters (added, updated, deleted, failed,
    hash_mismatches, old_unhashed, future_qty) aggregated at the end of a run
*/
package types
