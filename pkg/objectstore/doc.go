// Package objectstore defines the ObjectStore interface the Zarr Syncer
// consumes (spec.md §4.4, §6) and an S3-compatible adapter built on
// aws-sdk-go-v2. This is the module's primary domain dependency: the
// backup bucket holding every Zarr chunk and blob special-remote key.
package objectstore
