// Package metrics exposes Prometheus counters, gauges, and histograms for
// the sync engine: per-report asset counts, Zarr outcomes, and operation
// latencies for the archive, the backup object store, and the annex
// batch workers.
package metrics
