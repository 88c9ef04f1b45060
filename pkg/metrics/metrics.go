package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Per-run report counters, one increment per completed dandiset sync.
	AssetsAdded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backups2datalad_assets_added_total",
			Help: "Total number of assets added across all dandiset syncs",
		},
	)

	AssetsUpdated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backups2datalad_assets_updated_total",
			Help: "Total number of assets updated across all dandiset syncs",
		},
	)

	AssetsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backups2datalad_assets_deleted_total",
			Help: "Total number of assets deleted across all dandiset syncs",
		},
	)

	AssetsPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backups2datalad_assets_pruned_total",
			Help: "Total number of stale metadata entries pruned",
		},
	)

	AssetsFuture = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backups2datalad_assets_future_total",
			Help: "Total number of assets deferred as not-yet-final",
		},
	)

	AssetsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backups2datalad_assets_failed_total",
			Help: "Total number of assets that failed to sync",
		},
	)

	HashMismatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backups2datalad_hash_mismatches_total",
			Help: "Total number of downloaded blobs whose sha256 did not match the archive",
		},
	)

	OldUnhashedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backups2datalad_old_unhashed_total",
			Help: "Total number of assets still lacking a server-side sha256 after the grace period",
		},
	)

	ZarrsSynced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backups2datalad_zarrs_synced_total",
			Help: "Total number of Zarr trees synced successfully",
		},
	)

	ZarrsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backups2datalad_zarrs_failed_total",
			Help: "Total number of Zarr trees that failed to sync",
		},
	)

	// DandisetsInProgress tracks concurrent per-dandiset sync runs.
	DandisetsInProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "backups2datalad_dandisets_in_progress",
			Help: "Number of dandiset syncs currently running",
		},
	)

	DandisetRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backups2datalad_dandiset_runs_total",
			Help: "Total number of completed dandiset sync runs by outcome",
		},
		[]string{"outcome"}, // "ok" or "failed"
	)

	// Operation latency.
	DandisetSyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "backups2datalad_dandiset_sync_duration_seconds",
			Help:    "Time taken to sync one dandiset end to end",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	BlobSyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "backups2datalad_blob_sync_duration_seconds",
			Help:    "Time taken to register or download one blob asset",
			Buckets: prometheus.DefBuckets,
		},
	)

	ZarrSyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "backups2datalad_zarr_sync_duration_seconds",
			Help:    "Time taken to sync one Zarr tree",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "backups2datalad_commit_duration_seconds",
			Help:    "Time taken to commit and tag one dandiset version",
			Buckets: prometheus.DefBuckets,
		},
	)

	AnnexBatchCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backups2datalad_annex_batch_call_duration_seconds",
			Help:    "Time taken by one round-trip to a batch-mode git-annex worker",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"}, // from-key, examinekey, whereis, registerurl, addurl
	)

	ArchiveRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backups2datalad_archive_requests_total",
			Help: "Total number of requests made to the archive API by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	S3RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backups2datalad_s3_requests_total",
			Help: "Total number of requests made to the backup object store by operation and status",
		},
		[]string{"operation", "status"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backups2datalad_retries_total",
			Help: "Total number of retry attempts by the backoff wrapper, by operation",
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(AssetsAdded)
	prometheus.MustRegister(AssetsUpdated)
	prometheus.MustRegister(AssetsDeleted)
	prometheus.MustRegister(AssetsPruned)
	prometheus.MustRegister(AssetsFuture)
	prometheus.MustRegister(AssetsFailed)
	prometheus.MustRegister(HashMismatchesTotal)
	prometheus.MustRegister(OldUnhashedTotal)
	prometheus.MustRegister(ZarrsSynced)
	prometheus.MustRegister(ZarrsFailed)
	prometheus.MustRegister(DandisetsInProgress)
	prometheus.MustRegister(DandisetRunsTotal)

	prometheus.MustRegister(DandisetSyncDuration)
	prometheus.MustRegister(BlobSyncDuration)
	prometheus.MustRegister(ZarrSyncDuration)
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(AnnexBatchCallDuration)

	prometheus.MustRegister(ArchiveRequestsTotal)
	prometheus.MustRegister(S3RequestsTotal)
	prometheus.MustRegister(RetriesTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordReport folds a finished per-dandiset Report into the process-wide
// counters. It takes the raw fields rather than *types.Report to avoid an
// import cycle between pkg/metrics and pkg/types.
func RecordReport(added, updated, deleted, pruned, future, failed, hashMismatches, oldUnhashed, zarrsSynced, zarrsFailed int, ok bool) {
	AssetsAdded.Add(float64(added))
	AssetsUpdated.Add(float64(updated))
	AssetsDeleted.Add(float64(deleted))
	AssetsPruned.Add(float64(pruned))
	AssetsFuture.Add(float64(future))
	AssetsFailed.Add(float64(failed))
	HashMismatchesTotal.Add(float64(hashMismatches))
	OldUnhashedTotal.Add(float64(oldUnhashed))
	ZarrsSynced.Add(float64(zarrsSynced))
	ZarrsFailed.Add(float64(zarrsFailed))

	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	DandisetRunsTotal.WithLabelValues(outcome).Inc()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
