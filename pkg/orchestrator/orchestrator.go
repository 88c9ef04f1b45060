package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dandi/backups2datalad/pkg/config"
	"github.com/dandi/backups2datalad/pkg/dandilog"
	"github.com/dandi/backups2datalad/pkg/ledger"
	"github.com/dandi/backups2datalad/pkg/syncengine"
	"github.com/dandi/backups2datalad/pkg/types"
)

// EngineFactory builds the per-dandiset Engine, wiring together whatever
// concrete Archive/ObjectStore/Repo/Annex/RepoHost adapters the caller has
// constructed. Called once per dandiset, on the goroutine that will run it.
type EngineFactory func(ctx context.Context, dandisetID string) (*syncengine.Engine, error)

// Orchestrator runs a batch of dandiset syncs, bounding how many run at
// once and reporting one types.Report per dandiset regardless of whether
// any individual dandiset failed.
type Orchestrator struct {
	Factory EngineFactory
	Ledger  *ledger.Store
	Config  *config.Config

	// Workers overrides Config.Workers when positive.
	Workers int
}

func (o *Orchestrator) workers() int64 {
	if o.Workers > 0 {
		return int64(o.Workers)
	}
	if o.Config != nil && o.Config.Workers > 0 {
		return int64(o.Config.Workers)
	}
	return int64(config.DefaultWorkers)
}

// Run syncs every dandiset in dandisetIDs, bounded to workers() concurrent
// syncs, and returns one Report per entry in the same order. A dandiset
// already recorded as successfully synced at or after since is skipped
// (spec.md §2: "avoid redundant scheduling within a single invocation")
// and its prior Report is reused. The returned error is non-nil only for
// an orchestration-level failure (e.g. a ledger lookup error, or ctx
// being cancelled while waiting for a worker slot); a failed dandiset
// sync, including an engine factory error, is reflected in its Report,
// not in this error.
func (o *Orchestrator) Run(ctx context.Context, dandisetIDs []string, since time.Time) ([]types.Report, error) {
	log := dandilog.WithComponent("orchestrator")

	reports := make([]types.Report, len(dandisetIDs))
	sem := semaphore.NewWeighted(o.workers())
	var g errgroup.Group

	for i, id := range dandisetIDs {
		i, id := i, id

		if o.Ledger != nil {
			skip, err := o.Ledger.ShouldSkip(id, since)
			if err != nil {
				return nil, fmt.Errorf("checking ledger for dandiset %s: %w", id, err)
			}
			if skip {
				prior, _, err := o.Ledger.Get(id)
				if err != nil {
					return nil, fmt.Errorf("reading ledger for dandiset %s: %w", id, err)
				}
				log.Info().Str("dandiset", id).Msg("skipping, already synced this invocation")
				reports[i] = reportFromEntry(prior)
				continue
			}
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("acquiring worker slot for dandiset %s: %w", id, err)
		}
		g.Go(func() error {
			defer sem.Release(1)
			reports[i] = o.runOne(ctx, log, id)
			return nil
		})
	}

	_ = g.Wait()
	return reports, nil
}

// runOne runs a single dandiset's sync and records its outcome in the
// ledger. It never returns an error itself: any failure, whether from
// engine construction or the sync run, is folded into the returned
// Report's Err field so one dandiset's failure can never cancel its
// siblings in the outer errgroup.
func (o *Orchestrator) runOne(ctx context.Context, log zerolog.Logger, dandisetID string) types.Report {
	started := time.Now()

	report := types.Report{DandisetID: dandisetID}

	eng, err := o.Factory(ctx, dandisetID)
	if err != nil {
		report.Err = fmt.Errorf("constructing engine for dandiset %s: %w", dandisetID, err)
	} else {
		report, err = eng.Run(ctx)
		if err != nil {
			report.Err = err
		}
		report.DandisetID = dandisetID
	}

	finished := time.Now()
	if o.Ledger != nil {
		entry := ledger.EntryFromReport(report, started, finished)
		if rerr := o.Ledger.Record(entry); rerr != nil {
			dandilog.WithComponent("orchestrator").Warn().
				Str("dandiset", dandisetID).Err(rerr).Msg("recording ledger entry")
		}
	}

	return report
}

func reportFromEntry(e ledger.Entry) types.Report {
	r := types.Report{
		DandisetID:     e.DandisetID,
		Added:          e.Added,
		Updated:        e.Updated,
		Deleted:        e.Deleted,
		Pruned:         e.Pruned,
		FutureQty:      e.FutureQty,
		Failed:         e.Failed,
		HashMismatches: e.HashMismatches,
		OldUnhashed:    e.OldUnhashed,
		ZarrsSynced:    e.ZarrsSynced,
		ZarrsFailed:    e.ZarrsFailed,
	}
	if e.Error != "" {
		r.Err = fmt.Errorf("%s", e.Error)
	}
	return r
}

// AnyFailed reports whether any Report in reports represents a failed
// dandiset sync, the signal cmd/backups2datalad uses to choose a non-zero
// exit code.
func AnyFailed(reports []types.Report) bool {
	for i := range reports {
		if !reports[i].OK() {
			return true
		}
	}
	return false
}
