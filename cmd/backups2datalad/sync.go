package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dandi/backups2datalad/pkg/config"
	"github.com/dandi/backups2datalad/pkg/dandilog"
	"github.com/dandi/backups2datalad/pkg/ledger"
	"github.com/dandi/backups2datalad/pkg/orchestrator"
	"github.com/dandi/backups2datalad/pkg/types"
)

var syncCmd = &cobra.Command{
	Use:   "sync [dandiset-id ...]",
	Short: "Sync one or more dandisets, or every dandiset if none are named",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return runSync(cmd.Context(), cfg, args)
	},
}

var syncDandisetCmd = &cobra.Command{
	Use:   "sync-dandiset <dandiset-id>",
	Short: "Sync a single dandiset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return runSync(cmd.Context(), cfg, args)
	},
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

func runSync(ctx context.Context, cfg *config.Config, ids []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := dandilog.WithComponent("cmd")
	started := time.Now()

	builder, err := newEngineBuilder(ctx, cfg)
	if err != nil {
		return err
	}
	defer builder.closeAll()

	if len(ids) == 0 {
		ids, err = listAllDandisetIDs(ctx, builder)
		if err != nil {
			return err
		}
	}
	if len(ids) == 0 {
		log.Warn().Msg("no dandisets to sync")
		return nil
	}

	ledgerDir := filepath.Join(cfg.BackupRoot, ".backups2datalad")
	if err := os.MkdirAll(ledgerDir, 0o755); err != nil {
		return fmt.Errorf("creating ledger directory: %w", err)
	}
	store, err := ledger.Open(ledgerDir)
	if err != nil {
		return fmt.Errorf("opening sync ledger: %w", err)
	}
	defer store.Close()

	orch := &orchestrator.Orchestrator{
		Factory: builder.Build,
		Ledger:  store,
		Config:  cfg,
	}

	reports, err := orch.Run(ctx, ids, started)
	if err != nil {
		return err
	}

	summarizeReports(log, reports)
	if orchestrator.AnyFailed(reports) {
		return fmt.Errorf("%d of %d dandisets failed to sync cleanly", countFailed(reports), len(reports))
	}
	return nil
}

func listAllDandisetIDs(ctx context.Context, builder *engineBuilder) ([]string, error) {
	dandisets, err := builder.archive.ListDandisets(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing dandisets: %w", err)
	}
	ids := make([]string, len(dandisets))
	for i, d := range dandisets {
		ids[i] = d.ID
	}
	return ids, nil
}

func summarizeReports(log zerolog.Logger, reports []types.Report) {
	for i := range reports {
		r := reports[i]
		event := log.Info()
		if !r.OK() {
			event = log.Warn()
		}
		event.Str("dandiset", r.DandisetID).
			Int("added", r.Added).Int("updated", r.Updated).Int("deleted", r.Deleted).
			Int("pruned", r.Pruned).Int("failed", r.Failed).
			Int("zarrs_synced", r.ZarrsSynced).Int("zarrs_failed", r.ZarrsFailed).
			Msg("dandiset sync finished")
	}
}

func countFailed(reports []types.Report) int {
	n := 0
	for i := range reports {
		if !reports[i].OK() {
			n++
		}
	}
	return n
}
