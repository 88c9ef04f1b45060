package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dandi/backups2datalad/pkg/dandilog"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "backups2datalad",
	Short: "Mirror the DANDI archive into git-annex/datalad repositories",
	Long: `backups2datalad mirrors dandisets from a DANDI archive instance into
a tree of local git-annex-backed repositories, one per dandiset plus one
per Zarr asset, keeping each in sync with the archive's current state.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"backups2datalad version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "backups2datalad.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(syncDandisetCmd)
	rootCmd.AddCommand(serveHealthCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	dandilog.Init(dandilog.Config{
		Level:      dandilog.Level(logLevel),
		JSONOutput: logJSON,
	})
}
