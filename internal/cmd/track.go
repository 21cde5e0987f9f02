package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"openeo-job-tracker/internal/config"
)

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Run a single reconciliation cycle and exit",
	Long: `Run one status reconciliation cycle over all non-terminal jobs. Intended
to be invoked periodically by an external scheduler (cron). Exits non-zero
when the cycle fails at the registry read stage or, with --fail-fast, on the
first per-job error.`,
	RunE: runTrack,
}

func init() {
	rootCmd.AddCommand(trackCmd)
}

func runTrack(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cfg := config.Load()
	log.Info("jobtracker track starting",
		zap.String("env", cfg.Env), zap.String("app_cluster", appCluster), zap.Bool("fail_fast", failFast))

	t, _, closer, err := buildTracker(ctx, log, cfg)
	if err != nil {
		return exitError(log, "tracker setup failed", err)
	}
	defer closer()

	if err := t.UpdateStatuses(ctx); err != nil {
		return exitError(log, "reconciliation cycle failed", err)
	}
	return nil
}
