package cmd

import (
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"openeo-job-tracker/internal/api"
	"openeo-job-tracker/internal/config"
)

var daemonSchedule string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run reconciliation cycles on a schedule",
	Long: `Run the tracker as a long-lived process, triggering a reconciliation cycle
on a cron schedule and serving health, metrics and read-only job lookup over
HTTP. A failed cycle is logged and the next scheduled run retries from
scratch; the process only exits on a signal.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&daemonSchedule, "schedule", "@every 1m",
		"Cron schedule for reconciliation cycles")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cfg := config.Load()
	log.Info("jobtracker daemon starting",
		zap.String("env", cfg.Env),
		zap.String("app_cluster", appCluster),
		zap.String("schedule", daemonSchedule),
		zap.String("metrics_addr", cfg.MetricsAddr))

	t, reg, closer, err := buildTracker(ctx, log, cfg)
	if err != nil {
		return exitError(log, "tracker setup failed", err)
	}
	defer closer()

	server := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: api.New(log, reg).Router(),
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server stopped", zap.Error(err))
		}
	}()

	// One cycle at a time; a cycle overrunning the schedule skips the tick.
	var cycleMu sync.Mutex
	scheduler := cron.New()
	_, err = scheduler.AddFunc(daemonSchedule, func() {
		if !cycleMu.TryLock() {
			log.Warn("previous cycle still running, skipping scheduled run")
			return
		}
		defer cycleMu.Unlock()
		if err := t.UpdateStatuses(ctx); err != nil {
			log.Error("reconciliation cycle failed, will retry on next schedule", zap.Error(err))
		}
	})
	if err != nil {
		return exitError(log, "invalid schedule", err)
	}
	scheduler.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	<-scheduler.Stop().Done()
	_ = server.Close()
	return nil
}
