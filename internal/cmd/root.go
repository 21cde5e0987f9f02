// Package cmd wires the jobtracker CLI.
package cmd

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"openeo-job-tracker/internal/cluster"
	"openeo-job-tracker/internal/config"
	"openeo-job-tracker/internal/costs"
	"openeo-job-tracker/internal/ratelimit"
	"openeo-job-tracker/internal/registry"
	"openeo-job-tracker/internal/results"
	"openeo-job-tracker/internal/tasks"
	"openeo-job-tracker/internal/tracker"
)

var rootCmd = &cobra.Command{
	Use:   "jobtracker",
	Short: "openEO batch job status tracker",
	Long: `jobtracker reconciles batch job records against the cluster scheduler
(YARN or Kubernetes): it polls application status, persists transitions into
the job registry and runs terminal side effects (result metadata collection,
dependency cleanup scheduling, cost calculation).`,
	SilenceUsage: true,
}

var (
	appCluster   string
	failFast     bool
	basicLogging bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&appCluster, "app-cluster", "auto",
		"Application cluster to get job status from (yarn|k8s|auto)")
	rootCmd.PersistentFlags().BoolVar(&failFast, "fail-fast", false,
		"Stop on the first unexpected per-job error instead of continuing with the next job")
	rootCmd.PersistentFlags().BoolVar(&basicLogging, "basic-logging", false,
		"Human-readable console logs instead of JSON")
}

// Execute runs the CLI. Errors have already been logged with full context; a
// non-nil return drives the non-zero exit code.
func Execute() error {
	return rootCmd.Execute()
}

func newLogger() (*zap.Logger, error) {
	if basicLogging {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// buildTracker assembles the tracker and its collaborators from config.
// The returned closer releases the registry pool and redis client.
func buildTracker(ctx context.Context, log *zap.Logger, cfg config.Config) (*tracker.Tracker, *registry.Registry, func(), error) {
	reg, err := registry.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect job registry: %w", err)
	}
	if err := reg.RunMigrations(ctx); err != nil {
		reg.Close()
		return nil, nil, nil, fmt.Errorf("run registry migrations: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	closer := func() {
		reg.Close()
		_ = redisClient.Close()
	}

	getter, err := buildStatusGetter(log, cfg)
	if err != nil {
		closer()
		return nil, nil, nil, err
	}

	var mirror registry.Mirror
	if cfg.MirrorAPIURL != "" {
		mirror = registry.NewHTTPMirror(cfg.MirrorAPIURL)
	}

	var calculator costs.Calculator = costs.NoopCalculator{}
	if cfg.EtlAPIURL != "" {
		sourceID := "openeo-" + cfg.Env
		calculator = costs.NewEtlCalculator(costs.NewEtlClient(cfg.EtlAPIURL, cfg.EtlAPIAccessToken), sourceID)
	}

	var limiter *ratelimit.TokenBucket
	if cfg.ClusterQueryBurst > 0 {
		limiter = ratelimit.NewTokenBucket(redisClient, cfg.ClusterQueryBurst, cfg.ClusterQueryPerSecond, cfg.ClusterQueryTimeout)
	}

	t := tracker.New(log, tracker.Options{
		StatusGetter: getter,
		Registry:     reg,
		Mirror:       mirror,
		Calculator:   calculator,
		Results:      results.NewFileProvider(log, cfg.JobOutputRoot),
		Dispatcher:   tasks.NewRedisDispatcher(log, redisClient, cfg.TaskQueueName),
		Limiter:      limiter,
		FailFast:     failFast,
	})
	return t, reg, closer, nil
}

func buildStatusGetter(log *zap.Logger, cfg config.Config) (cluster.StatusGetter, error) {
	backend := appCluster
	if backend == "auto" {
		if cfg.KubeDeploy {
			backend = "k8s"
		} else {
			backend = "yarn"
		}
	}
	switch backend {
	case "yarn":
		return cluster.NewYarnStatusGetter(log, cfg.ClusterQueryTimeout), nil
	case "k8s":
		return cluster.NewKubernetesStatusGetter(log, cluster.KubernetesOptions{
			Namespace:      cfg.SparkNamespace,
			KubecostURL:    cfg.KubecostURL,
			KubecostWindow: cfg.KubecostWindow,
			QueryTimeout:   cfg.ClusterQueryTimeout,
		})
	}
	return nil, fmt.Errorf("unknown app cluster %q", appCluster)
}

// exitError logs and returns an error for the top-level exit path.
func exitError(log *zap.Logger, msg string, err error) error {
	log.Error(msg, zap.Error(err))
	return fmt.Errorf("%s: %w", msg, err)
}
