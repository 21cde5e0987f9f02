package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	CyclesTotal        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobtracker_cycles_total", Help: "Reconciliation cycles run"})
	CycleFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobtracker_cycle_failures_total", Help: "Cycles aborted at the registry read stage"})
	JobsCollected      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobtracker_jobs_collected_total", Help: "Jobs pulled from the non-terminal tracking set"})
	JobsSkippedNoAppID = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobtracker_jobs_skipped_no_app_id_total", Help: "Jobs skipped because no application id is known yet"})
	JobsInvalid        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobtracker_jobs_invalid_total", Help: "Structurally invalid job records"})
	StatusChanges      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobtracker_status_changes_total", Help: "Jobs whose status changed this cycle"})
	AppsNotFound       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobtracker_apps_not_found_total", Help: "Tracked jobs whose application vanished from the cluster"})
	SyncFailures       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobtracker_sync_failures_total", Help: "Per-job sync failures"})
	TerminalReached    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobtracker_terminal_reached_total", Help: "Jobs that reached a terminal status"})
	TrackedJobsGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobtracker_tracked_jobs", Help: "Size of the non-terminal tracking set at the last cycle"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			CyclesTotal,
			CycleFailures,
			JobsCollected,
			JobsSkippedNoAppID,
			JobsInvalid,
			StatusChanges,
			AppsNotFound,
			SyncFailures,
			TerminalReached,
			TrackedJobsGauge,
		)
	})
	return promhttp.Handler()
}
