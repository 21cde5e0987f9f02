package cluster

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"openeo-job-tracker/internal/models"
)

// yarnNotFoundMarker appears in the yarn CLI output when the resource manager
// has no record of the application.
const yarnNotFoundMarker = "doesn't exist in RM or Timeline Server"

var (
	reportLineRe = regexp.MustCompile(`(?m)^\t(.+?) : (.+)$`)
	allocationRe = regexp.MustCompile(`^(\d+) MB-seconds, (\d+) vcore-seconds$`)
)

// commandRunner executes a CLI command and returns its combined output.
// Injectable for tests.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// YarnStatusGetter queries the YARN resource manager via the yarn CLI and
// parses its tab-indented "key : value" application report.
type YarnStatusGetter struct {
	log     *zap.Logger
	timeout time.Duration
	run     commandRunner
}

func NewYarnStatusGetter(log *zap.Logger, timeout time.Duration) *YarnStatusGetter {
	return &YarnStatusGetter{log: log, timeout: timeout, run: runCommand}
}

func (g *YarnStatusGetter) GetJobMetadata(ctx context.Context, jobID, userID, appID string) (models.JobMetadata, error) {
	queryCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	output, err := g.run(queryCtx, "yarn", "application", "-status", appID)
	g.log.Debug("ran yarn application -status",
		zap.String("app_id", appID), zap.Duration("elapsed", time.Since(start)))
	if err != nil {
		if strings.Contains(string(output), yarnNotFoundMarker) {
			return models.JobMetadata{}, fmt.Errorf("app %s: %w", appID, ErrAppNotFound)
		}
		return models.JobMetadata{}, fmt.Errorf("yarn status query for %s: %w", appID, err)
	}
	return parseApplicationReport(string(output))
}

// parseApplicationReport extracts status metadata from a YARN application
// report. A malformed "Aggregate Resource Allocation" value yields nil usage
// rather than an error; missing required keys fail with a ReportParseError.
func parseApplicationReport(report string) (models.JobMetadata, error) {
	props := map[string]string{}
	for _, m := range reportLineRe.FindAllStringSubmatch(report, -1) {
		props[m[1]] = m[2]
	}

	required := []string{"State", "Final-State", "Start-Time", "Finish-Time", "Aggregate Resource Allocation"}
	for _, key := range required {
		if _, ok := props[key]; !ok {
			return models.JobMetadata{}, &ReportParseError{Err: fmt.Errorf("missing key %q", key)}
		}
	}

	startTime, err := epochMillisToRFC3339(props["Start-Time"])
	if err != nil {
		return models.JobMetadata{}, &ReportParseError{Err: err}
	}
	finishTime, err := epochMillisToRFC3339(props["Finish-Time"])
	if err != nil {
		return models.JobMetadata{}, &ReportParseError{Err: err}
	}

	return models.JobMetadata{
		Status:     yarnStateToJobStatus(props["State"], props["Final-State"]),
		StartTime:  startTime,
		FinishTime: finishTime,
		Usage:      parseResourceAllocation(props["Aggregate Resource Allocation"]),
	}, nil
}

// yarnStateToJobStatus maps a YARN (State, Final-State) pair to a domain
// status. The final state takes precedence once defined.
func yarnStateToJobStatus(state, finalState string) string {
	switch finalState {
	case "KILLED":
		return models.StatusCanceled
	case "SUCCEEDED":
		return models.StatusFinished
	case "FAILED":
		return models.StatusError
	}
	switch state {
	case "ACCEPTED":
		return models.StatusQueued
	case "RUNNING":
		return models.StatusRunning
	}
	return models.StatusCreated
}

// parseResourceAllocation parses "<N> MB-seconds, <M> vcore-seconds".
// Usage is an enrichment: a format mismatch yields nil, not an error.
func parseResourceAllocation(allocation string) *models.Usage {
	m := allocationRe.FindStringSubmatch(allocation)
	if m == nil {
		return nil
	}
	mbSeconds, err1 := strconv.ParseFloat(m[1], 64)
	cpuSeconds, err2 := strconv.ParseFloat(m[2], 64)
	if err1 != nil || err2 != nil {
		return nil
	}
	return &models.Usage{CPUSeconds: cpuSeconds, MBSeconds: mbSeconds}
}

// epochMillisToRFC3339 converts a millisecond epoch string from the report to
// an RFC-3339 UTC timestamp. "0" means not yet started/finished and maps to nil.
func epochMillisToRFC3339(epochMillis string) (*string, error) {
	if epochMillis == "0" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(epochMillis, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid epoch millis %q: %w", epochMillis, err)
	}
	formatted := time.UnixMilli(ms).UTC().Format(time.RFC3339)
	return &formatted, nil
}
