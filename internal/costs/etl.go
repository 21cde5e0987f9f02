package costs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"openeo-job-tracker/internal/models"
)

// EtlClient talks to the external ETL accounting API. Two logical calls:
// report raw resource usage, and report one "added value" charge per distinct
// process id used by the job. Both return a credits figure.
type EtlClient struct {
	baseURL     string
	accessToken string
	client      *http.Client
}

func NewEtlClient(baseURL, accessToken string) *EtlClient {
	return &EtlClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

type resourceUsageRequest struct {
	JobID                      string  `json:"jobId"`
	JobName                    string  `json:"jobName,omitempty"`
	ExecutionID                string  `json:"executionId"`
	UserID                     string  `json:"userId"`
	SourceID                   string  `json:"sourceId"`
	State                      string  `json:"state"`
	Status                     string  `json:"status"`
	StartedMs                  int64   `json:"startTime"`
	FinishedMs                 int64   `json:"finishTime"`
	DurationMs                 int64   `json:"duration"`
	CPUSeconds                 float64 `json:"cpuSeconds"`
	MBSeconds                  float64 `json:"mbSeconds"`
	SentinelHubProcessingUnits float64 `json:"sentinelHubProcessingUnits"`
}

type addedValueRequest struct {
	JobID        string  `json:"jobId"`
	JobName      string  `json:"jobName,omitempty"`
	ExecutionID  string  `json:"executionId"`
	UserID       string  `json:"userId"`
	SourceID     string  `json:"sourceId"`
	StartedMs    int64   `json:"startTime"`
	FinishedMs   int64   `json:"finishTime"`
	ProcessID    string  `json:"processId"`
	SquareMeters float64 `json:"squareMeters"`
}

type creditsResponse struct {
	Credits float64 `json:"credits"`
}

func (c *EtlClient) logResourceUsage(ctx context.Context, req resourceUsageRequest) (float64, error) {
	return c.post(ctx, "/resources", req)
}

func (c *EtlClient) logAddedValue(ctx context.Context, req addedValueRequest) (float64, error) {
	return c.post(ctx, "/addedvalue", req)
}

func (c *EtlClient) post(ctx context.Context, path string, payload any) (float64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal etl payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build etl request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("etl api %s: %w", path, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("read etl response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("etl api %s responded %d: %s", path, resp.StatusCode, truncate(string(respBody), 200))
	}
	var parsed creditsResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return 0, fmt.Errorf("decode etl response: %w", err)
	}
	return parsed.Credits, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// EtlCalculator computes costs through the ETL accounting API:
// resource credits for cpu/memory/processing-unit consumption, plus one
// added-value charge per distinct process id weighted by processed area.
type EtlCalculator struct {
	client *EtlClient
	// SourceID identifies this backend deploy towards the accounting API.
	sourceID string
}

func NewEtlCalculator(client *EtlClient, sourceID string) *EtlCalculator {
	return &EtlCalculator{client: client, sourceID: sourceID}
}

func (c *EtlCalculator) CalculateCosts(ctx context.Context, job models.JobRecord, metadata models.JobMetadata, result models.ResultMetadata) (float64, error) {
	// The HTTP session is scoped to this calculation.
	defer c.client.client.CloseIdleConnections()

	startedMs := rfc3339ToMillis(metadata.StartTime)
	finishedMs := rfc3339ToMillis(metadata.FinishTime)
	var durationMs int64
	if startedMs > 0 && finishedMs > startedMs {
		durationMs = finishedMs - startedMs
	}

	var cpuSeconds, mbSeconds float64
	if metadata.Usage != nil {
		cpuSeconds = metadata.Usage.CPUSeconds
		mbSeconds = metadata.Usage.MBSeconds
	}

	// Vendor processing units from the job run itself plus any accumulated
	// by its batch process dependencies.
	processingUnits := result.ProcessingUnits + job.DependencyUsage

	resourceCredits, err := c.client.logResourceUsage(ctx, resourceUsageRequest{
		JobID:                      job.JobID,
		JobName:                    job.Title,
		ExecutionID:                job.ApplicationID,
		UserID:                     job.UserID,
		SourceID:                   c.sourceID,
		State:                      strings.ToUpper(metadata.Status),
		Status:                     metadata.Status,
		StartedMs:                  startedMs,
		FinishedMs:                 finishedMs,
		DurationMs:                 durationMs,
		CPUSeconds:                 cpuSeconds,
		MBSeconds:                  mbSeconds,
		SentinelHubProcessingUnits: processingUnits,
	})
	if err != nil {
		return 0, fmt.Errorf("log resource usage for job %s: %w", job.JobID, err)
	}

	var area float64
	if result.AreaSquareMeters != nil {
		area = *result.AreaSquareMeters
	}

	var addedValueCredits float64
	for _, processID := range result.UniqueProcessIDs {
		credits, err := c.client.logAddedValue(ctx, addedValueRequest{
			JobID:        job.JobID,
			JobName:      job.Title,
			ExecutionID:  job.ApplicationID,
			UserID:       job.UserID,
			SourceID:     c.sourceID,
			StartedMs:    startedMs,
			FinishedMs:   finishedMs,
			ProcessID:    processID,
			SquareMeters: area,
		})
		if err != nil {
			return 0, fmt.Errorf("log added value for job %s process %s: %w", job.JobID, processID, err)
		}
		addedValueCredits += credits
	}

	return resourceCredits + addedValueCredits, nil
}

func rfc3339ToMillis(value *string) int64 {
	if value == nil {
		return 0
	}
	t, err := time.Parse(time.RFC3339, *value)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
