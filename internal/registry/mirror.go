package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"openeo-job-tracker/internal/models"
)

// Mirror is the secondary, eventually-consistent job metadata store. It is
// kept in sync best-effort: callers log mirror failures and move on, the
// primary registry remains the source of truth.
type Mirror interface {
	SetStatus(ctx context.Context, jobID, userID, status string) error
	Patch(ctx context.Context, jobID, userID string, patch models.JobPatch) error
}

// HTTPMirror pushes job updates to a remote job registry API.
type HTTPMirror struct {
	baseURL string
	client  *http.Client
}

// NewHTTPMirror builds a mirror client for the given API root.
func NewHTTPMirror(baseURL string) *HTTPMirror {
	return &HTTPMirror{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (m *HTTPMirror) SetStatus(ctx context.Context, jobID, userID, status string) error {
	return m.post(ctx, jobID, userID, map[string]any{"status": status})
}

func (m *HTTPMirror) Patch(ctx context.Context, jobID, userID string, patch models.JobPatch) error {
	body := map[string]any{}
	if patch.Status != nil {
		body["status"] = *patch.Status
	}
	if patch.Started != nil {
		body["started"] = *patch.Started
	}
	if patch.Finished != nil {
		body["finished"] = *patch.Finished
	}
	if patch.Usage != nil {
		body["usage"] = patch.Usage
	}
	if patch.Costs != nil {
		body["costs"] = *patch.Costs
	}
	if len(body) == 0 {
		return nil
	}
	return m.post(ctx, jobID, userID, body)
}

func (m *HTTPMirror) post(ctx context.Context, jobID, userID string, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal mirror payload: %w", err)
	}
	endpoint := fmt.Sprintf("%s/jobs/%s/%s", m.baseURL, url.PathEscape(userID), url.PathEscape(jobID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build mirror request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("mirror request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mirror responded %d", resp.StatusCode)
	}
	return nil
}

// JustLogErrors runs a mirror call and downgrades any failure to a log line.
func JustLogErrors(log *zap.Logger, what string, fn func() error) {
	if err := fn(); err != nil {
		log.Warn("registry mirror sync failed", zap.String("operation", what), zap.Error(err))
	}
}
