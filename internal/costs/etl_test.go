package costs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openeo-job-tracker/internal/models"
)

func strPtr(s string) *string { return &s }

func TestEtlCalculatorSumsResourceAndAddedValueCredits(t *testing.T) {
	var resourceRequests []map[string]any
	var addedValueRequests []map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer s3cr3t", r.Header.Get("Authorization"))
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))

		switch r.URL.Path {
		case "/resources":
			resourceRequests = append(resourceRequests, payload)
			_, _ = w.Write([]byte(`{"credits": 10.5}`))
		case "/addedvalue":
			addedValueRequests = append(addedValueRequests, payload)
			_, _ = w.Write([]byte(`{"credits": 1.25}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	calc := NewEtlCalculator(NewEtlClient(server.URL, "s3cr3t"), "openeo-prod")

	area := 1e6
	total, err := calc.CalculateCosts(context.Background(),
		models.JobRecord{
			JobID:           "j-42",
			UserID:          "alice",
			Title:           "ndvi composite",
			ApplicationID:   "application_1671_0042",
			DependencyUsage: 2.5,
		},
		models.JobMetadata{
			Status:     models.StatusFinished,
			StartTime:  strPtr("2023-01-06T16:14:32Z"),
			FinishTime: strPtr("2023-01-06T16:19:03Z"),
			Usage:      &models.Usage{CPUSeconds: 64, MBSeconds: 524288},
		},
		models.ResultMetadata{
			AreaSquareMeters: &area,
			UniqueProcessIDs: []string{"load_collection", "reduce_dimension"},
			ProcessingUnits:  3.5,
		})
	require.NoError(t, err)
	assert.Equal(t, 10.5+2*1.25, total)

	require.Len(t, resourceRequests, 1)
	resource := resourceRequests[0]
	assert.Equal(t, "j-42", resource["jobId"])
	assert.Equal(t, "ndvi composite", resource["jobName"])
	assert.Equal(t, "application_1671_0042", resource["executionId"])
	assert.Equal(t, "openeo-prod", resource["sourceId"])
	assert.Equal(t, "FINISHED", resource["state"])
	assert.Equal(t, "finished", resource["status"])
	assert.Equal(t, 64.0, resource["cpuSeconds"])
	assert.Equal(t, 524288.0, resource["mbSeconds"])
	assert.Equal(t, 3.5+2.5, resource["sentinelHubProcessingUnits"])
	assert.Equal(t, 271000.0, resource["duration"])

	require.Len(t, addedValueRequests, 2)
	assert.Equal(t, "load_collection", addedValueRequests[0]["processId"])
	assert.Equal(t, "reduce_dimension", addedValueRequests[1]["processId"])
	assert.Equal(t, 1e6, addedValueRequests[0]["squareMeters"])
}

func TestEtlCalculatorResourceFailurePropagates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	calc := NewEtlCalculator(NewEtlClient(server.URL, "token"), "openeo-dev")

	_, err := calc.CalculateCosts(context.Background(),
		models.JobRecord{JobID: "j-1", UserID: "alice"},
		models.JobMetadata{Status: models.StatusError},
		models.ResultMetadata{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log resource usage")
}

func TestEtlCalculatorNoUsageNoTimestamps(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, 0.0, payload["startTime"])
		assert.Equal(t, 0.0, payload["finishTime"])
		assert.Equal(t, 0.0, payload["duration"])
		assert.Equal(t, 0.0, payload["cpuSeconds"])
		_, _ = w.Write([]byte(`{"credits": 0}`))
	}))
	defer server.Close()

	calc := NewEtlCalculator(NewEtlClient(server.URL, "token"), "openeo-dev")

	total, err := calc.CalculateCosts(context.Background(),
		models.JobRecord{JobID: "j-1", UserID: "alice"},
		models.JobMetadata{Status: models.StatusError},
		models.ResultMetadata{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, total)
}
