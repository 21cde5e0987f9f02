package cluster

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"

	"openeo-job-tracker/internal/models"
)

const testNamespace = "spark-jobs"

func sparkApp(name string, status map[string]any) *unstructured.Unstructured {
	object := map[string]any{
		"apiVersion": "sparkoperator.k8s.io/v1beta2",
		"kind":       "SparkApplication",
		"metadata": map[string]any{
			"name":      name,
			"namespace": testNamespace,
		},
	}
	if status != nil {
		object["status"] = status
	}
	return &unstructured.Unstructured{Object: object}
}

func newFakeGetter(t *testing.T, kubecostURL string, objects ...runtime.Object) *KubernetesStatusGetter {
	t.Helper()
	client := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(
		runtime.NewScheme(),
		map[schema.GroupVersionResource]string{SparkApplicationResource: "SparkApplicationList"},
		objects...,
	)
	return NewKubernetesStatusGetterWithClient(zaptest.NewLogger(t), client, KubernetesOptions{
		Namespace:   testNamespace,
		KubecostURL: kubecostURL,
	})
}

func TestSparkApplicationName(t *testing.T) {
	assert.Equal(t, "job-j1234-alice", SparkApplicationName("j1234-abc-def", "alice@example.com"))
	assert.Equal(t, "job-j1-averylongusernametha", SparkApplicationName("j1", "averylongusernamethatkeepsgoing"))
	assert.Equal(t, "job-j1-user-name", SparkApplicationName("j1", "User_Name"))
}

func TestKubernetesGetterStateMapping(t *testing.T) {
	cases := []struct {
		state string
		want  string
	}{
		{"PENDING", models.StatusQueued},
		{"RUNNING", models.StatusRunning},
		{"COMPLETED", models.StatusFinished},
		{"FAILED", models.StatusError},
		{"SUBMITTED", models.StatusCreated},
		{"UNKNOWN", models.StatusCreated},
	}
	for _, tc := range cases {
		t.Run(tc.state, func(t *testing.T) {
			app := sparkApp(SparkApplicationName("j-1", "alice"), map[string]any{
				"applicationState":          map[string]any{"state": tc.state},
				"lastSubmissionAttemptTime": "2023-01-01T00:00:00Z",
				"terminationTime":           "2023-01-01T01:00:00Z",
			})
			g := newFakeGetter(t, "", app)

			metadata, err := g.GetJobMetadata(context.Background(), "j-1", "alice", "app-1")
			require.NoError(t, err)
			assert.Equal(t, tc.want, metadata.Status)
			require.NotNil(t, metadata.StartTime)
			assert.Equal(t, "2023-01-01T00:00:00Z", *metadata.StartTime)
			require.NotNil(t, metadata.FinishTime)
			assert.Equal(t, "2023-01-01T01:00:00Z", *metadata.FinishTime)
		})
	}
}

func TestKubernetesGetterNoStatusSubtree(t *testing.T) {
	g := newFakeGetter(t, "", sparkApp(SparkApplicationName("j-1", "alice"), nil))

	metadata, err := g.GetJobMetadata(context.Background(), "j-1", "alice", "app-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCreated, metadata.Status)
	assert.Nil(t, metadata.StartTime)
	assert.Nil(t, metadata.FinishTime)
}

func TestKubernetesGetterAppNotFound(t *testing.T) {
	g := newFakeGetter(t, "")

	_, err := g.GetJobMetadata(context.Background(), "j-1", "alice", "app-1")
	assert.ErrorIs(t, err, ErrAppNotFound)
}

func TestKubernetesGetterKubecostUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/model/allocation", r.URL.Path)
		assert.Equal(t, testNamespace, r.URL.Query().Get("filterNamespaces"))
		assert.Equal(t, "job-j-1-alice*", r.URL.Query().Get("filterPods"))
		assert.Equal(t, "true", r.URL.Query().Get("accumulate"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code": 200, "data": [{"spark-jobs": {"cpuCoreHours": 2.0, "ramByteHours": 1048576.0}}]}`))
	}))
	defer server.Close()

	app := sparkApp(SparkApplicationName("j-1", "alice"), map[string]any{
		"applicationState": map[string]any{"state": "COMPLETED"},
	})
	g := newFakeGetter(t, server.URL, app)

	metadata, err := g.GetJobMetadata(context.Background(), "j-1", "alice", "app-1")
	require.NoError(t, err)
	require.NotNil(t, metadata.Usage)
	assert.Equal(t, 7200.0, metadata.Usage.CPUSeconds)
	assert.Equal(t, 3600.0, metadata.Usage.MBSeconds)
}

func TestKubernetesGetterKubecostFailureLeavesUsageNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	app := sparkApp(SparkApplicationName("j-1", "alice"), map[string]any{
		"applicationState": map[string]any{"state": "RUNNING"},
	})
	g := newFakeGetter(t, server.URL, app)

	metadata, err := g.GetJobMetadata(context.Background(), "j-1", "alice", "app-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, metadata.Status)
	assert.Nil(t, metadata.Usage)
}
