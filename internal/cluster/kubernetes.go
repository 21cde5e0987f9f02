package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"openeo-job-tracker/internal/models"
)

// SparkApplicationResource identifies the spark-operator custom resource the
// getter polls.
var SparkApplicationResource = schema.GroupVersionResource{
	Group:    "sparkoperator.k8s.io",
	Version:  "v1beta2",
	Resource: "sparkapplications",
}

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]`)

// SparkApplicationName derives the deterministic per-job resource name.
// Both ids are truncated and sanitized to fit Kubernetes naming limits.
func SparkApplicationName(jobID, userID string) string {
	shortJob, _, _ := strings.Cut(jobID, "-")
	shortUser, _, _ := strings.Cut(userID, "@")
	if len(shortUser) > 20 {
		shortUser = shortUser[:20]
	}
	name := fmt.Sprintf("job-%s-%s", shortJob, shortUser)
	name = invalidNameChars.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(name, "-")
}

// KubernetesStatusGetter polls SparkApplication custom resources for job
// state and enriches the result with usage figures from a kubecost-style
// allocation endpoint.
type KubernetesStatusGetter struct {
	log       *zap.Logger
	client    dynamic.Interface
	namespace string
	kubecost  *kubecostClient
}

// KubernetesOptions configures a KubernetesStatusGetter.
type KubernetesOptions struct {
	Namespace string
	// KubecostURL enables the usage enrichment query; empty disables it.
	KubecostURL string
	// KubecostWindow is the trailing cost-allocation window, e.g. "5d".
	KubecostWindow string
	QueryTimeout   time.Duration
}

// NewKubernetesStatusGetter builds a getter against the cluster the process
// runs in (or the local kubeconfig as a fallback).
func NewKubernetesStatusGetter(log *zap.Logger, opts KubernetesOptions) (*KubernetesStatusGetter, error) {
	cfg, err := buildKubeConfig()
	if err != nil {
		return nil, fmt.Errorf("build kubernetes config: %w", err)
	}
	client, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create dynamic client: %w", err)
	}
	return NewKubernetesStatusGetterWithClient(log, client, opts), nil
}

// NewKubernetesStatusGetterWithClient injects the dynamic client, used by
// tests with a fake.
func NewKubernetesStatusGetterWithClient(log *zap.Logger, client dynamic.Interface, opts KubernetesOptions) *KubernetesStatusGetter {
	g := &KubernetesStatusGetter{
		log:       log,
		client:    client,
		namespace: opts.Namespace,
	}
	if opts.KubecostURL != "" {
		timeout := opts.QueryTimeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		window := opts.KubecostWindow
		if window == "" {
			window = "5d"
		}
		g.kubecost = &kubecostClient{
			baseURL: opts.KubecostURL,
			window:  window,
			client:  &http.Client{Timeout: timeout},
		}
	}
	return g
}

func buildKubeConfig() (*rest.Config, error) {
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		if home, err := os.UserHomeDir(); err == nil {
			kubeconfig = home + "/.kube/config"
		}
	}
	if _, err := os.Stat(kubeconfig); os.IsNotExist(err) {
		return rest.InClusterConfig()
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

func (g *KubernetesStatusGetter) GetJobMetadata(ctx context.Context, jobID, userID, appID string) (models.JobMetadata, error) {
	metadata, err := g.getJobStatus(ctx, jobID, userID)
	if err != nil {
		return models.JobMetadata{}, err
	}
	// Usage is an enrichment, not a required field: a kubecost failure is
	// logged and leaves usage nil without failing the status fetch.
	metadata.Usage = g.getUsage(ctx, jobID, userID)
	return metadata, nil
}

func (g *KubernetesStatusGetter) getJobStatus(ctx context.Context, jobID, userID string) (models.JobMetadata, error) {
	name := SparkApplicationName(jobID, userID)
	app, err := g.client.Resource(SparkApplicationResource).Namespace(g.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return models.JobMetadata{}, fmt.Errorf("sparkapplication %s/%s: %w", g.namespace, name, ErrAppNotFound)
		}
		return models.JobMetadata{}, fmt.Errorf("get sparkapplication %s/%s: %w", g.namespace, name, err)
	}

	state, found, err := unstructured.NestedString(app.Object, "status", "applicationState", "state")
	if err != nil {
		return models.JobMetadata{}, &ReportParseError{Err: err}
	}
	if !found {
		// No status subtree yet: the operator has not scheduled the app.
		g.log.Warn("no status on SparkApplication, assuming new app",
			zap.String("job_id", jobID), zap.String("name", name))
		return models.JobMetadata{Status: models.StatusCreated}, nil
	}

	return models.JobMetadata{
		Status:     k8sStateToJobStatus(state),
		StartTime:  nestedTimePtr(app, "status", "lastSubmissionAttemptTime"),
		FinishTime: nestedTimePtr(app, "status", "terminationTime"),
	}, nil
}

// k8sStateToJobStatus maps a SparkApplication lifecycle state to a domain
// status. SUBMITTED, NEW and unknown states count as not yet progressed.
func k8sStateToJobStatus(state string) string {
	switch state {
	case "PENDING":
		return models.StatusQueued
	case "RUNNING":
		return models.StatusRunning
	case "COMPLETED":
		return models.StatusFinished
	case "FAILED":
		return models.StatusError
	}
	return models.StatusCreated
}

func nestedTimePtr(app *unstructured.Unstructured, fields ...string) *string {
	value, found, err := unstructured.NestedString(app.Object, fields...)
	if err != nil || !found || value == "" {
		return nil
	}
	return &value
}

func (g *KubernetesStatusGetter) getUsage(ctx context.Context, jobID, userID string) *models.Usage {
	if g.kubecost == nil {
		return nil
	}
	usage, err := g.kubecost.allocation(ctx, g.namespace, SparkApplicationName(jobID, userID))
	if err != nil {
		g.log.Error("failed to retrieve usage stats from kubecost",
			zap.String("job_id", jobID), zap.Error(err))
		return nil
	}
	return usage
}

// kubecostClient queries a cost-allocation endpoint for cumulative resource
// usage of a job's pods over a trailing window.
type kubecostClient struct {
	baseURL string
	window  string
	client  *http.Client
}

type kubecostAllocation struct {
	CPUCoreHours float64 `json:"cpuCoreHours"`
	RAMByteHours float64 `json:"ramByteHours"`
}

type kubecostResponse struct {
	Code int                             `json:"code"`
	Data []map[string]kubecostAllocation `json:"data"`
}

func (c *kubecostClient) allocation(ctx context.Context, namespace, podPrefix string) (*models.Usage, error) {
	params := url.Values{}
	params.Set("aggregate", "namespace")
	params.Set("filterNamespaces", namespace)
	params.Set("filterPods", podPrefix+"*")
	params.Set("window", c.window)
	params.Set("accumulate", "true")

	endpoint := strings.TrimRight(c.baseURL, "/") + "/model/allocation?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build kubecost request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kubecost request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kubecost responded %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read kubecost response: %w", err)
	}
	var parsed kubecostResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode kubecost response: %w", err)
	}
	if parsed.Code != 200 || len(parsed.Data) == 0 {
		return nil, fmt.Errorf("unexpected kubecost response code=%d entries=%d", parsed.Code, len(parsed.Data))
	}
	cost, ok := parsed.Data[0][namespace]
	if !ok {
		return nil, fmt.Errorf("no allocation for namespace %q in kubecost response", namespace)
	}
	return &models.Usage{
		CPUSeconds: cost.CPUCoreHours * 3600,
		MBSeconds:  cost.RAMByteHours * 3600 / (1024 * 1024),
	}, nil
}
