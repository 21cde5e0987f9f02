package tasks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testQueue = "openeo:async-tasks"

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisDispatcherPushesEnvelope(t *testing.T) {
	client := newTestRedis(t)
	d := NewRedisDispatcher(zaptest.NewLogger(t), client, testQueue)

	err := d.ScheduleDeleteDependencySources(context.Background(), "j-1", "alice",
		[]string{"s3://bucket/deps/j-1"})
	require.NoError(t, err)

	payload, err := client.LPop(context.Background(), testQueue).Result()
	require.NoError(t, err)

	var task Task
	require.NoError(t, json.Unmarshal([]byte(payload), &task))
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, TaskDeleteDependencySources, task.TaskID)
	assert.Equal(t, "j-1", task.Arguments.BatchJobID)
	assert.Equal(t, "alice", task.Arguments.UserID)
	assert.Equal(t, []string{"s3://bucket/deps/j-1"}, task.Arguments.DependencySources)
}

func TestRedactMasksSensitiveKeys(t *testing.T) {
	out := redact(map[string]any{
		"user_id":      "alice",
		"access_token": "abc",
		"nested":       map[string]any{"client_secret": "xyz", "plain": "ok"},
	})
	assert.Equal(t, "alice", out["user_id"])
	assert.Equal(t, "(redacted)", out["access_token"])
	nested := out["nested"].(map[string]any)
	assert.Equal(t, "(redacted)", nested["client_secret"])
	assert.Equal(t, "ok", nested["plain"])
}

type recordingDeleter struct {
	sources []string
	fail    bool
}

func (d *recordingDeleter) DeleteSource(_ context.Context, source string) error {
	if d.fail {
		return assert.AnError
	}
	d.sources = append(d.sources, source)
	return nil
}

func TestWorkerHandlesDeleteTask(t *testing.T) {
	client := newTestRedis(t)
	deleter := &recordingDeleter{}
	w := NewWorker(zaptest.NewLogger(t), client, testQueue, deleter)

	task := Task{
		ID:     "t-1",
		TaskID: TaskDeleteDependencySources,
		Arguments: TaskArguments{
			BatchJobID:        "j-1",
			UserID:            "alice",
			DependencySources: []string{"s3://bucket/a", "s3://bucket/b"},
		},
	}
	payload, err := json.Marshal(task)
	require.NoError(t, err)

	w.handle(context.Background(), string(payload))

	assert.Equal(t, []string{"s3://bucket/a", "s3://bucket/b"}, deleter.sources)
	dlqLen, err := client.LLen(context.Background(), testQueue+":dlq").Result()
	require.NoError(t, err)
	assert.Zero(t, dlqLen)
}

func TestWorkerDeadLettersFailures(t *testing.T) {
	client := newTestRedis(t)
	w := NewWorker(zaptest.NewLogger(t), client, testQueue, &recordingDeleter{fail: true})

	task := Task{
		ID:     "t-1",
		TaskID: TaskDeleteDependencySources,
		Arguments: TaskArguments{
			BatchJobID:        "j-1",
			UserID:            "alice",
			DependencySources: []string{"s3://bucket/a"},
		},
	}
	payload, err := json.Marshal(task)
	require.NoError(t, err)

	w.handle(context.Background(), string(payload))

	dead, err := client.LRange(context.Background(), testQueue+":dlq", 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.JSONEq(t, string(payload), dead[0])
}

func TestWorkerDeadLettersUndecodableAndUnsupported(t *testing.T) {
	client := newTestRedis(t)
	w := NewWorker(zaptest.NewLogger(t), client, testQueue, &recordingDeleter{})

	w.handle(context.Background(), "{not json")
	w.handle(context.Background(), `{"id": "t-2", "task_id": "unknown_task", "arguments": {}}`)

	dlqLen, err := client.LLen(context.Background(), testQueue+":dlq").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), dlqLen)
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	client := newTestRedis(t)
	w := NewWorker(zaptest.NewLogger(t), client, testQueue, &recordingDeleter{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}

func TestParseS3Source(t *testing.T) {
	bucket, prefix, err := parseS3Source("s3://my-bucket/deps/j-1/")
	require.NoError(t, err)
	assert.Equal(t, "my-bucket", bucket)
	assert.Equal(t, "deps/j-1/", prefix)

	_, _, err = parseS3Source("hdfs://nn/deps")
	assert.Error(t, err)

	_, _, err = parseS3Source("s3://")
	assert.Error(t, err)
}
