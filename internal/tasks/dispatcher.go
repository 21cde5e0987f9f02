// Package tasks handles asynchronous cleanup work: the tracker dispatches
// deletion tasks for a finished job's dependency sources, a worker consumes
// and executes them.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// TaskDeleteDependencySources removes the external storage locations a job
// depended on once the job reached a terminal status.
const TaskDeleteDependencySources = "delete_batch_process_dependency_sources"

// Task is the envelope put on the queue. Delivery is at-least-once; handlers
// must tolerate duplicates.
type Task struct {
	ID        string        `json:"id"`
	TaskID    string        `json:"task_id"`
	Arguments TaskArguments `json:"arguments"`
}

type TaskArguments struct {
	BatchJobID        string   `json:"batch_job_id"`
	UserID            string   `json:"user_id"`
	DependencySources []string `json:"dependency_sources,omitempty"`
}

// Dispatcher schedules asynchronous tasks with an at-least-once delivery
// contract. A delivery failure surfaces as an error, never silently drops.
type Dispatcher interface {
	ScheduleDeleteDependencySources(ctx context.Context, jobID, userID string, sources []string) error
}

// RedisDispatcher pushes task envelopes onto a Redis list consumed by the
// cleanup worker.
type RedisDispatcher struct {
	log      *zap.Logger
	client   *redis.Client
	queueKey string
}

func NewRedisDispatcher(log *zap.Logger, client *redis.Client, queueKey string) *RedisDispatcher {
	return &RedisDispatcher{log: log, client: client, queueKey: queueKey}
}

func (d *RedisDispatcher) ScheduleDeleteDependencySources(ctx context.Context, jobID, userID string, sources []string) error {
	task := Task{
		ID:     uuid.New().String(),
		TaskID: TaskDeleteDependencySources,
		Arguments: TaskArguments{
			BatchJobID:        jobID,
			UserID:            userID,
			DependencySources: sources,
		},
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := d.client.RPush(ctx, d.queueKey, payload).Err(); err != nil {
		return fmt.Errorf("dispatch task %s: %w", task.TaskID, err)
	}
	d.log.Info("scheduled async task",
		zap.String("task_id", task.TaskID),
		zap.String("job_id", jobID),
		zap.String("user_id", userID),
		zap.Any("task", redact(taskAsMap(task))))
	return nil
}

func taskAsMap(task Task) map[string]any {
	payload, _ := json.Marshal(task)
	var m map[string]any
	_ = json.Unmarshal(payload, &m)
	return m
}

// redact masks values under keys that look sensitive before logging.
func redact(value map[string]any) map[string]any {
	out := make(map[string]any, len(value))
	for key, v := range value {
		if isSensitiveKey(key) {
			out[key] = "(redacted)"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[key] = redact(nested)
			continue
		}
		out[key] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	return strings.Contains(lower, "secret") || strings.Contains(lower, "token")
}
