package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SourceDeleter removes one dependency source location.
type SourceDeleter interface {
	DeleteSource(ctx context.Context, source string) error
}

// Worker consumes the async task queue and executes cleanup tasks. Failed
// tasks land on a dead-letter list for operational inspection.
type Worker struct {
	log      *zap.Logger
	client   *redis.Client
	queueKey string
	dlqKey   string
	deleter  SourceDeleter
}

func NewWorker(log *zap.Logger, client *redis.Client, queueKey string, deleter SourceDeleter) *Worker {
	return &Worker{
		log:      log,
		client:   client,
		queueKey: queueKey,
		dlqKey:   queueKey + ":dlq",
		deleter:  deleter,
	}
}

// Run blocks on the queue until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res, err := w.client.BLPop(ctx, 2*time.Second, w.queueKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Warn("task queue read failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		// BLPop returns [key, value].
		if len(res) < 2 {
			continue
		}
		w.handle(ctx, res[1])
	}
}

func (w *Worker) handle(ctx context.Context, payload string) {
	var task Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		w.log.Error("undecodable task payload", zap.Error(err))
		w.deadLetter(ctx, payload)
		return
	}
	log := w.log.With(
		zap.String("task_id", task.TaskID),
		zap.String("job_id", task.Arguments.BatchJobID),
		zap.String("user_id", task.Arguments.UserID))

	if task.TaskID != TaskDeleteDependencySources {
		log.Error("unsupported task")
		w.deadLetter(ctx, payload)
		return
	}

	log.Info("removing dependency sources",
		zap.Strings("dependency_sources", task.Arguments.DependencySources))
	for _, source := range task.Arguments.DependencySources {
		if err := w.deleter.DeleteSource(ctx, source); err != nil {
			log.Error("failed to delete dependency source",
				zap.String("source", source), zap.Error(err))
			w.deadLetter(ctx, payload)
			return
		}
	}
	log.Info("dependency sources removed")
}

func (w *Worker) deadLetter(ctx context.Context, payload string) {
	if err := w.client.RPush(ctx, w.dlqKey, payload).Err(); err != nil {
		w.log.Error("dead-letter push failed", zap.Error(err))
	}
}

// S3Deleter deletes every object under an s3://bucket/prefix source.
type S3Deleter struct {
	log    *zap.Logger
	client *s3.Client
}

func NewS3Deleter(log *zap.Logger, client *s3.Client) *S3Deleter {
	return &S3Deleter{log: log, client: client}
}

func (d *S3Deleter) DeleteSource(ctx context.Context, source string) error {
	bucket, prefix, err := parseS3Source(source)
	if err != nil {
		return err
	}

	paginator := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	var deleted int
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list %s: %w", source, err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		identifiers := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, object := range page.Contents {
			identifiers = append(identifiers, types.ObjectIdentifier{Key: object.Key})
		}
		_, err = d.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{Objects: identifiers, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete objects under %s: %w", source, err)
		}
		deleted += len(identifiers)
	}
	d.log.Info("deleted dependency source objects",
		zap.String("source", source), zap.Int("objects", deleted))
	return nil
}

func parseS3Source(source string) (bucket, prefix string, err error) {
	trimmed, ok := strings.CutPrefix(source, "s3://")
	if !ok {
		return "", "", fmt.Errorf("unsupported dependency source %q (expected s3:// location)", source)
	}
	bucket, prefix, _ = strings.Cut(trimmed, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("no bucket in dependency source %q", source)
	}
	return bucket, prefix, nil
}
