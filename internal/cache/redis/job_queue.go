package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/fillindexer/internal/domain"
	"github.com/alanyoungcy/fillindexer/internal/metrics"
	"github.com/alanyoungcy/fillindexer/internal/queue"
)

// JobQueueConfig tunes the stream-backed job queue.
type JobQueueConfig struct {
	Group         string
	Consumer      string
	MaxLen        int64
	BatchSize     int64
	Block         time.Duration
	ClaimMinIdle  time.Duration
	MaxDeliveries int64
}

func (c JobQueueConfig) withDefaults() JobQueueConfig {
	if c.Group == "" {
		c.Group = "fillworker"
	}
	if c.Consumer == "" {
		c.Consumer = "fillworker-1"
	}
	if c.MaxLen <= 0 {
		c.MaxLen = 100000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = 5 * time.Minute
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 5
	}
	return c
}

// StreamKey is the stream holding jobs for q.
func StreamKey(q domain.QueueName) string {
	return "queue:" + string(q)
}

// DeadKey is the stream receiving jobs from q that exhausted their deliveries.
func DeadKey(q domain.QueueName) string {
	return StreamKey(q) + ":dead"
}

// JobQueue implements domain.JobPublisher and domain.JobSource on Redis
// Streams. Each queue is one stream read by a consumer group. Entries stay
// pending until handled, stale entries are reclaimed with XAUTOCLAIM, and
// entries that fail MaxDeliveries times move to the dead stream.
type JobQueue struct {
	rdb     *redis.Client
	cfg     JobQueueConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewJobQueue creates a JobQueue backed by c.
func NewJobQueue(c *Client, cfg JobQueueConfig, m *metrics.Metrics, logger *slog.Logger) *JobQueue {
	return &JobQueue{
		rdb:     c.Underlying(),
		cfg:     cfg.withDefaults(),
		metrics: m,
		logger:  logger.With(slog.String("component", "redis_job_queue")),
		now:     time.Now,
	}
}

// Publish appends a job envelope to the queue's stream.
func (q *JobQueue) Publish(ctx context.Context, name domain.QueueName, job domain.JobName, payload any, opts ...domain.PublishOption) error {
	env, err := queue.NewJob(name, job, payload, q.now(), opts...)
	if err != nil {
		return err
	}
	data, err := queue.Encode(env)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: StreamKey(name),
		MaxLen: q.cfg.MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":      env.ID,
			"job":     string(job),
			"payload": data,
		},
	}
	if err := q.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: publish %s/%s: %w", name, job, err)
	}

	q.metrics.RecordJobPublished(string(name), string(job))
	return nil
}

// Consume reads the queue's stream as a member of the configured group
// until ctx is done.
func (q *JobQueue) Consume(ctx context.Context, name domain.QueueName, fn func(context.Context, domain.Job) error) error {
	stream := StreamKey(name)
	if err := q.ensureGroup(ctx, stream); err != nil {
		return err
	}

	logger := q.logger.With(slog.String("queue", string(name)))
	logger.InfoContext(ctx, "consumer started",
		slog.String("group", q.cfg.Group),
		slog.String("consumer", q.cfg.Consumer),
	)

	cursor := "0-0"
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		next, err := q.reclaim(ctx, name, cursor, fn)
		if err != nil && ctx.Err() == nil {
			logger.WarnContext(ctx, "reclaim failed", slog.String("error", err.Error()))
		}
		cursor = next

		streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: q.cfg.Consumer,
			Streams:  []string{stream, ">"},
			Count:    q.cfg.BatchSize,
			Block:    q.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.ErrorContext(ctx, "read group failed", slog.String("error", err.Error()))
			if err := sleep(ctx, time.Second); err != nil {
				return err
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				q.process(ctx, name, msg, 1, fn)
			}
		}
	}
}

func (q *JobQueue) ensureGroup(ctx context.Context, stream string) error {
	err := q.rdb.XGroupCreateMkStream(ctx, stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis: create group %s on %s: %w", q.cfg.Group, stream, err)
	}
	return nil
}

// reclaim takes over up to BatchSize entries another consumer left pending
// for longer than ClaimMinIdle, scanning the pending list from start, and
// processes them again. It returns the cursor for the next scan; "0-0" once
// the list has been walked to its end.
func (q *JobQueue) reclaim(ctx context.Context, name domain.QueueName, start string, fn func(context.Context, domain.Job) error) (string, error) {
	stream := StreamKey(name)
	msgs, next, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.ClaimMinIdle,
		Start:    start,
		Count:    q.cfg.BatchSize,
	}).Result()
	if err != nil {
		return start, fmt.Errorf("redis: autoclaim %s: %w", stream, err)
	}
	if next == "" {
		next = "0-0"
	}

	for _, msg := range msgs {
		deliveries, err := q.deliveryCount(ctx, stream, msg.ID)
		if err != nil {
			return next, err
		}
		q.process(ctx, name, msg, deliveries, fn)
	}
	return next, nil
}

func (q *JobQueue) deliveryCount(ctx context.Context, stream, id string) (int64, error) {
	pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  q.cfg.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: pending %s %s: %w", stream, id, err)
	}
	if len(pending) == 0 {
		return 1, nil
	}
	return pending[0].RetryCount, nil
}

func (q *JobQueue) process(ctx context.Context, name domain.QueueName, msg redis.XMessage, deliveries int64, fn func(context.Context, domain.Job) error) {
	stream := StreamKey(name)
	logger := q.logger.With(slog.String("queue", string(name)), slog.String("entry", msg.ID))

	job, err := queue.Decode(payloadBytes(msg.Values["payload"]))
	if err != nil {
		q.deadLetter(ctx, name, msg, err)
		return
	}
	job.Attempt = int(deliveries)

	if err := fn(ctx, job); err != nil {
		if ctx.Err() != nil {
			return
		}
		if queue.IsPermanent(err) || deliveries >= q.cfg.MaxDeliveries {
			q.deadLetter(ctx, name, msg, err)
		}
		// Otherwise the entry stays pending until reclaimed.
		return
	}

	if err := q.rdb.XAck(ctx, stream, q.cfg.Group, msg.ID).Err(); err != nil {
		logger.ErrorContext(ctx, "ack failed", slog.String("error", err.Error()))
	}
}

func (q *JobQueue) deadLetter(ctx context.Context, name domain.QueueName, msg redis.XMessage, cause error) {
	stream := StreamKey(name)
	logger := q.logger.With(slog.String("queue", string(name)), slog.String("entry", msg.ID))

	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadKey(name),
		MaxLen: q.cfg.MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"entry":   msg.ID,
			"payload": payloadBytes(msg.Values["payload"]),
			"error":   cause.Error(),
		},
	}).Err()
	if err != nil {
		logger.ErrorContext(ctx, "dead letter failed", slog.String("error", err.Error()))
		return
	}
	if err := q.rdb.XAck(ctx, stream, q.cfg.Group, msg.ID).Err(); err != nil {
		logger.ErrorContext(ctx, "ack dead entry failed", slog.String("error", err.Error()))
		return
	}
	logger.WarnContext(ctx, "job dead-lettered", slog.String("error", cause.Error()))
}

func payloadBytes(v interface{}) []byte {
	switch p := v.(type) {
	case string:
		return []byte(p)
	case []byte:
		return p
	default:
		return nil
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var (
	_ domain.JobPublisher = (*JobQueue)(nil)
	_ domain.JobSource    = (*JobQueue)(nil)
)
