// Package nats carries jobs over NATS JetStream as an alternative to the
// Redis stream backend.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/alanyoungcy/fillindexer/internal/domain"
	"github.com/alanyoungcy/fillindexer/internal/metrics"
	"github.com/alanyoungcy/fillindexer/internal/queue"
)

const (
	// StreamName is the JetStream stream holding every job queue.
	StreamName = "JOBS"
	// StreamSubjects matches jobs.<queue>.<job>.
	StreamSubjects = "jobs.>"
	// StreamRetention bounds how long unconsumed jobs are kept.
	StreamRetention = 7 * 24 * time.Hour
)

// Config tunes the JetStream job queue.
type Config struct {
	URL           string
	Durable       string
	MaxDeliveries int
	AckWait       time.Duration
	RetryDelay    time.Duration
}

// Subject is the subject a job is published on.
func Subject(q domain.QueueName, job domain.JobName) string {
	return fmt.Sprintf("jobs.%s.%s", q, job)
}

// JobQueue implements domain.JobPublisher and domain.JobSource on one
// JetStream stream with a durable consumer per queue.
type JobQueue struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New connects to NATS and ensures the job stream exists.
func New(ctx context.Context, cfg Config, m *metrics.Metrics, logger *slog.Logger) (*JobQueue, error) {
	if cfg.Durable == "" {
		cfg.Durable = "fillworker"
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 2 * time.Minute
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("fillworker"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats: jetstream: %w", err)
	}

	q := &JobQueue{
		nc:      nc,
		js:      js,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(slog.String("component", "nats_job_queue")),
		now:     time.Now,
	}
	if err := q.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}

	q.logger.Info("jetstream job queue ready",
		slog.String("url", cfg.URL),
		slog.String("stream", StreamName),
	)
	return q, nil
}

func (q *JobQueue) ensureStream(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := q.js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := q.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "fill processing jobs",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("nats: create stream %s: %w", StreamName, err)
	}
	return nil
}

// Publish sends a job. The envelope id doubles as the JetStream message id,
// so republishing the same id inside the duplicate window is a no-op.
func (q *JobQueue) Publish(ctx context.Context, name domain.QueueName, job domain.JobName, payload any, opts ...domain.PublishOption) error {
	env, err := queue.NewJob(name, job, payload, q.now(), opts...)
	if err != nil {
		return err
	}
	data, err := queue.Encode(env)
	if err != nil {
		return err
	}

	if _, err := q.js.Publish(ctx, Subject(name, job), data, jetstream.WithMsgID(env.ID)); err != nil {
		return fmt.Errorf("nats: publish %s/%s: %w", name, job, err)
	}
	q.metrics.RecordJobPublished(string(name), string(job))
	return nil
}

// Consume attaches a durable consumer for queue and delivers its jobs to fn
// until ctx is done.
func (q *JobQueue) Consume(ctx context.Context, name domain.QueueName, fn func(context.Context, domain.Job) error) error {
	durable := fmt.Sprintf("%s-%s", q.cfg.Durable, name)
	cons, err := q.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: fmt.Sprintf("jobs.%s.>", name),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		MaxDeliver:    q.cfg.MaxDeliveries,
	})
	if err != nil {
		return fmt.Errorf("nats: consumer %s: %w", durable, err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		q.handle(ctx, msg, fn)
	})
	if err != nil {
		return fmt.Errorf("nats: consume %s: %w", durable, err)
	}
	defer cc.Stop()

	q.logger.InfoContext(ctx, "consumer started",
		slog.String("queue", string(name)),
		slog.String("durable", durable),
	)
	<-ctx.Done()
	return ctx.Err()
}

// handle acks, naks or terminates msg according to fn's result.
func (q *JobQueue) handle(ctx context.Context, msg jetstream.Msg, fn func(context.Context, domain.Job) error) {
	logger := q.logger.With(slog.String("subject", msg.Subject()))

	job, err := queue.Decode(msg.Data())
	if err != nil {
		logger.WarnContext(ctx, "terminating undecodable job", slog.String("error", err.Error()))
		_ = msg.TermWithReason(err.Error())
		return
	}

	job.Attempt = 1
	if meta, err := msg.Metadata(); err == nil {
		job.Attempt = int(meta.NumDelivered)
	}

	err = fn(ctx, job)
	switch {
	case err == nil:
		if err := msg.Ack(); err != nil {
			logger.ErrorContext(ctx, "ack failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
	case queue.IsPermanent(err):
		_ = msg.TermWithReason(err.Error())
	case errors.Is(err, context.Canceled):
		_ = msg.Nak()
	default:
		_ = msg.NakWithDelay(q.cfg.RetryDelay)
	}
}

// Close drains the connection.
func (q *JobQueue) Close() error {
	if q.nc == nil {
		return nil
	}
	if err := q.nc.Drain(); err != nil {
		return fmt.Errorf("nats: drain: %w", err)
	}
	return nil
}

var (
	_ domain.JobPublisher = (*JobQueue)(nil)
	_ domain.JobSource    = (*JobQueue)(nil)
)
