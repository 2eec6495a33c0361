// Package schedule turns per-fill follow-up work into delayed, coalesced
// jobs on a queue or workflow backend.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/fillindexer/internal/domain"
	"github.com/alanyoungcy/fillindexer/internal/metrics"
)

// Request describes one unit of scheduled work.
type Request struct {
	Queue   domain.QueueName
	Job     domain.JobName
	Key     string
	Payload any
	Delay   time.Duration
}

// Dispatcher hands a Request to an execution backend.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) error
}

// Scheduler implements the fill follow-up actions. Requests for the same job
// and fill inside one window collapse into the first one.
type Scheduler struct {
	dispatcher Dispatcher
	coalescer  domain.LockManager
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New creates a Scheduler. A nil coalescer disables coalescing.
func New(dispatcher Dispatcher, coalescer domain.LockManager, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		dispatcher: dispatcher,
		coalescer:  coalescer,
		metrics:    m,
		logger:     logger.With(slog.String("component", "scheduler")),
	}
}

// IndexFill schedules the fill for search indexing after window.
func (s *Scheduler) IndexFill(ctx context.Context, fillID string, window time.Duration) error {
	return s.schedule(ctx, Request{
		Queue:   domain.QueueFillIndexing,
		Job:     domain.JobIndexFill,
		Key:     fillID,
		Payload: FillRef{FillID: fillID},
		Delay:   window,
	})
}

// IndexTradedTokens schedules traded-token statistics for the fill right away.
func (s *Scheduler) IndexTradedTokens(ctx context.Context, fill domain.Fill) error {
	return s.schedule(ctx, Request{
		Queue:   domain.QueueTradedTokenIndexing,
		Job:     domain.JobIndexTradedTokens,
		Key:     fill.ID,
		Payload: NewTradedTokensPayload(fill),
	})
}

// ConvertProtocolFee schedules USD conversion of the fill's protocol fee.
func (s *Scheduler) ConvertProtocolFee(ctx context.Context, fill domain.Fill, window time.Duration) error {
	if fill.ProtocolFee == nil {
		return fmt.Errorf("schedule: fill %s has no protocol fee: %w", fill.ID, domain.ErrInvalidInput)
	}
	return s.schedule(ctx, Request{
		Queue: domain.QueueFillProcessing,
		Job:   domain.JobConvertProtocolFee,
		Key:   fill.ID,
		Payload: ProtocolFeePayload{
			FillID:      fill.ID,
			FillDate:    fill.Date,
			ProtocolFee: *fill.ProtocolFee,
		},
		Delay: window,
	})
}

// ConvertRelayerFees schedules USD conversion of the fill's relayer fees.
func (s *Scheduler) ConvertRelayerFees(ctx context.Context, fillID string, window time.Duration) error {
	return s.schedule(ctx, Request{
		Queue:   domain.QueueFillProcessing,
		Job:     domain.JobConvertRelayerFees,
		Key:     fillID,
		Payload: FillRef{FillID: fillID},
		Delay:   window,
	})
}

func coalesceKey(job domain.JobName, key string) string {
	return "coalesce:" + string(job) + ":" + key
}

func (s *Scheduler) schedule(ctx context.Context, req Request) error {
	if req.Delay > 0 && s.coalescer != nil {
		release, err := s.coalescer.Acquire(ctx, coalesceKey(req.Job, req.Key), req.Delay)
		if errors.Is(err, domain.ErrLockHeld) {
			s.metrics.RecordSchedule(string(req.Job), "coalesced")
			s.logger.DebugContext(ctx, "schedule coalesced",
				slog.String("job", string(req.Job)),
				slog.String("key", req.Key),
			)
			return nil
		}
		if err != nil {
			return fmt.Errorf("schedule: coalesce %s %s: %w", req.Job, req.Key, err)
		}
		if err := s.dispatcher.Dispatch(ctx, req); err != nil {
			// A failed dispatch must not suppress the retry.
			release()
			return fmt.Errorf("schedule: dispatch %s %s: %w", req.Job, req.Key, err)
		}
		s.metrics.RecordSchedule(string(req.Job), "dispatched")
		return nil
	}

	if err := s.dispatcher.Dispatch(ctx, req); err != nil {
		return fmt.Errorf("schedule: dispatch %s %s: %w", req.Job, req.Key, err)
	}
	s.metrics.RecordSchedule(string(req.Job), "dispatched")
	return nil
}

// QueueDispatcher publishes requests as delayed jobs.
type QueueDispatcher struct {
	publisher domain.JobPublisher
}

// NewQueueDispatcher creates a QueueDispatcher.
func NewQueueDispatcher(publisher domain.JobPublisher) *QueueDispatcher {
	return &QueueDispatcher{publisher: publisher}
}

// Dispatch publishes req with its delay.
func (d *QueueDispatcher) Dispatch(ctx context.Context, req Request) error {
	var opts []domain.PublishOption
	if req.Delay > 0 {
		opts = append(opts, domain.WithDelay(req.Delay))
	}
	return d.publisher.Publish(ctx, req.Queue, req.Job, req.Payload, opts...)
}
