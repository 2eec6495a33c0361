package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/fillindexer/internal/domain"
	"github.com/alanyoungcy/fillindexer/internal/metrics"
)

type route struct {
	queue domain.QueueName
	name  domain.JobName
}

// Router dispatches consumed jobs to the handler registered for their
// queue and name, honoring each job's RunAt.
type Router struct {
	source   domain.JobSource
	handlers map[route]domain.JobHandler
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewRouter creates a Router that consumes from source.
func NewRouter(source domain.JobSource, m *metrics.Metrics, logger *slog.Logger) *Router {
	return &Router{
		source:   source,
		handlers: make(map[route]domain.JobHandler),
		metrics:  m,
		logger:   logger.With(slog.String("component", "job_router")),
		now:      time.Now,
	}
}

// Register adds h. A later registration for the same pair replaces it.
func (r *Router) Register(h domain.JobHandler) {
	r.handlers[route{h.QueueName(), h.JobName()}] = h
}

// Queues returns the distinct queues that have handlers, sorted.
func (r *Router) Queues() []domain.QueueName {
	seen := make(map[domain.QueueName]struct{})
	var out []domain.QueueName
	for k := range r.handlers {
		if _, ok := seen[k.queue]; ok {
			continue
		}
		seen[k.queue] = struct{}{}
		out = append(out, k.queue)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Handle runs the handler for job after waiting for its RunAt.
func (r *Router) Handle(ctx context.Context, job domain.Job) error {
	h, ok := r.handlers[route{job.Queue, job.Name}]
	if !ok {
		return fmt.Errorf("queue: %s/%s: %w", job.Queue, job.Name, domain.ErrUnknownJob)
	}

	if !job.RunAt.IsZero() {
		if wait := job.RunAt.Sub(r.now()); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	start := time.Now()
	err := h.Handle(ctx, job)
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.metrics.RecordJobHandled(string(job.Queue), string(job.Name), status, time.Since(start))

	if err != nil {
		r.logger.WarnContext(ctx, "job failed",
			slog.String("queue", string(job.Queue)),
			slog.String("job", string(job.Name)),
			slog.String("job_id", job.ID),
			slog.Int("attempt", job.Attempt),
			slog.String("error", err.Error()),
		)
		return err
	}

	r.logger.DebugContext(ctx, "job handled",
		slog.String("queue", string(job.Queue)),
		slog.String("job", string(job.Name)),
		slog.String("job_id", job.ID),
	)
	return nil
}

// Run consumes every registered queue until ctx is done or a source fails.
func (r *Router) Run(ctx context.Context) error {
	queues := r.Queues()
	if len(queues) == 0 {
		return fmt.Errorf("queue: router has no handlers")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range queues {
		r.logger.InfoContext(ctx, "consuming queue", slog.String("queue", string(q)))
		g.Go(func() error {
			return r.source.Consume(gctx, q, r.Handle)
		})
	}
	return g.Wait()
}
