package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/fillindexer/internal/domain"
	"github.com/alanyoungcy/fillindexer/internal/metrics"
)

// DefaultAttributionIndex is the search index holding app fill attributions.
const DefaultAttributionIndex = "app_fill_attributions"

// isoMillis renders times like 2020-08-02T07:47:28.000Z.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// AttributionAggregator consumes index-app-fill-attributions jobs and
// upserts one search document per attributed app.
type AttributionAggregator struct {
	index   domain.SearchIndex
	name    string
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewAttributionAggregator creates an AttributionAggregator writing to
// indexName, or DefaultAttributionIndex when empty.
func NewAttributionAggregator(index domain.SearchIndex, indexName string, m *metrics.Metrics, logger *slog.Logger) *AttributionAggregator {
	if indexName == "" {
		indexName = DefaultAttributionIndex
	}
	return &AttributionAggregator{
		index:   index,
		name:    indexName,
		metrics: m,
		logger:  logger.With(slog.String("component", "attribution_aggregator")),
		now:     time.Now,
	}
}

func (a *AttributionAggregator) QueueName() domain.QueueName { return domain.QueueIndexing }

func (a *AttributionAggregator) JobName() domain.JobName { return domain.JobIndexAppFillAttributions }

// Handle decodes the job payload and aggregates it.
func (a *AttributionAggregator) Handle(ctx context.Context, job domain.Job) error {
	var payload domain.AttributionJob
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return fmt.Errorf("attribution_aggregator: decode job %s: %w: %w", job.ID, domain.ErrInvalidInput, err)
	}
	return a.Aggregate(ctx, payload)
}

// Aggregate writes every entry of job to the search index in a single bulk
// request. Reprocessing a job rewrites the same documents.
func (a *AttributionAggregator) Aggregate(ctx context.Context, job domain.AttributionJob) error {
	if len(job.Attributions) == 0 {
		return nil
	}
	if job.FillID == "" {
		return fmt.Errorf("attribution_aggregator: job without fill id: %w", domain.ErrInvalidInput)
	}

	start := time.Now()
	docs := a.Documents(job)

	if err := a.index.BulkUpsert(ctx, a.name, docs); err != nil {
		return fmt.Errorf("attribution_aggregator: upsert %d docs for fill %s: %w: %w",
			len(docs), job.FillID, domain.ErrAggregation, err)
	}
	a.metrics.ObserveAggregation(time.Since(start))

	a.logger.InfoContext(ctx, "indexed app fill attributions",
		slog.String("fill_id", job.FillID),
		slog.Int("apps", len(docs)),
	)
	return nil
}

// Documents builds the upserts for job, in entry order.
func (a *AttributionAggregator) Documents(job domain.AttributionJob) []domain.UpsertDoc {
	date := job.Date.UTC().Format(isoMillis)
	updatedAt := a.now().UTC().Format(isoMillis)

	docs := make([]domain.UpsertDoc, 0, len(job.Attributions))
	for _, e := range job.Attributions {
		docs = append(docs, domain.UpsertDoc{
			ID: domain.AttributionDocumentID(e.AppID, job.FillID),
			Doc: domain.AttributionDocument{
				AppID:         e.AppID,
				Date:          date,
				FillID:        job.FillID,
				RelayedTrades: e.RelayedTrades,
				RelayedVolume: e.RelayedVolume,
				SourcedTrades: e.SourcedTrades,
				SourcedVolume: e.SourcedVolume,
				TotalTrades:   e.TotalTrades,
				TotalVolume:   e.TotalVolume,
				UpdatedAt:     updatedAt,
			},
		})
	}
	return docs
}

var _ domain.JobHandler = (*AttributionAggregator)(nil)
