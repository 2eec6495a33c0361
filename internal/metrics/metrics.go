// Package metrics holds the Prometheus collectors for the fill worker.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors. It is passed explicitly to the
// components that record into it. A nil *Metrics records nothing.
type Metrics struct {
	fillsIngestedTotal   prometheus.Counter
	ingestBatchDuration  *prometheus.HistogramVec
	fanOutFailuresTotal  *prometheus.CounterVec
	attributionJobsTotal prometheus.Counter
	schedulesTotal       *prometheus.CounterVec
	jobsPublishedTotal   *prometheus.CounterVec
	jobsHandledTotal     *prometheus.CounterVec
	jobHandleDuration    *prometheus.HistogramVec
	bulkItemsTotal       *prometheus.CounterVec
	aggregationDuration  prometheus.Histogram
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
}

// NewMetrics creates a Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		fillsIngestedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fills_ingested_total",
			Help: "Total number of fills persisted by the ingestor",
		}),
		ingestBatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fill_ingest_batch_duration_seconds",
				Help:    "Duration of CreateFills calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"status"},
		),
		fanOutFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fill_fanout_failures_total",
				Help: "Total number of failed fan-out actions by action",
			},
			[]string{"action"},
		),
		attributionJobsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "attribution_jobs_published_total",
			Help: "Total number of index-app-fill-attributions jobs published",
		}),
		schedulesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fill_schedules_total",
				Help: "Scheduling requests by job and outcome (dispatched, coalesced)",
			},
			[]string{"job", "outcome"},
		),
		jobsPublishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queue_jobs_published_total",
				Help: "Total number of jobs published by queue and job",
			},
			[]string{"queue", "job"},
		),
		jobsHandledTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "queue_jobs_handled_total",
				Help: "Total number of jobs handled by queue, job and status",
			},
			[]string{"queue", "job", "status"},
		),
		jobHandleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "queue_job_handle_duration_seconds",
				Help:    "Duration of job handlers in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
			},
			[]string{"queue", "job"},
		),
		bulkItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_bulk_items_total",
				Help: "Bulk upsert items by index and result",
			},
			[]string{"index", "result"},
		),
		aggregationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "attribution_aggregation_duration_seconds",
			Help:    "Duration of attribution bulk upserts in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests on the ops server",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests on the ops server",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

func (m *Metrics) RecordFillsIngested(n int) {
	if m == nil {
		return
	}
	m.fillsIngestedTotal.Add(float64(n))
}

func (m *Metrics) ObserveIngestBatch(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ingestBatchDuration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) RecordFanOutFailure(action string) {
	if m == nil {
		return
	}
	m.fanOutFailuresTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) RecordAttributionJob() {
	if m == nil {
		return
	}
	m.attributionJobsTotal.Inc()
}

// RecordSchedule counts a scheduling request; outcome is "dispatched" or
// "coalesced".
func (m *Metrics) RecordSchedule(job, outcome string) {
	if m == nil {
		return
	}
	m.schedulesTotal.WithLabelValues(job, outcome).Inc()
}

func (m *Metrics) RecordJobPublished(queue, job string) {
	if m == nil {
		return
	}
	m.jobsPublishedTotal.WithLabelValues(queue, job).Inc()
}

func (m *Metrics) RecordJobHandled(queue, job, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsHandledTotal.WithLabelValues(queue, job, status).Inc()
	m.jobHandleDuration.WithLabelValues(queue, job).Observe(d.Seconds())
}

func (m *Metrics) RecordBulkItems(index, result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.bulkItemsTotal.WithLabelValues(index, result).Add(float64(n))
}

func (m *Metrics) ObserveAggregation(d time.Duration) {
	if m == nil {
		return
	}
	m.aggregationDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordHTTPRequest(method, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
