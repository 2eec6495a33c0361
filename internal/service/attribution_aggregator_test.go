package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fillindexer/internal/domain"
	"github.com/alanyoungcy/fillindexer/internal/search/elastic"
)

const (
	relayerApp  = "5980a15c-e450-40d3-8ef4-c54a37363ed0"
	consumerApp = "449fcf3c-5f05-4cb4-b7bd-cf7c86bd6576"
	fillID      = "5f267c7b545e125452c56e14"
)

type MockSearchIndex struct {
	mock.Mock
}

func (m *MockSearchIndex) BulkUpsert(ctx context.Context, index string, docs []domain.UpsertDoc) error {
	return m.Called(index, docs).Error(0)
}

func intPtr(v int) *int             { return &v }
func floatPtr(v float64) *float64   { return &v }
func testLogger() *slog.Logger      { return slog.New(slog.NewTextHandler(io.Discard, nil)) }
func frozenClock() func() time.Time { return func() time.Time { return time.Date(2020, 8, 2, 8, 42, 24, 934e6, time.UTC) } }

func fillDate() time.Time { return time.Date(2020, 8, 2, 7, 47, 28, 0, time.UTC) }

func jobWithVolume() domain.AttributionJob {
	return domain.AttributionJob{
		Date:   fillDate(),
		FillID: fillID,
		Attributions: []domain.AttributionEntry{
			{AppID: relayerApp, RelayedTrades: intPtr(1), RelayedVolume: floatPtr(1520), TotalTrades: intPtr(1), TotalVolume: floatPtr(1520)},
			{AppID: consumerApp, SourcedTrades: intPtr(1), SourcedVolume: floatPtr(1520), TotalTrades: intPtr(1), TotalVolume: floatPtr(1520)},
		},
	}
}

func jobWithoutVolume() domain.AttributionJob {
	return domain.AttributionJob{
		Date:   fillDate(),
		FillID: fillID,
		Attributions: []domain.AttributionEntry{
			{AppID: relayerApp, RelayedTrades: intPtr(1), TotalTrades: intPtr(1)},
			{AppID: consumerApp, SourcedTrades: intPtr(1), TotalTrades: intPtr(1)},
		},
	}
}

// bulkRecorder is an Elasticsearch stand-in that records bulk bodies.
type bulkRecorder struct {
	mu     sync.Mutex
	paths  []string
	bodies []string
}

func (b *bulkRecorder) server(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.paths = append(b.paths, r.Method+" "+r.URL.Path)
		b.bodies = append(b.bodies, string(body))
		b.mu.Unlock()
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"errors":false,"items":[]}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newElasticAggregator(t *testing.T, rec *bulkRecorder) *AttributionAggregator {
	t.Helper()
	srv := rec.server(t)
	es, err := elastic.New(elastic.Config{Addresses: []string{srv.URL}}, nil, testLogger())
	require.NoError(t, err)
	agg := NewAttributionAggregator(es, "", nil, testLogger())
	agg.now = frozenClock()
	return agg
}

func ndjson(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

func TestAggregatorConsumesIndexingQueue(t *testing.T) {
	agg := NewAttributionAggregator(new(MockSearchIndex), "", nil, testLogger())
	assert.Equal(t, domain.QueueName("indexing"), agg.QueueName())
	assert.Equal(t, domain.JobName("index-app-fill-attributions"), agg.JobName())
}

func TestAggregatorUpdatesDocumentsForAttributions(t *testing.T) {
	rec := &bulkRecorder{}
	agg := newElasticAggregator(t, rec)

	require.NoError(t, agg.Aggregate(context.Background(), jobWithVolume()))

	require.Len(t, rec.bodies, 1)
	assert.Equal(t, "POST /app_fill_attributions/_bulk", rec.paths[0])
	assert.Equal(t, ndjson(
		`{"update":{"_id":"5980a15c-e450-40d3-8ef4-c54a37363ed0_5f267c7b545e125452c56e14"}}`,
		`{"doc":{"appId":"5980a15c-e450-40d3-8ef4-c54a37363ed0","date":"2020-08-02T07:47:28.000Z","fillId":"5f267c7b545e125452c56e14","relayedTrades":1,"relayedVolume":1520,"totalTrades":1,"totalVolume":1520,"updatedAt":"2020-08-02T08:42:24.934Z"},"doc_as_upsert":true}`,
		`{"update":{"_id":"449fcf3c-5f05-4cb4-b7bd-cf7c86bd6576_5f267c7b545e125452c56e14"}}`,
		`{"doc":{"appId":"449fcf3c-5f05-4cb4-b7bd-cf7c86bd6576","date":"2020-08-02T07:47:28.000Z","fillId":"5f267c7b545e125452c56e14","sourcedTrades":1,"sourcedVolume":1520,"totalTrades":1,"totalVolume":1520,"updatedAt":"2020-08-02T08:42:24.934Z"},"doc_as_upsert":true}`,
	), rec.bodies[0])
}

func TestAggregatorUpdatesDocumentsWithoutVolume(t *testing.T) {
	rec := &bulkRecorder{}
	agg := newElasticAggregator(t, rec)

	require.NoError(t, agg.Aggregate(context.Background(), jobWithoutVolume()))

	require.Len(t, rec.bodies, 1)
	assert.Equal(t, ndjson(
		`{"update":{"_id":"5980a15c-e450-40d3-8ef4-c54a37363ed0_5f267c7b545e125452c56e14"}}`,
		`{"doc":{"appId":"5980a15c-e450-40d3-8ef4-c54a37363ed0","date":"2020-08-02T07:47:28.000Z","fillId":"5f267c7b545e125452c56e14","relayedTrades":1,"totalTrades":1,"updatedAt":"2020-08-02T08:42:24.934Z"},"doc_as_upsert":true}`,
		`{"update":{"_id":"449fcf3c-5f05-4cb4-b7bd-cf7c86bd6576_5f267c7b545e125452c56e14"}}`,
		`{"doc":{"appId":"449fcf3c-5f05-4cb4-b7bd-cf7c86bd6576","date":"2020-08-02T07:47:28.000Z","fillId":"5f267c7b545e125452c56e14","sourcedTrades":1,"totalTrades":1,"updatedAt":"2020-08-02T08:42:24.934Z"},"doc_as_upsert":true}`,
	), rec.bodies[0])
}

func TestAggregatorReprocessingIsIdempotent(t *testing.T) {
	rec := &bulkRecorder{}
	agg := newElasticAggregator(t, rec)

	require.NoError(t, agg.Aggregate(context.Background(), jobWithVolume()))
	require.NoError(t, agg.Aggregate(context.Background(), jobWithVolume()))

	require.Len(t, rec.bodies, 2)
	assert.Equal(t, rec.bodies[0], rec.bodies[1])
}

func TestAggregatorHandleDecodesQueuePayload(t *testing.T) {
	idx := new(MockSearchIndex)
	agg := NewAttributionAggregator(idx, "attributions-test", nil, testLogger())
	agg.now = frozenClock()

	idx.On("BulkUpsert", "attributions-test", mock.MatchedBy(func(docs []domain.UpsertDoc) bool {
		return len(docs) == 2 &&
			docs[0].ID == relayerApp+"_"+fillID &&
			docs[1].ID == consumerApp+"_"+fillID
	})).Return(nil).Once()

	data, err := json.Marshal(jobWithVolume())
	require.NoError(t, err)

	err = agg.Handle(context.Background(), domain.Job{
		ID:    "job-1",
		Queue: domain.QueueIndexing,
		Name:  domain.JobIndexAppFillAttributions,
		Data:  data,
	})
	require.NoError(t, err)
	idx.AssertExpectations(t)
}

func TestAggregatorHandleRejectsMalformedPayload(t *testing.T) {
	idx := new(MockSearchIndex)
	agg := NewAttributionAggregator(idx, "", nil, testLogger())

	err := agg.Handle(context.Background(), domain.Job{ID: "job-1", Data: json.RawMessage(`{"attributions":"nope"}`)})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	idx.AssertNotCalled(t, "BulkUpsert", mock.Anything, mock.Anything)
}

func TestAggregatorSurfacesIndexFailure(t *testing.T) {
	idx := new(MockSearchIndex)
	boom := errors.New("cluster unavailable")
	idx.On("BulkUpsert", DefaultAttributionIndex, mock.Anything).Return(boom)

	agg := NewAttributionAggregator(idx, "", nil, testLogger())
	err := agg.Aggregate(context.Background(), jobWithVolume())

	assert.ErrorIs(t, err, domain.ErrAggregation)
	assert.ErrorIs(t, err, boom)
}

func TestAggregatorNoEntriesIsNoop(t *testing.T) {
	idx := new(MockSearchIndex)
	agg := NewAttributionAggregator(idx, "", nil, testLogger())

	require.NoError(t, agg.Aggregate(context.Background(), domain.AttributionJob{FillID: fillID, Date: fillDate()}))
	idx.AssertNotCalled(t, "BulkUpsert", mock.Anything, mock.Anything)
}

func TestAggregatorDocumentDateIsUTC(t *testing.T) {
	agg := NewAttributionAggregator(new(MockSearchIndex), "", nil, testLogger())
	agg.now = frozenClock()

	loc := time.FixedZone("UTC+2", 2*60*60)
	job := jobWithoutVolume()
	job.Date = time.Date(2020, 8, 2, 9, 47, 28, 0, loc)

	docs := agg.Documents(job)
	require.Len(t, docs, 2)
	doc := docs[0].Doc.(domain.AttributionDocument)
	assert.Equal(t, "2020-08-02T07:47:28.000Z", doc.Date)
	assert.Equal(t, "2020-08-02T08:42:24.934Z", doc.UpdatedAt)
}
