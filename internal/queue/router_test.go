package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fillindexer/internal/domain"
)

type recordingHandler struct {
	queue domain.QueueName
	name  domain.JobName
	err   error

	mu   sync.Mutex
	jobs []domain.Job
	done chan struct{}
}

func newRecordingHandler(q domain.QueueName, n domain.JobName) *recordingHandler {
	return &recordingHandler{queue: q, name: n, done: make(chan struct{}, 16)}
}

func (h *recordingHandler) QueueName() domain.QueueName { return h.queue }
func (h *recordingHandler) JobName() domain.JobName     { return h.name }
func (h *recordingHandler) Handle(_ context.Context, job domain.Job) error {
	h.mu.Lock()
	h.jobs = append(h.jobs, job)
	h.mu.Unlock()
	h.done <- struct{}{}
	return h.err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.jobs)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewJobAppliesOptions(t *testing.T) {
	now := time.Date(2020, 8, 2, 8, 42, 24, 0, time.UTC)
	job, err := NewJob(domain.QueueFillIndexing, domain.JobIndexFill,
		map[string]string{"fillId": "f1"}, now,
		domain.WithDelay(30*time.Second), domain.WithJobID("fixed"))
	require.NoError(t, err)

	assert.Equal(t, "fixed", job.ID)
	assert.Equal(t, now.Add(30*time.Second), job.RunAt)
	assert.Equal(t, now, job.PublishedAt)
	assert.JSONEq(t, `{"fillId":"f1"}`, string(job.Data))
}

func TestNewJobWithoutDelayHasNoRunAt(t *testing.T) {
	job, err := NewJob(domain.QueueIndexing, domain.JobIndexAppFillAttributions, struct{}{}, time.Now())
	require.NoError(t, err)
	assert.True(t, job.RunAt.IsZero())
	assert.NotEmpty(t, job.ID)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := Decode([]byte("nope"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = Decode([]byte(`{"id":"x","data":{}}`))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestEncodeDecodeKeepsEnvelope(t *testing.T) {
	job, err := NewJob(domain.QueueIndexing, domain.JobIndexAppFillAttributions, map[string]int{"n": 1}, time.Now())
	require.NoError(t, err)
	b, err := Encode(job)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Contains(t, raw, "publishedAt")

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.Name, got.Name)
}

func TestRouterUnknownJob(t *testing.T) {
	r := NewRouter(NewMemoryQueue(1, 1), nil, discardLogger())
	err := r.Handle(context.Background(), domain.Job{Queue: domain.QueueIndexing, Name: "nope"})
	assert.ErrorIs(t, err, domain.ErrUnknownJob)
	assert.True(t, IsPermanent(err))
}

func TestRouterWaitsForRunAt(t *testing.T) {
	h := newRecordingHandler(domain.QueueIndexing, domain.JobIndexAppFillAttributions)
	r := NewRouter(NewMemoryQueue(1, 1), nil, discardLogger())
	r.Register(h)

	start := time.Now()
	err := r.Handle(context.Background(), domain.Job{
		Queue: domain.QueueIndexing,
		Name:  domain.JobIndexAppFillAttributions,
		RunAt: start.Add(50 * time.Millisecond),
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 1, h.count())
}

func TestRouterRunAtCancelled(t *testing.T) {
	h := newRecordingHandler(domain.QueueIndexing, domain.JobIndexAppFillAttributions)
	r := NewRouter(NewMemoryQueue(1, 1), nil, discardLogger())
	r.Register(h)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Handle(ctx, domain.Job{
		Queue: domain.QueueIndexing,
		Name:  domain.JobIndexAppFillAttributions,
		RunAt: time.Now().Add(time.Hour),
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.count())
}

func TestRouterQueuesSorted(t *testing.T) {
	r := NewRouter(NewMemoryQueue(1, 1), nil, discardLogger())
	r.Register(newRecordingHandler(domain.QueueIndexing, domain.JobIndexAppFillAttributions))
	r.Register(newRecordingHandler(domain.QueueFillIndexing, domain.JobIndexFill))
	r.Register(newRecordingHandler(domain.QueueFillProcessing, domain.JobConvertProtocolFee))
	r.Register(newRecordingHandler(domain.QueueFillProcessing, domain.JobConvertRelayerFees))

	assert.Equal(t, []domain.QueueName{
		domain.QueueFillIndexing,
		domain.QueueFillProcessing,
		domain.QueueIndexing,
	}, r.Queues())
}

func TestRouterRunWithoutHandlers(t *testing.T) {
	r := NewRouter(NewMemoryQueue(1, 1), nil, discardLogger())
	assert.Error(t, r.Run(context.Background()))
}

func TestRouterRunDeliversFromMemoryQueue(t *testing.T) {
	mq := NewMemoryQueue(8, 3)
	h := newRecordingHandler(domain.QueueIndexing, domain.JobIndexAppFillAttributions)
	r := NewRouter(mq, nil, discardLogger())
	r.Register(h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()

	require.NoError(t, mq.Publish(ctx, domain.QueueIndexing, domain.JobIndexAppFillAttributions, map[string]string{"fillId": "f1"}))

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("job not delivered")
	}
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, 1, h.count())
	assert.Equal(t, 1, h.jobs[0].Attempt)
}

func TestMemoryQueueRetriesThenDeadLetters(t *testing.T) {
	mq := NewMemoryQueue(8, 3)
	h := newRecordingHandler(domain.QueueIndexing, domain.JobIndexAppFillAttributions)
	h.err = errors.New("search index unavailable")
	r := NewRouter(mq, nil, discardLogger())
	r.Register(h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	require.NoError(t, mq.Publish(ctx, domain.QueueIndexing, domain.JobIndexAppFillAttributions, struct{}{}))

	require.Eventually(t, func() bool { return len(mq.Dead()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, h.count())
	assert.Equal(t, 3, mq.Dead()[0].Attempt)
}

func TestMemoryQueueDeadLettersUnknownJobImmediately(t *testing.T) {
	mq := NewMemoryQueue(8, 5)
	r := NewRouter(mq, nil, discardLogger())
	r.Register(newRecordingHandler(domain.QueueIndexing, domain.JobIndexAppFillAttributions))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	require.NoError(t, mq.Publish(ctx, domain.QueueIndexing, "unregistered", struct{}{}))
	require.Eventually(t, func() bool { return len(mq.Dead()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, mq.Dead()[0].Attempt)
}
