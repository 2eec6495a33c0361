package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fillindexer/internal/attribution"
	"github.com/alanyoungcy/fillindexer/internal/config"
	"github.com/alanyoungcy/fillindexer/internal/domain"
	"github.com/alanyoungcy/fillindexer/internal/pipeline"
	"github.com/alanyoungcy/fillindexer/internal/queue"
	"github.com/alanyoungcy/fillindexer/internal/schedule"
	"github.com/alanyoungcy/fillindexer/internal/service"
	"github.com/alanyoungcy/fillindexer/internal/tokens"
)

const (
	testAppID   = "5980a15c-e450-40d3-8ef4-c54a37363ed0"
	testRelayer = "0x4969358e80cdc3d74477d7447bffa3b2e2acbe92"
)

type nopTx struct{}

func (nopTx) Commit(context.Context) error   { return nil }
func (nopTx) Rollback(context.Context) error { return nil }

type nopTxs struct{}

func (nopTxs) Begin(context.Context) (domain.Tx, error) { return nopTx{}, nil }

type memFillStore struct {
	mu    sync.Mutex
	fills []domain.Fill
}

func (s *memFillStore) CreateFills(_ context.Context, _ domain.Tx, fills []domain.Fill) ([]domain.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Fill, len(fills))
	for i, f := range fills {
		s.fills = append(s.fills, f)
		out[i] = f
	}
	return out, nil
}

func (s *memFillStore) GetByID(context.Context, string) (domain.Fill, error) {
	return domain.Fill{}, domain.ErrNotFound
}

type memTokenStore struct{}

func (memTokenStore) GetByAddresses(context.Context, []string) ([]domain.Token, error) {
	return nil, nil
}

func (memTokenStore) ListResolvedAddresses(context.Context) ([]string, error) { return nil, nil }

type memRelayerStore struct{}

func (memRelayerStore) GetByIDs(context.Context, []int) ([]domain.Relayer, error) { return nil, nil }

type memAppStore struct{}

func (memAppStore) ListApps(context.Context) ([]domain.App, error) {
	return []domain.App{{
		ID:       testAppID,
		Name:     "Matcha",
		Mappings: []domain.AppMapping{{Type: domain.MappingRelayer, Address: testRelayer}},
	}}, nil
}

type recordingIndex struct {
	mu   sync.Mutex
	docs []domain.UpsertDoc
}

func (r *recordingIndex) BulkUpsert(_ context.Context, _ string, docs []domain.UpsertDoc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, docs...)
	return nil
}

func (r *recordingIndex) snapshot() []domain.UpsertDoc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.UpsertDoc(nil), r.docs...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memoryDeps wires the ingest and consume paths over in-memory backends.
func memoryDeps(index domain.SearchIndex) (*Dependencies, *queue.MemoryQueue) {
	logger := testLogger()
	q := queue.NewMemoryQueue(64, 3)
	resolver := attribution.NewResolver(attribution.NewRegistry(nil))
	coalescer := schedule.NewMemoryCoalescer()
	tokenCache := tokens.NewResolutionCache(memTokenStore{}, logger)
	fills := &memFillStore{}

	deps := &Dependencies{
		Txs:             nopTxs{},
		FillStore:       fills,
		TokenStore:      memTokenStore{},
		RelayerStore:    memRelayerStore{},
		AppStore:        memAppStore{},
		Publisher:       q,
		Source:          q,
		Resolver:        resolver,
		RegistryLoader:  attribution.NewRegistryLoader(memAppStore{}, resolver, logger),
		TokenCache:      tokenCache,
		Coalescer:       coalescer,
		MemoryCoalescer: coalescer,
		Scheduler:       schedule.New(schedule.NewQueueDispatcher(q), coalescer, nil, logger),
		Aggregator:      service.NewAttributionAggregator(index, service.DefaultAttributionIndex, nil, logger),
	}
	deps.Ingestor = pipeline.NewFillIngestor(pipeline.IngestorDeps{
		Attributor: resolver,
		Tokens:     tokenCache,
		Fills:      fills,
		TokenStore: memTokenStore{},
		Relayers:   memRelayerStore{},
		Scheduler:  deps.Scheduler,
		Publisher:  q,
	}, pipeline.IngestorConfig{}, logger)
	return deps, q
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Queue.Backend = "memory"
	cfg.Schedule.Coalescer = "memory"
	cfg.Server.Enabled = false
	return &cfg
}

const batch = `{"date":"2020-08-02T07:47:28Z","transactionHash":"0xabc","logIndex":3,"feeRecipient":"0x4969358E80CDC3D74477D7447BFFA3B2E2ACBE92","volume":"12.5",
 "assets":[{"tokenAddress":"0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2","amount":"1","actor":"maker"},{"tokenAddress":"0xe41d2489571d322189246dafa5ebde1f4699f498","amount":"40","actor":"taker"}]}
`

func TestIngestThenConsume(t *testing.T) {
	index := &recordingIndex{}
	deps, q := memoryDeps(index)
	a := New(testConfig(), testLogger())

	path := filepath.Join(t.TempDir(), "fills.ndjson")
	require.NoError(t, os.WriteFile(path, []byte(batch), 0o600))

	require.NoError(t, a.IngestMode(context.Background(), deps, IngestOptions{File: path}))

	assert.Equal(t, 1, q.Len(domain.QueueIndexing))
	assert.Equal(t, 1, q.Len(domain.QueueFillIndexing))
	assert.Equal(t, 1, q.Len(domain.QueueTradedTokenIndexing))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.ConsumeMode(ctx, deps) }()

	require.Eventually(t, func() bool { return len(index.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	doc := index.snapshot()[0]
	assert.Equal(t, testAppID+"_"+domain.FillID("0xabc", 3), doc.ID)
	assert.Empty(t, q.Dead())
}

func TestIngestWithoutSourceFails(t *testing.T) {
	deps, _ := memoryDeps(&recordingIndex{})
	a := New(testConfig(), testLogger())

	err := a.IngestMode(context.Background(), deps, IngestOptions{})
	assert.ErrorContains(t, err, "no batch source")
}

func TestWatchRejectsFileSource(t *testing.T) {
	deps, _ := memoryDeps(&recordingIndex{})
	a := New(testConfig(), testLogger())

	err := a.IngestMode(context.Background(), deps, IngestOptions{File: "fills.json", Watch: time.Second})
	assert.ErrorContains(t, err, "requires an S3 source")
}

func TestMemoryQueueRejectedOutsideRunMode(t *testing.T) {
	a := New(testConfig(), testLogger())
	for _, mode := range []string{"ingest", "consume"} {
		err := a.Run(context.Background(), mode, IngestOptions{File: "fills.json"})
		assert.ErrorContains(t, err, "use run mode")
	}
}
