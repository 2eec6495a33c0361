package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/fillindexer/internal/attribution"
	"github.com/alanyoungcy/fillindexer/internal/domain"
	"github.com/alanyoungcy/fillindexer/internal/evm"
	"github.com/alanyoungcy/fillindexer/internal/metrics"
)

// DefaultCoalesceWindow is the delay applied to per-fill follow-up work.
const DefaultCoalesceWindow = 30 * time.Second

// Attributor tags a fill with the apps it is credited to.
type Attributor interface {
	Attribute(fill domain.Fill) domain.Fill
}

// TokenChecker answers whether a token's metadata is already known.
type TokenChecker interface {
	CheckTokenResolved(address string) bool
}

// FillScheduler schedules the per-fill follow-up work.
type FillScheduler interface {
	IndexFill(ctx context.Context, fillID string, window time.Duration) error
	IndexTradedTokens(ctx context.Context, fill domain.Fill) error
	ConvertProtocolFee(ctx context.Context, fill domain.Fill, window time.Duration) error
	ConvertRelayerFees(ctx context.Context, fillID string, window time.Duration) error
}

// IngestorConfig tunes the FillIngestor.
type IngestorConfig struct {
	// Window is passed to the delayed schedulers. Zero means
	// DefaultCoalesceWindow.
	Window time.Duration
	// FanOutConcurrency caps concurrent fan-out actions. Zero is unlimited.
	FanOutConcurrency int
}

// FillIngestor persists batches of fills and fans out their side effects.
type FillIngestor struct {
	attributor Attributor
	tokens     TokenChecker
	fills      domain.FillStore
	tokenStore domain.TokenStore
	relayers   domain.RelayerStore
	scheduler  FillScheduler
	publisher  domain.JobPublisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	cfg        IngestorConfig
}

// IngestorDeps groups the collaborators of a FillIngestor.
type IngestorDeps struct {
	Attributor Attributor
	Tokens     TokenChecker
	Fills      domain.FillStore
	TokenStore domain.TokenStore
	Relayers   domain.RelayerStore
	Scheduler  FillScheduler
	Publisher  domain.JobPublisher
	Metrics    *metrics.Metrics
}

// NewFillIngestor creates a FillIngestor.
func NewFillIngestor(deps IngestorDeps, cfg IngestorConfig, logger *slog.Logger) *FillIngestor {
	if cfg.Window <= 0 {
		cfg.Window = DefaultCoalesceWindow
	}
	return &FillIngestor{
		attributor: deps.Attributor,
		tokens:     deps.Tokens,
		fills:      deps.Fills,
		tokenStore: deps.TokenStore,
		relayers:   deps.Relayers,
		scheduler:  deps.Scheduler,
		publisher:  deps.Publisher,
		metrics:    deps.Metrics,
		logger:     logger.With(slog.String("component", "fill_ingestor")),
		cfg:        cfg,
	}
}

// CreateFills attributes, persists and fans out a batch of fills. The batch
// is written inside tx, which the caller commits or rolls back. Errors wrap
// domain.ErrPersistence when nothing was written and domain.ErrFanOut when
// rows exist but a follow-up action failed. Fills without an id get
// domain.FillID, so retrying a failed batch reissues its follow-up work under
// the same ids.
func (p *FillIngestor) CreateFills(ctx context.Context, fills []domain.Fill, tx domain.Tx) error {
	if len(fills) == 0 {
		return nil
	}
	start := time.Now()

	prepared := make([]domain.Fill, len(fills))
	for i, fill := range fills {
		if fill.ID == "" {
			fill.ID = domain.FillID(fill.TransactionHash, fill.LogIndex)
		}
		fill = p.attributor.Attribute(fill)
		fill.Assets = p.withTokenStatus(fill.Assets)
		prepared[i] = fill
	}

	created, err := p.fills.CreateFills(ctx, tx, prepared)
	if err != nil {
		p.metrics.ObserveIngestBatch("persistence_error", time.Since(start))
		return fmt.Errorf("pipeline: create %d fills: %w: %w", len(prepared), domain.ErrPersistence, err)
	}

	populated, err := p.populate(ctx, created)
	if err != nil {
		p.metrics.ObserveIngestBatch("persistence_error", time.Since(start))
		return fmt.Errorf("pipeline: populate %d fills: %w: %w", len(created), domain.ErrPersistence, err)
	}
	p.metrics.RecordFillsIngested(len(populated))

	if err := p.fanOut(ctx, populated); err != nil {
		p.metrics.ObserveIngestBatch("fanout_error", time.Since(start))
		return err
	}

	p.metrics.ObserveIngestBatch("ok", time.Since(start))
	p.logger.InfoContext(ctx, "fills created",
		slog.Int("fills", len(populated)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (p *FillIngestor) withTokenStatus(assets []domain.FillAsset) []domain.FillAsset {
	if len(assets) == 0 {
		return assets
	}
	out := make([]domain.FillAsset, len(assets))
	for i, a := range assets {
		a.TokenResolved = p.tokens.CheckTokenResolved(a.TokenAddress)
		out[i] = a
	}
	return out
}

// populate attaches relayers and tokens to created fills. Tokens are matched
// to each asset and fee by address; entries with no known token keep a nil
// Token.
func (p *FillIngestor) populate(ctx context.Context, fills []domain.Fill) ([]domain.Fill, error) {
	relayerIDs := make([]int, 0)
	seenRelayer := make(map[int]struct{})
	var addresses []string
	seenToken := make(map[string]struct{})

	for _, f := range fills {
		if f.RelayerID != nil {
			if _, ok := seenRelayer[*f.RelayerID]; !ok {
				seenRelayer[*f.RelayerID] = struct{}{}
				relayerIDs = append(relayerIDs, *f.RelayerID)
			}
		}
		for _, addr := range f.TokenAddresses() {
			key := evm.Normalize(addr)
			if _, ok := seenToken[key]; ok {
				continue
			}
			seenToken[key] = struct{}{}
			addresses = append(addresses, addr)
		}
	}

	relayersByID := make(map[int]domain.Relayer)
	if len(relayerIDs) > 0 {
		relayers, err := p.relayers.GetByIDs(ctx, relayerIDs)
		if err != nil {
			return nil, fmt.Errorf("load relayers: %w", err)
		}
		for _, r := range relayers {
			relayersByID[r.ID] = r
		}
	}

	tokensByAddr := make(map[string]domain.Token)
	if len(addresses) > 0 {
		tokens, err := p.tokenStore.GetByAddresses(ctx, addresses)
		if err != nil {
			return nil, fmt.Errorf("load tokens: %w", err)
		}
		for _, t := range tokens {
			tokensByAddr[evm.Normalize(t.Address)] = t
		}
	}

	out := make([]domain.Fill, len(fills))
	for i, f := range fills {
		if f.RelayerID != nil {
			if r, ok := relayersByID[*f.RelayerID]; ok {
				f.Relayer = &r
			}
		}

		assets := make([]domain.FillAsset, len(f.Assets))
		for j, a := range f.Assets {
			a.Token = lookupToken(tokensByAddr, a.TokenAddress)
			assets[j] = a
		}
		f.Assets = assets

		if len(f.Fees) > 0 {
			fees := make([]domain.FillFee, len(f.Fees))
			for j, fee := range f.Fees {
				fee.Token = lookupToken(tokensByAddr, fee.TokenAddress)
				fees[j] = fee
			}
			f.Fees = fees
		}
		out[i] = f
	}
	return out, nil
}

func lookupToken(byAddr map[string]domain.Token, address string) *domain.Token {
	t, ok := byAddr[evm.Normalize(address)]
	if !ok {
		return nil
	}
	return &t
}

type fanOutAction struct {
	name domain.JobName
	run  func(ctx context.Context) error
}

// actionsFor lists the side effects owed by a single created fill.
func (p *FillIngestor) actionsFor(fill domain.Fill) []fanOutAction {
	window := p.cfg.Window
	actions := []fanOutAction{
		{domain.JobIndexFill, func(ctx context.Context) error {
			return p.scheduler.IndexFill(ctx, fill.ID, window)
		}},
		{domain.JobIndexTradedTokens, func(ctx context.Context) error {
			return p.scheduler.IndexTradedTokens(ctx, fill)
		}},
	}

	if fill.HasProtocolFee() {
		actions = append(actions, fanOutAction{domain.JobConvertProtocolFee, func(ctx context.Context) error {
			return p.scheduler.ConvertProtocolFee(ctx, fill, window)
		}})
	}

	if fill.HasRelayerFees() {
		actions = append(actions, fanOutAction{domain.JobConvertRelayerFees, func(ctx context.Context) error {
			return p.scheduler.ConvertRelayerFees(ctx, fill.ID, window)
		}})
	}

	if len(fill.Apps) > 0 {
		actions = append(actions, fanOutAction{domain.JobIndexAppFillAttributions, func(ctx context.Context) error {
			job := domain.AttributionJob{
				Date:         fill.Date,
				FillID:       fill.ID,
				Attributions: attribution.EntriesForFill(fill),
			}
			jobID := string(domain.JobIndexAppFillAttributions) + ":" + fill.ID
			if err := p.publisher.Publish(ctx, domain.QueueIndexing, domain.JobIndexAppFillAttributions, job, domain.WithJobID(jobID)); err != nil {
				return err
			}
			p.metrics.RecordAttributionJob()
			return nil
		}})
	}
	return actions
}

// fanOut runs every action of every fill concurrently and fails on the first
// error.
func (p *FillIngestor) fanOut(ctx context.Context, fills []domain.Fill) error {
	g, gctx := errgroup.WithContext(ctx)
	if p.cfg.FanOutConcurrency > 0 {
		g.SetLimit(p.cfg.FanOutConcurrency)
	}

	for _, fill := range fills {
		for _, action := range p.actionsFor(fill) {
			fillID := fill.ID
			g.Go(func() error {
				if err := action.run(gctx); err != nil {
					p.metrics.RecordFanOutFailure(string(action.name))
					p.logger.ErrorContext(ctx, "fill fan-out action failed",
						slog.String("fill_id", fillID),
						slog.String("action", string(action.name)),
						slog.String("error", err.Error()),
					)
					return fmt.Errorf("pipeline: %s for fill %s: %w: %w", action.name, fillID, domain.ErrFanOut, err)
				}
				return nil
			})
		}
	}
	return g.Wait()
}
