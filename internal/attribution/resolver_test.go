package attribution

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fillindexer/internal/domain"
)

const (
	relayerAppID  = "5980a15c-e450-40d3-8ef4-c54a37363ed0"
	consumerAppID = "449fcf3c-5f05-4cb4-b7bd-cf7c86bd6576"
	matchaAppID   = "5067df8b-f9cd-4a34-aee1-38d607100145"

	relayerAddr  = "0x4969358E80CDc3D74477D7447BFfA3B2e2aCbe92"
	consumerAddr = "0x382FFCe2287252F930E1C8DC9328dac5BF282bA1"
	matchaAddr   = "0x86003b044f70dac0abc80ac8957305b6370893ed"
)

func testApps() []domain.App {
	return []domain.App{
		{ID: relayerAppID, Name: "Relayer", Mappings: []domain.AppMapping{
			{Type: domain.MappingRelayer, Address: relayerAddr},
		}},
		{ID: consumerAppID, Name: "Consumer", Mappings: []domain.AppMapping{
			{Type: domain.MappingConsumer, Address: consumerAddr},
		}},
		{ID: matchaAppID, Name: "Matcha", Mappings: []domain.AppMapping{
			{Type: domain.MappingRelayer, Address: matchaAddr},
			{Type: domain.MappingConsumer, Address: matchaAddr},
		}},
	}
}

func TestAttribute(t *testing.T) {
	r := NewResolver(NewRegistry(testApps()))

	tests := []struct {
		name string
		fill domain.Fill
		want []domain.FillApp
	}{
		{
			name: "no match",
			fill: domain.Fill{FeeRecipient: "0x0000000000000000000000000000000000000001"},
			want: nil,
		},
		{
			name: "relayer only",
			fill: domain.Fill{FeeRecipient: relayerAddr},
			want: []domain.FillApp{{AppID: relayerAppID, Type: domain.MappingRelayer}},
		},
		{
			name: "relayer and consumer",
			fill: domain.Fill{FeeRecipient: relayerAddr, AffiliateAddress: consumerAddr},
			want: []domain.FillApp{
				{AppID: relayerAppID, Type: domain.MappingRelayer},
				{AppID: consumerAppID, Type: domain.MappingConsumer},
			},
		},
		{
			name: "address case is ignored",
			fill: domain.Fill{FeeRecipient: "0x4969358e80cdc3d74477d7447bffa3b2e2acbe92"},
			want: []domain.FillApp{{AppID: relayerAppID, Type: domain.MappingRelayer}},
		},
		{
			name: "affiliate does not match relayer mapping",
			fill: domain.Fill{FeeRecipient: consumerAddr, AffiliateAddress: relayerAddr},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Attribute(tt.fill)
			assert.Equal(t, tt.want, got.Apps)
		})
	}
}

func TestAttributeReplacesExistingApps(t *testing.T) {
	r := NewResolver(nil)
	got := r.Attribute(domain.Fill{Apps: []domain.FillApp{{AppID: "stale"}}})
	assert.Empty(t, got.Apps)
}

func TestEntriesForFill(t *testing.T) {
	vol := decimal.NewFromInt(1520)

	t.Run("no apps", func(t *testing.T) {
		assert.Nil(t, EntriesForFill(domain.Fill{}))
	})

	t.Run("relayer and consumer with volume", func(t *testing.T) {
		entries := EntriesForFill(domain.Fill{
			Volume: &vol,
			Apps: []domain.FillApp{
				{AppID: relayerAppID, Type: domain.MappingRelayer},
				{AppID: consumerAppID, Type: domain.MappingConsumer},
			},
		})
		require.Len(t, entries, 2)

		assert.Equal(t, relayerAppID, entries[0].AppID)
		assert.Equal(t, 1, *entries[0].RelayedTrades)
		assert.Equal(t, 1520.0, *entries[0].RelayedVolume)
		assert.Nil(t, entries[0].SourcedTrades)
		assert.Nil(t, entries[0].SourcedVolume)
		assert.Equal(t, 1, *entries[0].TotalTrades)
		assert.Equal(t, 1520.0, *entries[0].TotalVolume)

		assert.Equal(t, consumerAppID, entries[1].AppID)
		assert.Equal(t, 1, *entries[1].SourcedTrades)
		assert.Equal(t, 1520.0, *entries[1].SourcedVolume)
		assert.Nil(t, entries[1].RelayedTrades)
		assert.Equal(t, 1, *entries[1].TotalTrades)
	})

	t.Run("unknown volume leaves volume fields absent", func(t *testing.T) {
		entries := EntriesForFill(domain.Fill{
			Apps: []domain.FillApp{{AppID: relayerAppID, Type: domain.MappingRelayer}},
		})
		require.Len(t, entries, 1)
		assert.Nil(t, entries[0].RelayedVolume)
		assert.Nil(t, entries[0].TotalVolume)
		assert.Equal(t, 1, *entries[0].TotalTrades)
	})

	t.Run("app in both roles yields one entry", func(t *testing.T) {
		r := NewResolver(NewRegistry(testApps()))
		fill := r.Attribute(domain.Fill{FeeRecipient: matchaAddr, AffiliateAddress: matchaAddr, Volume: &vol})
		require.Len(t, fill.Apps, 2)

		entries := EntriesForFill(fill)
		require.Len(t, entries, 1)
		e := entries[0]
		assert.Equal(t, matchaAppID, e.AppID)
		assert.Equal(t, 1, *e.RelayedTrades)
		assert.Equal(t, 1, *e.SourcedTrades)
		assert.Equal(t, 1, *e.TotalTrades)
		assert.Equal(t, 1520.0, *e.TotalVolume)
	})
}

type stubAppStore struct {
	apps []domain.App
	err  error
}

func (s *stubAppStore) ListApps(context.Context) ([]domain.App, error) {
	return s.apps, s.err
}

func TestRegistryLoaderRefresh(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := &stubAppStore{apps: testApps()}
	r := NewResolver(nil)
	loader := NewRegistryLoader(store, r, logger)

	require.NoError(t, loader.Refresh(context.Background()))
	assert.Equal(t, 3, r.Registry().Len())
	assert.WithinDuration(t, time.Now(), loader.LastLoad(), time.Second)

	id, ok := r.Registry().Lookup(domain.MappingConsumer, consumerAddr)
	require.True(t, ok)
	assert.Equal(t, consumerAppID, id)

	store.err = errors.New("db down")
	err := loader.Refresh(context.Background())
	require.Error(t, err)
	// A failed refresh keeps the previous snapshot.
	assert.Equal(t, 3, r.Registry().Len())
}
