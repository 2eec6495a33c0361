package tokens

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fillindexer/internal/domain"
)

type MockTokenStore struct {
	mock.Mock
}

func (m *MockTokenStore) GetByAddresses(ctx context.Context, addresses []string) ([]domain.Token, error) {
	args := m.Called(ctx, addresses)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Token), args.Error(1)
}

func (m *MockTokenStore) ListResolvedAddresses(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

const weth = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"

func newTestCache(store domain.TokenStore) *ResolutionCache {
	return NewResolutionCache(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCheckTokenResolved(t *testing.T) {
	ctx := context.Background()
	store := new(MockTokenStore)
	store.On("ListResolvedAddresses", ctx).Return([]string{weth}, nil).Once()

	c := newTestCache(store)
	assert.False(t, c.CheckTokenResolved(weth), "empty cache reports unresolved")

	require.NoError(t, c.Refresh(ctx))
	assert.True(t, c.CheckTokenResolved(weth))
	assert.True(t, c.CheckTokenResolved("0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"))
	assert.False(t, c.CheckTokenResolved("0x0000000000000000000000000000000000000001"))
	assert.Equal(t, 1, c.Len())
	store.AssertExpectations(t)
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	store := new(MockTokenStore)
	store.On("ListResolvedAddresses", ctx).Return([]string{weth}, nil).Once()
	store.On("ListResolvedAddresses", ctx).Return(nil, errors.New("timeout")).Once()

	c := newTestCache(store)
	require.NoError(t, c.Refresh(ctx))
	require.Error(t, c.Refresh(ctx))
	assert.True(t, c.CheckTokenResolved(weth))
}

func TestMarkResolved(t *testing.T) {
	c := newTestCache(new(MockTokenStore))
	c.MarkResolved(weth, "")
	assert.True(t, c.CheckTokenResolved(weth))
	assert.Equal(t, 1, c.Len())
}
