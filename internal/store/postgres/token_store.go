package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/fillindexer/internal/domain"
	"github.com/alanyoungcy/fillindexer/internal/evm"
)

// TokenStore implements domain.TokenStore.
type TokenStore struct {
	pool *pgxpool.Pool
}

// NewTokenStore creates a TokenStore.
func NewTokenStore(pool *pgxpool.Pool) *TokenStore {
	return &TokenStore{pool: pool}
}

func normalizeAll(addresses []string) []string {
	out := make([]string, len(addresses))
	for i, a := range addresses {
		out[i] = evm.Normalize(a)
	}
	return out
}

// GetByAddresses returns the known tokens among addresses. Unknown
// addresses are absent from the result.
func (s *TokenStore) GetByAddresses(ctx context.Context, addresses []string) ([]domain.Token, error) {
	if len(addresses) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT address, COALESCE(name, ''), COALESCE(symbol, ''), decimals, type, resolved
		FROM tokens WHERE address = ANY($1)`, normalizeAll(addresses))
	if err != nil {
		return nil, fmt.Errorf("postgres: get tokens: %w", err)
	}
	defer rows.Close()

	var out []domain.Token
	for rows.Next() {
		var (
			t   domain.Token
			typ int16
		)
		if err := rows.Scan(&t.Address, &t.Name, &t.Symbol, &t.Decimals, &typ, &t.Resolved); err != nil {
			return nil, fmt.Errorf("postgres: scan token: %w", err)
		}
		t.Type = int(typ)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: token rows: %w", err)
	}
	return out, nil
}

// ListResolvedAddresses returns every token address whose metadata is
// resolved.
func (s *TokenStore) ListResolvedAddresses(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT address FROM tokens WHERE resolved`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resolved tokens: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("postgres: scan resolved token: %w", err)
		}
		out = append(out, addr)
	}
	return out, rows.Err()
}

// Upsert inserts or replaces token metadata.
func (s *TokenStore) Upsert(ctx context.Context, t domain.Token) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tokens (address, name, symbol, decimals, type, resolved, updated_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, NOW())
		ON CONFLICT (address) DO UPDATE SET
			name = EXCLUDED.name,
			symbol = EXCLUDED.symbol,
			decimals = EXCLUDED.decimals,
			type = EXCLUDED.type,
			resolved = EXCLUDED.resolved,
			updated_at = NOW()`,
		evm.Normalize(t.Address), t.Name, t.Symbol, t.Decimals, t.Type, t.Resolved)
	if err != nil {
		return fmt.Errorf("postgres: upsert token %s: %w", t.Address, err)
	}
	return nil
}

var _ domain.TokenStore = (*TokenStore)(nil)
