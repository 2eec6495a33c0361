package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/fillindexer/internal/domain"
)

// RelayerStore implements domain.RelayerStore.
type RelayerStore struct {
	pool *pgxpool.Pool
}

// NewRelayerStore creates a RelayerStore.
func NewRelayerStore(pool *pgxpool.Pool) *RelayerStore {
	return &RelayerStore{pool: pool}
}

// GetByIDs returns the relayers with the given ids, ordered by id.
func (s *RelayerStore) GetByIDs(ctx context.Context, ids []int) ([]domain.Relayer, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ids32 := make([]int32, len(ids))
	for i, id := range ids {
		ids32[i] = int32(id)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, name, url_slug, COALESCE(image_url, ''), fee_recipients
		FROM relayers WHERE id = ANY($1) ORDER BY id`, ids32)
	if err != nil {
		return nil, fmt.Errorf("postgres: get relayers: %w", err)
	}
	defer rows.Close()

	var out []domain.Relayer
	for rows.Next() {
		var (
			r  domain.Relayer
			id int32
		)
		if err := rows.Scan(&id, &r.Name, &r.URLSlug, &r.ImageURL, &r.FeeRecipients); err != nil {
			return nil, fmt.Errorf("postgres: scan relayer: %w", err)
		}
		r.ID = int(id)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: relayer rows: %w", err)
	}
	return out, nil
}

// Upsert inserts or replaces a relayer.
func (s *RelayerStore) Upsert(ctx context.Context, r domain.Relayer) error {
	recipients := r.FeeRecipients
	if recipients == nil {
		recipients = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relayers (id, name, url_slug, image_url, fee_recipients)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			url_slug = EXCLUDED.url_slug,
			image_url = EXCLUDED.image_url,
			fee_recipients = EXCLUDED.fee_recipients`,
		r.ID, r.Name, r.URLSlug, r.ImageURL, normalizeAll(recipients))
	if err != nil {
		return fmt.Errorf("postgres: upsert relayer %d: %w", r.ID, err)
	}
	return nil
}

var _ domain.RelayerStore = (*RelayerStore)(nil)
