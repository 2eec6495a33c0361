package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/fillindexer/internal/domain"
	"github.com/alanyoungcy/fillindexer/internal/evm"
)

// AppStore implements domain.AppStore.
type AppStore struct {
	pool *pgxpool.Pool
}

// NewAppStore creates an AppStore.
func NewAppStore(pool *pgxpool.Pool) *AppStore {
	return &AppStore{pool: pool}
}

// ListApps returns every app with its mappings, apps ordered by creation.
func (s *AppStore) ListApps(ctx context.Context) ([]domain.App, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.id::text, a.name, a.url_slug, m.type, m.address
		FROM apps a
		LEFT JOIN app_mappings m ON m.app_id = a.id
		ORDER BY a.created_at, a.id, m.type, m.address`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list apps: %w", err)
	}
	defer rows.Close()

	var (
		apps  []domain.App
		index = make(map[string]int)
	)
	for rows.Next() {
		var (
			id, name, slug string
			typ            *int16
			address        *string
		)
		if err := rows.Scan(&id, &name, &slug, &typ, &address); err != nil {
			return nil, fmt.Errorf("postgres: scan app: %w", err)
		}

		i, ok := index[id]
		if !ok {
			i = len(apps)
			index[id] = i
			apps = append(apps, domain.App{ID: id, Name: name, URLSlug: slug})
		}
		if typ != nil && address != nil {
			apps[i].Mappings = append(apps[i].Mappings, domain.AppMapping{
				Type:    domain.MappingType(*typ),
				Address: *address,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: app rows: %w", err)
	}
	return apps, nil
}

// SaveApp replaces an app and its mappings inside tx.
func (s *AppStore) SaveApp(ctx context.Context, tx domain.Tx, app domain.App) error {
	ptx, err := pgxTx(tx)
	if err != nil {
		return err
	}

	if _, err := ptx.Exec(ctx, `
		INSERT INTO apps (id, name, url_slug) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, url_slug = EXCLUDED.url_slug`,
		app.ID, app.Name, app.URLSlug); err != nil {
		return fmt.Errorf("postgres: save app %s: %w", app.ID, err)
	}
	if _, err := ptx.Exec(ctx, `DELETE FROM app_mappings WHERE app_id = $1`, app.ID); err != nil {
		return fmt.Errorf("postgres: clear mappings for %s: %w", app.ID, err)
	}
	for _, m := range app.Mappings {
		if _, err := ptx.Exec(ctx, `
			INSERT INTO app_mappings (app_id, type, address) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`,
			app.ID, int16(m.Type), evm.Normalize(m.Address)); err != nil {
			return fmt.Errorf("postgres: save mapping for %s: %w", app.ID, err)
		}
	}
	return nil
}

var _ domain.AppStore = (*AppStore)(nil)
