// Package attribution decides which registered apps are credited for a fill
// and derives the per-app metrics published for indexing.
package attribution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/fillindexer/internal/domain"
	"github.com/alanyoungcy/fillindexer/internal/evm"
)

// Registry is an immutable snapshot of app mappings keyed by role and
// normalized address.
type Registry struct {
	byRole map[domain.MappingType]map[string]string
	apps   int
}

// NewRegistry indexes the mappings of apps. When two apps claim the same
// address in the same role the first one listed wins.
func NewRegistry(apps []domain.App) *Registry {
	r := &Registry{
		byRole: map[domain.MappingType]map[string]string{
			domain.MappingRelayer:  {},
			domain.MappingConsumer: {},
		},
		apps: len(apps),
	}
	for _, app := range apps {
		for _, m := range app.Mappings {
			idx, ok := r.byRole[m.Type]
			if !ok {
				continue
			}
			addr := evm.Normalize(m.Address)
			if addr == "" {
				continue
			}
			if _, taken := idx[addr]; taken {
				continue
			}
			idx[addr] = app.ID
		}
	}
	return r
}

// Lookup returns the app mapped to address in the given role.
func (r *Registry) Lookup(role domain.MappingType, address string) (string, bool) {
	if r == nil {
		return "", false
	}
	addr := evm.Normalize(address)
	if addr == "" {
		return "", false
	}
	id, ok := r.byRole[role][addr]
	return id, ok
}

// Len returns the number of apps the registry was built from.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return r.apps
}

// RegistryLoader keeps a Resolver's registry in sync with the app store.
type RegistryLoader struct {
	store    domain.AppStore
	resolver *Resolver
	logger   *slog.Logger

	mu       sync.Mutex
	lastLoad time.Time
}

// NewRegistryLoader creates a RegistryLoader.
func NewRegistryLoader(store domain.AppStore, resolver *Resolver, logger *slog.Logger) *RegistryLoader {
	return &RegistryLoader{
		store:    store,
		resolver: resolver,
		logger:   logger.With(slog.String("component", "app_registry")),
	}
}

// Refresh reloads all apps and swaps the resolver's registry.
func (l *RegistryLoader) Refresh(ctx context.Context) error {
	apps, err := l.store.ListApps(ctx)
	if err != nil {
		return fmt.Errorf("attribution: load apps: %w", err)
	}
	l.resolver.SetRegistry(NewRegistry(apps))

	l.mu.Lock()
	l.lastLoad = time.Now()
	l.mu.Unlock()

	l.logger.DebugContext(ctx, "app registry refreshed", slog.Int("apps", len(apps)))
	return nil
}

// RunLoop refreshes on start and then every interval until ctx is done.
func (l *RegistryLoader) RunLoop(ctx context.Context, interval time.Duration) error {
	if err := l.Refresh(ctx); err != nil {
		l.logger.Error("app registry refresh failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("app registry loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := l.Refresh(ctx); err != nil {
				l.logger.Error("app registry refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

// LastLoad returns when the registry was last refreshed successfully.
func (l *RegistryLoader) LastLoad() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastLoad
}
