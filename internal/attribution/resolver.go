package attribution

import (
	"sync/atomic"

	"github.com/alanyoungcy/fillindexer/internal/domain"
)

// Resolver tags fills with the apps they should be credited to. It is safe
// for concurrent use; the registry can be swapped while fills are resolved.
type Resolver struct {
	registry atomic.Pointer[Registry]
}

// NewResolver creates a Resolver over reg. A nil registry matches nothing.
func NewResolver(reg *Registry) *Resolver {
	r := &Resolver{}
	if reg == nil {
		reg = NewRegistry(nil)
	}
	r.registry.Store(reg)
	return r
}

// SetRegistry replaces the registry used for subsequent calls.
func (r *Resolver) SetRegistry(reg *Registry) {
	if reg == nil {
		reg = NewRegistry(nil)
	}
	r.registry.Store(reg)
}

// Registry returns the current snapshot.
func (r *Resolver) Registry() *Registry {
	return r.registry.Load()
}

// Attribute returns fill with Apps set. The fee recipient is matched against
// relayer mappings and the affiliate address against consumer mappings.
// Any previous Apps value is replaced.
func (r *Resolver) Attribute(fill domain.Fill) domain.Fill {
	reg := r.registry.Load()

	var apps []domain.FillApp
	if id, ok := reg.Lookup(domain.MappingRelayer, fill.FeeRecipient); ok {
		apps = append(apps, domain.FillApp{AppID: id, Type: domain.MappingRelayer})
	}
	if fill.AffiliateAddress != "" {
		if id, ok := reg.Lookup(domain.MappingConsumer, fill.AffiliateAddress); ok {
			apps = append(apps, domain.FillApp{AppID: id, Type: domain.MappingConsumer})
		}
	}
	fill.Apps = apps
	return fill
}

// EntriesForFill derives one attribution entry per distinct app on the fill,
// in the order the apps first appear. Volume fields are only set when the
// fill's USD volume is known.
func EntriesForFill(fill domain.Fill) []domain.AttributionEntry {
	if len(fill.Apps) == 0 {
		return nil
	}

	var volume *float64
	if fill.Volume != nil {
		v := fill.Volume.InexactFloat64()
		volume = &v
	}

	entries := make([]domain.AttributionEntry, 0, len(fill.Apps))
	index := make(map[string]int, len(fill.Apps))

	for _, app := range fill.Apps {
		i, ok := index[app.AppID]
		if !ok {
			entries = append(entries, domain.AttributionEntry{
				AppID:       app.AppID,
				TotalTrades: one(),
				TotalVolume: copyFloat(volume),
			})
			i = len(entries) - 1
			index[app.AppID] = i
		}

		e := &entries[i]
		switch app.Type {
		case domain.MappingRelayer:
			e.RelayedTrades = one()
			e.RelayedVolume = copyFloat(volume)
		case domain.MappingConsumer:
			e.SourcedTrades = one()
			e.SourcedVolume = copyFloat(volume)
		}
	}
	return entries
}

func one() *int {
	n := 1
	return &n
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
