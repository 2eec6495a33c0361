package domain

import "fmt"

// MappingType is the role an address plays for an app. The numeric values
// match the app_mappings.type column.
type MappingType int

const (
	// MappingRelayer maps a fee-recipient address to an app.
	MappingRelayer MappingType = 0
	// MappingConsumer maps an affiliate address to an app.
	MappingConsumer MappingType = 1
)

func (t MappingType) String() string {
	switch t {
	case MappingRelayer:
		return "relayer"
	case MappingConsumer:
		return "consumer"
	default:
		return fmt.Sprintf("mapping(%d)", int(t))
	}
}

// App is a registered application that can be credited for fills.
type App struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	URLSlug  string       `json:"urlSlug"`
	Mappings []AppMapping `json:"mappings"`
}

// AppMapping associates an on-chain address with an app in a specific role.
type AppMapping struct {
	Type    MappingType `json:"type"`
	Address string      `json:"address"`
}
