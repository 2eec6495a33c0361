package domain

import "context"

// Tx is a storage transaction owned by the caller. Stores type-assert it to
// their driver's transaction type.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// FillStore persists fills.
type FillStore interface {
	// CreateFills inserts all fills inside tx and returns them with storage
	// ids assigned. Either every fill is written or none is.
	CreateFills(ctx context.Context, tx Tx, fills []Fill) ([]Fill, error)
	GetByID(ctx context.Context, id string) (Fill, error)
}

// TokenStore provides token metadata.
type TokenStore interface {
	GetByAddresses(ctx context.Context, addresses []string) ([]Token, error)
	ListResolvedAddresses(ctx context.Context) ([]string, error)
}

// RelayerStore provides relayer metadata.
type RelayerStore interface {
	GetByIDs(ctx context.Context, ids []int) ([]Relayer, error)
}

// AppStore reads the app registry. Writes are owned by the app-definition
// sync, which lives outside this service.
type AppStore interface {
	ListApps(ctx context.Context) ([]App, error)
}

// TxBeginner opens transactions for callers that own the unit of work.
type TxBeginner interface {
	Begin(ctx context.Context) (Tx, error)
}
