package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fillindexer/internal/domain"
	"github.com/alanyoungcy/fillindexer/internal/evm"
)

// FillStore implements domain.FillStore.
type FillStore struct {
	pool *pgxpool.Pool
}

// NewFillStore creates a FillStore.
func NewFillStore(pool *pgxpool.Pool) *FillStore {
	return &FillStore{pool: pool}
}

const (
	insertFill = `
		INSERT INTO fills (
			id, date, transaction_hash, log_index, block_number, protocol_version,
			order_hash, maker, taker, fee_recipient, affiliate_address, sender_address,
			relayer_id, protocol_fee, volume
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15
		)`
	insertAsset = `
		INSERT INTO fill_assets (
			fill_id, position, token_address, token_id, amount, actor, value, token_resolved
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	insertFee = `
		INSERT INTO fill_fees (
			fill_id, position, token_address, token_id, amount, trader_type
		) VALUES ($1, $2, $3, $4, $5, $6)`
	insertFillApp = `
		INSERT INTO fill_apps (fill_id, app_id, type) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`
)

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullDecimal(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

// CreateFills writes fills with their assets, fees and app attributions in
// one batch on tx. Fills without an id get domain.FillID. A duplicate
// (transaction_hash, log_index) fails the whole batch.
func (s *FillStore) CreateFills(ctx context.Context, tx domain.Tx, fills []domain.Fill) ([]domain.Fill, error) {
	if len(fills) == 0 {
		return nil, nil
	}
	ptx, err := pgxTx(tx)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Fill, len(fills))
	batch := &pgx.Batch{}
	for i, f := range fills {
		if f.ID == "" {
			f.ID = domain.FillID(f.TransactionHash, f.LogIndex)
		}
		out[i] = f

		batch.Queue(insertFill,
			f.ID, f.Date, f.TransactionHash, f.LogIndex, f.BlockNumber, f.ProtocolVersion,
			nullString(f.OrderHash), evm.Normalize(f.Maker), evm.Normalize(f.Taker),
			evm.Normalize(f.FeeRecipient), nullString(evm.Normalize(f.AffiliateAddress)),
			nullString(evm.Normalize(f.SenderAddress)),
			f.RelayerID, f.ProtocolFee, f.Volume,
		)
		for pos, a := range f.Assets {
			batch.Queue(insertAsset,
				f.ID, pos, evm.Normalize(a.TokenAddress), nullString(a.TokenID),
				a.Amount, string(a.Actor), a.Value, a.TokenResolved,
			)
		}
		for pos, fee := range f.Fees {
			batch.Queue(insertFee,
				f.ID, pos, evm.Normalize(fee.TokenAddress), nullString(fee.TokenID),
				fee.Amount, string(fee.TraderType),
			)
		}
		for _, app := range f.Apps {
			batch.Queue(insertFillApp, f.ID, app.AppID, int(app.Type))
		}
	}

	br := ptx.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return nil, fmt.Errorf("postgres: insert fill batch statement %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("postgres: close fill batch: %w", err)
	}
	return out, nil
}

// GetByID loads a fill with its assets, fees and app attributions. Token
// and relayer relations are left unpopulated.
func (s *FillStore) GetByID(ctx context.Context, id string) (domain.Fill, error) {
	var (
		f                            domain.Fill
		orderHash, affiliate, sender *string
		protocolFee, volume          decimal.NullDecimal
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, date, transaction_hash, log_index, block_number, protocol_version,
		       order_hash, maker, taker, fee_recipient, affiliate_address, sender_address,
		       relayer_id, protocol_fee, volume
		FROM fills WHERE id = $1`, id,
	).Scan(
		&f.ID, &f.Date, &f.TransactionHash, &f.LogIndex, &f.BlockNumber, &f.ProtocolVersion,
		&orderHash, &f.Maker, &f.Taker, &f.FeeRecipient, &affiliate, &sender,
		&f.RelayerID, &protocolFee, &volume,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Fill{}, fmt.Errorf("postgres: fill %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Fill{}, fmt.Errorf("postgres: get fill %s: %w", id, err)
	}
	f.Date = f.Date.UTC()
	f.OrderHash = derefString(orderHash)
	f.AffiliateAddress = derefString(affiliate)
	f.SenderAddress = derefString(sender)
	f.ProtocolFee = nullDecimal(protocolFee)
	f.Volume = nullDecimal(volume)

	if f.Assets, err = s.assets(ctx, id); err != nil {
		return domain.Fill{}, err
	}
	if f.Fees, err = s.fees(ctx, id); err != nil {
		return domain.Fill{}, err
	}
	if f.Apps, err = s.apps(ctx, id); err != nil {
		return domain.Fill{}, err
	}
	return f, nil
}

func (s *FillStore) assets(ctx context.Context, id string) ([]domain.FillAsset, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT token_address, token_id, amount, actor, value, token_resolved
		FROM fill_assets WHERE fill_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: list assets for %s: %w", id, err)
	}
	defer rows.Close()

	var out []domain.FillAsset
	for rows.Next() {
		var (
			a       domain.FillAsset
			tokenID *string
			actor   string
			value   decimal.NullDecimal
		)
		if err := rows.Scan(&a.TokenAddress, &tokenID, &a.Amount, &actor, &value, &a.TokenResolved); err != nil {
			return nil, fmt.Errorf("postgres: scan asset for %s: %w", id, err)
		}
		a.TokenID = derefString(tokenID)
		a.Actor = domain.Actor(actor)
		a.Value = nullDecimal(value)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *FillStore) fees(ctx context.Context, id string) ([]domain.FillFee, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT token_address, token_id, amount, trader_type
		FROM fill_fees WHERE fill_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fees for %s: %w", id, err)
	}
	defer rows.Close()

	var out []domain.FillFee
	for rows.Next() {
		var (
			fee     domain.FillFee
			tokenID *string
			trader  string
		)
		if err := rows.Scan(&fee.TokenAddress, &tokenID, &fee.Amount, &trader); err != nil {
			return nil, fmt.Errorf("postgres: scan fee for %s: %w", id, err)
		}
		fee.TokenID = derefString(tokenID)
		fee.TraderType = domain.Actor(trader)
		out = append(out, fee)
	}
	return out, rows.Err()
}

func (s *FillStore) apps(ctx context.Context, id string) ([]domain.FillApp, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT app_id::text, type FROM fill_apps WHERE fill_id = $1 ORDER BY type, app_id`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: list apps for %s: %w", id, err)
	}
	defer rows.Close()

	var out []domain.FillApp
	for rows.Next() {
		var (
			app domain.FillApp
			typ int16
		)
		if err := rows.Scan(&app.AppID, &typ); err != nil {
			return nil, fmt.Errorf("postgres: scan app for %s: %w", id, err)
		}
		app.Type = domain.MappingType(typ)
		out = append(out, app)
	}
	return out, rows.Err()
}

var _ domain.FillStore = (*FillStore)(nil)
