// Package postgres implements the persistence contracts of the sync service
// and the dispatch worker on PostgreSQL via pgx.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pivox/tradingV3/internal/position"
)

// PositionStore persists normalized positions, one history row per
// observation lineage: updates land on the freshest row for the
// (symbol, side) pair, a new lineage starts with an insert.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore constructs a PositionStore backed by the provided pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const (
	// The freshest row wins: dated rows first (newest opening), NULL
	// opened_at last, id as the tie-breaker.
	selectCurrentPositionSQL = `
SELECT id
FROM positions
WHERE contract_symbol = @contract_symbol AND side = @side
ORDER BY (opened_at IS NULL), opened_at DESC, id DESC
LIMIT 1;
`

	insertPositionSQL = `
INSERT INTO positions (
    contract_symbol,
    exchange,
    side,
    status,
    amount_usdt,
    entry_price,
    qty_contract,
    leverage,
    external_order_id,
    opened_at,
    closed_at,
    stop_loss,
    take_profit,
    pnl_usdt,
    meta,
    created_at,
    updated_at,
    time_in_force,
    expires_at,
    external_status,
    last_sync_at
)
VALUES (
    @contract_symbol,
    @exchange,
    @side,
    @status,
    @amount_usdt,
    @entry_price,
    @qty_contract,
    @leverage,
    @external_order_id,
    @opened_at,
    @closed_at,
    @stop_loss,
    @take_profit,
    @pnl_usdt,
    @meta::jsonb,
    NOW(),
    NOW(),
    @time_in_force,
    @expires_at,
    @external_status,
    @last_sync_at
);
`

	updatePositionSQL = `
UPDATE positions
SET status = @status,
    amount_usdt = @amount_usdt,
    entry_price = @entry_price,
    qty_contract = @qty_contract,
    leverage = @leverage,
    external_order_id = COALESCE(@external_order_id, external_order_id),
    opened_at = COALESCE(@opened_at, opened_at),
    closed_at = @closed_at,
    stop_loss = @stop_loss,
    take_profit = @take_profit,
    pnl_usdt = @pnl_usdt,
    meta = @meta::jsonb,
    updated_at = NOW(),
    time_in_force = @time_in_force,
    expires_at = @expires_at,
    external_status = @external_status,
    last_sync_at = @last_sync_at
WHERE id = @id;
`

	fetchActivePositionsSQL = `
SELECT contract_symbol,
       side,
       status,
       exchange,
       amount_usdt::text,
       entry_price::text,
       qty_contract::text,
       leverage::text,
       external_order_id,
       opened_at,
       closed_at,
       stop_loss::text,
       take_profit::text,
       pnl_usdt::text,
       time_in_force,
       expires_at,
       external_status,
       last_sync_at,
       meta
FROM positions
WHERE exchange = @exchange AND status IN ('OPEN', 'NORMAL')
ORDER BY contract_symbol, side;
`
)

// Upsert writes one observation inside a transaction: the freshest existing
// row for the (symbol, side) pair is updated when present, otherwise a new
// row is inserted.
func (s *PositionStore) Upsert(ctx context.Context, p *position.Position) error {
	if p == nil {
		return fmt.Errorf("position store: record required")
	}
	meta, err := encodeMeta(p.Meta)
	if err != nil {
		return err
	}

	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := s.pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("position store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	err = tx.QueryRow(ctx, selectCurrentPositionSQL, pgx.NamedArgs{
		"contract_symbol": p.ContractSymbol,
		"side":            string(p.Side),
	}).Scan(&id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := tx.Exec(ctx, insertPositionSQL, positionArgs(p, meta)); err != nil {
			return fmt.Errorf("position store: insert %s: %w", p.Key(), err)
		}
	case err != nil:
		return fmt.Errorf("position store: select current row for %s: %w", p.Key(), err)
	default:
		args := positionArgs(p, meta)
		args["id"] = id
		if _, err := tx.Exec(ctx, updatePositionSQL, args); err != nil {
			return fmt.Errorf("position store: update %s: %w", p.Key(), err)
		}
	}

	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("position store: commit tx: %w", err)
	}
	return nil
}

// FetchActive returns every OPEN or NORMAL position for the exchange, keyed
// SYMBOL::SIDE.
func (s *PositionStore) FetchActive(ctx context.Context, exchange string) (map[string]*position.Position, error) {
	rows, err := s.pool.Query(ctx, fetchActivePositionsSQL, pgx.NamedArgs{"exchange": exchange})
	if err != nil {
		return nil, fmt.Errorf("position store: fetch active: %w", err)
	}
	defer rows.Close()

	active := make(map[string]*position.Position)
	for rows.Next() {
		var (
			symbol         string
			side           string
			status         string
			exchangeName   string
			amount         string
			entry          sql.NullString
			qty            sql.NullString
			leverage       sql.NullString
			orderID        sql.NullString
			openedAt       pgtype.Timestamptz
			closedAt       pgtype.Timestamptz
			stopLoss       sql.NullString
			takeProfit     sql.NullString
			pnl            sql.NullString
			timeInForce    string
			expiresAt      pgtype.Timestamptz
			externalStatus sql.NullString
			lastSyncAt     pgtype.Timestamptz
			metaBytes      []byte
		)
		if err := rows.Scan(
			&symbol,
			&side,
			&status,
			&exchangeName,
			&amount,
			&entry,
			&qty,
			&leverage,
			&orderID,
			&openedAt,
			&closedAt,
			&stopLoss,
			&takeProfit,
			&pnl,
			&timeInForce,
			&expiresAt,
			&externalStatus,
			&lastSyncAt,
			&metaBytes,
		); err != nil {
			return nil, fmt.Errorf("position store: scan active row: %w", err)
		}

		amountDec, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("position store: parse amount for %s: %w", symbol, err)
		}
		meta, err := decodeMeta(metaBytes)
		if err != nil {
			return nil, err
		}

		rec := &position.Position{
			ContractSymbol:  symbol,
			Side:            position.Side(side),
			Status:          position.Status(status),
			Exchange:        exchangeName,
			AmountUsdt:      amountDec,
			EntryPrice:      decimalFromText(entry),
			QtyContract:     decimalFromText(qty),
			Leverage:        decimalFromText(leverage),
			ExternalOrderID: textPtr(orderID),
			OpenedAt:        timePtr(openedAt),
			ClosedAt:        timePtr(closedAt),
			StopLoss:        decimalFromText(stopLoss),
			TakeProfit:      decimalFromText(takeProfit),
			PnlUsdt:         decimalFromText(pnl),
			TimeInForce:     timeInForce,
			ExpiresAt:       timePtr(expiresAt),
			ExternalStatus:  textPtr(externalStatus),
			Meta:            meta,
		}
		if lastSyncAt.Valid {
			rec.LastSyncAt = lastSyncAt.Time.UTC()
		}
		active[rec.Key()] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("position store: iterate active rows: %w", err)
	}
	return active, nil
}

func positionArgs(p *position.Position, meta []byte) pgx.NamedArgs {
	return pgx.NamedArgs{
		"contract_symbol":   p.ContractSymbol,
		"exchange":          p.Exchange,
		"side":              string(p.Side),
		"status":            string(p.Status),
		"amount_usdt":       p.AmountUsdt.String(),
		"entry_price":       nullableDecimal(p.EntryPrice),
		"qty_contract":      nullableDecimal(p.QtyContract),
		"leverage":          nullableDecimal(p.Leverage),
		"external_order_id": nullableText(p.ExternalOrderID),
		"opened_at":         nullableTime(p.OpenedAt),
		"closed_at":         nullableTime(p.ClosedAt),
		"stop_loss":         nullableDecimal(p.StopLoss),
		"take_profit":       nullableDecimal(p.TakeProfit),
		"pnl_usdt":          nullableDecimal(p.PnlUsdt),
		"meta":              string(meta),
		"time_in_force":     p.TimeInForce,
		"expires_at":        nullableTime(p.ExpiresAt),
		"external_status":   nullableText(p.ExternalStatus),
		"last_sync_at":      p.LastSyncAt,
	}
}

func nullableDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullableText(ptr *string) any {
	if ptr == nil || *ptr == "" {
		return nil
	}
	return *ptr
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func decimalFromText(ns sql.NullString) *decimal.Decimal {
	if !ns.Valid {
		return nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil
	}
	return &d
}

func textPtr(ns sql.NullString) *string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	value := ns.String
	return &value
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	value := ts.Time.UTC()
	return &value
}

func encodeMeta(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return []byte("{}"), nil
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("position store: encode meta: %w", err)
	}
	return payload, nil
}

func decodeMeta(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("position store: decode meta: %w", err)
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return meta, nil
}
