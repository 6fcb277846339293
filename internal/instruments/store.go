// Package instruments serves read-only instrument reference data. The rows
// are populated by the exchange-dump sync job, which lives outside this
// service.
package instruments

import (
	"context"
	"errors"
	"fmt"

	"papertrade/internal/ledger"
	"papertrade/internal/model"
	"papertrade/internal/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const instrumentColumns = "token, exchange, segment, instrument_type, trading_symbol, name, lot_size, tick_size, freeze_qty, leverage, buy_allowed, sell_allowed, is_reserved, expiry, strike"

func scanInstrument(row pgx.Row) (model.Instrument, error) {
	var i model.Instrument
	var itype string
	err := row.Scan(&i.Token, &i.Exchange, &i.Segment, &itype, &i.TradingSymbol, &i.Name, &i.LotSize, &i.TickSize, &i.FreezeQty, &i.Leverage, &i.BuyAllowed, &i.SellAllowed, &i.IsReserved, &i.Expiry, &i.Strike)
	if err != nil {
		return i, err
	}
	i.InstrumentType = types.InstrumentType(itype)
	return i, nil
}

func (s *Store) ByToken(ctx context.Context, token string) (model.Instrument, error) {
	q := fmt.Sprintf("select %s from instruments where token = $1", instrumentColumns)
	i, err := scanInstrument(s.pool.QueryRow(ctx, q, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return i, ledger.ErrNotFound
	}
	return i, err
}

func (s *Store) BySymbol(ctx context.Context, exchange, symbol string) (model.Instrument, error) {
	q := fmt.Sprintf("select %s from instruments where exchange = $1 and trading_symbol = $2", instrumentColumns)
	i, err := scanInstrument(s.pool.QueryRow(ctx, q, exchange, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return i, ledger.ErrNotFound
	}
	return i, err
}
