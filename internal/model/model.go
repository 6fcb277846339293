package model

import (
	"time"

	"papertrade/internal/types"

	"github.com/shopspring/decimal"
)

// Instrument is read-only reference data synced from the exchange dump.
type Instrument struct {
	Token          string               `json:"token"`
	Exchange       string               `json:"exchange"`
	Segment        string               `json:"segment"`
	InstrumentType types.InstrumentType `json:"instrument_type"`
	TradingSymbol  string               `json:"trading_symbol"`
	Name           string               `json:"name"`
	LotSize        int64                `json:"lot_size"`
	TickSize       decimal.Decimal      `json:"tick_size"`
	FreezeQty      int64                `json:"freeze_qty"`
	Leverage       int64                `json:"leverage"`
	BuyAllowed     bool                 `json:"buy_allowed"`
	SellAllowed    bool                 `json:"sell_allowed"`
	IsReserved     bool                 `json:"is_reserved"`
	Expiry         *time.Time           `json:"expiry,omitempty"`
	Strike         decimal.Decimal      `json:"strike"`
}

func (i *Instrument) IsDerivative() bool {
	return i.InstrumentType == types.InstrumentFuture || i.IsOption()
}

func (i *Instrument) IsOption() bool {
	return i.InstrumentType == types.InstrumentCall || i.InstrumentType == types.InstrumentPut
}

// EffectiveLeverage is 1 for delivery orders regardless of what the
// instrument would allow intraday.
func (i *Instrument) EffectiveLeverage(product types.Product) int64 {
	if product == types.ProductIntraday && i.Leverage > 1 {
		return i.Leverage
	}
	return 1
}

// Account holds the spendable balance and the collateral committed to
// leveraged positions. Both stay non-negative at all times.
type Account struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	ScopeID    string          `json:"scope_id,omitempty"` // event id for event-ledger accounts, empty on the primary ledger
	Cash       decimal.Decimal `json:"cash"`
	UsedMargin decimal.Decimal `json:"used_margin"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Position is the aggregate over its lots, unique per
// (account, instrument, product). Rows are never deleted; IsOpen flips
// false when Qty reaches zero.
type Position struct {
	ID                string                `json:"id"`
	AccountID         string                `json:"account_id"`
	InstrumentToken   string                `json:"instrument_token"`
	Exchange          string                `json:"exchange"`
	Segment           string                `json:"segment"`
	TradingSymbol     string                `json:"trading_symbol"`
	Product           types.Product         `json:"product"`
	Qty               int64                 `json:"qty"`
	AvgPrice          decimal.Decimal       `json:"avg_price"`
	RealizedPnl       decimal.Decimal       `json:"realized_pnl"`
	IsOpen            bool                  `json:"is_open"`
	SquareOffAt       *time.Time            `json:"square_off_at,omitempty"`
	SquareOffStatus   types.SquareOffStatus `json:"square_off_status,omitempty"`
	SquareOffAttempts int                   `json:"square_off_attempts"`
	SquareOffError    string                `json:"square_off_error,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

// PositionLot records one buy fill. TotalQty and BuyPrice are immutable;
// RemainingQty only decreases. CreatedAt (ID as tiebreak) orders FIFO
// consumption.
type PositionLot struct {
	ID           string          `json:"id"`
	PositionID   string          `json:"position_id"`
	TotalQty     int64           `json:"total_qty"`
	RemainingQty int64           `json:"remaining_qty"`
	BuyPrice     decimal.Decimal `json:"buy_price"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Transaction is the immutable audit record of one executed order.
type Transaction struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"account_id"`
	PositionID  string          `json:"position_id"`
	Side        types.Side      `json:"side"`
	Product     types.Product   `json:"product"`
	Qty         int64           `json:"qty"`
	Price       decimal.Decimal `json:"price"`
	OrderValue  decimal.Decimal `json:"order_value"`
	Fees        decimal.Decimal `json:"fees"`
	RealizedPnl decimal.Decimal `json:"realized_pnl"`
	Forced      bool            `json:"forced"`
	CreatedAt   time.Time       `json:"created_at"`
}
