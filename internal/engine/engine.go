// Package engine composes validation, pricing, FIFO matching and margin
// accounting into atomic BUY and SELL executions against one ledger. Every
// order fills completely, immediately, at the last traded price; there is
// no order book and no partial fill.
//
// The engine is instantiated once per ledger (primary, event) over the same
// code path.
package engine

import (
	"context"
	"time"

	"papertrade/internal/events"
	"papertrade/internal/ledger"
	"papertrade/internal/margin"
	"papertrade/internal/model"
	"papertrade/internal/types"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceOracle supplies execution prices. Both calls are fallible and
// latency-bearing; an order is aborted before any mutation if the price is
// unavailable.
type PriceOracle interface {
	LastPrice(ctx context.Context, symbol, exchange string, instrumentType types.InstrumentType) (decimal.Decimal, error)
	HistoricalClose(ctx context.Context, symbol, exchange, segment string, day time.Time) (decimal.Decimal, error)
}

// InstrumentSource resolves read-only instrument reference data.
type InstrumentSource interface {
	BySymbol(ctx context.Context, exchange, symbol string) (model.Instrument, error)
	ByToken(ctx context.Context, token string) (model.Instrument, error)
}

// Calendar tells the engine when the market next closes, for auto square-off
// scheduling.
type Calendar interface {
	NextCloseAfter(now time.Time) (time.Time, error)
}

// Publisher receives execution events for streaming. May be nil.
type Publisher interface {
	Publish(evt events.Event)
}

type Engine struct {
	store       ledger.Store
	instruments InstrumentSource
	oracle      PriceOracle
	calendar    Calendar
	fees        margin.FeeSchedule
	pub         Publisher
	log         *zap.Logger
	now         func() time.Time
}

func New(store ledger.Store, instruments InstrumentSource, oracle PriceOracle, calendar Calendar, fees margin.FeeSchedule, pub Publisher, log *zap.Logger) *Engine {
	return &Engine{
		store:       store,
		instruments: instruments,
		oracle:      oracle,
		calendar:    calendar,
		fees:        fees,
		pub:         pub,
		log:         log,
		now:         time.Now,
	}
}

// Store exposes the backing ledger for read-only projections.
func (e *Engine) Store() ledger.Store { return e.store }

type OrderRequest struct {
	AccountID string
	Exchange  string
	Symbol    string
	Qty       int64
	Product   types.Product
}

type ExecutionResult struct {
	TransactionID string          `json:"transaction_id"`
	PositionID    string          `json:"position_id"`
	Side          types.Side      `json:"side"`
	Price         decimal.Decimal `json:"executed_price"`
	Qty           int64           `json:"executed_qty"`
	Fees          decimal.Decimal `json:"fees"`
	RealizedPnl   decimal.Decimal `json:"realized_pnl"`
}

// loadInstrument and fetchPrice are the shared front half of both order
// paths.
func (e *Engine) loadInstrument(ctx context.Context, exchange, symbol string) (model.Instrument, error) {
	inst, err := e.instruments.BySymbol(ctx, exchange, symbol)
	if err == ledger.ErrNotFound {
		return inst, newError(types.CodeNotFound, "instrument %s:%s not found", exchange, symbol)
	}
	if err != nil {
		return inst, execErr(err)
	}
	return inst, nil
}

func (e *Engine) fetchPrice(ctx context.Context, inst model.Instrument) (decimal.Decimal, error) {
	price, err := e.oracle.LastPrice(ctx, inst.TradingSymbol, inst.Exchange, inst.InstrumentType)
	if err != nil {
		// pre-mutation abort; safe for the caller to retry
		return decimal.Zero, newError(types.CodeExecution, "price unavailable for %s: %v", inst.TradingSymbol, err)
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, newError(types.CodeExecution, "price unavailable for %s: non-positive quote", inst.TradingSymbol)
	}
	return price, nil
}

// aggregates derives qty and average price from lots. The position row is
// never trusted as an independent counter: qty == Σ lot.remainingQty holds
// because this is recomputed at every mutation.
func aggregates(lots []model.PositionLot) (int64, decimal.Decimal) {
	var qty int64
	cost := decimal.Zero
	for _, l := range lots {
		if l.RemainingQty <= 0 {
			continue
		}
		qty += l.RemainingQty
		cost = cost.Add(l.BuyPrice.Mul(decimal.NewFromInt(l.RemainingQty)))
	}
	if qty == 0 {
		return 0, decimal.Zero
	}
	return qty, cost.Div(decimal.NewFromInt(qty))
}

func (e *Engine) publish(evtType string, data any) {
	if e.pub == nil {
		return
	}
	e.pub.Publish(events.Event{Type: evtType, Ledger: e.store.Name(), Data: data})
}
