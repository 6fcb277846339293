package engine

import (
	"context"
	"time"

	"papertrade/internal/events"
	"papertrade/internal/fifo"
	"papertrade/internal/ledger"
	"papertrade/internal/margin"
	"papertrade/internal/model"
	"papertrade/internal/types"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// closePriceGrace: once the scheduled close is further in the past than
// this, the end-of-day candle is preferred over the live quote.
const closePriceGrace = 5 * time.Minute

// ForceClose sells a position's full remaining quantity at the close price.
// It is the square-off sweep's dedicated path: no user order exists, so the
// user-facing validator is bypassed, but FIFO attribution, lot zeroing and
// margin release are the same as a manual sell. It contends for the same
// row locks as live orders, so it can never double-consume lots a
// concurrent sell already took.
func (e *Engine) ForceClose(ctx context.Context, positionID string) error {
	pos, err := e.store.GetPosition(ctx, positionID)
	if err != nil {
		return err
	}
	inst, err := e.instruments.ByToken(ctx, pos.InstrumentToken)
	if err != nil {
		return err
	}
	price := e.closePrice(ctx, inst, pos)

	var out ExecutionResult
	closed := false
	err = e.store.InTx(ctx, func(tx ledger.Tx) error {
		// Lock order is account first, then position, on every write path.
		// A sweep and a user order against the same pair queue on the
		// account row instead of deadlocking.
		acct, err := tx.AccountForUpdate(ctx, pos.AccountID)
		if err != nil {
			return err
		}
		pos, err := tx.PositionForUpdate(ctx, positionID)
		if err != nil {
			return err
		}
		if !pos.IsOpen || pos.Qty <= 0 {
			// a manual sell won the race; nothing left to square off
			pos.SquareOffStatus = types.SquareOffCompleted
			pos.SquareOffError = ""
			return tx.UpdatePosition(ctx, pos)
		}

		lots, err := tx.OpenLots(ctx, pos.ID)
		if err != nil {
			return err
		}
		qty := fifo.Available(lots)
		matched, err := fifo.Match(lots, qty, price)
		if err != nil {
			return err
		}

		orderValue := price.Mul(decimal.NewFromInt(qty))
		fees := e.fees.Fees(orderValue, pos.Product, inst)
		netPnl := matched.RealizedPnl.Sub(fees)

		txn := model.Transaction{
			AccountID:   pos.AccountID,
			PositionID:  pos.ID,
			Side:        types.SideSell,
			Product:     pos.Product,
			Qty:         qty,
			Price:       price,
			OrderValue:  orderValue,
			Fees:        fees,
			RealizedPnl: netPnl,
			Forced:      true,
		}
		if err := tx.CreateTransaction(ctx, &txn); err != nil {
			return err
		}

		for _, c := range matched.Consumptions {
			if err := tx.UpdateLotRemaining(ctx, c.LotID, c.NewRemaining); err != nil {
				return err
			}
		}

		pos.Qty = 0
		pos.AvgPrice = decimal.Zero
		pos.RealizedPnl = pos.RealizedPnl.Add(netPnl)
		pos.IsOpen = false
		pos.SquareOffStatus = types.SquareOffCompleted
		pos.SquareOffError = ""
		if err := tx.UpdatePosition(ctx, pos); err != nil {
			return err
		}

		leverage := inst.EffectiveLeverage(pos.Product)
		released := margin.Release(matched.Consumptions, leverage)
		cash := acct.Cash.Add(released).Add(matched.RealizedPnl).Sub(fees)
		used := acct.UsedMargin
		if leverage > 1 {
			used = used.Sub(released)
			if used.IsNegative() {
				used = decimal.Zero
			}
		}
		if cash.IsNegative() {
			cash = decimal.Zero
		}
		if err := tx.UpdateAccountFunds(ctx, acct.ID, cash, used); err != nil {
			return err
		}

		out = ExecutionResult{
			TransactionID: txn.ID,
			PositionID:    pos.ID,
			Side:          types.SideSell,
			Price:         price,
			Qty:           qty,
			Fees:          fees,
			RealizedPnl:   netPnl,
		}
		closed = true
		return nil
	})
	if err != nil {
		return err
	}
	if closed {
		e.log.Info("position squared off",
			zap.String("ledger", e.store.Name()),
			zap.String("position_id", positionID),
			zap.String("price", price.String()))
		e.publish(events.TypeSquareOff, out)
	}
	return nil
}

// closePrice picks the forced-close execution price. If the scheduled time
// is well in the past the end-of-day close candle captures the true market
// print; otherwise the live quote is used; the position's own average buy
// price is the final fallback so the sweep always terminates with a valid,
// non-zero price.
func (e *Engine) closePrice(ctx context.Context, inst model.Instrument, pos model.Position) decimal.Decimal {
	now := e.now()
	if pos.SquareOffAt != nil && now.Sub(*pos.SquareOffAt) > closePriceGrace {
		c, err := e.oracle.HistoricalClose(ctx, inst.TradingSymbol, inst.Exchange, inst.Segment, *pos.SquareOffAt)
		if err == nil && c.GreaterThan(decimal.Zero) {
			return c
		}
		if err != nil {
			e.log.Debug("historical close unavailable, trying live price",
				zap.String("symbol", inst.TradingSymbol), zap.Error(err))
		}
	}
	ltp, err := e.oracle.LastPrice(ctx, inst.TradingSymbol, inst.Exchange, inst.InstrumentType)
	if err == nil && ltp.GreaterThan(decimal.Zero) {
		return ltp
	}
	return pos.AvgPrice
}
