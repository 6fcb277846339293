package engine

import (
	"context"
	"strings"
	"time"

	"papertrade/internal/events"
	"papertrade/internal/ledger"
	"papertrade/internal/margin"
	"papertrade/internal/metrics"
	"papertrade/internal/model"
	"papertrade/internal/types"
	"papertrade/internal/validate"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SubmitBuy executes a market buy: validate, price, debit funds, create the
// lot and transaction, recompute the position from its lots — all inside a
// single ledger transaction. All-or-nothing.
func (e *Engine) SubmitBuy(ctx context.Context, req OrderRequest) (ExecutionResult, error) {
	start := e.now()
	out, err := e.submitBuy(ctx, req)
	e.observe(types.SideBuy, start, err)
	return out, err
}

func (e *Engine) submitBuy(ctx context.Context, req OrderRequest) (ExecutionResult, error) {
	inst, err := e.loadInstrument(ctx, req.Exchange, req.Symbol)
	if err != nil {
		return ExecutionResult{}, err
	}
	price, err := e.fetchPrice(ctx, inst)
	if err != nil {
		return ExecutionResult{}, err
	}

	if res := validate.Order(inst, types.SideBuy, req.Qty, price, req.Product, e.now()); !res.Valid {
		return ExecutionResult{}, &Error{
			Code:       types.CodeValidation,
			Message:    strings.Join(res.Errors, "; "),
			Violations: res.Errors,
		}
	}

	orderValue := price.Mul(decimal.NewFromInt(req.Qty))
	fees := e.fees.Fees(orderValue, req.Product, inst)
	leverage := inst.EffectiveLeverage(req.Product)
	required := margin.Required(price, req.Qty, leverage)
	needed := required.Add(fees)

	var out ExecutionResult
	err = e.store.InTx(ctx, func(tx ledger.Tx) error {
		acct, err := tx.AccountForUpdate(ctx, req.AccountID)
		if err == ledger.ErrNotFound {
			return newError(types.CodeNotFound, "account %s not found", req.AccountID)
		}
		if err != nil {
			return execErr(err)
		}
		if acct.Cash.LessThan(needed) {
			return newError(types.CodeInsufficientFunds, "order needs %s, available cash %s", needed, acct.Cash)
		}

		pos, err := tx.OpenPositionForUpdate(ctx, acct.ID, inst.Token, req.Product)
		if err == ledger.ErrNotFound {
			pos = model.Position{
				AccountID:       acct.ID,
				InstrumentToken: inst.Token,
				Exchange:        inst.Exchange,
				Segment:         inst.Segment,
				TradingSymbol:   inst.TradingSymbol,
				Product:         req.Product,
				AvgPrice:        decimal.Zero,
				RealizedPnl:     decimal.Zero,
				IsOpen:          true,
			}
			if err := tx.CreatePosition(ctx, &pos); err != nil {
				return execErr(err)
			}
		} else if err != nil {
			return execErr(err)
		}

		lot := model.PositionLot{
			PositionID:   pos.ID,
			TotalQty:     req.Qty,
			RemainingQty: req.Qty,
			BuyPrice:     price,
		}
		if err := tx.CreateLot(ctx, &lot); err != nil {
			return execErr(err)
		}

		lots, err := tx.OpenLots(ctx, pos.ID)
		if err != nil {
			return execErr(err)
		}
		pos.Qty, pos.AvgPrice = aggregates(lots)
		pos.IsOpen = pos.Qty > 0
		if err := tx.UpdatePosition(ctx, pos); err != nil {
			return execErr(err)
		}

		txn := model.Transaction{
			AccountID:   acct.ID,
			PositionID:  pos.ID,
			Side:        types.SideBuy,
			Product:     req.Product,
			Qty:         req.Qty,
			Price:       price,
			OrderValue:  orderValue,
			Fees:        fees,
			RealizedPnl: decimal.Zero,
		}
		if err := tx.CreateTransaction(ctx, &txn); err != nil {
			return execErr(err)
		}

		cash := acct.Cash.Sub(required).Sub(fees)
		used := acct.UsedMargin
		if leverage > 1 {
			used = used.Add(required)
		}
		if err := tx.UpdateAccountFunds(ctx, acct.ID, cash, used); err != nil {
			return execErr(err)
		}

		out = ExecutionResult{
			TransactionID: txn.ID,
			PositionID:    pos.ID,
			Side:          types.SideBuy,
			Price:         price,
			Qty:           req.Qty,
			Fees:          fees,
			RealizedPnl:   decimal.Zero,
		}
		return nil
	})
	if err != nil {
		return ExecutionResult{}, AsError(err)
	}

	// Best-effort: a failure to schedule never fails the trade.
	if leverage > 1 {
		e.scheduleSquareOff(ctx, out.PositionID)
	}

	e.publish(events.TypeOrderExecuted, out)
	return out, nil
}

// scheduleSquareOff (re)sets the position's square-off to the next market
// close. Called after every leveraged buy commit.
func (e *Engine) scheduleSquareOff(ctx context.Context, positionID string) {
	now := e.now()
	at, err := e.calendar.NextCloseAfter(now)
	if err != nil {
		at = fallbackClose(now)
		e.log.Warn("session calendar unreachable, using fallback close",
			zap.Time("at", at), zap.Error(err))
	}

	err = e.store.InTx(ctx, func(tx ledger.Tx) error {
		pos, err := tx.PositionForUpdate(ctx, positionID)
		if err != nil {
			return err
		}
		if !pos.IsOpen || pos.Qty <= 0 {
			return nil
		}
		pos.SquareOffAt = &at
		pos.SquareOffStatus = types.SquareOffPending
		pos.SquareOffAttempts = 0
		pos.SquareOffError = ""
		return tx.UpdatePosition(ctx, pos)
	})
	if err != nil {
		e.log.Warn("auto square-off scheduling failed",
			zap.String("ledger", e.store.Name()),
			zap.String("position_id", positionID),
			zap.Error(err))
	}
}

// fallbackClose is the next weekday 15:15 local, used when the session
// calendar cannot be reached.
func fallbackClose(now time.Time) time.Time {
	at := time.Date(now.Year(), now.Month(), now.Day(), 15, 15, 0, 0, now.Location())
	for !at.After(now) || at.Weekday() == time.Saturday || at.Weekday() == time.Sunday {
		at = at.AddDate(0, 0, 1)
	}
	return at
}

func (e *Engine) observe(side types.Side, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = string(AsError(err).Code)
	}
	metrics.OrdersTotal.WithLabelValues(e.store.Name(), string(side), status).Inc()
	metrics.OrderLatency.WithLabelValues(e.store.Name(), string(side)).Observe(e.now().Sub(start).Seconds())
}
