package engine

import (
	"context"
	"strings"

	"papertrade/internal/events"
	"papertrade/internal/fifo"
	"papertrade/internal/ledger"
	"papertrade/internal/margin"
	"papertrade/internal/model"
	"papertrade/internal/types"
	"papertrade/internal/validate"

	"github.com/shopspring/decimal"
)

// SubmitSell executes a market sell against an existing open position of
// the same product. Short-selling is forbidden: with no open position the
// order is rejected, and a negative-quantity position can never appear.
func (e *Engine) SubmitSell(ctx context.Context, req OrderRequest) (ExecutionResult, error) {
	start := e.now()
	out, err := e.submitSell(ctx, req)
	e.observe(types.SideSell, start, err)
	return out, err
}

func (e *Engine) submitSell(ctx context.Context, req OrderRequest) (ExecutionResult, error) {
	inst, err := e.loadInstrument(ctx, req.Exchange, req.Symbol)
	if err != nil {
		return ExecutionResult{}, err
	}
	price, err := e.fetchPrice(ctx, inst)
	if err != nil {
		return ExecutionResult{}, err
	}

	if res := validate.Order(inst, types.SideSell, req.Qty, price, req.Product, e.now()); !res.Valid {
		return ExecutionResult{}, &Error{
			Code:       types.CodeValidation,
			Message:    strings.Join(res.Errors, "; "),
			Violations: res.Errors,
		}
	}

	orderValue := price.Mul(decimal.NewFromInt(req.Qty))
	fees := e.fees.Fees(orderValue, req.Product, inst)
	leverage := inst.EffectiveLeverage(req.Product)

	var out ExecutionResult
	err = e.store.InTx(ctx, func(tx ledger.Tx) error {
		acct, err := tx.AccountForUpdate(ctx, req.AccountID)
		if err == ledger.ErrNotFound {
			return newError(types.CodeNotFound, "account %s not found", req.AccountID)
		}
		if err != nil {
			return execErr(err)
		}

		pos, err := tx.OpenPositionForUpdate(ctx, acct.ID, inst.Token, req.Product)
		if err == ledger.ErrNotFound {
			return newError(types.CodeNotFound, "no open %s position in %s to sell", req.Product, inst.TradingSymbol)
		}
		if err != nil {
			return execErr(err)
		}

		lots, err := tx.OpenLots(ctx, pos.ID)
		if err != nil {
			return execErr(err)
		}
		if available := fifo.Available(lots); req.Qty > available {
			return newError(types.CodeInsufficientQuantity, "sell quantity %d exceeds available %d", req.Qty, available)
		}

		matched, err := fifo.Match(lots, req.Qty, price)
		if err != nil {
			return execErr(err)
		}
		netPnl := matched.RealizedPnl.Sub(fees)

		txn := model.Transaction{
			AccountID:   acct.ID,
			PositionID:  pos.ID,
			Side:        types.SideSell,
			Product:     req.Product,
			Qty:         req.Qty,
			Price:       price,
			OrderValue:  orderValue,
			Fees:        fees,
			RealizedPnl: netPnl,
		}
		if err := tx.CreateTransaction(ctx, &txn); err != nil {
			return execErr(err)
		}

		for _, c := range matched.Consumptions {
			if err := tx.UpdateLotRemaining(ctx, c.LotID, c.NewRemaining); err != nil {
				return execErr(err)
			}
		}

		remaining, err := tx.OpenLots(ctx, pos.ID)
		if err != nil {
			return execErr(err)
		}
		pos.Qty, pos.AvgPrice = aggregates(remaining)
		pos.RealizedPnl = pos.RealizedPnl.Add(netPnl)
		pos.IsOpen = pos.Qty > 0
		if err := tx.UpdatePosition(ctx, pos); err != nil {
			return execErr(err)
		}

		// Margin release is priced per consumed lot. At leverage 1 the
		// released amount is the consumed cost basis, so cash moves by the
		// full proceeds less fees in the non-leveraged case.
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
			return execErr(err)
		}

		out = ExecutionResult{
			TransactionID: txn.ID,
			PositionID:    pos.ID,
			Side:          types.SideSell,
			Price:         price,
			Qty:           req.Qty,
			Fees:          fees,
			RealizedPnl:   netPnl,
		}
		return nil
	})
	if err != nil {
		return ExecutionResult{}, AsError(err)
	}

	e.publish(events.TypeOrderExecuted, out)
	return out, nil
}
