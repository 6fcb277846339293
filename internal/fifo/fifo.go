// Package fifo implements tax-lot matching: a sell consumes buy lots
// oldest-first and realized PnL is attributed per consumed slice.
package fifo

import (
	"errors"

	"papertrade/internal/model"

	"github.com/shopspring/decimal"
)

// ErrInsufficientQuantity is a defensive failure: callers must have checked
// available quantity before matching.
var ErrInsufficientQuantity = errors.New("fifo: lots hold less than the requested quantity")

// Consumption records how much of one lot a sell consumed.
type Consumption struct {
	LotID        string
	BuyPrice     decimal.Decimal
	Consumed     int64
	NewRemaining int64
	RealizedPnl  decimal.Decimal
}

type Result struct {
	Consumptions []Consumption
	RealizedPnl  decimal.Decimal
}

// Match walks lots in the given order (callers pass them oldest first) and
// consumes min(remaining, stillNeeded) from each. Per-slice realized PnL is
// (sellPrice − lot.buyPrice) × consumed.
func Match(lots []model.PositionLot, sellQty int64, sellPrice decimal.Decimal) (Result, error) {
	var res Result
	res.RealizedPnl = decimal.Zero

	need := sellQty
	for _, lot := range lots {
		if need == 0 {
			break
		}
		if lot.RemainingQty <= 0 {
			continue
		}
		take := lot.RemainingQty
		if take > need {
			take = need
		}
		pnl := sellPrice.Sub(lot.BuyPrice).Mul(decimal.NewFromInt(take))
		res.Consumptions = append(res.Consumptions, Consumption{
			LotID:        lot.ID,
			BuyPrice:     lot.BuyPrice,
			Consumed:     take,
			NewRemaining: lot.RemainingQty - take,
			RealizedPnl:  pnl,
		})
		res.RealizedPnl = res.RealizedPnl.Add(pnl)
		need -= take
	}
	if need > 0 {
		return Result{}, ErrInsufficientQuantity
	}
	return res, nil
}

// Available sums remaining quantity across lots.
func Available(lots []model.PositionLot) int64 {
	var total int64
	for _, lot := range lots {
		total += lot.RemainingQty
	}
	return total
}
