// Package margin computes leveraged collateral and order fees.
//
// All monetary values use shopspring/decimal — never float64 for money.
package margin

import (
	"papertrade/internal/fifo"
	"papertrade/internal/model"
	"papertrade/internal/types"

	"github.com/shopspring/decimal"
)

// Required is the collateral a leveraged buy commits:
// executedPrice × qty / leverage.
func Required(price decimal.Decimal, qty int64, leverage int64) decimal.Decimal {
	if leverage <= 1 {
		return price.Mul(decimal.NewFromInt(qty))
	}
	return price.Mul(decimal.NewFromInt(qty)).Div(decimal.NewFromInt(leverage))
}

// Release sums the collateral freed by the consumed lots. Each slice
// releases lot.buyPrice × consumed / leverage — the lot's own buy price,
// not the position average and not the sell price. Averaging here leaks
// margin whenever lots were bought at different prices.
func Release(consumptions []fifo.Consumption, leverage int64) decimal.Decimal {
	total := decimal.Zero
	lev := decimal.NewFromInt(leverage)
	for _, c := range consumptions {
		slice := c.BuyPrice.Mul(decimal.NewFromInt(c.Consumed))
		if leverage > 1 {
			slice = slice.Div(lev)
		}
		total = total.Add(slice)
	}
	return total
}

// FeeSchedule holds the brokerage constants. The defaults are illustrative,
// not a real schedule; deployments override them from config.
type FeeSchedule struct {
	IntradayRate   decimal.Decimal // fraction of order value, e.g. 0.0005
	DeliveryRate   decimal.Decimal // fraction of order value, e.g. 0.001
	DerivativeFlat decimal.Decimal // flat fee added on derivative segments
}

func DefaultFees() FeeSchedule {
	return FeeSchedule{
		IntradayRate:   decimal.New(5, -4),  // 0.05%
		DeliveryRate:   decimal.New(1, -3),  // 0.1%
		DerivativeFlat: decimal.NewFromInt(20),
	}
}

// Fees is orderValue × rate(product) + flat(segment).
func (f FeeSchedule) Fees(orderValue decimal.Decimal, product types.Product, inst model.Instrument) decimal.Decimal {
	rate := f.DeliveryRate
	if product == types.ProductIntraday {
		rate = f.IntradayRate
	}
	fees := orderValue.Mul(rate)
	if inst.IsDerivative() {
		fees = fees.Add(f.DerivativeFlat)
	}
	return fees
}
