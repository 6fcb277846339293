// Package validate holds the pre-trade order checks. Order collects every
// violation instead of failing on the first one so the caller can surface
// all of them in a single rejection.
package validate

import (
	"fmt"
	"time"

	"papertrade/internal/model"
	"papertrade/internal/types"

	"github.com/shopspring/decimal"
)

// tickTolerance absorbs float-derived prices from upstream feeds that sit a
// hair off an exact tick multiple.
var tickTolerance = decimal.New(1, -9)

type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Order checks instrument tradability rules for a prospective order. It has
// no side effects and must run before any state is touched.
func Order(inst model.Instrument, side types.Side, qty int64, price decimal.Decimal, product types.Product, now time.Time) Result {
	var errs []string

	if inst.IsReserved {
		errs = append(errs, fmt.Sprintf("instrument %s is reserved and not tradable", inst.TradingSymbol))
	}
	if side == types.SideBuy && !inst.BuyAllowed {
		errs = append(errs, fmt.Sprintf("buying is not permitted on %s", inst.TradingSymbol))
	}
	if side == types.SideSell && !inst.SellAllowed {
		errs = append(errs, fmt.Sprintf("selling is not permitted on %s", inst.TradingSymbol))
	}
	if !product.Valid() {
		errs = append(errs, fmt.Sprintf("unknown product %q", product))
	}

	if qty <= 0 {
		errs = append(errs, "quantity must be positive")
	}
	if price.LessThanOrEqual(decimal.Zero) {
		errs = append(errs, "price must be positive")
	}

	if inst.IsDerivative() {
		if inst.LotSize > 0 && qty%inst.LotSize != 0 {
			errs = append(errs, fmt.Sprintf("quantity %d is not a multiple of lot size %d", qty, inst.LotSize))
		}
		if inst.Expiry == nil {
			errs = append(errs, fmt.Sprintf("derivative %s has no expiry", inst.TradingSymbol))
		} else if !inst.Expiry.After(now) {
			errs = append(errs, fmt.Sprintf("instrument %s expired on %s", inst.TradingSymbol, inst.Expiry.Format("2006-01-02")))
		}
		if inst.IsOption() && inst.Strike.LessThanOrEqual(decimal.Zero) {
			errs = append(errs, fmt.Sprintf("option %s has no strike price", inst.TradingSymbol))
		}
	}

	if inst.FreezeQty > 0 && qty > inst.FreezeQty {
		errs = append(errs, fmt.Sprintf("quantity %d exceeds freeze limit %d", qty, inst.FreezeQty))
	}

	if price.GreaterThan(decimal.Zero) && !onTick(price, inst.TickSize) {
		errs = append(errs, fmt.Sprintf("price %s is not a multiple of tick size %s", price, inst.TickSize))
	}

	return Result{Valid: len(errs) == 0, Errors: errs}
}

func onTick(price, tick decimal.Decimal) bool {
	if tick.LessThanOrEqual(decimal.Zero) {
		return true
	}
	rem := price.Mod(tick)
	return rem.Abs().LessThanOrEqual(tickTolerance) || tick.Sub(rem).Abs().LessThanOrEqual(tickTolerance)
}
