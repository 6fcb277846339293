package validate

import (
	"strings"
	"testing"
	"time"

	"papertrade/internal/model"
	"papertrade/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func equity() model.Instrument {
	return model.Instrument{
		Token:          "256265",
		Exchange:       "NSE",
		Segment:        "NSE",
		InstrumentType: types.InstrumentEquity,
		TradingSymbol:  "RELIANCE",
		LotSize:        1,
		TickSize:       d("0.05"),
		Leverage:       5,
		BuyAllowed:     true,
		SellAllowed:    true,
	}
}

func future(expiry time.Time) model.Instrument {
	inst := equity()
	inst.Segment = "NFO-FUT"
	inst.InstrumentType = types.InstrumentFuture
	inst.TradingSymbol = "NIFTY24SEPFUT"
	inst.LotSize = 50
	inst.FreezeQty = 1800
	inst.Expiry = &expiry
	return inst
}

func TestOrderValid(t *testing.T) {
	now := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	res := Order(equity(), types.SideBuy, 10, d("2500.05"), types.ProductDelivery, now)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
}

func TestOrderCollectsAllViolations(t *testing.T) {
	now := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	inst := equity()
	inst.IsReserved = true
	inst.BuyAllowed = false

	res := Order(inst, types.SideBuy, -5, d("0"), types.ProductDelivery, now)
	assert.False(t, res.Valid)
	// reserved, buy not allowed, qty, price — all reported at once
	assert.Len(t, res.Errors, 4)
}

func TestOrderRejections(t *testing.T) {
	now := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	expiry := now.AddDate(0, 1, 0)
	expired := now.AddDate(0, -1, 0)

	tests := []struct {
		name    string
		inst    model.Instrument
		side    types.Side
		qty     int64
		price   decimal.Decimal
		product types.Product
		want    string
	}{
		{
			name: "reserved instrument",
			inst: func() model.Instrument { i := equity(); i.IsReserved = true; return i }(),
			side: types.SideBuy, qty: 1, price: d("100"), product: types.ProductDelivery,
			want: "reserved",
		},
		{
			name: "sell not allowed",
			inst: func() model.Instrument { i := equity(); i.SellAllowed = false; return i }(),
			side: types.SideSell, qty: 1, price: d("100"), product: types.ProductDelivery,
			want: "selling is not permitted",
		},
		{
			name: "lot size mismatch",
			inst: future(expiry),
			side: types.SideBuy, qty: 75, price: d("100"), product: types.ProductIntraday,
			want: "not a multiple of lot size",
		},
		{
			name: "expired derivative",
			inst: future(expired),
			side: types.SideBuy, qty: 50, price: d("100"), product: types.ProductIntraday,
			want: "expired",
		},
		{
			name: "option without strike",
			inst: func() model.Instrument {
				i := future(expiry)
				i.InstrumentType = types.InstrumentCall
				i.Segment = "NFO-OPT"
				return i
			}(),
			side: types.SideBuy, qty: 50, price: d("100"), product: types.ProductIntraday,
			want: "no strike",
		},
		{
			name: "freeze quantity breach",
			inst: future(expiry),
			side: types.SideBuy, qty: 1850, price: d("100"), product: types.ProductIntraday,
			want: "freeze limit",
		},
		{
			name: "off-tick price",
			inst: equity(),
			side: types.SideBuy, qty: 1, price: d("100.03"), product: types.ProductDelivery,
			want: "tick size",
		},
		{
			name: "unknown product",
			inst: equity(),
			side: types.SideBuy, qty: 1, price: d("100"), product: types.Product("nrml"),
			want: "unknown product",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Order(tt.inst, tt.side, tt.qty, tt.price, tt.product, now)
			assert.False(t, res.Valid)
			found := false
			for _, e := range res.Errors {
				if strings.Contains(e, tt.want) {
					found = true
				}
			}
			assert.True(t, found, "expected a violation mentioning %q, got %v", tt.want, res.Errors)
		})
	}
}

func TestOnTickTolerance(t *testing.T) {
	// price exactly on tick
	assert.True(t, onTick(d("100.05"), d("0.05")))
	// remainder just under a full tick counts as on-tick
	assert.True(t, onTick(d("100.049999999999"), d("0.05")))
	// clearly off the grid
	assert.False(t, onTick(d("100.07"), d("0.05")))
	// zero tick disables the check
	assert.True(t, onTick(d("123.456"), decimal.Zero))
}
