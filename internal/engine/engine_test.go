package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"papertrade/internal/fifo"
	"papertrade/internal/ledger"
	"papertrade/internal/margin"
	"papertrade/internal/model"
	"papertrade/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type stubInstruments struct {
	bySymbol map[string]model.Instrument
	byToken  map[string]model.Instrument
}

func newStubInstruments(insts ...model.Instrument) *stubInstruments {
	s := &stubInstruments{bySymbol: map[string]model.Instrument{}, byToken: map[string]model.Instrument{}}
	for _, i := range insts {
		s.bySymbol[i.Exchange+":"+i.TradingSymbol] = i
		s.byToken[i.Token] = i
	}
	return s
}

func (s *stubInstruments) BySymbol(ctx context.Context, exchange, symbol string) (model.Instrument, error) {
	i, ok := s.bySymbol[exchange+":"+symbol]
	if !ok {
		return model.Instrument{}, ledger.ErrNotFound
	}
	return i, nil
}

func (s *stubInstruments) ByToken(ctx context.Context, token string) (model.Instrument, error) {
	i, ok := s.byToken[token]
	if !ok {
		return model.Instrument{}, ledger.ErrNotFound
	}
	return i, nil
}

type stubOracle struct {
	ltp      decimal.Decimal
	ltpErr   error
	close    decimal.Decimal
	closeErr error
}

func (o *stubOracle) LastPrice(ctx context.Context, symbol, exchange string, t types.InstrumentType) (decimal.Decimal, error) {
	if o.ltpErr != nil {
		return decimal.Zero, o.ltpErr
	}
	return o.ltp, nil
}

func (o *stubOracle) HistoricalClose(ctx context.Context, symbol, exchange, segment string, day time.Time) (decimal.Decimal, error) {
	if o.closeErr != nil {
		return decimal.Zero, o.closeErr
	}
	return o.close, nil
}

type stubCalendar struct {
	at  time.Time
	err error
}

func (c *stubCalendar) NextCloseAfter(now time.Time) (time.Time, error) {
	if c.err != nil {
		return time.Time{}, c.err
	}
	return c.at, nil
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

type fixture struct {
	eng    *Engine
	store  *ledger.Memory
	oracle *stubOracle
	acct   model.Account
	close  time.Time
}

func newFixture(t *testing.T, cash string) *fixture {
	t.Helper()
	store := ledger.NewMemory("primary")
	acct := store.SeedAccount("user-1", "", d(cash))
	oracle := &stubOracle{ltp: d("1000")}
	closeAt := time.Now().Add(4 * time.Hour)
	eng := New(store, newStubInstruments(equity()), oracle, &stubCalendar{at: closeAt}, margin.DefaultFees(), nil, zap.NewNop())
	return &fixture{eng: eng, store: store, oracle: oracle, acct: acct, close: closeAt}
}

func (f *fixture) buy(t *testing.T, qty int64, product types.Product) ExecutionResult {
	t.Helper()
	res, err := f.eng.SubmitBuy(context.Background(), OrderRequest{
		AccountID: f.acct.ID, Exchange: "NSE", Symbol: "RELIANCE", Qty: qty, Product: product,
	})
	require.NoError(t, err)
	f.checkInvariants(t)
	return res
}

func (f *fixture) sell(t *testing.T, qty int64, product types.Product) ExecutionResult {
	t.Helper()
	res, err := f.eng.SubmitSell(context.Background(), OrderRequest{
		AccountID: f.acct.ID, Exchange: "NSE", Symbol: "RELIANCE", Qty: qty, Product: product,
	})
	require.NoError(t, err)
	f.checkInvariants(t)
	return res
}

func (f *fixture) account(t *testing.T) model.Account {
	t.Helper()
	a, err := f.store.GetAccount(context.Background(), f.acct.ID)
	require.NoError(t, err)
	return a
}

// checkInvariants asserts qty == Σ lot.remainingQty for every position and
// that account funds never go negative.
func (f *fixture) checkInvariants(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	a := f.account(t)
	assert.False(t, a.Cash.IsNegative(), "cash went negative: %s", a.Cash)
	assert.False(t, a.UsedMargin.IsNegative(), "used margin went negative: %s", a.UsedMargin)

	positions, err := f.store.ListPositions(ctx, f.acct.ID, false)
	require.NoError(t, err)
	for _, p := range positions {
		var lotSum int64
		err := f.store.InTx(ctx, func(tx ledger.Tx) error {
			lots, err := tx.OpenLots(ctx, p.ID)
			if err != nil {
				return err
			}
			lotSum = fifo.Available(lots)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, p.Qty, lotSum, "position %s qty drifted from lots", p.ID)
	}
}

func TestDeliveryRoundTrip(t *testing.T) {
	f := newFixture(t, "100000")

	buy := f.buy(t, 10, types.ProductDelivery)
	assert.True(t, buy.Fees.Equal(d("10")), "buy fees %s", buy.Fees)
	assert.True(t, f.account(t).Cash.Equal(d("89990")))

	pos, err := f.store.GetPosition(context.Background(), buy.PositionID)
	require.NoError(t, err)
	assert.EqualValues(t, 10, pos.Qty)
	assert.True(t, pos.AvgPrice.Equal(d("1000")))
	assert.True(t, pos.IsOpen)
	assert.True(t, f.account(t).UsedMargin.IsZero(), "delivery must not touch margin")

	f.oracle.ltp = d("1100")
	sell := f.sell(t, 10, types.ProductDelivery)
	assert.True(t, sell.Fees.Equal(d("11")), "sell fees %s", sell.Fees)
	assert.True(t, sell.RealizedPnl.Equal(d("989")), "realized %s", sell.RealizedPnl)

	a := f.account(t)
	assert.True(t, a.Cash.Equal(d("100979")), "final cash %s", a.Cash)

	pos, err = f.store.GetPosition(context.Background(), buy.PositionID)
	require.NoError(t, err)
	assert.False(t, pos.IsOpen)
	assert.EqualValues(t, 0, pos.Qty)
	assert.True(t, pos.AvgPrice.IsZero())
	assert.True(t, pos.RealizedPnl.Equal(d("989")))
}

func TestAveragePriceRecompute(t *testing.T) {
	f := newFixture(t, "100000")
	f.oracle.ltp = d("100")
	first := f.buy(t, 10, types.ProductDelivery)

	f.oracle.ltp = d("120")
	second := f.buy(t, 10, types.ProductDelivery)
	assert.Equal(t, first.PositionID, second.PositionID)

	pos, err := f.store.GetPosition(context.Background(), first.PositionID)
	require.NoError(t, err)
	assert.EqualValues(t, 20, pos.Qty)
	assert.True(t, pos.AvgPrice.Equal(d("110")), "avg %s", pos.AvgPrice)
}

func TestLeveragedBuyMargin(t *testing.T) {
	f := newFixture(t, "100000")
	f.oracle.ltp = d("50")

	// leverage 5: order value 5000, margin 1000, intraday fees 2.5
	res := f.buy(t, 100, types.ProductIntraday)
	assert.True(t, res.Fees.Equal(d("2.5")), "fees %s", res.Fees)

	a := f.account(t)
	assert.True(t, a.Cash.Equal(d("98997.5")), "cash %s", a.Cash)
	assert.True(t, a.UsedMargin.Equal(d("1000")), "used margin %s", a.UsedMargin)

	// leveraged buy schedules the auto square-off
	pos, err := f.store.GetPosition(context.Background(), res.PositionID)
	require.NoError(t, err)
	require.NotNil(t, pos.SquareOffAt)
	assert.True(t, pos.SquareOffAt.Equal(f.close))
	assert.Equal(t, types.SquareOffPending, pos.SquareOffStatus)
}

func TestMarginReleaseUsesLotPrice(t *testing.T) {
	f := newFixture(t, "100000")

	f.oracle.ltp = d("100")
	f.buy(t, 10, types.ProductIntraday) // margin 200
	f.oracle.ltp = d("200")
	f.buy(t, 10, types.ProductIntraday) // margin 400

	require.True(t, f.account(t).UsedMargin.Equal(d("600")))

	// selling 10 consumes the 100-priced lot: release 200, not the
	// avg-price 300
	f.oracle.ltp = d("150")
	f.sell(t, 10, types.ProductIntraday)
	assert.True(t, f.account(t).UsedMargin.Equal(d("400")), "used margin %s", f.account(t).UsedMargin)
}

func TestFIFORealizedPnl(t *testing.T) {
	f := newFixture(t, "100000")

	f.oracle.ltp = d("100")
	f.buy(t, 10, types.ProductDelivery)
	f.oracle.ltp = d("110")
	f.buy(t, 10, types.ProductDelivery)

	f.oracle.ltp = d("120")
	sell := f.sell(t, 15, types.ProductDelivery)

	// gross 250 − fees (15×120×0.1% = 1.8)
	assert.True(t, sell.RealizedPnl.Equal(d("248.2")), "realized %s", sell.RealizedPnl)

	pos, err := f.store.GetPosition(context.Background(), sell.PositionID)
	require.NoError(t, err)
	assert.EqualValues(t, 5, pos.Qty)
	assert.True(t, pos.AvgPrice.Equal(d("110")), "remaining lot is 5@110, avg %s", pos.AvgPrice)
}

func TestShortSellRejected(t *testing.T) {
	f := newFixture(t, "100000")

	_, err := f.eng.SubmitSell(context.Background(), OrderRequest{
		AccountID: f.acct.ID, Exchange: "NSE", Symbol: "RELIANCE", Qty: 5, Product: types.ProductDelivery,
	})
	require.Error(t, err)
	assert.Equal(t, types.CodeNotFound, AsError(err).Code)

	positions, err := f.store.ListPositions(context.Background(), f.acct.ID, false)
	require.NoError(t, err)
	assert.Empty(t, positions, "a rejected short sell must not create a position")
}

func TestSellSameProductOnly(t *testing.T) {
	f := newFixture(t, "100000")
	f.buy(t, 10, types.ProductDelivery)

	// an intraday sell cannot consume the delivery position
	_, err := f.eng.SubmitSell(context.Background(), OrderRequest{
		AccountID: f.acct.ID, Exchange: "NSE", Symbol: "RELIANCE", Qty: 5, Product: types.ProductIntraday,
	})
	require.Error(t, err)
	assert.Equal(t, types.CodeNotFound, AsError(err).Code)
}

func TestSellInsufficientQuantity(t *testing.T) {
	f := newFixture(t, "100000")
	f.buy(t, 10, types.ProductDelivery)

	_, err := f.eng.SubmitSell(context.Background(), OrderRequest{
		AccountID: f.acct.ID, Exchange: "NSE", Symbol: "RELIANCE", Qty: 15, Product: types.ProductDelivery,
	})
	require.Error(t, err)
	assert.Equal(t, types.CodeInsufficientQuantity, AsError(err).Code)

	// rejection is all-or-nothing: position untouched
	f.checkInvariants(t)
	positions, err := f.store.ListPositions(context.Background(), f.acct.ID, true)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.EqualValues(t, 10, positions[0].Qty)
}

func TestBuyInsufficientFunds(t *testing.T) {
	f := newFixture(t, "5000")

	_, err := f.eng.SubmitBuy(context.Background(), OrderRequest{
		AccountID: f.acct.ID, Exchange: "NSE", Symbol: "RELIANCE", Qty: 10, Product: types.ProductDelivery,
	})
	require.Error(t, err)
	assert.Equal(t, types.CodeInsufficientFunds, AsError(err).Code)

	a := f.account(t)
	assert.True(t, a.Cash.Equal(d("5000")), "no partial execution")
	positions, err := f.store.ListPositions(context.Background(), f.acct.ID, false)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestValidationCollectsViolations(t *testing.T) {
	f := newFixture(t, "100000")
	reserved := equity()
	reserved.IsReserved = true
	reserved.BuyAllowed = false
	f.eng.instruments = newStubInstruments(reserved)

	_, err := f.eng.SubmitBuy(context.Background(), OrderRequest{
		AccountID: f.acct.ID, Exchange: "NSE", Symbol: "RELIANCE", Qty: 10, Product: types.ProductDelivery,
	})
	require.Error(t, err)
	e := AsError(err)
	assert.Equal(t, types.CodeValidation, e.Code)
	assert.Len(t, e.Violations, 2)
}

func TestPriceUnavailableAbortsBeforeMutation(t *testing.T) {
	f := newFixture(t, "100000")
	f.oracle.ltpErr = errors.New("upstream timeout")

	_, err := f.eng.SubmitBuy(context.Background(), OrderRequest{
		AccountID: f.acct.ID, Exchange: "NSE", Symbol: "RELIANCE", Qty: 10, Product: types.ProductDelivery,
	})
	require.Error(t, err)
	assert.Equal(t, types.CodeExecution, AsError(err).Code)

	a := f.account(t)
	assert.True(t, a.Cash.Equal(d("100000")))
}

func TestUnknownInstrument(t *testing.T) {
	f := newFixture(t, "100000")
	_, err := f.eng.SubmitBuy(context.Background(), OrderRequest{
		AccountID: f.acct.ID, Exchange: "NSE", Symbol: "NOSUCH", Qty: 1, Product: types.ProductDelivery,
	})
	require.Error(t, err)
	assert.Equal(t, types.CodeNotFound, AsError(err).Code)
}

func TestForceCloseReleasesAllMargin(t *testing.T) {
	f := newFixture(t, "100000")
	f.oracle.ltp = d("100")
	res := f.buy(t, 10, types.ProductIntraday) // margin 200, fees 0.5

	f.oracle.ltp = d("110")
	require.NoError(t, f.eng.ForceClose(context.Background(), res.PositionID))
	f.checkInvariants(t)

	a := f.account(t)
	assert.True(t, a.UsedMargin.IsZero(), "used margin %s", a.UsedMargin)
	// 100000 − 200 − 0.5 + 200 + 100 − 0.55
	assert.True(t, a.Cash.Equal(d("100098.95")), "cash %s", a.Cash)

	pos, err := f.store.GetPosition(context.Background(), res.PositionID)
	require.NoError(t, err)
	assert.False(t, pos.IsOpen)
	assert.Equal(t, types.SquareOffCompleted, pos.SquareOffStatus)

	txs, err := f.store.ListTransactions(context.Background(), f.acct.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, txs)
	assert.True(t, txs[0].Forced)
}

func TestForceClosePrefersHistoricalCloseWhenOverdue(t *testing.T) {
	f := newFixture(t, "100000")
	f.oracle.ltp = d("100")
	res := f.buy(t, 10, types.ProductIntraday)

	// pretend the sweep fires long after the scheduled close
	f.eng.now = func() time.Time { return f.close.Add(30 * time.Minute) }
	f.oracle.close = d("95")
	f.oracle.ltp = d("97")

	require.NoError(t, f.eng.ForceClose(context.Background(), res.PositionID))

	txs, err := f.store.ListTransactions(context.Background(), f.acct.ID, 1)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].Price.Equal(d("95")), "expected the EOD close, got %s", txs[0].Price)
}

func TestForceCloseFallsBackToAvgPrice(t *testing.T) {
	f := newFixture(t, "100000")
	f.oracle.ltp = d("100")
	res := f.buy(t, 10, types.ProductIntraday)

	f.eng.now = func() time.Time { return f.close.Add(30 * time.Minute) }
	f.oracle.closeErr = errors.New("no candle")
	f.oracle.ltpErr = errors.New("feed down")

	require.NoError(t, f.eng.ForceClose(context.Background(), res.PositionID))

	txs, err := f.store.ListTransactions(context.Background(), f.acct.ID, 1)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].Price.Equal(d("100")), "expected avg buy price, got %s", txs[0].Price)
}

// lockOrderStore records the order of row-lock acquisitions inside each
// transaction.
type lockOrderStore struct {
	*ledger.Memory
	locks []string
}

func (s *lockOrderStore) InTx(ctx context.Context, fn func(ledger.Tx) error) error {
	return s.Memory.InTx(ctx, func(tx ledger.Tx) error {
		return fn(&lockOrderTx{Tx: tx, s: s})
	})
}

type lockOrderTx struct {
	ledger.Tx
	s *lockOrderStore
}

func (x *lockOrderTx) AccountForUpdate(ctx context.Context, accountID string) (model.Account, error) {
	x.s.locks = append(x.s.locks, "account")
	return x.Tx.AccountForUpdate(ctx, accountID)
}

func (x *lockOrderTx) PositionForUpdate(ctx context.Context, positionID string) (model.Position, error) {
	x.s.locks = append(x.s.locks, "position")
	return x.Tx.PositionForUpdate(ctx, positionID)
}

func (x *lockOrderTx) OpenPositionForUpdate(ctx context.Context, accountID, token string, product types.Product) (model.Position, error) {
	x.s.locks = append(x.s.locks, "position")
	return x.Tx.OpenPositionForUpdate(ctx, accountID, token, product)
}

// Every write path must take the account lock before the position lock.
// With the order inverted, a user sell and a sweep close against the same
// account+position deadlock on the database backend.
func TestForceCloseLocksAccountBeforePosition(t *testing.T) {
	f := newFixture(t, "100000")
	f.oracle.ltp = d("100")
	res := f.buy(t, 10, types.ProductIntraday)

	rec := &lockOrderStore{Memory: f.store}
	f.eng.store = rec

	require.NoError(t, f.eng.ForceClose(context.Background(), res.PositionID))
	require.NotEmpty(t, rec.locks)
	assert.Equal(t, "account", rec.locks[0], "lock sequence: %v", rec.locks)
}

func TestSellLocksAccountBeforePosition(t *testing.T) {
	f := newFixture(t, "100000")
	f.oracle.ltp = d("100")
	f.buy(t, 10, types.ProductIntraday)

	rec := &lockOrderStore{Memory: f.store}
	f.eng.store = rec

	_, err := f.eng.SubmitSell(context.Background(), OrderRequest{
		AccountID: f.acct.ID, Exchange: "NSE", Symbol: "RELIANCE", Qty: 10, Product: types.ProductIntraday,
	})
	require.NoError(t, err)
	require.NotEmpty(t, rec.locks)
	assert.Equal(t, "account", rec.locks[0], "lock sequence: %v", rec.locks)
}

func TestCalendarFallbackStillSchedules(t *testing.T) {
	f := newFixture(t, "100000")
	f.oracle.ltp = d("100")
	f.eng.calendar = &stubCalendar{err: errors.New("calendar down")}

	res := f.buy(t, 10, types.ProductIntraday)

	pos, err := f.store.GetPosition(context.Background(), res.PositionID)
	require.NoError(t, err)
	require.NotNil(t, pos.SquareOffAt, "fallback close must still be scheduled")
	wd := pos.SquareOffAt.Weekday()
	assert.NotEqual(t, time.Saturday, wd)
	assert.NotEqual(t, time.Sunday, wd)
}
