package marketdata

import (
	"context"
	"fmt"
	"time"

	"papertrade/internal/types"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CachedOracle wraps a price source with a Redis read-through cache for
// last-traded prices. Cache failures degrade to the inner source; they
// never fail a quote. Historical closes are immutable and cached for a day.
type CachedOracle struct {
	inner    *Client
	rdb      *redis.Client
	ltpTTL   time.Duration
	closeTTL time.Duration
	log      *zap.Logger
}

func NewCachedOracle(inner *Client, rdb *redis.Client, ltpTTL time.Duration, log *zap.Logger) *CachedOracle {
	if ltpTTL <= 0 {
		ltpTTL = 2 * time.Second
	}
	return &CachedOracle{
		inner:    inner,
		rdb:      rdb,
		ltpTTL:   ltpTTL,
		closeTTL: 24 * time.Hour,
		log:      log,
	}
}

func (o *CachedOracle) LastPrice(ctx context.Context, symbol, exchange string, instrumentType types.InstrumentType) (decimal.Decimal, error) {
	key := fmt.Sprintf("ltp:%s:%s", exchange, symbol)
	if p, ok := o.get(ctx, key); ok {
		return p, nil
	}
	price, err := o.inner.LastPrice(ctx, symbol, exchange, instrumentType)
	if err != nil {
		return decimal.Zero, err
	}
	o.set(ctx, key, price, o.ltpTTL)
	return price, nil
}

func (o *CachedOracle) HistoricalClose(ctx context.Context, symbol, exchange, segment string, day time.Time) (decimal.Decimal, error) {
	key := fmt.Sprintf("close:%s:%s:%s", exchange, symbol, day.Format("2006-01-02"))
	if p, ok := o.get(ctx, key); ok {
		return p, nil
	}
	price, err := o.inner.HistoricalClose(ctx, symbol, exchange, segment, day)
	if err != nil {
		return decimal.Zero, err
	}
	o.set(ctx, key, price, o.closeTTL)
	return price, nil
}

func (o *CachedOracle) get(ctx context.Context, key string) (decimal.Decimal, bool) {
	raw, err := o.rdb.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			o.log.Debug("price cache read failed", zap.String("key", key), zap.Error(err))
		}
		return decimal.Zero, false
	}
	p, err := decimal.NewFromString(raw)
	if err != nil || p.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, false
	}
	return p, true
}

func (o *CachedOracle) set(ctx context.Context, key string, price decimal.Decimal, ttl time.Duration) {
	if err := o.rdb.Set(ctx, key, price.String(), ttl).Err(); err != nil {
		o.log.Debug("price cache write failed", zap.String("key", key), zap.Error(err))
	}
}
