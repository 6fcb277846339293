package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"papertrade/internal/margin"

	"github.com/shopspring/decimal"
)

type Config struct {
	HTTPAddr  string
	DBDSN     string
	JWTIssuer string
	JWTSecret string

	OracleBaseURL string
	RedisAddr     string // optional; empty disables the price cache
	PriceCacheTTL time.Duration

	MarketTimezone  string
	MarketCloseHour int
	MarketCloseMin  int
	SquareOffSweep  time.Duration
	WebSocketOrigin string
	Fees            margin.FeeSchedule
}

func Load() (Config, error) {
	var c Config
	var missing []string

	c.HTTPAddr = os.Getenv("HTTP_ADDR")
	if c.HTTPAddr == "" {
		missing = append(missing, "HTTP_ADDR")
	}
	c.DBDSN = os.Getenv("DB_DSN")
	if c.DBDSN == "" {
		missing = append(missing, "DB_DSN")
	}
	c.JWTIssuer = os.Getenv("JWT_ISSUER")
	if c.JWTIssuer == "" {
		missing = append(missing, "JWT_ISSUER")
	}
	c.JWTSecret = os.Getenv("JWT_SECRET")
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	c.OracleBaseURL = os.Getenv("ORACLE_BASE_URL")
	if c.OracleBaseURL == "" {
		missing = append(missing, "ORACLE_BASE_URL")
	}
	c.RedisAddr = os.Getenv("REDIS_ADDR")
	c.WebSocketOrigin = os.Getenv("WS_ORIGIN")

	var err error
	if c.PriceCacheTTL, err = durationEnv("PRICE_CACHE_TTL", 2*time.Second); err != nil {
		return c, err
	}
	if c.SquareOffSweep, err = durationEnv("SQUAREOFF_SWEEP_INTERVAL", time.Minute); err != nil {
		return c, err
	}

	c.MarketTimezone = os.Getenv("MARKET_TZ")
	if c.MarketTimezone == "" {
		c.MarketTimezone = "Asia/Kolkata"
	}
	closeAt := os.Getenv("MARKET_CLOSE")
	if closeAt == "" {
		closeAt = "15:15"
	}
	if c.MarketCloseHour, c.MarketCloseMin, err = parseClock(closeAt); err != nil {
		return c, fmt.Errorf("invalid MARKET_CLOSE: %w", err)
	}

	c.Fees = margin.DefaultFees()
	if c.Fees.IntradayRate, err = decimalEnv("FEE_INTRADAY_RATE", c.Fees.IntradayRate.String()); err != nil {
		return c, err
	}
	if c.Fees.DeliveryRate, err = decimalEnv("FEE_DELIVERY_RATE", c.Fees.DeliveryRate.String()); err != nil {
		return c, err
	}
	if c.Fees.DerivativeFlat, err = decimalEnv("FEE_DERIVATIVE_FLAT", c.Fees.DerivativeFlat.String()); err != nil {
		return c, err
	}

	if len(missing) > 0 {
		return c, errors.New("missing required env: " + strings.Join(missing, ", "))
	}
	return c, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func decimalEnv(key, def string) (decimal.Decimal, error) {
	raw := os.Getenv(key)
	if raw == "" {
		raw = def
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func parseClock(s string) (int, int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("bad minute in %q", s)
	}
	return h, m, nil
}
