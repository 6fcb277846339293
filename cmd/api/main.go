package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"papertrade/internal/auth"
	"papertrade/internal/config"
	"papertrade/internal/db"
	"papertrade/internal/engine"
	"papertrade/internal/events"
	"papertrade/internal/httpserver"
	"papertrade/internal/instruments"
	"papertrade/internal/ledger"
	"papertrade/internal/marketdata"
	"papertrade/internal/orders"
	"papertrade/internal/squareoff"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		logger.Fatal("connect db", zap.Error(err))
	}
	defer pool.Close()

	loc, err := time.LoadLocation(cfg.MarketTimezone)
	if err != nil {
		logger.Fatal("load market timezone", zap.Error(err))
	}
	calendar := marketdata.NewSessionCalendar(cfg.MarketCloseHour, cfg.MarketCloseMin, loc)

	quotes := marketdata.NewClient(cfg.OracleBaseURL, logger)
	var oracle engine.PriceOracle = quotes
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		oracle = marketdata.NewCachedOracle(quotes, rdb, cfg.PriceCacheTTL, logger)
	}

	instrumentStore := instruments.NewStore(pool)
	bus := events.NewBus()

	primaryStore := ledger.NewPG(pool, "primary", ledger.PrimaryTables)
	eventStore := ledger.NewPG(pool, "event", ledger.EventTables)
	primaryEngine := engine.New(primaryStore, instrumentStore, oracle, calendar, cfg.Fees, bus, logger.Named("primary"))
	eventEngine := engine.New(eventStore, instrumentStore, oracle, calendar, cfg.Fees, bus, logger.Named("event"))

	primarySweeper := squareoff.New(primaryStore, primaryEngine, cfg.SquareOffSweep, logger.Named("squareoff.primary"))
	eventSweeper := squareoff.New(eventStore, eventEngine, cfg.SquareOffSweep, logger.Named("squareoff.event"))
	primarySweeper.Start()
	eventSweeper.Start()
	defer primarySweeper.Stop()
	defer eventSweeper.Stop()

	authSvc := auth.NewService(cfg.JWTIssuer, []byte(cfg.JWTSecret))
	orderHandler := orders.NewHandler(primaryEngine, eventEngine, logger)
	wsHandler := httpserver.NewWSHandler(bus, authSvc, cfg.WebSocketOrigin)
	router := httpserver.NewRouter(httpserver.RouterDeps{
		OrderHandler: orderHandler,
		AuthService:  authSvc,
		WSHandler:    wsHandler,
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	logger.Info("server listening", zap.String("addr", cfg.HTTPAddr))
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server exited", zap.Error(err))
	}
}
