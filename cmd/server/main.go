package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/web3-frozen/lp-monitor/internal/chain"
	"github.com/web3-frozen/lp-monitor/internal/collector"
	"github.com/web3-frozen/lp-monitor/internal/config"
	"github.com/web3-frozen/lp-monitor/internal/dedup"
	"github.com/web3-frozen/lp-monitor/internal/handler"
	"github.com/web3-frozen/lp-monitor/internal/lastgood"
	"github.com/web3-frozen/lp-monitor/internal/middleware"
	"github.com/web3-frozen/lp-monitor/internal/monitor"
	"github.com/web3-frozen/lp-monitor/internal/position"
	"github.com/web3-frozen/lp-monitor/internal/pricing"
	"github.com/web3-frozen/lp-monitor/internal/pricing/sources"
	"github.com/web3-frozen/lp-monitor/internal/store"
	"github.com/web3-frozen/lp-monitor/internal/telegram"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	positions, err := position.LoadFile(cfg.PositionsFile)
	if err != nil {
		logger.Error("failed to load positions", "path", cfg.PositionsFile, "error", err)
		os.Exit(1)
	}
	logger.Info("positions loaded", "path", cfg.PositionsFile, "count", len(positions))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readiness := map[string]handler.Pinger{}

	// Database (optional: without it there is no valuation history)
	var db *store.Store
	if cfg.DatabaseURL != "" {
		db, err = store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		readiness["postgres"] = db
		logger.Info("database connected and migrated")
	} else {
		logger.Warn("DATABASE_URL not set, valuation history disabled")
	}

	// Redis (retry up to 30s for ExternalSecret to sync)
	var dd *dedup.Deduplicator
	for i := 0; i < 6; i++ {
		dd, err = dedup.New(cfg.RedisURL, cfg.RedisPassword)
		if err == nil {
			break
		}
		logger.Warn("redis not ready, retrying...", "attempt", i+1, "error", err)
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		logger.Error("failed to connect to redis after retries", "error", err)
		os.Exit(1)
	}
	defer dd.Close()

	lg, err := lastgood.New(cfg.RedisURL, cfg.RedisPassword, cfg.LastGoodTTL)
	if err != nil {
		logger.Error("failed to open last-good store", "error", err)
		os.Exit(1)
	}
	defer lg.Close()
	readiness["redis"] = dd
	logger.Info("redis connected for alert dedup and last-good quotes")

	// Price tiers: on-chain reserves, Binance stream, CoinGecko, Binance REST.
	// Yield tiers: DefiLlama, Merkl.
	var priceSources []pricing.Source
	var pools monitor.PoolReader
	if cfg.EthRPCURL != "" {
		eth, err := ethclient.DialContext(ctx, cfg.EthRPCURL)
		if err != nil {
			logger.Error("failed to dial ethereum rpc", "error", err)
			os.Exit(1)
		}
		defer eth.Close()

		pairs, err := sources.ParseOnChainPairs(cfg.OnChainPairs)
		if err != nil {
			logger.Error("invalid ONCHAIN_PAIRS", "error", err)
			os.Exit(1)
		}
		if len(pairs) > 0 {
			priceSources = append(priceSources, sources.NewOnChain(eth, pairs))
		}
		pools = chain.NewReserveReader(eth, logger)
		logger.Info("ethereum rpc connected", "onchain_pairs", len(pairs))
	} else {
		logger.Warn("ETH_RPC_URL not set, on-chain prices and reserves disabled")
	}
	ticker := collector.NewTicker(positionSymbols(positions), cfg.StreamMaxAge, logger)
	priceSources = append(priceSources,
		ticker,
		sources.NewCoinGecko(cfg.CoinGeckoAPIKey, cfg.CoinGeckoIDs),
		sources.NewBinance(),
	)
	yieldSources := []pricing.YieldSource{sources.NewDefiLlama(), sources.NewMerkl()}

	manager := pricing.NewManager(priceSources, yieldSources, pricing.Config{
		CacheTTL:     cfg.CacheTTL,
		FetchTimeout: cfg.FetchTimeout,
	}, logger)

	coord := monitor.NewCoordinator(manager, positions, monitor.CoordinatorConfig{
		Concurrency: cfg.Concurrency,
		Pools:       pools,
		LastKnown:   lg,
	}, logger)

	engineCfg := monitor.EngineConfig{
		Interval:     cfg.EvalInterval,
		CycleTimeout: cfg.CycleTimeout,
		AlertChatIDs: cfg.AlertChatIDs,
		Dedup:        dd,
		OnReload: func(ps []position.Position) {
			ticker.SetSymbols(positionSymbols(ps))
		},
	}
	var history handler.HistoryReader
	if db != nil {
		engineCfg.History = db
		history = db
	}
	engine := monitor.NewEngine(coord, engineCfg, logger)

	// Telegram bot (optional: without it IL alerts are only logged and exported)
	if cfg.TelegramToken != "" {
		bot := telegram.NewBot(cfg.TelegramToken, engine, cfg.AlertChatIDs, logger)
		engine.SetNotifier(bot)
		go bot.Run(ctx)
	} else {
		logger.Warn("TELEGRAM_BOT_TOKEN not set, IL alerts disabled")
	}

	// Start background goroutines
	go ticker.Run(ctx)
	go engine.Run(ctx)
	if db != nil {
		go pruneHistory(ctx, db, cfg.HistoryRetention, logger)
	}

	// HTTP routes
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics("/metrics", "/healthz", "/readyz"))
	r.Use(middleware.CORS(cfg.FrontendOrigin))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", handler.Health())
	r.Get("/readyz", handler.Ready(engine, readiness))

	r.Route("/api", func(r chi.Router) {
		r.Get("/valuations", handler.ListValuations(engine))
		r.Get("/valuations/{name}/history", handler.ValuationHistory(history, nil))
		r.Get("/reliability", handler.Reliability(engine))
		r.Post("/reliability/reset", handler.ResetReliability(engine))
		r.Get("/positions", handler.ListPositions(engine))
		r.Post("/positions/reload", handler.ReloadPositions(cfg.PositionsFile, engine, logger))
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down gracefully")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

// positionSymbols lists every token symbol across positions, in order.
func positionSymbols(positions []position.Position) []string {
	var out []string
	for _, p := range positions {
		out = append(out, p.Symbols()...)
	}
	return out
}

// pruneHistory drops snapshots older than retention once a day.
func pruneHistory(ctx context.Context, db *store.Store, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		n, err := db.PruneValuations(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Error("prune valuation history failed", "error", err)
		} else if n > 0 {
			logger.Info("pruned valuation history", "rows", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
