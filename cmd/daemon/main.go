package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"fundingarb/internal/api"
	"fundingarb/internal/bot"
	"fundingarb/internal/config"
	"fundingarb/internal/exchange"
	"fundingarb/internal/repository"
	"fundingarb/internal/telemetry"
	"fundingarb/pkg/utils"
)

func main() {
	os.Exit(run())
}

// run собирает демона и возвращает код завершения процесса
//
// Коды: 0 - чистая остановка, 1 - биржа не принимает ключи,
// 2 - состояние требует оператора, 3 - дрейн не уложился в срок.
func run() int {
	// .env опционален: в контейнере переменные приходят из окружения
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return bot.ExitCodeAuthFailure
	}

	log := utils.InitGlobalLogger(utils.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	defer func() { _ = log.Sync() }()

	log.Info("starting funding arbitrage daemon",
		utils.String("exchange", cfg.Exchange.Name),
		utils.Int("max_positions", cfg.Trading.MaxOpenPositions))

	db, err := initDatabase(cfg)
	if err != nil {
		log.Error("database init failed", utils.Err(err))
		return bot.ExitCodeAuthFailure
	}
	defer db.Close()

	store := repository.NewPositionRepository(db)
	if err := store.EnsureSchema(); err != nil {
		log.Error("schema init failed", utils.Err(err))
		return bot.ExitCodeAuthFailure
	}

	ex, err := exchange.NewExchange(cfg.Exchange.Name)
	if err != nil {
		log.Error("unknown exchange", utils.Err(err))
		return bot.ExitCodeAuthFailure
	}
	if err := ex.Connect(cfg.Exchange.APIKey, cfg.Exchange.APISecret); err != nil {
		log.Error("exchange rejected credentials", utils.Err(err))
		return bot.ExitCodeAuthFailure
	}
	defer ex.Close()

	gw := exchange.NewGateway(ex, exchange.GatewayConfig{
		QueryTimeout: cfg.Exchange.QueryTimeout,
		WriteTimeout: cfg.Exchange.WriteTimeout,
		RateLimit:    cfg.Exchange.RateLimit,
		RateBurst:    cfg.Exchange.RateBurst,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := telemetry.NewHub()
	go hub.Run(ctx)

	scanner := bot.NewMarketScanner(gw, bot.ScannerConfig{
		QuoteCurrency:  cfg.Trading.QuoteCurrency,
		MinFundingRate: cfg.Trading.MinFundingRate,
		MinVolume24h:   cfg.Trading.MinVolume24h,
		MinSpread:      cfg.Trading.MinSpread,
		Period:         cfg.Trading.ScannerPeriod,
	})
	manager := bot.NewOrderManager(gw, bot.DefaultExecutorConfig(), hub)
	supervisor := bot.NewSupervisor(bot.SupervisorConfig{
		MaxOpenPositions: cfg.Trading.MaxOpenPositions,
		NotionalPerEntry: cfg.Trading.NotionalPerEntry,
		Period:           cfg.Trading.SupervisorPeriod,
		ScannerPeriod:    cfg.Trading.ScannerPeriod,
		Guardian: bot.GuardianConfig{
			QuoteCurrency:      cfg.Trading.QuoteCurrency,
			ExitFundingRate:    cfg.Trading.ExitFundingRate,
			ExitSpread:         cfg.Trading.ExitSpread,
			NegativeFRDebounce: cfg.Trading.NegativeFRDebounce,
			MarginUsageHigh:    cfg.Trading.MarginUsageHigh,
			MarginUsageTarget:  cfg.Trading.MarginUsageTarget,
			Period:             cfg.Trading.GuardianPeriod,
		},
	}, gw, scanner, manager, store, hub)

	server := startOpsServer(cfg, db, store, hub)

	code := supervisor.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("ops server shutdown failed", utils.Err(err))
	}

	log.Info("daemon stopped", utils.Int("exit_code", code))
	return code
}

// startOpsServer поднимает операторскую поверхность в фоне
func startOpsServer(cfg *config.Config, db *sql.DB, store *repository.PositionRepository, hub *telemetry.Hub) *http.Server {
	log := utils.L().WithComponent("http")

	router := api.SetupRoutes(&api.Dependencies{
		Positions: store,
		DB:        db,
		Hub:       hub,
		Exchange:  cfg.Exchange.Name,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("ops server listening", utils.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("ops server failed", utils.Err(err))
		}
	}()

	return server
}

// initDatabase открывает пул соединений и проверяет доступность БД
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
