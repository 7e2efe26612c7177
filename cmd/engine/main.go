package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_trade_risk/internal/config"
	"github.com/vitos/crypto_trade_risk/internal/domain"
	"github.com/vitos/crypto_trade_risk/internal/infrastructure/exchange"
	"github.com/vitos/crypto_trade_risk/internal/infrastructure/logger"
	"github.com/vitos/crypto_trade_risk/internal/infrastructure/metrics"
	"github.com/vitos/crypto_trade_risk/internal/infrastructure/storage"
	"github.com/vitos/crypto_trade_risk/internal/usecase"
	"github.com/vitos/crypto_trade_risk/internal/web"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 3. Init Storage
	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	// 4. Init Exchange (Bybit), paper venue on top of live market data unless live
	bybit := exchange.NewBybitAdapter(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.RESTEndpoint, cfg.Exchange.WSEndpoint, log)
	var venue domain.OrderVenue = bybit
	if cfg.Exchange.Mode != "live" {
		venue = exchange.NewPaperVenue(bybit, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Exchange.Mode == "live" {
		account, err := bybit.GetAccount(ctx)
		if err != nil {
			log.Fatal("Failed to read API key permissions", zap.Error(err))
		}
		if !account.TradingEnabled {
			log.Fatal("API key is read-only")
		}
		if account.WithdrawalsEnabled {
			log.Warn("API key has withdrawal permission")
		}
	}

	if len(cfg.Exchange.Symbols) > 0 {
		go bybit.StreamTickers(ctx, cfg.Exchange.Symbols)
	}

	// 5. Init Engine
	recorder := metrics.NewPrometheusRecorder()
	engine := usecase.NewTradingEngine(cfg, bybit, venue, store, recorder, log)

	if cfg.Logging.AuditLog != "" {
		auditLogger, err := logger.NewFileLogger(cfg.Logging.AuditLog, "info")
		if err != nil {
			log.Error("Failed to init audit logger, using default", zap.Error(err))
		} else {
			defer auditLogger.Sync()
			engine.Portfolio().SetAuditLogger(auditLogger)
		}
	}

	if err := engine.Start(ctx); err != nil {
		log.Fatal("Failed to load portfolio", zap.Error(err))
	}
	go engine.Run(ctx, time.Duration(cfg.Polling.TickMs)*time.Millisecond)

	// 6. Init Web Server
	server := web.NewServer(cfg.Server.Port, cfg.Storage.Session, engine, store, recorder.Handler(), log)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Engine started",
		zap.String("mode", cfg.Exchange.Mode),
		zap.String("session", cfg.Storage.Session),
		zap.String("protection", cfg.Execution.ProtectionMode))

	// 7. Wait for Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down...")
	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}
}
