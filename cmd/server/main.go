// Package main provides the API server entry point for the lending client.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/defi-lever/internal/adapter"
	"github.com/defi-lever/internal/api"
	"github.com/defi-lever/internal/composer"
	"github.com/defi-lever/internal/config"
	"github.com/defi-lever/internal/dataservice"
	"github.com/defi-lever/internal/logging"
	"github.com/defi-lever/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	if cfg.Chain.DataServiceURL == "" {
		log.Fatal("DATA_SERVICE_URL is required")
	}
	if cfg.Composer.FundingAsset == "" {
		log.Fatal("FUNDING_ASSET is required")
	}

	// Protocol data service backs the market clients, swap quotes, flash
	// fees and prices
	ds, err := dataservice.NewClient(cfg.Chain.DataServiceURL)
	if err != nil {
		log.Fatalf("Failed to create data service client: %v", err)
	}

	// Optional Redis cache in front of reward-token metadata lookups
	var metadata adapter.MetadataSource = ds
	if cfg.Cache.Enabled {
		redis, err := storage.NewRedisCache(&cfg.Cache)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redis.Close()

		metadata, err = storage.NewTokenMetadataCache(redis, ds, cfg.Cache.TTL)
		if err != nil {
			log.Fatalf("Failed to create token metadata cache: %v", err)
		}
		logger.Info("Token metadata cache enabled")
	}

	// Optional ClickHouse operation history
	var history api.OperationHistory
	if cfg.Audit.Enabled {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Audit)
		if err != nil {
			log.Fatalf("Failed to connect to ClickHouse: %v", err)
		}
		defer clickhouse.Close()

		opLog, err := storage.NewOperationLog(context.Background(), clickhouse)
		if err != nil {
			log.Fatalf("Failed to create operation log: %v", err)
		}
		history = opLog
		logger.Info("Operation audit log enabled")
	}

	// Initialize market adapters
	aave, err := adapter.NewAaveAdapter(&adapter.AaveAdapterConfig{
		Client:                   ds,
		Metadata:                 metadata,
		WithdrawSafetyMultiplier: cfg.Composer.WithdrawSafetyMultiplier,
	})
	if err != nil {
		log.Fatalf("Failed to create Aave adapter: %v", err)
	}

	compound, err := adapter.NewCompoundAdapter(&adapter.CompoundAdapterConfig{
		Client:                   ds,
		Metadata:                 metadata,
		WithdrawSafetyMultiplier: cfg.Composer.WithdrawSafetyMultiplier,
	})
	if err != nil {
		log.Fatalf("Failed to create Compound adapter: %v", err)
	}

	markets := make(map[string]*api.Market)
	for _, market := range []adapter.MarketAdapter{aave, compound} {
		initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := market.Initialize(initCtx)
		cancel()
		if err != nil {
			logger.WithError(err).WithField("market", string(market.MarketID())).Warn("Skipping market: initialization failed")
			continue
		}

		fundingAsset, err := market.ResolveReserve(cfg.Composer.FundingAsset)
		if err != nil {
			logger.WithError(err).WithField("market", string(market.MarketID())).Warn("Skipping market: funding asset not listed")
			continue
		}

		comp, err := composer.New(&composer.Config{
			Adapter:             market,
			Router:              ds,
			Lender:              ds,
			Oracle:              ds,
			LeverageBufferBps:   cfg.Composer.LeverageBufferBps,
			DeleverageBufferBps: cfg.Composer.DeleverageBufferBps,
		})
		if err != nil {
			log.Fatalf("Failed to create composer for %s: %v", market.MarketID(), err)
		}

		markets[string(market.MarketID())] = &api.Market{
			Service:      market,
			Preview:      comp,
			FundingAsset: fundingAsset,
		}
		logger.WithFields(map[string]interface{}{
			"market":       string(market.MarketID()),
			"fundingAsset": fundingAsset,
		}).Info("Market registered")
	}

	if len(markets) == 0 {
		log.Fatal("No markets could be initialized")
	}

	server := api.NewServer(&api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RateLimitRPS:    cfg.RateLimit.RequestsPerSec,
		RateLimitBurst:  cfg.RateLimit.Burst,
	}, markets, history)

	// Start server in background and wait for shutdown signal
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.WithError(err).Error("API server stopped")
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Shutdown failed")
		}
	}
}
