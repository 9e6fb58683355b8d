package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/warp/estate-billing/api"
	"github.com/warp/estate-billing/billing"
	"github.com/warp/estate-billing/config"
	"github.com/warp/estate-billing/metrics"
	"github.com/warp/estate-billing/store/postgres"
	"github.com/warp/estate-billing/store/sqlite"
)

// storeCloser is a store the app owns and must close.
type storeCloser interface {
	api.Store
	io.Closer
}

// app is the wired engine shared by every command.
type app struct {
	cfg        config.Config
	log        *zap.Logger
	store      storeCloser
	metrics    *metrics.Collector
	generator  *billing.Generator
	settlement *billing.SettlementEngine
	sweeper    *billing.OverdueSweeper
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (storeCloser, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.PostgresDSN)
	case config.DriverSQLite:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
		}
		return sqlite.New(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		_ = log.Sync()
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}

	a := &app{cfg: cfg, log: log, store: store, metrics: metrics.New()}
	clock := billing.SystemClock{}

	a.generator, err = billing.NewGenerator(billing.GeneratorConfig{
		Directory: store,
		Charges:   store,
		Clock:     clock,
		Log:       log,
		Metrics:   a.metrics,
		Workers:   cfg.Billing.GenerationWorkers,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.settlement, err = billing.NewSettlementEngine(billing.SettlementConfig{
		Store:       store,
		Credentials: billing.NewBcryptVerifier(store),
		Clock:       clock,
		Log:         log,
		Metrics:     a.metrics,
		LockTimeout: cfg.Billing.LockTimeout,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.sweeper, err = billing.NewOverdueSweeper(store, clock, log, a.metrics)
	if err != nil {
		a.close()
		return nil, err
	}

	log.Info("engine ready",
		zap.String("driver", cfg.Store.Driver),
		zap.Int("generation_workers", cfg.Billing.GenerationWorkers),
		zap.Duration("lock_timeout", cfg.Billing.LockTimeout))
	return a, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing store", zap.Error(err))
	}
	_ = a.log.Sync()
}
