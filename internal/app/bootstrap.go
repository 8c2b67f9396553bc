// Package app wires the process together: configuration, persistence,
// the exchange session, the order engine and the control API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/captainplanet9000/cival-dashboard-sub008/internal/api"
	"github.com/captainplanet9000/cival-dashboard-sub008/internal/domain"
	"github.com/captainplanet9000/cival-dashboard-sub008/internal/engine"
	"github.com/captainplanet9000/cival-dashboard-sub008/internal/exchange/bitget"
	"github.com/captainplanet9000/cival-dashboard-sub008/internal/infra"
	"github.com/captainplanet9000/cival-dashboard-sub008/internal/risk"
	"github.com/captainplanet9000/cival-dashboard-sub008/internal/storage"
)

// Bootstrap orchestrates the application startup sequence.
type Bootstrap struct {
	Config   *infra.Config
	Store    storage.TradeStore
	Exchange domain.Exchange
	Engine   *engine.Engine
	Server   *http.Server

	client *bitget.Client
	stream *bitget.TickerStream
	unlock func()
}

func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize builds every component and brings the engine to running.
func (b *Bootstrap) Initialize(ctx context.Context, configPath string) error {
	slog.Info("🚀 Bootstrapping cival engine...")

	// 1. Load config.
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	// 2. Setup logger.
	logger := infra.NewLogger(cfg.Logging.Level, cfg.Logging.Format, nil)
	slog.SetDefault(logger)

	infra.PrintBanner(cfg)

	// 3. Workspace layout and single-instance lock. Two engines on the
	// same data directory would corrupt the sqlite store and double
	// the venue traffic.
	workDir := infra.WorkspaceDir()
	dataDir := filepath.Join(workDir, "data", cfg.Engine.Mode)
	if err := infra.EnsureDir(dataDir); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	unlock, err := infra.CreateLockFile(workDir)
	if err != nil {
		return err
	}
	b.unlock = unlock

	// 4. Persistence.
	store, err := b.openStore(ctx, dataDir)
	if err != nil {
		return err
	}
	b.Store = store

	// 5. Exchange session. Paper mode opens a public session so fills
	// price off real market data without touching a real account.
	b.Exchange = b.openExchange()
	if b.stream != nil {
		b.stream.Start(ctx)
		slog.Info("✅ Ticker stream started", slog.Int("symbols", len(cfg.API.Bitget.Symbols)))
	}

	// 6. Risk gate and engine.
	creds := domain.Credentials{}
	if cfg.Engine.Mode == string(engine.ModeLive) {
		creds = cfg.Credentials()
	}
	gate := risk.NewGate(cfg.RiskParameters(), slog.Default())
	eng := engine.New(engine.Config{
		Mode:            engine.Mode(cfg.Engine.Mode),
		Scope:           cfg.Engine.Scope,
		Symbols:         cfg.Engine.Symbols,
		Credentials:     creds,
		QuoteAsset:      cfg.Engine.QuoteAsset,
		InitialFunds:    decimal.NewFromFloat(cfg.Engine.InitialFunds),
		PollInterval:    cfg.PollInterval(),
		SubmitDelay:     cfg.SubmitDelay(),
		ShutdownTimeout: cfg.ShutdownTimeout(),
	}, b.Exchange, gate, store, slog.Default())
	if err := eng.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	b.Engine = eng

	// 7. Control API.
	b.Server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.New(eng, store, cfg.Server.WSOrigin, slog.Default()).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

func (b *Bootstrap) openStore(ctx context.Context, dataDir string) (storage.TradeStore, error) {
	switch b.Config.Storage.Driver {
	case "none":
		slog.Info("📦 Persistence disabled")
		return nil, nil
	case "postgres":
		store, err := storage.NewPostgresStore(ctx, b.Config.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		slog.Info("✅ Postgres store ready")
		return store, nil
	default:
		path := b.Config.Storage.DSN
		if path == "" {
			path = filepath.Join(dataDir, "trades.db")
		}
		store, err := storage.NewSQLiteStore(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		slog.Info("✅ SQLite store ready (WAL-mode)", slog.String("path", path))
		return store, nil
	}
}

func (b *Bootstrap) openExchange() domain.Exchange {
	cfg := b.Config
	client := bitget.NewClient(bitget.Options{
		RestURL: cfg.API.Bitget.RestURL,
		Symbols: cfg.API.Bitget.Symbols,
		Demo:    cfg.API.Bitget.Demo,
	}, slog.Default())
	if len(cfg.API.Bitget.Symbols) > 0 {
		stream := bitget.NewTickerStream(cfg.API.Bitget.WSURL, cfg.API.Bitget.Symbols, slog.Default())
		client.AttachStream(stream)
		b.stream = stream
	}
	b.client = client
	return client
}

// Run serves the control API until the context is canceled or the
// server fails, then tears everything down in dependency order.
func (b *Bootstrap) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("🌐 Control API listening", slog.String("addr", b.Server.Addr))
		if err := b.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("✨ Engine fully operational. Press Ctrl+C to exit.")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		slog.Error("❌ Control API failed", slog.Any("error", runErr))
	}

	b.shutdown()
	return runErr
}

// shutdown stops intake first, then the engine, then the plumbing.
func (b *Bootstrap) shutdown() {
	slog.Info("👋 Shutting down gracefully...")

	timeout := b.Config.ShutdownTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := b.Server.Shutdown(shCtx); err != nil {
		slog.Warn("control API shutdown", slog.Any("error", err))
	}
	if err := b.Engine.Shutdown(shCtx); err != nil {
		slog.Warn("engine shutdown", slog.Any("error", err))
	}
	if b.stream != nil {
		b.stream.Stop()
	}
	if b.client != nil {
		b.client.Close()
	}
	if b.Store != nil {
		if err := b.Store.Close(); err != nil {
			slog.Warn("store close", slog.Any("error", err))
		}
	}
	if b.unlock != nil {
		b.unlock()
	}
	slog.Info("✅ Shutdown complete")
}
