// Package engine wires the offline components into a running daemon.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"beacon/offline/internal/cache"
	"beacon/offline/internal/config"
	"beacon/offline/internal/gateway"
	"beacon/offline/internal/netmon"
	"beacon/offline/internal/store"
	"beacon/offline/internal/syncer"
	"beacon/offline/internal/worker"
)

// Engine bootstraps the offline engine, wires all components, and runs until
// shutdown.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger
}

// New creates an Engine.
func New(cfg *config.Config, logger *zap.Logger) *Engine {
	return &Engine{cfg: cfg, logger: logger}
}

// Run bootstraps all components and blocks until SIGINT/SIGTERM.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Starting offline engine",
		zap.String("backend", e.cfg.Storage.Backend),
		zap.String("addr", e.cfg.Gateway.Addr))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// --- 1. Open the persistent store ---
	st, err := e.openStore()
	if err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	defer st.Close()

	// --- 2. Cache manager ---
	cm := cache.New(st, e.cfg, e.logger)

	// --- 3. Network monitor ---
	mon := netmon.New(e.cfg.Netmon, e.logger)
	if e.cfg.Netmon.ProbeURL != "" {
		client := &http.Client{Timeout: e.cfg.Gateway.RequestTimeout}
		netmon.NewProber(mon, e.cfg.Netmon, client.Do, e.logger).Start(runCtx)
	}

	// --- 4. Sync orchestrator ---
	orch := syncer.New(st, mon, e.cfg.Sync, e.logger)
	orch.Start(runCtx)
	defer orch.Close()

	// --- 5. Background worker ---
	w := worker.New(e.cfg, cm, orch, mon, nil, e.logger)
	// Install is best-effort: a cold start without connectivity must
	// still boot and serve whatever earlier runs cached.
	if err := w.Install(runCtx); err != nil {
		e.logger.Warn("Precache incomplete, continuing", zap.Error(err))
	} else if pruned, err := w.Activate(runCtx); err != nil {
		e.logger.Warn("Activate failed", zap.Error(err))
	} else {
		e.logger.Info("Worker activated",
			zap.Int("version", w.Version()),
			zap.Int("pruned", pruned))
	}
	if err := w.Run(runCtx); err != nil {
		return fmt.Errorf("worker run: %w", err)
	}
	defer w.Close()

	// --- 6. HTTP gateway ---
	gw := gateway.New(e.cfg.Gateway, cm, orch, mon, w, e.logger)
	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start() }()

	e.logger.Info("Offline engine running", zap.String("gateway", e.cfg.Gateway.Addr))

	// --- 7. Wait for shutdown signal ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case <-sigCh:
		e.logger.Info("Shutdown signal received")
	case <-ctx.Done():
		e.logger.Info("Context cancelled")
	case err := <-errCh:
		runErr = err
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), e.cfg.Gateway.ShutdownTimeout)
	defer cancelShutdown()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		runErr = multierr.Append(runErr, fmt.Errorf("gateway shutdown: %w", err))
	}
	return runErr
}

// openStore selects and initialises the configured backend.
func (e *Engine) openStore() (store.Store, error) {
	if err := os.MkdirAll(e.cfg.Storage.Path, 0o755); err != nil {
		return nil, err
	}
	var st store.Store
	switch e.cfg.Storage.Backend {
	case "sqlite":
		st = store.NewSQLiteStore(filepath.Join(e.cfg.Storage.Path, "offline.db"), e.cfg.Storage.QuotaBytes, e.logger)
	case "", "pebble":
		st = store.NewPebbleStore(filepath.Join(e.cfg.Storage.Path, "pebble"), e.cfg.Storage.QuotaBytes, e.logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", e.cfg.Storage.Backend)
	}
	if err := st.Init(); err != nil {
		return nil, err
	}
	return st, nil
}
