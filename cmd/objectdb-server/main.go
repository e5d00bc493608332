package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/objectdb/objectdb-server/internal/auth"
	"github.com/objectdb/objectdb-server/internal/config"
	"github.com/objectdb/objectdb-server/internal/kvstore"
	"github.com/objectdb/objectdb-server/internal/logging"
	"github.com/objectdb/objectdb-server/internal/metrics"
	"github.com/objectdb/objectdb-server/internal/objectdb/engine"
	"github.com/objectdb/objectdb-server/internal/replication"
	"github.com/objectdb/objectdb-server/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	metricsRegistry := metrics.NewRegistry()

	var publisher engine.Publisher
	if cfg.NATS.Enabled {
		pub, err := replication.Dial(cfg.NATS.URL)
		if err != nil {
			logger.Fatal("nats connect failed", zap.Error(err))
		}
		defer pub.Close()
		publisher = pub
	}

	store := kvstore.NewMemory()
	eng := engine.NewServer(store, engine.Options{
		HeartbeatInterval:        cfg.ObjectDB.HeartbeatInterval,
		LongTransactionThreshold: cfg.ObjectDB.LongTransactionThreshold,
		Verbose:                  cfg.ObjectDB.Verbose,
		Logger:                   logger,
		Metrics:                  metricsAdapter{metricsRegistry},
		Publisher:                publisher,
	})

	if err := eng.ReapStaleConnections(); err != nil {
		logger.Fatal("reap stale connections failed", zap.Error(err))
	}

	var authManager *auth.Manager
	if cfg.Auth.Required {
		authManager = auth.NewManager(cfg.Auth.SecretKey, cfg.Auth.TokenDuration)
	}

	transportServer := transport.NewServer(cfg, logger, eng, metricsRegistry, authManager)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := transportServer.Start(ctx); err != nil {
		logger.Fatal("transport start failed", zap.Error(err))
	}

	heartbeatTicker := time.NewTicker(eng.HeartbeatInterval())
	defer heartbeatTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeatTicker.C:
				eng.CheckForDeadConnections()
			}
		}
	}()

	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- runHTTPServer(ctx, cfg, metricsRegistry, logger)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("http server error", zap.Error(err))
		}
		stop()
	}

	transportServer.Stop()
	logger.Info("transport stopped")
}

func runHTTPServer(ctx context.Context, cfg config.Config, metricsRegistry *metrics.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Endpoint, metricsRegistry.Handler())
	}

	httpServer := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics http server starting", zap.String("addr", cfg.Metrics.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// metricsAdapter satisfies engine.Metrics over the Prometheus
// collectors in metrics.Registry, keeping the engine package itself
// free of a direct Prometheus dependency.
type metricsAdapter struct {
	r *metrics.Registry
}

func (m metricsAdapter) IncConnections()    { m.r.Connections.Inc() }
func (m metricsAdapter) DecConnections()    { m.r.Connections.Dec() }
func (m metricsAdapter) IncTransactions()   { m.r.Transactions.Inc() }
func (m metricsAdapter) IncConflicts()      { m.r.Conflicts.Inc() }
func (m metricsAdapter) IncSubscriptions()  { m.r.Subscriptions.Inc() }
func (m metricsAdapter) IncHeartbeatDrops() { m.r.HeartbeatDrops.Inc() }
func (m metricsAdapter) IncReplicationErr() { m.r.ReplicationErr.Inc() }
func (m metricsAdapter) ObserveCommitLatency(d time.Duration) {
	m.r.CommitLatency.Observe(d.Seconds())
}
func (m metricsAdapter) ObserveSnapshotLatency(d time.Duration) {
	m.r.SnapshotLatency.Observe(d.Seconds())
}
