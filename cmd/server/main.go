package main

import (
	"context"
	"log"
	"net/http"

	"go.uber.org/zap"

	"betpool/internal/api"
	"betpool/internal/config"
	"betpool/internal/db"
	"betpool/internal/logger"
	"betpool/internal/metrics"
	"betpool/internal/payment"
	"betpool/internal/pool"
	"betpool/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zl, err := logger.New("betpool", cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zl.Sync()

	// DB
	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		zl.Fatal("db open", zap.Error(err))
	}
	zl.Info("connected to database")

	if err := store.Migrate(cfg.MigrationsDir); err != nil {
		zl.Fatal("migrate", zap.Error(err))
	}
	zl.Info("migrations applied")

	// WS hub
	hub := ws.NewHub(zl)

	// Payment gateway + orchestrator
	gateway := payment.NewEfiClient(cfg.EfiBaseURL, cfg.EfiClientID, cfg.EfiClientSecret, cfg.EfiPixKey, zl)
	orch := payment.NewOrchestrator(gateway, store, cfg.ChargeTTL, zl)

	// Pool service
	svc := pool.NewService(store, orch, hub.Publish, zl)

	// Watchers: confirmations detected by polling recompute the pool.
	onPaid := func(betID string) {
		if _, err := svc.RecomputeAggregates(context.Background(), betID); err != nil {
			zl.Error("recompute after watcher confirm", zap.String("betId", betID), zap.Error(err))
		}
	}
	watchers := payment.NewRegistry(store, hub.Publish, onPaid, cfg.PollInterval, zl)
	if n, err := watchers.Resume(context.Background()); err != nil {
		zl.Fatal("resume watchers", zap.Error(err))
	} else if n > 0 {
		zl.Info("watchers resumed", zap.Int("count", n))
	}

	// Metrics/health on its own port.
	metrics.StartServer(cfg.MetricsPort, store.Ping)

	// HTTP
	srv := api.NewServer(store, svc, watchers, hub, cfg.JWTSecret, cfg.PixWebhookSecret, zl)
	zl.Info("listening", zap.String("port", cfg.Port))
	if err := http.ListenAndServe(":"+cfg.Port, srv.Router()); err != nil {
		zl.Fatal("server", zap.Error(err))
	}
}
