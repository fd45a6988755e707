package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"crmsync/internal/chatwoot"
	"crmsync/internal/config"
	"crmsync/internal/dedup"
	"crmsync/internal/httpserver"
	"crmsync/internal/ingest"
	"crmsync/internal/logging"
	"crmsync/internal/observability"
	"crmsync/internal/reconcile"
	"crmsync/internal/relay"
	"crmsync/internal/store/pg"
)

func main() {
	cfg := config.LoadWebhook()
	logging.Init("webhook", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startupCtx, startupCancel := context.WithTimeout(ctx, 5*time.Second)
	defer startupCancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		slog.Error("webhook db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.RunMigrations {
		if err := pg.Migrate(ctx, db); err != nil {
			slog.Error("webhook migrations failed", "err", err)
			os.Exit(1)
		}
	}
	store := pg.New(db)

	observability.Register(prometheus.DefaultRegisterer)

	rec := reconcile.New(store)
	rl := relay.New(
		&chatwoot.Client{BaseURL: cfg.ChatwootBaseURL, HTTP: &http.Client{Timeout: cfg.ChatwootTimeout}},
		rec,
		relay.Options{
			RPS:             cfg.ChatwootRPS,
			Burst:           cfg.ChatwootBurst,
			BreakerFailures: cfg.ChatwootBreakerFailures,
			CallTimeout:     cfg.ChatwootTimeout,
			MaxAttempts:     cfg.ChatwootMaxAttempts,
		},
	)

	readyChecks := []httpserver.ReadyzCheck{store.Ping}
	if cfg.RedisAddr != "" {
		rd := dedup.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.DedupTTL)
		defer rd.Close()
		if err := rd.Ping(startupCtx); err != nil {
			// dedup fails open, so an unreachable redis is not fatal
			slog.Warn("webhook redis not reachable", "err", err, "addr", cfg.RedisAddr)
		}
		rl.Dedup = rd
		readyChecks = append(readyChecks, rd.Ping)
		slog.Info("gateway message dedup enabled", "addr", cfg.RedisAddr, "ttl", cfg.DedupTTL)
	}

	wh := &httpserver.Webhook{
		Support:        &ingest.Support{R: rec},
		Gateway:        &ingest.Gateway{R: rec, Relay: rl},
		Auditor:        &reconcile.Auditor{Store: store},
		Limiter:        httpserver.NewIPLimiter(cfg.GatewayRateLimitRPS, cfg.GatewayRateLimitBurst),
		TrustedProxies: cfg.GatewayTrustedProxies,
		GatewaySecret:  cfg.GatewayWebhookSecret,
	}
	if cfg.GatewayWebhookSecret == "" {
		slog.Warn("GATEWAY_WEBHOOK_SECRET not set, only per-instance tokens are accepted")
	}

	s := httpserver.New()
	wh.Register(s.Mux)
	httpserver.RegisterHealth(s.Mux, 2*time.Second, readyChecks...)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           httpserver.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("webhook listening", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()
	go func() {
		slog.Info("webhook metrics listening", "port", cfg.MetricsPort)
		errCh <- metricsSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("webhook server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("webhook shutdown", "signal", sig.String())
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
}
