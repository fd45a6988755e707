package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crmsync/internal/awsutil"
	"crmsync/internal/chatwoot"
	"crmsync/internal/config"
	"crmsync/internal/dedup"
	"crmsync/internal/httpserver"
	"crmsync/internal/ingest"
	"crmsync/internal/logging"
	"crmsync/internal/observability"
	sqsqueue "crmsync/internal/queue/sqs"
	"crmsync/internal/reconcile"
	"crmsync/internal/relay"
	"crmsync/internal/store/pg"
)

func main() {
	cfg := config.LoadReplayWorker()
	logging.Init("replay-worker", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())

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
		slog.Error("replay-worker db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("replay-worker sqs client init failed", "err", err)
		os.Exit(1)
	}
	queueReady := func(c context.Context) error {
		_, err := sqsClient.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
			QueueUrl:       &cfg.ReplayQueueURL,
			AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
		})
		return err
	}
	if err := queueReady(startupCtx); err != nil {
		slog.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}

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
	if cfg.RedisAddr != "" {
		rd := dedup.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.DedupTTL)
		defer rd.Close()
		rl.Dedup = rd
	}

	replayer := &ingest.Replayer{
		Store:   store,
		Auditor: &reconcile.Auditor{Store: store},
		Support: &ingest.Support{R: rec},
		Gateway: &ingest.Gateway{R: rec, Relay: rl},
	}
	consumer := &sqsqueue.Consumer{
		SQS:               sqsClient,
		QueueURL:          cfg.ReplayQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}

	// health + metrics
	s := httpserver.New()
	httpserver.RegisterHealth(s.Mux, 2*time.Second, store.Ping, queueReady)
	s.Mux.Handle("/metrics", promhttp.Handler())
	healthSrv := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           s.Mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("replay-worker health listening", "port", cfg.MetricsPort)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("replay-worker starting poll", "queue_url", cfg.ReplayQueueURL, "concurrency", cfg.ReplayConcurrency)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.ReplayConcurrency, func(ctx context.Context, job sqsqueue.ReplayJob) error {
			start := time.Now()
			err := replayer.Replay(ctx, job.WebhookEventID)
			if err != nil {
				slog.Info("replay job finish", "webhook_event_id", job.WebhookEventID, "status", "error", "duration", time.Since(start), "err", err)
				return err
			}
			slog.Info("replay job finish", "webhook_event_id", job.WebhookEventID, "status", "ok", "duration", time.Since(start))
			return nil
		})
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("replay-worker poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("replay-worker health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("replay-worker shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("replay-worker shutdown timeout waiting for poll loop")
	}
}
