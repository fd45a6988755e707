// Command replay lists failed webhook deliveries and queues them for the
// replay worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"crmsync/internal/awsutil"
	"crmsync/internal/config"
	"crmsync/internal/domain"
	"crmsync/internal/logging"
	sqsqueue "crmsync/internal/queue/sqs"
	"crmsync/internal/store"
	"crmsync/internal/store/pg"
)

func main() {
	source := flag.String("source", "", "only replay this source (chatwoot or whatsapp)")
	since := flag.Duration("since", 24*time.Hour, "only replay events received within this window")
	limit := flag.Int("limit", 100, "maximum number of events to enqueue")
	dryRun := flag.Bool("dry-run", false, "list events without enqueueing")
	flag.Parse()

	if *source != "" && *source != domain.SourceChatwoot && *source != domain.SourceGateway {
		fmt.Fprintf(os.Stderr, "unknown -source %q\n", *source)
		os.Exit(2)
	}

	cfg := config.LoadReplay()
	logging.Init("replay", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{MaxConns: 2})
	if err != nil {
		slog.Error("replay db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	st := pg.New(db)

	events, err := st.ListFailedWebhookEvents(ctx, store.FailedEventFilter{
		Source: *source,
		Since:  time.Now().UTC().Add(-*since),
		Limit:  *limit,
	})
	if err != nil {
		slog.Error("replay list failed events failed", "err", err)
		os.Exit(1)
	}
	if *dryRun {
		for _, ev := range events {
			fmt.Printf("%s\t%s\t%s\tattempts=%d\t%s\n", ev.ID, ev.Source, ev.EventType, ev.Attempts, ev.LastError)
		}
		fmt.Printf("%d failed events\n", len(events))
		return
	}

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("replay sqs client init failed", "err", err)
		os.Exit(1)
	}
	producer := &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.ReplayQueueURL}

	enqueued := 0
	for _, ev := range events {
		if err := producer.EnqueueReplay(ctx, sqsqueue.ReplayJob{
			WebhookEventID: ev.ID,
			Source:         ev.Source,
			Attempts:       ev.Attempts,
		}); err != nil {
			slog.Error("replay enqueue failed", "err", err, "webhook_event_id", ev.ID)
			continue
		}
		enqueued++
	}
	slog.Info("replay enqueued", "found", len(events), "enqueued", enqueued)
	if enqueued < len(events) {
		os.Exit(1)
	}
}
