package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"crmsync/internal/chatwoot"
	"crmsync/internal/domain"
	"crmsync/internal/gateway"
	"crmsync/internal/observability"
	"crmsync/internal/reconcile"
)

type ReplayStore interface {
	ClaimWebhookEventForReplay(ctx context.Context, id string) (bool, error)
	GetWebhookEvent(ctx context.Context, id string) (domain.WebhookEvent, error)
}

// Replayer re-runs a failed audit row through the same dispatchers the
// ingress handlers use.
type Replayer struct {
	Store   ReplayStore
	Auditor *reconcile.Auditor
	Support *Support
	Gateway *Gateway
}

// Replay returns an error only when the row could not be claimed or read;
// a dispatch failure is recorded on the row itself.
func (rp *Replayer) Replay(ctx context.Context, id string) error {
	claimed, err := rp.Store.ClaimWebhookEventForReplay(ctx, id)
	if err != nil {
		return fmt.Errorf("claim webhook event: %w", err)
	}
	if !claimed {
		observability.Replays.WithLabelValues("skipped").Inc()
		slog.Info("replay skipped, event not failed", "webhook_event_id", id)
		return nil
	}

	ev, err := rp.Store.GetWebhookEvent(ctx, id)
	if err != nil {
		rp.Auditor.MarkOutcome(ctx, id, err)
		return fmt.Errorf("load webhook event: %w", err)
	}

	procErr := rp.dispatch(ctx, ev)
	rp.Auditor.MarkOutcome(ctx, id, procErr)
	if procErr != nil {
		observability.Replays.WithLabelValues("failed").Inc()
		slog.Warn("replay failed", "webhook_event_id", id, "source", ev.Source, "attempts", ev.Attempts, "err", procErr)
		return nil
	}
	observability.Replays.WithLabelValues("ok").Inc()
	slog.Info("replay completed", "webhook_event_id", id, "source", ev.Source, "attempts", ev.Attempts)
	return nil
}

func (rp *Replayer) dispatch(ctx context.Context, ev domain.WebhookEvent) error {
	switch ev.Source {
	case domain.SourceChatwoot:
		env, err := chatwoot.ParseEnvelope(ev.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		company, err := rp.Support.R.ResolveCompany(ctx, env.Account.ID.String())
		if err != nil {
			return err
		}
		_, err = rp.Support.Dispatch(ctx, company, env)
		return err

	case domain.SourceGateway:
		in, err := rp.Gateway.R.ResolveInstance(ctx, ev.InstanceName)
		if err != nil {
			return err
		}
		parsed, err := gateway.Parse(ev.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		_, err = rp.Gateway.Dispatch(ctx, in, parsed)
		return err
	}
	return fmt.Errorf("unknown webhook source %q", ev.Source)
}
