package ingest

import (
	"context"
	"errors"
	"log/slog"

	"crmsync/internal/domain"
	"crmsync/internal/gateway"
	"crmsync/internal/reconcile"
	"crmsync/internal/relay"
)

type Gateway struct {
	R     *reconcile.Reconciler
	Relay *relay.Relay
}

// GatewayResult is what the handler reports back for one delivery.
type GatewayResult struct {
	Outcome Outcome
	Warning string
	Relay   relay.Result
}

func (g *Gateway) Dispatch(ctx context.Context, in domain.Instance, ev gateway.Event) (GatewayResult, error) {
	log := slog.With("instance", in.ExternalInstanceName, "company_id", in.CompanyID, "event", ev.Type)

	switch {
	case ev.Type == gateway.EventConnectionUpdate:
		status, ok := reconcile.ConnectionStatus(ev.ConnectionState())
		if !ok {
			log.Info("connection state ignored", "state", ev.ConnectionState())
			return GatewayResult{Outcome: Ignored}, nil
		}
		if _, err := g.R.SetInstanceStatus(ctx, in, status); err != nil {
			return GatewayResult{Outcome: Handled}, err
		}
		return GatewayResult{Outcome: Handled}, nil

	case ev.Type == gateway.EventQRCodeUpdated:
		if _, err := g.R.SetInstanceStatus(ctx, in, domain.InstanceQRReady); err != nil {
			return GatewayResult{Outcome: Handled}, err
		}
		return GatewayResult{Outcome: Handled}, nil

	case ev.IsMessageEvent():
		company, err := g.R.CompanyForInstance(ctx, in)
		if err != nil {
			return GatewayResult{Outcome: Handled}, err
		}
		res, err := g.Relay.RelayBatch(ctx, relay.Target{Company: company, Instance: in}, ev.Messages())
		if errors.Is(err, relay.ErrNotConfigured) {
			log.Warn("support platform not configured, messages not relayed", "reason", err.Error())
			return GatewayResult{Outcome: Ignored, Warning: "support platform not configured for this instance"}, nil
		}
		if err != nil {
			return GatewayResult{Outcome: Handled}, err
		}
		log.Info("gateway batch relayed",
			"relayed", res.Relayed,
			"skipped", res.Skipped,
			"duplicates", res.Duplicates,
			"failed", res.Failed,
		)
		return GatewayResult{Outcome: Handled, Relay: res}, nil
	}

	log.Debug("gateway event ignored")
	return GatewayResult{Outcome: Ignored}, nil
}
