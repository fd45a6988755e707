package httpserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"crmsync/internal/chatwoot"
	"crmsync/internal/domain"
	"crmsync/internal/gateway"
	"crmsync/internal/ingest"
	"crmsync/internal/observability"
	"crmsync/internal/reconcile"
)

const maxBodyBytes = 1 << 20

type Webhook struct {
	Support *ingest.Support
	Gateway *ingest.Gateway
	Auditor *reconcile.Auditor

	// Limiter guards the gateway ingress only; nil disables it.
	Limiter *IPLimiter
	// TrustedProxies is the number of reverse proxies in front of the
	// service; see ClientIP.
	TrustedProxies int
	// GatewaySecret is accepted for any instance in addition to its own token.
	GatewaySecret string
}

func (w *Webhook) Register(r *mux.Router) {
	r.HandleFunc("/webhooks/chatwoot", w.handleSupport).Methods(http.MethodPost)
	r.HandleFunc("/webhooks/whatsapp", w.handleGatewayLiveness).Methods(http.MethodGet)
	r.HandleFunc("/webhooks/whatsapp", w.handleGateway).Methods(http.MethodPost)
}

type webhookResponse struct {
	Success bool   `json:"success"`
	Warning string `json:"warning,omitempty"`
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func readBody(rw http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(rw, r.Body, maxBodyBytes))
}

func (w *Webhook) handleSupport(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := readBody(rw, r)
	if err != nil {
		http.Error(rw, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	env, err := chatwoot.ParseEnvelope(body)
	if err != nil {
		observability.WebhookEvents.WithLabelValues(domain.SourceChatwoot, "unknown", "rejected").Inc()
		http.Error(rw, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	log := slog.With("event", env.Event, "request_id", RequestIDFrom(ctx))

	company, err := w.Support.R.ResolveCompany(ctx, env.Account.ID.String())
	if err != nil {
		auditID := w.Auditor.RecordIncoming(ctx, reconcile.Incoming{
			Source:    domain.SourceChatwoot,
			EventType: env.Event,
			Payload:   body,
		})
		w.Auditor.MarkOutcome(ctx, auditID, err)
		if errors.Is(err, domain.ErrCompanyNotFound) {
			log.Warn("support webhook for unknown account", "account_id", env.Account.ID.String())
			observability.WebhookEvents.WithLabelValues(domain.SourceChatwoot, env.Event, "rejected").Inc()
			http.Error(rw, ErrUnknownAccount, http.StatusNotFound)
			return
		}
		log.Error("resolve company failed", "err", err)
		observability.WebhookEvents.WithLabelValues(domain.SourceChatwoot, env.Event, "failed").Inc()
		http.Error(rw, ErrInternal, http.StatusInternalServerError)
		return
	}

	auditID := w.Auditor.RecordIncoming(ctx, reconcile.Incoming{
		CompanyID: company.ID,
		Source:    domain.SourceChatwoot,
		EventType: env.Event,
		Payload:   body,
	})
	out, err := w.Support.Dispatch(ctx, company, env)
	w.Auditor.MarkOutcome(ctx, auditID, err)
	if errors.Is(err, domain.ErrInvalidPayload) {
		log.Warn("support webhook rejected", "err", err, "company_id", company.ID, "webhook_event_id", auditID)
		observability.WebhookEvents.WithLabelValues(domain.SourceChatwoot, env.Event, "rejected").Inc()
		http.Error(rw, ErrInvalidPayload, http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Error("support webhook failed", "err", err, "company_id", company.ID, "webhook_event_id", auditID)
		observability.WebhookEvents.WithLabelValues(domain.SourceChatwoot, env.Event, "failed").Inc()
		http.Error(rw, ErrInternal, http.StatusInternalServerError)
		return
	}
	observability.WebhookEvents.WithLabelValues(domain.SourceChatwoot, env.Event, string(out)).Inc()
	writeJSON(rw, http.StatusOK, webhookResponse{Success: true})
}

func (w *Webhook) handleGatewayLiveness(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]string{"status": "ok", "service": "whatsapp-webhook"})
}

func (w *Webhook) handleGateway(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if w.Limiter != nil && !w.Limiter.Allow(ClientIP(r, w.TrustedProxies)) {
		observability.RateLimited.Inc()
		http.Error(rw, ErrRateLimited, http.StatusTooManyRequests)
		return
	}

	name := r.URL.Query().Get("instanceId")
	if name == "" {
		http.Error(rw, ErrMissingInstance, http.StatusBadRequest)
		return
	}
	body, err := readBody(rw, r)
	if err != nil {
		http.Error(rw, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	ev, err := gateway.Parse(body)
	if err != nil {
		observability.WebhookEvents.WithLabelValues(domain.SourceGateway, "unknown", "rejected").Inc()
		http.Error(rw, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	log := slog.With("instance", name, "event", ev.Type, "request_id", RequestIDFrom(ctx))

	in, err := w.Gateway.R.ResolveInstance(ctx, name)
	if errors.Is(err, domain.ErrInstanceNotFound) {
		observability.WebhookEvents.WithLabelValues(domain.SourceGateway, ev.Type, "rejected").Inc()
		http.Error(rw, ErrUnknownInstance, http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error("resolve instance failed", "err", err)
		http.Error(rw, ErrInternal, http.StatusInternalServerError)
		return
	}
	if !w.authorized(in, gatewayToken(r)) {
		log.Warn("gateway webhook rejected, bad token")
		observability.WebhookEvents.WithLabelValues(domain.SourceGateway, ev.Type, "rejected").Inc()
		http.Error(rw, ErrInvalidToken, http.StatusUnauthorized)
		return
	}

	auditID := w.Auditor.RecordIncoming(ctx, reconcile.Incoming{
		CompanyID:    in.CompanyID,
		Source:       domain.SourceGateway,
		EventType:    ev.Type,
		InstanceName: in.ExternalInstanceName,
		Payload:      body,
	})
	res, err := w.Gateway.Dispatch(ctx, in, ev)
	w.Auditor.MarkOutcome(ctx, auditID, err)
	if err != nil {
		log.Error("gateway webhook failed", "err", err, "company_id", in.CompanyID, "webhook_event_id", auditID)
		observability.WebhookEvents.WithLabelValues(domain.SourceGateway, ev.Type, "failed").Inc()
		http.Error(rw, ErrInternal, http.StatusInternalServerError)
		return
	}
	observability.WebhookEvents.WithLabelValues(domain.SourceGateway, ev.Type, string(res.Outcome)).Inc()
	writeJSON(rw, http.StatusOK, webhookResponse{Success: true, Warning: res.Warning})
}

func gatewayToken(r *http.Request) string {
	if t := r.Header.Get("x-webhook-token"); t != "" {
		return t
	}
	if t := r.Header.Get("apikey"); t != "" {
		return t
	}
	return r.URL.Query().Get("token")
}

func (w *Webhook) authorized(in domain.Instance, token string) bool {
	if token == "" {
		return false
	}
	if in.ExternalToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(in.ExternalToken)) == 1 {
		return true
	}
	return w.GatewaySecret != "" && subtle.ConstantTimeCompare([]byte(token), []byte(w.GatewaySecret)) == 1
}
