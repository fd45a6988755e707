package reconcile

import (
	"context"
	"log/slog"
	"time"

	"crmsync/internal/domain"
	"crmsync/internal/observability"
	"crmsync/internal/store"
	"crmsync/internal/util"
)

type AuditStore interface {
	InsertWebhookEvent(ctx context.Context, in store.WebhookEventInsert) error
	FinishWebhookEvent(ctx context.Context, in store.WebhookEventOutcome) (bool, error)
}

// Auditor writes the webhook_events bookkeeping rows. Every method is best
// effort: failures are logged and counted, never returned.
type Auditor struct {
	Store AuditStore
	Now   func() time.Time
}

type Incoming struct {
	CompanyID    string
	Source       string
	EventType    string
	InstanceName string
	Payload      []byte
}

// RecordIncoming stores the delivery as processing and returns its id, or ""
// when the row could not be written.
func (a *Auditor) RecordIncoming(ctx context.Context, in Incoming) string {
	if a == nil || a.Store == nil {
		return ""
	}
	id := util.NewID("whe")
	var companyID *string
	if in.CompanyID != "" {
		companyID = &in.CompanyID
	}
	err := a.Store.InsertWebhookEvent(ctx, store.WebhookEventInsert{
		ID:           id,
		CompanyID:    companyID,
		Source:       in.Source,
		EventType:    in.EventType,
		InstanceName: in.InstanceName,
		Payload:      in.Payload,
		Now:          a.now(),
	})
	if err != nil {
		observability.AuditFailures.WithLabelValues("record").Inc()
		slog.Error("audit record failed", "err", err, "source", in.Source, "event", in.EventType)
		return ""
	}
	return id
}

// MarkOutcome moves a processing row to completed, or to failed when
// procErr is non-nil. An empty id is a no-op.
func (a *Auditor) MarkOutcome(ctx context.Context, id string, procErr error) {
	if a == nil || a.Store == nil || id == "" {
		return
	}
	out := store.WebhookEventOutcome{ID: id, Status: domain.AuditCompleted, Now: a.now()}
	if procErr != nil {
		out.Status = domain.AuditFailed
		out.LastError = procErr.Error()
	}
	ok, err := a.Store.FinishWebhookEvent(ctx, out)
	if err != nil {
		observability.AuditFailures.WithLabelValues("outcome").Inc()
		slog.Error("audit outcome failed", "err", err, "webhook_event_id", id)
		return
	}
	if !ok {
		slog.Warn("audit row not in processing", "webhook_event_id", id, "status", out.Status)
	}
}

func (a *Auditor) now() time.Time {
	if a.Now == nil {
		return util.NowUTC()
	}
	return a.Now()
}
