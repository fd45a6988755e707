// Package reconcile applies webhook-derived facts to the internal CRM state.
//
// Every operation is scoped to a company id and goes through Store, so the
// datastore's unique constraints are the only mutual-exclusion point.
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

type Store interface {
	FindCompanyByChatwootAccount(ctx context.Context, accountID string) (domain.Company, error)
	GetCompany(ctx context.Context, companyID string) (domain.Company, error)
	FindUserIDByAgentID(ctx context.Context, companyID, agentID string) (string, error)

	FindInstanceByName(ctx context.Context, name string) (domain.Instance, error)
	UpdateInstanceStatus(ctx context.Context, in store.InstanceStatusUpdate) (domain.Instance, error)

	FindContactByPhone(ctx context.Context, companyID, phoneKey string) (domain.Contact, error)
	FindContactByExternalID(ctx context.Context, companyID, externalID string) (domain.Contact, error)
	InsertContact(ctx context.Context, in store.ContactInsert) (domain.Contact, error)
	UpdateContact(ctx context.Context, companyID, contactID string, p store.ContactPatch) (domain.Contact, error)

	FindConversationByExternalID(ctx context.Context, companyID, externalID string) (domain.Conversation, error)
	InsertConversation(ctx context.Context, in store.ConversationInsert) (domain.Conversation, bool, error)
	UpdateConversation(ctx context.Context, companyID, conversationID string, p store.ConversationPatch) (domain.Conversation, error)

	ListStages(ctx context.Context, companyID string) ([]domain.KanbanStage, error)
	InsertTimelineEvent(ctx context.Context, in store.TimelineInsert) error
	ClaimMessage(ctx context.Context, companyID, externalMessageID string, now time.Time) (bool, error)
}

type Reconciler struct {
	Store Store
	Now   func() time.Time
	IDGen func(prefix string) string
}

func New(st Store) *Reconciler {
	return &Reconciler{Store: st, Now: util.NowUTC, IDGen: util.NewID}
}

func (r *Reconciler) now() time.Time {
	if r.Now == nil {
		return util.NowUTC()
	}
	return r.Now()
}

func (r *Reconciler) newID(prefix string) string {
	if r.IDGen == nil {
		return util.NewID(prefix)
	}
	return r.IDGen(prefix)
}

// emit appends a timeline event. Failures are logged and counted but never
// fail the transition that produced them: the conversation row is the source
// of truth, and failing here would make a replay re-apply counters.
func (r *Reconciler) emit(ctx context.Context, conv domain.Conversation, eventType string, data map[string]any) {
	err := r.Store.InsertTimelineEvent(ctx, store.TimelineInsert{
		ID:             r.newID("tle"),
		CompanyID:      conv.CompanyID,
		ContactID:      conv.ContactID,
		ConversationID: conv.ID,
		EventType:      eventType,
		Data:           data,
		Now:            r.now(),
	})
	if err != nil {
		observability.TimelineEvents.WithLabelValues(eventType, "error").Inc()
		slog.Error("timeline event insert failed",
			"err", err,
			"company_id", conv.CompanyID,
			"conversation_id", conv.ID,
			"event_type", eventType,
		)
		return
	}
	observability.TimelineEvents.WithLabelValues(eventType, "ok").Inc()
}
