package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"crmsync/internal/domain"
	"crmsync/internal/observability"
	"crmsync/internal/store"
	"crmsync/internal/util"
)

type NewConversation struct {
	ExternalConversationID string
	ExternalInboxID        string
}

// ConversationUpdate holds the facets of a "conversation updated" event.
// A nil Priority means the event carried none, which reads as "none".
type ConversationUpdate struct {
	Priority        *string
	ExternalAgentID string
	Labels          []string
}

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

type MessageEvent struct {
	Private        bool
	Direction      Direction
	Content        string
	AttachmentType string

	// ExternalMessageID is the support-platform message id. A message is
	// applied once per id, so the platform's message_created echo of a
	// relayed message is a no-op.
	ExternalMessageID string

	// Relayed marks a gateway message mirrored after it was posted to the
	// support platform. A relayed outbound message also clears unread_count.
	Relayed bool
}

func (r *Reconciler) findConversation(ctx context.Context, companyID, externalID string) (domain.Conversation, error) {
	conv, err := r.Store.FindConversationByExternalID(ctx, companyID, externalID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Conversation{}, domain.ErrConversationNotFound
	}
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("find conversation: %w", err)
	}
	return conv, nil
}

// UpsertConversationOnCreate creates the conversation if the company has no
// row for the external id yet. created reports whether this call inserted it.
func (r *Reconciler) UpsertConversationOnCreate(ctx context.Context, companyID, contactID string, nc NewConversation) (domain.Conversation, bool, error) {
	if nc.ExternalConversationID == "" {
		return domain.Conversation{}, false, fmt.Errorf("%w: missing conversation id", domain.ErrInvalidPayload)
	}
	existing, err := r.findConversation(ctx, companyID, nc.ExternalConversationID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, domain.ErrConversationNotFound) {
		return domain.Conversation{}, false, err
	}

	stages, err := r.Store.ListStages(ctx, companyID)
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("list stages: %w", err)
	}
	var stageID *string
	if st, ok := initialStage(stages); ok {
		id := st.ID
		stageID = &id
	}

	conv, created, err := r.Store.InsertConversation(ctx, store.ConversationInsert{
		ID:                     r.newID("cv"),
		CompanyID:              companyID,
		ContactID:              contactID,
		ExternalConversationID: nc.ExternalConversationID,
		ExternalInboxID:        nc.ExternalInboxID,
		StageID:                stageID,
		Priority:               domain.PriorityNone,
		Status:                 domain.StatusOpen,
		Now:                    r.now(),
	})
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}
	if !created {
		return conv, false, nil
	}

	r.emit(ctx, conv, domain.EventConversationStarted, map[string]any{
		"external_conversation_id": conv.ExternalConversationID,
		"stage_id":                 deref(conv.StageID),
	})
	return conv, true, nil
}

// ApplyStatusChange maps the external status and writes it when it differs
// from the stored one.
func (r *Reconciler) ApplyStatusChange(ctx context.Context, companyID, externalID, externalStatus string) (domain.Conversation, error) {
	conv, err := r.findConversation(ctx, companyID, externalID)
	if err != nil {
		return domain.Conversation{}, err
	}
	to := domain.ExternalStatus(externalStatus)
	if conv.Status == to {
		return conv, nil
	}

	now := r.now()
	p := store.ConversationPatch{Status: &to, SetResolvedAt: true, Now: now}
	if to == domain.StatusResolved {
		p.ResolvedAt = &now
	}
	updated, err := r.Store.UpdateConversation(ctx, companyID, conv.ID, p)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("update conversation status: %w", err)
	}

	r.emit(ctx, updated, domain.EventStatusChanged, map[string]any{
		"from": string(conv.Status),
		"to":   string(to),
	})
	return updated, nil
}

// ApplyConversationUpdate evaluates priority, assignee and labels against
// the stored row and persists every resulting change in one write.
func (r *Reconciler) ApplyConversationUpdate(ctx context.Context, companyID, externalID string, u ConversationUpdate) (domain.Conversation, error) {
	conv, err := r.findConversation(ctx, companyID, externalID)
	if err != nil {
		return domain.Conversation{}, err
	}

	var p store.ConversationPatch
	type pending struct {
		eventType string
		data      map[string]any
	}
	var events []pending

	priority := domain.PriorityNone
	if u.Priority != nil && strings.TrimSpace(*u.Priority) != "" {
		priority = *u.Priority
	}
	if priority != conv.Priority {
		p.Priority = &priority
		events = append(events, pending{domain.EventPriorityChanged, map[string]any{
			"from_priority": conv.Priority,
			"to_priority":   priority,
		}})
	}

	assignee, err := r.resolveAssignee(ctx, companyID, u.ExternalAgentID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if !sameRef(assignee, conv.AssignedTo) {
		p.SetAssignedTo = true
		p.AssignedTo = assignee
		data := map[string]any{
			"from_user_id":      deref(conv.AssignedTo),
			"to_user_id":        deref(assignee),
			"external_agent_id": nil,
		}
		if u.ExternalAgentID != "" {
			data["external_agent_id"] = u.ExternalAgentID
		}
		events = append(events, pending{domain.EventAssignmentChanged, data})
	}

	if len(u.Labels) > 0 {
		stages, err := r.Store.ListStages(ctx, companyID)
		if err != nil {
			return domain.Conversation{}, fmt.Errorf("list stages: %w", err)
		}
		m := MatchStage(stages, u.Labels)
		switch {
		case !m.Matched:
			observability.UnmatchedLabels.Inc()
			slog.Warn("no label matches a pipeline stage",
				"company_id", companyID,
				"external_conversation_id", externalID,
				"labels", u.Labels,
			)
		case conv.StageID == nil || *conv.StageID != m.Stage.ID:
			id := m.Stage.ID
			p.SetStageID = true
			p.StageID = &id
			events = append(events, pending{domain.EventStageChanged, map[string]any{
				"from_stage_id":   deref(conv.StageID),
				"to_stage_id":     id,
				"from_stage_slug": stageSlug(stages, conv.StageID),
				"to_stage_slug":   m.Stage.Slug,
			}})
		}
	}

	if p.Empty() {
		return conv, nil
	}
	now := r.now()
	p.Now = now
	p.LastActivityAt = &now
	updated, err := r.Store.UpdateConversation(ctx, companyID, conv.ID, p)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("update conversation: %w", err)
	}
	for _, ev := range events {
		r.emit(ctx, updated, ev.eventType, ev.data)
	}
	return updated, nil
}

// ApplyMessageCreated updates the conversation summary for a new message.
// Private notes are ignored and return ok=false without touching the store,
// as does a message id already applied for the company.
func (r *Reconciler) ApplyMessageCreated(ctx context.Context, companyID, externalID string, m MessageEvent) (conv domain.Conversation, ok bool, err error) {
	if m.Private || (m.Direction != Inbound && m.Direction != Outbound) {
		return domain.Conversation{}, false, nil
	}
	conv, err = r.findConversation(ctx, companyID, externalID)
	if err != nil {
		return domain.Conversation{}, false, err
	}

	now := r.now()
	if m.ExternalMessageID != "" {
		fresh, err := r.Store.ClaimMessage(ctx, companyID, m.ExternalMessageID, now)
		if err != nil {
			return domain.Conversation{}, false, fmt.Errorf("claim message: %w", err)
		}
		if !fresh {
			observability.DuplicateMessages.Inc()
			return conv, false, nil
		}
	}

	p := store.ConversationPatch{LastActivityAt: &now, Now: now}
	if preview := MessagePreview(m.Content, m.AttachmentType); preview != "" {
		p.LastMessage = &preview
	}
	eventType := domain.EventMessageReceived
	switch m.Direction {
	case Inbound:
		p.UnreadDelta = 1
	case Outbound:
		eventType = domain.EventMessageSent
		if conv.FirstResponseAt == nil {
			p.FirstResponseAt = &now
		}
		p.ResetUnread = m.Relayed
	}

	updated, err := r.Store.UpdateConversation(ctx, companyID, conv.ID, p)
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("update conversation message: %w", err)
	}

	r.emit(ctx, updated, eventType, map[string]any{
		"direction":       string(m.Direction),
		"has_text":        strings.TrimSpace(m.Content) != "",
		"attachment_type": m.AttachmentType,
	})
	return updated, true, nil
}

var attachmentLabels = map[string]string{
	"image":    "📷 Imagem",
	"video":    "🎥 Vídeo",
	"audio":    "🎵 Áudio",
	"file":     "📄 Documento",
	"document": "📄 Documento",
	"location": "📍 Localização",
	"sticker":  "🏷️ Figurinha",
}

const previewLen = 100

// MessagePreview is the last_message summary: the text truncated, or a
// label for the attachment type when there is no text.
func MessagePreview(content, attachmentType string) string {
	if s := strings.TrimSpace(content); s != "" {
		return util.Truncate(s, previewLen)
	}
	if attachmentType == "" {
		return ""
	}
	if l, ok := attachmentLabels[strings.ToLower(attachmentType)]; ok {
		return l
	}
	return "📎 Anexo"
}
