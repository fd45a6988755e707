// Package ingest dispatches decoded webhook deliveries to the reconcilers.
// The HTTP handlers and the replay worker share it.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"crmsync/internal/chatwoot"
	"crmsync/internal/domain"
	"crmsync/internal/reconcile"
)

type Outcome string

const (
	Handled Outcome = "handled"
	Ignored Outcome = "ignored"
)

type Support struct {
	R *reconcile.Reconciler
}

// Dispatch applies one support platform event for company. Events that
// reference state this tenant does not have are ignored, not failed.
func (s *Support) Dispatch(ctx context.Context, company domain.Company, env chatwoot.Envelope) (Outcome, error) {
	log := slog.With("company_id", company.ID, "event", env.Event)

	var err error
	switch env.Event {
	case chatwoot.EventConversationCreated:
		err = s.conversationCreated(ctx, company, env)
	case chatwoot.EventConversationStatusChanged:
		conv, ok := env.Conversation()
		if !ok {
			return Ignored, fmt.Errorf("%w: conversation missing", domain.ErrInvalidPayload)
		}
		_, err = s.R.ApplyStatusChange(ctx, company.ID, conv.ID.String(), conv.Status)
	case chatwoot.EventConversationUpdated:
		conv, ok := env.Conversation()
		if !ok {
			return Ignored, fmt.Errorf("%w: conversation missing", domain.ErrInvalidPayload)
		}
		_, err = s.R.ApplyConversationUpdate(ctx, company.ID, conv.ID.String(), reconcile.ConversationUpdate{
			Priority:        conv.Priority,
			ExternalAgentID: conv.ExternalAgentID(),
			Labels:          conv.Labels,
		})
	case chatwoot.EventMessageCreated:
		return s.messageCreated(ctx, company, env)
	case chatwoot.EventContactUpdated:
		err = s.contactUpdated(ctx, company, env)
	case chatwoot.EventContactCreated, chatwoot.EventWebwidgetTriggered:
		return Ignored, nil
	default:
		log.Info("unknown support webhook event ignored")
		return Ignored, nil
	}

	if ignorable(err) {
		log.Info("support webhook references unknown state", "reason", err.Error())
		return Ignored, nil
	}
	if err != nil {
		return Handled, err
	}
	return Handled, nil
}

func ignorable(err error) bool {
	return errors.Is(err, domain.ErrConversationNotFound) || errors.Is(err, domain.ErrContactNotFound)
}

func (s *Support) conversationCreated(ctx context.Context, company domain.Company, env chatwoot.Envelope) error {
	conv, ok := env.Conversation()
	if !ok {
		return fmt.Errorf("%w: conversation missing", domain.ErrInvalidPayload)
	}
	sender, _ := env.Contact()
	attrs := reconcile.ContactAttrs{
		Name:              sender.Name,
		Email:             sender.Email,
		AvatarURL:         sender.Avatar(),
		ExternalContactID: sender.ID.String(),
	}

	var contact domain.Contact
	var err error
	if sender.PhoneNumber != "" {
		contact, err = s.R.UpsertContact(ctx, company.ID, sender.PhoneNumber, attrs)
	} else {
		contact, err = s.R.MergeContactByExternalID(ctx, company.ID, attrs)
	}
	if err != nil {
		return err
	}

	_, _, err = s.R.UpsertConversationOnCreate(ctx, company.ID, contact.ID, reconcile.NewConversation{
		ExternalConversationID: conv.ID.String(),
		ExternalInboxID:        conv.InboxID.String(),
	})
	return err
}

func (s *Support) messageCreated(ctx context.Context, company domain.Company, env chatwoot.Envelope) (Outcome, error) {
	m, ok := env.Message()
	if !ok {
		return Ignored, fmt.Errorf("%w: message missing", domain.ErrInvalidPayload)
	}
	var dir reconcile.Direction
	switch m.MessageType {
	case chatwoot.MessageIncoming:
		dir = reconcile.Inbound
	case chatwoot.MessageOutgoing, chatwoot.MessageTemplate:
		dir = reconcile.Outbound
	default:
		return Ignored, nil
	}

	_, applied, err := s.R.ApplyMessageCreated(ctx, company.ID, env.MessageConversationID(m), reconcile.MessageEvent{
		Private:           m.Private,
		Direction:         dir,
		Content:           m.Content,
		AttachmentType:    m.AttachmentType(),
		ExternalMessageID: m.ID.String(),
	})
	if ignorable(err) {
		slog.Info("message for unknown conversation ignored", "company_id", company.ID)
		return Ignored, nil
	}
	if err != nil {
		return Handled, err
	}
	if !applied {
		return Ignored, nil
	}
	return Handled, nil
}

func (s *Support) contactUpdated(ctx context.Context, company domain.Company, env chatwoot.Envelope) error {
	c, ok := env.Contact()
	if !ok {
		return fmt.Errorf("%w: contact missing", domain.ErrInvalidPayload)
	}
	attrs := reconcile.ContactAttrs{
		Name:              c.Name,
		Email:             c.Email,
		AvatarURL:         c.Avatar(),
		ExternalContactID: c.ID.String(),
	}
	if c.PhoneNumber != "" {
		_, err := s.R.UpsertContact(ctx, company.ID, c.PhoneNumber, attrs)
		return err
	}
	_, err := s.R.MergeContactByExternalID(ctx, company.ID, attrs)
	return err
}
