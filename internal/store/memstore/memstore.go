// Package memstore is an in-memory store with the same unique constraints
// as the Postgres schema. Tests use it in place of pg.Store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"crmsync/internal/domain"
	"crmsync/internal/store"
)

type Store struct {
	mu sync.Mutex

	Companies     map[string]domain.Company
	Users         map[string]string // company|agent -> user id
	Instances     map[string]domain.Instance
	Contacts      map[string]domain.Contact
	Conversations map[string]domain.Conversation
	Stages        []domain.KanbanStage
	Timeline      []store.TimelineInsert
	Webhooks      map[string]domain.WebhookEvent
	SeenMessages  map[string]bool // company|message id

	ContactInserts int
	ConvUpdates    int
	FailTimeline   bool
	// RaceContact is inserted just before the next InsertContact, simulating
	// a concurrent delivery that won the insert.
	RaceContact *domain.Contact
}

func New() *Store {
	return &Store{
		Companies:     map[string]domain.Company{},
		Users:         map[string]string{},
		Instances:     map[string]domain.Instance{},
		Contacts:      map[string]domain.Contact{},
		Conversations: map[string]domain.Conversation{},
		Webhooks:      map[string]domain.WebhookEvent{},
		SeenMessages:  map[string]bool{},
	}
}

func (m *Store) FindCompanyByChatwootAccount(_ context.Context, accountID string) (domain.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.Companies {
		if c.ChatwootAccountID == accountID {
			return c, nil
		}
	}
	return domain.Company{}, store.ErrNotFound
}

func (m *Store) GetCompany(_ context.Context, id string) (domain.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Companies[id]
	if !ok {
		return domain.Company{}, store.ErrNotFound
	}
	return c, nil
}

func (m *Store) FindUserIDByAgentID(_ context.Context, companyID, agentID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.Users[companyID+"|"+agentID]
	if !ok {
		return "", store.ErrNotFound
	}
	return id, nil
}

func (m *Store) FindInstanceByName(_ context.Context, name string) (domain.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.Instances[name]
	if !ok {
		return domain.Instance{}, store.ErrNotFound
	}
	return in, nil
}

func (m *Store) UpdateInstanceStatus(_ context.Context, u store.InstanceStatusUpdate) (domain.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, in := range m.Instances {
		if in.ID != u.ID {
			continue
		}
		in.Status = u.Status
		now := u.Now
		switch u.Status {
		case domain.InstanceConnected:
			in.ConnectedAt = &now
		case domain.InstanceDisconnected:
			in.DisconnectedAt = &now
		}
		m.Instances[name] = in
		return in, nil
	}
	return domain.Instance{}, store.ErrNotFound
}

func (m *Store) FindContactByPhone(_ context.Context, companyID, key string) (domain.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.Contacts {
		if c.CompanyID == companyID && c.PhoneNormalized == key {
			return c, nil
		}
	}
	return domain.Contact{}, store.ErrNotFound
}

func (m *Store) FindContactByExternalID(_ context.Context, companyID, ext string) (domain.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.Contacts {
		if c.CompanyID == companyID && c.ExternalContactID == ext {
			return c, nil
		}
	}
	return domain.Contact{}, store.ErrNotFound
}

func (m *Store) InsertContact(_ context.Context, in store.ContactInsert) (domain.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RaceContact != nil {
		m.Contacts[m.RaceContact.ID] = *m.RaceContact
		m.RaceContact = nil
	}
	for _, c := range m.Contacts {
		if c.CompanyID == in.CompanyID && c.PhoneNormalized == in.PhoneNormalized {
			return domain.Contact{}, fmt.Errorf("%w: contacts_company_phone", store.ErrDuplicate)
		}
	}
	m.ContactInserts++
	c := domain.Contact{
		ID: in.ID, CompanyID: in.CompanyID, Phone: in.Phone, PhoneNormalized: in.PhoneNormalized,
		Name: in.Name, Email: in.Email, AvatarURL: in.AvatarURL, ExternalContactID: in.ExternalContactID,
		Source: in.Source, CreatedAt: in.Now, UpdatedAt: in.Now,
	}
	m.Contacts[c.ID] = c
	return c, nil
}

func (m *Store) UpdateContact(_ context.Context, companyID, id string, p store.ContactPatch) (domain.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Contacts[id]
	if !ok || c.CompanyID != companyID {
		return domain.Contact{}, store.ErrNotFound
	}
	if p.Name != "" {
		c.Name = p.Name
	}
	if p.Email != "" {
		c.Email = p.Email
	}
	if p.AvatarURL != "" {
		c.AvatarURL = p.AvatarURL
	}
	if p.ExternalContactID != "" {
		c.ExternalContactID = p.ExternalContactID
	}
	c.UpdatedAt = p.Now
	m.Contacts[id] = c
	return c, nil
}

func (m *Store) FindConversationByExternalID(_ context.Context, companyID, ext string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findConvLocked(companyID, ext)
}

func (m *Store) findConvLocked(companyID, ext string) (domain.Conversation, error) {
	for _, c := range m.Conversations {
		if c.CompanyID == companyID && c.ExternalConversationID == ext {
			return c, nil
		}
	}
	return domain.Conversation{}, store.ErrNotFound
}

func (m *Store) InsertConversation(_ context.Context, in store.ConversationInsert) (domain.Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, err := m.findConvLocked(in.CompanyID, in.ExternalConversationID); err == nil {
		return c, false, nil
	}
	c := domain.Conversation{
		ID: in.ID, CompanyID: in.CompanyID, ContactID: in.ContactID,
		ExternalConversationID: in.ExternalConversationID, ExternalInboxID: in.ExternalInboxID,
		StageID: in.StageID, AssignedTo: in.AssignedTo, Priority: in.Priority, Status: in.Status,
		LastActivityAt: in.Now, CreatedAt: in.Now, UpdatedAt: in.Now,
	}
	m.Conversations[c.ID] = c
	return c, true, nil
}

func (m *Store) UpdateConversation(_ context.Context, companyID, id string, p store.ConversationPatch) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Conversations[id]
	if !ok || c.CompanyID != companyID {
		return domain.Conversation{}, store.ErrNotFound
	}
	m.ConvUpdates++
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.Priority != nil {
		c.Priority = *p.Priority
	}
	if p.SetAssignedTo {
		c.AssignedTo = p.AssignedTo
	}
	if p.SetStageID {
		c.StageID = p.StageID
	}
	if p.SetResolvedAt {
		c.ResolvedAt = p.ResolvedAt
	}
	if p.LastMessage != nil {
		c.LastMessage = *p.LastMessage
	}
	if p.ResetUnread {
		c.UnreadCount = 0
	} else {
		c.UnreadCount += p.UnreadDelta
	}
	if p.FirstResponseAt != nil && c.FirstResponseAt == nil {
		t := *p.FirstResponseAt
		c.FirstResponseAt = &t
	}
	if p.LastActivityAt != nil {
		c.LastActivityAt = *p.LastActivityAt
	}
	c.UpdatedAt = p.Now
	m.Conversations[id] = c
	return c, nil
}

func (m *Store) ListStages(_ context.Context, companyID string) ([]domain.KanbanStage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.KanbanStage
	for _, st := range m.Stages {
		if st.CompanyID == companyID {
			out = append(out, st)
		}
	}
	return out, nil
}

func (m *Store) InsertTimelineEvent(_ context.Context, in store.TimelineInsert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailTimeline {
		return fmt.Errorf("timeline unavailable")
	}
	m.Timeline = append(m.Timeline, in)
	return nil
}

func (m *Store) ClaimMessage(_ context.Context, companyID, externalMessageID string, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := companyID + "|" + externalMessageID
	if m.SeenMessages[k] {
		return false, nil
	}
	m.SeenMessages[k] = true
	return true, nil
}

func (m *Store) InsertWebhookEvent(_ context.Context, in store.WebhookEventInsert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Webhooks[in.ID] = domain.WebhookEvent{
		ID: in.ID, CompanyID: in.CompanyID, Source: in.Source, EventType: in.EventType,
		InstanceName: in.InstanceName, Payload: in.Payload, Status: domain.AuditProcessing,
		Attempts: 1, CreatedAt: in.Now,
	}
	return nil
}

func (m *Store) FinishWebhookEvent(_ context.Context, in store.WebhookEventOutcome) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.Webhooks[in.ID]
	if !ok || ev.Status != domain.AuditProcessing {
		return false, nil
	}
	ev.Status = in.Status
	ev.LastError = in.LastError
	now := in.Now
	ev.ProcessedAt = &now
	m.Webhooks[in.ID] = ev
	return true, nil
}

// Events returns the timeline rows of one type in insertion order.
func (m *Store) Events(eventType string) []store.TimelineInsert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.TimelineInsert
	for _, ev := range m.Timeline {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (m *Store) Conv(companyID, ext string) domain.Conversation {
	c, _ := m.FindConversationByExternalID(context.Background(), companyID, ext)
	return c
}

func (m *Store) ClaimWebhookEventForReplay(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.Webhooks[id]
	if !ok || ev.Status != domain.AuditFailed {
		return false, nil
	}
	ev.Status = domain.AuditProcessing
	ev.Attempts++
	ev.ProcessedAt = nil
	m.Webhooks[id] = ev
	return true, nil
}

func (m *Store) GetWebhookEvent(_ context.Context, id string) (domain.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.Webhooks[id]
	if !ok {
		return domain.WebhookEvent{}, store.ErrNotFound
	}
	return ev, nil
}

func (m *Store) ListFailedWebhookEvents(_ context.Context, f store.FailedEventFilter) ([]domain.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WebhookEvent
	for _, ev := range m.Webhooks {
		if ev.Status != domain.AuditFailed || (f.Source != "" && ev.Source != f.Source) || ev.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
