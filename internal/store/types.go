package store

import (
	"errors"
	"time"

	"crmsync/internal/domain"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate key")
)

type ContactInsert struct {
	ID                string
	CompanyID         string
	Phone             string
	PhoneNormalized   string
	Name              string
	Email             string
	AvatarURL         string
	ExternalContactID string
	Source            string
	Now               time.Time
}

// ContactPatch holds the fields to overwrite. Empty strings leave the stored
// value untouched.
type ContactPatch struct {
	Name              string
	Email             string
	AvatarURL         string
	ExternalContactID string
	Now               time.Time
}

func (p ContactPatch) Empty() bool {
	return p.Name == "" && p.Email == "" && p.AvatarURL == "" && p.ExternalContactID == ""
}

type ConversationInsert struct {
	ID                     string
	CompanyID              string
	ContactID              string
	ExternalConversationID string
	ExternalInboxID        string
	StageID                *string
	AssignedTo             *string
	Priority               string
	Status                 domain.ConversationStatus
	Now                    time.Time
}

// ConversationPatch is applied as a single UPDATE. Nil pointers and false
// Set* flags leave the column untouched; Set* with a nil value clears it.
type ConversationPatch struct {
	Status   *domain.ConversationStatus
	Priority *string

	SetAssignedTo bool
	AssignedTo    *string

	SetStageID bool
	StageID    *string

	SetResolvedAt bool
	ResolvedAt    *time.Time

	LastMessage *string
	UnreadDelta int
	ResetUnread bool

	// FirstResponseAt is only written when the stored column is still null.
	FirstResponseAt *time.Time

	LastActivityAt *time.Time
	Now            time.Time
}

func (p ConversationPatch) Empty() bool {
	return p.Status == nil && p.Priority == nil && !p.SetAssignedTo && !p.SetStageID &&
		!p.SetResolvedAt && p.LastMessage == nil && p.UnreadDelta == 0 && !p.ResetUnread &&
		p.FirstResponseAt == nil && p.LastActivityAt == nil
}

type TimelineInsert struct {
	ID             string
	CompanyID      string
	ContactID      string
	ConversationID string
	EventType      string
	Data           map[string]any
	Now            time.Time
}

type WebhookEventInsert struct {
	ID           string
	CompanyID    *string
	Source       string
	EventType    string
	InstanceName string
	Payload      []byte
	Now          time.Time
}

type WebhookEventOutcome struct {
	ID        string
	Status    domain.AuditStatus
	LastError string
	Now       time.Time
}

type FailedEventFilter struct {
	Source string
	Since  time.Time
	Limit  int
}

type InstanceStatusUpdate struct {
	ID     string
	Status domain.InstanceStatus
	Now    time.Time
}
