package domain

import (
	"errors"
	"time"
)

type ConversationStatus string

const (
	StatusOpen     ConversationStatus = "open"
	StatusPending  ConversationStatus = "pending"
	StatusResolved ConversationStatus = "resolved"
)

// ExternalStatus maps the support platform's status vocabulary onto the
// internal enum. Only "resolved" is carried over; everything else is open.
func ExternalStatus(s string) ConversationStatus {
	if s == string(StatusResolved) {
		return StatusResolved
	}
	return StatusOpen
}

const PriorityNone = "none"

type AuditStatus string

const (
	AuditProcessing AuditStatus = "processing"
	AuditCompleted  AuditStatus = "completed"
	AuditFailed     AuditStatus = "failed"
)

type InstanceStatus string

const (
	InstanceConnecting   InstanceStatus = "connecting"
	InstanceQRReady      InstanceStatus = "qr_ready"
	InstanceConnected    InstanceStatus = "connected"
	InstanceDisconnected InstanceStatus = "disconnected"
	InstanceError        InstanceStatus = "error"
)

// Webhook sources recorded on audit rows.
const (
	SourceChatwoot = "chatwoot"
	SourceGateway  = "whatsapp"
)

// Timeline event types.
const (
	EventConversationStarted = "conversation_started"
	EventStatusChanged       = "status_changed"
	EventPriorityChanged     = "priority_changed"
	EventAssignmentChanged   = "assignment_changed"
	EventStageChanged        = "stage_changed"
	EventMessageReceived     = "message_received"
	EventMessageSent         = "message_sent"
)

var (
	ErrCompanyNotFound      = errors.New("company not found")
	ErrInstanceNotFound     = errors.New("instance not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrContactNotFound      = errors.New("contact not found")
	ErrInvalidPayload       = errors.New("invalid payload")
	ErrUnauthorized         = errors.New("unauthorized")
)

type Company struct {
	ID                string
	Name              string
	ChatwootAccountID string
	ChatwootAPIToken  string
}

type Contact struct {
	ID                string    `json:"id"`
	CompanyID         string    `json:"company_id"`
	Phone             string    `json:"phone"`
	PhoneNormalized   string    `json:"phone_normalized"`
	Name              string    `json:"name,omitempty"`
	Email             string    `json:"email,omitempty"`
	AvatarURL         string    `json:"avatar_url,omitempty"`
	ExternalContactID string    `json:"external_contact_id,omitempty"`
	Source            string    `json:"source"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type Conversation struct {
	ID                     string             `json:"id"`
	CompanyID              string             `json:"company_id"`
	ContactID              string             `json:"contact_id"`
	ExternalConversationID string             `json:"external_conversation_id"`
	ExternalInboxID        string             `json:"external_inbox_id,omitempty"`
	StageID                *string            `json:"stage_id,omitempty"`
	AssignedTo             *string            `json:"assigned_to,omitempty"`
	Priority               string             `json:"priority"`
	Status                 ConversationStatus `json:"status"`
	LastMessage            string             `json:"last_message,omitempty"`
	UnreadCount            int                `json:"unread_count"`
	FirstResponseAt        *time.Time         `json:"first_response_at,omitempty"`
	ResolvedAt             *time.Time         `json:"resolved_at,omitempty"`
	LastActivityAt         time.Time          `json:"last_activity_at"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

type KanbanStage struct {
	ID        string
	CompanyID string
	Name      string
	Slug      string
	Position  int
	IsInitial bool
	IsFinal   bool
}

type TimelineEvent struct {
	ID             string         `json:"id"`
	CompanyID      string         `json:"company_id"`
	ContactID      string         `json:"contact_id"`
	ConversationID string         `json:"conversation_id"`
	EventType      string         `json:"event_type"`
	Data           map[string]any `json:"data"`
	CreatedAt      time.Time      `json:"created_at"`
}

type WebhookEvent struct {
	ID           string
	CompanyID    *string
	Source       string
	EventType    string
	InstanceName string
	Payload      []byte
	Status       AuditStatus
	Attempts     int
	LastError    string
	ProcessedAt  *time.Time
	CreatedAt    time.Time
}

type Instance struct {
	ID                   string
	CompanyID            string
	ExternalInstanceName string
	Status               InstanceStatus
	ExternalToken        string
	ChatwootInboxID      string
	ConnectedAt          *time.Time
	DisconnectedAt       *time.Time
}
