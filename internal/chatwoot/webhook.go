package chatwoot

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Webhook event names.
const (
	EventConversationCreated       = "conversation_created"
	EventConversationStatusChanged = "conversation_status_changed"
	EventConversationUpdated       = "conversation_updated"
	EventMessageCreated            = "message_created"
	EventContactCreated            = "contact_created"
	EventContactUpdated            = "contact_updated"
	EventWebwidgetTriggered        = "webwidget_triggered"
)

// ID accepts a JSON number, string or null.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

func (id ID) Int64() (int64, bool) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	return n, err == nil
}

type MessageType string

const (
	MessageIncoming MessageType = "incoming"
	MessageOutgoing MessageType = "outgoing"
	MessageActivity MessageType = "activity"
	MessageTemplate MessageType = "template"
)

var messageTypeByCode = []MessageType{MessageIncoming, MessageOutgoing, MessageActivity, MessageTemplate}

// UnmarshalJSON accepts both the string form and the 0..3 enum form.
func (t *MessageType) UnmarshalJSON(b []byte) error {
	var id ID
	if err := id.UnmarshalJSON(b); err != nil {
		return err
	}
	if n, ok := id.Int64(); ok {
		if n >= 0 && int(n) < len(messageTypeByCode) {
			*t = messageTypeByCode[n]
		} else {
			*t = ""
		}
		return nil
	}
	*t = MessageType(strings.ToLower(string(id)))
	return nil
}

type ContactPayload struct {
	ID          ID     `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phone_number"`
	Thumbnail   string `json:"thumbnail"`
	AvatarURL   string `json:"avatar_url"`
}

func (c ContactPayload) Avatar() string {
	if c.AvatarURL != "" {
		return c.AvatarURL
	}
	return c.Thumbnail
}

type agentRef struct {
	ID ID `json:"id"`
}

type ConversationPayload struct {
	ID             ID        `json:"id"`
	InboxID        ID        `json:"inbox_id"`
	Status         string    `json:"status"`
	Priority       *string   `json:"priority"`
	Labels         []string  `json:"labels"`
	RootAssigneeID ID        `json:"assignee_id"`
	Assignee       *agentRef `json:"assignee"`
	Meta           struct {
		Sender   ContactPayload `json:"sender"`
		Assignee *agentRef      `json:"assignee"`
	} `json:"meta"`
}

// assigneeExtractors are tried in order; the first non-empty id wins.
var assigneeExtractors = []func(ConversationPayload) ID{
	func(c ConversationPayload) ID {
		if c.Meta.Assignee != nil {
			return c.Meta.Assignee.ID
		}
		return ""
	},
	func(c ConversationPayload) ID { return c.RootAssigneeID },
	func(c ConversationPayload) ID {
		if c.Assignee != nil {
			return c.Assignee.ID
		}
		return ""
	},
}

// ExternalAgentID returns the assignee's agent id, or "" when unassigned.
func (c ConversationPayload) ExternalAgentID() string {
	for _, f := range assigneeExtractors {
		if id := f(c); id != "" {
			return id.String()
		}
	}
	return ""
}

type Attachment struct {
	FileType string `json:"file_type"`
}

type MessagePayload struct {
	ID             ID           `json:"id"`
	Content        string       `json:"content"`
	MessageType    MessageType  `json:"message_type"`
	Private        bool         `json:"private"`
	Attachments    []Attachment `json:"attachments"`
	ConversationID ID           `json:"conversation_id"`
	Conversation   *struct {
		ID ID `json:"id"`
	} `json:"conversation"`
}

func (m MessagePayload) AttachmentType() string {
	if len(m.Attachments) == 0 {
		return ""
	}
	return m.Attachments[0].FileType
}

// Envelope is a decoded support platform webhook. The platform puts the
// subject either under a named key or at the root depending on the event,
// so sections are extracted lazily.
type Envelope struct {
	Event   string `json:"event"`
	Account struct {
		ID ID `json:"id"`
	} `json:"account"`

	raw  map[string]json.RawMessage
	body []byte
}

func ParseEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, err
	}
	if err := json.Unmarshal(body, &env.raw); err != nil {
		return Envelope{}, err
	}
	env.body = body
	return env, nil
}

func (e Envelope) section(key string, out any) bool {
	b, ok := e.raw[key]
	if !ok || len(b) == 0 || b[0] != '{' {
		return false
	}
	return json.Unmarshal(b, out) == nil
}

func (e Envelope) root(out any) bool {
	return json.Unmarshal(e.body, out) == nil
}

// Conversation returns the conversation under "conversation", falling back
// to the root object for conversation_* events.
func (e Envelope) Conversation() (ConversationPayload, bool) {
	var c ConversationPayload
	if e.section("conversation", &c) && c.ID != "" {
		return c, true
	}
	if strings.HasPrefix(e.Event, "conversation_") {
		c = ConversationPayload{}
		if e.root(&c) && c.ID != "" {
			return c, true
		}
	}
	return ConversationPayload{}, false
}

// Message returns the message under "message", falling back to the root.
func (e Envelope) Message() (MessagePayload, bool) {
	var m MessagePayload
	if e.section("message", &m) {
		return m, true
	}
	m = MessagePayload{}
	if e.root(&m) && (m.ID != "" || m.MessageType != "") {
		return m, true
	}
	return MessagePayload{}, false
}

// MessageConversationID locates the conversation a message belongs to.
func (e Envelope) MessageConversationID(m MessagePayload) string {
	if c, ok := e.Conversation(); ok {
		return c.ID.String()
	}
	if m.Conversation != nil && m.Conversation.ID != "" {
		return m.Conversation.ID.String()
	}
	return m.ConversationID.String()
}

// Contact returns the contact under "contact", the root object for
// contact_* events, or the conversation's sender.
func (e Envelope) Contact() (ContactPayload, bool) {
	var c ContactPayload
	if e.section("contact", &c) {
		return c, true
	}
	if strings.HasPrefix(e.Event, "contact_") {
		c = ContactPayload{}
		if e.root(&c) {
			return c, true
		}
	}
	if conv, ok := e.Conversation(); ok && (conv.Meta.Sender.ID != "" || conv.Meta.Sender.PhoneNumber != "") {
		return conv.Meta.Sender, true
	}
	return ContactPayload{}, false
}
