// Package gateway decodes WhatsApp gateway webhooks.
//
// Gateway vendors disagree on where fields live, so every logical field is
// read through an ordered list of extractors and the first hit wins.
package gateway

import (
	"encoding/json"
	"errors"
	"strings"
)

const (
	EventMessagesUpsert   = "messages.upsert"
	EventConnectionUpdate = "connection.update"
	EventQRCodeUpdated    = "qrcode.updated"
)

var ErrNotObject = errors.New("gateway payload is not a JSON object")

type object = map[string]any

// Event is one decoded delivery.
type Event struct {
	Type string
	Data any
	Body object
}

var eventTypeExtractors = []func(object) string{
	func(b object) string { return str(b["event"]) },
	func(b object) string { return str(b["type"]) },
	func(b object) string { return str(b["action"]) },
}

var eventDataExtractors = []func(object) any{
	func(b object) any { return b["data"] },
	func(b object) any { return b["payload"] },
	func(b object) any { return b },
}

func Parse(body []byte) (Event, error) {
	var b object
	if err := json.Unmarshal(body, &b); err != nil {
		return Event{}, err
	}
	if b == nil {
		return Event{}, ErrNotObject
	}
	ev := Event{Body: b}
	for _, f := range eventTypeExtractors {
		if t := f(b); t != "" {
			ev.Type = NormalizeEventType(t)
			break
		}
	}
	for _, f := range eventDataExtractors {
		if d := f(b); d != nil {
			ev.Data = d
			break
		}
	}
	return ev, nil
}

// NormalizeEventType maps "MESSAGES_UPSERT" and "messages.upsert" to the
// same dotted lower-case form.
func NormalizeEventType(t string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(t)), "_", ".")
}

// IsMessageEvent reports whether the event carries chat traffic rather than
// connection or QR state.
func (e Event) IsMessageEvent() bool {
	switch e.Type {
	case EventMessagesUpsert, "messages.set", "send.message":
		return true
	case "":
		return len(e.Messages()) > 0
	}
	return false
}

var connectionStateExtractors = []func(object) string{
	func(d object) string { return str(d["state"]) },
	func(d object) string { return str(d["status"]) },
	func(d object) string { return str(d["connection"]) },
}

func (e Event) ConnectionState() string {
	d, _ := e.Data.(object)
	for _, f := range connectionStateExtractors {
		if s := f(d); s != "" {
			return s
		}
	}
	return ""
}

// Message is one chat message extracted from a delivery.
type Message struct {
	ID        string
	RemoteJID string
	FromMe    bool
	PushName  string
	Content   string
	Kind      string
}

var messageListExtractors = []func(any) []any{
	func(d any) []any { l, _ := d.([]any); return l },
	func(d any) []any {
		o, _ := d.(object)
		l, _ := o["messages"].([]any)
		return l
	},
	func(d any) []any {
		if o, ok := d.(object); ok && o["key"] != nil {
			return []any{o}
		}
		return nil
	},
}

// Messages returns every message in the delivery, skipping entries without
// a routing key.
func (e Event) Messages() []Message {
	var raw []any
	for _, f := range messageListExtractors {
		if l := f(e.Data); len(l) > 0 {
			raw = l
			break
		}
	}
	out := make([]Message, 0, len(raw))
	for _, r := range raw {
		o, ok := r.(object)
		if !ok {
			continue
		}
		key, _ := o["key"].(object)
		jid := str(key["remoteJid"])
		if jid == "" {
			continue
		}
		fromMe, _ := key["fromMe"].(bool)
		content, kind := ExtractContent(o["message"])
		out = append(out, Message{
			ID:        str(key["id"]),
			RemoteJID: jid,
			FromMe:    fromMe,
			PushName:  str(o["pushName"]),
			Content:   content,
			Kind:      kind,
		})
	}
	return out
}

// Relayable reports whether the message belongs to a one-to-one chat.
// Broadcast lists, status updates, newsletters and groups are rejected.
func (m Message) Relayable() bool {
	jid := strings.ToLower(m.RemoteJID)
	switch {
	case strings.HasSuffix(jid, "@broadcast"),
		strings.HasSuffix(jid, "@newsletter"),
		strings.HasSuffix(jid, "@g.us"):
		return false
	}
	return true
}

// Message kinds, named after the attachment types used for previews.
const (
	KindText     = "text"
	KindImage    = "image"
	KindVideo    = "video"
	KindAudio    = "audio"
	KindSticker  = "sticker"
	KindDocument = "document"
	KindUnknown  = "unknown"
)

const FallbackContent = "[Mensagem não suportada]"

type contentExtractor func(object) (content, kind string, ok bool)

func textAt(path ...string) func(object) (string, bool) {
	return func(o object) (string, bool) {
		cur := any(o)
		for _, p := range path {
			m, ok := cur.(object)
			if !ok {
				return "", false
			}
			cur = m[p]
		}
		s := str(cur)
		return s, s != ""
	}
}

func present(key string) func(object) bool {
	return func(o object) bool { return o[key] != nil }
}

var contentExtractors = []contentExtractor{
	func(o object) (string, string, bool) {
		s, ok := textAt("conversation")(o)
		return s, KindText, ok
	},
	func(o object) (string, string, bool) {
		s, ok := textAt("extendedTextMessage", "text")(o)
		return s, KindText, ok
	},
	func(o object) (string, string, bool) {
		if !present("imageMessage")(o) {
			return "", "", false
		}
		s, _ := textAt("imageMessage", "caption")(o)
		return orLabel(s, "📷 Imagem"), KindImage, true
	},
	func(o object) (string, string, bool) {
		if !present("videoMessage")(o) {
			return "", "", false
		}
		s, _ := textAt("videoMessage", "caption")(o)
		return orLabel(s, "🎥 Vídeo"), KindVideo, true
	},
	func(o object) (string, string, bool) {
		return "🎵 Áudio", KindAudio, present("audioMessage")(o)
	},
	func(o object) (string, string, bool) {
		return "🏷️ Figurinha", KindSticker, present("stickerMessage")(o)
	},
	func(o object) (string, string, bool) {
		if !present("documentMessage")(o) {
			return "", "", false
		}
		s, _ := textAt("documentMessage", "fileName")(o)
		if s != "" {
			return "📄 " + s, KindDocument, true
		}
		return "📄 Documento", KindDocument, true
	},
}

// ExtractContent returns a textual summary of a gateway message body and
// its kind, trying known shapes in priority order.
func ExtractContent(message any) (content, kind string) {
	o, ok := message.(object)
	if !ok {
		return FallbackContent, KindUnknown
	}
	for _, f := range contentExtractors {
		if c, k, ok := f(o); ok {
			return c, k
		}
	}
	return FallbackContent, KindUnknown
}

func orLabel(s, label string) string {
	if strings.TrimSpace(s) == "" {
		return label
	}
	return s
}

func str(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
