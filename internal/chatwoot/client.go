// Package chatwoot is a small REST client for the support platform's
// application API plus the types of its outgoing webhooks.
package chatwoot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// Account scopes a call to one tenant's support platform account.
type Account struct {
	ID    string
	Token string
}

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("chatwoot: status %d: %s", e.StatusCode, body)
}

type ContactInbox struct {
	SourceID string `json:"source_id"`
	Inbox    struct {
		ID int64 `json:"id"`
	} `json:"inbox"`
}

type Contact struct {
	ID             int64          `json:"id"`
	Name           string         `json:"name"`
	PhoneNumber    string         `json:"phone_number"`
	Email          string         `json:"email"`
	Thumbnail      string         `json:"thumbnail"`
	ContactInboxes []ContactInbox `json:"contact_inboxes"`
}

type Conversation struct {
	ID      int64  `json:"id"`
	InboxID int64  `json:"inbox_id"`
	Status  string `json:"status"`
}

type Message struct {
	ID             int64 `json:"id"`
	ConversationID int64 `json:"conversation_id"`
}

type CreateContactRequest struct {
	InboxID     int64  `json:"inbox_id"`
	Name        string `json:"name,omitempty"`
	PhoneNumber string `json:"phone_number"`
}

type CreateConversationRequest struct {
	SourceID  string `json:"source_id"`
	InboxID   int64  `json:"inbox_id"`
	ContactID int64  `json:"contact_id"`
	Status    string `json:"status,omitempty"`
}

type CreateMessageRequest struct {
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
	Private     bool   `json:"private"`
}

func (c *Client) SearchContacts(ctx context.Context, acc Account, q string) ([]Contact, error) {
	var out struct {
		Payload []Contact `json:"payload"`
	}
	path := c.accountPath(acc, "/contacts/search?q="+url.QueryEscape(q))
	if err := c.do(ctx, acc, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Payload, nil
}

// CreateContact creates the contact already linked to inboxID and returns it
// with the link's source id.
func (c *Client) CreateContact(ctx context.Context, acc Account, req CreateContactRequest) (Contact, string, error) {
	var out struct {
		Payload struct {
			Contact      Contact      `json:"contact"`
			ContactInbox ContactInbox `json:"contact_inbox"`
		} `json:"payload"`
	}
	if err := c.do(ctx, acc, http.MethodPost, c.accountPath(acc, "/contacts"), req, &out); err != nil {
		return Contact{}, "", err
	}
	return out.Payload.Contact, out.Payload.ContactInbox.SourceID, nil
}

func (c *Client) CreateContactInbox(ctx context.Context, acc Account, contactID, inboxID int64) (string, error) {
	var out struct {
		SourceID string `json:"source_id"`
	}
	path := c.accountPath(acc, "/contacts/"+strconv.FormatInt(contactID, 10)+"/contact_inboxes")
	if err := c.do(ctx, acc, http.MethodPost, path, map[string]int64{"inbox_id": inboxID}, &out); err != nil {
		return "", err
	}
	return out.SourceID, nil
}

func (c *Client) ListContactConversations(ctx context.Context, acc Account, contactID int64) ([]Conversation, error) {
	var out struct {
		Payload []Conversation `json:"payload"`
	}
	path := c.accountPath(acc, "/contacts/"+strconv.FormatInt(contactID, 10)+"/conversations")
	if err := c.do(ctx, acc, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Payload, nil
}

func (c *Client) CreateConversation(ctx context.Context, acc Account, req CreateConversationRequest) (Conversation, error) {
	var out Conversation
	if err := c.do(ctx, acc, http.MethodPost, c.accountPath(acc, "/conversations"), req, &out); err != nil {
		return Conversation{}, err
	}
	return out, nil
}

func (c *Client) CreateMessage(ctx context.Context, acc Account, conversationID int64, req CreateMessageRequest) (Message, error) {
	var out Message
	path := c.accountPath(acc, "/conversations/"+strconv.FormatInt(conversationID, 10)+"/messages")
	if err := c.do(ctx, acc, http.MethodPost, path, req, &out); err != nil {
		return Message{}, err
	}
	return out, nil
}

func (c *Client) accountPath(acc Account, suffix string) string {
	return "/api/v1/accounts/" + url.PathEscape(acc.ID) + suffix
}

func (c *Client) do(ctx context.Context, acc Account, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("api_access_token", acc.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out == nil || len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("chatwoot: decode %s %s: %w", method, path, err)
	}
	return nil
}

// ShouldRetry reports whether err is transient: timeouts, 408, 429 and 5xx.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		s := apiErr.StatusCode
		return s == http.StatusTooManyRequests || s == http.StatusRequestTimeout || (s >= 500 && s <= 599)
	}
	return false
}

func Backoff(attempt int) time.Duration {
	// 200ms, 600ms, 1400ms
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}
