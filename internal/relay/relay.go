// Package relay forwards gateway chat messages into the support platform and
// mirrors the resulting contact and conversation into the CRM store.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"crmsync/internal/chatwoot"
	"crmsync/internal/domain"
	"crmsync/internal/gateway"
	"crmsync/internal/observability"
	"crmsync/internal/phone"
	"crmsync/internal/reconcile"
)

type SupportAPI interface {
	SearchContacts(ctx context.Context, acc chatwoot.Account, q string) ([]chatwoot.Contact, error)
	CreateContact(ctx context.Context, acc chatwoot.Account, req chatwoot.CreateContactRequest) (chatwoot.Contact, string, error)
	CreateContactInbox(ctx context.Context, acc chatwoot.Account, contactID, inboxID int64) (string, error)
	ListContactConversations(ctx context.Context, acc chatwoot.Account, contactID int64) ([]chatwoot.Conversation, error)
	CreateConversation(ctx context.Context, acc chatwoot.Account, req chatwoot.CreateConversationRequest) (chatwoot.Conversation, error)
	CreateMessage(ctx context.Context, acc chatwoot.Account, conversationID int64, req chatwoot.CreateMessageRequest) (chatwoot.Message, error)
}

// Mirror is the part of the reconciler the relay writes through.
type Mirror interface {
	UpsertContact(ctx context.Context, companyID, phone string, attrs reconcile.ContactAttrs) (domain.Contact, error)
	UpsertConversationOnCreate(ctx context.Context, companyID, contactID string, nc reconcile.NewConversation) (domain.Conversation, bool, error)
	ApplyMessageCreated(ctx context.Context, companyID, externalID string, m reconcile.MessageEvent) (domain.Conversation, bool, error)
}

type Deduper interface {
	Claim(ctx context.Context, instance, id string) (bool, error)
	Release(ctx context.Context, instance, id string) error
}

type Relay struct {
	API    SupportAPI
	Mirror Mirror
	Dedup  Deduper

	// NewGuard builds the limiter and breaker for one support-platform
	// account. Nil means calls run unguarded.
	NewGuard func(account string) *Guard

	CallTimeout time.Duration
	MaxAttempts int

	mu     sync.Mutex
	guards map[string]*Guard
}

// Guard is the call budget of one support-platform account.
type Guard struct {
	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker
}

type Options struct {
	RPS             float64
	Burst           int
	BreakerFailures uint32
	CallTimeout     time.Duration
	MaxAttempts     int
}

// New wires a relay whose accounts each get a limiter and a breaker that
// opens after BreakerFailures consecutive transient failures.
func New(api SupportAPI, mirror Mirror, opts Options) *Relay {
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	return &Relay{
		API:    api,
		Mirror: mirror,
		NewGuard: func(account string) *Guard {
			return &Guard{
				Limiter: rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst),
				Breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
					Name:        "chatwoot:" + account,
					MaxRequests: 3,
					Timeout:     20 * time.Second,
					ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= failures },
					// 4xx means the request or the credentials are wrong, not
					// that the platform is down.
					IsSuccessful: func(err error) bool { return err == nil || !chatwoot.ShouldRetry(err) },
					OnStateChange: func(name string, from, to gobreaker.State) {
						slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
					},
				}),
			}
		},
		CallTimeout: opts.CallTimeout,
		MaxAttempts: opts.MaxAttempts,
	}
}

// guard returns the account's guard, creating it on first use.
func (r *Relay) guard(account string) *Guard {
	if r.NewGuard == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guards[account]
	if !ok {
		if r.guards == nil {
			r.guards = map[string]*Guard{}
		}
		g = r.NewGuard(account)
		r.guards[account] = g
	}
	return g
}

// Target is the tenant context of one gateway delivery.
type Target struct {
	Company  domain.Company
	Instance domain.Instance
}

type Result struct {
	Relayed    int
	Skipped    int
	Duplicates int
	Failed     int
}

var ErrNotConfigured = errors.New("support platform not configured for instance")

// Configured reports whether the tenant can be relayed to at all.
func Configured(t Target) error {
	if t.Company.ChatwootAccountID == "" || t.Company.ChatwootAPIToken == "" {
		return fmt.Errorf("%w: company has no account credentials", ErrNotConfigured)
	}
	if _, err := strconv.ParseInt(t.Instance.ChatwootInboxID, 10, 64); err != nil {
		return fmt.Errorf("%w: instance has no inbox", ErrNotConfigured)
	}
	return nil
}

// RelayBatch relays each message independently. A failed message is logged
// and counted; it never stops the rest of the batch.
func (r *Relay) RelayBatch(ctx context.Context, t Target, msgs []gateway.Message) (Result, error) {
	if err := Configured(t); err != nil {
		return Result{}, err
	}
	var res Result
	for _, m := range msgs {
		switch err := r.relayMessage(ctx, t, m); {
		case err == nil:
			res.Relayed++
			observability.RelayMessages.WithLabelValues("relayed").Inc()
		case errors.Is(err, errSkip):
			res.Skipped++
			observability.RelayMessages.WithLabelValues("skipped").Inc()
		case errors.Is(err, errDuplicate):
			res.Duplicates++
			observability.RelayMessages.WithLabelValues("duplicate").Inc()
		default:
			res.Failed++
			observability.RelayMessages.WithLabelValues("failed").Inc()
			slog.Error("relay message failed",
				"err", err,
				"company_id", t.Company.ID,
				"instance", t.Instance.ExternalInstanceName,
				"message_id", m.ID,
			)
		}
	}
	return res, nil
}

var (
	errSkip      = errors.New("message not relayable")
	errDuplicate = errors.New("message already relayed")
)

func (r *Relay) relayMessage(ctx context.Context, t Target, m gateway.Message) error {
	if !m.Relayable() {
		return errSkip
	}
	phoneNumber := phone.Normalize(m.RemoteJID)
	if phoneNumber == "" {
		return errSkip
	}

	instance := t.Instance.ExternalInstanceName
	claimed := false
	if r.Dedup != nil && m.ID != "" {
		ok, err := r.Dedup.Claim(ctx, instance, m.ID)
		switch {
		case err != nil:
			slog.Warn("dedup unavailable, relaying anyway", "err", err, "instance", instance)
		case !ok:
			return errDuplicate
		default:
			claimed = true
		}
	}

	start := time.Now()
	p, err := r.forward(ctx, t, m, phoneNumber)
	if err != nil {
		switch {
		case !claimed:
		case mayHavePosted(err):
			// a redelivery could post the message twice; keep the claim
			slog.Warn("message post timed out, keeping dedup claim", "err", err, "instance", instance, "message_id", m.ID)
		default:
			if rerr := r.Dedup.Release(ctx, instance, m.ID); rerr != nil {
				slog.Warn("dedup release failed", "err", rerr, "instance", instance)
			}
		}
		return err
	}
	observability.RelayLatency.Observe(time.Since(start).Seconds())

	if err := r.mirror(ctx, t, m, phoneNumber, p); err != nil {
		return fmt.Errorf("mirror: %w", err)
	}
	return nil
}

// posted is what the support platform created for one relayed message.
type posted struct {
	contactID      int64
	conversationID int64
	messageID      int64
}

// forward runs the sequential find-or-create chain on the support platform
// and posts the message. Each step depends on the previous one's result.
func (r *Relay) forward(ctx context.Context, t Target, m gateway.Message, phoneNumber string) (posted, error) {
	acc := chatwoot.Account{ID: t.Company.ChatwootAccountID, Token: t.Company.ChatwootAPIToken}
	inboxID, _ := strconv.ParseInt(t.Instance.ChatwootInboxID, 10, 64)

	contact, sourceID, err := r.findOrCreateContact(ctx, acc, inboxID, phoneNumber, contactName(m))
	if err != nil {
		return posted{}, err
	}
	conv, err := r.findOrCreateConversation(ctx, acc, inboxID, contact.ID, sourceID)
	if err != nil {
		return posted{}, err
	}

	msgType := string(chatwoot.MessageIncoming)
	if m.FromMe {
		msgType = string(chatwoot.MessageOutgoing)
	}
	msg, err := call(ctx, r, acc.ID, stepCreateMessage, func(ctx context.Context) (chatwoot.Message, error) {
		return r.API.CreateMessage(ctx, acc, conv.ID, chatwoot.CreateMessageRequest{
			Content:     m.Content,
			MessageType: msgType,
			Private:     false,
		})
	})
	if err != nil {
		return posted{}, err
	}
	return posted{contactID: contact.ID, conversationID: conv.ID, messageID: msg.ID}, nil
}

func (r *Relay) findOrCreateContact(ctx context.Context, acc chatwoot.Account, inboxID int64, phoneNumber, name string) (chatwoot.Contact, string, error) {
	found, err := call(ctx, r, acc.ID, "search_contact", func(ctx context.Context) ([]chatwoot.Contact, error) {
		return r.API.SearchContacts(ctx, acc, phoneNumber)
	})
	if err != nil {
		return chatwoot.Contact{}, "", err
	}

	key := phone.Key(phoneNumber)
	for _, c := range found {
		if phone.Key(c.PhoneNumber) != key {
			continue
		}
		for _, ci := range c.ContactInboxes {
			if ci.Inbox.ID == inboxID && ci.SourceID != "" {
				return c, ci.SourceID, nil
			}
		}
		src, err := call(ctx, r, acc.ID, "create_contact_inbox", func(ctx context.Context) (string, error) {
			return r.API.CreateContactInbox(ctx, acc, c.ID, inboxID)
		})
		if err != nil {
			return chatwoot.Contact{}, "", err
		}
		return c, src, nil
	}

	if name == "" {
		name = phoneNumber
	}
	type created struct {
		contact  chatwoot.Contact
		sourceID string
	}
	out, err := call(ctx, r, acc.ID, "create_contact", func(ctx context.Context) (created, error) {
		c, src, err := r.API.CreateContact(ctx, acc, chatwoot.CreateContactRequest{
			InboxID:     inboxID,
			Name:        name,
			PhoneNumber: phoneNumber,
		})
		return created{c, src}, err
	})
	if err != nil {
		return chatwoot.Contact{}, "", err
	}
	if out.sourceID != "" {
		return out.contact, out.sourceID, nil
	}
	src, err := call(ctx, r, acc.ID, "create_contact_inbox", func(ctx context.Context) (string, error) {
		return r.API.CreateContactInbox(ctx, acc, out.contact.ID, inboxID)
	})
	if err != nil {
		return chatwoot.Contact{}, "", err
	}
	return out.contact, src, nil
}

func (r *Relay) findOrCreateConversation(ctx context.Context, acc chatwoot.Account, inboxID, contactID int64, sourceID string) (chatwoot.Conversation, error) {
	convs, err := call(ctx, r, acc.ID, "list_conversations", func(ctx context.Context) ([]chatwoot.Conversation, error) {
		return r.API.ListContactConversations(ctx, acc, contactID)
	})
	if err != nil {
		return chatwoot.Conversation{}, err
	}
	for _, c := range convs {
		if c.InboxID == inboxID && c.Status != string(domain.StatusResolved) {
			return c, nil
		}
	}
	return call(ctx, r, acc.ID, "create_conversation", func(ctx context.Context) (chatwoot.Conversation, error) {
		return r.API.CreateConversation(ctx, acc, chatwoot.CreateConversationRequest{
			SourceID:  sourceID,
			InboxID:   inboxID,
			ContactID: contactID,
			Status:    string(domain.StatusOpen),
		})
	})
}

func (r *Relay) mirror(ctx context.Context, t Target, m gateway.Message, phoneNumber string, p posted) error {
	attrs := reconcile.ContactAttrs{ExternalContactID: strconv.FormatInt(p.contactID, 10)}
	if !m.FromMe {
		attrs.Name = m.PushName
	}
	ct, err := r.Mirror.UpsertContact(ctx, t.Company.ID, phoneNumber, attrs)
	if err != nil {
		return err
	}
	ext := strconv.FormatInt(p.conversationID, 10)
	if _, _, err := r.Mirror.UpsertConversationOnCreate(ctx, t.Company.ID, ct.ID, reconcile.NewConversation{
		ExternalConversationID: ext,
		ExternalInboxID:        t.Instance.ChatwootInboxID,
	}); err != nil {
		return err
	}

	ev := reconcile.MessageEvent{Direction: reconcile.Inbound, Content: m.Content, Relayed: true}
	if m.FromMe {
		ev.Direction = reconcile.Outbound
	}
	if m.Kind != gateway.KindText {
		ev.AttachmentType = m.Kind
	}
	if p.messageID != 0 {
		ev.ExternalMessageID = strconv.FormatInt(p.messageID, 10)
	}
	_, _, err = r.Mirror.ApplyMessageCreated(ctx, t.Company.ID, ext, ev)
	return err
}

const stepCreateMessage = "create_message"

// StepError is a failed REST step after its last attempt.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return e.Step + ": " + e.Err.Error() }

func (e *StepError) Unwrap() error { return e.Err }

// mayHavePosted reports whether the message post timed out on our side, in
// which case the platform may still have created it.
func mayHavePosted(err error) bool {
	var se *StepError
	if !errors.As(err, &se) || se.Step != stepCreateMessage {
		return false
	}
	if errors.Is(se.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(se.Err, &ne) && ne.Timeout()
}

// call runs one REST step behind the account's limiter and breaker with a
// per-call timeout, retrying transient failures.
func call[T any](ctx context.Context, r *Relay, account, step string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	g := r.guard(account)
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, errors.Join(ctx.Err(), lastErr)
			case <-time.After(chatwoot.Backoff(attempt - 1)):
			}
		}
		if g != nil && g.Limiter != nil {
			if err := g.Limiter.Wait(ctx); err != nil {
				observability.RelayCalls.WithLabelValues(step, "rate_limited_local").Inc()
				return zero, err
			}
		}

		exec := func() (any, error) {
			timeout := r.CallTimeout
			if timeout <= 0 {
				timeout = 10 * time.Second
			}
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return fn(callCtx)
		}
		var out any
		var err error
		if g != nil && g.Breaker != nil {
			out, err = g.Breaker.Execute(exec)
		} else {
			out, err = exec()
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.RelayCalls.WithLabelValues(step, "cb_open").Inc()
			return zero, err
		}
		if err == nil {
			observability.RelayCalls.WithLabelValues(step, "ok").Inc()
			return out.(T), nil
		}
		observability.RelayCalls.WithLabelValues(step, "error").Inc()
		lastErr = &StepError{Step: step, Err: err}
		if !chatwoot.ShouldRetry(err) {
			return zero, lastErr
		}
	}
	return zero, lastErr
}

func contactName(m gateway.Message) string {
	if m.FromMe {
		return ""
	}
	return m.PushName
}
