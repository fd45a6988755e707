package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"crmsync/internal/chatwoot"
	"crmsync/internal/domain"
	"crmsync/internal/gateway"
	"crmsync/internal/reconcile"
)

type fakeAPI struct {
	mu sync.Mutex

	contacts      []chatwoot.Contact
	conversations map[int64][]chatwoot.Conversation
	messages      []chatwoot.CreateMessageRequest
	calls         []string

	nextID       int64
	failMessages map[string]error // content -> error
	hangMessages map[string]bool  // content -> block until the call times out
	failSearch   map[string]error // account -> error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		conversations: map[int64][]chatwoot.Conversation{},
		nextID:        100,
		failMessages:  map[string]error{},
		hangMessages:  map[string]bool{},
		failSearch:    map[string]error{},
	}
}

func (f *fakeAPI) record(step string) {
	f.calls = append(f.calls, step)
}

func (f *fakeAPI) SearchContacts(_ context.Context, acc chatwoot.Account, q string) ([]chatwoot.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("search")
	if err := f.failSearch[acc.ID]; err != nil {
		return nil, err
	}
	var out []chatwoot.Contact
	for _, c := range f.contacts {
		if c.PhoneNumber == q {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeAPI) CreateContact(_ context.Context, _ chatwoot.Account, req chatwoot.CreateContactRequest) (chatwoot.Contact, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create_contact")
	f.nextID++
	c := chatwoot.Contact{ID: f.nextID, Name: req.Name, PhoneNumber: req.PhoneNumber}
	ci := chatwoot.ContactInbox{SourceID: "src-new"}
	ci.Inbox.ID = req.InboxID
	c.ContactInboxes = []chatwoot.ContactInbox{ci}
	f.contacts = append(f.contacts, c)
	return c, ci.SourceID, nil
}

func (f *fakeAPI) CreateContactInbox(_ context.Context, _ chatwoot.Account, contactID, inboxID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create_contact_inbox")
	return "src-linked", nil
}

func (f *fakeAPI) ListContactConversations(_ context.Context, _ chatwoot.Account, contactID int64) ([]chatwoot.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list_conversations")
	return f.conversations[contactID], nil
}

func (f *fakeAPI) CreateConversation(_ context.Context, _ chatwoot.Account, req chatwoot.CreateConversationRequest) (chatwoot.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create_conversation")
	f.nextID++
	c := chatwoot.Conversation{ID: f.nextID, InboxID: req.InboxID, Status: req.Status}
	f.conversations[req.ContactID] = append(f.conversations[req.ContactID], c)
	return c, nil
}

func (f *fakeAPI) CreateMessage(ctx context.Context, _ chatwoot.Account, convID int64, req chatwoot.CreateMessageRequest) (chatwoot.Message, error) {
	f.mu.Lock()
	f.record("create_message")
	if f.hangMessages[req.Content] {
		f.mu.Unlock()
		<-ctx.Done()
		return chatwoot.Message{}, ctx.Err()
	}
	defer f.mu.Unlock()
	if err := f.failMessages[req.Content]; err != nil {
		return chatwoot.Message{}, err
	}
	f.messages = append(f.messages, req)
	return chatwoot.Message{ID: int64(len(f.messages)), ConversationID: convID}, nil
}

type fakeMirror struct {
	contacts []reconcile.ContactAttrs
	convs    []reconcile.NewConversation
	messages []reconcile.MessageEvent
}

func (m *fakeMirror) UpsertContact(_ context.Context, companyID, phone string, attrs reconcile.ContactAttrs) (domain.Contact, error) {
	m.contacts = append(m.contacts, attrs)
	return domain.Contact{ID: "ct_1", CompanyID: companyID, Phone: phone}, nil
}

func (m *fakeMirror) UpsertConversationOnCreate(_ context.Context, companyID, contactID string, nc reconcile.NewConversation) (domain.Conversation, bool, error) {
	m.convs = append(m.convs, nc)
	return domain.Conversation{ID: "cv_1", CompanyID: companyID, ContactID: contactID}, true, nil
}

func (m *fakeMirror) ApplyMessageCreated(_ context.Context, companyID, ext string, ev reconcile.MessageEvent) (domain.Conversation, bool, error) {
	m.messages = append(m.messages, ev)
	return domain.Conversation{}, true, nil
}

type fakeDedup struct {
	seen     map[string]bool
	released []string
	err      error
}

func (d *fakeDedup) Claim(_ context.Context, instance, id string) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	k := instance + ":" + id
	if d.seen[k] {
		return false, nil
	}
	d.seen[k] = true
	return true, nil
}

func (d *fakeDedup) Release(_ context.Context, instance, id string) error {
	delete(d.seen, instance+":"+id)
	d.released = append(d.released, id)
	return nil
}

func target() Target {
	return Target{
		Company:  domain.Company{ID: "co_1", ChatwootAccountID: "7", ChatwootAPIToken: "tok"},
		Instance: domain.Instance{ID: "ins_1", ExternalInstanceName: "acme", ChatwootInboxID: "3"},
	}
}

func msg(id, jid, content string, fromMe bool) gateway.Message {
	return gateway.Message{ID: id, RemoteJID: jid, FromMe: fromMe, PushName: "Ana", Content: content, Kind: gateway.KindText}
}

func TestRelayBatch_CreatesThenReuses(t *testing.T) {
	api := newFakeAPI()
	mirror := &fakeMirror{}
	r := &Relay{API: api, Mirror: mirror}

	res, err := r.RelayBatch(context.Background(), target(), []gateway.Message{
		msg("A", "5511999998888@s.whatsapp.net", "oi", false),
		msg("B", "5511999998888@s.whatsapp.net", "tudo bem?", false),
	})
	require.NoError(t, err)
	assert.Equal(t, Result{Relayed: 2}, res)

	assert.Equal(t, []string{
		"search", "create_contact", "list_conversations", "create_conversation", "create_message",
		"search", "list_conversations", "create_message",
	}, api.calls)
	require.Len(t, api.messages, 2)
	assert.Equal(t, "incoming", api.messages[0].MessageType)
	assert.False(t, api.messages[0].Private)

	require.Len(t, mirror.convs, 2)
	assert.Equal(t, mirror.convs[0].ExternalConversationID, mirror.convs[1].ExternalConversationID)
	assert.Equal(t, "3", mirror.convs[0].ExternalInboxID)
	assert.Equal(t, "Ana", mirror.contacts[0].Name)
	assert.NotEmpty(t, mirror.contacts[0].ExternalContactID)
	assert.True(t, mirror.messages[0].Relayed)
	assert.Equal(t, reconcile.Inbound, mirror.messages[0].Direction)
	assert.Equal(t, "1", mirror.messages[0].ExternalMessageID)
	assert.Equal(t, "2", mirror.messages[1].ExternalMessageID)
}

func TestRelayBatch_MediaKeepsCaption(t *testing.T) {
	mirror := &fakeMirror{}
	r := &Relay{API: newFakeAPI(), Mirror: mirror}

	m := msg("A", "5511999998888@s.whatsapp.net", "look at this", false)
	m.Kind = gateway.KindImage
	_, err := r.RelayBatch(context.Background(), target(), []gateway.Message{m})
	require.NoError(t, err)

	require.Len(t, mirror.messages, 1)
	assert.Equal(t, "look at this", mirror.messages[0].Content)
	assert.Equal(t, gateway.KindImage, mirror.messages[0].AttachmentType)
	assert.Equal(t, "look at this", reconcile.MessagePreview(mirror.messages[0].Content, mirror.messages[0].AttachmentType))
}

func TestRelayBatch_ExistingContactWithoutInboxLink(t *testing.T) {
	api := newFakeAPI()
	api.contacts = []chatwoot.Contact{{ID: 5, PhoneNumber: "+5511999998888"}}
	api.conversations[5] = []chatwoot.Conversation{
		{ID: 40, InboxID: 3, Status: "resolved"},
		{ID: 41, InboxID: 9, Status: "open"},
	}
	mirror := &fakeMirror{}
	r := &Relay{API: api, Mirror: mirror}

	res, err := r.RelayBatch(context.Background(), target(), []gateway.Message{
		msg("A", "5511999998888@s.whatsapp.net", "ok", true),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Relayed)
	assert.Equal(t, []string{"search", "create_contact_inbox", "list_conversations", "create_conversation", "create_message"}, api.calls)
	assert.Equal(t, "outgoing", api.messages[0].MessageType)
	assert.Equal(t, reconcile.Outbound, mirror.messages[0].Direction)
	assert.Empty(t, mirror.contacts[0].Name, "self-sent messages do not rename the contact")
}

func TestRelayBatch_FilteringAndPartialFailure(t *testing.T) {
	api := newFakeAPI()
	api.failMessages["boom"] = &chatwoot.APIError{StatusCode: 422}
	mirror := &fakeMirror{}
	dd := &fakeDedup{seen: map[string]bool{}}
	r := &Relay{API: api, Mirror: mirror, Dedup: dd}

	res, err := r.RelayBatch(context.Background(), target(), []gateway.Message{
		msg("S", "status@broadcast", "x", false),
		msg("G", "12036@g.us", "x", false),
		msg("F", "5511999998888@s.whatsapp.net", "boom", false),
		msg("OK", "5511999998888@s.whatsapp.net", "fine", false),
		msg("OK", "5511999998888@s.whatsapp.net", "fine", false),
	})
	require.NoError(t, err)
	assert.Equal(t, Result{Relayed: 1, Skipped: 2, Duplicates: 1, Failed: 1}, res)
	assert.Equal(t, []string{"F"}, dd.released)
	require.Len(t, api.messages, 1)
	assert.Equal(t, "fine", api.messages[0].Content)
}

func TestRelayBatch_PostTimeoutKeepsClaim(t *testing.T) {
	api := newFakeAPI()
	api.hangMessages["slow"] = true
	api.failSearch["8"] = &chatwoot.APIError{StatusCode: 503}
	dd := &fakeDedup{seen: map[string]bool{}}
	r := &Relay{API: api, Mirror: &fakeMirror{}, Dedup: dd, CallTimeout: 20 * time.Millisecond}

	res, err := r.RelayBatch(context.Background(), target(), []gateway.Message{
		msg("T", "5511999998888@s.whatsapp.net", "slow", false),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Empty(t, dd.released)
	assert.True(t, dd.seen["acme:T"], "a post that may have landed stays claimed")

	// a timeout before the post still releases the claim
	other := target()
	other.Company.ChatwootAccountID = "8"
	res, err = r.RelayBatch(context.Background(), other, []gateway.Message{
		msg("U", "5511999998888@s.whatsapp.net", "x", false),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []string{"U"}, dd.released)
}

func TestMayHavePosted(t *testing.T) {
	assert.True(t, mayHavePosted(&StepError{Step: stepCreateMessage, Err: context.DeadlineExceeded}))
	assert.False(t, mayHavePosted(&StepError{Step: stepCreateMessage, Err: &chatwoot.APIError{StatusCode: 422}}))
	assert.False(t, mayHavePosted(&StepError{Step: "search_contact", Err: context.DeadlineExceeded}))
	assert.False(t, mayHavePosted(errors.New("down")))
}

type mockDedup struct {
	mock.Mock
}

func (m *mockDedup) Claim(ctx context.Context, instance, id string) (bool, error) {
	args := m.Called(ctx, instance, id)
	return args.Bool(0), args.Error(1)
}

func (m *mockDedup) Release(ctx context.Context, instance, id string) error {
	return m.Called(ctx, instance, id).Error(0)
}

func TestRelayBatch_DedupErrorFailsOpen(t *testing.T) {
	dd := &mockDedup{}
	dd.On("Claim", mock.Anything, "acme", "A").Return(false, errors.New("redis down")).Once()
	r := &Relay{API: newFakeAPI(), Mirror: &fakeMirror{}, Dedup: dd}

	res, err := r.RelayBatch(context.Background(), target(), []gateway.Message{
		msg("A", "5511999998888@s.whatsapp.net", "oi", false),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Relayed)
	dd.AssertExpectations(t)
	dd.AssertNotCalled(t, "Release", mock.Anything, mock.Anything, mock.Anything)
}

func TestRelayBatch_NotConfigured(t *testing.T) {
	r := &Relay{API: newFakeAPI(), Mirror: &fakeMirror{}}
	tg := target()
	tg.Instance.ChatwootInboxID = ""
	_, err := r.RelayBatch(context.Background(), tg, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)

	tg = target()
	tg.Company.ChatwootAPIToken = ""
	_, err = r.RelayBatch(context.Background(), tg, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestCall_RetriesTransientAndTimesOut(t *testing.T) {
	r := &Relay{MaxAttempts: 2, CallTimeout: 20 * time.Millisecond}
	attempts := 0
	out, err := call(context.Background(), r, "7", "step", func(ctx context.Context) (int, error) {
		attempts++
		if attempts == 1 {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, out)
	assert.Equal(t, 2, attempts)

	attempts = 0
	_, err = call(context.Background(), r, "7", "step", func(ctx context.Context) (int, error) {
		attempts++
		return 0, &chatwoot.APIError{StatusCode: 400}
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "non-transient errors are not retried")
	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "step", se.Step)
}

func TestCall_OpenBreakerFailsFast(t *testing.T) {
	r := &Relay{
		MaxAttempts: 3,
		NewGuard: func(account string) *Guard {
			return &Guard{Breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        account,
				ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
				Timeout:     time.Minute,
			})}
		},
	}
	fail := func(ctx context.Context) (int, error) { return 0, errors.New("down") }

	_, err := call(context.Background(), r, "7", "step", fail)
	require.Error(t, err)

	calls := 0
	_, err = call(context.Background(), r, "7", "step", func(ctx context.Context) (int, error) {
		calls++
		return 1, nil
	})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Zero(t, calls)
}

func TestNew_BreakerOpensAfterConfiguredFailures(t *testing.T) {
	r := New(newFakeAPI(), nil, Options{RPS: 1000, Burst: 10, BreakerFailures: 2, MaxAttempts: 1})
	g := r.guard("7")
	require.NotNil(t, g.Limiter)
	require.NotNil(t, g.Breaker)
	assert.Same(t, g, r.guard("7"))

	rejected := func(ctx context.Context) (int, error) { return 0, &chatwoot.APIError{StatusCode: 401} }
	for i := 0; i < 5; i++ {
		_, err := call(context.Background(), r, "7", "step", rejected)
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}
	assert.Equal(t, gobreaker.StateClosed, g.Breaker.State(), "client errors do not trip the breaker")

	down := func(ctx context.Context) (int, error) { return 0, &chatwoot.APIError{StatusCode: 502} }
	for i := 0; i < 2; i++ {
		_, err := call(context.Background(), r, "7", "step", down)
		require.Error(t, err)
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}
	_, err := call(context.Background(), r, "7", "step", down)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, gobreaker.StateOpen, g.Breaker.State())
}

func TestRelayBatch_AccountsDoNotShareBreaker(t *testing.T) {
	api := newFakeAPI()
	r := New(api, &fakeMirror{}, Options{RPS: 1000, Burst: 10, BreakerFailures: 2, MaxAttempts: 1})
	r.CallTimeout = time.Second

	bad := target()
	bad.Company.ID = "co_bad"
	bad.Company.ChatwootAccountID = "bad"
	good := target()
	ctx := context.Background()

	api.failSearch["bad"] = &chatwoot.APIError{StatusCode: 401}
	for i := 0; i < 5; i++ {
		res, err := r.RelayBatch(ctx, bad, []gateway.Message{msg("", "5511999998888@s.whatsapp.net", "oi", false)})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)
	}
	assert.Equal(t, gobreaker.StateClosed, r.guard("bad").Breaker.State())

	api.failSearch["bad"] = &chatwoot.APIError{StatusCode: 500}
	for i := 0; i < 3; i++ {
		_, err := r.RelayBatch(ctx, bad, []gateway.Message{msg("", "5511999998888@s.whatsapp.net", "oi", false)})
		require.NoError(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, r.guard("bad").Breaker.State())

	res, err := r.RelayBatch(ctx, good, []gateway.Message{msg("A", "5511977776666@s.whatsapp.net", "oi", false)})
	require.NoError(t, err)
	assert.Equal(t, Result{Relayed: 1}, res)
	assert.Equal(t, gobreaker.StateClosed, r.guard("7").Breaker.State())
	assert.NotSame(t, r.guard("bad").Limiter, r.guard("7").Limiter)
}
