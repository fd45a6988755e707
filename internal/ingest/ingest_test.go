package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmsync/internal/chatwoot"
	"crmsync/internal/domain"
	"crmsync/internal/gateway"
	"crmsync/internal/reconcile"
	"crmsync/internal/relay"
	"crmsync/internal/store"
	"crmsync/internal/store/memstore"
)

func setup(t *testing.T) (*memstore.Store, *Support, *Gateway) {
	t.Helper()
	st := memstore.New()
	st.Companies["co_1"] = domain.Company{ID: "co_1", ChatwootAccountID: "7"}
	st.Stages = []domain.KanbanStage{
		{ID: "stg_new", CompanyID: "co_1", Slug: "new", IsInitial: true},
		{ID: "stg_neg", CompanyID: "co_1", Slug: "negotiating", Position: 1},
	}
	st.Instances["acme"] = domain.Instance{ID: "ins_1", CompanyID: "co_1", ExternalInstanceName: "acme", Status: domain.InstanceConnecting}
	r := reconcile.New(st)
	return st, &Support{R: r}, &Gateway{R: r, Relay: &relay.Relay{Mirror: r}}
}

func dispatch(t *testing.T, s *Support, body string) Outcome {
	t.Helper()
	env, err := chatwoot.ParseEnvelope([]byte(body))
	require.NoError(t, err)
	company, err := s.R.ResolveCompany(context.Background(), env.Account.ID.String())
	require.NoError(t, err)
	out, err := s.Dispatch(context.Background(), company, env)
	require.NoError(t, err)
	return out
}

func TestSupport_EndToEnd(t *testing.T) {
	st, s, _ := setup(t)

	created := `{"event":"conversation_created","account":{"id":7},"id":42,"inbox_id":3,"status":"open",
		"meta":{"sender":{"id":5,"name":"Ana","phone_number":"11999998888"}}}`
	assert.Equal(t, Handled, dispatch(t, s, created))
	assert.Equal(t, Handled, dispatch(t, s, created))

	require.Len(t, st.Contacts, 1)
	require.Len(t, st.Conversations, 1)
	for _, c := range st.Contacts {
		assert.Equal(t, "+5511999998888", c.Phone)
		assert.Equal(t, "5", c.ExternalContactID)
	}
	conv := st.Conv("co_1", "42")
	assert.Equal(t, "stg_new", *conv.StageID)
	assert.Equal(t, "3", conv.ExternalInboxID)
	assert.Len(t, st.Events(domain.EventConversationStarted), 1)

	dispatch(t, s, `{"event":"conversation_updated","account":{"id":7},"id":42,"labels":["negotiating"]}`)
	assert.Equal(t, "stg_neg", *st.Conv("co_1", "42").StageID)
	assert.Len(t, st.Events(domain.EventStageChanged), 1)

	dispatch(t, s, `{"event":"conversation_status_changed","account":{"id":7},"id":42,"status":"resolved"}`)
	assert.Equal(t, domain.StatusResolved, st.Conv("co_1", "42").Status)

	dispatch(t, s, `{"event":"message_created","account":{"id":7},"id":1,"content":"oi","message_type":"incoming","conversation":{"id":42}}`)
	assert.Equal(t, 1, st.Conv("co_1", "42").UnreadCount)

	out := dispatch(t, s, `{"event":"message_created","account":{"id":7},"id":2,"content":"note","message_type":"outgoing","private":true,"conversation":{"id":42}}`)
	assert.Equal(t, Ignored, out)

	out = dispatch(t, s, `{"event":"message_created","account":{"id":7},"id":3,"content":"joined","message_type":2,"conversation":{"id":42}}`)
	assert.Equal(t, Ignored, out)
	assert.Equal(t, "oi", st.Conv("co_1", "42").LastMessage)
}

// supportStub is a support platform with one contact, conversation 42 and
// message 900.
type supportStub struct{}

func (supportStub) SearchContacts(context.Context, chatwoot.Account, string) ([]chatwoot.Contact, error) {
	return nil, nil
}

func (supportStub) CreateContact(_ context.Context, _ chatwoot.Account, req chatwoot.CreateContactRequest) (chatwoot.Contact, string, error) {
	return chatwoot.Contact{ID: 5, Name: req.Name, PhoneNumber: req.PhoneNumber}, "src-1", nil
}

func (supportStub) CreateContactInbox(context.Context, chatwoot.Account, int64, int64) (string, error) {
	return "src-1", nil
}

func (supportStub) ListContactConversations(context.Context, chatwoot.Account, int64) ([]chatwoot.Conversation, error) {
	return nil, nil
}

func (supportStub) CreateConversation(_ context.Context, _ chatwoot.Account, req chatwoot.CreateConversationRequest) (chatwoot.Conversation, error) {
	return chatwoot.Conversation{ID: 42, InboxID: req.InboxID, Status: req.Status}, nil
}

func (supportStub) CreateMessage(_ context.Context, _ chatwoot.Account, convID int64, _ chatwoot.CreateMessageRequest) (chatwoot.Message, error) {
	return chatwoot.Message{ID: 900, ConversationID: convID}, nil
}

func TestRelayedMessageCountsOnceWhateverTheEchoOrder(t *testing.T) {
	st, s, g := setup(t)
	ctx := context.Background()
	co := st.Companies["co_1"]
	co.ChatwootAPIToken = "tok"
	st.Companies["co_1"] = co
	in := st.Instances["acme"]
	in.ChatwootInboxID = "3"
	st.Instances["acme"] = in
	g.Relay = relay.New(supportStub{}, s.R, relay.Options{RPS: 1000, Burst: 10, MaxAttempts: 1})

	echo := `{"event":"message_created","account":{"id":7},"id":900,"content":"oi","message_type":"incoming","conversation":{"id":42}}`

	// the echo can beat the relay's own mirror write
	assert.Equal(t, Ignored, dispatch(t, s, echo))

	ev, err := gateway.Parse([]byte(`{"event":"messages.upsert","data":{"key":{"remoteJid":"5511999998888@s.whatsapp.net","id":"A"},"pushName":"Ana","message":{"conversation":"oi"}}}`))
	require.NoError(t, err)
	res, err := g.Dispatch(ctx, st.Instances["acme"], ev)
	require.NoError(t, err)
	require.Equal(t, relay.Result{Relayed: 1}, res.Relay)

	conv := st.Conv("co_1", "42")
	assert.Equal(t, 1, conv.UnreadCount)
	assert.Equal(t, "oi", conv.LastMessage)
	assert.Len(t, st.Events(domain.EventMessageReceived), 1)

	// and it can arrive after
	assert.Equal(t, Ignored, dispatch(t, s, echo))
	assert.Equal(t, 1, st.Conv("co_1", "42").UnreadCount)
	assert.Len(t, st.Events(domain.EventMessageReceived), 1)
}

func TestSupport_IgnoredEvents(t *testing.T) {
	_, s, _ := setup(t)
	assert.Equal(t, Ignored, dispatch(t, s, `{"event":"contact_created","account":{"id":7},"id":5}`))
	assert.Equal(t, Ignored, dispatch(t, s, `{"event":"webwidget_triggered","account":{"id":7}}`))
	assert.Equal(t, Ignored, dispatch(t, s, `{"event":"something_new","account":{"id":7}}`))
	assert.Equal(t, Ignored, dispatch(t, s, `{"event":"conversation_updated","account":{"id":7},"id":404}`))
	assert.Equal(t, Ignored, dispatch(t, s, `{"event":"contact_updated","account":{"id":7},"id":5,"name":"X"}`))
}

func TestSupport_ContactUpdatedMerges(t *testing.T) {
	st, s, _ := setup(t)
	dispatch(t, s, `{"event":"contact_updated","account":{"id":7},"id":5,"name":"Ana","phone_number":"+55 11 99999-8888"}`)
	dispatch(t, s, `{"event":"contact_updated","account":{"id":7},"id":5,"name":"","thumbnail":"https://x/a.png"}`)

	require.Len(t, st.Contacts, 1)
	for _, c := range st.Contacts {
		assert.Equal(t, "Ana", c.Name)
		assert.Equal(t, "https://x/a.png", c.AvatarURL)
	}
}

func TestGateway_ConnectionAndQR(t *testing.T) {
	st, _, g := setup(t)
	ctx := context.Background()

	ev, err := gateway.Parse([]byte(`{"event":"QRCODE_UPDATED","data":{"qrcode":"..."}}`))
	require.NoError(t, err)
	res, err := g.Dispatch(ctx, st.Instances["acme"], ev)
	require.NoError(t, err)
	assert.Equal(t, Handled, res.Outcome)
	assert.Equal(t, domain.InstanceQRReady, st.Instances["acme"].Status)

	ev, err = gateway.Parse([]byte(`{"event":"connection.update","data":{"state":"open"}}`))
	require.NoError(t, err)
	_, err = g.Dispatch(ctx, st.Instances["acme"], ev)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceConnected, st.Instances["acme"].Status)
	assert.NotNil(t, st.Instances["acme"].ConnectedAt)

	ev, err = gateway.Parse([]byte(`{"event":"connection.update","data":{"state":"syncing"}}`))
	require.NoError(t, err)
	res, err = g.Dispatch(ctx, st.Instances["acme"], ev)
	require.NoError(t, err)
	assert.Equal(t, Ignored, res.Outcome)
}

func TestGateway_MessagesWithoutSupportConfigWarns(t *testing.T) {
	st, _, g := setup(t)
	ev, err := gateway.Parse([]byte(`{"event":"messages.upsert","data":{"key":{"remoteJid":"5511999998888@s.whatsapp.net","id":"A"},"message":{"conversation":"oi"}}}`))
	require.NoError(t, err)

	res, err := g.Dispatch(context.Background(), st.Instances["acme"], ev)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Warning)
	assert.Empty(t, st.Contacts)
}

func TestReplayer(t *testing.T) {
	st, s, g := setup(t)
	ctx := context.Background()
	auditor := &reconcile.Auditor{Store: st}
	rp := &Replayer{Store: st, Auditor: auditor, Support: s, Gateway: g}

	payload := []byte(`{"event":"conversation_created","account":{"id":7},"id":42,
		"meta":{"sender":{"id":5,"phone_number":"11999998888"}}}`)
	require.NoError(t, st.InsertWebhookEvent(ctx, store.WebhookEventInsert{
		ID: "whe_1", Source: domain.SourceChatwoot, EventType: "conversation_created", Payload: payload,
	}))
	ok, err := st.FinishWebhookEvent(ctx, store.WebhookEventOutcome{ID: "whe_1", Status: domain.AuditFailed, LastError: "db down"})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, rp.Replay(ctx, "whe_1"))
	ev := st.Webhooks["whe_1"]
	assert.Equal(t, domain.AuditCompleted, ev.Status)
	assert.Equal(t, 2, ev.Attempts)
	assert.Len(t, st.Conversations, 1)

	// completed rows are not replayed again
	require.NoError(t, rp.Replay(ctx, "whe_1"))
	assert.Equal(t, 2, st.Webhooks["whe_1"].Attempts)
}

func TestReplayer_GatewayAndFailure(t *testing.T) {
	st, s, g := setup(t)
	ctx := context.Background()
	rp := &Replayer{Store: st, Auditor: &reconcile.Auditor{Store: st}, Support: s, Gateway: g}

	st.Webhooks["whe_gw"] = domain.WebhookEvent{
		ID: "whe_gw", Source: domain.SourceGateway, InstanceName: "acme", Status: domain.AuditFailed, Attempts: 1,
		Payload: []byte(`{"event":"connection.update","data":{"state":"close"}}`),
	}
	st.Webhooks["whe_bad"] = domain.WebhookEvent{
		ID: "whe_bad", Source: domain.SourceChatwoot, Status: domain.AuditFailed, Attempts: 1,
		Payload: []byte(`{"event":"conversation_created","account":{"id":999},"id":1}`),
	}

	require.NoError(t, rp.Replay(ctx, "whe_gw"))
	assert.Equal(t, domain.AuditCompleted, st.Webhooks["whe_gw"].Status)
	assert.Equal(t, domain.InstanceDisconnected, st.Instances["acme"].Status)

	require.NoError(t, rp.Replay(ctx, "whe_bad"))
	assert.Equal(t, domain.AuditFailed, st.Webhooks["whe_bad"].Status)
	assert.Contains(t, st.Webhooks["whe_bad"].LastError, "company not found")
	assert.Equal(t, 2, st.Webhooks["whe_bad"].Attempts)
}
