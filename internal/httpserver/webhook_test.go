package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmsync/internal/domain"
	"crmsync/internal/ingest"
	"crmsync/internal/reconcile"
	"crmsync/internal/relay"
	"crmsync/internal/store/memstore"
)

func newTestServer(t *testing.T) (*memstore.Store, http.Handler, *Webhook) {
	t.Helper()
	st := memstore.New()
	st.Companies["co_1"] = domain.Company{ID: "co_1", ChatwootAccountID: "7"}
	st.Stages = []domain.KanbanStage{{ID: "stg_new", CompanyID: "co_1", Slug: "new", IsInitial: true}}
	st.Instances["acme"] = domain.Instance{
		ID: "ins_1", CompanyID: "co_1", ExternalInstanceName: "acme",
		Status: domain.InstanceConnecting, ExternalToken: "inst-secret",
	}

	r := reconcile.New(st)
	wh := &Webhook{
		Support:       &ingest.Support{R: r},
		Gateway:       &ingest.Gateway{R: r, Relay: &relay.Relay{Mirror: r}},
		Auditor:       &reconcile.Auditor{Store: st},
		GatewaySecret: "global-secret",
	}
	srv := New()
	wh.Register(srv.Mux)
	return st, srv.Mux, wh
}

func do(h http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.RemoteAddr = "10.0.0.1:5555"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSupportWebhook(t *testing.T) {
	st, h, _ := newTestServer(t)

	rec := do(h, http.MethodPost, "/webhooks/chatwoot",
		`{"event":"conversation_created","account":{"id":7},"id":42,"meta":{"sender":{"id":5,"phone_number":"11999998888"}}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	assert.Len(t, st.Conversations, 1)

	require.Len(t, st.Webhooks, 1)
	for _, ev := range st.Webhooks {
		assert.Equal(t, domain.AuditCompleted, ev.Status)
		require.NotNil(t, ev.CompanyID)
		assert.Equal(t, "co_1", *ev.CompanyID)
	}
}

func TestSupportWebhook_UnknownEventStillSucceeds(t *testing.T) {
	_, h, _ := newTestServer(t)
	rec := do(h, http.MethodPost, "/webhooks/chatwoot", `{"event":"brand_new_event","account":{"id":7}}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSupportWebhook_Rejections(t *testing.T) {
	st, h, _ := newTestServer(t)

	rec := do(h, http.MethodPost, "/webhooks/chatwoot", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodPost, "/webhooks/chatwoot", `{"event":"conversation_created","account":{"id":999},"id":1}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ErrUnknownAccount, strings.TrimSpace(rec.Body.String()))

	// unknown tenants are still audited, without a company
	require.Len(t, st.Webhooks, 1)
	for _, ev := range st.Webhooks {
		assert.Nil(t, ev.CompanyID)
		assert.Equal(t, domain.AuditFailed, ev.Status)
	}

	// a known tenant with no conversation object is a client error, audited as failed
	rec = do(h, http.MethodPost, "/webhooks/chatwoot", `{"event":"conversation_status_changed","account":{"id":7}}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrInvalidPayload, strings.TrimSpace(rec.Body.String()))
	require.Len(t, st.Webhooks, 2)
	for _, ev := range st.Webhooks {
		if ev.CompanyID == nil {
			continue
		}
		assert.Equal(t, "co_1", *ev.CompanyID)
		assert.Equal(t, domain.AuditFailed, ev.Status)
		assert.Contains(t, ev.LastError, "conversation missing")
	}
}

func TestGatewayWebhook_Liveness(t *testing.T) {
	_, h, _ := newTestServer(t)
	rec := do(h, http.MethodGet, "/webhooks/whatsapp", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestGatewayWebhook_Auth(t *testing.T) {
	_, h, _ := newTestServer(t)
	body := `{"event":"connection.update","data":{"state":"open"}}`

	cases := []struct {
		name    string
		target  string
		body    string
		headers map[string]string
		want    int
	}{
		{"missing instance", "/webhooks/whatsapp", body, map[string]string{"x-webhook-token": "inst-secret"}, http.StatusBadRequest},
		{"bad json", "/webhooks/whatsapp?instanceId=acme", `[1,2`, map[string]string{"x-webhook-token": "inst-secret"}, http.StatusBadRequest},
		{"unknown instance", "/webhooks/whatsapp?instanceId=ghost", body, map[string]string{"x-webhook-token": "inst-secret"}, http.StatusNotFound},
		{"no token", "/webhooks/whatsapp?instanceId=acme", body, nil, http.StatusUnauthorized},
		{"wrong token", "/webhooks/whatsapp?instanceId=acme", body, map[string]string{"apikey": "nope"}, http.StatusUnauthorized},
		{"instance token header", "/webhooks/whatsapp?instanceId=acme", body, map[string]string{"x-webhook-token": "inst-secret"}, http.StatusOK},
		{"apikey header", "/webhooks/whatsapp?instanceId=acme", body, map[string]string{"apikey": "inst-secret"}, http.StatusOK},
		{"global secret in query", "/webhooks/whatsapp?instanceId=acme&token=global-secret", body, nil, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(h, http.MethodPost, tc.target, tc.body, tc.headers)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestGatewayWebhook_ConnectionUpdate(t *testing.T) {
	st, h, _ := newTestServer(t)
	rec := do(h, http.MethodPost, "/webhooks/whatsapp?instanceId=acme",
		`{"event":"CONNECTION_UPDATE","data":{"state":"open"}}`, map[string]string{"x-webhook-token": "inst-secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.InstanceConnected, st.Instances["acme"].Status)

	require.Len(t, st.Webhooks, 1)
	for _, ev := range st.Webhooks {
		assert.Equal(t, "acme", ev.InstanceName)
		assert.Equal(t, domain.SourceGateway, ev.Source)
		assert.Equal(t, domain.AuditCompleted, ev.Status)
	}
}

func TestGatewayWebhook_NotConfiguredWarns(t *testing.T) {
	_, h, _ := newTestServer(t)
	rec := do(h, http.MethodPost, "/webhooks/whatsapp?instanceId=acme",
		`{"event":"messages.upsert","data":{"key":{"remoteJid":"5511999998888@s.whatsapp.net","id":"A"},"message":{"conversation":"oi"}}}`,
		map[string]string{"x-webhook-token": "inst-secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp webhookResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.Warning)
}

func TestGatewayWebhook_RateLimited(t *testing.T) {
	st, h, wh := newTestServer(t)
	wh.Limiter = NewIPLimiter(0, 2)
	headers := map[string]string{"x-webhook-token": "inst-secret"}
	body := `{"event":"connection.update","data":{"state":"open"}}`

	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/webhooks/whatsapp?instanceId=acme", body, headers).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/webhooks/whatsapp?instanceId=acme", body, headers).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(h, http.MethodPost, "/webhooks/whatsapp?instanceId=acme", body, headers).Code)

	// rejected before any audit row is written
	assert.Len(t, st.Webhooks, 2)

	// forwarding headers are ignored unless a proxy is trusted
	headers["X-Forwarded-For"] = "203.0.113.9"
	assert.Equal(t, http.StatusTooManyRequests, do(h, http.MethodPost, "/webhooks/whatsapp?instanceId=acme", body, headers).Code)

	// behind one proxy the hop it appended is the client, with its own bucket
	wh.TrustedProxies = 1
	headers["X-Forwarded-For"] = "10.0.0.1, 203.0.113.9"
	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/webhooks/whatsapp?instanceId=acme", body, headers).Code)
	headers["X-Forwarded-For"] = "198.51.100.77, 203.0.113.9"
	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/webhooks/whatsapp?instanceId=acme", body, headers).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(h, http.MethodPost, "/webhooks/whatsapp?instanceId=acme", body, headers).Code,
		"rotating the spoofable leftmost hop does not buy a new bucket")
}

func TestIPLimiter_SweepsIdleBuckets(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewIPLimiter(1, 1)
	l.Now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.Equal(t, 2, l.Len())

	now = now.Add(11 * time.Minute)
	assert.True(t, l.Allow("c"))
	assert.Equal(t, 1, l.Len())
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:1234"
	r.Header.Set("X-Real-IP", "198.51.100.2")
	r.Header.Set("X-Forwarded-For", " 203.0.113.5 , 10.0.0.1")

	cases := []struct {
		name    string
		proxies int
		want    string
	}{
		{"no trusted proxy uses the peer", 0, "192.0.2.1"},
		{"one proxy takes the last hop", 1, "10.0.0.1"},
		{"two proxies", 2, "203.0.113.5"},
		{"more proxies than hops", 5, "203.0.113.5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClientIP(r, tc.proxies))
		})
	}

	r.Header.Del("X-Forwarded-For")
	assert.Equal(t, "198.51.100.2", ClientIP(r, 1))
	assert.Equal(t, "192.0.2.1", ClientIP(r, 0))
}

func TestReadyz(t *testing.T) {
	srv := New()
	failing := false
	RegisterHealth(srv.Mux, time.Second, func(_ context.Context) error {
		if failing {
			return assert.AnError
		}
		return nil
	})

	assert.Equal(t, http.StatusOK, do(srv.Mux, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(srv.Mux, http.MethodGet, "/readyz", "", nil).Code)
	failing = true
	assert.Equal(t, http.StatusServiceUnavailable, do(srv.Mux, http.MethodGet, "/readyz", "", nil).Code)
}
