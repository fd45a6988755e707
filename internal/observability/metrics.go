package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "crmsync_http_requests_total", Help: "HTTP requests by route and status"},
		[]string{"route", "status"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "crmsync_webhook_events_total", Help: "Webhook deliveries by outcome"},
		[]string{"source", "event", "outcome"},
	)
	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "crmsync_rate_limited_total", Help: "Gateway webhook requests rejected by the per-IP limiter"},
	)
	RelayCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "crmsync_relay_calls_total", Help: "Support platform REST calls made by the message relay"},
		[]string{"step", "result"},
	)
	RelayLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "crmsync_relay_message_seconds", Help: "End-to-end relay latency per gateway message"},
	)
	RelayMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "crmsync_relay_messages_total", Help: "Gateway messages by relay outcome"},
		[]string{"outcome"},
	)
	TimelineEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "crmsync_timeline_events_total", Help: "Timeline events written"},
		[]string{"type", "result"},
	)
	DuplicateMessages = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "crmsync_duplicate_messages_total", Help: "message_created events skipped because the message id was already applied"},
	)
	UnmatchedLabels = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "crmsync_unmatched_labels_total", Help: "Conversation updates whose labels matched no stage slug"},
	)
	AuditFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "crmsync_audit_failures_total", Help: "Webhook audit writes that failed"},
		[]string{"op"},
	)
	Replays = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "crmsync_replays_total", Help: "Failed webhook replays by result"},
		[]string{"result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(HTTPRequests, WebhookEvents, RateLimited, RelayCalls, RelayLatency, RelayMessages,
		TimelineEvents, DuplicateMessages, UnmatchedLabels, AuditFailures, Replays)
}
