package httpserver

const (
	ErrInvalidJSON     = "invalid json"
	ErrInvalidPayload  = "invalid payload"
	ErrMissingInstance = "missing instanceId"
	ErrUnknownAccount  = "unknown account"
	ErrUnknownInstance = "unknown instance"
	ErrInvalidToken    = "invalid token"
	ErrRateLimited     = "too many requests"
	ErrInternal        = "internal error"
	ErrNotReady        = "not ready"
)
