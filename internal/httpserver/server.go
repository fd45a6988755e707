package httpserver

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crmsync/internal/observability"
)

type Server struct {
	Mux *mux.Router
}

// New returns a router with request ids, request logs and route metrics.
func New() *Server {
	r := mux.NewRouter()
	r.Use(RequestID, Logging, Metrics(observability.HTTPRequests))
	return &Server{Mux: r}
}

// MetricsHandler serves the default prometheus registry on /metrics.
func MetricsHandler() http.Handler {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	return m
}
