package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

type ReadyzCheck func(ctx context.Context) error

func RegisterHealth(r *mux.Router, timeout time.Duration, checks ...ReadyzCheck) {
	r.HandleFunc("/healthz", Healthz()).Methods(http.MethodGet)
	r.HandleFunc("/readyz", Readyz(timeout, checks...)).Methods(http.MethodGet)
}

func Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

func Readyz(timeout time.Duration, checks ...ReadyzCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		for _, check := range checks {
			if check == nil {
				continue
			}
			if err := check(ctx); err != nil {
				http.Error(w, ErrNotReady, http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}
