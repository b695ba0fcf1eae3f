// Package healthz serves liveness and readiness checks.
package healthz

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Handler answers 200 OK while check succeeds.  A nil check always passes.
type Handler struct {
	check func(ctx context.Context) error
}

func New(check func(ctx context.Context) error) *Handler {
	return &Handler{check: check}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.check != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.check(ctx); err != nil {
			slog.ErrorContext(ctx, "Readiness check failed", slog.Any("err", err))
			http.Error(w, "503 Service Unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Write([]byte("200 OK"))
}
