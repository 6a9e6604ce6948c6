package mw

import (
	"log/slog"
	"net/http"

	"github.com/venrok/gateway/internal/httpx"
)

// Recover turns handler panics into 500 internal_error responses. The panic
// value is logged, never surfaced to the client.
func Recover(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("handler panic",
					slog.String("trace_id", httpx.TraceID(r.Context())),
					slog.String("path", r.URL.Path),
					slog.Any("panic", rec))
				httpx.WriteError(w, r, httpx.NewError(httpx.KindInternal, "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
