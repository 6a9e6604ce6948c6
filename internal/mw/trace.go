package mw

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/venrok/gateway/internal/httpx"
)

const TraceHeader = "X-Trace-Id"

// Trace propagates the inbound X-Trace-Id or generates a fresh one, echoes
// it on the response, and stores it on the context for logs and error
// bodies.
func Trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(TraceHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(TraceHeader, id)
		next.ServeHTTP(w, r.WithContext(httpx.WithTraceID(r.Context(), id)))
	})
}
