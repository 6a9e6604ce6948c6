package mw

import (
	"net/http"

	"github.com/venrok/gateway/internal/httpx"
)

// MaxBodyBytes caps the inbound request body. Known oversized lengths fail
// fast; chunked bodies are capped by MaxBytesReader while streaming.
func MaxBodyBytes(limit int64, next http.Handler) http.Handler {
	if limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > limit {
			httpx.WriteError(w, r, httpx.NewError(httpx.KindBadRequest, "request body too large"))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}
