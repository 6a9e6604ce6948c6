package mw

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/venrok/gateway/internal/auth"
	"github.com/venrok/gateway/internal/httpx"
	"github.com/venrok/gateway/internal/ratelimit"
)

// RateLimit evaluates rules against the request before the inner handler
// runs. A limiter backend error fails open. rules may return nil, which
// admits the request untouched.
func RateLimit(checker *ratelimit.Checker, tokens *auth.TokenService, rules func(*http.Request) []ratelimit.Rule, log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		set := rules(r)
		if len(set) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		userID := ""
		if tok, err := auth.BearerToken(r); err == nil {
			if p, err := tokens.Verify(tok); err == nil {
				userID = p.Subject
			}
		}

		dec, err := checker.Check(r.Context(), r, userID, set)
		if err != nil {
			log.Warn("rate limiter unavailable", slog.String("error", err.Error()))
			next.ServeHTTP(w, r)
			return
		}
		if dec.Limit > 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetTime.Unix(), 10))
		}
		if !dec.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfterSeconds))
			httpx.WriteError(w, r, httpx.NewError(httpx.KindTooManyRequests,
				"rate limit exceeded for "+dec.Rule))
			return
		}
		next.ServeHTTP(w, r)
	})
}
