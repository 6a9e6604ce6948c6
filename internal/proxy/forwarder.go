package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/venrok/gateway/internal/breaker"
	"github.com/venrok/gateway/internal/httpx"
	"github.com/venrok/gateway/internal/registry"
)

// hopByHopHeaders must not cross the gateway in either direction (RFC 7230
// §6.1).
var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// HopByHop exposes the scrub set for response filtering.
func HopByHop() map[string]struct{} { return hopByHopHeaders }

const (
	defaultUserAgent = "venrok-gateway/1.0"
	minBackoff       = 100 * time.Millisecond
)

// Result is a completed upstream exchange. Body is the verbatim upstream
// payload so cache replays are byte-identical.
type Result struct {
	Status   int
	Headers  http.Header
	Body     []byte
	Duration time.Duration
	Attempts int
}

// Forwarder performs the upstream HTTP call with per-attempt timeout,
// retry with exponential backoff, and circuit-breaker accounting.
type Forwarder struct {
	client    *http.Client
	breakers  *breaker.Manager
	gatewayID string
	log       *slog.Logger
}

func NewForwarder(transport http.RoundTripper, breakers *breaker.Manager, gatewayID string, log *slog.Logger) *Forwarder {
	if gatewayID == "" {
		gatewayID = "venrok-gateway"
	}
	return &Forwarder{
		client:    &http.Client{Transport: transport},
		breakers:  breakers,
		gatewayID: gatewayID,
		log:       log,
	}
}

// Forward dispatches the request to the replica per the route's timeout,
// retry and breaker policies. 4xx responses are returned as-is and never
// retried; 5xx, connect errors and timeouts are retryable and feed the
// breaker.
func (f *Forwarder) Forward(ctx context.Context, r *http.Request, rt registry.Route, rep registry.Replica) (*Result, error) {
	if rt.Breaker.Enabled && !f.breakers.CanExecute(rt.ID, rep.URL, rt.Breaker) {
		retryAfter := int(f.breakers.RetryAfter(rt.ID, rep.URL) / time.Second)
		ge := httpx.NewError(httpx.KindServiceUnavailable, "service temporarily unavailable")
		ge.Fields = map[string]string{"retryAfter": strconv.Itoa(retryAfter)}
		return nil, ge
	}

	// EscapedPath keeps percent-encoded octets intact on the wire.
	target := strings.TrimRight(rep.URL, "/") + r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var body []byte
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return nil, httpx.WrapError(httpx.KindBadRequest, "failed to read request body", err)
		}
	}

	timeout := rt.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attempts := rt.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.RandomizationFactor = 0.25
	bo.Multiplier = 2
	bo.MaxInterval = 10 * time.Second
	bo.Reset()

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			wait := bo.NextBackOff()
			if wait < minBackoff {
				wait = minBackoff
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, httpx.WrapError(httpx.KindGatewayTimeout, "request cancelled during retry", ctx.Err())
			}
		}

		res, err := f.attempt(ctx, r, rt, rep, target, body, timeout)
		if err == nil {
			res.Duration = time.Since(start)
			res.Attempts = attempt
			return res, nil
		}
		lastErr = err
		f.log.Warn("upstream attempt failed",
			slog.String("route", rt.Method+" "+rt.Path),
			slog.String("replica", rep.URL),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}
	return nil, lastErr
}

func (f *Forwarder) attempt(ctx context.Context, r *http.Request, rt registry.Route, rep registry.Replica, target string, body []byte, timeout time.Duration) (*Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, r.Method, target, reader)
	if err != nil {
		return nil, httpx.WrapError(httpx.KindBadGateway, "failed to build upstream request", err)
	}

	for k, vs := range r.Header {
		if _, hop := hopByHopHeaders[strings.ToLower(k)]; hop {
			continue
		}
		req.Header[k] = vs
	}
	req.Header.Set("X-Forwarded-By", f.gatewayID)
	req.Header.Set("X-Forwarded-At", time.Now().UTC().Format(time.RFC3339))
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", defaultUserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.recordFailure(rt, rep)
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, httpx.WrapError(httpx.KindGatewayTimeout, "upstream request timed out", err)
		}
		return nil, httpx.WrapError(httpx.KindBadGateway, "upstream unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		f.recordFailure(rt, rep)
		return nil, httpx.WrapError(httpx.KindBadGateway, "failed to read upstream response", err)
	}

	if resp.StatusCode >= 500 {
		f.recordFailure(rt, rep)
		return nil, httpx.NewError(httpx.KindBadGateway, "upstream error")
	}

	if rt.Breaker.Enabled {
		f.breakers.RecordSuccess(rt.ID, rep.URL, rt.Breaker)
	}
	return &Result{
		Status:  resp.StatusCode,
		Headers: resp.Header.Clone(),
		Body:    respBody,
	}, nil
}

func (f *Forwarder) recordFailure(rt registry.Route, rep registry.Replica) {
	if rt.Breaker.Enabled {
		f.breakers.RecordFailure(rt.ID, rep.URL, rt.Breaker)
	}
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
