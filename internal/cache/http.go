package cache

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPKey builds the cache key for a request. Authenticated requests get a
// user discriminator hashed from the Authorization header (or X-User-Id) so
// personalized responses never leak across principals.
func HTTPKey(method, url string, headers http.Header) string {
	key := "http:" + method + ":" + url
	if headers == nil {
		return key
	}
	discriminator := headers.Get("Authorization")
	if discriminator == "" {
		discriminator = headers.Get("X-User-Id")
	}
	if discriminator != "" {
		h := fnv.New64a()
		_, _ = h.Write([]byte(discriminator))
		key += ":user:" + fmt.Sprintf("%016x", h.Sum64())
	}
	return key
}

// ShouldCacheResponse reports whether an upstream response is cacheable:
// 2xx status, no no-cache/no-store directive, no Set-Cookie.
func ShouldCacheResponse(status int, headers http.Header) bool {
	if status < 200 || status > 299 {
		return false
	}
	cc := strings.ToLower(headers.Get("Cache-Control"))
	if strings.Contains(cc, "no-cache") || strings.Contains(cc, "no-store") {
		return false
	}
	if headers.Get("Set-Cookie") != "" {
		return false
	}
	return true
}

// TTLFromHeaders derives the freshness lifetime from Cache-Control max-age
// or an Expires date. ok=false means the default TTL applies.
func TTLFromHeaders(headers http.Header) (ttl time.Duration, ok bool) {
	cc := headers.Get("Cache-Control")
	for _, part := range strings.Split(cc, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if v, found := strings.CutPrefix(part, "max-age="); found {
			secs, err := strconv.Atoi(v)
			if err == nil && secs > 0 {
				return time.Duration(secs) * time.Second, true
			}
		}
	}
	if exp := headers.Get("Expires"); exp != "" {
		if t, err := http.ParseTime(exp); err == nil {
			if d := time.Until(t); d > 0 {
				return d, true
			}
		}
	}
	return 0, false
}

// internalHeaders are gateway-generated headers never stored in or served
// from cache entries.
var internalHeaders = []string{
	"X-Cache",
	"X-Gateway-Target",
	"X-Gateway-Response-Time",
	"X-Gateway-Route",
	"X-Trace-Id",
}

// StorableHeaders copies headers minus hop-by-hop and gateway-internal ones.
func StorableHeaders(headers http.Header, hopByHop map[string]struct{}) http.Header {
	out := make(http.Header, len(headers))
	for k, vs := range headers {
		if _, hop := hopByHop[strings.ToLower(k)]; hop {
			continue
		}
		out[k] = append([]string(nil), vs...)
	}
	for _, k := range internalHeaders {
		out.Del(k)
	}
	return out
}
