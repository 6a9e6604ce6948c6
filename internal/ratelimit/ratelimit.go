package ratelimit

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/venrok/gateway/internal/netx"
)

// Rule is one fixed-window limit. The key template may contain the tokens
// {ip}, {user}, {path}, {method} and {user-agent}, substituted with the
// request's concrete values to form the window key.
type Rule struct {
	Name        string
	KeyTemplate string
	Limit       int
	Window      time.Duration
	Skip        func(*http.Request) bool
}

// Key expands the rule's template for a concrete request.
func (r Rule) Key(req *http.Request, clientIP, userID string) string {
	k := r.KeyTemplate
	k = strings.ReplaceAll(k, "{ip}", clientIP)
	if strings.Contains(k, "{user}") {
		if userID == "" {
			userID = "anonymous"
		}
		k = strings.ReplaceAll(k, "{user}", userID)
	}
	k = strings.ReplaceAll(k, "{path}", req.URL.Path)
	k = strings.ReplaceAll(k, "{method}", req.Method)
	if strings.Contains(k, "{user-agent}") {
		k = strings.ReplaceAll(k, "{user-agent}", req.Header.Get("User-Agent"))
	}
	return k
}

// Window is the state of one fixed window after a hit.
type Window struct {
	Count int
	Reset time.Time
}

// Decision is the outcome of evaluating a rule set against one request.
type Decision struct {
	Allowed           bool
	Rule              string
	Limit             int
	TotalHits         int
	Remaining         int
	ResetTime         time.Time
	RetryAfterSeconds int
}

// Limiter is a fixed-window counter store. Hit atomically creates or
// advances the window for key; a denied request never consumes budget, so a
// request is counted against at most one window per rule.
type Limiter interface {
	Hit(ctx context.Context, key string, limit int, window time.Duration) (Window, bool, error)
	Remove(ctx context.Context, key string) (bool, error)
	Reset(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Stats summarizes limiter state for the admin surface.
type Stats struct {
	Backend       string         `json:"backend"`
	ActiveWindows int            `json:"active_windows"`
	Windows       map[string]int `json:"windows,omitempty"`
}

// Checker evaluates rule sets against requests using a shared Limiter.
type Checker struct {
	limiter Limiter
	ipr     netx.IPResolver
}

func NewChecker(limiter Limiter, ipr netx.IPResolver) *Checker {
	return &Checker{limiter: limiter, ipr: ipr}
}

func (c *Checker) Limiter() Limiter { return c.limiter }

// Check evaluates each rule in order. The overall decision is the first
// denial; if none deny, the reported state is the minimum remaining across
// the evaluated rules.
func (c *Checker) Check(ctx context.Context, req *http.Request, userID string, rules []Rule) (Decision, error) {
	clientIP := c.ipr.ClientIP(req)

	best := Decision{Allowed: true, Remaining: -1}
	for _, rule := range rules {
		if rule.Skip != nil && rule.Skip(req) {
			continue
		}
		key := rule.Key(req, clientIP, userID)
		win, allowed, err := c.limiter.Hit(ctx, key, rule.Limit, rule.Window)
		if err != nil {
			return Decision{}, err
		}
		if !allowed {
			retry := int((time.Until(win.Reset) + time.Second - 1) / time.Second)
			if retry < 1 {
				retry = 1
			}
			return Decision{
				Allowed:           false,
				Rule:              rule.Name,
				Limit:             rule.Limit,
				TotalHits:         win.Count,
				Remaining:         0,
				ResetTime:         win.Reset,
				RetryAfterSeconds: retry,
			}, nil
		}
		remaining := rule.Limit - win.Count
		if remaining < 0 {
			remaining = 0
		}
		if best.Remaining < 0 || remaining < best.Remaining {
			best = Decision{
				Allowed:   true,
				Rule:      rule.Name,
				Limit:     rule.Limit,
				TotalHits: win.Count,
				Remaining: remaining,
				ResetTime: win.Reset,
			}
		}
	}
	return best, nil
}
