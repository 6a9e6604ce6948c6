package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/venrok/gateway/internal/netx"
)

func TestMemoryLimiter_CountsAreLinear(t *testing.T) {
	ml := NewMemoryLimiter(time.Minute)
	defer ml.Close()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		win, allowed, err := ml.Hit(ctx, "k", 5, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if !allowed {
			t.Fatalf("hit %d denied below the limit", i)
		}
		if win.Count != i {
			t.Fatalf("hit %d count = %d", i, win.Count)
		}
	}

	// The L+1st request is denied and does not consume budget.
	win, allowed, err := ml.Hit(ctx, "k", 5, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Fatal("hit 6 allowed over the limit")
	}
	if win.Count != 5 {
		t.Fatalf("denied hit advanced the counter: %d", win.Count)
	}
}

func TestMemoryLimiter_WindowReset(t *testing.T) {
	ml := NewMemoryLimiter(time.Minute)
	defer ml.Close()
	ctx := context.Background()

	base := time.Now()
	ml.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		if _, allowed, _ := ml.Hit(ctx, "k", 3, time.Minute); !allowed && i < 3 {
			t.Fatalf("hit %d denied", i)
		}
	}
	if _, allowed, _ := ml.Hit(ctx, "k", 3, time.Minute); allowed {
		t.Fatal("fourth hit in window allowed")
	}

	// Past the reset boundary a fresh window starts.
	ml.now = func() time.Time { return base.Add(time.Minute + time.Second) }
	win, allowed, _ := ml.Hit(ctx, "k", 3, time.Minute)
	if !allowed || win.Count != 1 {
		t.Fatalf("after reset: allowed=%v count=%d", allowed, win.Count)
	}
}

func TestMemoryLimiter_RemoveAndReset(t *testing.T) {
	ml := NewMemoryLimiter(time.Minute)
	defer ml.Close()
	ctx := context.Background()

	ml.Hit(ctx, "a", 10, time.Minute)
	ml.Hit(ctx, "b", 10, time.Minute)

	removed, err := ml.Remove(ctx, "a")
	if err != nil || !removed {
		t.Fatalf("remove a: %v %v", removed, err)
	}
	removed, _ = ml.Remove(ctx, "a")
	if removed {
		t.Fatal("second remove reported success")
	}

	if err := ml.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	st, _ := ml.Stats(ctx)
	if st.ActiveWindows != 0 {
		t.Fatalf("windows after reset = %d", st.ActiveWindows)
	}
}

func TestRuleKeyTemplating(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/users?x=1", nil)
	req.Header.Set("User-Agent", "test-agent")

	cases := []struct {
		template string
		want     string
	}{
		{"ip:{ip}", "ip:1.2.3.4"},
		{"user:{user}", "user:u42"},
		{"route:{method}:{path}", "route:GET:/api/users"},
		{"ua:{user-agent}", "ua:test-agent"},
		{"global", "global"},
	}
	for _, tc := range cases {
		r := Rule{Name: "t", KeyTemplate: tc.template}
		if got := r.Key(req, "1.2.3.4", "u42"); got != tc.want {
			t.Errorf("Key(%q) = %q, want %q", tc.template, got, tc.want)
		}
	}

	// Anonymous requests substitute a stable placeholder.
	r := Rule{Name: "t", KeyTemplate: "user:{user}"}
	if got := r.Key(req, "1.2.3.4", ""); got != "user:anonymous" {
		t.Errorf("anonymous key = %q", got)
	}
}

func TestChecker_FirstDenialWins(t *testing.T) {
	ml := NewMemoryLimiter(time.Minute)
	defer ml.Close()
	checker := NewChecker(ml, netx.IPResolver{})

	rules := []Rule{
		{Name: "loose", KeyTemplate: "loose:{ip}", Limit: 100, Window: time.Minute},
		{Name: "tight", KeyTemplate: "tight:{ip}", Limit: 2, Window: time.Minute},
	}

	req := httptest.NewRequest("GET", "/x", nil)
	req.RemoteAddr = "9.9.9.9:1234"

	for i := 0; i < 2; i++ {
		dec, err := checker.Check(context.Background(), req, "", rules)
		if err != nil {
			t.Fatal(err)
		}
		if !dec.Allowed {
			t.Fatalf("request %d denied early", i)
		}
	}

	dec, err := checker.Check(context.Background(), req, "", rules)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Allowed {
		t.Fatal("third request should be denied by the tight rule")
	}
	if dec.Rule != "tight" {
		t.Fatalf("denying rule = %q, want tight", dec.Rule)
	}
	if dec.RetryAfterSeconds < 1 {
		t.Fatalf("RetryAfterSeconds = %d, want >= 1", dec.RetryAfterSeconds)
	}
}

func TestChecker_ReportsMostRestrictiveRemaining(t *testing.T) {
	ml := NewMemoryLimiter(time.Minute)
	defer ml.Close()
	checker := NewChecker(ml, netx.IPResolver{})

	rules := []Rule{
		{Name: "big", KeyTemplate: "big:{ip}", Limit: 100, Window: time.Minute},
		{Name: "small", KeyTemplate: "small:{ip}", Limit: 5, Window: time.Minute},
	}
	req := httptest.NewRequest("GET", "/x", nil)
	req.RemoteAddr = "8.8.8.8:1234"

	dec, err := checker.Check(context.Background(), req, "", rules)
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Allowed {
		t.Fatal("first request denied")
	}
	if dec.Limit != 5 || dec.Remaining != 4 {
		t.Fatalf("limit/remaining = %d/%d, want 5/4", dec.Limit, dec.Remaining)
	}
}

func TestRuleSkip(t *testing.T) {
	ml := NewMemoryLimiter(time.Minute)
	defer ml.Close()
	checker := NewChecker(ml, netx.IPResolver{})

	rules := []Rule{{
		Name:        "skipped",
		KeyTemplate: "s:{ip}",
		Limit:       1,
		Window:      time.Minute,
		Skip: func(rq *http.Request) bool {
			return rq.URL.Path == "/health"
		},
	}}
	req := httptest.NewRequest("GET", "/health", nil)
	req.RemoteAddr = "7.7.7.7:1"

	for i := 0; i < 3; i++ {
		dec, err := checker.Check(context.Background(), req, "", rules)
		if err != nil {
			t.Fatal(err)
		}
		if !dec.Allowed {
			t.Fatal("skipped rule must never deny")
		}
	}
}
