package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fakeClock lets tests step the limiter's notion of time.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClockedLimiter(t *testing.T, cfg PerIPConfig) (*PerIPLimiter, *fakeClock) {
	t.Helper()
	l := NewPerIPLimiter(cfg)
	t.Cleanup(l.Stop)
	c := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l.now = c.now
	return l, c
}

func TestNewPerIPLimiter_Defaults(t *testing.T) {
	t.Parallel()
	l := NewPerIPLimiter(PerIPConfig{})
	defer l.Stop()

	if l.Burst() != 2*DefaultRequestsPerSecond {
		t.Errorf("expected burst %d, got %d", 2*DefaultRequestsPerSecond, l.Burst())
	}
	if l.interval != time.Second/DefaultRequestsPerSecond {
		t.Errorf("expected interval %v, got %v", time.Second/DefaultRequestsPerSecond, l.interval)
	}
	if l.idleTTL != DefaultIdleTTL {
		t.Errorf("expected idle TTL %v, got %v", DefaultIdleTTL, l.idleTTL)
	}
}

func TestPerIPAllow_DrainsThenRefills(t *testing.T) {
	t.Parallel()
	l, clock := newClockedLimiter(t, PerIPConfig{RequestsPerSecond: 2, Burst: 3})

	ip := "10.0.0.2"
	for i := 0; i < 3; i++ {
		allowed, remaining, _ := l.Allow(ip)
		if !allowed {
			t.Fatalf("request %d should have been allowed", i+1)
		}
		if remaining != uint64(2-i) {
			t.Errorf("request %d: expected remaining %d, got %d", i+1, 2-i, remaining)
		}
	}

	allowed, _, retry := l.Allow(ip)
	if allowed {
		t.Fatal("expected exhausted bucket to deny")
	}
	if retry != 500*time.Millisecond {
		t.Errorf("expected retry after 500ms, got %v", retry)
	}

	clock.advance(500 * time.Millisecond)
	if allowed, _, _ := l.Allow(ip); !allowed {
		t.Error("expected one token after one interval")
	}
}

func TestPerIPAllow_ClientsAreIndependent(t *testing.T) {
	t.Parallel()
	l, _ := newClockedLimiter(t, PerIPConfig{RequestsPerSecond: 1, Burst: 1})

	if allowed, _, _ := l.Allow("10.0.0.1"); !allowed {
		t.Fatal("first client should be allowed")
	}
	if allowed, _, _ := l.Allow("10.0.0.1"); allowed {
		t.Fatal("first client should now be limited")
	}
	if allowed, _, _ := l.Allow("10.0.0.9"); !allowed {
		t.Error("second client should have its own bucket")
	}
}

func TestPerIPSweep_RemovesIdleClients(t *testing.T) {
	t.Parallel()
	l, clock := newClockedLimiter(t, PerIPConfig{IdleTTL: time.Minute})

	l.Allow("10.0.0.1")
	clock.advance(30 * time.Second)
	l.Allow("10.0.0.2")
	clock.advance(45 * time.Second)

	l.sweep(clock.now())
	if l.Clients() != 1 {
		t.Errorf("expected 1 client after sweep, got %d", l.Clients())
	}
}

func TestPerIPStop_Idempotent(t *testing.T) {
	t.Parallel()
	l := NewPerIPLimiter(PerIPConfig{SweepInterval: 10 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		l.Stop()
		l.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		trusted []string
		remote  string
		headers map[string]string
		want    string
	}{
		{name: "remote with port", remote: "192.168.1.10:4321", want: "192.168.1.10"},
		{name: "remote without port", remote: "192.168.1.10", want: "192.168.1.10"},
		{
			name:    "untrusted peer ignores XFF",
			remote:  "192.168.1.10:1",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.5"},
			want:    "192.168.1.10",
		},
		{
			name:    "trusted CIDR honors first XFF entry",
			trusted: []string{"10.0.0.0/8"},
			remote:  "10.1.2.3:80",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.5, 10.1.2.3"},
			want:    "203.0.113.5",
		},
		{
			name:    "trusted single address honors X-Real-IP",
			trusted: []string{"10.1.2.3"},
			remote:  "10.1.2.3:80",
			headers: map[string]string{"X-Real-IP": "198.51.100.7"},
			want:    "198.51.100.7",
		},
		{
			name:    "XFF wins over X-Real-IP",
			trusted: []string{"10.0.0.0/8"},
			remote:  "10.1.2.3:80",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.5", "X-Real-IP": "198.51.100.7"},
			want:    "203.0.113.5",
		},
		{
			name:    "invalid forwarded address falls back to peer",
			trusted: []string{"10.0.0.0/8"},
			remote:  "10.1.2.3:80",
			headers: map[string]string{"X-Forwarded-For": "not-an-ip"},
			want:    "10.1.2.3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewPerIPLimiter(PerIPConfig{TrustedProxies: tt.trusted})
			defer l.Stop()

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := l.ClientIP(r); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMiddleware_Returns429WhenLimited(t *testing.T) {
	t.Parallel()
	l, _ := newClockedLimiter(t, PerIPConfig{RequestsPerSecond: 1, Burst: 1})

	h := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if first.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if got := second.Header().Get("Retry-After"); got != "1" {
		t.Errorf("expected Retry-After 1, got %q", got)
	}
	if got := second.Header().Get("X-RateLimit-Limit"); got != "1" {
		t.Errorf("expected X-RateLimit-Limit 1, got %q", got)
	}
}

func TestMiddleware_NilLimiterPassesThrough(t *testing.T) {
	t.Parallel()
	called := false
	h := Middleware(nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("expected next handler to run")
	}
}
