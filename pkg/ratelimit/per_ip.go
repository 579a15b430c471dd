package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Defaults for PerIPLimiter.
const (
	DefaultRequestsPerSecond = 20
	DefaultSweepInterval     = time.Minute
	DefaultIdleTTL           = 5 * time.Minute
)

// PerIPConfig configures a PerIPLimiter.
type PerIPConfig struct {
	// RequestsPerSecond is the sustained request rate per client.
	RequestsPerSecond uint64
	// Burst is the bucket capacity; defaults to twice the rate.
	Burst uint64
	// TrustedProxies lists CIDRs or single addresses whose forwarding
	// headers are honored.
	TrustedProxies []string
	SweepInterval  time.Duration
	IdleTTL        time.Duration
}

type clientBucket struct {
	mu       sync.Mutex
	bucket   *TokenBucket
	lastSeen time.Time
}

// PerIPLimiter gives every client address its own TokenBucket. Buckets for
// idle clients are swept in the background until Stop is called.
type PerIPLimiter struct {
	burst    uint64
	interval time.Duration
	idleTTL  time.Duration
	trusted  []*net.IPNet
	now      func() time.Time

	mu      sync.Mutex
	clients map[string]*clientBucket

	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewPerIPLimiter builds a limiter and starts its sweeper.
func NewPerIPLimiter(cfg PerIPConfig) *PerIPLimiter {
	rps := cfg.RequestsPerSecond
	if rps == 0 {
		rps = DefaultRequestsPerSecond
	}
	burst := cfg.Burst
	if burst == 0 {
		burst = 2 * rps
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}

	l := &PerIPLimiter{
		burst:    burst,
		interval: time.Second / time.Duration(rps),
		idleTTL:  ttl,
		trusted:  parseNetworks(cfg.TrustedProxies),
		now:      time.Now,
		clients:  make(map[string]*clientBucket),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go l.sweepLoop(sweep)
	return l
}

// Burst returns the per-client bucket capacity.
func (l *PerIPLimiter) Burst() uint64 {
	return l.burst
}

// Allow takes one token for ip. It returns the tokens left and, when
// denied, how long until a token is available.
func (l *PerIPLimiter) Allow(ip string) (allowed bool, remaining uint64, retryAfter time.Duration) {
	now := l.now()
	c := l.client(ip, now)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastSeen = now
	c.bucket.Refill(now)
	if c.bucket.Consume(1) == 1 {
		return true, c.bucket.Available(), 0
	}
	return false, 0, c.bucket.NextRefill(now)
}

// Clients returns the number of tracked client buckets.
func (l *PerIPLimiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *PerIPLimiter) client(ip string, now time.Time) *clientBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[ip]
	if !ok {
		c = &clientBucket{
			bucket:   NewTokenBucket(l.burst, 1, l.interval, l.burst, now),
			lastSeen: now,
		}
		l.clients[ip] = c
	}
	return c
}

// ClientIP returns the address a request is limited under. Forwarding
// headers count only when the direct peer is a trusted proxy.
func (l *PerIPLimiter) ClientIP(r *http.Request) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	if !l.trustedPeer(peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
		return ip
	}
	return peer
}

// Stop ends the sweeper. It is safe to call more than once.
func (l *PerIPLimiter) Stop() {
	l.once.Do(func() {
		close(l.stop)
		<-l.stopped
	})
}

func (l *PerIPLimiter) sweepLoop(every time.Duration) {
	defer close(l.stopped)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep(l.now())
		case <-l.stop:
			return
		}
	}
}

func (l *PerIPLimiter) sweep(now time.Time) {
	cutoff := now.Add(-l.idleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, c := range l.clients {
		c.mu.Lock()
		idle := c.lastSeen.Before(cutoff)
		c.mu.Unlock()
		if idle {
			delete(l.clients, ip)
		}
	}
}

func (l *PerIPLimiter) trustedPeer(ip string) bool {
	if len(l.trusted) == 0 {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range l.trusted {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

func parseNetworks(entries []string) []*net.IPNet {
	var out []*net.IPNet
	for _, e := range entries {
		if _, n, err := net.ParseCIDR(e); err == nil {
			out = append(out, n)
			continue
		}
		ip := net.ParseIP(e)
		if ip == nil {
			continue
		}
		bits := 128
		if ip.To4() != nil {
			ip = ip.To4()
			bits = 32
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}
