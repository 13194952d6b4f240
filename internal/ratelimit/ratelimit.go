package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/headerguard/internal/httpmw"
)

// entry is the per-client state: one token bucket plus bookkeeping for
// eviction and one-shot denial logging.
type entry struct {
	bucket *rate.Limiter
	seen   time.Time
	// notified flips when the first-denial hook has fired for this entry.
	// Eviction resets it, so a client that backs off and returns gets a
	// fresh log line.
	notified bool
}

// IPLimiter enforces a token-bucket budget per client IP. Idle entries are
// evicted by a background goroutine tied to the context passed to New.
type IPLimiter struct {
	mu      sync.Mutex
	clients map[string]*entry

	refill rate.Limit
	burst  int
	ttl    time.Duration

	// maxClients caps the tracked-IP map so an address-rotating scan cannot
	// grow it without bound. 0 disables the cap. New IPs arriving at the cap
	// are denied; known IPs keep their buckets.
	maxClients  int
	capNotified bool

	// onFirstDenied fires once per entry lifetime, for logging without spam.
	onFirstDenied func(ip string)
	// onDenied fires on every rejected request, for counters.
	onDenied func(ip string)
	// onCapacity fires once when the map first hits maxClients, and again
	// only after eviction brings it back under the cap.
	onCapacity func()
}

type Option func(*IPLimiter)

// WithRate sets the sustained refill rate and the bucket capacity.
// WithRate(10, 50) lets a client burst 50 requests, then sustain 10/s.
func WithRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) {
		l.refill = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL sets how long an idle client's bucket survives before eviction.
func WithTTL(d time.Duration) Option {
	return func(l *IPLimiter) {
		l.ttl = d
	}
}

// WithOnFirstDenied installs the once-per-client denial hook. Kept separate
// from WithOnDenied so the caller can log once but count every denial.
func WithOnFirstDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) {
		l.onFirstDenied = fn
	}
}

// WithOnDenied installs the per-denial hook.
func WithOnDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) {
		l.onDenied = fn
	}
}

// WithMaxClients caps how many distinct IPs the limiter tracks at once.
// 0 means unlimited.
func WithMaxClients(n int) Option {
	return func(l *IPLimiter) {
		l.maxClients = n
	}
}

// WithOnCapacity installs a hook that fires when the client map fills.
func WithOnCapacity(fn func()) Option {
	return func(l *IPLimiter) {
		l.onCapacity = fn
	}
}

// New builds a limiter and starts its eviction loop. Cancel ctx to stop the
// loop on shutdown.
func New(ctx context.Context, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		clients:    make(map[string]*entry),
		refill:     10,
		burst:      30,
		ttl:        5 * time.Minute,
		maxClients: 100000,
	}
	for _, o := range opts {
		o(l)
	}
	go l.evictLoop(ctx)
	return l
}

// allow consumes one token for ip, creating the bucket on first sight.
// Hooks run outside the lock; they may do slow work (logging) and must not
// stall other requests.
func (l *IPLimiter) allow(ip string) bool {
	l.mu.Lock()
	e, ok := l.clients[ip]
	if !ok {
		if l.maxClients > 0 && len(l.clients) >= l.maxClients {
			capFirst := !l.capNotified
			l.capNotified = true
			l.mu.Unlock()
			if capFirst && l.onCapacity != nil {
				l.onCapacity()
			}
			if l.onDenied != nil {
				l.onDenied(ip)
			}
			return false
		}
		e = &entry{bucket: rate.NewLimiter(l.refill, l.burst)}
		l.clients[ip] = e
	}
	e.seen = time.Now()
	allowed := e.bucket.Allow()
	first := !allowed && !e.notified
	if first {
		e.notified = true
	}
	l.mu.Unlock()

	if allowed {
		return true
	}
	if first && l.onFirstDenied != nil {
		l.onFirstDenied(ip)
	}
	if l.onDenied != nil {
		l.onDenied(ip)
	}
	return false
}

// evictLoop drops entries idle longer than ttl. It wakes at ttl/2 so stale
// state never lingers much past its deadline.
func (l *IPLimiter) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for ip, e := range l.clients {
				if now.Sub(e.seen) > l.ttl {
					delete(l.clients, ip)
				}
			}
			if l.maxClients == 0 || len(l.clients) < l.maxClients {
				l.capNotified = false
			}
			l.mu.Unlock()
		}
	}
}

// Middleware rejects over-budget requests with 429 before they reach the
// proxy. The client IP comes from the context set by the client-IP
// middleware, which already defends against X-Forwarded-For spoofing.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := httpmw.ClientIPFromContext(r.Context())
		if !l.allow(ip) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			// No budget or refill detail in the body. Telling an abuser
			// exactly when to come back is not useful.
			w.Write([]byte(`{"error":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
