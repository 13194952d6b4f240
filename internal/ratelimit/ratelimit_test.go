package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/headerguard/internal/httpmw"
)

func testLimiter(t *testing.T, opts ...Option) *IPLimiter {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	base := []Option{
		WithRate(10, 5),
		WithTTL(100 * time.Millisecond),
	}
	return New(ctx, append(base, opts...)...)
}

// send pushes one request through h with the given resolved client IP.
func send(h http.Handler, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/any/proxied/path", nil)
	req = req.WithContext(httpmw.WithClientIP(req.Context(), ip))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAllow_BurstThenDeny(t *testing.T) {
	l := testLimiter(t, WithRate(1, 4))

	for i := 0; i < 4; i++ {
		if !l.allow("198.51.100.7") {
			t.Fatalf("request %d denied inside burst", i+1)
		}
	}
	if l.allow("198.51.100.7") {
		t.Fatal("request allowed after burst with 1/s refill")
	}
}

func TestAllow_BucketsAreIndependent(t *testing.T) {
	l := testLimiter(t, WithRate(1, 2))

	l.allow("198.51.100.7")
	l.allow("198.51.100.7")
	if l.allow("198.51.100.7") {
		t.Fatal("drained client still allowed")
	}
	if !l.allow("198.51.100.8") {
		t.Fatal("fresh client denied by someone else's bucket")
	}
}

func TestAllow_TokensRefill(t *testing.T) {
	l := testLimiter(t, WithRate(200, 1))

	if !l.allow("198.51.100.7") {
		t.Fatal("first request denied")
	}
	if l.allow("198.51.100.7") {
		t.Fatal("allowed with an empty bucket")
	}
	time.Sleep(15 * time.Millisecond) // 200/s refill: ~3 tokens
	if !l.allow("198.51.100.7") {
		t.Fatal("denied after refill window")
	}
}

func TestDenialHooks(t *testing.T) {
	var first, every atomic.Int32
	l := testLimiter(t,
		WithRate(1, 2),
		WithOnFirstDenied(func(string) { first.Add(1) }),
		WithOnDenied(func(string) { every.Add(1) }),
	)

	l.allow("198.51.100.7")
	l.allow("198.51.100.7")
	for i := 0; i < 6; i++ {
		l.allow("198.51.100.7")
	}

	if got := first.Load(); got != 1 {
		t.Errorf("first-denial hook fired %d times, want 1", got)
	}
	if got := every.Load(); got != 6 {
		t.Errorf("per-denial hook fired %d times, want 6", got)
	}
}

func TestFirstDenialHook_PerClient(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	l := testLimiter(t,
		WithRate(1, 1),
		WithOnFirstDenied(func(ip string) {
			mu.Lock()
			seen[ip]++
			mu.Unlock()
		}),
	)

	for _, ip := range []string{"198.51.100.7", "198.51.100.8"} {
		l.allow(ip)
		l.allow(ip) // first denial
		l.allow(ip) // repeat denial, hook must stay quiet
	}

	mu.Lock()
	defer mu.Unlock()
	for _, ip := range []string{"198.51.100.7", "198.51.100.8"} {
		if seen[ip] != 1 {
			t.Errorf("first-denial hook for %s fired %d times, want 1", ip, seen[ip])
		}
	}
}

func TestEviction_DropsIdleClients(t *testing.T) {
	l := testLimiter(t, WithTTL(50*time.Millisecond))

	l.allow("198.51.100.7")
	time.Sleep(130 * time.Millisecond) // past ttl plus a full eviction tick

	l.mu.Lock()
	_, ok := l.clients["198.51.100.7"]
	l.mu.Unlock()
	if ok {
		t.Fatal("idle client survived eviction")
	}
}

func TestEviction_KeepsActiveClients(t *testing.T) {
	l := testLimiter(t, WithRate(100, 100), WithTTL(80*time.Millisecond))

	for i := 0; i < 5; i++ {
		l.allow("198.51.100.7")
		time.Sleep(30 * time.Millisecond)
	}

	l.mu.Lock()
	_, ok := l.clients["198.51.100.7"]
	l.mu.Unlock()
	if !ok {
		t.Fatal("active client was evicted")
	}
}

func TestEviction_ResetsFirstDenialHook(t *testing.T) {
	var first atomic.Int32
	l := testLimiter(t,
		WithRate(1, 1),
		WithTTL(40*time.Millisecond),
		WithOnFirstDenied(func(string) { first.Add(1) }),
	)

	l.allow("198.51.100.7")
	l.allow("198.51.100.7")
	if got := first.Load(); got != 1 {
		t.Fatalf("first-denial count = %d before eviction, want 1", got)
	}

	time.Sleep(110 * time.Millisecond)

	// Re-created entry behaves like a new client.
	l.allow("198.51.100.7")
	l.allow("198.51.100.7")
	if got := first.Load(); got != 2 {
		t.Fatalf("first-denial count = %d after eviction, want 2", got)
	}
}

func TestEviction_StopsWhenContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := New(ctx, WithTTL(10*time.Millisecond))
	cancel()
	time.Sleep(30 * time.Millisecond)

	// With the loop stopped, nothing ever evicts this entry.
	l.allow("198.51.100.7")
	time.Sleep(40 * time.Millisecond)

	l.mu.Lock()
	_, ok := l.clients["198.51.100.7"]
	l.mu.Unlock()
	if !ok {
		t.Fatal("entry evicted after the loop should have stopped")
	}
}

func TestDefaults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := New(ctx)

	if l.refill != 10 || l.burst != 30 {
		t.Errorf("default rate = %v/%d, want 10/30", l.refill, l.burst)
	}
	if l.ttl != 5*time.Minute {
		t.Errorf("default ttl = %v, want 5m", l.ttl)
	}
	if l.maxClients != 100000 {
		t.Errorf("default maxClients = %d, want 100000", l.maxClients)
	}
}

func TestAllow_NoHooksConfigured(t *testing.T) {
	l := testLimiter(t, WithRate(1, 1))
	l.allow("198.51.100.7")
	l.allow("198.51.100.7") // denial with nil hooks must not panic
}

// Capacity cap

func TestMaxClients_NewIPDeniedAtCap(t *testing.T) {
	l := testLimiter(t, WithRate(100, 100), WithMaxClients(3))

	for i := 1; i <= 3; i++ {
		if !l.allow(fmt.Sprintf("10.1.0.%d", i)) {
			t.Fatalf("client %d denied below cap", i)
		}
	}
	if l.allow("10.1.0.200") {
		t.Fatal("new client allowed at cap")
	}
	// Known clients keep working.
	if !l.allow("10.1.0.1") {
		t.Fatal("known client denied at cap")
	}
}

func TestMaxClients_CapacityHookFiresOnce(t *testing.T) {
	var caps atomic.Int32
	l := testLimiter(t,
		WithRate(100, 100),
		WithMaxClients(2),
		WithOnCapacity(func() { caps.Add(1) }),
	)

	l.allow("10.1.0.1")
	l.allow("10.1.0.2")
	l.allow("10.1.0.10")
	l.allow("10.1.0.11")
	l.allow("10.1.0.12")

	if got := caps.Load(); got != 1 {
		t.Fatalf("capacity hook fired %d times, want 1", got)
	}
}

func TestMaxClients_EvictionReopensCapacity(t *testing.T) {
	l := testLimiter(t,
		WithRate(100, 100),
		WithMaxClients(2),
		WithTTL(40*time.Millisecond),
	)

	l.allow("10.1.0.1")
	l.allow("10.1.0.2")
	if l.allow("10.1.0.3") {
		t.Fatal("allowed over cap")
	}

	time.Sleep(110 * time.Millisecond)

	if !l.allow("10.1.0.3") {
		t.Fatal("still denied after eviction freed the map")
	}
}

func TestMaxClients_ZeroMeansUnlimited(t *testing.T) {
	l := testLimiter(t, WithRate(100, 100), WithMaxClients(0))

	for i := 0; i < 300; i++ {
		ip := fmt.Sprintf("10.2.%d.%d", i/256, i%256)
		if !l.allow(ip) {
			t.Fatalf("client %s denied with cap disabled", ip)
		}
	}
}

func TestMaxClients_Concurrent(t *testing.T) {
	l := testLimiter(t, WithRate(100, 100), WithMaxClients(50))

	var wg sync.WaitGroup
	var allowed atomic.Int32
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if l.allow(fmt.Sprintf("10.3.%d.%d", n/256, n%256)) {
				allowed.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := allowed.Load(); got != 50 {
		t.Fatalf("allowed %d unique clients, want exactly the cap (50)", got)
	}
	l.mu.Lock()
	size := len(l.clients)
	l.mu.Unlock()
	if size != 50 {
		t.Fatalf("tracked %d clients, want 50", size)
	}
}

// Middleware

func TestMiddleware_DeniesWith429(t *testing.T) {
	l := testLimiter(t, WithRate(1, 2))
	var handled atomic.Int32
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handled.Add(1)
		w.WriteHeader(http.StatusOK)
	}))

	send(h, "203.0.113.9")
	send(h, "203.0.113.9")
	rec := send(h, "203.0.113.9")

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q, want 30", got)
	}
	if got := rec.Body.String(); got != `{"error":"too many requests"}` {
		t.Errorf("body = %q", got)
	}
	if got := handled.Load(); got != 2 {
		t.Errorf("origin handler ran %d times, want 2", got)
	}
}

func TestMiddleware_ClientsDoNotShareBudget(t *testing.T) {
	l := testLimiter(t, WithRate(1, 1))
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send(h, "203.0.113.9")
	if rec := send(h, "203.0.113.9"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("drained client: status = %d, want 429", rec.Code)
	}
	if rec := send(h, "203.0.113.10"); rec.Code != http.StatusOK {
		t.Fatalf("fresh client: status = %d, want 200", rec.Code)
	}
}

func TestMiddleware_UnresolvedIPSharesOneBucket(t *testing.T) {
	l := testLimiter(t, WithRate(1, 1))
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Requests with no resolved IP all land in the "" bucket. That is the
	// conservative choice: they throttle each other instead of bypassing
	// the limiter.
	send(h, "")
	if rec := send(h, ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}
