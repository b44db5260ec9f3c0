package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alecgard/agentvault/internal/auth"
)

// fakeClock is a controllable time source for deterministic tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestLimiter creates a Limiter wired to the given fake clock.
func newTestLimiter(rate int, window time.Duration, clock *fakeClock) *Limiter {
	l := New(rate, window)
	l.now = clock.Now
	return l
}

func TestAllowBasic(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(3, time.Minute, clock)

	for i := 0; i < 3; i++ {
		if !l.Allow("op-1", 0) {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow("op-1", 0) {
		t.Fatal("request 4 should be denied")
	}
}

func TestAllowDifferentKeys(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(1, time.Minute, clock)

	if !l.Allow("a", 0) || !l.Allow("b", 0) {
		t.Fatal("first request per key should be allowed")
	}
	if l.Allow("a", 0) {
		t.Fatal("second request for a should be denied")
	}
}

func TestTokenRefill(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(6, time.Minute, clock)

	for i := 0; i < 6; i++ {
		l.Allow("k", 0)
	}
	if l.Allow("k", 0) {
		t.Fatal("bucket should be empty")
	}

	// 6 per minute refills one token every 10 seconds.
	clock.Advance(10 * time.Second)
	if !l.Allow("k", 0) {
		t.Fatal("expected one refilled token")
	}
	if l.Allow("k", 0) {
		t.Fatal("expected only one refilled token")
	}
}

func TestTokenRefillCap(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(2, time.Minute, clock)

	l.Allow("k", 0)
	clock.Advance(time.Hour)

	allowed := 0
	for i := 0; i < 5; i++ {
		if l.Allow("k", 0) {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("expected refill capped at 2, got %d", allowed)
	}
}

func TestCustomRateOverride(t *testing.T) {
	tests := []struct {
		name      string
		defaultR  int
		customR   int
		wantAllow int
	}{
		{"custom higher than default", 2, 5, 5},
		{"custom lower than default", 10, 3, 3},
		{"zero custom uses default", 5, 0, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock(time.Now())
			l := newTestLimiter(tt.defaultR, time.Minute, clock)

			allowed := 0
			for i := 0; i < tt.wantAllow+2; i++ {
				if l.Allow("key", tt.customR) {
					allowed++
				}
			}
			if allowed != tt.wantAllow {
				t.Fatalf("expected %d allowed, got %d", tt.wantAllow, allowed)
			}
		})
	}
}

func TestConcurrentAccess(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(100, time.Minute, clock)

	var wg sync.WaitGroup
	allowed := make(chan bool, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- l.Allow("concurrent", 0)
		}()
	}
	wg.Wait()
	close(allowed)

	count := 0
	for ok := range allowed {
		if ok {
			count++
		}
	}
	if count != 100 {
		t.Fatalf("expected exactly 100 allowed, got %d", count)
	}
}

func TestTakeReportsRemaining(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(10, time.Minute, clock)

	d := l.Take("s", 0)
	if !d.Allowed || d.Limit != 10 || d.Remaining != 9 {
		t.Fatalf("unexpected decision %+v", d)
	}
	if !d.ResetAt.After(clock.Now()) {
		t.Fatal("resetAt should be in the future after consuming a token")
	}
}

func TestStatusDoesNotConsume(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(10, time.Minute, clock)

	l.Take("s", 0)
	l.Take("s", 0)
	l.Take("s", 0)

	for i := 0; i < 2; i++ {
		d := l.Status("s", 0)
		if d.Remaining != 7 {
			t.Fatalf("expected remaining 7, got %d", d.Remaining)
		}
	}
}

func TestStatusFullBucketResetIsNow(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(5, time.Minute, clock)

	d := l.Status("full", 0)
	if !d.ResetAt.Equal(clock.Now()) {
		t.Fatalf("full bucket resetAt should equal now, got diff %v", d.ResetAt.Sub(clock.Now()))
	}
}

func TestScopedAccountBucketIsShared(t *testing.T) {
	clock := newFakeClock(time.Now())
	s := NewScoped(newTestLimiter(10, time.Minute, clock), 3)

	acct := "0x00000000000000000000000000000000000acc07"
	allowed := 0
	for i := 0; i < 4; i++ {
		if s.Take("op-1", 0, acct).Allowed {
			allowed++
		}
		if s.Take("op-2", 0, acct).Allowed {
			allowed++
		}
	}
	if allowed != 3 {
		t.Fatalf("expected the account scope to cap both operators at 3, got %d", allowed)
	}

	if !s.Take("op-1", 0, "0x00000000000000000000000000000000000b0b00").Allowed {
		t.Fatal("a different account should have its own bucket")
	}
}

func TestScopedDeniedOperatorKeepsAccountTokens(t *testing.T) {
	clock := newFakeClock(time.Now())
	s := NewScoped(newTestLimiter(10, time.Minute, clock), 2)

	acct := "0xacc"
	if !s.Take("slow", 1, acct).Allowed {
		t.Fatal("first request should pass")
	}
	for i := 0; i < 3; i++ {
		if s.Take("slow", 1, acct).Allowed {
			t.Fatal("operator bucket should be exhausted")
		}
	}
	if !s.Take("other", 0, acct).Allowed {
		t.Fatal("denied operator requests must not drain the account bucket")
	}
}

func TestScopedWithoutAccountRate(t *testing.T) {
	clock := newFakeClock(time.Now())
	s := NewScoped(newTestLimiter(2, time.Minute, clock), 0)

	for i := 0; i < 2; i++ {
		if !s.Take("op", 0, "0xacc").Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if s.Take("op", 0, "0xacc").Allowed {
		t.Fatal("operator bucket should apply on its own")
	}
}

func TestMiddleware(t *testing.T) {
	clock := newFakeClock(time.Now())
	s := NewScoped(newTestLimiter(1, time.Minute, clock), 0)

	rejected := 0
	h := Middleware(s, func() { rejected++ })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	op := &auth.Operator{ID: "op-1", Account: "0xacc"}
	do := func(withOperator bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/instructions", nil)
		if withOperator {
			req = req.WithContext(auth.ContextWithOperator(req.Context(), op))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	first := do(true)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.Code)
	}
	if first.Header().Get("X-RateLimit-Limit") != "1" || first.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("unexpected headers %v", first.Header())
	}

	second := do(true)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(second.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != "rate_limited" {
		t.Errorf("expected rate_limited, got %q", body.Error.Code)
	}
	if rejected != 1 {
		t.Errorf("expected 1 rejection callback, got %d", rejected)
	}

	if anon := do(false); anon.Code != http.StatusOK {
		t.Errorf("requests without an operator should pass through, got %d", anon.Code)
	}
}
