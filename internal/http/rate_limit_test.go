package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRedisWindowKeyAlignsToEpochWindows(t *testing.T) {
	window := time.Minute
	at := time.UnixMilli(10*window.Milliseconds() + 1500)

	key, end := redisWindowKey("stats|caller:com.example.app", window, at)
	if key != "netusage:rl:stats:caller:com.example.app:10" {
		t.Fatalf("unexpected key %q", key)
	}
	if !end.Equal(time.UnixMilli(11 * window.Milliseconds())) {
		t.Fatalf("unexpected window end %v", end)
	}

	same, _ := redisWindowKey("stats|caller:com.example.app", window, at.Add(30*time.Second))
	if same != key {
		t.Fatalf("instants in one window must share a key: %q vs %q", same, key)
	}
	next, _ := redisWindowKey("stats|caller:com.example.app", window, end)
	if next == key {
		t.Fatalf("window end must start a new counter")
	}
	other, _ := redisWindowKey("admin|caller:com.example.app", window, at)
	if other == key {
		t.Fatalf("routes must not share counters")
	}
	bare, _ := redisWindowKey("ip:10.0.0.1", 0, at)
	if bare != "netusage:rl:default:ip:10.0.0.1:10" {
		t.Fatalf("unexpected key for bare subject %q", bare)
	}
}

func TestMemoryLimiterRejectsOverLimitPerRoute(t *testing.T) {
	env := newTestEnv(t)
	limited := env.router.rateLimit("test-route", 2, time.Minute, rateLimitKeyIP)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "192.0.2.7:4000"
		rec := httptest.NewRecorder()
		limited.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if i == 0 && rec.Header().Get("X-RateLimit-Remaining") != "1" {
			t.Fatalf("expected 1 remaining after first call, got %q", rec.Header().Get("X-RateLimit-Remaining"))
		}
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusNoContent || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence %v", codes)
	}
}
