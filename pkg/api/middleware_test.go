package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestMemoryLimiter_BurstThenRefill(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l := NewMemoryLimiter(1, 2)
	l.now = c.now
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "peer.example@10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok, "within burst")
	}
	ok, _ := l.Allow(ctx, "peer.example@10.0.0.1")
	assert.False(t, ok, "burst exhausted")

	ok, _ = l.Allow(ctx, "other.example@10.0.0.1")
	assert.True(t, ok, "buckets are per caller")

	c.t = c.t.Add(1100 * time.Millisecond)
	ok, _ = l.Allow(ctx, "peer.example@10.0.0.1")
	assert.True(t, ok, "refilled")
}

func TestMemoryLimiter_SweepsIdleCallers(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l := NewMemoryLimiter(1, 1)
	l.now = c.now
	ctx := context.Background()

	_, _ = l.Allow(ctx, "a")
	c.t = c.t.Add(visitorTTL + 2*time.Minute)
	_, _ = l.Allow(ctx, "b")

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.visitors, "a")
	assert.Contains(t, l.visitors, "b")
}

func TestRedisLimiter_SharedBucket(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := &clock{t: time.Unix(1_700_000_000, 0)}
	first := NewRedisLimiter(client, 1, 2)
	second := NewRedisLimiter(client, 1, 2)
	first.now, second.now = c.now, c.now
	ctx := context.Background()

	ok, err := first.Allow(ctx, "peer.example")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = second.Allow(ctx, "peer.example")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = first.Allow(ctx, "peer.example")
	require.NoError(t, err)
	assert.False(t, ok, "both processes drew from the same bucket")

	c.t = c.t.Add(1500 * time.Millisecond)
	ok, err = second.Allow(ctx, "peer.example")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, mr.Exists("circles:ratelimit:peer.example"))
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestRateLimitMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("throttles after burst", func(t *testing.T) {
		h := RateLimit(NewMemoryLimiter(1, 2), 1)(ok)
		for i := 0; i < 2; i++ {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
			assert.Equal(t, http.StatusOK, w.Code)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "1", w.Header().Get("Retry-After"))
	})

	t.Run("fails open", func(t *testing.T) {
		h := RateLimit(failingLimiter{}, 1)(ok)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestCallerKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/circles/federation/event", nil)
	req.RemoteAddr = "10.0.0.7:51234"
	assert.Equal(t, "10.0.0.7", callerKey(req))

	req.Header.Set("Signature", `keyId="https://Peer.Example/.well-known/circles#main-key",algorithm="ed25519",headers="date",signature="x"`)
	assert.Equal(t, "peer.example@10.0.0.7", callerKey(req))
}

func TestRequestID(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "req-123")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get(requestIDHeader))
}
