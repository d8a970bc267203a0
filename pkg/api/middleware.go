package api

import (
	"context"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const requestIDHeader = "X-Request-ID"

// visitorTTL is how long an idle caller keeps its bucket.
const visitorTTL = 3 * time.Minute

// Limiter decides whether the caller identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryLimiter keeps one token bucket per caller in process memory.
type MemoryLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	rps       rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

// visitor tracks the rate limiter and last seen time for a caller.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryLimiter creates a limiter allowing rps requests per second per
// caller with bursts of burst.
func NewMemoryLimiter(rps, burst int) *MemoryLimiter {
	return &MemoryLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
}

// Allow consumes one token of key's bucket.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > time.Minute {
		l.sweep(now)
	}

	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1), nil
}

// sweep drops idle callers. Caller holds l.mu.
func (l *MemoryLimiter) sweep(now time.Time) {
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > visitorTTL {
			delete(l.visitors, key)
		}
	}
	l.lastSweep = now
}

// RateLimit returns a middleware enforcing limiter per calling instance.
// A limiter error lets the request through.
func RateLimit(limiter Limiter, rps int) func(http.Handler) http.Handler {
	retryAfter := 1
	if rps > 0 {
		retryAfter = int(math.Ceil(1 / float64(rps)))
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := callerKey(r)
			ok, err := limiter.Allow(r.Context(), key)
			if err != nil {
				log.Warn().Err(err).Str("caller", key).Msg("rate limiter unavailable")
			} else if !ok {
				WriteTooManyRequests(w, retryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID tags every request and response with an X-Request-ID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// callerKey buckets requests by client address, and by the instance named
// in the signature key id when the request is signed.
func callerKey(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.Trim(r.RemoteAddr, "[]")
	}
	if instance := signedInstance(r); instance != "" {
		return instance + "@" + ip
	}
	return ip
}

func signedInstance(r *http.Request) string {
	raw := r.Header.Get("Signature")
	i := strings.Index(raw, `keyId="`)
	if i < 0 {
		return ""
	}
	rest := raw[i+len(`keyId="`):]
	j := strings.Index(rest, `"`)
	if j < 0 {
		return ""
	}
	u, err := url.Parse(rest[:j])
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}
