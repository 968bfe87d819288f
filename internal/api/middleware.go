package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/audit"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/pkg/models"
)

// requestIDMiddleware attaches a UUID request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		ctx := withRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// adminAuthMiddleware validates the X-Admin-Token header. A constant-time
// compare keeps the token unguessable via timing. Failed attempts land in
// the audit log.
func adminAuthMiddleware(adminToken string, auditor *audit.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get("X-Admin-Token")
			if adminToken == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(adminToken)) != 1 {
				ip := clientIP(r)
				ev := audit.Event(models.EventAuthenticationFailed, models.SeverityWarning,
					"admin_auth", "denied", "invalid admin token")
				ev.SourceIP = &ip
				if id := requestIDFromCtx(r.Context()); id != "" {
					ev.Metadata = map[string]any{"request_id": id}
				}
				auditor.Record(r.Context(), ev)
				writeError(w, http.StatusUnauthorized, "invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.statusCode = code
	rr.ResponseWriter.WriteHeader(code)
}

// rateLimiter applies a per-client token bucket. Buckets idle longer
// than staleAfter are evicted on the next refill pass so the map does
// not grow unbounded under IP churn.
type rateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	refillRate float64 // tokens per second
	capacity   float64
	lastSweep  time.Time
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

const staleAfter = 10 * time.Minute

func newRateLimiter(rps, burst int) *rateLimiter {
	return &rateLimiter{
		buckets:    make(map[string]*bucket),
		refillRate: float64(rps),
		capacity:   float64(burst),
		lastSweep:  time.Now(),
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastSweep) > staleAfter {
		for key, b := range rl.buckets {
			if now.Sub(b.lastSeen) > staleAfter {
				delete(rl.buckets, key)
			}
		}
		rl.lastSweep = now
	}

	b, ok := rl.buckets[ip]
	if !ok {
		rl.buckets[ip] = &bucket{tokens: rl.capacity - 1, lastSeen: now}
		return true
	}
	b.tokens = min(rl.capacity, b.tokens+now.Sub(b.lastSeen).Seconds()*rl.refillRate)
	b.lastSeen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.allow(ip) {
			log.Warn().Str("ip", ip).Msg("rate limit exceeded")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first hop of X-Forwarded-For and falls back to
// the socket address with the port stripped.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return fwd
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
