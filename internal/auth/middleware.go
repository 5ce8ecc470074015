package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

type contextKey int

const (
	ctxParticipantID contextKey = iota
	ctxRemoteIP
)

// RequestParticipantID returns the authenticated participant from the
// context, or "".
func RequestParticipantID(ctx context.Context) string {
	v, _ := ctx.Value(ctxParticipantID).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// WithParticipantID returns a context carrying an authenticated
// participant. The middleware uses it; in-process callers may too.
func WithParticipantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxParticipantID, id)
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

const (
	rateLimitWindow  = 5 * time.Minute
	rateLimitMaxFail = 10

	// rateLimitPruneThreshold is the number of tracked IPs above which
	// the rate limiter prunes expired entries.
	rateLimitPruneThreshold = 1000
)

// failureLimiter tracks failed token checks per IP with a sliding
// window. After rateLimitMaxFail failures within the window, further
// attempts are rejected until the window expires.
type failureLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
}

func newFailureLimiter() *failureLimiter {
	return &failureLimiter{failures: make(map[string][]time.Time)}
}

// limited returns true if the IP is currently rate-limited.
func (rl *failureLimiter) limited(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rateLimitWindow)

	if len(rl.failures) > rateLimitPruneThreshold {
		for k, times := range rl.failures {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(rl.failures, k)
			}
		}
	}

	recent := rl.failures[ip][:0]
	for _, t := range rl.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 {
		delete(rl.failures, ip)
	} else {
		rl.failures[ip] = recent
	}

	return len(recent) >= rateLimitMaxFail
}

func (rl *failureLimiter) record(ip string) {
	rl.mu.Lock()
	rl.failures[ip] = append(rl.failures[ip], time.Now())
	rl.mu.Unlock()
}

func writeUnauthorized(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="chatsync"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Middleware returns HTTP middleware that requires a valid participant
// Bearer token and injects the participant id into the request context.
func Middleware(participants *Participants, logger *slog.Logger) func(http.Handler) http.Handler {
	limiter := newFailureLimiter()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				writeUnauthorized(w, http.StatusUnauthorized, "missing bearer token")

				return
			}

			if limiter.limited(ip) {
				logger.Warn("middleware: rate limited", slog.String("ip", ip))
				writeUnauthorized(w, http.StatusTooManyRequests, "too many failed attempts")

				return
			}

			id, err := participants.Verify(token)
			if err != nil {
				logger.Debug("middleware: invalid token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				limiter.record(ip)
				writeUnauthorized(w, http.StatusUnauthorized, "invalid token")

				return
			}

			ctx := WithParticipantID(r.Context(), id)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
