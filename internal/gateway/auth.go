package gateway

import (
	"crypto/subtle"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/soyeahso/voxgate/internal/config"
)

// Auth modes for the session API.
const (
	AuthNone  = "none"
	AuthToken = "token"
)

// AuthResult is the outcome of an authentication attempt.
type AuthResult struct {
	OK     bool   `json:"ok"`
	Method string `json:"method,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ResolvedAuth holds the resolved auth configuration for the gateway.
type ResolvedAuth struct {
	Mode  string
	Token string
}

// ResolveAuth resolves authentication credentials from config and environment.
// Precedence: config value → env variable → empty.
func ResolveAuth(cfg config.GatewayAuth) ResolvedAuth {
	auth := ResolvedAuth{Mode: cfg.Mode, Token: cfg.Token}
	if auth.Token == "" {
		auth.Token = os.Getenv("VOXGATE_GATEWAY_TOKEN")
	}
	if auth.Mode == "" {
		auth.Mode = AuthNone
		if auth.Token != "" {
			auth.Mode = AuthToken
		}
	}
	return auth
}

// Authorize checks a presented bearer token against the resolved server auth.
func Authorize(serverAuth ResolvedAuth, presented string) AuthResult {
	switch serverAuth.Mode {
	case AuthNone:
		return AuthResult{OK: true, Method: AuthNone}

	case AuthToken:
		if serverAuth.Token == "" {
			return AuthResult{OK: false, Reason: "server token not configured"}
		}
		if presented == "" {
			return AuthResult{OK: false, Reason: "token required"}
		}
		if !safeEqual(presented, serverAuth.Token) {
			return AuthResult{OK: false, Reason: "token_mismatch"}
		}
		return AuthResult{OK: true, Method: AuthToken}

	default:
		return AuthResult{OK: false, Reason: "unknown auth mode: " + serverAuth.Mode}
	}
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// safeEqual performs a constant-time string comparison.
// It avoids early-return on length mismatch to prevent leaking secret length via timing.
func safeEqual(a, b string) bool {
	lenMatch := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	cmp := subtle.ConstantTimeCompare([]byte(a), []byte(b))
	return subtle.ConstantTimeSelect(lenMatch, cmp, 0) == 1
}

// failureLimiter tracks failed auth attempts per IP to slow down guessing.
type failureLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	window   time.Duration
	maxFails int
	maxIPs   int
	now      func() time.Time
}

const (
	authFailWindow = 5 * time.Minute
	authMaxFails   = 10
	authMaxIPs     = 10000
)

func newFailureLimiter() *failureLimiter {
	return &failureLimiter{
		failures: make(map[string][]time.Time),
		window:   authFailWindow,
		maxFails: authMaxFails,
		maxIPs:   authMaxIPs,
		now:      time.Now,
	}
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || host == "" {
		return remoteAddr
	}
	return host
}

// recent drops expired failures for ip. Caller holds mu.
func (l *failureLimiter) recent(ip string) []time.Time {
	cutoff := l.now().Add(-l.window)
	kept := l.failures[ip][:0]
	for _, t := range l.failures[ip] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(l.failures, ip)
		return nil
	}
	l.failures[ip] = kept
	return kept
}

func (l *failureLimiter) allow(remoteAddr string) bool {
	ip := clientIP(remoteAddr)
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.recent(ip)) < l.maxFails
}

func (l *failureLimiter) recordFailure(remoteAddr string) {
	ip := clientIP(remoteAddr)
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, tracked := l.failures[ip]; !tracked && len(l.failures) >= l.maxIPs {
		var oldestIP string
		var oldest time.Time
		for k, times := range l.failures {
			if len(times) > 0 && (oldestIP == "" || times[0].Before(oldest)) {
				oldestIP, oldest = k, times[0]
			}
		}
		delete(l.failures, oldestIP)
	}
	l.failures[ip] = append(l.failures[ip], l.now())
}

// prune forgets every expired failure.
func (l *failureLimiter) prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip := range l.failures {
		l.recent(ip)
	}
}

// requireAuth guards a handler with the configured session API auth.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.auth.Mode == AuthNone {
			next(w, r)
			return
		}
		if !s.authLimiter.allow(r.RemoteAddr) {
			s.log.Warn().Str("remote", r.RemoteAddr).Msg("rate limited: too many failed auth attempts")
			s.errs.write(w, http.StatusTooManyRequests, CodeRateLimited, DetailRateLimited)
			return
		}
		res := Authorize(s.auth, bearerToken(r))
		if !res.OK {
			s.authLimiter.recordFailure(r.RemoteAddr)
			s.log.Warn().Str("remote", r.RemoteAddr).Str("reason", res.Reason).Msg("unauthorized request")
			w.Header().Set("WWW-Authenticate", "Bearer")
			s.errs.write(w, http.StatusUnauthorized, CodeUnauthorized, DetailUnauthorized)
			return
		}
		next(w, r)
	}
}
