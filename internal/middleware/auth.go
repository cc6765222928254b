package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ukydev/fleet-assistance/internal/models"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	UserContextKey contextKey = "user"
)

// TokenValidator turns a bearer token into claims. *auth.Service implements it.
type TokenValidator interface {
	ValidateToken(token string) (*models.Claims, error)
}

// AuthMiddleware provides JWT authentication middleware
type AuthMiddleware struct {
	tokens    TokenValidator
	skipPaths []string
}

// NewAuthMiddleware creates an authentication middleware. Requests whose path
// starts with one of skipPaths pass through unauthenticated.
func NewAuthMiddleware(tokens TokenValidator, skipPaths ...string) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens, skipPaths: skipPaths}
}

// Authenticate validates JWT tokens and adds user context
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.shouldSkipAuth(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		claims, err := m.tokens.ValidateToken(authHeader)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequirePermission middleware checks if the user has the required permission
func (m *AuthMiddleware) RequirePermission(requiredAction string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetUserFromContext(r.Context())
			if !ok {
				http.Error(w, "User context not found", http.StatusUnauthorized)
				return
			}
			if !claims.Role.HasPermission(requiredAction) {
				http.Error(w, "Insufficient permissions", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithClaims stores claims on ctx.
func WithClaims(ctx context.Context, claims *models.Claims) context.Context {
	return context.WithValue(ctx, UserContextKey, claims)
}

// GetUserFromContext extracts user claims from request context
func GetUserFromContext(ctx context.Context) (*models.Claims, bool) {
	claims, ok := ctx.Value(UserContextKey).(*models.Claims)
	return claims, ok
}

// ActorFromContext returns the actor of the authenticated user, or the zero
// actor for anonymous requests.
func ActorFromContext(ctx context.Context) models.Actor {
	if claims, ok := GetUserFromContext(ctx); ok {
		return claims.Actor()
	}
	return models.Actor{}
}

func (m *AuthMiddleware) shouldSkipAuth(path string) bool {
	for _, skipPath := range m.skipPaths {
		if strings.HasPrefix(path, skipPath) {
			return true
		}
	}
	return false
}

// RateLimitMiddleware keeps one token bucket per client IP.
type RateLimitMiddleware struct {
	limit          rate.Limit
	burst          int
	ttl            time.Duration
	trustForwarded bool
	mu             sync.Mutex
	clients        map[string]*client
	nextSweep      time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimitMiddleware allows perSecond requests per client with the given
// burst. Clients idle for longer than ten minutes are forgotten. The client
// is the connection's peer address unless trustForwarded is set, in which case
// X-Forwarded-For and X-Real-IP written by a fronting proxy are honored.
func NewRateLimitMiddleware(perSecond float64, burst int, trustForwarded bool) *RateLimitMiddleware {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitMiddleware{
		limit:          rate.Limit(perSecond),
		burst:          burst,
		ttl:            10 * time.Minute,
		trustForwarded: trustForwarded,
		clients:        make(map[string]*client),
	}
}

func (m *RateLimitMiddleware) allow(ip string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !now.Before(m.nextSweep) {
		m.sweep(now)
	}
	c, ok := m.clients[ip]
	if !ok || now.Sub(c.lastSeen) > m.ttl {
		c = &client{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// sweep drops idle clients. It runs at most once per ttl; callers hold mu.
func (m *RateLimitMiddleware) sweep(now time.Time) {
	for k, c := range m.clients {
		if now.Sub(c.lastSeen) > m.ttl {
			delete(m.clients, k)
		}
	}
	m.nextSweep = now.Add(m.ttl)
}

func (m *RateLimitMiddleware) tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// RateLimit rejects requests over the per-client budget with 429.
func (m *RateLimitMiddleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.allow(getClientIP(r, m.trustForwarded), time.Now()) {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// getClientIP extracts the client IP from the request. Forwarding headers are
// client-controlled unless a proxy rewrites them, so they are read only when
// trustForwarded is set.
func getClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
			return strings.TrimSpace(strings.Split(ip, ",")[0])
		}
		if ip := r.Header.Get("X-Real-IP"); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Logging writes one line per request.
func Logging(logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			entry := logger.WithFields(log.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start).String(),
			})
			if rec.status >= http.StatusInternalServerError {
				entry.Warn("Request failed")
				return
			}
			entry.Debug("Request served")
		})
	}
}
