package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/avisitor/mail-service-sub000/internal/metrics"
	"github.com/avisitor/mail-service-sub000/internal/redis"
	"github.com/avisitor/mail-service-sub000/internal/types"
)

type contextKey string

const userContextKey contextKey = "user"

// UserContextMiddleware populates the caller identity from trusted gateway
// headers. With no identity headers the caller is the system operator,
// which is how auth-disabled deployments run.
func UserContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var user *types.UserContext

		subject := r.Header.Get("X-User-Subject")
		if subject != "" {
			user = &types.UserContext{
				Subject:  subject,
				TenantID: r.Header.Get("X-Tenant-ID"),
			}
			if roles := r.Header.Get("X-User-Roles"); roles != "" {
				for _, role := range strings.Split(roles, ",") {
					user.Roles = append(user.Roles, strings.TrimSpace(role))
				}
			}
		}

		ctx := context.WithValue(r.Context(), userContextKey, types.Normalize(user))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// userFrom extracts the caller identity placed by UserContextMiddleware.
func userFrom(r *http.Request) *types.UserContext {
	if user, ok := r.Context().Value(userContextKey).(*types.UserContext); ok {
		return user
	}
	return types.SystemOperator()
}

// statusRecorder captures the response status for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// MetricsMiddleware records request counts and latency per route pattern.
func MetricsMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			duration := time.Since(start)
			metrics.RecordRequest(r.Method, r.URL.Path, rec.status, duration)
			logger.Debug("request handled",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", duration),
			)
		})
	}
}

// RateLimitMiddleware enforces the shared HTTP budget. keyFunc extracts
// the budget key from the request; an empty key skips the check.
func RateLimitMiddleware(limiter *redis.RateLimiter, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				metrics.RecordRateLimitRejection()
				retryAfter := int(time.Until(result.ResetAt).Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded",
					"Too Many Requests", "Rate limit exceeded, retry after the specified time")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AppKeyFunc keys the HTTP budget by app, falling back to client IP.
func AppKeyFunc(r *http.Request) string {
	if appID := r.Header.Get("X-App-ID"); appID != "" {
		return "app:" + appID
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + r.RemoteAddr
}
