package quota

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/fireflycloud/fireflycloud/internal/logging"
	"github.com/fireflycloud/fireflycloud/internal/metrics"
	"github.com/fireflycloud/fireflycloud/internal/protocol"
)

// UserIDFromContext extracts the user ID from the request context. It keeps
// this package independent of the auth package.
type UserIDFromContext func(ctx context.Context) (userID string, ok bool)

// RateLimitMiddleware returns middleware that enforces per-user rate limits
// from the user's quota row.
func RateLimitMiddleware(limiter *RateLimiter, store *Store, userFrom UserIDFromContext) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := userFrom(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			q, err := store.GetQuota(r.Context(), userID)
			if err != nil {
				logging.WithContext(r.Context()).Warn("rate limit lookup failed", zap.String("user_id", userID), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			rpm := q.MaxRequestsPerMin
			if !limiter.Allow(userID, rpm) {
				metrics.RecordRateLimitHit()
				w.Header().Set("Retry-After", strconv.Itoa(limiter.RetryAfter(userID, rpm)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(protocol.ErrorResponse{
					Error: "rate limit exceeded",
					Code:  http.StatusTooManyRequests,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
