package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coeditd/coeditd/pkg/rateguard"
)

// NewRateLimiter throttles REST calls per identifier under the given logical
// endpoint. The identifier is the authenticated user when known, the caller
// IP otherwise, so unauthenticated probes can't share a bucket with real
// users.
func NewRateLimiter(logger *slog.Logger, guard *rateguard.Guard, endpoint string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			identifier := reqMeta.UserID
			if identifier == "" {
				identifier = reqMeta.IP
			}

			if v := guard.Record(identifier); v.ShouldBan || guard.Banned(identifier) {
				expiry, _ := guard.BanExpiry(identifier)
				logger.Warn("Banned identifier rejected",
					slog.String("identifier", identifier), slog.Time("expiresAt", expiry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				json.NewEncoder(w).Encode(map[string]any{
					"error":     "temporarily banned for excessive requests",
					"expiresAt": expiry,
				})
				return
			}

			decision := guard.Check(identifier, endpoint)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				logger.Warn("Request rate limited",
					slog.String("identifier", identifier), slog.String("endpoint", endpoint))
				w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(decision.ResetAt).Seconds())+1))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]any{
					"error":   "rate limit exceeded",
					"resetAt": decision.ResetAt,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
