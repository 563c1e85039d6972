package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coeditd/coeditd/pkg/rateguard"
)

// NewBanFilter rejects requests from identifiers the abuse detector has
// banned. It runs before auth so a banned IP costs no token parsing.
func NewBanFilter(logger *slog.Logger, guard *rateguard.Guard) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			if guard.Banned(reqMeta.IP) {
				expiry, _ := guard.BanExpiry(reqMeta.IP)
				logger.Warn("Banned identifier rejected",
					slog.String("ip", reqMeta.IP), slog.Time("expiresAt", expiry))
				w.Header().Set("Retry-After", expiry.UTC().Format(time.RFC1123))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				json.NewEncoder(w).Encode(map[string]any{
					"error":     "temporarily banned for excessive requests",
					"expiresAt": expiry,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
