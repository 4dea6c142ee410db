package admin

import (
	"log/slog"
	"net/http"

	dErrors "nip05/pkg/domain-errors"
	"nip05/pkg/platform/httputil"
	"nip05/pkg/platform/secrets"
	"nip05/pkg/requestcontext"
)

const HeaderAdminKey = "X-Admin-Key"

// RequireAdminKey guards admin routes with a key checked against a bcrypt hash.
// An empty hash disables the routes entirely (501).
func RequireAdminKey(keyHash string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if keyHash == "" {
				httputil.WriteError(w, dErrors.New(dErrors.CodeNotImplemented, "direct registration is disabled"))
				return
			}
			if err := secrets.Verify(r.Header.Get(HeaderAdminKey), keyHash); err != nil {
				if !dErrors.HasCode(err, dErrors.CodeUnauthorized) {
					logger.ErrorContext(ctx, "admin key hash unusable", "error", err)
					err = dErrors.New(dErrors.CodeUnauthorized, "invalid admin API key")
				}
				logger.WarnContext(ctx, "admin key mismatch",
					"request_id", requestcontext.RequestID(ctx),
					"client_ip", requestcontext.ClientIP(ctx),
				)
				httputil.WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
