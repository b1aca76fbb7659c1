package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"key-delivery-service/pkg/httputil"
)

// AdminTokenHeader は管理APIの認証ヘッダー。
const AdminTokenHeader = "X-Admin-Token"

// RequireAdminToken は X-Admin-Token が token と一致するリクエストだけを通す。
// token が空の場合は管理APIを全て拒否する。
func RequireAdminToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				httputil.Error(w, http.StatusForbidden, "ADMIN_DISABLED", "admin API is not enabled")
				return
			}
			got := r.Header.Get(AdminTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				slog.WarnContext(r.Context(), "rejected admin request",
					"operation", "admin_auth",
					"path", r.URL.Path,
					"client_ip", ClientIP(r),
				)
				httputil.Error(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
