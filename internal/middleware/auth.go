// internal/middleware/auth.go
package middleware

import (
	"context"
	"net/http"
	"strings"

	"librarylend/internal/api/httpx"
	"librarylend/internal/auth"
	"librarylend/internal/domain"
)

type claimsKey struct{}

// ClaimsFrom returns the verified token claims, if the request carried any.
func ClaimsFrom(ctx context.Context) (*auth.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*auth.Claims)
	return c, ok
}

// RequireAdmin admits only bearer tokens issued to an Admin.
func RequireAdmin(tm *auth.TokenManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ah := r.Header.Get("Authorization")
			if ah == "" || !strings.HasPrefix(strings.ToLower(ah), "bearer ") {
				httpx.WriteMessage(w, http.StatusUnauthorized, "Missing bearer token")
				return
			}
			claims, err := tm.Parse(strings.TrimSpace(ah[len("Bearer "):]))
			if err != nil {
				httpx.WriteMessage(w, http.StatusUnauthorized, "Invalid token")
				return
			}
			if claims.Role != domain.RoleAdmin {
				httpx.WriteMessage(w, http.StatusForbidden, "Admin role required")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}
