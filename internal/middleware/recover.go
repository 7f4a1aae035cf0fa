package middleware

import (
	"fmt"
	"log/slog"
	"net/http"

	"librarylend/internal/api/httpx"
)

func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.ErrorContext(r.Context(), "panic", "err", rec, "request_id", RequestIDFrom(r.Context()))
					httpx.WriteMessage(w, http.StatusInternalServerError, fmt.Sprintf("Server Error: %v", rec))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
