package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

const allowedMethods = "OPTIONS,POST,GET,PUT,DELETE"

// CORS negotiates preflights with go-chi/cors, then pins the fixed headers every
// response carries and answers OPTIONS with an empty 200.
func CORS(allowAuthorization bool) func(http.Handler) http.Handler {
	allowHeaders := "Content-Type"
	headers := []string{"Content-Type"}
	if allowAuthorization {
		allowHeaders += ",Authorization"
		headers = append(headers, "Authorization")
	}

	negotiate := cors.Handler(cors.Options{
		AllowedOrigins:     []string{"*"},
		AllowedMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:     headers,
		ExposedHeaders:     []string{"X-Request-Id"},
		OptionsPassthrough: true,
		MaxAge:             300,
	})

	return func(next http.Handler) http.Handler {
		return negotiate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", "*")
			h.Set("Access-Control-Allow-Headers", allowHeaders)
			h.Set("Access-Control-Allow-Methods", allowedMethods)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}
