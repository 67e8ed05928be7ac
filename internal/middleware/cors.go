package middleware

import (
	"net/http"
	"slices"
	"strings"
)

// CORS allows the configured origins. origins is a comma separated list;
// "*" allows any origin.
func CORS(origins string) func(http.Handler) http.Handler {
	allowed := parseOrigins(origins)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqOrigin := r.Header.Get("Origin")
			if origin := allowedOrigin(reqOrigin, allowed); origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func parseOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, strings.TrimSuffix(o, "/"))
		}
	}
	return out
}

func allowedOrigin(reqOrigin string, allowed []string) string {
	if slices.Contains(allowed, "*") {
		return "*"
	}
	if reqOrigin != "" && slices.Contains(allowed, reqOrigin) {
		return reqOrigin
	}
	return ""
}
