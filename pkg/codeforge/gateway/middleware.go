package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"slices"
	"strings"
)

// tokenMatches compares SHA-256 digests in constant time so the token length
// does not leak.
func tokenMatches(got, want string) bool {
	a, b := sha256.Sum256([]byte(got)), sha256.Sum256([]byte(want))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// authMiddleware requires Authorization: Bearer <token> when a token is
// configured. /health and CORS preflights are public.
func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		public := r.URL.Path == "/health" || r.Method == http.MethodOptions
		if g.cfg.AuthToken == "" || public {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, isBearer := strings.CutPrefix(header, "Bearer ")
		switch {
		case header == "":
			g.writeError(w, "missing Authorization header", http.StatusUnauthorized)
		case !isBearer:
			g.writeError(w, "invalid Authorization format", http.StatusUnauthorized)
		case !tokenMatches(token, g.cfg.AuthToken):
			g.writeError(w, "invalid token", http.StatusUnauthorized)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// allowedOrigin returns the Access-Control-Allow-Origin value for origin, or
// "" when it is not allowed.
func (g *Gateway) allowedOrigin(origin string) string {
	if slices.Contains(g.cfg.CORSOrigins, "*") {
		return "*"
	}
	if origin != "" && slices.Contains(g.cfg.CORSOrigins, origin) {
		return origin
	}
	return ""
}

// corsMiddleware answers preflights and tags responses for browser clients
// when origins are configured.
func (g *Gateway) corsMiddleware(next http.Handler) http.Handler {
	if len(g.cfg.CORSOrigins) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allow := g.allowedOrigin(r.Header.Get("Origin")); allow != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allow)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			h.Set("Access-Control-Expose-Headers", "X-Run-ID")
			h.Set("Access-Control-Max-Age", "86400")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
