package middleware

import (
	"net/http"
	"strings"
)

// allowHeaders lists the request headers browser clients may send: the JSON
// content type plus the webhook signature header.
const allowHeaders = "Accept, Content-Type, X-Signature-256"

// corsPolicy is the precomputed origin allow-list. wildcard short-circuits
// the lookup when "*" was configured.
type corsPolicy struct {
	wildcard bool
	origins  map[string]struct{}
}

func (p corsPolicy) allows(origin string) bool {
	if p.wildcard {
		return true
	}
	_, ok := p.origins[origin]
	return ok
}

// CORS returns middleware applying a cross-origin policy for the supervisor
// dashboard's browser clients. "*" in the list allows any origin; an
// unlisted origin gets no CORS headers, which the browser treats as a
// denial. Preflight OPTIONS requests are answered directly with 204.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	policy := corsPolicy{origins: make(map[string]struct{}, len(allowedOrigins))}
	for _, o := range allowedOrigins {
		switch o = strings.TrimSpace(o); o {
		case "":
		case "*":
			policy.wildcard = true
		default:
			policy.origins[o] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" && policy.allows(origin) {
				h := w.Header()
				if policy.wildcard {
					h.Set("Access-Control-Allow-Origin", "*")
				} else {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Set("Vary", "Origin")
				}
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", allowHeaders)
				h.Set("Access-Control-Max-Age", "300")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ParseCORSOrigins splits the comma-separated -cors-origins flag value.
// Empty input returns nil, which disables the middleware entirely.
func ParseCORSOrigins(raw string) []string {
	var origins []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}
