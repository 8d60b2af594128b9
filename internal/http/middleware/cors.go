package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CORSConfig is the browser access policy for the patient and staff portals.
type CORSConfig struct {
	// AllowedOrigins holds exact origins, "*" for any origin, or a single leading wildcard
	// label such as "https://*.clinic.example" for per-clinic portal subdomains.
	AllowedOrigins []string
	// MaxAge caches preflight answers; zero means ten minutes.
	MaxAge time.Duration
}

const (
	corsAllowedHeaders = "Authorization, Content-Type, X-Request-ID"
	corsAllowedMethods = "GET, POST, DELETE, OPTIONS"
	// The booking UI reads the request id for support tickets and Retry-After when throttled.
	corsExposedHeaders = "X-Request-ID, Retry-After"
)

type originPolicy struct {
	any      bool
	exact    map[string]struct{}
	suffixes []originSuffix
}

type originSuffix struct {
	scheme string
	domain string
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{exact: map[string]struct{}{}}
	for _, origin := range origins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		switch {
		case origin == "":
		case origin == "*":
			p.any = true
		case strings.Contains(origin, "://*."):
			scheme, domain, _ := strings.Cut(origin, "://*.")
			p.suffixes = append(p.suffixes, originSuffix{scheme: strings.ToLower(scheme), domain: strings.ToLower(domain)})
		default:
			p.exact[strings.ToLower(origin)] = struct{}{}
		}
	}
	return p
}

func (p originPolicy) empty() bool {
	return !p.any && len(p.exact) == 0 && len(p.suffixes) == 0
}

func (p originPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if p.any {
		return true
	}
	origin = strings.ToLower(origin)
	if _, ok := p.exact[origin]; ok {
		return true
	}
	scheme, host, ok := strings.Cut(origin, "://")
	if !ok {
		return false
	}
	for _, s := range p.suffixes {
		// Only true subdomains match; the bare domain must be listed on its own.
		if scheme == s.scheme && strings.HasSuffix(host, "."+s.domain) {
			return true
		}
	}
	return false
}

// CORS applies cfg to every response. An empty allowlist makes it a no-op, and a preflight
// from an origin outside the allowlist is refused.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	policy := newOriginPolicy(cfg.AllowedOrigins)
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	maxAgeSeconds := strconv.Itoa(int(maxAge / time.Second))

	return func(next http.Handler) http.Handler {
		if policy.empty() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			preflight := r.Method == http.MethodOptions && origin != "" && r.Header.Get("Access-Control-Request-Method") != ""
			w.Header().Add("Vary", "Origin")

			if !policy.allows(origin) {
				if preflight {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Expose-Headers", corsExposedHeaders)
			if preflight {
				h.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
				h.Set("Access-Control-Allow-Methods", corsAllowedMethods)
				h.Set("Access-Control-Max-Age", maxAgeSeconds)
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
