package middleware

import (
	"net/http"
	"strings"
)

const (
	corsAllowHeaders  = "Authorization, Content-Type, X-Clinic-Id, X-Request-Id"
	corsAllowMethods  = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	corsExposeHeaders = "Content-Disposition, X-Request-Id"
	corsMaxAge        = "600"
)

// originPolicy decides which browser origins may call the API. Entries are
// exact origins, "*" for any origin, or a "scheme://*.domain" pattern that
// matches every subdomain of domain.
type originPolicy struct {
	any       bool
	exact     map[string]bool
	wildcards []subdomains
}

type subdomains struct {
	scheme string // "https://"
	domain string // ".clinic.example"
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{exact: make(map[string]bool, len(origins))}
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch {
		case o == "":
		case o == "*":
			p.any = true
		case strings.Contains(o, "://*."):
			scheme, domain, _ := strings.Cut(o, "://*")
			p.wildcards = append(p.wildcards, subdomains{scheme: scheme + "://", domain: domain})
		default:
			p.exact[o] = true
		}
	}
	return p
}

func (p originPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if p.any || p.exact[origin] {
		return true
	}
	for _, w := range p.wildcards {
		host, ok := strings.CutPrefix(origin, w.scheme)
		if ok && len(host) > len(w.domain) && strings.HasSuffix(host, w.domain) {
			return true
		}
	}
	return false
}

// CORS answers browser preflights and stamps CORS headers on responses to
// allowed origins. The origin is echoed rather than "*" because the refresh
// cookie needs credentials.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	policy := newOriginPolicy(allowedOrigins)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Add("Vary", "Origin")
			if policy.allows(origin) {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				h.Set("Access-Control-Allow-Methods", corsAllowMethods)
				h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
				h.Set("Access-Control-Max-Age", corsMaxAge)
			}
			// Preflights stop here; the browser enforces the missing
			// allow headers for origins outside the policy.
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
