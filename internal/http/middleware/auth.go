package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/wolfman30/clinic-platform/internal/apierr"
	"github.com/wolfman30/clinic-platform/internal/http/respond"
	"github.com/wolfman30/clinic-platform/internal/tenancy"
	"github.com/wolfman30/clinic-platform/pkg/logging"
)

// Authenticator resolves a bearer token to the calling principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (tenancy.Principal, error)
}

// tokenFromRequest reads the Bearer header, falling back to the token cookie.
// Websocket upgrades may also pass the token as a query parameter.
func tokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if c, err := r.Cookie("token"); err == nil {
		return strings.TrimSpace(c.Value)
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return strings.TrimSpace(r.URL.Query().Get("token"))
	}
	return ""
}

// Authenticate rejects requests without a valid access token and stores the
// principal in the request context.
func Authenticate(authn Authenticator, logger *logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokenFromRequest(r)
			if token == "" {
				respond.Error(w, r, logger, apierr.Unauthorized("Not authorized, no token provided"))
				return
			}
			principal, err := authn.Authenticate(r.Context(), token)
			if err != nil {
				respond.Error(w, r, logger, err)
				return
			}
			ctx := tenancy.WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalAuthenticate attaches the principal when a valid token is present
// and otherwise lets the request through anonymously.
func OptionalAuthenticate(authn Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token := tokenFromRequest(r); token != "" {
				if principal, err := authn.Authenticate(r.Context(), token); err == nil {
					r = r.WithContext(tenancy.WithPrincipal(r.Context(), principal))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Authorize restricts a route to the given roles. It must run after
// Authenticate.
func Authorize(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := tenancy.PrincipalFromContext(r.Context())
			if !ok {
				respond.Error(w, r, nil, apierr.Unauthorized("Not authorized"))
				return
			}
			if !principal.HasRole(roles...) {
				respond.Error(w, r, nil, apierr.Forbidden(
					fmt.Sprintf("User role '%s' is not authorized to access this route", principal.Role)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
