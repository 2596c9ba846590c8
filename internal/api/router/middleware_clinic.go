package router

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/clinic-platform/internal/apierr"
	"github.com/wolfman30/clinic-platform/internal/http/respond"
	"github.com/wolfman30/clinic-platform/internal/tenancy"
)

const clinicHeader = "X-Clinic-Id"

// clinicScope stores the X-Clinic-Id header in the request context so list
// endpoints can default their clinic filter. A missing header is fine; a
// malformed one is rejected.
func clinicScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(clinicHeader))
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			respond.Error(w, r, nil, apierr.BadRequest("Invalid X-Clinic-Id header"))
			return
		}
		next.ServeHTTP(w, r.WithContext(tenancy.WithClinicID(r.Context(), id)))
	})
}

// aliasParam exposes the URL parameter from under the name to, for handlers
// shared between routes that name the same id differently.
func aliasParam(from, to string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			rctx.URLParams.Add(to, chi.URLParam(r, from))
		}
		next(w, r)
	}
}
