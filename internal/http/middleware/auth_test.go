package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-platform/internal/apierr"
	"github.com/wolfman30/clinic-platform/internal/tenancy"
)

type stubAuthenticator struct {
	principal tenancy.Principal
	err       error
	lastToken string
}

func (s *stubAuthenticator) Authenticate(_ context.Context, token string) (tenancy.Principal, error) {
	s.lastToken = token
	return s.principal, s.err
}

func decodeMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Success {
		t.Fatalf("expected failure envelope")
	}
	return body.Message
}

func TestAuthenticateMissingToken(t *testing.T) {
	mw := Authenticate(&stubAuthenticator{}, nil)
	rec := httptest.NewRecorder()
	mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run")
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/me", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if got := decodeMessage(t, rec); got != "Not authorized, no token provided" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestAuthenticateBearerToken(t *testing.T) {
	userID := uuid.New()
	authn := &stubAuthenticator{principal: tenancy.Principal{UserID: userID, Role: tenancy.RoleDoctor}}
	mw := Authenticate(authn, nil)

	var seen tenancy.Principal
	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer abc.def.ghi")
	rec := httptest.NewRecorder()
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = tenancy.PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if authn.lastToken != "abc.def.ghi" {
		t.Fatalf("unexpected token %q", authn.lastToken)
	}
	if seen.UserID != userID {
		t.Fatalf("principal not propagated")
	}
}

func TestAuthenticateCookieFallback(t *testing.T) {
	authn := &stubAuthenticator{principal: tenancy.Principal{UserID: uuid.New()}}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "token", Value: "cookie-token"})
	rec := httptest.NewRecorder()
	Authenticate(authn, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent || authn.lastToken != "cookie-token" {
		t.Fatalf("expected cookie token to be used, got %d %q", rec.Code, authn.lastToken)
	}
}

func TestAuthenticatePropagatesAuthenticatorError(t *testing.T) {
	authn := &stubAuthenticator{err: apierr.Unauthorized("User account is deactivated")}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer x")
	rec := httptest.NewRecorder()
	Authenticate(authn, nil)(http.NotFoundHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if got := decodeMessage(t, rec); got != "User account is deactivated" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestOptionalAuthenticateIgnoresBadToken(t *testing.T) {
	authn := &stubAuthenticator{err: errors.New("bad")}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer x")
	rec := httptest.NewRecorder()
	OptionalAuthenticate(authn)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := tenancy.PrincipalFromContext(r.Context()); ok {
			t.Fatal("no principal expected")
		}
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthorizeRoles(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mw := Authorize(tenancy.RoleAccountant, tenancy.RoleAdmin)

	req := httptest.NewRequest(http.MethodPost, "/api/payments/x/refund", nil)
	req = req.WithContext(tenancy.WithPrincipal(req.Context(), tenancy.Principal{UserID: uuid.New(), Role: tenancy.RoleNurse}))
	rec := httptest.NewRecorder()
	mw(ok).ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if got := decodeMessage(t, rec); got != "User role 'nurse' is not authorized to access this route" {
		t.Fatalf("unexpected message %q", got)
	}

	req = req.WithContext(tenancy.WithPrincipal(req.Context(), tenancy.Principal{UserID: uuid.New(), Role: tenancy.RoleAccountant}))
	rec = httptest.NewRecorder()
	mw(ok).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mw(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without principal, got %d", rec.Code)
	}
}

func TestAuthenticateWebsocketQueryToken(t *testing.T) {
	authn := &stubAuthenticator{principal: tenancy.Principal{UserID: uuid.New(), Role: tenancy.RolePatient}}
	mw := Authenticate(authn, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/notifications/stream?token=ws-token", nil)
	req.Header.Set("Upgrade", "websocket")
	rec := httptest.NewRecorder()
	mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if authn.lastToken != "ws-token" {
		t.Fatalf("unexpected token %q", authn.lastToken)
	}
}

func TestAuthenticateIgnoresQueryTokenOnPlainRequests(t *testing.T) {
	mw := Authenticate(&stubAuthenticator{}, nil)
	rec := httptest.NewRecorder()
	mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run")
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/notifications?token=leaked", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
