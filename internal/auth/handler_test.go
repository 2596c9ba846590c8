package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-platform/internal/tenancy"
)

func TestHandlerRegisterSetsRefreshCookie(t *testing.T) {
	svc, _, _ := newTestService(t)
	h := NewHandler(svc, false, nil)

	body := `{"email":"ada@example.com","password":"password123","firstName":"Ada","lastName":"Lovelace","phone":"+15550001111"}`
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Register(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			User        map[string]any `json:"user"`
			AccessToken string         `json:"accessToken"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.Data.AccessToken)
	assert.NotContains(t, resp.Data.User, "PasswordHash")

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, refreshCookie, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
}

func TestHandlerRegisterValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	h := NewHandler(svc, false, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(`{"email":"bad","password":"short"}`))
	rec := httptest.NewRecorder()
	h.Register(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp struct {
		Message string            `json:"message"`
		Errors  map[string]string `json:"errors"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "Validation failed", resp.Message)
	assert.Contains(t, resp.Errors, "email")
	assert.Contains(t, resp.Errors, "password")
}

func TestHandlerRegisterRejectsAdminRole(t *testing.T) {
	svc, _, _ := newTestService(t)
	h := NewHandler(svc, false, nil)

	body := `{"email":"ada@example.com","password":"password123","firstName":"Ada","lastName":"Lovelace","phone":"+15550001111","role":"admin"}`
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Register(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerMeRequiresPrincipal(t *testing.T) {
	svc, _, _ := newTestService(t)
	h := NewHandler(svc, false, nil)

	rec := httptest.NewRecorder()
	h.Me(rec, httptest.NewRequest(http.MethodGet, "/api/auth/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	session, err := svc.Register(t.Context(), registerInput("ada@example.com"))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req = req.WithContext(tenancy.WithPrincipal(req.Context(), session.User.Principal()))
	rec = httptest.NewRecorder()
	h.Me(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
