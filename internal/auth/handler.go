package auth

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-platform/internal/http/bind"
	"github.com/wolfman30/clinic-platform/internal/http/respond"
	"github.com/wolfman30/clinic-platform/pkg/logging"
	"github.com/wolfman30/clinic-platform/pkg/pagination"
)

const refreshCookie = "refreshToken"

// Handler serves /api/auth and /api/users.
type Handler struct {
	service      *Service
	secureCookie bool
	logger       *logging.Logger
}

func NewHandler(service *Service, secureCookie bool, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, secureCookie: secureCookie, logger: logger}
}

type sessionResponse struct {
	User        *User  `json:"user"`
	AccessToken string `json:"accessToken"`
}

func (h *Handler) writeSession(w http.ResponseWriter, status int, message string, session *Session) {
	h.setRefreshCookie(w, session.Tokens.RefreshToken, h.service.RefreshTTL())
	respond.Success(w, status, message, sessionResponse{User: session.User, AccessToken: session.Tokens.AccessToken})
}

func (h *Handler) setRefreshCookie(w http.ResponseWriter, value string, ttl time.Duration) {
	cookie := &http.Cookie{
		Name:     refreshCookie,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteStrictMode,
	}
	if value == "" {
		cookie.MaxAge = -1
	} else {
		cookie.MaxAge = int(ttl.Seconds())
	}
	http.SetCookie(w, cookie)
}

// Register handles POST /api/auth/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterInput
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	session, err := h.service.Register(r.Context(), req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	h.writeSession(w, http.StatusCreated, "User registered successfully", session)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	session, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	h.writeSession(w, http.StatusOK, "Login successful", session)
}

// RefreshToken handles POST /api/auth/refresh-token using the cookie.
func (h *Handler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var token string
	if c, err := r.Cookie(refreshCookie); err == nil {
		token = c.Value
	}
	session, err := h.service.Refresh(r.Context(), token)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	h.setRefreshCookie(w, session.Tokens.RefreshToken, h.service.RefreshTTL())
	respond.Success(w, http.StatusOK, "Token refreshed successfully", map[string]string{
		"accessToken": session.Tokens.AccessToken,
	})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	if err := h.service.Logout(r.Context(), p.UserID); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	h.setRefreshCookie(w, "", 0)
	respond.Success(w, http.StatusOK, "Logout successful", nil)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	user, err := h.service.Me(r.Context(), p.UserID)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "User retrieved successfully", map[string]any{"user": user})
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	if err := h.service.VerifyEmail(r.Context(), chi.URLParam(r, "token")); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Email verified successfully", nil)
}

func (h *Handler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	if err := h.service.ResendVerification(r.Context(), p.UserID); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Verification email sent successfully", nil)
}

type forgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	if err := h.service.ForgotPassword(r.Context(), req.Email); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "If an account exists, password reset email has been sent", nil)
}

type resetPasswordRequest struct {
	Password        string `json:"password" validate:"required,min=8"`
	ConfirmPassword string `json:"confirmPassword" validate:"required,eqfield=Password"`
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	if err := h.service.ResetPassword(r.Context(), chi.URLParam(r, "token"), req.Password); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Password reset successful", nil)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8,nefield=CurrentPassword"`
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	var req changePasswordRequest
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	if err := h.service.ChangePassword(r.Context(), p.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	h.setRefreshCookie(w, "", 0)
	respond.Success(w, http.StatusOK, "Password changed successfully", nil)
}

type profileRequest struct {
	Email     *string `json:"email" validate:"omitempty,email"`
	FirstName *string `json:"firstName" validate:"omitempty,min=2,max=50"`
	LastName  *string `json:"lastName" validate:"omitempty,min=2,max=50"`
	Phone     *string `json:"phone" validate:"omitempty,min=7,max=20"`
	Avatar    *string `json:"avatar" validate:"omitempty,url"`
}

func (req profileRequest) update() UserUpdate {
	return UserUpdate{Email: req.Email, FirstName: req.FirstName, LastName: req.LastName, Phone: req.Phone, Avatar: req.Avatar}
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	var req profileRequest
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	upd := req.update()
	upd.Email = nil
	user, err := h.service.UpdateProfile(r.Context(), p.UserID, upd)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Profile updated successfully", map[string]any{"user": user})
}

// ListUsers handles GET /api/users.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	page := pagination.FromRequest(r)
	q := r.URL.Query()
	users, total, err := h.service.ListUsers(r.Context(), UserFilter{
		Role:     q.Get("role"),
		Search:   q.Get("search"),
		IsActive: bind.OptionalBool(r, "isActive"),
		Limit:    page.Limit,
		Offset:   page.Offset(),
	})
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	if users == nil {
		users = []*User{}
	}
	respond.Page(w, "Users retrieved successfully", users, pagination.NewMeta(page, total))
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, err := bind.UUIDParam(r, "id")
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	user, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "User retrieved successfully", map[string]any{"user": user})
}

func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := bind.UUIDParam(r, "id")
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	var req profileRequest
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	user, err := h.service.UpdateUser(r.Context(), id, req.update())
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "User updated successfully", map[string]any{"user": user})
}

type roleRequest struct {
	Role string `json:"role" validate:"required,oneof=admin doctor nurse receptionist accountant patient"`
}

func (h *Handler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	id, err := bind.UUIDParam(r, "id")
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	var req roleRequest
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	user, err := h.service.UpdateRole(r.Context(), p.UserID, id, req.Role)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "User role updated successfully", map[string]any{"user": user})
}

type statusRequest struct {
	IsActive *bool `json:"isActive" validate:"required"`
}

func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	id, err := bind.UUIDParam(r, "id")
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	var req statusRequest
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	user, err := h.service.UpdateStatus(r.Context(), p.UserID, id, *req.IsActive)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "User status updated successfully", map[string]any{"user": user})
}

func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	id, err := bind.UUIDParam(r, "id")
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	if err := h.service.DeleteUser(r.Context(), p.UserID, id); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "User deactivated successfully", nil)
}

func (h *Handler) UserStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.UserStats(r.Context())
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "User statistics retrieved successfully", stats)
}

func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.SearchUsers(r.Context(), r.URL.Query().Get("query"), r.URL.Query().Get("role"))
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	if users == nil {
		users = []*User{}
	}
	respond.Success(w, http.StatusOK, "Users found successfully", map[string]any{"users": users})
}
