package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/wolfman30/clinic-platform/internal/apierr"
	"github.com/wolfman30/clinic-platform/internal/tenancy"
	"github.com/wolfman30/clinic-platform/pkg/logging"
)

const (
	verificationTTL  = 24 * time.Hour
	passwordResetTTL = time.Hour
)

// AccountMailer delivers account lifecycle emails. Tokens are passed in the
// clear; only their digests are stored.
type AccountMailer interface {
	SendVerification(ctx context.Context, user *User, token string) error
	SendWelcome(ctx context.Context, user *User) error
	SendPasswordReset(ctx context.Context, user *User, token string) error
	SendPasswordChanged(ctx context.Context, user *User) error
}

// ServiceConfig tunes the auth service.
type ServiceConfig struct {
	UserCacheSize int
	UserCacheTTL  time.Duration
}

// Service implements registration, sessions and user administration.
type Service struct {
	repo   Repository
	tokens *TokenIssuer
	mailer AccountMailer
	cache  *expirable.LRU[uuid.UUID, *User]
	logger *logging.Logger
	now    func() time.Time
}

func NewService(repo Repository, tokens *TokenIssuer, mailer AccountMailer, cfg ServiceConfig, logger *logging.Logger) *Service {
	if repo == nil {
		panic("auth: repository required")
	}
	if tokens == nil {
		panic("auth: token issuer required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.UserCacheSize <= 0 {
		cfg.UserCacheSize = 1024
	}
	if cfg.UserCacheTTL <= 0 {
		cfg.UserCacheTTL = time.Minute
	}
	return &Service{
		repo:   repo,
		tokens: tokens,
		mailer: mailer,
		cache:  expirable.NewLRU[uuid.UUID, *User](cfg.UserCacheSize, nil, cfg.UserCacheTTL),
		logger: logger,
		now:    time.Now,
	}
}

// WithMailer sets the account mailer after construction, for when the mailer
// itself depends on this service.
func (s *Service) WithMailer(m AccountMailer) *Service {
	s.mailer = m
	return s
}

// RegisterInput is the public sign-up payload.
type RegisterInput struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=8"`
	FirstName string `json:"firstName" validate:"required,min=2,max=50"`
	LastName  string `json:"lastName" validate:"required,min=2,max=50"`
	Phone     string `json:"phone" validate:"required,min=7,max=20"`
	Role      string `json:"role" validate:"omitempty,oneof=doctor receptionist accountant nurse patient"`
}

// Session is the result of a successful sign-in.
type Session struct {
	User   *User
	Tokens TokenPair
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (*Session, error) {
	email := normalizeEmail(in.Email)
	if _, err := s.repo.GetByEmail(ctx, email); err == nil {
		return nil, apierr.BadRequest("User already exists with this email")
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	role := in.Role
	if role == "" {
		role = tenancy.RolePatient
	}
	token, digest, err := NewOpaqueToken()
	if err != nil {
		return nil, err
	}
	expires := s.now().Add(verificationTTL)
	user := &User{
		ID:                  uuid.New(),
		Email:               email,
		FirstName:           strings.TrimSpace(in.FirstName),
		LastName:            strings.TrimSpace(in.LastName),
		Phone:               strings.TrimSpace(in.Phone),
		Role:                role,
		IsActive:            true,
		PasswordHash:        hash,
		VerificationHash:    digest,
		VerificationExpires: &expires,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return nil, apierr.BadRequest("User already exists with this email")
		}
		return nil, err
	}

	if s.mailer != nil {
		if err := s.mailer.SendVerification(ctx, user, token); err != nil {
			s.logger.Warn("failed to send verification email", "user_id", user.ID, "error", err)
		}
	}
	return s.startSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	user, err := s.repo.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, apierr.Unauthorized("Invalid email or password")
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, apierr.Forbidden("Your account has been deactivated")
	}
	if !CheckPassword(user.PasswordHash, password) {
		return nil, apierr.Unauthorized("Invalid email or password")
	}
	now := s.now().UTC()
	user.LastLogin = &now
	return s.startSession(ctx, user)
}

// startSession issues a token pair and stores the refresh digest.
func (s *Service) startSession(ctx context.Context, user *User) (*Session, error) {
	pair, err := s.tokens.Issue(user)
	if err != nil {
		return nil, err
	}
	user.RefreshTokenHash = HashToken(pair.RefreshToken)
	if err := s.repo.Update(ctx, user); err != nil {
		return nil, err
	}
	s.cache.Remove(user.ID)
	return &Session{User: user, Tokens: pair}, nil
}

// Refresh rotates the token pair when the presented refresh token is the
// one last issued to the user.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, apierr.Unauthorized("Refresh token not provided")
	}
	claims, err := s.tokens.ParseRefresh(refreshToken)
	if err != nil {
		return nil, apierr.Unauthorized("Invalid refresh token").Wrap(err)
	}
	id, err := claims.UserID()
	if err != nil {
		return nil, apierr.Unauthorized("Invalid refresh token")
	}
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, apierr.Unauthorized("Invalid refresh token")
		}
		return nil, err
	}
	if user.RefreshTokenHash == "" || user.RefreshTokenHash != HashToken(refreshToken) || !user.IsActive {
		return nil, apierr.Unauthorized("Invalid refresh token")
	}
	return s.startSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, userID uuid.UUID) error {
	user, err := s.get(ctx, userID)
	if err != nil {
		return err
	}
	user.RefreshTokenHash = ""
	if err := s.repo.Update(ctx, user); err != nil {
		return err
	}
	s.cache.Remove(userID)
	return nil
}

// Me returns the current user.
func (s *Service) Me(ctx context.Context, userID uuid.UUID) (*User, error) {
	return s.get(ctx, userID)
}

func (s *Service) UpdateProfile(ctx context.Context, userID uuid.UUID, in UserUpdate) (*User, error) {
	user, err := s.get(ctx, userID)
	if err != nil {
		return nil, err
	}
	applyUpdate(user, in)
	if err := s.repo.Update(ctx, user); err != nil {
		return nil, err
	}
	s.cache.Remove(userID)
	return user, nil
}

func applyUpdate(user *User, in UserUpdate) {
	if in.FirstName != nil && *in.FirstName != "" {
		user.FirstName = strings.TrimSpace(*in.FirstName)
	}
	if in.LastName != nil && *in.LastName != "" {
		user.LastName = strings.TrimSpace(*in.LastName)
	}
	if in.Phone != nil && *in.Phone != "" {
		user.Phone = strings.TrimSpace(*in.Phone)
	}
	if in.Avatar != nil && *in.Avatar != "" {
		user.Avatar = strings.TrimSpace(*in.Avatar)
	}
}

// ChangePassword replaces the password and revokes the refresh token.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, current, next string) error {
	user, err := s.get(ctx, userID)
	if err != nil {
		return err
	}
	if !CheckPassword(user.PasswordHash, current) {
		return apierr.Unauthorized("Current password is incorrect")
	}
	if err := s.setPassword(ctx, user, next); err != nil {
		return err
	}
	s.notifyPasswordChanged(ctx, user)
	return nil
}

// ForgotPassword issues a one hour reset token. Unknown emails succeed
// silently so callers cannot probe for accounts.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	user, err := s.repo.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil
		}
		return err
	}
	token, digest, err := NewOpaqueToken()
	if err != nil {
		return err
	}
	expires := s.now().Add(passwordResetTTL)
	user.PasswordResetHash = digest
	user.PasswordResetExpires = &expires
	if err := s.repo.Update(ctx, user); err != nil {
		return err
	}
	if s.mailer == nil {
		return nil
	}
	if err := s.mailer.SendPasswordReset(ctx, user, token); err != nil {
		user.PasswordResetHash = ""
		user.PasswordResetExpires = nil
		if uerr := s.repo.Update(ctx, user); uerr != nil {
			s.logger.Error("failed to clear reset token", "user_id", user.ID, "error", uerr)
		}
		return apierr.Internal("Failed to send password reset email").Wrap(err)
	}
	return nil
}

func (s *Service) ResetPassword(ctx context.Context, token, password string) error {
	user, err := s.repo.GetByResetHash(ctx, HashToken(token), s.now())
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return apierr.BadRequest("Invalid or expired reset token")
		}
		return err
	}
	user.PasswordResetHash = ""
	user.PasswordResetExpires = nil
	if err := s.setPassword(ctx, user, password); err != nil {
		return err
	}
	s.notifyPasswordChanged(ctx, user)
	return nil
}

func (s *Service) setPassword(ctx context.Context, user *User, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	user.RefreshTokenHash = ""
	if err := s.repo.Update(ctx, user); err != nil {
		return err
	}
	s.cache.Remove(user.ID)
	return nil
}

func (s *Service) notifyPasswordChanged(ctx context.Context, user *User) {
	if s.mailer == nil {
		return
	}
	if err := s.mailer.SendPasswordChanged(ctx, user); err != nil {
		s.logger.Warn("failed to send password changed email", "user_id", user.ID, "error", err)
	}
}

func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	user, err := s.repo.GetByVerificationHash(ctx, HashToken(token), s.now())
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return apierr.BadRequest("Invalid or expired verification token")
		}
		return err
	}
	user.IsEmailVerified = true
	user.VerificationHash = ""
	user.VerificationExpires = nil
	if err := s.repo.Update(ctx, user); err != nil {
		return err
	}
	s.cache.Remove(user.ID)
	if s.mailer != nil {
		if err := s.mailer.SendWelcome(ctx, user); err != nil {
			s.logger.Warn("failed to send welcome email", "user_id", user.ID, "error", err)
		}
	}
	return nil
}

func (s *Service) ResendVerification(ctx context.Context, userID uuid.UUID) error {
	user, err := s.get(ctx, userID)
	if err != nil {
		return err
	}
	if user.IsEmailVerified {
		return apierr.BadRequest("Email is already verified")
	}
	token, digest, err := NewOpaqueToken()
	if err != nil {
		return err
	}
	expires := s.now().Add(verificationTTL)
	user.VerificationHash = digest
	user.VerificationExpires = &expires
	if err := s.repo.Update(ctx, user); err != nil {
		return err
	}
	if s.mailer == nil {
		return nil
	}
	if err := s.mailer.SendVerification(ctx, user, token); err != nil {
		return apierr.Internal("Failed to send verification email").Wrap(err)
	}
	return nil
}

// Authenticate resolves an access token to an active principal. Users are
// served from the LRU until they expire or are mutated.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (tenancy.Principal, error) {
	claims, err := s.tokens.ParseAccess(accessToken)
	if err != nil {
		return tenancy.Principal{}, apierr.Unauthorized("Not authorized, invalid token").Wrap(err)
	}
	id, err := claims.UserID()
	if err != nil {
		return tenancy.Principal{}, apierr.Unauthorized("Not authorized, invalid token")
	}
	user, ok := s.cache.Get(id)
	if !ok {
		user, err = s.repo.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				return tenancy.Principal{}, apierr.Unauthorized("User not found")
			}
			return tenancy.Principal{}, err
		}
		s.cache.Add(id, user)
	}
	if !user.IsActive {
		return tenancy.Principal{}, apierr.Unauthorized("User account is deactivated")
	}
	return user.Principal(), nil
}

// RefreshTTL is the lifetime of the refresh cookie.
func (s *Service) RefreshTTL() time.Duration { return s.tokens.RefreshTTL() }

func (s *Service) get(ctx context.Context, id uuid.UUID) (*User, error) {
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, apierr.NotFound("User not found")
		}
		return nil, fmt.Errorf("auth: load user: %w", err)
	}
	return user, nil
}
