package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Claims are carried by both access and refresh tokens.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// TokenPair is returned on login, registration and refresh.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"-"`
}

// TokenConfig configures the issuer.
type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
}

// TokenIssuer signs and verifies HS256 access/refresh tokens.
type TokenIssuer struct {
	cfg TokenConfig
	now func() time.Time
}

func NewTokenIssuer(cfg TokenConfig) (*TokenIssuer, error) {
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		return nil, errors.New("auth: access and refresh secrets are required")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 7 * 24 * time.Hour
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "clinic-platform"
	}
	return &TokenIssuer{cfg: cfg, now: time.Now}, nil
}

// RefreshTTL exposes the refresh lifetime for cookie expiry.
func (t *TokenIssuer) RefreshTTL() time.Duration { return t.cfg.RefreshTTL }

// Issue signs a new access/refresh pair for user.
func (t *TokenIssuer) Issue(user *User) (TokenPair, error) {
	access, err := t.sign(user, t.cfg.AccessSecret, t.cfg.AccessTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("auth: sign access token: %w", err)
	}
	refresh, err := t.sign(user, t.cfg.RefreshSecret, t.cfg.RefreshTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("auth: sign refresh token: %w", err)
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// ParseAccess verifies an access token.
func (t *TokenIssuer) ParseAccess(token string) (*Claims, error) {
	return t.parse(token, t.cfg.AccessSecret)
}

// ParseRefresh verifies a refresh token.
func (t *TokenIssuer) ParseRefresh(token string) (*Claims, error) {
	return t.parse(token, t.cfg.RefreshSecret)
}

func (t *TokenIssuer) sign(user *User, secret string, ttl time.Duration) (string, error) {
	now := t.now()
	claims := Claims{
		Email: user.Email,
		Role:  user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			Issuer:    t.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func (t *TokenIssuer) parse(tokenString, secret string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}, jwt.WithTimeFunc(t.now), jwt.WithIssuer(t.cfg.Issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// UserID extracts the subject as a UUID.
func (c *Claims) UserID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}
	return id, nil
}

// HashPassword hashes a plaintext password with bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword compares a plaintext password with its hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// NewOpaqueToken returns a random hex token and its SHA-256 digest.
func NewOpaqueToken() (token, digest string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("auth: random token: %w", err)
	}
	token = hex.EncodeToString(buf)
	return token, HashToken(token), nil
}

// HashToken digests an opaque token for storage.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
