package auth

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-platform/internal/tenancy"
)

// User is an account on the platform. Secrets never leave the service.
type User struct {
	ID              uuid.UUID  `json:"id"`
	Email           string     `json:"email"`
	FirstName       string     `json:"firstName"`
	LastName        string     `json:"lastName"`
	Phone           string     `json:"phone,omitempty"`
	Role            string     `json:"role"`
	Avatar          string     `json:"avatar,omitempty"`
	IsActive        bool       `json:"isActive"`
	IsEmailVerified bool       `json:"isEmailVerified"`
	LastLogin       *time.Time `json:"lastLogin,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`

	PasswordHash         string     `json:"-"`
	RefreshTokenHash     string     `json:"-"`
	VerificationHash     string     `json:"-"`
	VerificationExpires  *time.Time `json:"-"`
	PasswordResetHash    string     `json:"-"`
	PasswordResetExpires *time.Time `json:"-"`
}

// FullName joins first and last name.
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Principal converts the user into the request principal.
func (u *User) Principal() tenancy.Principal {
	return tenancy.Principal{UserID: u.ID, Email: u.Email, Role: u.Role, Name: u.FullName()}
}

var validRoles = map[string]bool{
	tenancy.RoleAdmin:        true,
	tenancy.RoleDoctor:       true,
	tenancy.RoleNurse:        true,
	tenancy.RoleReceptionist: true,
	tenancy.RoleAccountant:   true,
	tenancy.RolePatient:      true,
}

// ValidRole reports whether role is a known role.
func ValidRole(role string) bool { return validRoles[role] }

// UserFilter narrows user listings.
type UserFilter struct {
	Role     string
	Search   string
	IsActive *bool
	Limit    int
	Offset   int
}

// UserUpdate carries optional profile changes.
type UserUpdate struct {
	Email     *string
	FirstName *string
	LastName  *string
	Phone     *string
	Avatar    *string
}

// Stats summarises the user base.
type Stats struct {
	Total    int            `json:"totalUsers"`
	Active   int            `json:"activeUsers"`
	Inactive int            `json:"inactiveUsers"`
	ByRole   map[string]int `json:"byRole"`
}
