package tenancy

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey string

const (
	principalKey ctxKey = "clinic.principal"
	clinicKey    ctxKey = "clinic.clinic_id"
)

// Roles known to the platform.
const (
	RoleAdmin        = "admin"
	RoleDoctor       = "doctor"
	RoleNurse        = "nurse"
	RoleReceptionist = "receptionist"
	RoleAccountant   = "accountant"
	RolePatient      = "patient"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID uuid.UUID
	Email  string
	Role   string
	Name   string
}

// IsAdmin reports platform-wide access.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// IsStaff reports any clinic staff role.
func (p Principal) IsStaff() bool {
	switch p.Role {
	case RoleDoctor, RoleNurse, RoleReceptionist, RoleAccountant:
		return true
	}
	return false
}

// HasRole reports whether the principal holds one of roles.
func (p Principal) HasRole(roles ...string) bool {
	for _, role := range roles {
		if p.Role == role {
			return true
		}
	}
	return false
}

// WithPrincipal stores the caller in context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext extracts the caller if present.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok && p.UserID != uuid.Nil
}

// WithClinicID stores the clinic a request is scoped to.
func WithClinicID(ctx context.Context, clinicID uuid.UUID) context.Context {
	return context.WithValue(ctx, clinicKey, clinicID)
}

// ClinicIDFromContext extracts the clinic scope if present.
func ClinicIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(clinicKey).(uuid.UUID)
	return id, ok && id != uuid.Nil
}
