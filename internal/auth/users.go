package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-platform/internal/apierr"
)

// ListUsers returns a filtered page of users.
func (s *Service) ListUsers(ctx context.Context, filter UserFilter) ([]*User, int, error) {
	return s.repo.List(ctx, filter)
}

// GetUser loads a user by id.
func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.get(ctx, id)
}

// UpdateUser applies an administrative profile edit. Unlike the self-service
// profile, the email may change here.
func (s *Service) UpdateUser(ctx context.Context, id uuid.UUID, in UserUpdate) (*User, error) {
	user, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Email != nil && strings.TrimSpace(*in.Email) != "" {
		user.Email = normalizeEmail(*in.Email)
	}
	applyUpdate(user, in)
	if err := s.repo.Update(ctx, user); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return nil, apierr.BadRequest("User already exists with this email")
		}
		return nil, err
	}
	s.cache.Remove(id)
	return user, nil
}

func (s *Service) UpdateRole(ctx context.Context, actorID, id uuid.UUID, role string) (*User, error) {
	if !ValidRole(role) {
		return nil, apierr.BadRequest("Invalid role")
	}
	user, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID == id {
		return nil, apierr.BadRequest("You cannot change your own role")
	}
	user.Role = role
	if err := s.repo.Update(ctx, user); err != nil {
		return nil, err
	}
	s.cache.Remove(id)
	return user, nil
}

func (s *Service) UpdateStatus(ctx context.Context, actorID, id uuid.UUID, active bool) (*User, error) {
	user, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID == id {
		return nil, apierr.BadRequest("You cannot deactivate your own account")
	}
	user.IsActive = active
	if !active {
		user.RefreshTokenHash = ""
	}
	if err := s.repo.Update(ctx, user); err != nil {
		return nil, err
	}
	s.cache.Remove(id)
	return user, nil
}

// DeleteUser deactivates the account; rows are never removed.
func (s *Service) DeleteUser(ctx context.Context, actorID, id uuid.UUID) error {
	user, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if actorID == id {
		return apierr.BadRequest("You cannot delete your own account")
	}
	user.IsActive = false
	user.RefreshTokenHash = ""
	if err := s.repo.Update(ctx, user); err != nil {
		return err
	}
	s.cache.Remove(id)
	return nil
}

func (s *Service) UserStats(ctx context.Context) (Stats, error) {
	return s.repo.Stats(ctx)
}

// SearchUsers matches active users by name or email, capped at ten.
func (s *Service) SearchUsers(ctx context.Context, query, role string) ([]*User, error) {
	query = strings.TrimSpace(query)
	if len(query) < 2 {
		return nil, apierr.BadRequest("Search query must be at least 2 characters")
	}
	active := true
	users, _, err := s.repo.List(ctx, UserFilter{Search: query, Role: role, IsActive: &active, Limit: 10})
	return users, err
}
