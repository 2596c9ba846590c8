package clinic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-platform/internal/apierr"
	"github.com/wolfman30/clinic-platform/internal/auth"
	"github.com/wolfman30/clinic-platform/internal/tenancy"
	"github.com/wolfman30/clinic-platform/pkg/dates"
	"github.com/wolfman30/clinic-platform/pkg/logging"
)

// UserDirectory resolves users referenced by staff operations.
type UserDirectory interface {
	GetUser(ctx context.Context, id uuid.UUID) (*auth.User, error)
}

// Service implements clinic management and the clinic access rule shared
// by every clinic-scoped module.
type Service struct {
	repo   Repository
	stats  *StatsRepository
	cache  *SettingsCache
	users  UserDirectory
	logger *logging.Logger
	now    func() time.Time
}

func NewService(repo Repository, stats *StatsRepository, cache *SettingsCache, users UserDirectory, logger *logging.Logger) *Service {
	if repo == nil {
		panic("clinic: repository required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{repo: repo, stats: stats, cache: cache, users: users, logger: logger, now: time.Now}
}

// CreateInput is the payload for POST /clinics.
type CreateInput struct {
	Name         string       `json:"name" validate:"required,min=2,max=100"`
	Description  string       `json:"description" validate:"max=500"`
	Email        string       `json:"email" validate:"required,email"`
	Phone        string       `json:"phone" validate:"required,min=7,max=20"`
	Website      string       `json:"website" validate:"omitempty,url"`
	Logo         string       `json:"logo" validate:"omitempty,url"`
	Address      Address      `json:"address"`
	WorkingHours []WorkingDay `json:"workingHours" validate:"dive"`
	Specialties  []string     `json:"specialties"`
	Settings     *Settings    `json:"settings"`
}

// UpdateInput carries optional clinic changes.
type UpdateInput struct {
	Name         *string      `json:"name" validate:"omitempty,min=2,max=100"`
	Description  *string      `json:"description" validate:"omitempty,max=500"`
	Email        *string      `json:"email" validate:"omitempty,email"`
	Phone        *string      `json:"phone" validate:"omitempty,min=7,max=20"`
	Website      *string      `json:"website" validate:"omitempty,url"`
	Logo         *string      `json:"logo" validate:"omitempty,url"`
	Address      *Address     `json:"address"`
	WorkingHours []WorkingDay `json:"workingHours" validate:"omitempty,dive"`
	Specialties  []string     `json:"specialties"`
	Settings     *Settings    `json:"settings"`
}

// StaffInput is the payload for POST /clinics/{id}/staff.
type StaffInput struct {
	UserID      uuid.UUID `json:"userId" validate:"required"`
	Role        string    `json:"role" validate:"required,oneof=doctor receptionist accountant nurse"`
	Permissions []string  `json:"permissions"`
}

func mergeSettings(in *Settings) Settings {
	s := DefaultSettings()
	if in == nil {
		return s
	}
	if in.AppointmentDuration > 0 {
		s.AppointmentDuration = in.AppointmentDuration
	}
	s.AllowOnlineBooking = in.AllowOnlineBooking
	s.RequireApproval = in.RequireApproval
	s.SendReminders = in.SendReminders
	if len(in.ReminderTiming) > 0 {
		s.ReminderTiming = in.ReminderTiming
	}
	if in.Currency != "" {
		s.Currency = strings.ToUpper(in.Currency)
	}
	if in.Timezone != "" {
		s.Timezone = in.Timezone
	}
	return s
}

func (s *Service) Create(ctx context.Context, owner tenancy.Principal, in CreateInput) (*Clinic, error) {
	specialties := in.Specialties
	if specialties == nil {
		specialties = []string{}
	}
	hours := in.WorkingHours
	if hours == nil {
		hours = []WorkingDay{}
	}
	c := &Clinic{
		ID:           uuid.New(),
		Name:         strings.TrimSpace(in.Name),
		Description:  strings.TrimSpace(in.Description),
		OwnerID:      owner.UserID,
		Logo:         in.Logo,
		Address:      in.Address,
		Contact:      Contact{Phone: in.Phone, Email: strings.ToLower(strings.TrimSpace(in.Email)), Website: in.Website},
		WorkingHours: hours,
		Specialties:  specialties,
		Settings:     mergeSettings(in.Settings),
		Staff:        []StaffMember{},
		Subscription: Subscription{Plan: "free", Status: "active"},
		IsActive:     true,
	}
	if err := s.repo.Create(ctx, c); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return nil, apierr.BadRequest("Clinic with this email already exists")
		}
		return nil, err
	}
	s.logger.Info("clinic created", "clinic_id", c.ID, "owner_id", owner.UserID)
	return c, nil
}

func (s *Service) List(ctx context.Context, filter Filter) ([]*Clinic, int, error) {
	return s.repo.List(ctx, filter)
}

// Lookup loads a clinic without an access check.
func (s *Service) Lookup(ctx context.Context, id uuid.UUID) (*Clinic, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apierr.NotFound("Clinic not found")
		}
		return nil, err
	}
	return c, nil
}

func (s *Service) Get(ctx context.Context, p tenancy.Principal, id uuid.UUID) (*Clinic, error) {
	c, err := s.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.CheckAccess(ctx, p, id); err != nil {
		return nil, err
	}
	return c, nil
}

// CheckAccess enforces the clinic access rule: admins always, otherwise the
// owner, an active staff member or a registered patient.
func (s *Service) CheckAccess(ctx context.Context, p tenancy.Principal, clinicID uuid.UUID) error {
	if p.IsAdmin() {
		return nil
	}
	ok, err := s.repo.HasAccess(ctx, clinicID, p.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return apierr.Forbidden("You do not have access to this clinic")
	}
	return nil
}

// Scope resolves which clinics a listing may read. A nil result means no
// restriction (admins without a requested clinic). A requested clinic is
// access checked; otherwise the caller's own clinics are used.
func (s *Service) Scope(ctx context.Context, p tenancy.Principal, requested *uuid.UUID) ([]uuid.UUID, error) {
	if requested != nil {
		if err := s.CheckAccess(ctx, p, *requested); err != nil {
			return nil, err
		}
		return []uuid.UUID{*requested}, nil
	}
	if p.IsAdmin() {
		return nil, nil
	}
	clinics, err := s.repo.ForUser(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(clinics))
	for _, c := range clinics {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (s *Service) requireOwner(ctx context.Context, p tenancy.Principal, id uuid.UUID, message string) (*Clinic, error) {
	c, err := s.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsAdmin() && c.OwnerID != p.UserID {
		return nil, apierr.Forbidden(message)
	}
	return c, nil
}

func (s *Service) Update(ctx context.Context, p tenancy.Principal, id uuid.UUID, in UpdateInput) (*Clinic, error) {
	c, err := s.requireOwner(ctx, p, id, "Not authorized to update this clinic")
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		c.Name = strings.TrimSpace(*in.Name)
	}
	if in.Description != nil {
		c.Description = strings.TrimSpace(*in.Description)
	}
	if in.Email != nil {
		c.Contact.Email = strings.ToLower(strings.TrimSpace(*in.Email))
	}
	if in.Phone != nil {
		c.Contact.Phone = *in.Phone
	}
	if in.Website != nil {
		c.Contact.Website = *in.Website
	}
	if in.Logo != nil {
		c.Logo = *in.Logo
	}
	if in.Address != nil {
		c.Address = *in.Address
	}
	if in.WorkingHours != nil {
		c.WorkingHours = in.WorkingHours
	}
	if in.Specialties != nil {
		c.Specialties = in.Specialties
	}
	if in.Settings != nil {
		c.Settings = mergeSettings(in.Settings)
	}
	if err := s.repo.Update(ctx, c); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return nil, apierr.BadRequest("Clinic with this email already exists")
		}
		return nil, err
	}
	s.invalidate(ctx, id)
	return c, nil
}

// Delete deactivates the clinic.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	c, err := s.Lookup(ctx, id)
	if err != nil {
		return err
	}
	c.IsActive = false
	if err := s.repo.Update(ctx, c); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

func (s *Service) AddStaff(ctx context.Context, p tenancy.Principal, id uuid.UUID, in StaffInput) (*Clinic, error) {
	if _, err := s.requireOwner(ctx, p, id, "Not authorized to add staff to this clinic"); err != nil {
		return nil, err
	}
	if s.users != nil {
		if _, err := s.users.GetUser(ctx, in.UserID); err != nil {
			return nil, err
		}
	}
	perms := in.Permissions
	if perms == nil {
		perms = []string{}
	}
	member := StaffMember{UserID: in.UserID, Role: in.Role, Permissions: perms, IsActive: true, AddedAt: s.now().UTC()}
	if err := s.repo.AddStaff(ctx, id, member); err != nil {
		if errors.Is(err, ErrAlreadyStaff) {
			return nil, apierr.BadRequest("User is already a staff member")
		}
		return nil, err
	}
	return s.Lookup(ctx, id)
}

func (s *Service) RemoveStaff(ctx context.Context, p tenancy.Principal, id, userID uuid.UUID) error {
	if _, err := s.requireOwner(ctx, p, id, "Not authorized to remove staff from this clinic"); err != nil {
		return err
	}
	if err := s.repo.RemoveStaff(ctx, id, userID); err != nil {
		if errors.Is(err, ErrStaffNotFound) {
			return apierr.NotFound("Staff member not found")
		}
		return err
	}
	return nil
}

func (s *Service) Stats(ctx context.Context, p tenancy.Principal, id uuid.UUID) (*Stats, error) {
	c, err := s.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if s.stats == nil {
		return nil, fmt.Errorf("clinic: stats repository not configured")
	}
	stats, err := s.stats.GetStats(ctx, id, dates.Today(s.now()))
	if err != nil {
		return nil, err
	}
	stats.Staff.Total = len(c.Staff)
	for _, m := range c.Staff {
		if m.IsActive {
			stats.Staff.Active++
		}
	}
	return stats, nil
}

func (s *Service) MyClinics(ctx context.Context, p tenancy.Principal) ([]*Clinic, error) {
	return s.repo.ForUser(ctx, p.UserID)
}

// Settings returns the clinic's settings, served from Redis when possible.
// Cache failures fall through to Postgres.
func (s *Service) Settings(ctx context.Context, clinicID uuid.UUID) (Settings, error) {
	if s.cache != nil {
		settings, ok, err := s.cache.Get(ctx, clinicID)
		if err != nil {
			s.logger.Warn("clinic settings cache read failed", "clinic_id", clinicID, "error", err)
		} else if ok {
			return settings, nil
		}
	}
	settings, err := s.repo.Settings(ctx, clinicID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return settings, apierr.NotFound("Clinic not found")
		}
		return settings, err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, clinicID, settings); err != nil {
			s.logger.Warn("clinic settings cache write failed", "clinic_id", clinicID, "error", err)
		}
	}
	return settings, nil
}

func (s *Service) invalidate(ctx context.Context, clinicID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, clinicID); err != nil {
		s.logger.Warn("clinic settings cache invalidate failed", "clinic_id", clinicID, "error", err)
	}
}
