package patients

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-platform/internal/apierr"
	"github.com/wolfman30/clinic-platform/internal/auth"
	"github.com/wolfman30/clinic-platform/internal/clinic"
	"github.com/wolfman30/clinic-platform/internal/tenancy"
	"github.com/wolfman30/clinic-platform/pkg/dates"
	"github.com/wolfman30/clinic-platform/pkg/logging"
)

// ClinicAccess is the slice of the clinic service patients depend on.
type ClinicAccess interface {
	Lookup(ctx context.Context, id uuid.UUID) (*clinic.Clinic, error)
	CheckAccess(ctx context.Context, p tenancy.Principal, clinicID uuid.UUID) error
	Scope(ctx context.Context, p tenancy.Principal, requested *uuid.UUID) ([]uuid.UUID, error)
}

type UserDirectory interface {
	GetUser(ctx context.Context, id uuid.UUID) (*auth.User, error)
}

type Service struct {
	repo    Repository
	clinics ClinicAccess
	users   UserDirectory
	logger  *logging.Logger
	now     func() time.Time
}

func NewService(repo Repository, clinics ClinicAccess, users UserDirectory, logger *logging.Logger) *Service {
	if repo == nil {
		panic("patients: repository required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{repo: repo, clinics: clinics, users: users, logger: logger, now: time.Now}
}

type CreateInput struct {
	UserID           uuid.UUID        `json:"userId" validate:"required"`
	ClinicID         uuid.UUID        `json:"clinicId" validate:"required"`
	DateOfBirth      dates.Date       `json:"dateOfBirth" validate:"required"`
	Gender           string           `json:"gender" validate:"required,oneof=male female other"`
	BloodGroup       string           `json:"bloodGroup" validate:"omitempty,oneof=A+ A- B+ B- AB+ AB- O+ O-"`
	EmergencyContact EmergencyContact `json:"emergencyContact"`
	MedicalHistory   MedicalHistory   `json:"medicalHistory"`
	Insurance        Insurance        `json:"insurance"`
	Notes            string           `json:"notes"`
	Tags             []string         `json:"tags"`
}

type UpdateInput struct {
	DateOfBirth      *dates.Date       `json:"dateOfBirth"`
	Gender           *string           `json:"gender" validate:"omitempty,oneof=male female other"`
	BloodGroup       *string           `json:"bloodGroup" validate:"omitempty,oneof=A+ A- B+ B- AB+ AB- O+ O-"`
	EmergencyContact *EmergencyContact `json:"emergencyContact"`
	MedicalHistory   *MedicalHistory   `json:"medicalHistory"`
	Insurance        *Insurance        `json:"insurance"`
	Notes            *string           `json:"notes"`
	Tags             []string          `json:"tags"`
	IsActive         *bool             `json:"isActive"`
}

// ListInput is a listing request before clinic scoping.
type ListInput struct {
	ClinicID   *uuid.UUID
	Search     string
	Gender     string
	BloodGroup string
	IsActive   *bool
	Limit      int
	Offset     int
}

func (s *Service) checkBirthDate(d dates.Date) error {
	if d.After(dates.Today(s.now())) {
		return apierr.Validation(map[string]string{"dateOfBirth": "Date of birth cannot be in the future"})
	}
	return nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func (s *Service) Create(ctx context.Context, actor tenancy.Principal, in CreateInput) (*Patient, error) {
	if err := s.checkBirthDate(in.DateOfBirth); err != nil {
		return nil, err
	}
	user, err := s.users.GetUser(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	c, err := s.clinics.Lookup(ctx, in.ClinicID)
	if err != nil {
		return nil, err
	}
	if err := s.clinics.CheckAccess(ctx, actor, c.ID); err != nil {
		return nil, err
	}

	p := &Patient{
		ID:               uuid.New(),
		UserID:           user.ID,
		ClinicID:         c.ID,
		DateOfBirth:      in.DateOfBirth.Time,
		Gender:           in.Gender,
		BloodGroup:       in.BloodGroup,
		EmergencyContact: in.EmergencyContact,
		MedicalHistory:   in.MedicalHistory,
		Insurance:        in.Insurance,
		Notes:            strings.TrimSpace(in.Notes),
		Tags:             normalizeTags(in.Tags),
		IsActive:         true,
		User: Person{
			ID: user.ID, FirstName: user.FirstName, LastName: user.LastName, Email: user.Email, Phone: user.Phone,
		},
		ClinicName: c.Name,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		if errors.Is(err, ErrAlreadyRegistered) {
			return nil, apierr.BadRequest("Patient already registered at this clinic")
		}
		return nil, err
	}
	s.logger.Info("patient registered", "patient_id", p.ID, "clinic_id", c.ID, "patient_code", p.PatientCode)
	return p, nil
}

func (s *Service) List(ctx context.Context, actor tenancy.Principal, in ListInput) ([]*Patient, int, error) {
	scope, err := s.clinics.Scope(ctx, actor, in.ClinicID)
	if err != nil {
		return nil, 0, err
	}
	return s.repo.List(ctx, Filter{
		ClinicIDs:  scope,
		Search:     in.Search,
		Gender:     in.Gender,
		BloodGroup: in.BloodGroup,
		IsActive:   in.IsActive,
		Limit:      in.Limit,
		Offset:     in.Offset,
	})
}

// Lookup loads a patient without an access check.
func (s *Service) Lookup(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apierr.NotFound("Patient not found")
		}
		return nil, err
	}
	return p, nil
}

// Get loads a patient the caller may see: their own record for patients,
// otherwise any record of a clinic they can access.
func (s *Service) Get(ctx context.Context, actor tenancy.Principal, id uuid.UUID) (*Patient, error) {
	p, err := s.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) authorize(ctx context.Context, actor tenancy.Principal, p *Patient) error {
	if actor.Role == tenancy.RolePatient {
		if p.UserID != actor.UserID {
			return apierr.Forbidden("Not authorized to access this patient")
		}
		return nil
	}
	return s.clinics.CheckAccess(ctx, actor, p.ClinicID)
}

func (s *Service) Update(ctx context.Context, actor tenancy.Principal, id uuid.UUID, in UpdateInput) (*Patient, error) {
	p, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if in.DateOfBirth != nil {
		if err := s.checkBirthDate(*in.DateOfBirth); err != nil {
			return nil, err
		}
		p.DateOfBirth = in.DateOfBirth.Time
	}
	if in.Gender != nil {
		p.Gender = *in.Gender
	}
	if in.BloodGroup != nil {
		p.BloodGroup = *in.BloodGroup
	}
	if in.EmergencyContact != nil {
		p.EmergencyContact = *in.EmergencyContact
	}
	if in.MedicalHistory != nil {
		p.MedicalHistory = *in.MedicalHistory
	}
	if in.Insurance != nil {
		p.Insurance = *in.Insurance
	}
	if in.Notes != nil {
		p.Notes = strings.TrimSpace(*in.Notes)
	}
	if in.Tags != nil {
		p.Tags = normalizeTags(in.Tags)
	}
	if in.IsActive != nil {
		p.IsActive = *in.IsActive
	}
	if err := s.repo.Update(ctx, p); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apierr.NotFound("Patient not found")
		}
		return nil, err
	}
	return p, nil
}

// Delete deactivates the registration.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	p, err := s.Lookup(ctx, id)
	if err != nil {
		return err
	}
	p.IsActive = false
	return s.repo.Update(ctx, p)
}

func (s *Service) MedicalHistory(ctx context.Context, actor tenancy.Principal, id uuid.UUID) (MedicalHistory, error) {
	p, err := s.Get(ctx, actor, id)
	if err != nil {
		return MedicalHistory{}, err
	}
	return p.MedicalHistory, nil
}

// Mine returns the caller's own patient profile.
func (s *Service) Mine(ctx context.Context, actor tenancy.Principal) (*Patient, error) {
	p, err := s.repo.GetByUser(ctx, actor.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apierr.NotFound("Patient profile not found")
		}
		return nil, err
	}
	return p, nil
}

// TouchLastVisit stamps the patient's most recent visit. A missing patient
// is logged and ignored.
func (s *Service) TouchLastVisit(ctx context.Context, id uuid.UUID, at time.Time) {
	if err := s.repo.TouchLastVisit(ctx, id, at); err != nil {
		s.logger.Warn("patients: touch last visit failed", "patient_id", id, "error", err)
	}
}
