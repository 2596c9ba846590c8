package patients

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-platform/internal/apierr"
	"github.com/wolfman30/clinic-platform/internal/auth"
	"github.com/wolfman30/clinic-platform/internal/clinic"
	"github.com/wolfman30/clinic-platform/internal/tenancy"
	"github.com/wolfman30/clinic-platform/pkg/dates"
)

type memoryRepo struct {
	mu       sync.Mutex
	patients map[uuid.UUID]*Patient
	counters map[uuid.UUID]int
	filters  []Filter
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{patients: map[uuid.UUID]*Patient{}, counters: map[uuid.UUID]int{}}
}

func (m *memoryRepo) Create(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.patients {
		if existing.ClinicID == p.ClinicID && existing.UserID == p.UserID {
			return ErrAlreadyRegistered
		}
	}
	m.counters[p.ClinicID]++
	p.PatientCode = PatientCode(p.ClinicID, m.counters[p.ClinicID])
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

func (m *memoryRepo) Get(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memoryRepo) GetByUser(_ context.Context, userID uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.patients {
		if p.UserID == userID && p.IsActive {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memoryRepo) Update(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

func (m *memoryRepo) List(_ context.Context, f Filter) ([]*Patient, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters = append(m.filters, f)
	return []*Patient{}, 0, nil
}

func (m *memoryRepo) TouchLastVisit(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return ErrNotFound
	}
	p.LastVisit = &at
	return nil
}

type stubClinics struct {
	clinics map[uuid.UUID]*clinic.Clinic
	members map[uuid.UUID]uuid.UUID
}

func (s stubClinics) Lookup(_ context.Context, id uuid.UUID) (*clinic.Clinic, error) {
	c, ok := s.clinics[id]
	if !ok {
		return nil, apierr.NotFound("Clinic not found")
	}
	return c, nil
}

func (s stubClinics) CheckAccess(_ context.Context, p tenancy.Principal, clinicID uuid.UUID) error {
	if p.IsAdmin() || s.members[p.UserID] == clinicID {
		return nil
	}
	return apierr.Forbidden("You do not have access to this clinic")
}

func (s stubClinics) Scope(ctx context.Context, p tenancy.Principal, requested *uuid.UUID) ([]uuid.UUID, error) {
	if requested != nil {
		if err := s.CheckAccess(ctx, p, *requested); err != nil {
			return nil, err
		}
		return []uuid.UUID{*requested}, nil
	}
	if p.IsAdmin() {
		return nil, nil
	}
	if id, ok := s.members[p.UserID]; ok {
		return []uuid.UUID{id}, nil
	}
	return []uuid.UUID{}, nil
}

type stubUsers map[uuid.UUID]*auth.User

func (s stubUsers) GetUser(_ context.Context, id uuid.UUID) (*auth.User, error) {
	u, ok := s[id]
	if !ok {
		return nil, apierr.NotFound("User not found")
	}
	return u, nil
}

type fixture struct {
	svc      *Service
	repo     *memoryRepo
	clinicID uuid.UUID
	staff    tenancy.Principal
	patient  *auth.User
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clinicID := uuid.MustParse("0d3c5c55-1d0e-4c5e-a3f6-6a1b2c3d4e5f")
	staff := tenancy.Principal{UserID: uuid.New(), Role: tenancy.RoleReceptionist}
	user := &auth.User{ID: uuid.New(), FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com", Role: tenancy.RolePatient}
	repo := newMemoryRepo()
	svc := NewService(repo,
		stubClinics{
			clinics: map[uuid.UUID]*clinic.Clinic{clinicID: {ID: clinicID, Name: "Northside"}},
			members: map[uuid.UUID]uuid.UUID{staff.UserID: clinicID},
		},
		stubUsers{user.ID: user},
		nil,
	)
	svc.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return fixture{svc: svc, repo: repo, clinicID: clinicID, staff: staff, patient: user}
}

func (f fixture) input() CreateInput {
	return CreateInput{
		UserID:      f.patient.ID,
		ClinicID:    f.clinicID,
		DateOfBirth: dates.Date{Time: time.Date(1990, 4, 2, 0, 0, 0, 0, time.UTC)},
		Gender:      "female",
		Tags:        []string{" vip ", ""},
	}
}

func requireAPIError(t *testing.T, err error, status int, message string) {
	t.Helper()
	apiErr, ok := apierr.As(err)
	require.True(t, ok, "expected api error, got %v", err)
	assert.Equal(t, status, apiErr.Status)
	assert.Equal(t, message, apiErr.Message)
}

func TestPatientCode(t *testing.T) {
	id := uuid.MustParse("0d3c5c55-1d0e-4c5e-a3f6-6a1b2c3d4e5f")
	assert.Equal(t, "PAT-3d4e5f-00001", PatientCode(id, 1))
	assert.Equal(t, "PAT-3d4e5f-12345", PatientCode(id, 12345))
}

func TestCreateRegistersOncePerClinic(t *testing.T) {
	f := newFixture(t)

	p, err := f.svc.Create(context.Background(), f.staff, f.input())
	require.NoError(t, err)
	assert.Equal(t, "PAT-3d4e5f-00001", p.PatientCode)
	assert.Equal(t, []string{"vip"}, p.Tags)
	assert.Equal(t, "Ada Lovelace", p.User.FullName())
	assert.Equal(t, "Northside", p.ClinicName)
	assert.True(t, p.IsActive)

	_, err = f.svc.Create(context.Background(), f.staff, f.input())
	requireAPIError(t, err, http.StatusBadRequest, "Patient already registered at this clinic")
}

func TestCreateValidatesReferences(t *testing.T) {
	f := newFixture(t)

	in := f.input()
	in.UserID = uuid.New()
	_, err := f.svc.Create(context.Background(), f.staff, in)
	requireAPIError(t, err, http.StatusNotFound, "User not found")

	in = f.input()
	in.ClinicID = uuid.New()
	_, err = f.svc.Create(context.Background(), f.staff, in)
	requireAPIError(t, err, http.StatusNotFound, "Clinic not found")

	in = f.input()
	in.DateOfBirth = dates.Date{Time: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}
	_, err = f.svc.Create(context.Background(), f.staff, in)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, "Date of birth cannot be in the future", apiErr.Fields["dateOfBirth"])

	outsider := tenancy.Principal{UserID: uuid.New(), Role: tenancy.RoleNurse}
	_, err = f.svc.Create(context.Background(), outsider, f.input())
	requireAPIError(t, err, http.StatusForbidden, "You do not have access to this clinic")
}

func TestGetEnforcesOwnershipForPatients(t *testing.T) {
	f := newFixture(t)
	p, err := f.svc.Create(context.Background(), f.staff, f.input())
	require.NoError(t, err)

	self := tenancy.Principal{UserID: f.patient.ID, Role: tenancy.RolePatient}
	got, err := f.svc.Get(context.Background(), self, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	other := tenancy.Principal{UserID: uuid.New(), Role: tenancy.RolePatient}
	_, err = f.svc.Get(context.Background(), other, p.ID)
	requireAPIError(t, err, http.StatusForbidden, "Not authorized to access this patient")

	_, err = f.svc.Get(context.Background(), f.staff, uuid.New())
	requireAPIError(t, err, http.StatusNotFound, "Patient not found")
}

func TestUpdateAndSoftDelete(t *testing.T) {
	f := newFixture(t)
	p, err := f.svc.Create(context.Background(), f.staff, f.input())
	require.NoError(t, err)

	group := "O+"
	history := MedicalHistory{Allergies: []Allergy{{Name: "Penicillin", Severity: "severe"}}}
	updated, err := f.svc.Update(context.Background(), f.staff, p.ID, UpdateInput{BloodGroup: &group, MedicalHistory: &history})
	require.NoError(t, err)
	assert.Equal(t, "O+", updated.BloodGroup)

	got, err := f.svc.MedicalHistory(context.Background(), f.staff, p.ID)
	require.NoError(t, err)
	require.Len(t, got.Allergies, 1)
	assert.Equal(t, "Penicillin", got.Allergies[0].Name)

	require.NoError(t, f.svc.Delete(context.Background(), p.ID))
	assert.False(t, f.repo.patients[p.ID].IsActive)

	_, err = f.svc.Mine(context.Background(), tenancy.Principal{UserID: f.patient.ID, Role: tenancy.RolePatient})
	requireAPIError(t, err, http.StatusNotFound, "Patient profile not found")
}

func TestListScopesToCallerClinics(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.svc.List(context.Background(), f.staff, ListInput{Search: "ada"})
	require.NoError(t, err)
	_, _, err = f.svc.List(context.Background(), tenancy.Principal{UserID: uuid.New(), Role: tenancy.RoleAdmin}, ListInput{})
	require.NoError(t, err)

	require.Len(t, f.repo.filters, 2)
	assert.Equal(t, []uuid.UUID{f.clinicID}, f.repo.filters[0].ClinicIDs)
	assert.Equal(t, "ada", f.repo.filters[0].Search)
	assert.Nil(t, f.repo.filters[1].ClinicIDs)

	other := uuid.New()
	_, _, err = f.svc.List(context.Background(), f.staff, ListInput{ClinicID: &other})
	requireAPIError(t, err, http.StatusForbidden, "You do not have access to this clinic")
}

func TestTouchLastVisit(t *testing.T) {
	f := newFixture(t)
	p, err := f.svc.Create(context.Background(), f.staff, f.input())
	require.NoError(t, err)

	at := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	f.svc.TouchLastVisit(context.Background(), p.ID, at)
	require.NotNil(t, f.repo.patients[p.ID].LastVisit)
	assert.Equal(t, at, *f.repo.patients[p.ID].LastVisit)

	f.svc.TouchLastVisit(context.Background(), uuid.New(), at)
}
