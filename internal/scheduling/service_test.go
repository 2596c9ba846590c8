package scheduling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-platform/internal/apierr"
	"github.com/wolfman30/clinic-platform/internal/audit"
	"github.com/wolfman30/clinic-platform/internal/auth"
	"github.com/wolfman30/clinic-platform/internal/clinic"
	"github.com/wolfman30/clinic-platform/internal/events"
	"github.com/wolfman30/clinic-platform/internal/observability/metrics"
	"github.com/wolfman30/clinic-platform/internal/patients"
	"github.com/wolfman30/clinic-platform/internal/tenancy"
	"github.com/wolfman30/clinic-platform/pkg/dates"
)

type memoryRepo struct {
	mu        sync.Mutex
	items     map[uuid.UUID]*Appointment
	seq       int
	events    []events.CanonicalEvent
	filters   []Filter
	reminders map[uuid.UUID][]Reminder
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{items: map[uuid.UUID]*Appointment{}, reminders: map[uuid.UUID][]Reminder{}}
}

func (m *memoryRepo) taken(s Slot, exclude uuid.UUID) bool {
	for _, a := range m.items {
		if a.ID == exclude || a.DoctorID != s.DoctorID || !BlocksSlot(a.Status) {
			continue
		}
		if a.ScheduledDate.Equal(s.Date) && a.ScheduledTime.Overlaps(s.Time) {
			return true
		}
	}
	return false
}

func (m *memoryRepo) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.taken(a.Slot(), uuid.Nil) {
		return ErrSlotTaken
	}
	m.seq++
	a.AppointmentNumber = fmt.Sprintf("APT-202506-%06d", m.seq)
	cp := *a
	m.items[a.ID] = &cp
	m.events = append(m.events, events.AppointmentBookedV1{AppointmentID: a.ID})
	return nil
}

func (m *memoryRepo) Reschedule(_ context.Context, a *Appointment, _ Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[a.ID]; !ok {
		return ErrNotFound
	}
	if m.taken(a.Slot(), a.ID) {
		return ErrSlotTaken
	}
	cp := *a
	m.items[a.ID] = &cp
	return nil
}

func (m *memoryRepo) Save(_ context.Context, a *Appointment, evt events.CanonicalEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[a.ID]; !ok {
		return ErrNotFound
	}
	cp := *a
	m.items[a.ID] = &cp
	if evt != nil {
		m.events = append(m.events, evt)
	}
	return nil
}

func (m *memoryRepo) Get(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memoryRepo) List(_ context.Context, f Filter) ([]*Appointment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters = append(m.filters, f)
	return []*Appointment{}, 0, nil
}

func (m *memoryRepo) Day(_ context.Context, _ []uuid.UUID, doctorID *uuid.UUID, day time.Time) ([]*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Appointment
	for _, a := range m.items {
		if !a.ScheduledDate.Equal(day) || a.Status == StatusCancelled {
			continue
		}
		if doctorID != nil && a.DoctorID != *doctorID {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Start < out[j].ScheduledTime.Start })
	return out, nil
}

func (m *memoryRepo) StartingBetween(_ context.Context, from, to time.Time) ([]*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Appointment
	for _, a := range m.items {
		if a.Status != StatusScheduled && a.Status != StatusConfirmed {
			continue
		}
		start := a.StartsAt(time.UTC)
		if !start.Before(from) && start.Before(to) {
			cp := *a
			cp.Reminders = append([]Reminder(nil), m.reminders[a.ID]...)
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memoryRepo) RecordReminder(_ context.Context, id uuid.UUID, rs ...Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return ErrNotFound
	}
	m.reminders[id] = append(m.reminders[id], rs...)
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

type stubPatients struct {
	mu       sync.Mutex
	patients map[uuid.UUID]*patients.Patient
	visits   map[uuid.UUID]time.Time
}

func (s *stubPatients) Lookup(_ context.Context, id uuid.UUID) (*patients.Patient, error) {
	p, ok := s.patients[id]
	if !ok {
		return nil, apierr.NotFound("Patient not found")
	}
	return p, nil
}

func (s *stubPatients) TouchLastVisit(_ context.Context, id uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visits[id] = at
}

type stubUsers map[uuid.UUID]*auth.User

func (s stubUsers) GetUser(_ context.Context, id uuid.UUID) (*auth.User, error) {
	u, ok := s[id]
	if !ok {
		return nil, apierr.NotFound("User not found")
	}
	return u, nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	booked    []uuid.UUID
	cancelled []uuid.UUID
	moved     []uuid.UUID
	reminders []string
	channels  []Reminder
	fail      error
}

func (n *recordingNotifier) AppointmentBooked(_ context.Context, a *Appointment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.booked = append(n.booked, a.ID)
	return n.fail
}

func (n *recordingNotifier) AppointmentRescheduled(_ context.Context, a *Appointment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.moved = append(n.moved, a.ID)
	return n.fail
}

func (n *recordingNotifier) AppointmentCancelled(_ context.Context, a *Appointment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancelled = append(n.cancelled, a.ID)
	return n.fail
}

func (n *recordingNotifier) AppointmentReminder(_ context.Context, a *Appointment, window string) ([]Reminder, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reminders = append(n.reminders, a.ID.String()+"/"+window)
	return append([]Reminder(nil), n.channels...), n.fail
}

type recordingAuditor struct {
	mu      sync.Mutex
	actions []audit.Action
}

func (r *recordingAuditor) Record(_ context.Context, e audit.Event, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, e.Action)
}

type fixture struct {
	svc      *Service
	repo     *memoryRepo
	patients *stubPatients
	notifier *recordingNotifier
	auditor  *recordingAuditor
	clinic   *clinic.Clinic
	staff    tenancy.Principal
	doctor   *auth.User
	nurse    *auth.User
	patient  *patients.Patient
}

var fixedNow = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) fixture {
	t.Helper()
	c := &clinic.Clinic{ID: uuid.New(), Name: "Northside", Settings: clinic.DefaultSettings()}
	staff := tenancy.Principal{UserID: uuid.New(), Role: tenancy.RoleReceptionist}
	doctor := &auth.User{ID: uuid.New(), FirstName: "Gregory", LastName: "House", Role: tenancy.RoleDoctor, IsActive: true}
	nurse := &auth.User{ID: uuid.New(), FirstName: "Carla", LastName: "Espinosa", Role: tenancy.RoleNurse, IsActive: true}
	patient := &patients.Patient{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		ClinicID: c.ID,
		User:     patients.Person{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"},
	}
	repo := newMemoryRepo()
	pats := &stubPatients{patients: map[uuid.UUID]*patients.Patient{patient.ID: patient}, visits: map[uuid.UUID]time.Time{}}
	notifier := &recordingNotifier{}
	auditor := &recordingAuditor{}
	svc := NewService(repo,
		stubClinics{
			clinics: map[uuid.UUID]*clinic.Clinic{c.ID: c},
			members: map[uuid.UUID]uuid.UUID{staff.UserID: c.ID, doctor.ID: c.ID},
		},
		pats,
		stubUsers{doctor.ID: doctor, nurse.ID: nurse},
		nil,
	).WithNotifier(notifier).WithAuditor(auditor).WithMetrics(metrics.NewSchedulingMetrics(prometheus.NewRegistry()))
	svc.now = func() time.Time { return fixedNow }
	return fixture{
		svc: svc, repo: repo, patients: pats, notifier: notifier, auditor: auditor,
		clinic: c, staff: staff, doctor: doctor, nurse: nurse, patient: patient,
	}
}

func (f fixture) input(start, end string) CreateInput {
	return CreateInput{
		ClinicID:      f.clinic.ID,
		PatientID:     f.patient.ID,
		DoctorID:      f.doctor.ID,
		ScheduledDate: dates.Date{Time: time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)},
		ScheduledTime: TimeRange{Start: start, End: end},
		Reason:        "Annual physical",
		Symptoms:      []string{" cough ", ""},
	}
}

func (f fixture) book(t *testing.T, start, end string) *Appointment {
	t.Helper()
	a, err := f.svc.Create(context.Background(), f.staff, f.input(start, end))
	require.NoError(t, err)
	return a
}

func requireAPIError(t *testing.T, err error, status int, message string) {
	t.Helper()
	apiErr, ok := apierr.As(err)
	require.True(t, ok, "expected api error, got %v", err)
	assert.Equal(t, status, apiErr.Status)
	if message != "" {
		assert.Equal(t, message, apiErr.Message)
	}
}

func TestCreateAppliesDefaults(t *testing.T) {
	f := newFixture(t)

	a := f.book(t, "09:00", "09:30")
	assert.Equal(t, "APT-202506-000001", a.AppointmentNumber)
	assert.Equal(t, StatusScheduled, a.Status)
	assert.Equal(t, TypeConsultation, a.Type)
	assert.Equal(t, SourceStaff, a.BookingSource)
	assert.Equal(t, 30, a.Duration)
	assert.Equal(t, []string{"cough"}, a.Symptoms)
	assert.Equal(t, f.staff.UserID, a.BookedBy)
	assert.Equal(t, "Ada Lovelace", a.Patient.Name)

	f.svc.Wait()
	assert.Equal(t, []uuid.UUID{a.ID}, f.notifier.booked)
	assert.Equal(t, []audit.Action{audit.ActionAppointmentBooked}, f.auditor.actions)
}

func TestCreateRejectsOverlapButAllowsAdjacentSlot(t *testing.T) {
	f := newFixture(t)
	f.book(t, "09:00", "09:30")

	_, err := f.svc.Create(context.Background(), f.staff, f.input("09:15", "09:45"))
	requireAPIError(t, err, http.StatusConflict, "This time slot is already booked. Please choose another time.")

	_, err = f.svc.Create(context.Background(), f.staff, f.input("08:45", "09:05"))
	requireAPIError(t, err, http.StatusConflict, "This time slot is already booked. Please choose another time.")

	next, err := f.svc.Create(context.Background(), f.staff, f.input("09:30", "10:00"))
	require.NoError(t, err)
	assert.Equal(t, "APT-202506-000002", next.AppointmentNumber)
}

func TestCreateAllowsOverlapForOtherDoctor(t *testing.T) {
	f := newFixture(t)
	f.book(t, "09:00", "09:30")

	other := &auth.User{ID: uuid.New(), Role: tenancy.RoleDoctor, IsActive: true}
	f.svc.users = stubUsers{f.doctor.ID: f.doctor, other.ID: other}
	in := f.input("09:00", "09:30")
	in.DoctorID = other.ID
	_, err := f.svc.Create(context.Background(), f.staff, in)
	require.NoError(t, err)
}

func TestCancelledSlotCanBeRebooked(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, "09:00", "09:30")

	_, err := f.svc.Cancel(context.Background(), f.staff, a.ID, CancelInput{Reason: "Patient travelling"})
	require.NoError(t, err)

	_, err = f.svc.Create(context.Background(), f.staff, f.input("09:00", "09:30"))
	require.NoError(t, err)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(*CreateInput)
		status int
		msg    string
	}{
		{
			name:   "end before start",
			mutate: func(in *CreateInput) { in.ScheduledTime = TimeRange{Start: "10:00", End: "09:30"} },
			status: http.StatusBadRequest,
		},
		{
			name: "date in the past",
			mutate: func(in *CreateInput) {
				in.ScheduledDate = dates.Date{Time: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
			},
			status: http.StatusBadRequest,
		},
		{
			name:   "doctor without doctor role",
			mutate: func(in *CreateInput) { in.DoctorID = f.nurse.ID },
			status: http.StatusNotFound,
			msg:    "Doctor not found",
		},
		{
			name:   "unknown doctor",
			mutate: func(in *CreateInput) { in.DoctorID = uuid.New() },
			status: http.StatusNotFound,
			msg:    "Doctor not found",
		},
		{
			name:   "unknown patient",
			mutate: func(in *CreateInput) { in.PatientID = uuid.New() },
			status: http.StatusNotFound,
			msg:    "Patient not found",
		},
		{
			name:   "unknown clinic",
			mutate: func(in *CreateInput) { in.ClinicID = uuid.New() },
			status: http.StatusNotFound,
			msg:    "Clinic not found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := f.input("09:00", "09:30")
			tt.mutate(&in)
			_, err := f.svc.Create(context.Background(), f.staff, in)
			requireAPIError(t, err, tt.status, tt.msg)
		})
	}
}

func TestCreateValidationReportsFields(t *testing.T) {
	f := newFixture(t)
	in := f.input("10:00", "09:00")
	in.ScheduledDate = dates.Date{Time: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	_, err := f.svc.Create(context.Background(), f.staff, in)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, "Appointment date cannot be in the past", apiErr.Fields["scheduledDate"])
	assert.Equal(t, "End time must be after start time", apiErr.Fields["scheduledTime"])
}

func TestPatientBooksOnlineForThemselves(t *testing.T) {
	f := newFixture(t)
	self := tenancy.Principal{UserID: f.patient.UserID, Role: tenancy.RolePatient}

	a, err := f.svc.Create(context.Background(), self, f.input("09:00", "09:30"))
	require.NoError(t, err)
	assert.Equal(t, SourceOnline, a.BookingSource)

	stranger := tenancy.Principal{UserID: uuid.New(), Role: tenancy.RolePatient}
	_, err = f.svc.Create(context.Background(), stranger, f.input("10:00", "10:30"))
	requireAPIError(t, err, http.StatusForbidden, "")
}

func TestOnlineBookingRespectsClinicHours(t *testing.T) {
	f := newFixture(t)
	f.clinic.WorkingHours = []clinic.WorkingDay{
		{Day: "tuesday", IsOpen: true, Shifts: []clinic.Shift{{Start: "09:00", End: "12:00"}}},
	}
	self := tenancy.Principal{UserID: f.patient.UserID, Role: tenancy.RolePatient}

	_, err := f.svc.Create(context.Background(), self, f.input("13:00", "13:30"))
	requireAPIError(t, err, http.StatusBadRequest, "The clinic is closed at the requested time")

	_, err = f.svc.Create(context.Background(), self, f.input("09:00", "09:30"))
	require.NoError(t, err)

	f.clinic.Settings.AllowOnlineBooking = false
	_, err = f.svc.Create(context.Background(), self, f.input("10:00", "10:30"))
	requireAPIError(t, err, http.StatusBadRequest, "Online booking is not available for this clinic")

	// Staff bookings ignore the online rules.
	_, err = f.svc.Create(context.Background(), f.staff, f.input("14:00", "14:30"))
	require.NoError(t, err)
}

func TestCancelTwiceFails(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, "09:00", "09:30")

	cancelled, err := f.svc.Cancel(context.Background(), f.staff, a.ID, CancelInput{Reason: "Feeling better"})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledBy)
	assert.Equal(t, f.staff.UserID, *cancelled.CancelledBy)
	require.NotNil(t, cancelled.CancelledAt)
	assert.Equal(t, "Feeling better", cancelled.CancelReason)

	_, err = f.svc.Cancel(context.Background(), f.staff, a.ID, CancelInput{Reason: "again"})
	requireAPIError(t, err, http.StatusBadRequest, "Appointment is already completed or cancelled")

	f.svc.Wait()
	assert.Equal(t, []uuid.UUID{a.ID}, f.notifier.cancelled)
}

func TestCancelRequiresReason(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, "09:00", "09:30")

	_, err := f.svc.Cancel(context.Background(), f.staff, a.ID, CancelInput{Reason: "  "})
	requireAPIError(t, err, http.StatusBadRequest, "")
}

func TestReschedule(t *testing.T) {
	f := newFixture(t)
	first := f.book(t, "09:00", "09:30")
	f.book(t, "10:00", "10:30")

	_, err := f.svc.Reschedule(context.Background(), f.staff, first.ID, RescheduleInput{
		NewDate: first.ScheduledDate,
		NewTime: TimeRange{Start: "10:15", End: "10:45"},
	})
	requireAPIError(t, err, http.StatusConflict, "The new time slot is already booked")

	// Overlapping its own current range is fine.
	moved, err := f.svc.Reschedule(context.Background(), f.staff, first.ID, RescheduleInput{
		NewDate: first.ScheduledDate,
		NewTime: TimeRange{Start: "09:15", End: "10:00"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRescheduled, moved.Status)
	require.NotNil(t, moved.RescheduledFrom)
	assert.Equal(t, first.ID, *moved.RescheduledFrom)
	assert.Equal(t, 45, moved.Duration)

	f.svc.Wait()
	assert.Equal(t, []uuid.UUID{first.ID}, f.notifier.moved)
}

func TestRescheduleClosedAppointment(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, "09:00", "09:30")
	_, err := f.svc.Complete(context.Background(), f.staff, a.ID, CompleteInput{})
	require.NoError(t, err)

	_, err = f.svc.Reschedule(context.Background(), f.staff, a.ID, RescheduleInput{
		NewDate: a.ScheduledDate,
		NewTime: TimeRange{Start: "11:00", End: "11:30"},
	})
	requireAPIError(t, err, http.StatusBadRequest, "Cannot reschedule a completed or cancelled appointment")
}

func TestCompleteStampsTimesAndLastVisit(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, "09:00", "09:30")

	done, err := f.svc.Complete(context.Background(), f.staff, a.ID, CompleteInput{Notes: "Follow up in 6 months"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.ActualStartTime)
	require.NotNil(t, done.ActualEndTime)
	assert.Equal(t, fixedNow, *done.ActualEndTime)
	assert.Equal(t, "Follow up in 6 months", done.Notes)
	assert.Equal(t, fixedNow, f.patients.visits[f.patient.ID])

	_, err = f.svc.Complete(context.Background(), f.staff, a.ID, CompleteInput{})
	requireAPIError(t, err, http.StatusBadRequest, "Appointment is already completed or cancelled")
}

func TestStatusTransitions(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, "09:00", "09:30")

	confirmed, err := f.svc.Confirm(context.Background(), f.staff, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)

	_, err = f.svc.Confirm(context.Background(), f.staff, a.ID)
	requireAPIError(t, err, http.StatusBadRequest, "Cannot change appointment status from confirmed to confirmed")

	started, err := f.svc.Start(context.Background(), f.staff, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, started.Status)
	require.NotNil(t, started.ActualStartTime)

	noShow := StatusNoShow
	_, err = f.svc.Update(context.Background(), f.staff, a.ID, UpdateInput{Status: &noShow})
	requireAPIError(t, err, http.StatusBadRequest, "Cannot change appointment status from in-progress to no-show")
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, "09:00", "09:30")

	noShow := StatusNoShow
	notes := "  called twice  "
	updated, err := f.svc.Update(context.Background(), f.staff, a.ID, UpdateInput{
		Status:   &noShow,
		Notes:    &notes,
		Symptoms: []string{"fever"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusNoShow, updated.Status)
	assert.Equal(t, "called twice", updated.Notes)
	assert.Equal(t, []string{"fever"}, updated.Symptoms)

	_, err = f.svc.Cancel(context.Background(), f.staff, a.ID, CancelInput{Reason: "cleanup"})
	require.NoError(t, err)
	_, err = f.svc.Update(context.Background(), f.staff, a.ID, UpdateInput{Notes: &notes})
	requireAPIError(t, err, http.StatusBadRequest, "Cannot update a completed or cancelled appointment")
}

func TestGetChecksOwnership(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, "09:00", "09:30")

	self := tenancy.Principal{UserID: f.patient.UserID, Role: tenancy.RolePatient}
	_, err := f.svc.Get(context.Background(), self, a.ID)
	require.NoError(t, err)

	_, err = f.svc.Get(context.Background(), tenancy.Principal{UserID: uuid.New(), Role: tenancy.RolePatient}, a.ID)
	requireAPIError(t, err, http.StatusForbidden, "")

	_, err = f.svc.Get(context.Background(), tenancy.Principal{UserID: uuid.New(), Role: tenancy.RoleNurse}, a.ID)
	requireAPIError(t, err, http.StatusForbidden, "")

	_, err = f.svc.Get(context.Background(), f.staff, uuid.New())
	requireAPIError(t, err, http.StatusNotFound, "Appointment not found")
}

func TestListScoping(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.svc.List(context.Background(), f.staff, ListInput{Status: StatusScheduled})
	require.NoError(t, err)
	self := tenancy.Principal{UserID: f.patient.UserID, Role: tenancy.RolePatient}
	_, _, err = f.svc.List(context.Background(), self, ListInput{})
	require.NoError(t, err)
	_, _, err = f.svc.Mine(context.Background(), self, true, 10, 0)
	require.NoError(t, err)

	require.Len(t, f.repo.filters, 3)
	assert.Equal(t, []uuid.UUID{f.clinic.ID}, f.repo.filters[0].ClinicIDs)
	assert.Equal(t, StatusScheduled, f.repo.filters[0].Status)
	assert.Nil(t, f.repo.filters[1].ClinicIDs)
	require.NotNil(t, f.repo.filters[1].PatientUserID)
	assert.Equal(t, f.patient.UserID, *f.repo.filters[1].PatientUserID)
	assert.Equal(t, []string{StatusScheduled, StatusConfirmed}, f.repo.filters[2].Statuses)
	require.NotNil(t, f.repo.filters[2].From)
	assert.Equal(t, dates.Day(fixedNow), *f.repo.filters[2].From)
}

func TestTodayDefaultsToDoctorsOwnSchedule(t *testing.T) {
	f := newFixture(t)
	f.svc.now = func() time.Time { return time.Date(2025, 6, 3, 7, 0, 0, 0, time.UTC) }
	f.book(t, "11:00", "11:30")
	f.book(t, "09:00", "09:30")

	doc := tenancy.Principal{UserID: f.doctor.ID, Role: tenancy.RoleDoctor}
	list, err := f.svc.Today(context.Background(), doc, nil, nil)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "09:00", list[0].ScheduledTime.Start)
	assert.Equal(t, "11:00", list[1].ScheduledTime.Start)
}

func TestDueRemindersAndSend(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, "09:00", "09:30")

	// 24h before 2025-06-03 09:00 UTC.
	now := time.Date(2025, 6, 2, 9, 2, 0, 0, time.UTC)
	due, err := f.svc.DueReminders(context.Background(), now, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, a.ID, due[0].Appointment.ID)
	assert.Equal(t, Window24h, due[0].Window)

	f.notifier.channels = []Reminder{
		{Type: "email", Status: ReminderSent},
		{Type: "sms", Status: ReminderFailed},
		{Type: "in-app", Status: ReminderSent},
	}
	require.NoError(t, f.svc.SendReminder(context.Background(), due[0]))
	assert.Equal(t, []string{a.ID.String() + "/24h"}, f.notifier.reminders)
	recorded := f.repo.reminders[a.ID]
	require.Len(t, recorded, 3)
	for i, want := range []struct{ channel, status string }{
		{"email", ReminderSent}, {"sms", ReminderFailed}, {"in-app", ReminderSent},
	} {
		assert.Equal(t, want.channel, recorded[i].Type)
		assert.Equal(t, want.status, recorded[i].Status)
		assert.Equal(t, Window24h, recorded[i].Window)
		assert.Equal(t, fixedNow, recorded[i].SentAt)
	}

	due, err = f.svc.DueReminders(context.Background(), now, 5*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestSendReminderRecordsFailure(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, "09:00", "09:30")
	f.svc.Wait()
	f.notifier.fail = errors.New("smtp down")

	err := f.svc.SendReminder(context.Background(), DueReminder{Appointment: a, Window: Window1h})
	require.Error(t, err)
	require.Len(t, f.repo.reminders[a.ID], 1)
	assert.Equal(t, ReminderChannelNone, f.repo.reminders[a.ID][0].Type)
	assert.Equal(t, ReminderFailed, f.repo.reminders[a.ID][0].Status)
}

func TestSendReminderWithoutNotifierMarksWindow(t *testing.T) {
	f := newFixture(t)
	a := f.book(t, "09:00", "09:30")
	f.svc.Wait()
	f.svc.notifier = nil

	require.NoError(t, f.svc.SendReminder(context.Background(), DueReminder{Appointment: a, Window: Window24h}))
	require.Len(t, f.repo.reminders[a.ID], 1)
	assert.Equal(t, Reminder{Type: ReminderChannelNone, Window: Window24h, Status: ReminderSkipped, SentAt: fixedNow}, f.repo.reminders[a.ID][0])
}

func TestDueRemindersSkipsClinicsWithRemindersOff(t *testing.T) {
	f := newFixture(t)
	f.book(t, "09:00", "09:30")
	f.clinic.Settings.SendReminders = false

	due, err := f.svc.DueReminders(context.Background(), time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC), 5*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestNotificationFailureDoesNotFailBooking(t *testing.T) {
	f := newFixture(t)
	f.notifier.fail = errors.New("provider down")

	_, err := f.svc.Create(context.Background(), f.staff, f.input("09:00", "09:30"))
	require.NoError(t, err)
	f.svc.Wait()
	assert.Len(t, f.notifier.booked, 1)
}
