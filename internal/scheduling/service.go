package scheduling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/clinic-platform/internal/apierr"
	"github.com/wolfman30/clinic-platform/internal/audit"
	"github.com/wolfman30/clinic-platform/internal/auth"
	"github.com/wolfman30/clinic-platform/internal/clinic"
	"github.com/wolfman30/clinic-platform/internal/events"
	"github.com/wolfman30/clinic-platform/internal/observability/metrics"
	"github.com/wolfman30/clinic-platform/internal/patients"
	"github.com/wolfman30/clinic-platform/internal/tenancy"
	"github.com/wolfman30/clinic-platform/pkg/dates"
	"github.com/wolfman30/clinic-platform/pkg/logging"
)

var schedulingTracer = otel.Tracer("clinic.internal.scheduling")

const (
	msgSlotTaken          = "This time slot is already booked. Please choose another time."
	msgNewSlotTaken       = "The new time slot is already booked"
	msgRescheduleClosed   = "Cannot reschedule a completed or cancelled appointment"
	msgAlreadyClosed      = "Appointment is already completed or cancelled"
	msgUpdateClosed       = "Cannot update a completed or cancelled appointment"
	msgAppointmentMissing = "Appointment not found"
	msgDoctorMissing      = "Doctor not found"
)

// ClinicAccess is the slice of the clinic service scheduling depends on.
type ClinicAccess interface {
	Lookup(ctx context.Context, id uuid.UUID) (*clinic.Clinic, error)
	CheckAccess(ctx context.Context, p tenancy.Principal, clinicID uuid.UUID) error
	Scope(ctx context.Context, p tenancy.Principal, requested *uuid.UUID) ([]uuid.UUID, error)
}

type PatientDirectory interface {
	Lookup(ctx context.Context, id uuid.UUID) (*patients.Patient, error)
	TouchLastVisit(ctx context.Context, id uuid.UUID, at time.Time)
}

type UserDirectory interface {
	GetUser(ctx context.Context, id uuid.UUID) (*auth.User, error)
}

// Notifier delivers appointment messages to the patient. Calls happen after
// commit, off the request path.
type Notifier interface {
	AppointmentBooked(ctx context.Context, a *Appointment) error
	AppointmentRescheduled(ctx context.Context, a *Appointment) error
	AppointmentCancelled(ctx context.Context, a *Appointment) error
	// AppointmentReminder returns one entry per channel it tried, with Type
	// and Status set.
	AppointmentReminder(ctx context.Context, a *Appointment, window string) ([]Reminder, error)
}

type Auditor interface {
	Record(ctx context.Context, event audit.Event, details any)
}

type Service struct {
	repo          Repository
	clinics       ClinicAccess
	patients      PatientDirectory
	users         UserDirectory
	notifier      Notifier
	auditor       Auditor
	metrics       *metrics.SchedulingMetrics
	logger        *logging.Logger
	now           func() time.Time
	notifyTimeout time.Duration
	inflight      sync.WaitGroup
}

func NewService(repo Repository, clinics ClinicAccess, patients PatientDirectory, users UserDirectory, logger *logging.Logger) *Service {
	if repo == nil {
		panic("scheduling: repository required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		repo:          repo,
		clinics:       clinics,
		patients:      patients,
		users:         users,
		logger:        logger,
		now:           time.Now,
		notifyTimeout: 30 * time.Second,
	}
}

func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) WithAuditor(a Auditor) *Service {
	s.auditor = a
	return s
}

func (s *Service) WithMetrics(m *metrics.SchedulingMetrics) *Service {
	s.metrics = m
	return s
}

// Wait blocks until in-flight notifications finish.
func (s *Service) Wait() {
	s.inflight.Wait()
}

type CreateInput struct {
	ClinicID      uuid.UUID  `json:"clinicId" validate:"required"`
	PatientID     uuid.UUID  `json:"patientId" validate:"required"`
	DoctorID      uuid.UUID  `json:"doctorId" validate:"required"`
	ScheduledDate dates.Date `json:"scheduledDate" validate:"required"`
	ScheduledTime TimeRange  `json:"scheduledTime" validate:"required"`
	Type          string     `json:"type" validate:"omitempty,oneof=consultation follow-up emergency check-up telemedicine"`
	Reason        string     `json:"reason" validate:"required,max=500"`
	Symptoms      []string   `json:"symptoms"`
	Notes         string     `json:"notes" validate:"max=2000"`
	BookingSource string     `json:"bookingSource" validate:"omitempty,oneof=online phone walk-in staff"`
}

type RescheduleInput struct {
	NewDate dates.Date `json:"newDate" validate:"required"`
	NewTime TimeRange  `json:"newTime" validate:"required"`
	Reason  string     `json:"reason" validate:"max=500"`
}

type CancelInput struct {
	Reason string `json:"cancelReason" validate:"required,max=500"`
}

type CompleteInput struct {
	Notes string `json:"notes" validate:"max=2000"`
}

type UpdateInput struct {
	Type     *string  `json:"type" validate:"omitempty,oneof=consultation follow-up emergency check-up telemedicine"`
	Duration *int     `json:"duration" validate:"omitempty,min=5,max=180"`
	Status   *string  `json:"status" validate:"omitempty,oneof=confirmed in-progress no-show"`
	Reason   *string  `json:"reason" validate:"omitempty,max=500"`
	Symptoms []string `json:"symptoms"`
	Notes    *string  `json:"notes" validate:"omitempty,max=2000"`
}

// ListInput is a listing request before clinic scoping.
type ListInput struct {
	ClinicID  *uuid.UUID
	DoctorID  *uuid.UUID
	PatientID *uuid.UUID
	Status    string
	Type      string
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

func (s *Service) today() time.Time {
	return dates.Today(s.now())
}

// slotFields names the request keys a slot was read from so that
// validation errors point at them.
type slotFields struct {
	date, time string
}

var (
	bookingFields    = slotFields{date: "scheduledDate", time: "scheduledTime"}
	rescheduleFields = slotFields{date: "newDate", time: "newTime"}
)

// checkSlot validates the requested day and range and returns its length.
func (s *Service) checkSlot(day dates.Date, r TimeRange, keys slotFields) (int, error) {
	fields := map[string]string{}
	if day.IsZero() {
		fields[keys.date] = "Appointment date is required"
	} else if day.Before(s.today()) {
		fields[keys.date] = "Appointment date cannot be in the past"
	}
	minutes, err := r.Minutes()
	switch {
	case err != nil:
		fields[keys.time] = "Times must be in HH:MM format"
	case r.Start >= r.End:
		fields[keys.time] = "End time must be after start time"
	case minutes < 5 || minutes > 180:
		fields[keys.time] = "Duration must be between 5 and 180 minutes"
	}
	if len(fields) > 0 {
		return 0, apierr.Validation(fields)
	}
	return minutes, nil
}

func (s *Service) lookupDoctor(ctx context.Context, id uuid.UUID) (*auth.User, error) {
	u, err := s.users.GetUser(ctx, id)
	if err != nil {
		if apiErr, ok := apierr.As(err); ok && apiErr.Status == http.StatusNotFound {
			return nil, apierr.NotFound(msgDoctorMissing)
		}
		return nil, err
	}
	if u.Role != tenancy.RoleDoctor || !u.IsActive {
		return nil, apierr.NotFound(msgDoctorMissing)
	}
	return u, nil
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Create books an appointment for a patient with a doctor.
func (s *Service) Create(ctx context.Context, actor tenancy.Principal, in CreateInput) (*Appointment, error) {
	ctx, span := schedulingTracer.Start(ctx, "scheduling.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.id", in.ClinicID.String()),
		attribute.String("doctor.id", in.DoctorID.String()),
		attribute.String("appointment.date", in.ScheduledDate.Format(dates.Layout)),
	)

	a, err := s.create(ctx, actor, in)
	outcome := bookingOutcome(err)
	s.metrics.ObserveBooking("create", outcome)
	if err != nil {
		if outcome == "error" {
			span.RecordError(err)
			span.SetStatus(codes.Error, "create failed")
		}
		span.SetAttributes(attribute.String("booking.outcome", outcome))
		return nil, err
	}
	span.SetAttributes(attribute.String("appointment.number", a.AppointmentNumber))

	s.logger.Info("appointment booked",
		"appointment_id", a.ID, "appointment_number", a.AppointmentNumber,
		"clinic_id", a.ClinicID, "doctor_id", a.DoctorID,
		"date", a.ScheduledDate.Format(dates.Layout), "start", a.ScheduledTime.Start,
	)
	s.audit(ctx, actor, audit.ActionAppointmentBooked, a, nil, map[string]any{
		"appointmentNumber": a.AppointmentNumber,
		"bookingSource":     a.BookingSource,
	})
	s.dispatch(ctx, "booked", a, func(ctx context.Context, a *Appointment) error {
		return s.notifier.AppointmentBooked(ctx, a)
	})
	return a, nil
}

func (s *Service) create(ctx context.Context, actor tenancy.Principal, in CreateInput) (*Appointment, error) {
	c, err := s.clinics.Lookup(ctx, in.ClinicID)
	if err != nil {
		return nil, err
	}
	patient, err := s.patients.Lookup(ctx, in.PatientID)
	if err != nil {
		return nil, err
	}

	source := in.BookingSource
	if actor.Role == tenancy.RolePatient {
		if patient.UserID != actor.UserID {
			return nil, apierr.Forbidden("You can only book appointments for yourself")
		}
		source = SourceOnline
	} else if err := s.clinics.CheckAccess(ctx, actor, c.ID); err != nil {
		return nil, err
	}
	if source == "" {
		source = SourceStaff
	}
	if patient.ClinicID != c.ID {
		return nil, apierr.BadRequest("Patient is not registered at this clinic")
	}

	doctor, err := s.lookupDoctor(ctx, in.DoctorID)
	if err != nil {
		return nil, err
	}
	minutes, err := s.checkSlot(in.ScheduledDate, in.ScheduledTime, bookingFields)
	if err != nil {
		return nil, err
	}

	a := &Appointment{
		ID:            uuid.New(),
		ClinicID:      c.ID,
		PatientID:     patient.ID,
		DoctorID:      doctor.ID,
		ScheduledDate: dates.Date{Time: dates.Day(in.ScheduledDate.Time)},
		ScheduledTime: in.ScheduledTime,
		Duration:      minutes,
		Type:          in.Type,
		Status:        StatusScheduled,
		Reason:        strings.TrimSpace(in.Reason),
		Symptoms:      cleanList(in.Symptoms),
		Notes:         strings.TrimSpace(in.Notes),
		BookingSource: source,
		BookedBy:      actor.UserID,
		Reminders:     []Reminder{},
		CreatedAt:     s.now().UTC(),
		Patient: Person{
			ID: patient.UserID, Name: patient.User.FullName(), Email: patient.User.Email, Phone: patient.User.Phone,
		},
		Doctor:     Person{ID: doctor.ID, Name: doctor.FullName(), Email: doctor.Email},
		ClinicName: c.Name,
	}
	if a.Type == "" {
		a.Type = TypeConsultation
	}
	if source == SourceOnline {
		if !c.Settings.AllowOnlineBooking {
			return nil, apierr.BadRequest("Online booking is not available for this clinic")
		}
		if !c.IsOpenAt(a.StartsAt(c.Settings.Location())) {
			return nil, apierr.BadRequest("The clinic is closed at the requested time")
		}
	}

	if err := s.repo.Create(ctx, a); err != nil {
		if errors.Is(err, ErrSlotTaken) {
			return nil, apierr.Conflict(msgSlotTaken)
		}
		return nil, err
	}
	return a, nil
}

func bookingOutcome(err error) string {
	if err == nil {
		return "booked"
	}
	apiErr, ok := apierr.As(err)
	switch {
	case !ok || apiErr.Status >= http.StatusInternalServerError:
		return "error"
	case apiErr.Status == http.StatusConflict:
		return "conflict"
	default:
		return "rejected"
	}
}

func (s *Service) lookup(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apierr.NotFound(msgAppointmentMissing)
		}
		return nil, err
	}
	return a, nil
}

// authorize lets patients act on their own appointments and staff on
// appointments of clinics they can access.
func (s *Service) authorize(ctx context.Context, actor tenancy.Principal, a *Appointment) error {
	if actor.Role == tenancy.RolePatient {
		if a.Patient.ID != actor.UserID {
			return apierr.Forbidden("Not authorized to access this appointment")
		}
		return nil
	}
	return s.clinics.CheckAccess(ctx, actor, a.ClinicID)
}

func (s *Service) Get(ctx context.Context, actor tenancy.Principal, id uuid.UUID) (*Appointment, error) {
	a, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Reschedule moves an open appointment to a new slot.
func (s *Service) Reschedule(ctx context.Context, actor tenancy.Principal, id uuid.UUID, in RescheduleInput) (*Appointment, error) {
	ctx, span := schedulingTracer.Start(ctx, "scheduling.reschedule")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", id.String()))

	a, previous, err := s.reschedule(ctx, actor, id, in)
	outcome := bookingOutcome(err)
	s.metrics.ObserveBooking("reschedule", outcome)
	if err != nil {
		if outcome == "error" {
			span.RecordError(err)
			span.SetStatus(codes.Error, "reschedule failed")
		}
		return nil, err
	}
	s.metrics.ObserveTransition(StatusRescheduled)

	s.logger.Info("appointment rescheduled",
		"appointment_id", a.ID,
		"from_date", previous.Date.Format(dates.Layout), "from_start", previous.Time.Start,
		"to_date", a.ScheduledDate.Format(dates.Layout), "to_start", a.ScheduledTime.Start,
	)
	s.audit(ctx, actor, audit.ActionAppointmentRescheduled, a, []string{"scheduledDate", "scheduledTime", "status"}, map[string]any{
		"previousDate":  previous.Date.Format(dates.Layout),
		"previousStart": previous.Time.Start,
		"reason":        strings.TrimSpace(in.Reason),
	})
	s.dispatch(ctx, "rescheduled", a, func(ctx context.Context, a *Appointment) error {
		return s.notifier.AppointmentRescheduled(ctx, a)
	})
	return a, nil
}

func (s *Service) reschedule(ctx context.Context, actor tenancy.Principal, id uuid.UUID, in RescheduleInput) (*Appointment, Slot, error) {
	a, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, Slot{}, err
	}
	if IsClosed(a.Status) {
		return nil, Slot{}, apierr.BadRequest(msgRescheduleClosed)
	}
	minutes, err := s.checkSlot(in.NewDate, in.NewTime, rescheduleFields)
	if err != nil {
		return nil, Slot{}, err
	}

	previous := a.Slot()
	a.ScheduledDate = dates.Date{Time: dates.Day(in.NewDate.Time)}
	a.ScheduledTime = in.NewTime
	a.Duration = minutes
	a.Status = StatusRescheduled
	self := a.ID
	a.RescheduledFrom = &self

	if err := s.repo.Reschedule(ctx, a, previous); err != nil {
		switch {
		case errors.Is(err, ErrSlotTaken):
			return nil, Slot{}, apierr.Conflict(msgNewSlotTaken)
		case errors.Is(err, ErrNotFound):
			return nil, Slot{}, apierr.NotFound(msgAppointmentMissing)
		}
		return nil, Slot{}, err
	}
	return a, previous, nil
}

// Cancel releases the slot and records who cancelled and why.
func (s *Service) Cancel(ctx context.Context, actor tenancy.Principal, id uuid.UUID, in CancelInput) (*Appointment, error) {
	ctx, span := schedulingTracer.Start(ctx, "scheduling.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", id.String()))

	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return nil, apierr.Validation(map[string]string{"cancelReason": "Cancellation reason is required"})
	}
	a, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if IsClosed(a.Status) {
		return nil, apierr.BadRequest(msgAlreadyClosed)
	}

	now := s.now().UTC()
	by := actor.UserID
	a.Status = StatusCancelled
	a.CancelledBy = &by
	a.CancelledAt = &now
	a.CancelReason = reason

	err = s.repo.Save(ctx, a, events.AppointmentCancelledV1{
		AppointmentID: a.ID,
		ClinicID:      a.ClinicID,
		CancelledBy:   by,
		Reason:        reason,
		CancelledAt:   now,
	})
	if err != nil {
		span.RecordError(err)
		return nil, s.mapSaveErr(err)
	}
	s.metrics.ObserveTransition(StatusCancelled)
	s.logger.Info("appointment cancelled", "appointment_id", a.ID, "cancelled_by", by)
	s.audit(ctx, actor, audit.ActionAppointmentCancelled, a, []string{"status", "cancelReason"}, map[string]any{"reason": reason})
	s.dispatch(ctx, "cancelled", a, func(ctx context.Context, a *Appointment) error {
		return s.notifier.AppointmentCancelled(ctx, a)
	})
	return a, nil
}

// Complete closes the visit. An appointment that was never started gets the
// completion time as its start as well.
func (s *Service) Complete(ctx context.Context, actor tenancy.Principal, id uuid.UUID, in CompleteInput) (*Appointment, error) {
	ctx, span := schedulingTracer.Start(ctx, "scheduling.complete")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", id.String()))

	a, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if IsClosed(a.Status) {
		return nil, apierr.BadRequest(msgAlreadyClosed)
	}

	now := s.now().UTC()
	a.Status = StatusCompleted
	a.ActualEndTime = &now
	if a.ActualStartTime == nil {
		a.ActualStartTime = &now
	}
	if notes := strings.TrimSpace(in.Notes); notes != "" {
		a.Notes = notes
	}
	err = s.repo.Save(ctx, a, events.AppointmentCompletedV1{
		AppointmentID: a.ID,
		ClinicID:      a.ClinicID,
		PatientID:     a.PatientID,
		DoctorID:      a.DoctorID,
		CompletedAt:   now,
	})
	if err != nil {
		span.RecordError(err)
		return nil, s.mapSaveErr(err)
	}
	s.metrics.ObserveTransition(StatusCompleted)
	if s.patients != nil {
		s.patients.TouchLastVisit(ctx, a.PatientID, now)
	}
	s.audit(ctx, actor, audit.ActionAppointmentCompleted, a, []string{"status", "actualEndTime"}, nil)
	return a, nil
}

func (s *Service) Confirm(ctx context.Context, actor tenancy.Principal, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, actor, id, StatusConfirmed)
}

func (s *Service) Start(ctx context.Context, actor tenancy.Principal, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, actor, id, StatusInProgress)
}

func (s *Service) transition(ctx context.Context, actor tenancy.Principal, id uuid.UUID, to string) (*Appointment, error) {
	a, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if err := s.applyStatus(a, to); err != nil {
		return nil, err
	}
	if err := s.repo.Save(ctx, a, nil); err != nil {
		return nil, s.mapSaveErr(err)
	}
	s.metrics.ObserveTransition(to)
	s.audit(ctx, actor, audit.ActionAppointmentUpdated, a, []string{"status"}, map[string]any{"status": to})
	return a, nil
}

func (s *Service) applyStatus(a *Appointment, to string) error {
	if !CanTransition(a.Status, to) {
		return apierr.BadRequest(fmt.Sprintf("Cannot change appointment status from %s to %s", a.Status, to))
	}
	a.Status = to
	if to == StatusInProgress && a.ActualStartTime == nil {
		now := s.now().UTC()
		a.ActualStartTime = &now
	}
	return nil
}

// Update edits descriptive fields and moves the status through the
// transition table. Time changes go through Reschedule.
func (s *Service) Update(ctx context.Context, actor tenancy.Principal, id uuid.UUID, in UpdateInput) (*Appointment, error) {
	a, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if IsClosed(a.Status) {
		return nil, apierr.BadRequest(msgUpdateClosed)
	}

	var changed []string
	if in.Status != nil && *in.Status != a.Status {
		if err := s.applyStatus(a, *in.Status); err != nil {
			return nil, err
		}
		changed = append(changed, "status")
	}
	if in.Type != nil {
		a.Type = *in.Type
		changed = append(changed, "type")
	}
	if in.Duration != nil {
		a.Duration = *in.Duration
		changed = append(changed, "duration")
	}
	if in.Reason != nil {
		a.Reason = strings.TrimSpace(*in.Reason)
		changed = append(changed, "reason")
	}
	if in.Symptoms != nil {
		a.Symptoms = cleanList(in.Symptoms)
		changed = append(changed, "symptoms")
	}
	if in.Notes != nil {
		a.Notes = strings.TrimSpace(*in.Notes)
		changed = append(changed, "notes")
	}
	if err := s.repo.Save(ctx, a, nil); err != nil {
		return nil, s.mapSaveErr(err)
	}
	if in.Status != nil {
		s.metrics.ObserveTransition(a.Status)
	}
	s.audit(ctx, actor, audit.ActionAppointmentUpdated, a, changed, nil)
	return a, nil
}

func (s *Service) mapSaveErr(err error) error {
	if errors.Is(err, ErrNotFound) {
		return apierr.NotFound(msgAppointmentMissing)
	}
	return err
}

// List returns appointments visible to the caller. Patients only ever see
// their own.
func (s *Service) List(ctx context.Context, actor tenancy.Principal, in ListInput) ([]*Appointment, int, error) {
	filter := Filter{
		DoctorID:  in.DoctorID,
		PatientID: in.PatientID,
		Status:    in.Status,
		Type:      in.Type,
		From:      in.From,
		To:        in.To,
		Limit:     in.Limit,
		Offset:    in.Offset,
	}
	if actor.Role == tenancy.RolePatient {
		self := actor.UserID
		filter.PatientUserID = &self
	} else {
		scope, err := s.clinics.Scope(ctx, actor, in.ClinicID)
		if err != nil {
			return nil, 0, err
		}
		filter.ClinicIDs = scope
	}
	return s.repo.List(ctx, filter)
}

// Today lists the day's appointments in start order. Doctors default to
// their own schedule.
func (s *Service) Today(ctx context.Context, actor tenancy.Principal, clinicID, doctorID *uuid.UUID) ([]*Appointment, error) {
	scope, err := s.clinics.Scope(ctx, actor, clinicID)
	if err != nil {
		return nil, err
	}
	if doctorID == nil && actor.Role == tenancy.RoleDoctor {
		self := actor.UserID
		doctorID = &self
	}
	return s.repo.Day(ctx, scope, doctorID, s.today())
}

// Mine lists the calling patient's appointments. upcoming keeps scheduled
// and confirmed visits from today on.
func (s *Service) Mine(ctx context.Context, actor tenancy.Principal, upcoming bool, limit, offset int) ([]*Appointment, int, error) {
	self := actor.UserID
	filter := Filter{PatientUserID: &self, Limit: limit, Offset: offset}
	if upcoming {
		today := s.today()
		filter.Statuses = []string{StatusScheduled, StatusConfirmed}
		filter.From = &today
	}
	return s.repo.List(ctx, filter)
}

// ForPatient lists one patient's appointments after checking the caller may
// see that patient.
func (s *Service) ForPatient(ctx context.Context, actor tenancy.Principal, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	p, err := s.patients.Lookup(ctx, patientID)
	if err != nil {
		return nil, 0, err
	}
	if actor.Role == tenancy.RolePatient {
		if p.UserID != actor.UserID {
			return nil, 0, apierr.Forbidden("Not authorized to access this patient")
		}
	} else if err := s.clinics.CheckAccess(ctx, actor, p.ClinicID); err != nil {
		return nil, 0, err
	}
	return s.repo.List(ctx, Filter{PatientID: &p.ID, Limit: limit, Offset: offset})
}

// reminderLeads maps each reminder window to its lead time before the start.
var reminderLeads = []struct {
	window string
	lead   time.Duration
}{
	{Window24h, 24 * time.Hour},
	{Window1h, time.Hour},
}

// DueReminders returns appointments whose start lies within tolerance of a
// reminder window and that have no reminder recorded for it. Clinics with
// reminders switched off are skipped.
func (s *Service) DueReminders(ctx context.Context, now time.Time, tolerance time.Duration) ([]DueReminder, error) {
	settings := map[uuid.UUID]bool{}
	var due []DueReminder
	for _, w := range reminderLeads {
		target := now.Add(w.lead)
		list, err := s.repo.StartingBetween(ctx, target.Add(-tolerance), target.Add(tolerance))
		if err != nil {
			return nil, err
		}
		for _, a := range list {
			if a.HasReminder(w.window) {
				continue
			}
			enabled, ok := settings[a.ClinicID]
			if !ok {
				enabled = true
				if c, err := s.clinics.Lookup(ctx, a.ClinicID); err == nil {
					enabled = c.Settings.SendReminders
				}
				settings[a.ClinicID] = enabled
			}
			if enabled {
				due = append(due, DueReminder{Appointment: a, Window: w.window})
			}
		}
	}
	return due, nil
}

// SendReminder notifies the patient and records each channel attempted,
// successful or not, so the window is not retried. When no channel could be
// tried a single "none" entry marks the window.
func (s *Service) SendReminder(ctx context.Context, due DueReminder) error {
	ctx, span := schedulingTracer.Start(ctx, "scheduling.reminder")
	defer span.End()
	span.SetAttributes(
		attribute.String("appointment.id", due.Appointment.ID.String()),
		attribute.String("reminder.window", due.Window),
	)

	var (
		attempts []Reminder
		sendErr  error
	)
	if s.notifier != nil {
		attempts, sendErr = s.notifier.AppointmentReminder(ctx, due.Appointment, due.Window)
	}
	if sendErr != nil {
		span.RecordError(sendErr)
		s.logger.Warn("appointment reminder failed", "appointment_id", due.Appointment.ID, "window", due.Window, "error", sendErr)
	}
	if len(attempts) == 0 {
		status := ReminderSkipped
		if sendErr != nil {
			status = ReminderFailed
		}
		attempts = []Reminder{{Type: ReminderChannelNone, Status: status}}
	}
	at := s.now().UTC()
	for i := range attempts {
		attempts[i].Window = due.Window
		attempts[i].SentAt = at
	}
	if err := s.repo.RecordReminder(ctx, due.Appointment.ID, attempts...); err != nil {
		return err
	}
	return sendErr
}

func (s *Service) audit(ctx context.Context, actor tenancy.Principal, action audit.Action, a *Appointment, fields []string, details any) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(ctx, audit.Event{
		Action:     action,
		ClinicID:   a.ClinicID,
		ActorID:    actor.UserID,
		ActorRole:  actor.Role,
		EntityType: "appointment",
		EntityID:   a.ID,
		Fields:     fields,
	}, details)
}

// dispatch runs a notification after the response path, detached from the
// request's cancellation and bounded by notifyTimeout. Failures are logged.
func (s *Service) dispatch(ctx context.Context, kind string, a *Appointment, send func(context.Context, *Appointment) error) {
	if s.notifier == nil {
		return
	}
	snapshot := *a
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
		defer cancel()
		if err := send(ctx, &snapshot); err != nil {
			s.logger.Warn("appointment notification failed", "kind", kind, "appointment_id", snapshot.ID, "error", err)
		}
	}()
}
