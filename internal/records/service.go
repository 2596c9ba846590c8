package records

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-platform/internal/apierr"
	"github.com/wolfman30/clinic-platform/internal/audit"
	"github.com/wolfman30/clinic-platform/internal/auth"
	"github.com/wolfman30/clinic-platform/internal/patients"
	"github.com/wolfman30/clinic-platform/internal/scheduling"
	"github.com/wolfman30/clinic-platform/internal/tenancy"
	"github.com/wolfman30/clinic-platform/pkg/logging"
)

const (
	msgRecordMissing          = "Medical record not found"
	msgPrescriptionMissing    = "Prescription not found"
	msgDoctorMissing          = "Doctor not found"
	msgRecordForbidden        = "Not authorized to access this medical record"
	msgPrescriptionForbidden  = "Not authorized to access this prescription"
	msgUpdateOwnRecord        = "You can only update your own medical records"
	msgDeleteRecord           = "Not authorized to delete this record"
	msgUpdateOwnPrescription  = "You can only update your own prescriptions"
	msgCancelOwnPrescription  = "You can only cancel your own prescriptions"
	msgDeletePrescription     = "Not authorized to delete this prescription"
	msgUpdateCompleted        = "Cannot update completed prescription"
	msgUpdateCancelled        = "Cannot update cancelled prescription"
	msgCancelCompleted        = "Cannot cancel completed prescription"
	msgAlreadyCancelled       = "Prescription is already cancelled"
	msgNotActive              = "Prescription is not active"
	msgNoRefills              = "No refills remaining"
	msgExpired                = "Prescription has expired"
	msgPatientsReadOnly       = "Patients cannot modify medical records or prescriptions"
	msgPatientElsewhere       = "Patient is not registered at this clinic"
	msgAppointmentMismatch    = "Appointment does not belong to this patient"
	msgRecordPatientMismatch  = "Medical record does not belong to this patient"
	defaultRefillReason       = "Regular refill"
	maxRefills                = 12
	maxPrescriptionValidYears = 2
)

type ClinicAccess interface {
	CheckAccess(ctx context.Context, p tenancy.Principal, clinicID uuid.UUID) error
	Scope(ctx context.Context, p tenancy.Principal, requested *uuid.UUID) ([]uuid.UUID, error)
}

type PatientDirectory interface {
	Lookup(ctx context.Context, id uuid.UUID) (*patients.Patient, error)
	Mine(ctx context.Context, actor tenancy.Principal) (*patients.Patient, error)
	TouchLastVisit(ctx context.Context, id uuid.UUID, at time.Time)
}

type UserDirectory interface {
	GetUser(ctx context.Context, id uuid.UUID) (*auth.User, error)
}

type AppointmentLookup interface {
	Get(ctx context.Context, actor tenancy.Principal, id uuid.UUID) (*scheduling.Appointment, error)
}

// Notifier tells the patient a prescription is ready. Calls happen after
// commit.
type Notifier interface {
	PrescriptionIssued(ctx context.Context, p *Prescription) error
}

type Auditor interface {
	Record(ctx context.Context, event audit.Event, details any)
}

type Service struct {
	repo          Repository
	clinics       ClinicAccess
	patients      PatientDirectory
	users         UserDirectory
	appointments  AppointmentLookup
	notifier      Notifier
	auditor       Auditor
	logger        *logging.Logger
	now           func() time.Time
	notifyTimeout time.Duration
	inflight      sync.WaitGroup
}

func NewService(repo Repository, clinics ClinicAccess, patients PatientDirectory, users UserDirectory, logger *logging.Logger) *Service {
	if repo == nil {
		panic("records: repository required")
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

func (s *Service) WithAppointments(a AppointmentLookup) *Service {
	s.appointments = a
	return s
}

func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) WithAuditor(a Auditor) *Service {
	s.auditor = a
	return s
}

// Wait blocks until in-flight notifications finish.
func (s *Service) Wait() {
	s.inflight.Wait()
}

type CreateRecordInput struct {
	ClinicID             uuid.UUID       `json:"clinicId" validate:"required"`
	PatientID            uuid.UUID       `json:"patientId" validate:"required"`
	AppointmentID        *uuid.UUID      `json:"appointmentId"`
	DoctorID             *uuid.UUID      `json:"doctorId"`
	VisitDate            *time.Time      `json:"visitDate"`
	VisitType            string          `json:"visitType" validate:"omitempty,oneof=consultation follow-up emergency check-up"`
	ChiefComplaint       string          `json:"chiefComplaint" validate:"required,max=1000"`
	Symptoms             []Symptom       `json:"symptoms" validate:"dive"`
	Vitals               *Vitals         `json:"vitals"`
	Examination          string          `json:"examination" validate:"max=5000"`
	Diagnosis            []Diagnosis     `json:"diagnosis" validate:"dive"`
	Investigations       []Investigation `json:"investigations" validate:"dive"`
	TreatmentPlan        string          `json:"treatmentPlan" validate:"max=5000"`
	Notes                string          `json:"notes" validate:"max=5000"`
	FollowUpDate         *time.Time      `json:"followUpDate"`
	FollowUpInstructions string          `json:"followUpInstructions" validate:"max=2000"`
}

type UpdateRecordInput struct {
	VisitType            *string         `json:"visitType" validate:"omitempty,oneof=consultation follow-up emergency check-up"`
	ChiefComplaint       *string         `json:"chiefComplaint" validate:"omitempty,min=1,max=1000"`
	Symptoms             []Symptom       `json:"symptoms" validate:"omitempty,dive"`
	Vitals               *Vitals         `json:"vitals"`
	Examination          *string         `json:"examination" validate:"omitempty,max=5000"`
	Diagnosis            []Diagnosis     `json:"diagnosis" validate:"omitempty,dive"`
	Investigations       []Investigation `json:"investigations" validate:"omitempty,dive"`
	TreatmentPlan        *string         `json:"treatmentPlan" validate:"omitempty,max=5000"`
	Notes                *string         `json:"notes" validate:"omitempty,max=5000"`
	FollowUpDate         *time.Time      `json:"followUpDate"`
	FollowUpInstructions *string         `json:"followUpInstructions" validate:"omitempty,max=2000"`
}

type RecordListInput struct {
	ClinicID  *uuid.UUID
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

type CreatePrescriptionInput struct {
	ClinicID         uuid.UUID    `json:"clinicId" validate:"required"`
	PatientID        uuid.UUID    `json:"patientId" validate:"required"`
	MedicalRecordID  *uuid.UUID   `json:"medicalRecordId"`
	PrescriptionDate *time.Time   `json:"prescriptionDate"`
	Medications      []Medication `json:"medications" validate:"required,min=1,dive"`
	Diagnosis        string       `json:"diagnosis" validate:"max=1000"`
	Instructions     string       `json:"instructions" validate:"max=2000"`
	ValidUntil       *time.Time   `json:"validUntil"`
	RefillsAllowed   int          `json:"refillsAllowed" validate:"gte=0,lte=12"`
	Notes            string       `json:"notes" validate:"max=2000"`
}

type UpdatePrescriptionInput struct {
	Medications    []Medication `json:"medications" validate:"omitempty,min=1,dive"`
	Diagnosis      *string      `json:"diagnosis" validate:"omitempty,max=1000"`
	Instructions   *string      `json:"instructions" validate:"omitempty,max=2000"`
	ValidUntil     *time.Time   `json:"validUntil"`
	RefillsAllowed *int         `json:"refillsAllowed" validate:"omitempty,gte=0,lte=12"`
	Status         *string      `json:"status" validate:"omitempty,oneof=active completed"`
	Dispensed      *Dispensed   `json:"pharmacyDispensed"`
	Notes          *string      `json:"notes" validate:"omitempty,max=2000"`
}

type RefillInput struct {
	Reason string `json:"reason" validate:"max=500"`
}

type PrescriptionListInput struct {
	ClinicID  *uuid.UUID
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	Status    string
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

func requireStaff(actor tenancy.Principal) error {
	if actor.Role == tenancy.RolePatient {
		return apierr.Forbidden(msgPatientsReadOnly)
	}
	return nil
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, ErrRecordNotFound):
		return apierr.NotFound(msgRecordMissing)
	case errors.Is(err, ErrPrescriptionNotFound):
		return apierr.NotFound(msgPrescriptionMissing)
	}
	return err
}

// authorize lets patients read their own chart and staff the charts of
// clinics they can access.
func (s *Service) authorize(ctx context.Context, actor tenancy.Principal, clinicID, patientUserID uuid.UUID, msg string) error {
	if actor.Role == tenancy.RolePatient {
		if patientUserID != actor.UserID {
			return apierr.Forbidden(msg)
		}
		return nil
	}
	return s.clinics.CheckAccess(ctx, actor, clinicID)
}

// registeredPatient resolves the patient and checks they belong to the
// clinic the caller works at.
func (s *Service) registeredPatient(ctx context.Context, actor tenancy.Principal, clinicID, patientID uuid.UUID) (*patients.Patient, error) {
	if err := s.clinics.CheckAccess(ctx, actor, clinicID); err != nil {
		return nil, err
	}
	p, err := s.patients.Lookup(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if p.ClinicID != clinicID {
		return nil, apierr.BadRequest(msgPatientElsewhere)
	}
	return p, nil
}

func (s *Service) lookupDoctor(ctx context.Context, id uuid.UUID) (*auth.User, error) {
	if s.users == nil {
		return nil, apierr.NotFound(msgDoctorMissing)
	}
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

// CreateRecord charts a visit. A record written against an appointment
// takes its doctor and date from it and stamps the patient's last visit.
func (s *Service) CreateRecord(ctx context.Context, actor tenancy.Principal, in CreateRecordInput) (*MedicalRecord, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	patient, err := s.registeredPatient(ctx, actor, in.ClinicID, in.PatientID)
	if err != nil {
		return nil, err
	}

	rec := &MedicalRecord{
		ID:                   uuid.New(),
		ClinicID:             in.ClinicID,
		PatientID:            patient.ID,
		AppointmentID:        in.AppointmentID,
		VisitType:            in.VisitType,
		ChiefComplaint:       strings.TrimSpace(in.ChiefComplaint),
		Symptoms:             in.Symptoms,
		Vitals:               in.Vitals,
		Examination:          strings.TrimSpace(in.Examination),
		Diagnosis:            in.Diagnosis,
		Investigations:       withInvestigationDefaults(in.Investigations),
		TreatmentPlan:        strings.TrimSpace(in.TreatmentPlan),
		Notes:                strings.TrimSpace(in.Notes),
		FollowUpDate:         in.FollowUpDate,
		FollowUpInstructions: strings.TrimSpace(in.FollowUpInstructions),
		PatientUserID:        patient.UserID,
		PatientName:          patient.User.FullName(),
		ClinicName:           patient.ClinicName,
	}
	if rec.ChiefComplaint == "" {
		return nil, apierr.Validation(map[string]string{"chiefComplaint": "Chief complaint is required"})
	}
	if rec.VisitType == "" {
		rec.VisitType = VisitConsultation
	}
	rec.Vitals.withUnits()

	var doctorID uuid.UUID
	switch {
	case in.DoctorID != nil:
		doctorID = *in.DoctorID
	case actor.Role == tenancy.RoleDoctor:
		doctorID = actor.UserID
	}
	visit := s.now().UTC()
	if in.AppointmentID != nil && s.appointments != nil {
		appt, err := s.appointments.Get(ctx, actor, *in.AppointmentID)
		if err != nil {
			return nil, err
		}
		if appt.PatientID != patient.ID {
			return nil, apierr.BadRequest(msgAppointmentMismatch)
		}
		if doctorID == uuid.Nil {
			doctorID = appt.DoctorID
		}
		visit = appt.StartsAt(nil).UTC()
	}
	if in.VisitDate != nil && !in.VisitDate.IsZero() {
		visit = in.VisitDate.UTC()
	}
	rec.VisitDate = visit
	if doctorID == uuid.Nil {
		return nil, apierr.Validation(map[string]string{"doctorId": "Doctor is required"})
	}
	doctor, err := s.lookupDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	rec.DoctorID = doctor.ID
	rec.DoctorName = doctor.FullName()
	if rec.FollowUpDate != nil && rec.FollowUpDate.Before(rec.VisitDate) {
		return nil, apierr.Validation(map[string]string{"followUpDate": "Follow-up date cannot be before the visit"})
	}

	if err := s.repo.CreateRecord(ctx, rec); err != nil {
		return nil, err
	}
	if rec.AppointmentID != nil {
		s.patients.TouchLastVisit(ctx, patient.ID, rec.VisitDate)
	}
	s.logger.Info("medical record created", "record_id", rec.ID, "clinic_id", rec.ClinicID, "doctor_id", rec.DoctorID)
	s.audit(ctx, actor, audit.ActionRecordCreated, rec.ClinicID, "medical_record", rec.ID, nil, map[string]any{
		"patientId":     rec.PatientID,
		"appointmentId": rec.AppointmentID,
	})
	return rec, nil
}

func withInvestigationDefaults(in []Investigation) []Investigation {
	for i := range in {
		if in[i].Status == "" {
			in[i].Status = "ordered"
		}
	}
	return in
}

func (s *Service) lookupRecord(ctx context.Context, id uuid.UUID) (*MedicalRecord, error) {
	rec, err := s.repo.GetRecord(ctx, id)
	if err != nil {
		return nil, mapErr(err)
	}
	return rec, nil
}

func (s *Service) GetRecord(ctx context.Context, actor tenancy.Principal, id uuid.UUID) (*MedicalRecord, error) {
	rec, err := s.lookupRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, rec.ClinicID, rec.PatientUserID, msgRecordForbidden); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListRecords pages through the charts of the caller's clinics. Patients
// only ever see their own.
func (s *Service) ListRecords(ctx context.Context, actor tenancy.Principal, in RecordListInput) ([]*MedicalRecord, int, error) {
	filter := RecordFilter{
		PatientID: in.PatientID,
		DoctorID:  in.DoctorID,
		From:      in.From,
		To:        in.To,
		Limit:     in.Limit,
		Offset:    in.Offset,
	}
	if actor.Role == tenancy.RolePatient {
		filter.PatientUserID = &actor.UserID
	} else {
		scope, err := s.clinics.Scope(ctx, actor, in.ClinicID)
		if err != nil {
			return nil, 0, err
		}
		filter.ClinicIDs = scope
	}
	return s.repo.ListRecords(ctx, filter)
}

// UpdateRecord lets the authoring doctor amend their chart.
func (s *Service) UpdateRecord(ctx context.Context, actor tenancy.Principal, id uuid.UUID, in UpdateRecordInput) (*MedicalRecord, error) {
	rec, err := s.lookupRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.DoctorID != actor.UserID && !actor.IsAdmin() {
		return nil, apierr.Forbidden(msgUpdateOwnRecord)
	}

	var fields []string
	if in.VisitType != nil {
		rec.VisitType = *in.VisitType
		fields = append(fields, "visitType")
	}
	if in.ChiefComplaint != nil {
		c := strings.TrimSpace(*in.ChiefComplaint)
		if c == "" {
			return nil, apierr.Validation(map[string]string{"chiefComplaint": "Chief complaint is required"})
		}
		rec.ChiefComplaint = c
		fields = append(fields, "chiefComplaint")
	}
	if in.Symptoms != nil {
		rec.Symptoms = in.Symptoms
		fields = append(fields, "symptoms")
	}
	if in.Vitals != nil {
		in.Vitals.withUnits()
		rec.Vitals = in.Vitals
		fields = append(fields, "vitals")
	}
	if in.Examination != nil {
		rec.Examination = strings.TrimSpace(*in.Examination)
		fields = append(fields, "examination")
	}
	if in.Diagnosis != nil {
		rec.Diagnosis = in.Diagnosis
		fields = append(fields, "diagnosis")
	}
	if in.Investigations != nil {
		rec.Investigations = withInvestigationDefaults(in.Investigations)
		fields = append(fields, "investigations")
	}
	if in.TreatmentPlan != nil {
		rec.TreatmentPlan = strings.TrimSpace(*in.TreatmentPlan)
		fields = append(fields, "treatmentPlan")
	}
	if in.Notes != nil {
		rec.Notes = strings.TrimSpace(*in.Notes)
		fields = append(fields, "notes")
	}
	if in.FollowUpDate != nil {
		if in.FollowUpDate.Before(rec.VisitDate) {
			return nil, apierr.Validation(map[string]string{"followUpDate": "Follow-up date cannot be before the visit"})
		}
		rec.FollowUpDate = in.FollowUpDate
		fields = append(fields, "followUpDate")
	}
	if in.FollowUpInstructions != nil {
		rec.FollowUpInstructions = strings.TrimSpace(*in.FollowUpInstructions)
		fields = append(fields, "followUpInstructions")
	}
	if len(fields) == 0 {
		return rec, nil
	}
	if err := s.repo.UpdateRecord(ctx, rec); err != nil {
		return nil, mapErr(err)
	}
	s.audit(ctx, actor, audit.ActionRecordUpdated, rec.ClinicID, "medical_record", rec.ID, fields, nil)
	return rec, nil
}

// DeleteRecord removes a chart. Only its author or an admin may.
func (s *Service) DeleteRecord(ctx context.Context, actor tenancy.Principal, id uuid.UUID) error {
	rec, err := s.lookupRecord(ctx, id)
	if err != nil {
		return err
	}
	if rec.DoctorID != actor.UserID && !actor.IsAdmin() {
		return apierr.Forbidden(msgDeleteRecord)
	}
	if err := s.repo.DeleteRecord(ctx, id); err != nil {
		return mapErr(err)
	}
	s.audit(ctx, actor, audit.ActionRecordDeleted, rec.ClinicID, "medical_record", rec.ID, nil, map[string]any{
		"patientId": rec.PatientID,
	})
	return nil
}

// PatientHistory returns every record of the patient, newest first, with a
// summary of visits and recurring diagnoses.
func (s *Service) PatientHistory(ctx context.Context, actor tenancy.Principal, patientID uuid.UUID) (HistorySummary, []*MedicalRecord, error) {
	p, err := s.patients.Lookup(ctx, patientID)
	if err != nil {
		return HistorySummary{}, nil, err
	}
	if err := s.authorize(ctx, actor, p.ClinicID, p.UserID, msgRecordForbidden); err != nil {
		return HistorySummary{}, nil, err
	}
	recs, _, err := s.repo.ListRecords(ctx, RecordFilter{PatientID: &p.ID, Limit: -1})
	if err != nil {
		return HistorySummary{}, nil, err
	}
	return Summarize(recs), recs, nil
}

// MyRecords returns the caller's records across every clinic they are
// registered at.
func (s *Service) MyRecords(ctx context.Context, actor tenancy.Principal) ([]*MedicalRecord, error) {
	if _, err := s.patients.Mine(ctx, actor); err != nil {
		return nil, err
	}
	recs, _, err := s.repo.ListRecords(ctx, RecordFilter{PatientUserID: &actor.UserID, Limit: -1})
	return recs, err
}

// CreatePrescription issues an active prescription with its refills
// available.
func (s *Service) CreatePrescription(ctx context.Context, actor tenancy.Principal, in CreatePrescriptionInput) (*Prescription, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	patient, err := s.registeredPatient(ctx, actor, in.ClinicID, in.PatientID)
	if err != nil {
		return nil, err
	}
	if len(in.Medications) == 0 {
		return nil, apierr.Validation(map[string]string{"medications": "At least one medication is required"})
	}
	if in.RefillsAllowed < 0 || in.RefillsAllowed > maxRefills {
		return nil, apierr.Validation(map[string]string{"refillsAllowed": "Refills must be between 0 and 12"})
	}
	if in.MedicalRecordID != nil {
		rec, err := s.lookupRecord(ctx, *in.MedicalRecordID)
		if err != nil {
			return nil, err
		}
		if rec.PatientID != patient.ID {
			return nil, apierr.BadRequest(msgRecordPatientMismatch)
		}
	}

	issued := s.now().UTC()
	if in.PrescriptionDate != nil && !in.PrescriptionDate.IsZero() {
		issued = in.PrescriptionDate.UTC()
	}
	if in.ValidUntil != nil {
		if !in.ValidUntil.After(issued) {
			return nil, apierr.Validation(map[string]string{"validUntil": "Valid until must be after the prescription date"})
		}
		if in.ValidUntil.After(issued.AddDate(maxPrescriptionValidYears, 0, 0)) {
			return nil, apierr.Validation(map[string]string{"validUntil": "Prescriptions cannot be valid for more than two years"})
		}
	}

	p := &Prescription{
		ID:               uuid.New(),
		ClinicID:         in.ClinicID,
		PatientID:        patient.ID,
		DoctorID:         actor.UserID,
		MedicalRecordID:  in.MedicalRecordID,
		PrescriptionDate: issued,
		Medications:      in.Medications,
		Diagnosis:        strings.TrimSpace(in.Diagnosis),
		Instructions:     strings.TrimSpace(in.Instructions),
		ValidUntil:       in.ValidUntil,
		Status:           PrescriptionActive,
		Refills:          Refills{Allowed: in.RefillsAllowed, Remaining: in.RefillsAllowed},
		Notes:            strings.TrimSpace(in.Notes),
		PatientUserID:    patient.UserID,
		PatientName:      patient.User.FullName(),
		PatientEmail:     patient.User.Email,
		ClinicName:       patient.ClinicName,
		DoctorName:       actor.Name,
	}
	if err := s.repo.CreatePrescription(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("prescription issued",
		"prescription_id", p.ID, "prescription_number", p.PrescriptionNumber, "clinic_id", p.ClinicID,
	)
	s.audit(ctx, actor, audit.ActionPrescriptionIssued, p.ClinicID, "prescription", p.ID, nil, map[string]any{
		"prescriptionNumber": p.PrescriptionNumber,
		"medications":        len(p.Medications),
	})
	s.dispatch(ctx, p)
	return p, nil
}

func (s *Service) lookupPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p, err := s.repo.GetPrescription(ctx, id)
	if err != nil {
		return nil, mapErr(err)
	}
	return p, nil
}

func (s *Service) GetPrescription(ctx context.Context, actor tenancy.Principal, id uuid.UUID) (*Prescription, error) {
	p, err := s.lookupPrescription(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, p.ClinicID, p.PatientUserID, msgPrescriptionForbidden); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) ListPrescriptions(ctx context.Context, actor tenancy.Principal, in PrescriptionListInput) ([]*Prescription, int, error) {
	filter := PrescriptionFilter{
		PatientID: in.PatientID,
		DoctorID:  in.DoctorID,
		Status:    in.Status,
		From:      in.From,
		To:        in.To,
		Limit:     in.Limit,
		Offset:    in.Offset,
	}
	if actor.Role == tenancy.RolePatient {
		filter.PatientUserID = &actor.UserID
	} else {
		scope, err := s.clinics.Scope(ctx, actor, in.ClinicID)
		if err != nil {
			return nil, 0, err
		}
		filter.ClinicIDs = scope
	}
	return s.repo.ListPrescriptions(ctx, filter)
}

// UpdatePrescription lets the prescriber amend an active prescription.
// Changing the allowance keeps the refills already used.
func (s *Service) UpdatePrescription(ctx context.Context, actor tenancy.Principal, id uuid.UUID, in UpdatePrescriptionInput) (*Prescription, error) {
	var fields []string
	p, err := s.repo.UpdatePrescription(ctx, id, func(p *Prescription) error {
		if p.DoctorID != actor.UserID && !actor.IsAdmin() {
			return apierr.Forbidden(msgUpdateOwnPrescription)
		}
		switch p.Status {
		case PrescriptionCompleted:
			return apierr.BadRequest(msgUpdateCompleted)
		case PrescriptionCancelled:
			return apierr.BadRequest(msgUpdateCancelled)
		}
		if in.Medications != nil {
			p.Medications = in.Medications
			fields = append(fields, "medications")
		}
		if in.Diagnosis != nil {
			p.Diagnosis = strings.TrimSpace(*in.Diagnosis)
			fields = append(fields, "diagnosis")
		}
		if in.Instructions != nil {
			p.Instructions = strings.TrimSpace(*in.Instructions)
			fields = append(fields, "instructions")
		}
		if in.ValidUntil != nil {
			if !in.ValidUntil.After(p.PrescriptionDate) {
				return apierr.Validation(map[string]string{"validUntil": "Valid until must be after the prescription date"})
			}
			p.ValidUntil = in.ValidUntil
			fields = append(fields, "validUntil")
		}
		if in.RefillsAllowed != nil {
			used := p.Refills.Allowed - p.Refills.Remaining
			if *in.RefillsAllowed < used {
				return apierr.BadRequest("Refills allowed cannot be less than the refills already used")
			}
			p.Refills = Refills{Allowed: *in.RefillsAllowed, Remaining: *in.RefillsAllowed - used}
			fields = append(fields, "refills")
		}
		if in.Dispensed != nil {
			p.Dispensed = in.Dispensed
			fields = append(fields, "pharmacyDispensed")
		}
		if in.Notes != nil {
			p.Notes = strings.TrimSpace(*in.Notes)
			fields = append(fields, "notes")
		}
		if in.Status != nil && *in.Status != p.Status {
			p.Status = *in.Status
			fields = append(fields, "status")
		}
		return nil
	})
	if err != nil {
		return nil, mapErr(err)
	}
	if len(fields) > 0 {
		s.audit(ctx, actor, audit.ActionPrescriptionUpdated, p.ClinicID, "prescription", p.ID, fields, nil)
	}
	return p, nil
}

// RefillPrescription spends one refill. The prescription completes when
// the last refill is used.
func (s *Service) RefillPrescription(ctx context.Context, actor tenancy.Principal, id uuid.UUID, in RefillInput) (*Prescription, error) {
	now := s.now().UTC()
	p, err := s.repo.UpdatePrescription(ctx, id, func(p *Prescription) error {
		if err := s.authorize(ctx, actor, p.ClinicID, p.PatientUserID, msgPrescriptionForbidden); err != nil {
			return err
		}
		if p.Status != PrescriptionActive {
			return apierr.BadRequest(msgNotActive)
		}
		if p.Refills.Remaining <= 0 {
			return apierr.BadRequest(msgNoRefills)
		}
		if p.Expired(now) {
			return apierr.BadRequest(msgExpired)
		}
		reason := strings.TrimSpace(in.Reason)
		if reason == "" {
			reason = defaultRefillReason
		}
		p.Refills.Remaining--
		p.RefillHistory = append(p.RefillHistory, RefillEntry{
			Date:         now,
			RefillNumber: p.Refills.Allowed - p.Refills.Remaining,
			Reason:       reason,
			RefilledBy:   actor.UserID,
		})
		if p.Refills.Remaining == 0 {
			p.Status = PrescriptionCompleted
		}
		return nil
	})
	if err != nil {
		return nil, mapErr(err)
	}
	s.audit(ctx, actor, audit.ActionPrescriptionRefilled, p.ClinicID, "prescription", p.ID, []string{"refills"}, map[string]any{
		"remaining": p.Refills.Remaining,
	})
	return p, nil
}

// CancelPrescription stops a prescription that has not completed.
func (s *Service) CancelPrescription(ctx context.Context, actor tenancy.Principal, id uuid.UUID) (*Prescription, error) {
	now := s.now().UTC()
	p, err := s.repo.UpdatePrescription(ctx, id, func(p *Prescription) error {
		if p.DoctorID != actor.UserID && !actor.IsAdmin() {
			return apierr.Forbidden(msgCancelOwnPrescription)
		}
		switch p.Status {
		case PrescriptionCompleted:
			return apierr.BadRequest(msgCancelCompleted)
		case PrescriptionCancelled:
			return apierr.BadRequest(msgAlreadyCancelled)
		}
		p.Status = PrescriptionCancelled
		p.CancelledAt = &now
		return nil
	})
	if err != nil {
		return nil, mapErr(err)
	}
	s.audit(ctx, actor, audit.ActionPrescriptionCancelled, p.ClinicID, "prescription", p.ID, []string{"status"}, nil)
	return p, nil
}

func (s *Service) DeletePrescription(ctx context.Context, actor tenancy.Principal, id uuid.UUID) error {
	p, err := s.lookupPrescription(ctx, id)
	if err != nil {
		return err
	}
	if p.DoctorID != actor.UserID && !actor.IsAdmin() {
		return apierr.Forbidden(msgDeletePrescription)
	}
	if err := s.repo.DeletePrescription(ctx, id); err != nil {
		return mapErr(err)
	}
	s.audit(ctx, actor, audit.ActionPrescriptionDeleted, p.ClinicID, "prescription", p.ID, nil, map[string]any{
		"prescriptionNumber": p.PrescriptionNumber,
	})
	return nil
}

// MyPrescriptions returns the caller's prescriptions, optionally narrowed
// by status.
func (s *Service) MyPrescriptions(ctx context.Context, actor tenancy.Principal, status string) ([]*Prescription, error) {
	if _, err := s.patients.Mine(ctx, actor); err != nil {
		return nil, err
	}
	out, _, err := s.repo.ListPrescriptions(ctx, PrescriptionFilter{PatientUserID: &actor.UserID, Status: status, Limit: -1})
	return out, err
}

// ActivePrescriptions returns the patient's active prescriptions that have
// not expired.
func (s *Service) ActivePrescriptions(ctx context.Context, actor tenancy.Principal, patientID uuid.UUID) ([]*Prescription, error) {
	p, err := s.patients.Lookup(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, p.ClinicID, p.UserID, msgPrescriptionForbidden); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	out, _, err := s.repo.ListPrescriptions(ctx, PrescriptionFilter{
		PatientID: &p.ID,
		Status:    PrescriptionActive,
		ValidAt:   &now,
		Limit:     -1,
	})
	return out, err
}

func (s *Service) audit(ctx context.Context, actor tenancy.Principal, action audit.Action, clinicID uuid.UUID, entity string, id uuid.UUID, fields []string, details any) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(ctx, audit.Event{
		Action:     action,
		ClinicID:   clinicID,
		ActorID:    actor.UserID,
		ActorRole:  actor.Role,
		EntityType: entity,
		EntityID:   id,
		Fields:     fields,
	}, details)
}

// dispatch announces a new prescription detached from the request's
// cancellation and bounded by notifyTimeout.
func (s *Service) dispatch(ctx context.Context, p *Prescription) {
	if s.notifier == nil {
		return
	}
	snapshot := *p
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
		defer cancel()
		if err := s.notifier.PrescriptionIssued(ctx, &snapshot); err != nil {
			s.logger.Warn("prescription notification failed", "prescription_id", snapshot.ID, "error", err)
		}
	}()
}
