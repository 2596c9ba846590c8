package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	TypeAppointmentBooked      = "appointment.booked.v1"
	TypeAppointmentRescheduled = "appointment.rescheduled.v1"
	TypeAppointmentCancelled   = "appointment.cancelled.v1"
	TypeAppointmentCompleted   = "appointment.completed.v1"
	TypeInvoiceCreated         = "invoice.created.v1"
	TypePaymentRecorded        = "payment.recorded.v1"
	TypePaymentRefunded        = "payment.refunded.v1"
)

type AppointmentBookedV1 struct {
	AppointmentID     uuid.UUID `json:"appointment_id"`
	AppointmentNumber string    `json:"appointment_number"`
	ClinicID          uuid.UUID `json:"clinic_id"`
	PatientID         uuid.UUID `json:"patient_id"`
	DoctorID          uuid.UUID `json:"doctor_id"`
	ScheduledDate     string    `json:"scheduled_date"`
	Start             string    `json:"start"`
	End               string    `json:"end"`
	BookedBy          uuid.UUID `json:"booked_by"`
	BookingSource     string    `json:"booking_source"`
}

func (AppointmentBookedV1) EventType() string { return TypeAppointmentBooked }

type AppointmentRescheduledV1 struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	ClinicID      uuid.UUID `json:"clinic_id"`
	DoctorID      uuid.UUID `json:"doctor_id"`
	PreviousDate  string    `json:"previous_date"`
	PreviousStart string    `json:"previous_start"`
	ScheduledDate string    `json:"scheduled_date"`
	Start         string    `json:"start"`
	End           string    `json:"end"`
}

func (AppointmentRescheduledV1) EventType() string { return TypeAppointmentRescheduled }

type AppointmentCancelledV1 struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	ClinicID      uuid.UUID `json:"clinic_id"`
	CancelledBy   uuid.UUID `json:"cancelled_by"`
	Reason        string    `json:"reason"`
	CancelledAt   time.Time `json:"cancelled_at"`
}

func (AppointmentCancelledV1) EventType() string { return TypeAppointmentCancelled }

type AppointmentCompletedV1 struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	ClinicID      uuid.UUID `json:"clinic_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	DoctorID      uuid.UUID `json:"doctor_id"`
	CompletedAt   time.Time `json:"completed_at"`
}

func (AppointmentCompletedV1) EventType() string { return TypeAppointmentCompleted }

type InvoiceCreatedV1 struct {
	InvoiceID     uuid.UUID `json:"invoice_id"`
	InvoiceNumber string    `json:"invoice_number"`
	ClinicID      uuid.UUID `json:"clinic_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	TotalAmount   float64   `json:"total_amount"`
	Currency      string    `json:"currency"`
	DueDate       string    `json:"due_date"`
}

func (InvoiceCreatedV1) EventType() string { return TypeInvoiceCreated }

type PaymentRecordedV1 struct {
	PaymentID     uuid.UUID `json:"payment_id"`
	PaymentNumber string    `json:"payment_number"`
	InvoiceID     uuid.UUID `json:"invoice_id"`
	ClinicID      uuid.UUID `json:"clinic_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	Amount        float64   `json:"amount"`
	Method        string    `json:"method"`
	BalanceDue    float64   `json:"balance_due"`
	InvoiceStatus string    `json:"invoice_status"`
}

func (PaymentRecordedV1) EventType() string { return TypePaymentRecorded }

type PaymentRefundedV1 struct {
	PaymentID     uuid.UUID `json:"payment_id"`
	InvoiceID     uuid.UUID `json:"invoice_id"`
	ClinicID      uuid.UUID `json:"clinic_id"`
	Amount        float64   `json:"amount"`
	Reason        string    `json:"reason"`
	InvoiceStatus string    `json:"invoice_status"`
}

func (PaymentRefundedV1) EventType() string { return TypePaymentRefunded }
