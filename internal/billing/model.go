// Package billing keeps the invoice and payment ledger of a clinic.
package billing

import (
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-platform/pkg/dates"
)

const (
	InvoiceDraft         = "draft"
	InvoicePending       = "pending"
	InvoicePartiallyPaid = "partially-paid"
	InvoicePaid          = "paid"
	InvoiceOverdue       = "overdue"
	InvoiceCancelled     = "cancelled"
)

const (
	PaymentPending   = "pending"
	PaymentCompleted = "completed"
	PaymentFailed    = "failed"
	PaymentRefunded  = "refunded"
	PaymentCancelled = "cancelled"
)

const (
	DefaultCurrency = "USD"
	// ReminderInterval is the minimum gap between two overdue reminders for
	// the same invoice.
	ReminderInterval = 7 * 24 * time.Hour
)

// Item is one invoice line. Total is derived.
type Item struct {
	Description string  `json:"description" validate:"required,max=500"`
	Category    string  `json:"category" validate:"omitempty,oneof=consultation procedure medication lab-test imaging other"`
	Quantity    float64 `json:"quantity" validate:"gte=1"`
	UnitPrice   float64 `json:"unitPrice" validate:"gte=0"`
	DiscountPct float64 `json:"discount" validate:"gte=0,lte=100"`
	TaxPct      float64 `json:"tax" validate:"gte=0,lte=100"`
	Total       float64 `json:"total"`
}

// Party is the patient projection joined into ledger listings. ID is the
// patient's user account.
type Party struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Email string    `json:"email,omitempty"`
	Phone string    `json:"phone,omitempty"`
}

type Invoice struct {
	ID                   uuid.UUID  `json:"id"`
	ClinicID             uuid.UUID  `json:"clinicId"`
	PatientID            uuid.UUID  `json:"patientId"`
	AppointmentID        *uuid.UUID `json:"appointmentId,omitempty"`
	MedicalRecordID      *uuid.UUID `json:"medicalRecordId,omitempty"`
	InvoiceNumber        string     `json:"invoiceNumber"`
	InvoiceDate          dates.Date `json:"invoiceDate"`
	DueDate              dates.Date `json:"dueDate"`
	Items                []Item     `json:"items"`
	Subtotal             float64    `json:"subtotal"`
	DiscountPct          float64    `json:"discount"`
	DiscountAmount       float64    `json:"discountAmount"`
	TaxPct               float64    `json:"tax"`
	TaxAmount            float64    `json:"taxAmount"`
	TotalAmount          float64    `json:"totalAmount"`
	AmountPaid           float64    `json:"amountPaid"`
	BalanceDue           float64    `json:"balanceDue"`
	Status               string     `json:"status"`
	Currency             string     `json:"currency"`
	Notes                string     `json:"notes,omitempty"`
	Terms                string     `json:"terms,omitempty"`
	InsuranceClaimNumber string     `json:"insuranceClaimNumber,omitempty"`
	LastReminderSentAt   *time.Time `json:"lastReminderSentAt,omitempty"`
	CreatedBy            uuid.UUID  `json:"createdBy"`
	CancelledAt          *time.Time `json:"cancelledAt,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`

	Patient    Party  `json:"patient"`
	ClinicName string `json:"clinicName,omitempty"`
}

// IsOpen reports whether the invoice still expects payments.
func (inv *Invoice) IsOpen() bool {
	switch inv.Status {
	case InvoicePending, InvoicePartiallyPaid, InvoiceOverdue:
		return true
	}
	return false
}

// DaysOverdue counts whole days between the due date and today.
func (inv *Invoice) DaysOverdue(today time.Time) int {
	days := int(dates.Day(today).Sub(inv.DueDate.Time).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// Summary is the invoice projection returned with payment operations.
type Summary struct {
	TotalAmount float64 `json:"totalAmount"`
	AmountPaid  float64 `json:"amountPaid"`
	BalanceDue  float64 `json:"balanceDue"`
	Status      string  `json:"status"`
}

func (inv *Invoice) Summary() Summary {
	return Summary{
		TotalAmount: inv.TotalAmount,
		AmountPaid:  inv.AmountPaid,
		BalanceDue:  inv.BalanceDue,
		Status:      inv.Status,
	}
}

type CardDetails struct {
	Last4    string `json:"last4,omitempty" validate:"omitempty,len=4,numeric"`
	CardType string `json:"cardType,omitempty" validate:"omitempty,max=30"`
}

type Refund struct {
	Amount        float64   `json:"amount"`
	Reason        string    `json:"reason"`
	Date          time.Time `json:"date"`
	RefundedBy    uuid.UUID `json:"refundedBy"`
	Method        string    `json:"method,omitempty"`
	TransactionID string    `json:"transactionId,omitempty"`
}

type Payment struct {
	ID            uuid.UUID    `json:"id"`
	ClinicID      uuid.UUID    `json:"clinicId"`
	InvoiceID     uuid.UUID    `json:"invoiceId"`
	PatientID     uuid.UUID    `json:"patientId"`
	PaymentNumber string       `json:"paymentNumber"`
	Amount        float64      `json:"amount"`
	Method        string       `json:"paymentMethod"`
	Status        string       `json:"status"`
	PaymentDate   time.Time    `json:"paymentDate"`
	TransactionID string       `json:"transactionId,omitempty"`
	CardDetails   *CardDetails `json:"cardDetails,omitempty"`
	Refund        *Refund      `json:"refund,omitempty"`
	Notes         string       `json:"notes,omitempty"`
	ReceivedBy    uuid.UUID    `json:"receivedBy"`
	Currency      string       `json:"currency"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`

	InvoiceNumber string `json:"invoiceNumber,omitempty"`
	Patient       Party  `json:"patient"`
}

// Counts reports whether the payment's amount is carried on its invoice.
func (p *Payment) Counts() bool {
	return p.Status == PaymentCompleted
}

type InvoiceFilter struct {
	ClinicIDs     []uuid.UUID
	PatientID     *uuid.UUID
	PatientUserID *uuid.UUID
	Status        string
	From          *time.Time
	To            *time.Time
	// OverdueAsOf keeps open invoices due before the given day.
	OverdueAsOf *time.Time
	Limit       int
	Offset      int
}

type PaymentFilter struct {
	ClinicIDs     []uuid.UUID
	PatientID     *uuid.UUID
	PatientUserID *uuid.UUID
	InvoiceID     *uuid.UUID
	Status        string
	Method        string
	From          *time.Time
	To            *time.Time
	Limit         int
	Offset        int
}

type InvoiceTotals struct {
	TotalInvoices int     `json:"totalInvoices"`
	TotalAmount   float64 `json:"totalAmount"`
	TotalPaid     float64 `json:"totalPaid"`
	TotalDue      float64 `json:"totalDue"`
}

type StatusBreakdown struct {
	Status string  `json:"status"`
	Count  int     `json:"count"`
	Amount float64 `json:"amount"`
}

type InvoiceStats struct {
	Overview     InvoiceTotals     `json:"overview"`
	ByStatus     []StatusBreakdown `json:"byStatus"`
	OverdueCount int               `json:"overdueCount"`
}

type PaymentTotals struct {
	TotalPayments int     `json:"totalPayments"`
	TotalAmount   float64 `json:"totalAmount"`
	TotalRefunded float64 `json:"totalRefunded"`
}

type MethodBreakdown struct {
	Method string  `json:"method"`
	Count  int     `json:"count"`
	Amount float64 `json:"amount"`
}

type RefundTotals struct {
	TotalRefunds      int     `json:"totalRefunds"`
	TotalRefundAmount float64 `json:"totalRefundAmount"`
}

type PaymentStats struct {
	Overview struct {
		TotalPayments int     `json:"totalPayments"`
		TotalAmount   float64 `json:"totalAmount"`
	} `json:"overview"`
	ByMethod []MethodBreakdown `json:"byMethod"`
	Refunds  RefundTotals      `json:"refunds"`
}
