package billing

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/clinic-platform/internal/apierr"
	"github.com/wolfman30/clinic-platform/internal/audit"
	"github.com/wolfman30/clinic-platform/internal/clinic"
	"github.com/wolfman30/clinic-platform/internal/events"
	"github.com/wolfman30/clinic-platform/internal/observability/metrics"
	"github.com/wolfman30/clinic-platform/internal/patients"
	"github.com/wolfman30/clinic-platform/internal/scheduling"
	"github.com/wolfman30/clinic-platform/internal/tenancy"
	"github.com/wolfman30/clinic-platform/pkg/dates"
	"github.com/wolfman30/clinic-platform/pkg/logging"
)

var billingTracer = otel.Tracer("clinic.internal.billing")

const (
	msgInvoiceMissing      = "Invoice not found"
	msgPaymentMissing      = "Payment not found"
	msgAlreadyPaid         = "Invoice is already fully paid"
	msgPayCancelled        = "Cannot add payment to a cancelled invoice"
	msgExceedsBalance      = "Payment amount exceeds balance due. Balance: "
	msgAlreadyRefunded     = "Payment has already been refunded"
	msgRefundTooLarge      = "Refund amount cannot exceed payment amount"
	msgRefundNotCompleted  = "Only completed payments can be refunded"
	msgDeleteWithPayments  = "Cannot delete an invoice with payments. Please refund payments first."
	msgCancelWithPayments  = "Cannot cancel an invoice with payments. Please refund payments first."
	msgCancelPaid          = "Cannot cancel a paid invoice"
	msgAlreadyCancelled    = "Invoice is already cancelled"
	msgUpdatePaid          = "Cannot update a paid invoice"
	msgUpdateCancelled     = "Cannot update a cancelled invoice"
	msgTotalBelowPaid      = "Invoice total cannot be less than the amount already paid"
	msgUpdateRefunded      = "Cannot update a refunded payment"
	msgDeleteRefunded      = "Cannot delete a refunded payment"
	msgPatientsReadOnly    = "Patients cannot modify invoices or payments"
	msgInvoiceForbidden    = "Not authorized to access this invoice"
	msgPaymentForbidden    = "Not authorized to access this payment"
	msgAppointmentMismatch = "Appointment does not belong to this patient"
)

type ClinicAccess interface {
	Lookup(ctx context.Context, id uuid.UUID) (*clinic.Clinic, error)
	CheckAccess(ctx context.Context, p tenancy.Principal, clinicID uuid.UUID) error
	Scope(ctx context.Context, p tenancy.Principal, requested *uuid.UUID) ([]uuid.UUID, error)
}

type PatientDirectory interface {
	Lookup(ctx context.Context, id uuid.UUID) (*patients.Patient, error)
}

// AppointmentLookup resolves the appointment an invoice bills for.
type AppointmentLookup interface {
	Get(ctx context.Context, actor tenancy.Principal, id uuid.UUID) (*scheduling.Appointment, error)
}

// Notifier tells the patient about ledger activity. Calls happen after
// commit.
type Notifier interface {
	InvoiceIssued(ctx context.Context, inv *Invoice) error
	PaymentReceived(ctx context.Context, inv *Invoice, p *Payment) error
	InvoiceOverdue(ctx context.Context, inv *Invoice, daysOverdue int) error
}

type Auditor interface {
	Record(ctx context.Context, event audit.Event, details any)
}

type Service struct {
	repo          Repository
	clinics       ClinicAccess
	patients      PatientDirectory
	appointments  AppointmentLookup
	notifier      Notifier
	auditor       Auditor
	metrics       *metrics.LedgerMetrics
	logger        *logging.Logger
	now           func() time.Time
	notifyTimeout time.Duration
	inflight      sync.WaitGroup
}

func NewService(repo Repository, clinics ClinicAccess, patients PatientDirectory, logger *logging.Logger) *Service {
	if repo == nil {
		panic("billing: repository required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		repo:          repo,
		clinics:       clinics,
		patients:      patients,
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

func (s *Service) WithMetrics(m *metrics.LedgerMetrics) *Service {
	s.metrics = m
	return s
}

// Wait blocks until in-flight notifications finish.
func (s *Service) Wait() {
	s.inflight.Wait()
}

type CreateInvoiceInput struct {
	ClinicID             uuid.UUID   `json:"clinicId" validate:"required"`
	PatientID            uuid.UUID   `json:"patientId" validate:"required"`
	AppointmentID        *uuid.UUID  `json:"appointmentId"`
	MedicalRecordID      *uuid.UUID  `json:"medicalRecordId"`
	InvoiceDate          *dates.Date `json:"invoiceDate"`
	DueDate              dates.Date  `json:"dueDate" validate:"required"`
	Items                []Item      `json:"items" validate:"required,min=1,dive"`
	DiscountPct          float64     `json:"discount" validate:"gte=0,lte=100"`
	TaxPct               float64     `json:"tax" validate:"gte=0,lte=100"`
	Currency             string      `json:"currency" validate:"omitempty,len=3"`
	Notes                string      `json:"notes" validate:"max=2000"`
	Terms                string      `json:"terms" validate:"max=2000"`
	InsuranceClaimNumber string      `json:"insuranceClaimNumber" validate:"max=100"`
}

type UpdateInvoiceInput struct {
	Items                []Item      `json:"items" validate:"omitempty,min=1,dive"`
	DiscountPct          *float64    `json:"discount" validate:"omitempty,gte=0,lte=100"`
	TaxPct               *float64    `json:"tax" validate:"omitempty,gte=0,lte=100"`
	DueDate              *dates.Date `json:"dueDate"`
	Notes                *string     `json:"notes" validate:"omitempty,max=2000"`
	Terms                *string     `json:"terms" validate:"omitempty,max=2000"`
	InsuranceClaimNumber *string     `json:"insuranceClaimNumber" validate:"omitempty,max=100"`
}

type RecordPaymentInput struct {
	Amount        float64      `json:"amount" validate:"gt=0"`
	Method        string       `json:"paymentMethod" validate:"required,oneof=cash card credit-card debit-card bank-transfer online insurance cheque other"`
	PaymentDate   *time.Time   `json:"paymentDate"`
	TransactionID string       `json:"transactionId" validate:"max=100"`
	CardDetails   *CardDetails `json:"cardDetails"`
	Notes         string       `json:"notes" validate:"max=1000"`
}

type CreatePaymentInput struct {
	InvoiceID uuid.UUID `json:"invoiceId" validate:"required"`
	RecordPaymentInput
}

type UpdatePaymentInput struct {
	Amount        *float64     `json:"amount" validate:"omitempty,gt=0"`
	Method        *string      `json:"paymentMethod" validate:"omitempty,oneof=cash card credit-card debit-card bank-transfer online insurance cheque other"`
	TransactionID *string      `json:"transactionId" validate:"omitempty,max=100"`
	CardDetails   *CardDetails `json:"cardDetails"`
	Notes         *string      `json:"notes" validate:"omitempty,max=1000"`
}

// RefundInput refunds Amount, or the whole payment when Amount is zero.
type RefundInput struct {
	Amount        float64 `json:"amount" validate:"gte=0"`
	Reason        string  `json:"reason" validate:"required,max=500"`
	Method        string  `json:"method" validate:"omitempty,max=30"`
	TransactionID string  `json:"transactionId" validate:"max=100"`
}

type InvoiceListInput struct {
	ClinicID  *uuid.UUID
	PatientID *uuid.UUID
	Status    string
	From      *time.Time
	To        *time.Time
	Overdue   bool
	Limit     int
	Offset    int
}

type PaymentListInput struct {
	ClinicID  *uuid.UUID
	PatientID *uuid.UUID
	InvoiceID *uuid.UUID
	Status    string
	Method    string
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

func (s *Service) today() time.Time {
	return dates.Today(s.now())
}

func requireStaff(actor tenancy.Principal) error {
	if actor.Role == tenancy.RolePatient {
		return apierr.Forbidden(msgPatientsReadOnly)
	}
	return nil
}

// checkItems rejects lines the validator cannot see when the service is
// called directly.
func checkItems(items []Item) error {
	if len(items) == 0 {
		return apierr.Validation(map[string]string{"items": "At least one item is required"})
	}
	for _, it := range items {
		if it.Quantity < 1 || it.UnitPrice < 0 {
			return apierr.Validation(map[string]string{"items": "Quantity must be at least 1 and unit price cannot be negative"})
		}
		if it.DiscountPct < 0 || it.DiscountPct > 100 || it.TaxPct < 0 || it.TaxPct > 100 {
			return apierr.Validation(map[string]string{"items": "Discount and tax must be between 0 and 100"})
		}
	}
	return nil
}

func cleanItems(in []Item) []Item {
	out := make([]Item, len(in))
	for i, it := range in {
		it.Description = strings.TrimSpace(it.Description)
		if it.Category == "" {
			it.Category = "other"
		}
		out[i] = it
	}
	return out
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if apiErr, ok := apierr.As(err); ok && apiErr.Status < http.StatusInternalServerError {
		return "rejected"
	}
	return "error"
}

// observe records the operation outcome on the ledger metric and marks the
// span failed on unexpected errors.
func (s *Service) observe(span trace.Span, op string, err error) {
	o := outcome(err)
	s.metrics.ObserveOperation(op, o)
	if o == "error" {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
	}
}

func (s *Service) lookupInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return nil, mapErr(err)
	}
	return inv, nil
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, ErrInvoiceNotFound):
		return apierr.NotFound(msgInvoiceMissing)
	case errors.Is(err, ErrPaymentNotFound):
		return apierr.NotFound(msgPaymentMissing)
	}
	return err
}

// authorizeInvoice lets patients read their own invoices and staff those of
// clinics they can access.
func (s *Service) authorizeInvoice(ctx context.Context, actor tenancy.Principal, clinicID, patientUserID uuid.UUID, msg string) error {
	if actor.Role == tenancy.RolePatient {
		if patientUserID != actor.UserID {
			return apierr.Forbidden(msg)
		}
		return nil
	}
	return s.clinics.CheckAccess(ctx, actor, clinicID)
}

// CreateInvoice prices the items and issues a pending invoice.
func (s *Service) CreateInvoice(ctx context.Context, actor tenancy.Principal, in CreateInvoiceInput) (*Invoice, error) {
	ctx, span := billingTracer.Start(ctx, "billing.create_invoice")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.id", in.ClinicID.String()),
		attribute.String("patient.id", in.PatientID.String()),
	)

	inv, err := s.createInvoice(ctx, actor, in)
	s.observe(span, "create_invoice", err)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("invoice.number", inv.InvoiceNumber))
	s.logger.Info("invoice created",
		"invoice_id", inv.ID, "invoice_number", inv.InvoiceNumber,
		"clinic_id", inv.ClinicID, "total", formatMoney(inv.TotalAmount),
	)
	s.audit(ctx, actor, audit.ActionInvoiceCreated, inv.ClinicID, "invoice", inv.ID, nil, map[string]any{
		"invoiceNumber": inv.InvoiceNumber,
		"totalAmount":   inv.TotalAmount,
	})
	snapshot := *inv
	s.dispatch(ctx, "invoice_issued", inv.ID, func(ctx context.Context) error {
		return s.notifier.InvoiceIssued(ctx, &snapshot)
	})
	return inv, nil
}

func (s *Service) createInvoice(ctx context.Context, actor tenancy.Principal, in CreateInvoiceInput) (*Invoice, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	c, err := s.clinics.Lookup(ctx, in.ClinicID)
	if err != nil {
		return nil, err
	}
	if err := s.clinics.CheckAccess(ctx, actor, c.ID); err != nil {
		return nil, err
	}
	patient, err := s.patients.Lookup(ctx, in.PatientID)
	if err != nil {
		return nil, err
	}
	if patient.ClinicID != c.ID {
		return nil, apierr.BadRequest("Patient is not registered at this clinic")
	}
	if in.AppointmentID != nil && s.appointments != nil {
		appt, err := s.appointments.Get(ctx, actor, *in.AppointmentID)
		if err != nil {
			return nil, err
		}
		if appt.PatientID != patient.ID {
			return nil, apierr.BadRequest(msgAppointmentMismatch)
		}
	}
	if err := checkItems(in.Items); err != nil {
		return nil, err
	}

	issued := s.today()
	if in.InvoiceDate != nil && !in.InvoiceDate.IsZero() {
		issued = dates.Day(in.InvoiceDate.Time)
	}
	due := dates.Day(in.DueDate.Time)
	if due.Before(issued) {
		return nil, apierr.Validation(map[string]string{"dueDate": "Due date cannot be before the invoice date"})
	}
	currency := strings.ToUpper(in.Currency)
	if currency == "" {
		currency = c.Settings.Currency
	}
	if currency == "" {
		currency = DefaultCurrency
	}

	inv := &Invoice{
		ID:                   uuid.New(),
		ClinicID:             c.ID,
		PatientID:            patient.ID,
		AppointmentID:        in.AppointmentID,
		MedicalRecordID:      in.MedicalRecordID,
		InvoiceDate:          dates.Date{Time: issued},
		DueDate:              dates.Date{Time: due},
		Items:                cleanItems(in.Items),
		DiscountPct:          in.DiscountPct,
		TaxPct:               in.TaxPct,
		Status:               InvoicePending,
		Currency:             currency,
		Notes:                strings.TrimSpace(in.Notes),
		Terms:                strings.TrimSpace(in.Terms),
		InsuranceClaimNumber: strings.TrimSpace(in.InsuranceClaimNumber),
		CreatedBy:            actor.UserID,
		CreatedAt:            s.now().UTC(),
		Patient: Party{
			ID: patient.UserID, Name: patient.User.FullName(), Email: patient.User.Email, Phone: patient.User.Phone,
		},
		ClinicName: c.Name,
	}
	ComputeTotals(inv.Items, inv.DiscountPct, inv.TaxPct).Apply(inv)

	if err := s.repo.CreateInvoice(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// GetInvoice returns the invoice with its payments, newest first.
func (s *Service) GetInvoice(ctx context.Context, actor tenancy.Principal, id uuid.UUID) (*Invoice, []*Payment, error) {
	inv, err := s.lookupInvoice(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := s.authorizeInvoice(ctx, actor, inv.ClinicID, inv.Patient.ID, msgInvoiceForbidden); err != nil {
		return nil, nil, err
	}
	payments, _, err := s.repo.ListPayments(ctx, PaymentFilter{InvoiceID: &inv.ID, Limit: 1000})
	if err != nil {
		return nil, nil, err
	}
	return inv, payments, nil
}

// ListInvoices returns invoices visible to the caller. Patients only see
// their own.
func (s *Service) ListInvoices(ctx context.Context, actor tenancy.Principal, in InvoiceListInput) ([]*Invoice, int, error) {
	filter := InvoiceFilter{
		PatientID: in.PatientID,
		Status:    in.Status,
		From:      in.From,
		To:        in.To,
		Limit:     in.Limit,
		Offset:    in.Offset,
	}
	if in.Overdue {
		today := s.today()
		filter.OverdueAsOf = &today
	}
	if err := s.scopeInvoices(ctx, actor, in.ClinicID, &filter); err != nil {
		return nil, 0, err
	}
	return s.repo.ListInvoices(ctx, filter)
}

func (s *Service) scopeInvoices(ctx context.Context, actor tenancy.Principal, clinicID *uuid.UUID, filter *InvoiceFilter) error {
	if actor.Role == tenancy.RolePatient {
		self := actor.UserID
		filter.PatientUserID = &self
		return nil
	}
	scope, err := s.clinics.Scope(ctx, actor, clinicID)
	if err != nil {
		return err
	}
	filter.ClinicIDs = scope
	return nil
}

// MyInvoices lists the calling patient's invoices with totals over all of
// them.
func (s *Service) MyInvoices(ctx context.Context, actor tenancy.Principal, status string, limit, offset int) ([]*Invoice, int, InvoiceTotals, error) {
	self := actor.UserID
	filter := InvoiceFilter{PatientUserID: &self, Status: status, Limit: limit, Offset: offset}
	list, total, err := s.repo.ListInvoices(ctx, filter)
	if err != nil {
		return nil, 0, InvoiceTotals{}, err
	}
	summary, err := s.repo.SummarizeInvoices(ctx, InvoiceFilter{PatientUserID: &self})
	if err != nil {
		return nil, 0, InvoiceTotals{}, err
	}
	return list, total, summary, nil
}

func (s *Service) InvoiceStats(ctx context.Context, actor tenancy.Principal, clinicID *uuid.UUID, from, to *time.Time) (*InvoiceStats, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	filter := InvoiceFilter{From: from, To: to}
	if err := s.scopeInvoices(ctx, actor, clinicID, &filter); err != nil {
		return nil, err
	}
	return s.repo.InvoiceStats(ctx, filter, s.today())
}

// UpdateInvoice edits an open invoice. Changing items, discount or tax
// reprices it; the new total may not fall below what was already paid.
func (s *Service) UpdateInvoice(ctx context.Context, actor tenancy.Principal, id uuid.UUID, in UpdateInvoiceInput) (*Invoice, error) {
	ctx, span := billingTracer.Start(ctx, "billing.update_invoice")
	defer span.End()
	span.SetAttributes(attribute.String("invoice.id", id.String()))

	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	if in.Items != nil {
		if err := checkItems(in.Items); err != nil {
			return nil, err
		}
	}
	var changed []string
	inv, err := s.repo.UpdateInvoice(ctx, id, func(inv *Invoice, _ []*Payment) error {
		if err := s.clinics.CheckAccess(ctx, actor, inv.ClinicID); err != nil {
			return err
		}
		switch inv.Status {
		case InvoicePaid:
			return apierr.BadRequest(msgUpdatePaid)
		case InvoiceCancelled:
			return apierr.BadRequest(msgUpdateCancelled)
		}
		reprice := false
		if in.Items != nil {
			inv.Items = cleanItems(in.Items)
			changed, reprice = append(changed, "items"), true
		}
		if in.DiscountPct != nil {
			inv.DiscountPct = *in.DiscountPct
			changed, reprice = append(changed, "discount"), true
		}
		if in.TaxPct != nil {
			inv.TaxPct = *in.TaxPct
			changed, reprice = append(changed, "tax"), true
		}
		if in.DueDate != nil {
			due := dates.Day(in.DueDate.Time)
			if due.Before(inv.InvoiceDate.Time) {
				return apierr.Validation(map[string]string{"dueDate": "Due date cannot be before the invoice date"})
			}
			inv.DueDate = dates.Date{Time: due}
			changed = append(changed, "dueDate")
		}
		if in.Notes != nil {
			inv.Notes = strings.TrimSpace(*in.Notes)
			changed = append(changed, "notes")
		}
		if in.Terms != nil {
			inv.Terms = strings.TrimSpace(*in.Terms)
			changed = append(changed, "terms")
		}
		if in.InsuranceClaimNumber != nil {
			inv.InsuranceClaimNumber = strings.TrimSpace(*in.InsuranceClaimNumber)
			changed = append(changed, "insuranceClaimNumber")
		}
		if reprice {
			totals := ComputeTotals(inv.Items, inv.DiscountPct, inv.TaxPct)
			if dec(totals.TotalAmount).LessThan(dec(inv.AmountPaid)) {
				return apierr.BadRequest(msgTotalBelowPaid)
			}
			totals.Apply(inv)
			if inv.AmountPaid > 0 {
				inv.settle()
			}
		}
		return nil
	})
	s.observe(span, "update_invoice", err)
	if err != nil {
		return nil, mapErr(err)
	}
	s.audit(ctx, actor, audit.ActionInvoiceUpdated, inv.ClinicID, "invoice", inv.ID, changed, nil)
	return inv, nil
}

// hasActivePayments reports whether any payment still counts on the invoice.
func hasActivePayments(payments []*Payment) bool {
	for _, p := range payments {
		if p.Counts() {
			return true
		}
	}
	return false
}

// CancelInvoice voids an unpaid invoice.
func (s *Service) CancelInvoice(ctx context.Context, actor tenancy.Principal, id uuid.UUID) (*Invoice, error) {
	ctx, span := billingTracer.Start(ctx, "billing.cancel_invoice")
	defer span.End()
	span.SetAttributes(attribute.String("invoice.id", id.String()))

	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	inv, err := s.repo.UpdateInvoice(ctx, id, func(inv *Invoice, payments []*Payment) error {
		if err := s.clinics.CheckAccess(ctx, actor, inv.ClinicID); err != nil {
			return err
		}
		switch {
		case inv.Status == InvoiceCancelled:
			return apierr.BadRequest(msgAlreadyCancelled)
		case inv.Status == InvoicePaid:
			return apierr.BadRequest(msgCancelPaid)
		case hasActivePayments(payments) || inv.AmountPaid > 0:
			return apierr.BadRequest(msgCancelWithPayments)
		}
		now := s.now().UTC()
		inv.Status = InvoiceCancelled
		inv.CancelledAt = &now
		return nil
	})
	s.observe(span, "cancel_invoice", err)
	if err != nil {
		return nil, mapErr(err)
	}
	s.logger.Info("invoice cancelled", "invoice_id", inv.ID, "invoice_number", inv.InvoiceNumber)
	s.audit(ctx, actor, audit.ActionInvoiceCancelled, inv.ClinicID, "invoice", inv.ID, []string{"status"}, nil)
	return inv, nil
}

// DeleteInvoice removes an invoice that carries no payments.
func (s *Service) DeleteInvoice(ctx context.Context, actor tenancy.Principal, id uuid.UUID) error {
	ctx, span := billingTracer.Start(ctx, "billing.delete_invoice")
	defer span.End()
	span.SetAttributes(attribute.String("invoice.id", id.String()))

	if err := requireStaff(actor); err != nil {
		return err
	}
	var deleted *Invoice
	err := s.repo.DeleteInvoice(ctx, id, func(inv *Invoice, payments []*Payment) error {
		if err := s.clinics.CheckAccess(ctx, actor, inv.ClinicID); err != nil {
			return err
		}
		if hasActivePayments(payments) || inv.AmountPaid > 0 {
			return apierr.BadRequest(msgDeleteWithPayments)
		}
		deleted = inv
		return nil
	})
	s.observe(span, "delete_invoice", err)
	if err != nil {
		return mapErr(err)
	}
	s.logger.Info("invoice deleted", "invoice_id", deleted.ID, "invoice_number", deleted.InvoiceNumber)
	s.audit(ctx, actor, audit.ActionInvoiceDeleted, deleted.ClinicID, "invoice", deleted.ID, nil, map[string]any{
		"invoiceNumber": deleted.InvoiceNumber,
	})
	return nil
}

// RecordPayment applies a payment to an invoice under the invoice row lock.
func (s *Service) RecordPayment(ctx context.Context, actor tenancy.Principal, invoiceID uuid.UUID, in RecordPaymentInput) (*Invoice, *Payment, error) {
	ctx, span := billingTracer.Start(ctx, "billing.record_payment")
	defer span.End()
	span.SetAttributes(
		attribute.String("invoice.id", invoiceID.String()),
		attribute.String("payment.method", in.Method),
	)

	inv, p, err := s.recordPayment(ctx, actor, invoiceID, in)
	s.observe(span, "record_payment", err)
	if err != nil {
		return nil, nil, mapErr(err)
	}
	s.metrics.ObserveAmount("in", p.Method, p.Amount)
	span.SetAttributes(attribute.String("invoice.status", inv.Status))
	s.logger.Info("payment recorded",
		"payment_id", p.ID, "payment_number", p.PaymentNumber, "invoice_id", inv.ID,
		"amount", formatMoney(p.Amount), "balance_due", formatMoney(inv.BalanceDue), "status", inv.Status,
	)
	s.audit(ctx, actor, audit.ActionPaymentRecorded, inv.ClinicID, "payment", p.ID, nil, map[string]any{
		"invoiceId":     inv.ID,
		"amount":        p.Amount,
		"method":        p.Method,
		"invoiceStatus": inv.Status,
	})
	snapshot, payment := *inv, *p
	s.dispatch(ctx, "payment_received", p.ID, func(ctx context.Context) error {
		return s.notifier.PaymentReceived(ctx, &snapshot, &payment)
	})
	return inv, p, nil
}

// CreatePayment records a payment against the invoice named in the body.
func (s *Service) CreatePayment(ctx context.Context, actor tenancy.Principal, in CreatePaymentInput) (*Invoice, *Payment, error) {
	return s.RecordPayment(ctx, actor, in.InvoiceID, in.RecordPaymentInput)
}

func (s *Service) recordPayment(ctx context.Context, actor tenancy.Principal, invoiceID uuid.UUID, in RecordPaymentInput) (*Invoice, *Payment, error) {
	if err := requireStaff(actor); err != nil {
		return nil, nil, err
	}
	amount := dec(in.Amount).Round(2)
	if !amount.IsPositive() {
		return nil, nil, apierr.Validation(map[string]string{"amount": "Payment amount must be greater than 0"})
	}
	return s.repo.RecordPayment(ctx, invoiceID, func(inv *Invoice) (*Payment, error) {
		if err := s.clinics.CheckAccess(ctx, actor, inv.ClinicID); err != nil {
			return nil, err
		}
		switch inv.Status {
		case InvoicePaid:
			return nil, apierr.BadRequest(msgAlreadyPaid)
		case InvoiceCancelled:
			return nil, apierr.BadRequest(msgPayCancelled)
		}
		if inv.exceedsBalance(amount) {
			return nil, apierr.BadRequest(msgExceedsBalance + formatMoney(inv.BalanceDue))
		}
		inv.applyPayment(amount)
		inv.settle()

		now := s.now().UTC()
		paid := now
		if in.PaymentDate != nil && !in.PaymentDate.IsZero() {
			paid = in.PaymentDate.UTC()
		}
		return &Payment{
			ID:            uuid.New(),
			ClinicID:      inv.ClinicID,
			InvoiceID:     inv.ID,
			PatientID:     inv.PatientID,
			Amount:        cents(amount),
			Method:        in.Method,
			Status:        PaymentCompleted,
			PaymentDate:   paid,
			TransactionID: strings.TrimSpace(in.TransactionID),
			CardDetails:   in.CardDetails,
			Notes:         strings.TrimSpace(in.Notes),
			ReceivedBy:    actor.UserID,
			Currency:      inv.Currency,
			CreatedAt:     now,
		}, nil
	})
}

func (s *Service) lookupPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	p, err := s.repo.GetPayment(ctx, id)
	if err != nil {
		return nil, mapErr(err)
	}
	return p, nil
}

func (s *Service) GetPayment(ctx context.Context, actor tenancy.Principal, id uuid.UUID) (*Payment, error) {
	p, err := s.lookupPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeInvoice(ctx, actor, p.ClinicID, p.Patient.ID, msgPaymentForbidden); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) ListPayments(ctx context.Context, actor tenancy.Principal, in PaymentListInput) ([]*Payment, int, error) {
	filter := PaymentFilter{
		PatientID: in.PatientID,
		InvoiceID: in.InvoiceID,
		Status:    in.Status,
		Method:    in.Method,
		From:      in.From,
		To:        in.To,
		Limit:     in.Limit,
		Offset:    in.Offset,
	}
	if err := s.scopePayments(ctx, actor, in.ClinicID, &filter); err != nil {
		return nil, 0, err
	}
	return s.repo.ListPayments(ctx, filter)
}

func (s *Service) scopePayments(ctx context.Context, actor tenancy.Principal, clinicID *uuid.UUID, filter *PaymentFilter) error {
	if actor.Role == tenancy.RolePatient {
		self := actor.UserID
		filter.PatientUserID = &self
		return nil
	}
	scope, err := s.clinics.Scope(ctx, actor, clinicID)
	if err != nil {
		return err
	}
	filter.ClinicIDs = scope
	return nil
}

// MyPayments lists the calling patient's payments with totals over all of
// them.
func (s *Service) MyPayments(ctx context.Context, actor tenancy.Principal, limit, offset int) ([]*Payment, int, PaymentTotals, error) {
	self := actor.UserID
	list, total, err := s.repo.ListPayments(ctx, PaymentFilter{PatientUserID: &self, Limit: limit, Offset: offset})
	if err != nil {
		return nil, 0, PaymentTotals{}, err
	}
	summary, err := s.repo.SummarizePayments(ctx, PaymentFilter{PatientUserID: &self})
	if err != nil {
		return nil, 0, PaymentTotals{}, err
	}
	return list, total, summary, nil
}

func (s *Service) PaymentStats(ctx context.Context, actor tenancy.Principal, clinicID *uuid.UUID, from, to *time.Time) (*PaymentStats, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	filter := PaymentFilter{From: from, To: to}
	if err := s.scopePayments(ctx, actor, clinicID, &filter); err != nil {
		return nil, err
	}
	return s.repo.PaymentStats(ctx, filter)
}

// UpdatePayment edits a payment. An amount change moves the invoice by the
// difference.
func (s *Service) UpdatePayment(ctx context.Context, actor tenancy.Principal, id uuid.UUID, in UpdatePaymentInput) (*Invoice, *Payment, error) {
	ctx, span := billingTracer.Start(ctx, "billing.update_payment")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", id.String()))

	if err := requireStaff(actor); err != nil {
		return nil, nil, err
	}
	var changed []string
	inv, p, err := s.repo.UpdatePayment(ctx, id, func(inv *Invoice, p *Payment) (events.CanonicalEvent, error) {
		if err := s.clinics.CheckAccess(ctx, actor, p.ClinicID); err != nil {
			return nil, err
		}
		if p.Status == PaymentRefunded {
			return nil, apierr.BadRequest(msgUpdateRefunded)
		}
		if in.Amount != nil {
			amount := dec(*in.Amount).Round(2)
			if !amount.IsPositive() {
				return nil, apierr.Validation(map[string]string{"amount": "Payment amount must be greater than 0"})
			}
			if p.Counts() {
				diff := amount.Sub(dec(p.Amount))
				if inv.exceedsBalance(diff) {
					return nil, apierr.BadRequest(msgExceedsBalance + formatMoney(inv.BalanceDue))
				}
				inv.applyPayment(diff)
				inv.settle()
			}
			p.Amount = cents(amount)
			changed = append(changed, "amount")
		}
		if in.Method != nil {
			p.Method = *in.Method
			changed = append(changed, "paymentMethod")
		}
		if in.TransactionID != nil {
			p.TransactionID = strings.TrimSpace(*in.TransactionID)
			changed = append(changed, "transactionId")
		}
		if in.CardDetails != nil {
			p.CardDetails = in.CardDetails
			changed = append(changed, "cardDetails")
		}
		if in.Notes != nil {
			p.Notes = strings.TrimSpace(*in.Notes)
			changed = append(changed, "notes")
		}
		return nil, nil
	})
	s.observe(span, "update_payment", err)
	if err != nil {
		return nil, nil, mapErr(err)
	}
	s.audit(ctx, actor, audit.ActionPaymentUpdated, p.ClinicID, "payment", p.ID, changed, map[string]any{
		"invoiceStatus": inv.Status,
	})
	return inv, p, nil
}

// DeletePayment removes a payment and takes its amount back off the
// invoice.
func (s *Service) DeletePayment(ctx context.Context, actor tenancy.Principal, id uuid.UUID) (*Invoice, error) {
	ctx, span := billingTracer.Start(ctx, "billing.delete_payment")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", id.String()))

	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	var deleted Payment
	inv, err := s.repo.DeletePayment(ctx, id, func(inv *Invoice, p *Payment) (events.CanonicalEvent, error) {
		if err := s.clinics.CheckAccess(ctx, actor, p.ClinicID); err != nil {
			return nil, err
		}
		if p.Status == PaymentRefunded {
			return nil, apierr.BadRequest(msgDeleteRefunded)
		}
		if p.Counts() {
			inv.applyPayment(dec(p.Amount).Neg())
			inv.settle()
		}
		deleted = *p
		return nil, nil
	})
	s.observe(span, "delete_payment", err)
	if err != nil {
		return nil, mapErr(err)
	}
	s.logger.Info("payment deleted", "payment_id", deleted.ID, "invoice_id", inv.ID, "amount", formatMoney(deleted.Amount))
	s.audit(ctx, actor, audit.ActionPaymentDeleted, deleted.ClinicID, "payment", deleted.ID, nil, map[string]any{
		"invoiceId": inv.ID,
		"amount":    deleted.Amount,
	})
	return inv, nil
}

// RefundPayment refunds all or part of a completed payment and reopens the
// invoice by that amount.
func (s *Service) RefundPayment(ctx context.Context, actor tenancy.Principal, id uuid.UUID, in RefundInput) (*Invoice, *Payment, error) {
	ctx, span := billingTracer.Start(ctx, "billing.refund_payment")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", id.String()))

	if err := requireStaff(actor); err != nil {
		return nil, nil, err
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return nil, nil, apierr.Validation(map[string]string{"reason": "Refund reason is required"})
	}
	if in.Amount < 0 {
		return nil, nil, apierr.Validation(map[string]string{"amount": "Refund amount cannot be negative"})
	}
	var refunded decimal.Decimal
	inv, p, err := s.repo.UpdatePayment(ctx, id, func(inv *Invoice, p *Payment) (events.CanonicalEvent, error) {
		if err := s.clinics.CheckAccess(ctx, actor, p.ClinicID); err != nil {
			return nil, err
		}
		if p.Status == PaymentRefunded {
			return nil, apierr.BadRequest(msgAlreadyRefunded)
		}
		if p.Status != PaymentCompleted {
			return nil, apierr.BadRequest(msgRefundNotCompleted)
		}
		refunded = dec(in.Amount).Round(2)
		if refunded.IsZero() {
			refunded = dec(p.Amount)
		}
		if refunded.GreaterThan(dec(p.Amount)) {
			return nil, apierr.BadRequest(msgRefundTooLarge)
		}

		now := s.now().UTC()
		p.Status = PaymentRefunded
		p.Refund = &Refund{
			Amount:        cents(refunded),
			Reason:        reason,
			Date:          now,
			RefundedBy:    actor.UserID,
			Method:        in.Method,
			TransactionID: strings.TrimSpace(in.TransactionID),
		}
		note := "Refunded: " + reason
		if p.Notes != "" {
			note = p.Notes + "\n" + note
		}
		p.Notes = note

		inv.applyPayment(refunded.Neg())
		if inv.Status != InvoiceCancelled {
			inv.settle()
		}
		return events.PaymentRefundedV1{
			PaymentID:     p.ID,
			InvoiceID:     inv.ID,
			ClinicID:      inv.ClinicID,
			Amount:        cents(refunded),
			Reason:        reason,
			InvoiceStatus: inv.Status,
		}, nil
	})
	s.observe(span, "refund_payment", err)
	if err != nil {
		return nil, nil, mapErr(err)
	}
	s.metrics.ObserveAmount("out", p.Method, p.Refund.Amount)
	s.logger.Info("payment refunded",
		"payment_id", p.ID, "invoice_id", inv.ID,
		"amount", formatMoney(p.Refund.Amount), "invoice_status", inv.Status,
	)
	s.audit(ctx, actor, audit.ActionPaymentRefunded, p.ClinicID, "payment", p.ID, []string{"status", "refund"}, map[string]any{
		"amount": p.Refund.Amount,
		"reason": reason,
	})
	return inv, p, nil
}

// InvoicePDF renders the invoice and its payments.
func (s *Service) InvoicePDF(ctx context.Context, actor tenancy.Principal, id uuid.UUID) ([]byte, *Invoice, error) {
	inv, payments, err := s.GetInvoice(ctx, actor, id)
	if err != nil {
		return nil, nil, err
	}
	c, err := s.clinics.Lookup(ctx, inv.ClinicID)
	if err != nil {
		return nil, nil, err
	}
	body, err := RenderPDF(inv, payments, c)
	if err != nil {
		return nil, nil, err
	}
	return body, inv, nil
}

// RemindOverdue notifies patients of open invoices past due that were not
// reminded within ReminderInterval. An invoice is stamped only when its
// reminder went out.
func (s *Service) RemindOverdue(ctx context.Context, now time.Time) (sent, failed int, err error) {
	ctx, span := billingTracer.Start(ctx, "billing.remind_overdue")
	defer span.End()

	today := dates.Today(now)
	due, err := s.repo.OverdueInvoices(ctx, today, now.Add(-ReminderInterval), 0)
	if err != nil {
		span.RecordError(err)
		return 0, 0, err
	}
	span.SetAttributes(attribute.Int("invoices.overdue", len(due)))
	for _, inv := range due {
		if s.notifier != nil {
			if err := s.notifier.InvoiceOverdue(ctx, inv, inv.DaysOverdue(today)); err != nil {
				failed++
				s.logger.Warn("overdue reminder failed", "invoice_id", inv.ID, "invoice_number", inv.InvoiceNumber, "error", err)
				continue
			}
		}
		if err := s.repo.MarkReminded(ctx, inv.ID, now); err != nil {
			failed++
			s.logger.Warn("overdue reminder not stamped", "invoice_id", inv.ID, "error", err)
			continue
		}
		sent++
	}
	return sent, failed, nil
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

// dispatch runs a notification detached from the request's cancellation and
// bounded by notifyTimeout. Failures are logged.
func (s *Service) dispatch(ctx context.Context, kind string, id uuid.UUID, send func(context.Context) error) {
	if s.notifier == nil {
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
		defer cancel()
		if err := send(ctx); err != nil {
			s.logger.Warn("billing notification failed", "kind", kind, "id", id, "error", err)
		}
	}()
}
