package billing

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
	"github.com/wolfman30/clinic-platform/internal/clinic"
	"github.com/wolfman30/clinic-platform/internal/events"
	"github.com/wolfman30/clinic-platform/internal/observability/metrics"
	"github.com/wolfman30/clinic-platform/internal/patients"
	"github.com/wolfman30/clinic-platform/internal/tenancy"
	"github.com/wolfman30/clinic-platform/pkg/dates"
)

// memoryRepo runs mutations on copies and keeps them only when the
// callback succeeds, like the transactional repository.
type memoryRepo struct {
	mu             sync.Mutex
	invoices       map[uuid.UUID]*Invoice
	payments       map[uuid.UUID]*Payment
	invSeq, paySeq int
	events         []events.CanonicalEvent
	invoiceFilters []InvoiceFilter
	paymentFilters []PaymentFilter
	reminded       map[uuid.UUID]time.Time
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		invoices: map[uuid.UUID]*Invoice{},
		payments: map[uuid.UUID]*Payment{},
		reminded: map[uuid.UUID]time.Time{},
	}
}

func copyInvoice(inv *Invoice) *Invoice {
	cp := *inv
	cp.Items = append([]Item(nil), inv.Items...)
	return &cp
}

func copyPayment(p *Payment) *Payment {
	cp := *p
	return &cp
}

func (m *memoryRepo) paymentsOf(invoiceID uuid.UUID) []*Payment {
	var out []*Payment
	for _, p := range m.payments {
		if p.InvoiceID == invoiceID {
			out = append(out, copyPayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentDate.After(out[j].PaymentDate) })
	return out
}

func (m *memoryRepo) CreateInvoice(_ context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invSeq++
	inv.InvoiceNumber = fmt.Sprintf("INV-202506-%06d", m.invSeq)
	m.invoices[inv.ID] = copyInvoice(inv)
	m.events = append(m.events, events.InvoiceCreatedV1{InvoiceID: inv.ID})
	return nil
}

func (m *memoryRepo) GetInvoice(_ context.Context, id uuid.UUID) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return copyInvoice(inv), nil
}

func (m *memoryRepo) ListInvoices(_ context.Context, f InvoiceFilter) ([]*Invoice, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoiceFilters = append(m.invoiceFilters, f)
	var out []*Invoice
	for _, inv := range m.invoices {
		if f.PatientUserID != nil && inv.Patient.ID != *f.PatientUserID {
			continue
		}
		out = append(out, copyInvoice(inv))
	}
	return out, len(out), nil
}

func (m *memoryRepo) SummarizeInvoices(_ context.Context, f InvoiceFilter) (InvoiceTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var t InvoiceTotals
	for _, inv := range m.invoices {
		if f.PatientUserID != nil && inv.Patient.ID != *f.PatientUserID {
			continue
		}
		t.TotalInvoices++
		t.TotalAmount += inv.TotalAmount
		t.TotalPaid += inv.AmountPaid
		t.TotalDue += inv.BalanceDue
	}
	return t, nil
}

func (m *memoryRepo) InvoiceStats(ctx context.Context, f InvoiceFilter, _ time.Time) (*InvoiceStats, error) {
	overview, err := m.SummarizeInvoices(ctx, f)
	if err != nil {
		return nil, err
	}
	return &InvoiceStats{Overview: overview, ByStatus: []StatusBreakdown{}}, nil
}

func (m *memoryRepo) UpdateInvoice(_ context.Context, id uuid.UUID, fn InvoiceMutation) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	inv := copyInvoice(stored)
	if err := fn(inv, m.paymentsOf(id)); err != nil {
		return nil, err
	}
	m.invoices[id] = copyInvoice(inv)
	return inv, nil
}

func (m *memoryRepo) DeleteInvoice(_ context.Context, id uuid.UUID, fn InvoiceMutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.invoices[id]
	if !ok {
		return ErrInvoiceNotFound
	}
	if err := fn(copyInvoice(stored), m.paymentsOf(id)); err != nil {
		return err
	}
	delete(m.invoices, id)
	for pid, p := range m.payments {
		if p.InvoiceID == id {
			delete(m.payments, pid)
		}
	}
	return nil
}

func (m *memoryRepo) RecordPayment(_ context.Context, invoiceID uuid.UUID, fn func(inv *Invoice) (*Payment, error)) (*Invoice, *Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.invoices[invoiceID]
	if !ok {
		return nil, nil, ErrInvoiceNotFound
	}
	inv := copyInvoice(stored)
	p, err := fn(inv)
	if err != nil {
		return nil, nil, err
	}
	m.paySeq++
	p.PaymentNumber = fmt.Sprintf("PAY-202506-%06d", m.paySeq)
	p.Patient = inv.Patient
	m.invoices[invoiceID] = copyInvoice(inv)
	m.payments[p.ID] = copyPayment(p)
	m.events = append(m.events, events.PaymentRecordedV1{PaymentID: p.ID, InvoiceStatus: inv.Status})
	return inv, p, nil
}

func (m *memoryRepo) mutatePayment(id uuid.UUID, fn PaymentMutation) (*Invoice, *Payment, error) {
	stored, ok := m.payments[id]
	if !ok {
		return nil, nil, ErrPaymentNotFound
	}
	inv := copyInvoice(m.invoices[stored.InvoiceID])
	p := copyPayment(stored)
	evt, err := fn(inv, p)
	if err != nil {
		return nil, nil, err
	}
	if evt != nil {
		m.events = append(m.events, evt)
	}
	m.invoices[inv.ID] = copyInvoice(inv)
	return inv, p, nil
}

func (m *memoryRepo) UpdatePayment(_ context.Context, id uuid.UUID, fn PaymentMutation) (*Invoice, *Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, p, err := m.mutatePayment(id, fn)
	if err != nil {
		return nil, nil, err
	}
	m.payments[id] = copyPayment(p)
	return inv, p, nil
}

func (m *memoryRepo) DeletePayment(_ context.Context, id uuid.UUID, fn PaymentMutation) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, _, err := m.mutatePayment(id, fn)
	if err != nil {
		return nil, err
	}
	delete(m.payments, id)
	return inv, nil
}

func (m *memoryRepo) GetPayment(_ context.Context, id uuid.UUID) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return copyPayment(p), nil
}

func (m *memoryRepo) ListPayments(_ context.Context, f PaymentFilter) ([]*Payment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paymentFilters = append(m.paymentFilters, f)
	if f.InvoiceID != nil {
		out := m.paymentsOf(*f.InvoiceID)
		return out, len(out), nil
	}
	return []*Payment{}, 0, nil
}

func (m *memoryRepo) SummarizePayments(_ context.Context, _ PaymentFilter) (PaymentTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var t PaymentTotals
	for _, p := range m.payments {
		t.TotalPayments++
		if p.Status == PaymentRefunded {
			t.TotalRefunded += p.Refund.Amount
			continue
		}
		t.TotalAmount += p.Amount
	}
	return t, nil
}

func (m *memoryRepo) PaymentStats(_ context.Context, _ PaymentFilter) (*PaymentStats, error) {
	return &PaymentStats{ByMethod: []MethodBreakdown{}}, nil
}

func (m *memoryRepo) OverdueInvoices(_ context.Context, today, remindedBefore time.Time, _ int) ([]*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Invoice
	for _, inv := range m.invoices {
		if !inv.IsOpen() || !inv.DueDate.Before(today) {
			continue
		}
		if inv.LastReminderSentAt != nil && !inv.LastReminderSentAt.Before(remindedBefore) {
			continue
		}
		out = append(out, copyInvoice(inv))
	}
	return out, nil
}

func (m *memoryRepo) MarkReminded(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return ErrInvoiceNotFound
	}
	inv.LastReminderSentAt = &at
	if inv.Status == InvoicePending {
		inv.Status = InvoiceOverdue
	}
	m.reminded[id] = at
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

type stubPatients map[uuid.UUID]*patients.Patient

func (s stubPatients) Lookup(_ context.Context, id uuid.UUID) (*patients.Patient, error) {
	p, ok := s[id]
	if !ok {
		return nil, apierr.NotFound("Patient not found")
	}
	return p, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	issued   []string
	received []string
	overdue  map[uuid.UUID]int
	fail     error
}

func (n *recordingNotifier) InvoiceIssued(_ context.Context, inv *Invoice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.issued = append(n.issued, inv.InvoiceNumber)
	return n.fail
}

func (n *recordingNotifier) PaymentReceived(_ context.Context, _ *Invoice, p *Payment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.received = append(n.received, p.PaymentNumber)
	return n.fail
}

func (n *recordingNotifier) InvoiceOverdue(_ context.Context, inv *Invoice, days int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.overdue == nil {
		n.overdue = map[uuid.UUID]int{}
	}
	n.overdue[inv.ID] = days
	return n.fail
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
	notifier *recordingNotifier
	auditor  *recordingAuditor
	clinic   *clinic.Clinic
	staff    tenancy.Principal
	patient  *patients.Patient
}

var fixedNow = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) fixture {
	t.Helper()
	c := &clinic.Clinic{ID: uuid.New(), Name: "Northside", Settings: clinic.DefaultSettings()}
	staff := tenancy.Principal{UserID: uuid.New(), Role: tenancy.RoleAccountant}
	patient := &patients.Patient{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		ClinicID: c.ID,
		User:     patients.Person{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com", Phone: "+15550100"},
	}
	repo := newMemoryRepo()
	notifier := &recordingNotifier{}
	auditor := &recordingAuditor{}
	svc := NewService(repo,
		stubClinics{
			clinics: map[uuid.UUID]*clinic.Clinic{c.ID: c},
			members: map[uuid.UUID]uuid.UUID{staff.UserID: c.ID},
		},
		stubPatients{patient.ID: patient},
		nil,
	).WithNotifier(notifier).WithAuditor(auditor).WithMetrics(metrics.NewLedgerMetrics(prometheus.NewRegistry()))
	svc.now = func() time.Time { return fixedNow }
	return fixture{svc: svc, repo: repo, notifier: notifier, auditor: auditor, clinic: c, staff: staff, patient: patient}
}

func (f fixture) invoiceInput() CreateInvoiceInput {
	return CreateInvoiceInput{
		ClinicID:  f.clinic.ID,
		PatientID: f.patient.ID,
		DueDate:   dates.Date{Time: time.Date(2025, 7, 2, 0, 0, 0, 0, time.UTC)},
		Items: []Item{
			{Description: " Consultation ", Category: "consultation", Quantity: 2, UnitPrice: 100, DiscountPct: 10, TaxPct: 5},
		},
	}
}

func (f fixture) issue(t *testing.T) *Invoice {
	t.Helper()
	inv, err := f.svc.CreateInvoice(context.Background(), f.staff, f.invoiceInput())
	require.NoError(t, err)
	return inv
}

func (f fixture) pay(t *testing.T, inv *Invoice, amount float64) (*Invoice, *Payment) {
	t.Helper()
	out, p, err := f.svc.RecordPayment(context.Background(), f.staff, inv.ID, RecordPaymentInput{Amount: amount, Method: "cash"})
	require.NoError(t, err)
	return out, p
}

func requireStatus(t *testing.T, err error, status int, msg string) {
	t.Helper()
	apiErr, ok := apierr.As(err)
	require.True(t, ok, "expected api error, got %v", err)
	assert.Equal(t, status, apiErr.Status)
	if msg != "" {
		assert.Equal(t, msg, apiErr.Message)
	}
}

func TestCreateInvoiceComputesTotalsAndNotifies(t *testing.T) {
	f := newFixture(t)
	inv := f.issue(t)
	f.svc.Wait()

	assert.Equal(t, "INV-202506-000001", inv.InvoiceNumber)
	assert.Equal(t, 189.0, inv.Subtotal)
	assert.Equal(t, 189.0, inv.TotalAmount)
	assert.Equal(t, 189.0, inv.BalanceDue)
	assert.Zero(t, inv.AmountPaid)
	assert.Equal(t, InvoicePending, inv.Status)
	assert.Equal(t, DefaultCurrency, inv.Currency)
	assert.Equal(t, "Consultation", inv.Items[0].Description)
	assert.Equal(t, "2025-06-02", inv.InvoiceDate.Format(dates.Layout))
	assert.Equal(t, f.patient.UserID, inv.Patient.ID)
	assert.Equal(t, []string{"INV-202506-000001"}, f.notifier.issued)
	assert.Equal(t, []audit.Action{audit.ActionInvoiceCreated}, f.auditor.actions)
}

func TestCreateInvoiceRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := f.invoiceInput()
	in.Items = nil
	_, err := f.svc.CreateInvoice(ctx, f.staff, in)
	requireStatus(t, err, http.StatusBadRequest, "")

	in = f.invoiceInput()
	in.Items[0].Quantity = 0
	_, err = f.svc.CreateInvoice(ctx, f.staff, in)
	requireStatus(t, err, http.StatusBadRequest, "")

	in = f.invoiceInput()
	in.Items[0].UnitPrice = -5
	_, err = f.svc.CreateInvoice(ctx, f.staff, in)
	requireStatus(t, err, http.StatusBadRequest, "")

	in = f.invoiceInput()
	in.DueDate = dates.Date{Time: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	_, err = f.svc.CreateInvoice(ctx, f.staff, in)
	requireStatus(t, err, http.StatusBadRequest, "")

	_, err = f.svc.CreateInvoice(ctx, tenancy.Principal{UserID: f.patient.UserID, Role: tenancy.RolePatient}, f.invoiceInput())
	requireStatus(t, err, http.StatusForbidden, msgPatientsReadOnly)

	_, err = f.svc.CreateInvoice(ctx, tenancy.Principal{UserID: uuid.New(), Role: tenancy.RoleAccountant}, f.invoiceInput())
	requireStatus(t, err, http.StatusForbidden, "")
	assert.Empty(t, f.repo.invoices)
}

func TestRecordPaymentMovesBalanceAndStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.issue(t)

	inv, p := f.pay(t, inv, 100)
	assert.Equal(t, "PAY-202506-000001", p.PaymentNumber)
	assert.Equal(t, PaymentCompleted, p.Status)
	assert.Equal(t, 100.0, inv.AmountPaid)
	assert.Equal(t, 89.0, inv.BalanceDue)
	assert.Equal(t, InvoicePartiallyPaid, inv.Status)

	_, _, err := f.svc.RecordPayment(ctx, f.staff, inv.ID, RecordPaymentInput{Amount: 100, Method: "card"})
	requireStatus(t, err, http.StatusBadRequest, "Payment amount exceeds balance due. Balance: 89")

	_, _, err = f.svc.RecordPayment(ctx, f.staff, inv.ID, RecordPaymentInput{Amount: 0, Method: "card"})
	requireStatus(t, err, http.StatusBadRequest, "")

	inv, _ = f.pay(t, inv, 89)
	assert.Zero(t, inv.BalanceDue)
	assert.Equal(t, InvoicePaid, inv.Status)

	_, _, err = f.svc.RecordPayment(ctx, f.staff, inv.ID, RecordPaymentInput{Amount: 1, Method: "cash"})
	requireStatus(t, err, http.StatusBadRequest, msgAlreadyPaid)

	f.svc.Wait()
	assert.Len(t, f.notifier.received, 2)
	assert.Len(t, f.repo.events, 3)
}

func TestRecordPaymentOnCancelledInvoice(t *testing.T) {
	f := newFixture(t)
	inv := f.issue(t)
	_, err := f.svc.CancelInvoice(context.Background(), f.staff, inv.ID)
	require.NoError(t, err)

	_, _, err = f.svc.RecordPayment(context.Background(), f.staff, inv.ID, RecordPaymentInput{Amount: 10, Method: "cash"})
	requireStatus(t, err, http.StatusBadRequest, msgPayCancelled)
	f.svc.Wait()
}

func TestCreatePaymentUsesInvoiceFromBody(t *testing.T) {
	f := newFixture(t)
	inv := f.issue(t)
	out, p, err := f.svc.CreatePayment(context.Background(), f.staff, CreatePaymentInput{
		InvoiceID:          inv.ID,
		RecordPaymentInput: RecordPaymentInput{Amount: 189, Method: "bank-transfer", TransactionID: " tx-1 "},
	})
	require.NoError(t, err)
	assert.Equal(t, InvoicePaid, out.Status)
	assert.Equal(t, "tx-1", p.TransactionID)
	f.svc.Wait()
}

func TestRefundReopensInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.issue(t)
	_, p := f.pay(t, inv, 189)

	_, _, err := f.svc.RefundPayment(ctx, f.staff, p.ID, RefundInput{Amount: 200, Reason: "Overcharge"})
	requireStatus(t, err, http.StatusBadRequest, msgRefundTooLarge)

	out, refunded, err := f.svc.RefundPayment(ctx, f.staff, p.ID, RefundInput{Amount: 50, Reason: "Overcharge"})
	require.NoError(t, err)
	assert.Equal(t, PaymentRefunded, refunded.Status)
	require.NotNil(t, refunded.Refund)
	assert.Equal(t, 50.0, refunded.Refund.Amount)
	assert.Equal(t, f.staff.UserID, refunded.Refund.RefundedBy)
	assert.Contains(t, refunded.Notes, "Refunded: Overcharge")
	assert.Equal(t, 139.0, out.AmountPaid)
	assert.Equal(t, 50.0, out.BalanceDue)
	assert.Equal(t, InvoicePartiallyPaid, out.Status)

	_, _, err = f.svc.RefundPayment(ctx, f.staff, p.ID, RefundInput{Reason: "again"})
	requireStatus(t, err, http.StatusBadRequest, msgAlreadyRefunded)

	last := f.repo.events[len(f.repo.events)-1]
	require.IsType(t, events.PaymentRefundedV1{}, last)
	assert.Equal(t, InvoicePartiallyPaid, last.(events.PaymentRefundedV1).InvoiceStatus)
	f.svc.Wait()
}

func TestFullRefundReturnsInvoiceToPending(t *testing.T) {
	f := newFixture(t)
	inv := f.issue(t)
	_, p := f.pay(t, inv, 60)

	out, refunded, err := f.svc.RefundPayment(context.Background(), f.staff, p.ID, RefundInput{Reason: "Duplicate charge"})
	require.NoError(t, err)
	assert.Equal(t, 60.0, refunded.Refund.Amount)
	assert.Zero(t, out.AmountPaid)
	assert.Equal(t, 189.0, out.BalanceDue)
	assert.Equal(t, InvoicePending, out.Status)

	_, _, err = f.svc.RefundPayment(context.Background(), f.staff, p.ID, RefundInput{})
	requireStatus(t, err, http.StatusBadRequest, "")
	f.svc.Wait()
}

func TestCancelAndDeleteRequireNoActivePayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.issue(t)
	_, p := f.pay(t, inv, 50)

	_, err := f.svc.CancelInvoice(ctx, f.staff, inv.ID)
	requireStatus(t, err, http.StatusBadRequest, msgCancelWithPayments)
	err = f.svc.DeleteInvoice(ctx, f.staff, inv.ID)
	requireStatus(t, err, http.StatusBadRequest, msgDeleteWithPayments)

	_, _, err = f.svc.RefundPayment(ctx, f.staff, p.ID, RefundInput{Reason: "Changed plan"})
	require.NoError(t, err)

	cancelled, err := f.svc.CancelInvoice(ctx, f.staff, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, InvoiceCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)

	_, err = f.svc.CancelInvoice(ctx, f.staff, inv.ID)
	requireStatus(t, err, http.StatusBadRequest, msgAlreadyCancelled)

	require.NoError(t, f.svc.DeleteInvoice(ctx, f.staff, inv.ID))
	_, _, err = f.svc.GetInvoice(ctx, f.staff, inv.ID)
	requireStatus(t, err, http.StatusNotFound, msgInvoiceMissing)
	f.svc.Wait()
}

func TestCancelPaidInvoiceRejected(t *testing.T) {
	f := newFixture(t)
	inv := f.issue(t)
	f.pay(t, inv, 189)

	_, err := f.svc.CancelInvoice(context.Background(), f.staff, inv.ID)
	requireStatus(t, err, http.StatusBadRequest, msgCancelPaid)
	f.svc.Wait()
}

func TestUpdateInvoiceReprices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.issue(t)
	f.pay(t, inv, 100)

	tax := 10.0
	out, err := f.svc.UpdateInvoice(ctx, f.staff, inv.ID, UpdateInvoiceInput{TaxPct: &tax})
	require.NoError(t, err)
	assert.Equal(t, 18.9, out.TaxAmount)
	assert.Equal(t, 207.9, out.TotalAmount)
	assert.Equal(t, 107.9, out.BalanceDue)
	assert.Equal(t, InvoicePartiallyPaid, out.Status)

	_, err = f.svc.UpdateInvoice(ctx, f.staff, inv.ID, UpdateInvoiceInput{
		Items: []Item{{Description: "Follow-up", Quantity: 1, UnitPrice: 50}},
	})
	requireStatus(t, err, http.StatusBadRequest, msgTotalBelowPaid)

	out, err = f.svc.UpdateInvoice(ctx, f.staff, inv.ID, UpdateInvoiceInput{
		Items: []Item{{Description: "Follow-up", Quantity: 1, UnitPrice: 100}},
	})
	require.NoError(t, err)
	assert.Equal(t, 110.0, out.TotalAmount)
	assert.Equal(t, 10.0, out.BalanceDue)

	f.pay(t, out, 10)
	notes := "settled"
	_, err = f.svc.UpdateInvoice(ctx, f.staff, inv.ID, UpdateInvoiceInput{Notes: &notes})
	requireStatus(t, err, http.StatusBadRequest, msgUpdatePaid)
	f.svc.Wait()
}

func TestUpdatePaymentMovesDifference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.issue(t)
	_, p := f.pay(t, inv, 100)

	amount := 150.0
	out, updated, err := f.svc.UpdatePayment(ctx, f.staff, p.ID, UpdatePaymentInput{Amount: &amount})
	require.NoError(t, err)
	assert.Equal(t, 150.0, updated.Amount)
	assert.Equal(t, 150.0, out.AmountPaid)
	assert.Equal(t, 39.0, out.BalanceDue)

	too := 250.0
	_, _, err = f.svc.UpdatePayment(ctx, f.staff, p.ID, UpdatePaymentInput{Amount: &too})
	requireStatus(t, err, http.StatusBadRequest, "Payment amount exceeds balance due. Balance: 39")

	amount = 189
	out, _, err = f.svc.UpdatePayment(ctx, f.staff, p.ID, UpdatePaymentInput{Amount: &amount})
	require.NoError(t, err)
	assert.Equal(t, InvoicePaid, out.Status)

	_, _, err = f.svc.RefundPayment(ctx, f.staff, p.ID, RefundInput{Reason: "error"})
	require.NoError(t, err)
	_, _, err = f.svc.UpdatePayment(ctx, f.staff, p.ID, UpdatePaymentInput{Amount: &amount})
	requireStatus(t, err, http.StatusBadRequest, msgUpdateRefunded)
	f.svc.Wait()
}

func TestDeletePaymentReversesInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.issue(t)
	f.pay(t, inv, 89)
	_, p := f.pay(t, inv, 100)

	out, err := f.svc.DeletePayment(ctx, f.staff, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 89.0, out.AmountPaid)
	assert.Equal(t, 100.0, out.BalanceDue)
	assert.Equal(t, InvoicePartiallyPaid, out.Status)

	_, err = f.svc.DeletePayment(ctx, f.staff, p.ID)
	requireStatus(t, err, http.StatusNotFound, msgPaymentMissing)
	f.svc.Wait()
}

func TestPatientsSeeOnlyTheirOwnLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.issue(t)
	_, p := f.pay(t, inv, 50)

	self := tenancy.Principal{UserID: f.patient.UserID, Role: tenancy.RolePatient}
	got, payments, err := f.svc.GetInvoice(ctx, self, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, got.ID)
	assert.Len(t, payments, 1)

	stranger := tenancy.Principal{UserID: uuid.New(), Role: tenancy.RolePatient}
	_, _, err = f.svc.GetInvoice(ctx, stranger, inv.ID)
	requireStatus(t, err, http.StatusForbidden, msgInvoiceForbidden)
	_, err = f.svc.GetPayment(ctx, stranger, p.ID)
	requireStatus(t, err, http.StatusForbidden, msgPaymentForbidden)

	_, _, err = f.svc.ListInvoices(ctx, self, InvoiceListInput{})
	require.NoError(t, err)
	last := f.repo.invoiceFilters[len(f.repo.invoiceFilters)-1]
	require.NotNil(t, last.PatientUserID)
	assert.Equal(t, f.patient.UserID, *last.PatientUserID)
	assert.Nil(t, last.ClinicIDs)

	_, _, err = f.svc.RefundPayment(ctx, self, p.ID, RefundInput{Reason: "mine"})
	requireStatus(t, err, http.StatusForbidden, msgPatientsReadOnly)
	f.svc.Wait()
}

func TestListInvoicesOverdueUsesToday(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.ListInvoices(context.Background(), f.staff, InvoiceListInput{Overdue: true})
	require.NoError(t, err)
	last := f.repo.invoiceFilters[0]
	require.NotNil(t, last.OverdueAsOf)
	assert.Equal(t, dates.Today(fixedNow), *last.OverdueAsOf)
	assert.Equal(t, []uuid.UUID{f.clinic.ID}, last.ClinicIDs)
}

func TestMyInvoicesSummary(t *testing.T) {
	f := newFixture(t)
	inv := f.issue(t)
	f.pay(t, inv, 89)

	self := tenancy.Principal{UserID: f.patient.UserID, Role: tenancy.RolePatient}
	list, total, summary, err := f.svc.MyInvoices(context.Background(), self, "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, 1, total)
	assert.Equal(t, InvoiceTotals{TotalInvoices: 1, TotalAmount: 189, TotalPaid: 89, TotalDue: 100}, summary)
	f.svc.Wait()
}

func TestRemindOverdueStampsOnlyDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.invoiceInput()
	in.InvoiceDate = &dates.Date{Time: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)}
	in.DueDate = dates.Date{Time: time.Date(2025, 5, 20, 0, 0, 0, 0, time.UTC)}
	late, err := f.svc.CreateInvoice(ctx, f.staff, in)
	require.NoError(t, err)
	f.issue(t)
	f.svc.Wait()

	f.notifier.fail = errors.New("sms gateway down")
	sent, failed, err := f.svc.RemindOverdue(ctx, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Equal(t, 1, failed)
	assert.Empty(t, f.repo.reminded)

	f.notifier.fail = nil
	sent, failed, err = f.svc.RemindOverdue(ctx, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 13, f.notifier.overdue[late.ID])
	assert.Equal(t, InvoiceOverdue, f.repo.invoices[late.ID].Status)

	sent, _, err = f.svc.RemindOverdue(ctx, fixedNow.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, sent, "reminded within the last week")

	sent, _, err = f.svc.RemindOverdue(ctx, fixedNow.Add(8*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
}
