package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-platform/internal/auth"
	"github.com/wolfman30/clinic-platform/internal/billing"
	"github.com/wolfman30/clinic-platform/internal/documents"
	"github.com/wolfman30/clinic-platform/internal/notifications"
	"github.com/wolfman30/clinic-platform/internal/records"
	"github.com/wolfman30/clinic-platform/internal/scheduling"
	"github.com/wolfman30/clinic-platform/pkg/dates"
)

type mockEmailSender struct {
	sent    []EmailMessage
	callErr error
}

func (m *mockEmailSender) Send(ctx context.Context, msg EmailMessage) error {
	if m.callErr != nil {
		return m.callErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

type mockSMSSender struct {
	sent    []struct{ to, body string }
	callErr error
}

func (m *mockSMSSender) SendSMS(ctx context.Context, to, body string) error {
	if m.callErr != nil {
		return m.callErr
	}
	m.sent = append(m.sent, struct{ to, body string }{to, body})
	return nil
}

type mockInApp struct {
	delivered []notifications.Message
	callErr   error
}

func (m *mockInApp) Deliver(ctx context.Context, msg notifications.Message) (*notifications.Notification, error) {
	if m.callErr != nil {
		return nil, m.callErr
	}
	m.delivered = append(m.delivered, msg)
	return &notifications.Notification{ID: uuid.New(), RecipientID: msg.RecipientID}, nil
}

func newTestDispatcher() (*Dispatcher, *mockEmailSender, *mockSMSSender, *mockInApp) {
	email, sms, inApp := &mockEmailSender{}, &mockSMSSender{}, &mockInApp{}
	d := NewDispatcher(email, sms, inApp, DispatcherConfig{FrontendURL: "https://app.clinic.test/"}, nil)
	return d, email, sms, inApp
}

func testAppointment() *scheduling.Appointment {
	return &scheduling.Appointment{
		ID:                uuid.New(),
		ClinicID:          uuid.New(),
		AppointmentNumber: "APT-000042",
		ScheduledDate:     dates.Date{Time: time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)},
		ScheduledTime:     scheduling.TimeRange{Start: "09:30", End: "10:00"},
		Patient:           scheduling.Person{ID: uuid.New(), Name: "Pat Doe", Email: "pat@example.com", Phone: "+15552223333"},
		Doctor:            scheduling.Person{ID: uuid.New(), Name: "Dr. Lee"},
		ClinicName:        "Northside",
	}
}

func TestDispatcher_AccountLinks(t *testing.T) {
	d, email, _, _ := newTestDispatcher()
	user := &auth.User{Email: "pat@example.com", FirstName: "Pat", LastName: "Doe"}

	if err := d.SendVerification(context.Background(), user, "tok123"); err != nil {
		t.Fatalf("verification: %v", err)
	}
	if err := d.SendPasswordReset(context.Background(), user, "reset456"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(email.sent) != 2 {
		t.Fatalf("expected 2 emails, got %d", len(email.sent))
	}
	if !strings.Contains(email.sent[0].Body, "https://app.clinic.test/verify-email?token=tok123") {
		t.Errorf("verification link missing: %q", email.sent[0].Body)
	}
	if !strings.Contains(email.sent[1].Body, "https://app.clinic.test/reset-password?token=reset456") {
		t.Errorf("reset link missing: %q", email.sent[1].Body)
	}
	if email.sent[0].ToName != "Pat Doe" {
		t.Errorf("unexpected to name %q", email.sent[0].ToName)
	}
}

func TestDispatcher_AccountEmailFailureIsReturned(t *testing.T) {
	d, email, _, _ := newTestDispatcher()
	email.callErr = errors.New("smtp down")

	if err := d.SendPasswordChanged(context.Background(), &auth.User{Email: "a@b.c"}); err == nil {
		t.Error("expected email failure to be returned")
	}
}

func TestDispatcher_AppointmentBooked(t *testing.T) {
	d, email, sms, inApp := newTestDispatcher()
	a := testAppointment()

	if err := d.AppointmentBooked(context.Background(), a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(email.sent) != 1 || !strings.Contains(email.sent[0].Subject, "Tuesday, June 3, 2025 at 9:30 AM") {
		t.Errorf("unexpected emails: %+v", email.sent)
	}
	if len(sms.sent) != 1 || sms.sent[0].to != "+15552223333" {
		t.Errorf("unexpected sms: %+v", sms.sent)
	}
	if len(inApp.delivered) != 2 {
		t.Fatalf("expected patient and doctor notifications, got %d", len(inApp.delivered))
	}
	patient := inApp.delivered[0]
	if patient.RecipientID != a.Patient.ID || patient.Type != notifications.TypeAppointmentConfirmed {
		t.Errorf("unexpected patient notification %+v", patient)
	}
	if len(patient.Channels) != 2 {
		t.Errorf("expected email and sms outcomes, got %+v", patient.Channels)
	}
	doctor := inApp.delivered[1]
	if doctor.RecipientID != a.Doctor.ID || doctor.Type != notifications.TypeNewAppointment {
		t.Errorf("unexpected doctor notification %+v", doctor)
	}
}

func TestDispatcher_ReminderRecordsFailedChannels(t *testing.T) {
	d, email, _, inApp := newTestDispatcher()
	email.callErr = errors.New("bounced")
	a := testAppointment()

	attempts, err := d.AppointmentReminder(context.Background(), a, scheduling.Window1h)
	if err != nil {
		t.Fatalf("partial failure should not be an error: %v", err)
	}
	want := []scheduling.Reminder{
		{Type: notifications.ChannelEmail, Status: notifications.DeliveryFailed},
		{Type: notifications.ChannelSMS, Status: notifications.DeliverySent},
		{Type: notifications.ChannelInApp, Status: notifications.DeliverySent},
	}
	if len(attempts) != len(want) {
		t.Fatalf("expected %d attempts, got %+v", len(want), attempts)
	}
	for i := range want {
		if attempts[i] != want[i] {
			t.Errorf("attempt %d: expected %+v, got %+v", i, want[i], attempts[i])
		}
	}
	msg := inApp.delivered[0]
	if msg.Priority != notifications.PriorityHigh {
		t.Errorf("expected high priority for 1h reminder, got %q", msg.Priority)
	}
	if msg.ExpiresAt == nil || !msg.ExpiresAt.Equal(a.StartsAt(time.UTC)) {
		t.Errorf("expected reminder to expire at start, got %v", msg.ExpiresAt)
	}
	var failed bool
	for _, ch := range msg.Channels {
		if ch.Type == notifications.ChannelEmail && ch.Status == notifications.DeliveryFailed && ch.Error == "bounced" {
			failed = true
		}
	}
	if !failed {
		t.Errorf("expected failed email channel, got %+v", msg.Channels)
	}
}

func TestDispatcher_AllChannelsFailed(t *testing.T) {
	d, email, sms, inApp := newTestDispatcher()
	email.callErr = errors.New("bounced")
	sms.callErr = errors.New("unreachable")
	inApp.callErr = errors.New("db down")

	attempts, err := d.AppointmentReminder(context.Background(), testAppointment(), scheduling.Window24h)
	if err == nil {
		t.Error("expected error when nothing was delivered")
	}
	for _, at := range attempts {
		if at.Status != notifications.DeliveryFailed {
			t.Errorf("expected every channel to fail, got %+v", attempts)
		}
	}
	if len(attempts) != 3 {
		t.Errorf("expected email, sms and in-app attempts, got %+v", attempts)
	}
}

func TestDispatcher_InvoiceIssuedAttachesPDF(t *testing.T) {
	d, email, sms, inApp := newTestDispatcher()
	inv := &billing.Invoice{
		ID:            uuid.New(),
		ClinicID:      uuid.New(),
		InvoiceNumber: "INV-000007",
		InvoiceDate:   dates.Date{Time: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)},
		DueDate:       dates.Date{Time: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)},
		Items:         []billing.Item{{Description: "Consultation", Quantity: 1, UnitPrice: 100, Total: 100}},
		TotalAmount:   100,
		BalanceDue:    100,
		Currency:      "USD",
		Status:        billing.InvoicePending,
		Patient:       billing.Party{ID: uuid.New(), Name: "Pat Doe", Email: "pat@example.com", Phone: "+15552223333"},
		ClinicName:    "Northside",
	}

	if err := d.InvoiceIssued(context.Background(), inv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(email.sent) != 1 || len(email.sent[0].Attachments) != 1 {
		t.Fatalf("expected one email with an attachment, got %+v", email.sent)
	}
	att := email.sent[0].Attachments[0]
	if att.Name != "INV-000007.pdf" || !strings.HasPrefix(string(att.Data), "%PDF") {
		t.Errorf("unexpected attachment %q", att.Name)
	}
	if len(sms.sent) != 0 {
		t.Error("issued invoices are not texted")
	}
	if len(inApp.delivered) != 1 || inApp.delivered[0].Type != notifications.TypeInvoiceGenerated {
		t.Errorf("unexpected in-app %+v", inApp.delivered)
	}
}

func TestDispatcher_InvoiceOverdue(t *testing.T) {
	d, email, sms, inApp := newTestDispatcher()
	inv := &billing.Invoice{
		ID:            uuid.New(),
		InvoiceNumber: "INV-000008",
		DueDate:       dates.Date{Time: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)},
		BalanceDue:    42.5,
		Currency:      "USD",
		Patient:       billing.Party{ID: uuid.New(), Name: "Pat", Email: "pat@example.com", Phone: "+15552223333"},
	}

	if err := d.InvoiceOverdue(context.Background(), inv, 12); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(sms.sent[0].body, "12 day(s) overdue") || !strings.Contains(sms.sent[0].body, "USD 42.50") {
		t.Errorf("unexpected sms %q", sms.sent[0].body)
	}
	if len(email.sent) != 1 {
		t.Error("expected overdue email")
	}
	if inApp.delivered[0].Priority != notifications.PriorityHigh {
		t.Error("overdue notice should be high priority")
	}
}

func TestDispatcher_PaymentReceivedPaidInFull(t *testing.T) {
	d, email, _, _ := newTestDispatcher()
	inv := &billing.Invoice{ID: uuid.New(), InvoiceNumber: "INV-000009", BalanceDue: 0, Currency: "USD",
		Patient: billing.Party{ID: uuid.New(), Email: "pat@example.com"}}
	p := &billing.Payment{ID: uuid.New(), PaymentNumber: "PAY-000001", Amount: 100, Currency: "USD"}

	if err := d.PaymentReceived(context.Background(), inv, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(email.sent[0].Body, "Remaining balance") {
		t.Error("no balance line expected when paid in full")
	}
	if !strings.Contains(email.sent[0].Body, "USD 100.00") {
		t.Errorf("unexpected body %q", email.sent[0].Body)
	}
}

func TestDispatcher_PrescriptionAndDocument(t *testing.T) {
	d, email, sms, inApp := newTestDispatcher()
	rx := &records.Prescription{ID: uuid.New(), PrescriptionNumber: "RX-000003", PatientUserID: uuid.New(),
		PatientEmail: "pat@example.com", PatientName: "Pat", DoctorName: "Dr. Lee"}
	doc := &documents.Document{ID: uuid.New(), PatientUserID: uuid.New(), Title: "CBC", Type: documents.TypeLabReport}

	if err := d.PrescriptionIssued(context.Background(), rx); err != nil {
		t.Fatalf("prescription: %v", err)
	}
	if err := d.DocumentShared(context.Background(), doc); err != nil {
		t.Fatalf("document: %v", err)
	}
	if len(email.sent) != 1 || len(sms.sent) != 0 {
		t.Errorf("expected only the prescription email, got %d emails %d sms", len(email.sent), len(sms.sent))
	}
	if inApp.delivered[1].Type != notifications.TypeLabResultReady {
		t.Errorf("expected lab result type, got %q", inApp.delivered[1].Type)
	}
}

func TestDispatcher_NilSendersSkipChannels(t *testing.T) {
	inApp := &mockInApp{}
	d := NewDispatcher(nil, nil, inApp, DispatcherConfig{}, nil)

	if err := d.AppointmentCancelled(context.Background(), testAppointment()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(inApp.delivered) != 1 || len(inApp.delivered[0].Channels) != 0 {
		t.Errorf("expected in-app only, got %+v", inApp.delivered)
	}
}
