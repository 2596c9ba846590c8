package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-platform/internal/auth"
	"github.com/wolfman30/clinic-platform/internal/billing"
	"github.com/wolfman30/clinic-platform/internal/documents"
	"github.com/wolfman30/clinic-platform/internal/notifications"
	"github.com/wolfman30/clinic-platform/internal/records"
	"github.com/wolfman30/clinic-platform/internal/scheduling"
	"github.com/wolfman30/clinic-platform/pkg/dates"
	"github.com/wolfman30/clinic-platform/pkg/logging"
)

const whenLayout = "Monday, January 2, 2006 at 3:04 PM"

// InAppDeliverer stores an in-app notification. *notifications.Service
// satisfies it.
type InAppDeliverer interface {
	Deliver(ctx context.Context, m notifications.Message) (*notifications.Notification, error)
}

type DispatcherConfig struct {
	// FrontendURL prefixes links in account emails.
	FrontendURL string
	// Location renders appointment times. Defaults to UTC.
	Location *time.Location
}

// Dispatcher turns domain events into email, SMS and in-app notifications.
// Any sender may be nil, which skips that channel.
type Dispatcher struct {
	email       EmailSender
	sms         SMSSender
	inApp       InAppDeliverer
	frontendURL string
	loc         *time.Location
	logger      *logging.Logger
}

func NewDispatcher(email EmailSender, sms SMSSender, inApp InAppDeliverer, cfg DispatcherConfig, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Dispatcher{
		email:       email,
		sms:         sms,
		inApp:       inApp,
		frontendURL: strings.TrimRight(cfg.FrontendURL, "/"),
		loc:         cfg.Location,
		logger:      logger,
	}
}

// delivery describes one notification fanned out over every channel the
// recipient can be reached on.
type delivery struct {
	template    string
	view        View
	email       string
	phone       string
	attachments []Attachment
	inApp       notifications.Message
}

// send reports an error only when every attempted channel failed.
func (d *Dispatcher) send(ctx context.Context, del delivery) error {
	_, err := d.fanOut(ctx, del)
	return err
}

// fanOut delivers del on every reachable channel and returns one outcome per
// channel attempted, in-app last.
func (d *Dispatcher) fanOut(ctx context.Context, del delivery) ([]notifications.Delivery, error) {
	var (
		channels  []notifications.Delivery
		errs      []error
		delivered int
	)
	outcome := func(channel string, err error) notifications.Delivery {
		ch := notifications.Delivery{Type: channel, Status: notifications.DeliverySent}
		if err != nil {
			ch.Status, ch.Error = notifications.DeliveryFailed, err.Error()
			errs = append(errs, err)
			return ch
		}
		at := time.Now().UTC()
		ch.SentAt = &at
		delivered++
		return ch
	}
	record := func(channel string, err error) {
		if err != nil {
			d.logger.Warn("notify: channel failed", "channel", channel, "template", del.template, "error", err)
		}
		channels = append(channels, outcome(channel, err))
	}

	if del.email != "" && d.email != nil {
		record(notifications.ChannelEmail, d.sendEmail(ctx, del))
	}
	if del.phone != "" && d.sms != nil {
		if body, ok, err := RenderSMS(del.template, del.view); ok {
			if err == nil {
				err = d.sms.SendSMS(ctx, del.phone, body)
			}
			record(notifications.ChannelSMS, err)
		}
	}
	if del.inApp.RecipientID != uuid.Nil && d.inApp != nil {
		m := del.inApp
		m.Channels = channels
		_, err := d.inApp.Deliver(ctx, m)
		if err != nil {
			d.logger.Warn("notify: in-app delivery failed", "template", del.template, "user_id", m.RecipientID, "error", err)
		}
		channels = append(channels, outcome(notifications.ChannelInApp, err))
	}
	if delivered == 0 && len(errs) > 0 {
		return channels, errors.Join(errs...)
	}
	return channels, nil
}

func (d *Dispatcher) sendEmail(ctx context.Context, del delivery) error {
	msg, err := RenderEmail(del.template, del.view)
	if err != nil {
		return err
	}
	msg.To, msg.ToName = del.email, del.view.Name
	msg.Attachments = del.attachments
	return d.email.Send(ctx, msg)
}

// accountEmail sends a transactional account message. Email is the only
// channel for these.
func (d *Dispatcher) accountEmail(ctx context.Context, template string, user *auth.User, link string) error {
	if d.email == nil {
		return errors.New("notify: no email sender configured")
	}
	return d.sendEmail(ctx, delivery{
		template: template,
		email:    user.Email,
		view:     View{Name: strings.TrimSpace(user.FirstName + " " + user.LastName), Link: link},
	})
}

func (d *Dispatcher) SendVerification(ctx context.Context, user *auth.User, token string) error {
	return d.accountEmail(ctx, TmplVerifyEmail, user, d.frontendURL+"/verify-email?token="+token)
}

func (d *Dispatcher) SendWelcome(ctx context.Context, user *auth.User) error {
	return d.accountEmail(ctx, TmplWelcome, user, d.frontendURL+"/login")
}

func (d *Dispatcher) SendPasswordReset(ctx context.Context, user *auth.User, token string) error {
	return d.accountEmail(ctx, TmplPasswordReset, user, d.frontendURL+"/reset-password?token="+token)
}

func (d *Dispatcher) SendPasswordChanged(ctx context.Context, user *auth.User) error {
	return d.accountEmail(ctx, TmplPasswordChanged, user, "")
}

func (d *Dispatcher) appointmentView(a *scheduling.Appointment) View {
	return View{
		Name:       a.Patient.Name,
		ClinicName: a.ClinicName,
		Doctor:     a.Doctor.Name,
		Number:     a.AppointmentNumber,
		When:       a.StartsAt(d.loc).Format(whenLayout),
		Reason:     a.CancelReason,
	}
}

func (d *Dispatcher) appointmentDelivery(a *scheduling.Appointment, template, kind, title, priority string) delivery {
	view := d.appointmentView(a)
	clinicID := a.ClinicID
	return delivery{
		template: template,
		view:     view,
		email:    a.Patient.Email,
		phone:    a.Patient.Phone,
		inApp: notifications.Message{
			RecipientID: a.Patient.ID,
			ClinicID:    &clinicID,
			Type:        kind,
			Title:       title,
			Body:        fmt.Sprintf("%s with %s on %s", a.AppointmentNumber, a.Doctor.Name, view.When),
			Priority:    priority,
			ActionURL:   "/appointments/" + a.ID.String(),
			RelatedTo:   &notifications.Related{Model: "Appointment", ID: a.ID},
			Data:        map[string]any{"appointmentId": a.ID, "appointmentNumber": a.AppointmentNumber},
		},
	}
}

// AppointmentBooked confirms the booking to the patient and tells the
// doctor in-app.
func (d *Dispatcher) AppointmentBooked(ctx context.Context, a *scheduling.Appointment) error {
	err := d.send(ctx, d.appointmentDelivery(a, TmplAppointmentConfirmed,
		notifications.TypeAppointmentConfirmed, "Appointment confirmed", notifications.PriorityMedium))
	if d.inApp != nil && a.Doctor.ID != uuid.Nil {
		clinicID := a.ClinicID
		_, derr := d.inApp.Deliver(ctx, notifications.Message{
			RecipientID: a.Doctor.ID,
			ClinicID:    &clinicID,
			Type:        notifications.TypeNewAppointment,
			Title:       "New appointment",
			Body:        fmt.Sprintf("%s booked %s for %s", a.Patient.Name, a.AppointmentNumber, a.StartsAt(d.loc).Format(whenLayout)),
			ActionURL:   "/appointments/" + a.ID.String(),
			RelatedTo:   &notifications.Related{Model: "Appointment", ID: a.ID},
		})
		if derr != nil {
			d.logger.Warn("notify: doctor notification failed", "appointment_id", a.ID, "error", derr)
		}
	}
	return err
}

func (d *Dispatcher) AppointmentRescheduled(ctx context.Context, a *scheduling.Appointment) error {
	return d.send(ctx, d.appointmentDelivery(a, TmplAppointmentRescheduled,
		notifications.TypeAppointmentRescheduled, "Appointment rescheduled", notifications.PriorityMedium))
}

func (d *Dispatcher) AppointmentCancelled(ctx context.Context, a *scheduling.Appointment) error {
	return d.send(ctx, d.appointmentDelivery(a, TmplAppointmentCancelled,
		notifications.TypeAppointmentCancelled, "Appointment cancelled", notifications.PriorityHigh))
}

// AppointmentReminder sends the reminder for window and reports the outcome
// of each channel it tried. The one hour reminder is flagged high priority
// and expires once the appointment starts.
func (d *Dispatcher) AppointmentReminder(ctx context.Context, a *scheduling.Appointment, window string) ([]scheduling.Reminder, error) {
	priority := notifications.PriorityMedium
	if window == scheduling.Window1h {
		priority = notifications.PriorityHigh
	}
	del := d.appointmentDelivery(a, TmplAppointmentReminder,
		notifications.TypeAppointmentReminder, "Appointment reminder", priority)
	starts := a.StartsAt(d.loc)
	del.inApp.ExpiresAt = &starts
	del.inApp.Data["window"] = window
	channels, err := d.fanOut(ctx, del)
	attempts := make([]scheduling.Reminder, 0, len(channels))
	for _, ch := range channels {
		attempts = append(attempts, scheduling.Reminder{Type: ch.Type, Status: ch.Status})
	}
	return attempts, err
}

func money(amount float64, currency string) string {
	if currency == "" {
		currency = "USD"
	}
	return fmt.Sprintf("%s %.2f", currency, amount)
}

func (d *Dispatcher) invoiceDelivery(inv *billing.Invoice, template, kind, title, priority string) delivery {
	clinicID := inv.ClinicID
	view := View{
		Name:       inv.Patient.Name,
		ClinicName: inv.ClinicName,
		Number:     inv.InvoiceNumber,
		When:       inv.DueDate.Format(dates.Layout),
		Amount:     money(inv.TotalAmount, inv.Currency),
		Balance:    money(inv.BalanceDue, inv.Currency),
	}
	return delivery{
		template: template,
		view:     view,
		email:    inv.Patient.Email,
		phone:    inv.Patient.Phone,
		inApp: notifications.Message{
			RecipientID: inv.Patient.ID,
			ClinicID:    &clinicID,
			Type:        kind,
			Title:       title,
			Priority:    priority,
			ActionURL:   "/invoices/" + inv.ID.String(),
			RelatedTo:   &notifications.Related{Model: "Invoice", ID: inv.ID},
			Data:        map[string]any{"invoiceId": inv.ID, "invoiceNumber": inv.InvoiceNumber, "balanceDue": inv.BalanceDue},
		},
	}
}

// InvoiceIssued emails the invoice with its PDF attached.
func (d *Dispatcher) InvoiceIssued(ctx context.Context, inv *billing.Invoice) error {
	del := d.invoiceDelivery(inv, TmplInvoiceIssued, notifications.TypeInvoiceGenerated, "New invoice", notifications.PriorityMedium)
	del.phone = ""
	del.inApp.Body = fmt.Sprintf("Invoice %s for %s is due on %s", inv.InvoiceNumber, del.view.Amount, del.view.When)
	if pdf, err := billing.RenderPDF(inv, nil, nil); err != nil {
		d.logger.Warn("notify: invoice pdf failed", "invoice_id", inv.ID, "error", err)
	} else {
		del.attachments = []Attachment{{Name: inv.InvoiceNumber + ".pdf", ContentType: "application/pdf", Data: pdf}}
	}
	return d.send(ctx, del)
}

func (d *Dispatcher) PaymentReceived(ctx context.Context, inv *billing.Invoice, p *billing.Payment) error {
	del := d.invoiceDelivery(inv, TmplPaymentReceived, notifications.TypePaymentReceived, "Payment received", notifications.PriorityMedium)
	del.view.Amount = money(p.Amount, p.Currency)
	if inv.BalanceDue <= 0 {
		del.view.Balance = ""
	}
	del.inApp.Body = fmt.Sprintf("Payment %s of %s received for invoice %s", p.PaymentNumber, del.view.Amount, inv.InvoiceNumber)
	del.inApp.Data["paymentId"] = p.ID
	return d.send(ctx, del)
}

func (d *Dispatcher) InvoiceOverdue(ctx context.Context, inv *billing.Invoice, daysOverdue int) error {
	del := d.invoiceDelivery(inv, TmplInvoiceOverdue, notifications.TypePaymentOverdue, "Invoice overdue", notifications.PriorityHigh)
	del.view.Days = daysOverdue
	del.inApp.Body = fmt.Sprintf("Invoice %s is %d day(s) overdue. Balance due %s", inv.InvoiceNumber, daysOverdue, del.view.Balance)
	del.inApp.Data["daysOverdue"] = daysOverdue
	return d.send(ctx, del)
}

func (d *Dispatcher) PrescriptionIssued(ctx context.Context, p *records.Prescription) error {
	clinicID := p.ClinicID
	return d.send(ctx, delivery{
		template: TmplPrescriptionReady,
		view:     View{Name: p.PatientName, ClinicName: p.ClinicName, Doctor: p.DoctorName, Number: p.PrescriptionNumber},
		email:    p.PatientEmail,
		inApp: notifications.Message{
			RecipientID: p.PatientUserID,
			ClinicID:    &clinicID,
			Type:        notifications.TypePrescriptionReady,
			Title:       "Prescription ready",
			Body:        fmt.Sprintf("Prescription %s from %s is ready", p.PrescriptionNumber, p.DoctorName),
			ActionURL:   "/prescriptions/" + p.ID.String(),
			RelatedTo:   &notifications.Related{Model: "Prescription", ID: p.ID},
		},
	})
}

// DocumentShared tells the patient in-app that a document is visible to
// them. Lab reports use the lab result type.
func (d *Dispatcher) DocumentShared(ctx context.Context, doc *documents.Document) error {
	kind := notifications.TypeGeneral
	if doc.Type == documents.TypeLabReport {
		kind = notifications.TypeLabResultReady
	}
	clinicID := doc.ClinicID
	return d.send(ctx, delivery{
		template: "document-shared",
		inApp: notifications.Message{
			RecipientID: doc.PatientUserID,
			ClinicID:    &clinicID,
			Type:        kind,
			Title:       "New document available",
			Body:        doc.Title,
			ActionURL:   "/documents/" + doc.ID.String(),
			RelatedTo:   &notifications.Related{Model: "Document", ID: doc.ID},
		},
	})
}

var (
	_ auth.AccountMailer  = (*Dispatcher)(nil)
	_ scheduling.Notifier = (*Dispatcher)(nil)
	_ billing.Notifier    = (*Dispatcher)(nil)
	_ records.Notifier    = (*Dispatcher)(nil)
	_ documents.Notifier  = (*Dispatcher)(nil)
	_ InAppDeliverer      = (*notifications.Service)(nil)
)
