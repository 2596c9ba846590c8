package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
)

// Template names.
const (
	TmplWelcome                = "welcome"
	TmplVerifyEmail            = "verify-email"
	TmplPasswordReset          = "password-reset"
	TmplPasswordChanged        = "password-changed"
	TmplAppointmentConfirmed   = "appointment-confirmed"
	TmplAppointmentReminder    = "appointment-reminder"
	TmplAppointmentCancelled   = "appointment-cancelled"
	TmplAppointmentRescheduled = "appointment-rescheduled"
	TmplInvoiceIssued          = "invoice-issued"
	TmplPaymentReceived        = "payment-received"
	TmplInvoiceOverdue         = "invoice-overdue"
	TmplPrescriptionReady      = "prescription-ready"
)

type emailTemplate struct {
	subject string
	text    string
	html    string
}

var emailTemplates = map[string]emailTemplate{
	TmplWelcome: {
		subject: "Welcome to {{.ClinicName}}",
		text:    "Hi {{.Name}},\n\nYour account has been created. You can sign in at {{.Link}}.",
		html:    `<p>Hi {{.Name}},</p><p>Your account has been created.</p><p><a href="{{.Link}}">Sign in</a></p>`,
	},
	TmplVerifyEmail: {
		subject: "Verify your email address",
		text:    "Hi {{.Name}},\n\nConfirm your email address by opening {{.Link}}\n\nThis link expires in 24 hours.",
		html:    `<p>Hi {{.Name}},</p><p>Confirm your email address:</p><p><a href="{{.Link}}">Verify email</a></p><p>This link expires in 24 hours.</p>`,
	},
	TmplPasswordReset: {
		subject: "Reset your password",
		text:    "Hi {{.Name}},\n\nReset your password at {{.Link}}\n\nThis link expires in 1 hour. If you did not ask for a reset you can ignore this email.",
		html:    `<p>Hi {{.Name}},</p><p><a href="{{.Link}}">Reset your password</a></p><p>This link expires in 1 hour. If you did not ask for a reset you can ignore this email.</p>`,
	},
	TmplPasswordChanged: {
		subject: "Your password was changed",
		text:    "Hi {{.Name}},\n\nYour password was just changed. If this was not you, contact the clinic immediately.",
		html:    `<p>Hi {{.Name}},</p><p>Your password was just changed. If this was not you, contact the clinic immediately.</p>`,
	},
	TmplAppointmentConfirmed: {
		subject: "Appointment confirmed: {{.When}}",
		text:    "Hi {{.Name}},\n\nYour appointment {{.Number}} with {{.Doctor}} at {{.ClinicName}} is booked for {{.When}}.",
		html:    `<p>Hi {{.Name}},</p><p>Your appointment <strong>{{.Number}}</strong> with {{.Doctor}} at {{.ClinicName}} is booked for <strong>{{.When}}</strong>.</p>`,
	},
	TmplAppointmentReminder: {
		subject: "Reminder: appointment {{.When}}",
		text:    "Hi {{.Name}},\n\nThis is a reminder of your appointment with {{.Doctor}} at {{.ClinicName}} on {{.When}}.\nPlease arrive 10 minutes early.",
		html:    `<p>Hi {{.Name}},</p><p>This is a reminder of your appointment with {{.Doctor}} at {{.ClinicName}} on <strong>{{.When}}</strong>.</p><p>Please arrive 10 minutes early.</p>`,
	},
	TmplAppointmentCancelled: {
		subject: "Appointment cancelled: {{.When}}",
		text:    "Hi {{.Name}},\n\nYour appointment {{.Number}} on {{.When}} has been cancelled.{{if .Reason}}\nReason: {{.Reason}}{{end}}",
		html:    `<p>Hi {{.Name}},</p><p>Your appointment <strong>{{.Number}}</strong> on {{.When}} has been cancelled.</p>{{if .Reason}}<p>Reason: {{.Reason}}</p>{{end}}`,
	},
	TmplAppointmentRescheduled: {
		subject: "Appointment moved to {{.When}}",
		text:    "Hi {{.Name}},\n\nYour appointment with {{.Doctor}} has been moved to {{.When}}. The new reference is {{.Number}}.",
		html:    `<p>Hi {{.Name}},</p><p>Your appointment with {{.Doctor}} has been moved to <strong>{{.When}}</strong>. The new reference is {{.Number}}.</p>`,
	},
	TmplInvoiceIssued: {
		subject: "Invoice {{.Number}} from {{.ClinicName}}",
		text:    "Hi {{.Name}},\n\nInvoice {{.Number}} for {{.Amount}} is due on {{.When}}. The invoice is attached.",
		html:    `<p>Hi {{.Name}},</p><p>Invoice <strong>{{.Number}}</strong> for {{.Amount}} is due on {{.When}}. The invoice is attached.</p>`,
	},
	TmplPaymentReceived: {
		subject: "Payment received for invoice {{.Number}}",
		text:    "Hi {{.Name}},\n\nWe received your payment of {{.Amount}} for invoice {{.Number}}.{{if .Balance}} Remaining balance: {{.Balance}}.{{end}}",
		html:    `<p>Hi {{.Name}},</p><p>We received your payment of <strong>{{.Amount}}</strong> for invoice {{.Number}}.</p>{{if .Balance}}<p>Remaining balance: {{.Balance}}</p>{{end}}`,
	},
	TmplInvoiceOverdue: {
		subject: "Invoice {{.Number}} is overdue",
		text:    "Hi {{.Name}},\n\nInvoice {{.Number}} was due on {{.When}} and is {{.Days}} day(s) overdue. Balance due: {{.Balance}}.",
		html:    `<p>Hi {{.Name}},</p><p>Invoice <strong>{{.Number}}</strong> was due on {{.When}} and is {{.Days}} day(s) overdue.</p><p>Balance due: <strong>{{.Balance}}</strong></p>`,
	},
	TmplPrescriptionReady: {
		subject: "Prescription {{.Number}} is ready",
		text:    "Hi {{.Name}},\n\nYour prescription {{.Number}} from {{.Doctor}} is ready.",
		html:    `<p>Hi {{.Name}},</p><p>Your prescription <strong>{{.Number}}</strong> from {{.Doctor}} is ready.</p>`,
	},
}

var smsTemplates = map[string]string{
	TmplAppointmentConfirmed:   "{{.ClinicName}}: your appointment with {{.Doctor}} is confirmed for {{.When}}. Ref {{.Number}}.",
	TmplAppointmentReminder:    "{{.ClinicName}}: reminder of your appointment with {{.Doctor}} on {{.When}}. Please arrive 10 minutes early.",
	TmplAppointmentCancelled:   "{{.ClinicName}}: your appointment on {{.When}} has been cancelled.",
	TmplAppointmentRescheduled: "{{.ClinicName}}: your appointment has been moved to {{.When}}.",
	TmplPaymentReceived:        "{{.ClinicName}}: payment of {{.Amount}} received for invoice {{.Number}}. Thank you.",
	TmplInvoiceOverdue:         "{{.ClinicName}}: invoice {{.Number}} is {{.Days}} day(s) overdue. Balance due {{.Balance}}.",
}

const htmlLayout = `<!DOCTYPE html>
<html><body style="font-family:Arial,sans-serif;color:#222">
<div style="max-width:600px;margin:0 auto;padding:16px">
<h2 style="color:#2a6f97">{{.ClinicName}}</h2>
{{.Body}}
<hr><p style="font-size:12px;color:#888">This is an automated message from {{.ClinicName}}.</p>
</div></body></html>`

// View is the data every template renders from. Unused fields stay empty.
type View struct {
	Name       string
	ClinicName string
	Doctor     string
	Number     string
	When       string
	Amount     string
	Balance    string
	Reason     string
	Link       string
	Days       int
}

type compiled struct {
	subject *texttemplate.Template
	text    *texttemplate.Template
	html    *htmltemplate.Template
}

var (
	compiledEmail = map[string]compiled{}
	compiledSMS   = map[string]*texttemplate.Template{}
	layout        = htmltemplate.Must(htmltemplate.New("layout").Parse(htmlLayout))
)

func init() {
	for name, t := range emailTemplates {
		compiledEmail[name] = compiled{
			subject: texttemplate.Must(texttemplate.New(name + ".subject").Parse(t.subject)),
			text:    texttemplate.Must(texttemplate.New(name + ".text").Parse(t.text)),
			html:    htmltemplate.Must(htmltemplate.New(name + ".html").Parse(t.html)),
		}
	}
	for name, t := range smsTemplates {
		compiledSMS[name] = texttemplate.Must(texttemplate.New(name + ".sms").Parse(t))
	}
}

// RenderEmail fills the named template and wraps the HTML part in the
// shared layout.
func RenderEmail(name string, v View) (EmailMessage, error) {
	t, ok := compiledEmail[name]
	if !ok {
		return EmailMessage{}, fmt.Errorf("notify: unknown email template %q", name)
	}
	if v.ClinicName == "" {
		v.ClinicName = DefaultFromName
	}
	var subject, text, body, page bytes.Buffer
	if err := t.subject.Execute(&subject, v); err != nil {
		return EmailMessage{}, fmt.Errorf("notify: render %s subject: %w", name, err)
	}
	if err := t.text.Execute(&text, v); err != nil {
		return EmailMessage{}, fmt.Errorf("notify: render %s text: %w", name, err)
	}
	if err := t.html.Execute(&body, v); err != nil {
		return EmailMessage{}, fmt.Errorf("notify: render %s html: %w", name, err)
	}
	err := layout.Execute(&page, struct {
		ClinicName string
		Body       htmltemplate.HTML
	}{v.ClinicName, htmltemplate.HTML(body.String())})
	if err != nil {
		return EmailMessage{}, fmt.Errorf("notify: render %s layout: %w", name, err)
	}
	return EmailMessage{
		Subject: strings.TrimSpace(subject.String()),
		Body:    text.String(),
		HTML:    page.String(),
	}, nil
}

// RenderSMS fills the named text message template. ok is false when the
// event has no SMS form.
func RenderSMS(name string, v View) (body string, ok bool, err error) {
	t, found := compiledSMS[name]
	if !found {
		return "", false, nil
	}
	if v.ClinicName == "" {
		v.ClinicName = DefaultFromName
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, v); err != nil {
		return "", true, fmt.Errorf("notify: render %s sms: %w", name, err)
	}
	return buf.String(), true, nil
}
