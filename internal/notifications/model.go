// Package notifications stores in-app notifications and pushes them to
// connected clients.
package notifications

import (
	"time"

	"github.com/google/uuid"
)

const (
	TypeAppointmentReminder    = "appointment-reminder"
	TypeAppointmentConfirmed   = "appointment-confirmed"
	TypeAppointmentCancelled   = "appointment-cancelled"
	TypeAppointmentRescheduled = "appointment-rescheduled"
	TypeNewAppointment         = "new-appointment"
	TypePaymentReceived        = "payment-received"
	TypePaymentOverdue         = "payment-overdue"
	TypeInvoiceGenerated       = "invoice-generated"
	TypePrescriptionReady      = "prescription-ready"
	TypeLabResultReady         = "lab-result-ready"
	TypeGeneral                = "general"
)

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelInApp = "in-app"
)

const (
	DeliveryPending = "pending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
)

// Delivery is the outcome of one channel a notification went out on.
type Delivery struct {
	Type   string     `json:"type"`
	Status string     `json:"status"`
	SentAt *time.Time `json:"sentAt,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// Related points at the entity a notification is about.
type Related struct {
	Model string    `json:"model"`
	ID    uuid.UUID `json:"id"`
}

type Notification struct {
	ID          uuid.UUID      `json:"id"`
	RecipientID uuid.UUID      `json:"recipientId"`
	ClinicID    *uuid.UUID     `json:"clinicId,omitempty"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	Data        map[string]any `json:"data,omitempty"`
	Channels    []Delivery     `json:"channels"`
	Priority    string         `json:"priority"`
	ActionURL   string         `json:"actionUrl,omitempty"`
	IsRead      bool           `json:"isRead"`
	ReadAt      *time.Time     `json:"readAt,omitempty"`
	RelatedTo   *Related       `json:"relatedTo,omitempty"`
	ExpiresAt   *time.Time     `json:"expiresAt,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Expired reports whether the notification lapsed before now.
func (n *Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && n.ExpiresAt.Before(now)
}

type Filter struct {
	RecipientID *uuid.UUID
	Type        string
	Priority    string
	IsRead      *bool
	// ActiveAt hides notifications that expired before it.
	ActiveAt *time.Time
	// ByPriority orders urgent notifications first.
	ByPriority bool
	Limit      int
	Offset     int
}
