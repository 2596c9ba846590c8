// Package scheduling books doctor appointments and drives their lifecycle.
package scheduling

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-platform/pkg/dates"
)

const (
	StatusScheduled   = "scheduled"
	StatusConfirmed   = "confirmed"
	StatusInProgress  = "in-progress"
	StatusCompleted   = "completed"
	StatusCancelled   = "cancelled"
	StatusNoShow      = "no-show"
	StatusRescheduled = "rescheduled"
)

const (
	TypeConsultation = "consultation"
	TypeFollowUp     = "follow-up"
	TypeEmergency    = "emergency"
	TypeCheckUp      = "check-up"
	TypeTelemedicine = "telemedicine"
)

const (
	SourceOnline  = "online"
	SourcePhone   = "phone"
	SourceWalkIn  = "walk-in"
	SourceStaff   = "staff"
	DefaultLength = 30
)

// Reminder windows, named by lead time before the start.
const (
	Window24h = "24h"
	Window1h  = "1h"
)

// TimeRange is a [start, end) interval of zero-padded "HH:MM" clock times.
// Zero padding makes lexicographic order match chronological order.
type TimeRange struct {
	Start string `json:"start" validate:"required,hhmm"`
	End   string `json:"end" validate:"required,hhmm"`
}

// Overlaps reports whether the half-open ranges intersect. Touching ranges
// (09:00-09:30 and 09:30-10:00) do not.
func (r TimeRange) Overlaps(other TimeRange) bool {
	return r.Start < other.End && other.Start < r.End
}

// Minutes returns the length of the range.
func (r TimeRange) Minutes() (int, error) {
	start, err := time.Parse("15:04", r.Start)
	if err != nil {
		return 0, fmt.Errorf("scheduling: invalid start %q", r.Start)
	}
	end, err := time.Parse("15:04", r.End)
	if err != nil {
		return 0, fmt.Errorf("scheduling: invalid end %q", r.End)
	}
	return int(end.Sub(start) / time.Minute), nil
}

const (
	ReminderSent    = "sent"
	ReminderFailed  = "failed"
	ReminderSkipped = "skipped"

	// ReminderChannelNone marks a window for which no channel was reachable.
	ReminderChannelNone = "none"
)

// Reminder is one channel's attempt at a reminder. Type is the channel.
type Reminder struct {
	Type   string    `json:"type"`
	Window string    `json:"window"`
	Status string    `json:"status"`
	SentAt time.Time `json:"sentAt"`
}

// Person is the display projection of a user joined into listings. For the
// patient it carries the patient's user account.
type Person struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Email string    `json:"email,omitempty"`
	Phone string    `json:"phone,omitempty"`
}

type Appointment struct {
	ID                uuid.UUID  `json:"id"`
	ClinicID          uuid.UUID  `json:"clinicId"`
	PatientID         uuid.UUID  `json:"patientId"`
	DoctorID          uuid.UUID  `json:"doctorId"`
	AppointmentNumber string     `json:"appointmentNumber"`
	ScheduledDate     dates.Date `json:"scheduledDate"`
	ScheduledTime     TimeRange  `json:"scheduledTime"`
	Duration          int        `json:"duration"`
	Type              string     `json:"type"`
	Status            string     `json:"status"`
	Reason            string     `json:"reason"`
	Symptoms          []string   `json:"symptoms"`
	Notes             string     `json:"notes,omitempty"`
	BookingSource     string     `json:"bookingSource"`
	BookedBy          uuid.UUID  `json:"bookedBy"`
	CancelledBy       *uuid.UUID `json:"cancelledBy,omitempty"`
	CancelledAt       *time.Time `json:"cancelledAt,omitempty"`
	CancelReason      string     `json:"cancelReason,omitempty"`
	RescheduledFrom   *uuid.UUID `json:"rescheduledFrom,omitempty"`
	Reminders         []Reminder `json:"reminders"`
	ActualStartTime   *time.Time `json:"actualStartTime,omitempty"`
	ActualEndTime     *time.Time `json:"actualEndTime,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`

	Patient    Person `json:"patient"`
	Doctor     Person `json:"doctor"`
	ClinicName string `json:"clinicName,omitempty"`
}

// Slot is the doctor/day/range triple the booking invariant is about.
type Slot struct {
	DoctorID uuid.UUID
	Date     time.Time
	Time     TimeRange
}

func (a *Appointment) Slot() Slot {
	return Slot{DoctorID: a.DoctorID, Date: a.ScheduledDate.Time, Time: a.ScheduledTime}
}

// StartsAt is the wall-clock start in loc.
func (a *Appointment) StartsAt(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	clock, err := time.Parse("15:04", a.ScheduledTime.Start)
	if err != nil {
		return a.ScheduledDate.Time
	}
	y, m, d := a.ScheduledDate.Date()
	return time.Date(y, m, d, clock.Hour(), clock.Minute(), 0, 0, loc)
}

// HasReminder reports whether a reminder attempt was already recorded for
// window, whatever its outcome.
func (a *Appointment) HasReminder(window string) bool {
	for _, r := range a.Reminders {
		if r.Window == window {
			return true
		}
	}
	return false
}

// IsClosed reports terminal statuses that release the slot and reject edits.
func IsClosed(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}

// BlocksSlot reports whether an appointment in status holds its time range.
func BlocksSlot(status string) bool {
	return !IsClosed(status)
}

// transitions lists the moves available through confirm, start and the
// generic update. Cancel, complete and reschedule only require an open
// appointment.
var transitions = map[string][]string{
	StatusScheduled:   {StatusConfirmed, StatusInProgress, StatusNoShow},
	StatusConfirmed:   {StatusInProgress, StatusNoShow},
	StatusRescheduled: {StatusConfirmed, StatusInProgress, StatusNoShow},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Filter narrows appointment listings. A nil ClinicIDs means every clinic.
type Filter struct {
	ClinicIDs     []uuid.UUID
	DoctorID      *uuid.UUID
	PatientID     *uuid.UUID
	PatientUserID *uuid.UUID
	Status        string
	Statuses      []string
	Type          string
	From          *time.Time
	To            *time.Time
	Limit         int
	Offset        int
}

// DueReminder pairs an appointment with the reminder window it is due for.
type DueReminder struct {
	Appointment *Appointment
	Window      string
}
