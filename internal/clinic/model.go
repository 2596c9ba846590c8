package clinic

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Address is the clinic's postal location.
type Address struct {
	Street  string   `json:"street,omitempty"`
	City    string   `json:"city,omitempty"`
	State   string   `json:"state,omitempty"`
	Country string   `json:"country,omitempty"`
	ZipCode string   `json:"zipCode,omitempty"`
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
}

// Line joins the non-empty address parts with commas.
func (a Address) Line() string {
	parts := make([]string, 0, 5)
	for _, p := range []string{a.Street, a.City, a.State, a.ZipCode, a.Country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

type Contact struct {
	Phone   string `json:"phone"`
	Email   string `json:"email,omitempty"`
	Website string `json:"website,omitempty"`
}

// Shift is one open interval within a day, "HH:MM" bounds.
type Shift struct {
	Start string `json:"start" validate:"hhmm"`
	End   string `json:"end" validate:"hhmm"`
}

type WorkingDay struct {
	Day    string  `json:"day" validate:"oneof=sunday monday tuesday wednesday thursday friday saturday"`
	IsOpen bool    `json:"isOpen"`
	Shifts []Shift `json:"shifts,omitempty" validate:"dive"`
}

// Settings are the per-clinic knobs read on hot paths (reminders, booking).
type Settings struct {
	AppointmentDuration int    `json:"appointmentDuration"`
	AllowOnlineBooking  bool   `json:"allowOnlineBooking"`
	RequireApproval     bool   `json:"requireApproval"`
	SendReminders       bool   `json:"sendReminders"`
	ReminderTiming      []int  `json:"reminderTiming"`
	Currency            string `json:"currency"`
	Timezone            string `json:"timezone"`
}

// DefaultSettings returns the settings a new clinic starts with.
func DefaultSettings() Settings {
	return Settings{
		AppointmentDuration: 30,
		AllowOnlineBooking:  true,
		SendReminders:       true,
		ReminderTiming:      []int{24, 1},
		Currency:            "USD",
		Timezone:            "UTC",
	}
}

// Location resolves the configured timezone, falling back to UTC.
func (s Settings) Location() *time.Location {
	if loc, err := time.LoadLocation(s.Timezone); err == nil && s.Timezone != "" {
		return loc
	}
	return time.UTC
}

type Subscription struct {
	Plan      string     `json:"plan"`
	Status    string     `json:"status"`
	StartDate *time.Time `json:"startDate,omitempty"`
	EndDate   *time.Time `json:"endDate,omitempty"`
}

// StaffMember links a user to a clinic with a staff role.
type StaffMember struct {
	UserID      uuid.UUID `json:"user"`
	Name        string    `json:"name,omitempty"`
	Email       string    `json:"email,omitempty"`
	Role        string    `json:"role"`
	Permissions []string  `json:"permissions"`
	IsActive    bool      `json:"isActive"`
	AddedAt     time.Time `json:"addedAt"`
}

type Clinic struct {
	ID           uuid.UUID     `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	OwnerID      uuid.UUID     `json:"owner"`
	Logo         string        `json:"logo,omitempty"`
	Address      Address       `json:"address"`
	Contact      Contact       `json:"contact"`
	WorkingHours []WorkingDay  `json:"workingHours"`
	Specialties  []string      `json:"specialties"`
	Settings     Settings      `json:"settings"`
	Staff        []StaffMember `json:"staff"`
	Subscription Subscription  `json:"subscription"`
	IsActive     bool          `json:"isActive"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// IsOpenAt reports whether t falls inside one of the clinic's shifts in its
// own timezone. A clinic with no working hours is appointment-only and
// always open.
func (c *Clinic) IsOpenAt(t time.Time) bool {
	if len(c.WorkingHours) == 0 {
		return true
	}
	local := t.In(c.Settings.Location())
	day := dayName(local.Weekday())
	minutes := local.Hour()*60 + local.Minute()
	for _, wd := range c.WorkingHours {
		if wd.Day != day || !wd.IsOpen {
			continue
		}
		for _, shift := range wd.Shifts {
			start, okStart := clockMinutes(shift.Start)
			end, okEnd := clockMinutes(shift.End)
			if okStart && okEnd && minutes >= start && minutes < end {
				return true
			}
		}
	}
	return false
}

func dayName(d time.Weekday) string {
	return [...]string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}[d]
}

func clockMinutes(hhmm string) (int, bool) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

// Filter narrows clinic listings.
type Filter struct {
	Search   string
	IsActive *bool
	Limit    int
	Offset   int
}

// Stats is the clinic dashboard summary.
type Stats struct {
	Patients struct {
		Total  int64 `json:"total"`
		Active int64 `json:"active"`
	} `json:"patients"`
	Appointments struct {
		Today    int64            `json:"today"`
		Total    int64            `json:"total"`
		ByStatus map[string]int64 `json:"byStatus"`
	} `json:"appointments"`
	Invoices struct {
		Pending int64 `json:"pending"`
	} `json:"invoices"`
	Revenue struct {
		Total float64 `json:"total"`
	} `json:"revenue"`
	Staff struct {
		Total  int `json:"total"`
		Active int `json:"active"`
	} `json:"staff"`
}
