package patients

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Allergy struct {
	Name     string `json:"name" validate:"required"`
	Severity string `json:"severity,omitempty" validate:"omitempty,oneof=mild moderate severe"`
	Notes    string `json:"notes,omitempty"`
}

type ChronicDisease struct {
	Name          string     `json:"name" validate:"required"`
	DiagnosedDate *time.Time `json:"diagnosedDate,omitempty"`
	Notes         string     `json:"notes,omitempty"`
}

type Surgery struct {
	Name     string     `json:"name" validate:"required"`
	Date     *time.Time `json:"date,omitempty"`
	Hospital string     `json:"hospital,omitempty"`
	Notes    string     `json:"notes,omitempty"`
}

type Medication struct {
	Name         string     `json:"name" validate:"required"`
	Dosage       string     `json:"dosage,omitempty"`
	Frequency    string     `json:"frequency,omitempty"`
	StartDate    *time.Time `json:"startDate,omitempty"`
	EndDate      *time.Time `json:"endDate,omitempty"`
	PrescribedBy string     `json:"prescribedBy,omitempty"`
}

type FamilyCondition struct {
	Condition    string `json:"condition" validate:"required"`
	Relationship string `json:"relationship,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// MedicalHistory is the self-reported background kept on the patient row.
type MedicalHistory struct {
	Allergies       []Allergy         `json:"allergies" validate:"dive"`
	ChronicDiseases []ChronicDisease  `json:"chronicDiseases" validate:"dive"`
	Surgeries       []Surgery         `json:"surgeries" validate:"dive"`
	Medications     []Medication      `json:"medications" validate:"dive"`
	FamilyHistory   []FamilyCondition `json:"familyHistory" validate:"dive"`
}

type EmergencyContact struct {
	Name         string `json:"name,omitempty"`
	Relationship string `json:"relationship,omitempty"`
	Phone        string `json:"phone,omitempty" validate:"omitempty,min=7,max=20"`
	Email        string `json:"email,omitempty" validate:"omitempty,email"`
}

type Insurance struct {
	Provider        string     `json:"provider,omitempty"`
	PolicyNumber    string     `json:"policyNumber,omitempty"`
	GroupNumber     string     `json:"groupNumber,omitempty"`
	ExpiryDate      *time.Time `json:"expiryDate,omitempty"`
	CoverageDetails string     `json:"coverageDetails,omitempty"`
}

// Person is the user account behind a patient, as shown in listings.
type Person struct {
	ID        uuid.UUID `json:"id"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone,omitempty"`
}

func (p Person) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Patient is a user's registration at one clinic.
type Patient struct {
	ID               uuid.UUID        `json:"id"`
	UserID           uuid.UUID        `json:"userId"`
	ClinicID         uuid.UUID        `json:"clinicId"`
	PatientCode      string           `json:"patientId"`
	DateOfBirth      time.Time        `json:"dateOfBirth"`
	Gender           string           `json:"gender"`
	BloodGroup       string           `json:"bloodGroup,omitempty"`
	EmergencyContact EmergencyContact `json:"emergencyContact"`
	MedicalHistory   MedicalHistory   `json:"medicalHistory"`
	Insurance        Insurance        `json:"insurance"`
	Notes            string           `json:"notes,omitempty"`
	Tags             []string         `json:"tags"`
	IsActive         bool             `json:"isActive"`
	LastVisit        *time.Time       `json:"lastVisit,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`

	User       Person `json:"user"`
	ClinicName string `json:"clinicName,omitempty"`
}

// PatientCode renders PAT-<last 6 of the clinic id>-NNNNN.
func PatientCode(clinicID uuid.UUID, seq int) string {
	hex := strings.ReplaceAll(clinicID.String(), "-", "")
	return fmt.Sprintf("PAT-%s-%05d", hex[len(hex)-6:], seq)
}

// Filter narrows patient listings. A nil ClinicIDs means every clinic.
type Filter struct {
	ClinicIDs  []uuid.UUID
	Search     string
	Gender     string
	BloodGroup string
	IsActive   *bool
	Limit      int
	Offset     int
}
