// Package records keeps the clinical side of a visit: medical records and
// the prescriptions written from them.
package records

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	VisitConsultation = "consultation"
	VisitFollowUp     = "follow-up"
	VisitEmergency    = "emergency"
	VisitCheckUp      = "check-up"
)

const (
	PrescriptionActive    = "active"
	PrescriptionCompleted = "completed"
	PrescriptionCancelled = "cancelled"
)

type Symptom struct {
	Name     string `json:"name" validate:"required,max=100"`
	Duration string `json:"duration,omitempty" validate:"max=50"`
	Severity string `json:"severity,omitempty" validate:"omitempty,oneof=mild moderate severe"`
}

// Measurement is a vital sign reading with its unit.
type Measurement struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

type BloodPressure struct {
	Systolic  int `json:"systolic" validate:"gte=0,lte=300"`
	Diastolic int `json:"diastolic" validate:"gte=0,lte=200"`
}

type Vitals struct {
	Temperature      *Measurement   `json:"temperature,omitempty"`
	BloodPressure    *BloodPressure `json:"bloodPressure,omitempty"`
	HeartRate        *Measurement   `json:"heartRate,omitempty"`
	RespiratoryRate  *Measurement   `json:"respiratoryRate,omitempty"`
	OxygenSaturation *Measurement   `json:"oxygenSaturation,omitempty"`
	Weight           *Measurement   `json:"weight,omitempty"`
	Height           *Measurement   `json:"height,omitempty"`
	BMI              float64        `json:"bmi,omitempty"`
}

// withUnits fills default units and derives BMI from weight (kg) and
// height (cm) when both are present.
func (v *Vitals) withUnits() {
	if v == nil {
		return
	}
	defaultUnit(v.Temperature, "C")
	defaultUnit(v.HeartRate, "bpm")
	defaultUnit(v.RespiratoryRate, "breaths/min")
	defaultUnit(v.OxygenSaturation, "%")
	defaultUnit(v.Weight, "kg")
	defaultUnit(v.Height, "cm")
	if v.BMI == 0 && v.Weight != nil && v.Height != nil && v.Weight.Unit == "kg" && v.Height.Unit == "cm" && v.Height.Value > 0 {
		m := v.Height.Value / 100
		v.BMI = float64(int(v.Weight.Value/(m*m)*10+0.5)) / 10
	}
}

func defaultUnit(m *Measurement, unit string) {
	if m != nil && m.Unit == "" {
		m.Unit = unit
	}
}

type Diagnosis struct {
	Code  string `json:"code,omitempty" validate:"max=20"`
	Name  string `json:"name" validate:"required,max=200"`
	Type  string `json:"type,omitempty" validate:"omitempty,oneof=primary secondary"`
	Notes string `json:"notes,omitempty" validate:"max=1000"`
}

type Investigation struct {
	Type        string     `json:"type" validate:"required,max=100"`
	OrderedDate *time.Time `json:"orderedDate,omitempty"`
	Status      string     `json:"status,omitempty" validate:"omitempty,oneof=ordered completed pending cancelled"`
	Results     string     `json:"results,omitempty" validate:"max=5000"`
	DocumentID  *uuid.UUID `json:"documentId,omitempty"`
}

type MedicalRecord struct {
	ID                   uuid.UUID       `json:"id"`
	ClinicID             uuid.UUID       `json:"clinicId"`
	PatientID            uuid.UUID       `json:"patientId"`
	DoctorID             uuid.UUID       `json:"doctorId"`
	AppointmentID        *uuid.UUID      `json:"appointmentId,omitempty"`
	VisitDate            time.Time       `json:"visitDate"`
	VisitType            string          `json:"visitType"`
	ChiefComplaint       string          `json:"chiefComplaint"`
	Symptoms             []Symptom       `json:"symptoms"`
	Vitals               *Vitals         `json:"vitals,omitempty"`
	Examination          string          `json:"examination,omitempty"`
	Diagnosis            []Diagnosis     `json:"diagnosis"`
	Investigations       []Investigation `json:"investigations"`
	TreatmentPlan        string          `json:"treatmentPlan,omitempty"`
	Notes                string          `json:"notes,omitempty"`
	FollowUpDate         *time.Time      `json:"followUpDate,omitempty"`
	FollowUpInstructions string          `json:"followUpInstructions,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`

	PatientUserID uuid.UUID `json:"patientUserId"`
	PatientName   string    `json:"patientName,omitempty"`
	DoctorName    string    `json:"doctorName,omitempty"`
	ClinicName    string    `json:"clinicName,omitempty"`
}

type RecordFilter struct {
	ClinicIDs     []uuid.UUID
	PatientID     *uuid.UUID
	PatientUserID *uuid.UUID
	DoctorID      *uuid.UUID
	From          *time.Time
	To            *time.Time
	Limit         int
	Offset        int
}

// DiagnosisCount is how often a diagnosis appears in a patient's history.
type DiagnosisCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type HistorySummary struct {
	TotalVisits     int              `json:"totalVisits"`
	LastVisit       *time.Time       `json:"lastVisit"`
	CommonDiagnoses []DiagnosisCount `json:"commonDiagnoses"`
	RecentVitals    *Vitals          `json:"recentVitalSigns"`
}

// Summarize builds the history overview from records sorted newest first.
// At most five diagnoses are reported, most frequent first with ties broken
// by name.
func Summarize(records []*MedicalRecord) HistorySummary {
	sum := HistorySummary{TotalVisits: len(records), CommonDiagnoses: []DiagnosisCount{}}
	if len(records) > 0 {
		last := records[0].VisitDate
		sum.LastVisit = &last
		sum.RecentVitals = records[0].Vitals
	}
	counts := map[string]int{}
	for _, r := range records {
		for _, d := range r.Diagnosis {
			if d.Name != "" {
				counts[d.Name]++
			}
		}
	}
	for name, n := range counts {
		sum.CommonDiagnoses = append(sum.CommonDiagnoses, DiagnosisCount{Name: name, Count: n})
	}
	sortDiagnoses(sum.CommonDiagnoses)
	if len(sum.CommonDiagnoses) > 5 {
		sum.CommonDiagnoses = sum.CommonDiagnoses[:5]
	}
	return sum
}

func sortDiagnoses(ds []DiagnosisCount) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].Count != ds[j].Count {
			return ds[i].Count > ds[j].Count
		}
		return ds[i].Name < ds[j].Name
	})
}

type Duration struct {
	Value int    `json:"value" validate:"gte=0"`
	Unit  string `json:"unit,omitempty" validate:"omitempty,oneof=days weeks months"`
}

type Medication struct {
	Name         string    `json:"name" validate:"required,max=200"`
	GenericName  string    `json:"genericName,omitempty" validate:"max=200"`
	Dosage       string    `json:"dosage" validate:"required,max=100"`
	Form         string    `json:"form,omitempty" validate:"omitempty,oneof=tablet capsule syrup injection drops cream inhaler other"`
	Route        string    `json:"route,omitempty" validate:"omitempty,oneof=oral topical intravenous intramuscular subcutaneous inhalation other"`
	Frequency    string    `json:"frequency" validate:"required,max=100"`
	Duration     *Duration `json:"duration,omitempty"`
	Quantity     int       `json:"quantity,omitempty" validate:"gte=0"`
	Instructions string    `json:"instructions,omitempty" validate:"max=500"`
	BeforeFood   bool      `json:"beforeFood"`
}

type Refills struct {
	Allowed   int `json:"allowed"`
	Remaining int `json:"remaining"`
}

type Dispensed struct {
	PharmacyName  string     `json:"pharmacyName,omitempty"`
	DispensedDate *time.Time `json:"dispensedDate,omitempty"`
	DispensedBy   string     `json:"dispensedBy,omitempty"`
}

// RefillEntry is one refill of a prescription.
type RefillEntry struct {
	Date         time.Time `json:"date"`
	RefillNumber int       `json:"refillNumber"`
	Reason       string    `json:"reason"`
	RefilledBy   uuid.UUID `json:"refilledBy"`
}

type Prescription struct {
	ID                 uuid.UUID     `json:"id"`
	ClinicID           uuid.UUID     `json:"clinicId"`
	PatientID          uuid.UUID     `json:"patientId"`
	DoctorID           uuid.UUID     `json:"doctorId"`
	MedicalRecordID    *uuid.UUID    `json:"medicalRecordId,omitempty"`
	PrescriptionNumber string        `json:"prescriptionNumber"`
	PrescriptionDate   time.Time     `json:"prescriptionDate"`
	Medications        []Medication  `json:"medications"`
	Diagnosis          string        `json:"diagnosis,omitempty"`
	Instructions       string        `json:"instructions,omitempty"`
	ValidUntil         *time.Time    `json:"validUntil,omitempty"`
	Status             string        `json:"status"`
	Dispensed          *Dispensed    `json:"pharmacyDispensed,omitempty"`
	Refills            Refills       `json:"refills"`
	RefillHistory      []RefillEntry `json:"refillHistory"`
	Notes              string        `json:"notes,omitempty"`
	CancelledAt        *time.Time    `json:"cancelledAt,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`

	PatientUserID uuid.UUID `json:"patientUserId"`
	PatientName   string    `json:"patientName,omitempty"`
	PatientEmail  string    `json:"patientEmail,omitempty"`
	DoctorName    string    `json:"doctorName,omitempty"`
	ClinicName    string    `json:"clinicName,omitempty"`
}

// Expired reports whether the prescription lapsed before now.
func (p *Prescription) Expired(now time.Time) bool {
	return p.ValidUntil != nil && now.After(*p.ValidUntil)
}

type PrescriptionFilter struct {
	ClinicIDs     []uuid.UUID
	PatientID     *uuid.UUID
	PatientUserID *uuid.UUID
	DoctorID      *uuid.UUID
	Status        string
	From          *time.Time
	To            *time.Time
	// ValidAt keeps prescriptions without an expiry or expiring at or after it.
	ValidAt *time.Time
	Limit   int
	Offset  int
}
