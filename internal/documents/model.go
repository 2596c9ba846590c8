// Package documents manages patient files and their metadata.
package documents

import (
	"time"

	"github.com/google/uuid"
)

const (
	TypeLabReport    = "lab-report"
	TypeRadiology    = "radiology"
	TypePrescription = "prescription"
	TypeConsentForm  = "consent-form"
	TypeInsurance    = "insurance"
	TypeReferral     = "referral"
	TypeOther        = "other"
)

// MaxUploadBytes is the default per-file limit.
const MaxUploadBytes = 10 << 20

var allowedMimeTypes = map[string]bool{
	"image/jpeg":               true,
	"image/jpg":                true,
	"image/png":                true,
	"image/gif":                true,
	"image/webp":               true,
	"application/pdf":          true,
	"application/dicom":        true,
	"application/msword":       true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       true,
}

// AllowedMimeType reports whether uploads of mime are accepted.
func AllowedMimeType(mime string) bool {
	return allowedMimeTypes[mime]
}

type Document struct {
	ID              uuid.UUID  `json:"id"`
	ClinicID        uuid.UUID  `json:"clinicId"`
	PatientID       uuid.UUID  `json:"patientId"`
	MedicalRecordID *uuid.UUID `json:"medicalRecordId,omitempty"`
	AppointmentID   *uuid.UUID `json:"appointmentId,omitempty"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Type            string     `json:"type"`
	Category        string     `json:"category,omitempty"`
	FileKey         string     `json:"fileKey"`
	FileURL         string     `json:"fileUrl,omitempty"`
	FileName        string     `json:"fileName"`
	FileSize        int64      `json:"fileSize"`
	MimeType        string     `json:"mimeType"`
	Provider        string     `json:"storageProvider"`
	DocumentDate    time.Time  `json:"documentDate"`
	UploadedBy      uuid.UUID  `json:"uploadedBy"`
	Tags            []string   `json:"tags"`
	IsPublic        bool       `json:"isPublic"`
	ExpiryDate      *time.Time `json:"expiryDate,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	DownloadCount   int        `json:"downloadCount"`
	LastDownloaded  *time.Time `json:"lastDownloaded,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`

	PatientUserID  uuid.UUID `json:"patientUserId"`
	PatientName    string    `json:"patientName,omitempty"`
	UploadedByName string    `json:"uploadedByName,omitempty"`
	ClinicName     string    `json:"clinicName,omitempty"`
}

type Filter struct {
	ClinicIDs     []uuid.UUID
	PatientID     *uuid.UUID
	PatientUserID *uuid.UUID
	Type          string
	Category      string
	PublicOnly    bool
	From          *time.Time
	To            *time.Time
	Limit         int
	Offset        int
}

// CategorySummary groups a patient's documents by category, falling back
// to the document type when no category was given.
type CategorySummary struct {
	Category  string `json:"category"`
	Count     int    `json:"count"`
	TotalSize int64  `json:"totalSize"`
}

// Download is the link handed to a client fetching a document.
type Download struct {
	FileURL  string `json:"fileUrl"`
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
}
