package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-platform/internal/apierr"
	"github.com/wolfman30/clinic-platform/internal/audit"
	"github.com/wolfman30/clinic-platform/internal/patients"
	"github.com/wolfman30/clinic-platform/internal/storage"
	"github.com/wolfman30/clinic-platform/internal/tenancy"
	"github.com/wolfman30/clinic-platform/pkg/logging"
)

const (
	msgDocumentMissing  = "Document not found"
	msgForbidden        = "Not authorized to access this document"
	msgStaffOnly        = "Not authorized to manage documents"
	msgDeleteForbidden  = "Not authorized to delete this document"
	msgNoFile           = "No file uploaded"
	msgPatientElsewhere = "Patient is not registered at this clinic"
)

type ClinicAccess interface {
	CheckAccess(ctx context.Context, p tenancy.Principal, clinicID uuid.UUID) error
	Scope(ctx context.Context, p tenancy.Principal, requested *uuid.UUID) ([]uuid.UUID, error)
}

type PatientDirectory interface {
	Lookup(ctx context.Context, id uuid.UUID) (*patients.Patient, error)
	Mine(ctx context.Context, actor tenancy.Principal) (*patients.Patient, error)
}

// Notifier tells a patient a document was shared with them.
type Notifier interface {
	DocumentShared(ctx context.Context, d *Document) error
}

type Auditor interface {
	Record(ctx context.Context, event audit.Event, details any)
}

type Service struct {
	repo          Repository
	files         storage.Provider
	clinics       ClinicAccess
	patients      PatientDirectory
	notifier      Notifier
	auditor       Auditor
	logger        *logging.Logger
	maxBytes      int64
	urlTTL        time.Duration
	now           func() time.Time
	notifyTimeout time.Duration
	inflight      sync.WaitGroup
}

func NewService(repo Repository, files storage.Provider, clinics ClinicAccess, patients PatientDirectory, logger *logging.Logger) *Service {
	if repo == nil {
		panic("documents: repository required")
	}
	if files == nil {
		panic("documents: storage provider required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		repo:          repo,
		files:         files,
		clinics:       clinics,
		patients:      patients,
		logger:        logger,
		maxBytes:      MaxUploadBytes,
		urlTTL:        15 * time.Minute,
		now:           time.Now,
		notifyTimeout: 30 * time.Second,
	}
}

func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func (s *Service) WithAuditor(a Auditor) *Service {
	s.auditor = a
	return s
}

// WithLimits overrides the upload size cap and the lifetime of download
// links. Zero values keep the defaults.
func (s *Service) WithLimits(maxBytes int64, urlTTL time.Duration) *Service {
	if maxBytes > 0 {
		s.maxBytes = maxBytes
	}
	if urlTTL > 0 {
		s.urlTTL = urlTTL
	}
	return s
}

// MaxBytes is the largest file Upload accepts.
func (s *Service) MaxBytes() int64 {
	return s.maxBytes
}

// Wait blocks until in-flight notifications finish.
func (s *Service) Wait() {
	s.inflight.Wait()
}

type UploadInput struct {
	ClinicID        uuid.UUID  `json:"clinicId" validate:"required"`
	PatientID       uuid.UUID  `json:"patientId" validate:"required"`
	MedicalRecordID *uuid.UUID `json:"medicalRecordId"`
	AppointmentID   *uuid.UUID `json:"appointmentId"`
	Title           string     `json:"title" validate:"max=200"`
	Description     string     `json:"description" validate:"max=1000"`
	Type            string     `json:"type" validate:"omitempty,oneof=lab-report radiology prescription consent-form insurance referral other"`
	Category        string     `json:"category" validate:"max=100"`
	Tags            []string   `json:"tags" validate:"dive,max=50"`
	IsPublic        bool       `json:"isPublic"`
	DocumentDate    *time.Time `json:"documentDate"`
	ExpiryDate      *time.Time `json:"expiryDate"`
	Notes           string     `json:"notes" validate:"max=2000"`
}

type UpdateInput struct {
	Title       *string    `json:"title" validate:"omitempty,min=1,max=200"`
	Description *string    `json:"description" validate:"omitempty,max=1000"`
	Type        *string    `json:"type" validate:"omitempty,oneof=lab-report radiology prescription consent-form insurance referral other"`
	Category    *string    `json:"category" validate:"omitempty,max=100"`
	Tags        []string   `json:"tags" validate:"omitempty,dive,max=50"`
	IsPublic    *bool      `json:"isPublic"`
	ExpiryDate  *time.Time `json:"expiryDate"`
	Notes       *string    `json:"notes" validate:"omitempty,max=2000"`
}

type ListInput struct {
	ClinicID  *uuid.UUID
	PatientID *uuid.UUID
	Type      string
	Category  string
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

func requireStaff(actor tenancy.Principal) error {
	if !actor.HasRole(tenancy.RoleAdmin, tenancy.RoleDoctor, tenancy.RoleNurse, tenancy.RoleReceptionist) {
		return apierr.Forbidden(msgStaffOnly)
	}
	return nil
}

func mapErr(err error) error {
	if errors.Is(err, ErrNotFound) {
		return apierr.NotFound(msgDocumentMissing)
	}
	return err
}

// Upload stores the file and records its metadata. The stored object is
// removed again when the row cannot be written.
func (s *Service) Upload(ctx context.Context, actor tenancy.Principal, in UploadInput, body io.Reader, info storage.FileInfo) (*Document, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	if body == nil || info.Name == "" {
		return nil, apierr.BadRequest(msgNoFile)
	}
	info.ContentType = strings.ToLower(strings.TrimSpace(strings.SplitN(info.ContentType, ";", 2)[0]))
	if !AllowedMimeType(info.ContentType) {
		return nil, apierr.BadRequest(fmt.Sprintf("File type %s is not allowed", info.ContentType))
	}
	if info.Size > s.maxBytes {
		return nil, apierr.BadRequest(fmt.Sprintf("File too large. Maximum size is %dMB", s.maxBytes>>20))
	}
	if err := s.clinics.CheckAccess(ctx, actor, in.ClinicID); err != nil {
		return nil, err
	}
	patient, err := s.patients.Lookup(ctx, in.PatientID)
	if err != nil {
		return nil, err
	}
	if patient.ClinicID != in.ClinicID {
		return nil, apierr.BadRequest(msgPatientElsewhere)
	}

	folder := path.Join("clinics", in.ClinicID.String(), "patients", patient.ID.String(), "documents")
	obj, err := s.files.Upload(ctx, body, info, folder)
	if err != nil {
		return nil, fmt.Errorf("documents: store file: %w", err)
	}

	now := s.now().UTC()
	doc := &Document{
		ID:              uuid.New(),
		ClinicID:        in.ClinicID,
		PatientID:       patient.ID,
		MedicalRecordID: in.MedicalRecordID,
		AppointmentID:   in.AppointmentID,
		Title:           strings.TrimSpace(in.Title),
		Description:     strings.TrimSpace(in.Description),
		Type:            in.Type,
		Category:        strings.TrimSpace(in.Category),
		FileKey:         obj.Key,
		FileURL:         obj.URL,
		FileName:        info.Name,
		FileSize:        obj.Size,
		MimeType:        info.ContentType,
		Provider:        obj.Provider,
		DocumentDate:    now,
		UploadedBy:      actor.UserID,
		Tags:            cleanTags(in.Tags),
		IsPublic:        in.IsPublic,
		ExpiryDate:      in.ExpiryDate,
		Notes:           strings.TrimSpace(in.Notes),
		PatientUserID:   patient.UserID,
		PatientName:     patient.User.FullName(),
		UploadedByName:  actor.Name,
		ClinicName:      patient.ClinicName,
	}
	if doc.Title == "" {
		doc.Title = info.Name
	}
	if doc.Type == "" {
		doc.Type = TypeOther
	}
	if in.DocumentDate != nil && !in.DocumentDate.IsZero() {
		doc.DocumentDate = in.DocumentDate.UTC()
	}
	if err := s.repo.Create(ctx, doc); err != nil {
		s.removeObject(ctx, obj.Key)
		return nil, err
	}

	s.logger.Info("document uploaded", "document_id", doc.ID, "clinic_id", doc.ClinicID, "size", doc.FileSize, "provider", doc.Provider)
	s.audit(ctx, actor, audit.ActionDocumentUploaded, doc, map[string]any{
		"patientId": doc.PatientID,
		"fileName":  doc.FileName,
		"mimeType":  doc.MimeType,
	})
	if doc.IsPublic {
		s.dispatch(ctx, doc)
	}
	return doc, nil
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := map[string]bool{}
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func (s *Service) lookup(ctx context.Context, id uuid.UUID) (*Document, error) {
	d, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, mapErr(err)
	}
	return d, nil
}

// authorize lets staff reach documents of clinics they can access and
// patients reach their own shared documents.
func (s *Service) authorize(ctx context.Context, actor tenancy.Principal, d *Document) error {
	if actor.Role == tenancy.RolePatient {
		if d.PatientUserID != actor.UserID || !d.IsPublic {
			return apierr.Forbidden(msgForbidden)
		}
		return nil
	}
	return s.clinics.CheckAccess(ctx, actor, d.ClinicID)
}

func (s *Service) Get(ctx context.Context, actor tenancy.Principal, id uuid.UUID) (*Document, error) {
	d, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, actor, d); err != nil {
		return nil, err
	}
	return d, nil
}

// List pages through the documents of the caller's clinics.
func (s *Service) List(ctx context.Context, actor tenancy.Principal, in ListInput) ([]*Document, int, error) {
	if err := requireStaff(actor); err != nil {
		return nil, 0, err
	}
	scope, err := s.clinics.Scope(ctx, actor, in.ClinicID)
	if err != nil {
		return nil, 0, err
	}
	return s.repo.List(ctx, Filter{
		ClinicIDs: scope,
		PatientID: in.PatientID,
		Type:      in.Type,
		Category:  in.Category,
		From:      in.From,
		To:        in.To,
		Limit:     in.Limit,
		Offset:    in.Offset,
	})
}

func (s *Service) Update(ctx context.Context, actor tenancy.Principal, id uuid.UUID, in UpdateInput) (*Document, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	d, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.clinics.CheckAccess(ctx, actor, d.ClinicID); err != nil {
		return nil, err
	}
	wasPublic := d.IsPublic

	var fields []string
	if in.Title != nil {
		d.Title = strings.TrimSpace(*in.Title)
		fields = append(fields, "title")
	}
	if in.Description != nil {
		d.Description = strings.TrimSpace(*in.Description)
		fields = append(fields, "description")
	}
	if in.Type != nil {
		d.Type = *in.Type
		fields = append(fields, "type")
	}
	if in.Category != nil {
		d.Category = strings.TrimSpace(*in.Category)
		fields = append(fields, "category")
	}
	if in.Tags != nil {
		d.Tags = cleanTags(in.Tags)
		fields = append(fields, "tags")
	}
	if in.IsPublic != nil {
		d.IsPublic = *in.IsPublic
		fields = append(fields, "isPublic")
	}
	if in.ExpiryDate != nil {
		d.ExpiryDate = in.ExpiryDate
		fields = append(fields, "expiryDate")
	}
	if in.Notes != nil {
		d.Notes = strings.TrimSpace(*in.Notes)
		fields = append(fields, "notes")
	}
	if d.Title == "" {
		return nil, apierr.Validation(map[string]string{"title": "Title cannot be empty"})
	}
	if err := s.repo.Update(ctx, d); err != nil {
		return nil, mapErr(err)
	}
	s.audit(ctx, actor, audit.ActionDocumentUpdated, d, map[string]any{"fields": fields})
	if d.IsPublic && !wasPublic {
		s.dispatch(ctx, d)
	}
	return d, nil
}

// Delete removes the metadata row and then the stored object. A failure
// to remove the object is logged and does not fail the request.
func (s *Service) Delete(ctx context.Context, actor tenancy.Principal, id uuid.UUID) error {
	if !actor.HasRole(tenancy.RoleAdmin, tenancy.RoleDoctor) {
		return apierr.Forbidden(msgDeleteForbidden)
	}
	d, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	if err := s.clinics.CheckAccess(ctx, actor, d.ClinicID); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, d.ID); err != nil {
		return mapErr(err)
	}
	s.removeObject(ctx, d.FileKey)
	s.logger.Info("document deleted", "document_id", d.ID, "clinic_id", d.ClinicID)
	s.audit(ctx, actor, audit.ActionDocumentDeleted, d, map[string]any{"fileKey": d.FileKey})
	return nil
}

func (s *Service) removeObject(ctx context.Context, key string) {
	if err := s.files.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("stored file not removed", "key", key, "provider", s.files.Name(), "error", err)
	}
}

// Download counts the download and returns a link to the file. Links
// from private storage expire after the configured TTL.
func (s *Service) Download(ctx context.Context, actor tenancy.Principal, id uuid.UUID) (*Download, error) {
	d, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	url, err := s.files.URL(ctx, d.FileKey, s.urlTTL)
	if err != nil {
		return nil, fmt.Errorf("documents: file url: %w", err)
	}
	if _, err := s.repo.RecordDownload(ctx, d.ID, s.now().UTC()); err != nil {
		return nil, mapErr(err)
	}
	return &Download{FileURL: url, FileName: d.FileName, MimeType: d.MimeType}, nil
}

// Mine returns the documents shared with the calling patient.
func (s *Service) Mine(ctx context.Context, actor tenancy.Principal, category string) ([]*Document, error) {
	if _, err := s.patients.Mine(ctx, actor); err != nil {
		return nil, err
	}
	docs, _, err := s.repo.List(ctx, Filter{
		PatientUserID: &actor.UserID,
		Category:      category,
		PublicOnly:    true,
		Limit:         -1,
	})
	return docs, err
}

// ByCategory summarizes a patient's documents per category.
func (s *Service) ByCategory(ctx context.Context, actor tenancy.Principal, patientID uuid.UUID) ([]CategorySummary, error) {
	p, err := s.patients.Lookup(ctx, patientID)
	if err != nil {
		return nil, err
	}
	patient := actor.Role == tenancy.RolePatient
	if patient {
		if p.UserID != actor.UserID {
			return nil, apierr.Forbidden(msgForbidden)
		}
	} else if err := s.clinics.CheckAccess(ctx, actor, p.ClinicID); err != nil {
		return nil, err
	}
	return s.repo.Categories(ctx, p.ID, patient)
}

func (s *Service) audit(ctx context.Context, actor tenancy.Principal, action audit.Action, d *Document, details any) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(ctx, audit.Event{
		Action:     action,
		ClinicID:   d.ClinicID,
		ActorID:    actor.UserID,
		ActorRole:  actor.Role,
		EntityType: "document",
		EntityID:   d.ID,
	}, details)
}

func (s *Service) dispatch(ctx context.Context, d *Document) {
	if s.notifier == nil {
		return
	}
	snapshot := *d
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
		defer cancel()
		if err := s.notifier.DocumentShared(ctx, &snapshot); err != nil {
			s.logger.Warn("document notification failed", "document_id", snapshot.ID, "error", err)
		}
	}()
}
