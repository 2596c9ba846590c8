package documents

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/clinic-platform/internal/apierr"
	"github.com/wolfman30/clinic-platform/internal/http/bind"
	"github.com/wolfman30/clinic-platform/internal/http/respond"
	"github.com/wolfman30/clinic-platform/internal/storage"
	"github.com/wolfman30/clinic-platform/internal/tenancy"
	"github.com/wolfman30/clinic-platform/pkg/dates"
	"github.com/wolfman30/clinic-platform/pkg/logging"
	"github.com/wolfman30/clinic-platform/pkg/pagination"
)

// FileField is the multipart field carrying the upload.
const FileField = "document"

// multipartOverhead leaves room for the form fields around the file.
const multipartOverhead = 1 << 20

type Handler struct {
	service *Service
	logger  *logging.Logger
}

func NewHandler(service *Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, logger: logger}
}

func (h *Handler) principalAndID(w http.ResponseWriter, r *http.Request, param string) (tenancy.Principal, uuid.UUID, bool) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return tenancy.Principal{}, uuid.Nil, false
	}
	id, err := bind.UUIDParam(r, param)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return tenancy.Principal{}, uuid.Nil, false
	}
	return p, id, true
}

// Upload handles POST /api/documents as multipart/form-data with the file
// in the "document" field.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	limit := h.service.MaxBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(limit); err != nil {
		respond.Error(w, r, h.logger, h.formError(err))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile(FileField)
	if err != nil {
		respond.Error(w, r, h.logger, apierr.BadRequest(msgNoFile))
		return
	}
	defer file.Close()

	in, err := uploadInput(r.MultipartForm)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	if err := bind.Struct(&in); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	contentType, err := detectContentType(file, header.Header.Get("Content-Type"))
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	doc, err := h.service.Upload(r.Context(), p, in, file, storage.FileInfo{
		Name:        header.Filename,
		ContentType: contentType,
		Size:        header.Size,
	})
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusCreated, "Document uploaded successfully", map[string]any{"document": doc})
}

func (h *Handler) formError(err error) error {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) || strings.Contains(err.Error(), "request body too large") {
		return apierr.BadRequest(fmt.Sprintf("File too large. Maximum size is %dMB", h.service.MaxBytes()>>20))
	}
	return apierr.BadRequest("Invalid multipart form").Wrap(err)
}

// detectContentType trusts the client's declared type unless it is
// missing or generic, in which case the first bytes are sniffed.
func detectContentType(file multipart.File, declared string) (string, error) {
	declared = strings.TrimSpace(declared)
	if declared != "" && declared != "application/octet-stream" {
		return declared, nil
	}
	head := make([]byte, 512)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("documents: read upload: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("documents: rewind upload: %w", err)
	}
	return http.DetectContentType(head[:n]), nil
}

func uploadInput(form *multipart.Form) (UploadInput, error) {
	value := func(key string) string {
		if vs := form.Value[key]; len(vs) > 0 {
			return strings.TrimSpace(vs[0])
		}
		return ""
	}
	var in UploadInput
	var err error
	if raw := value("clinicId"); raw != "" {
		if in.ClinicID, err = bind.ParseUUID(raw, "clinicId"); err != nil {
			return in, err
		}
	}
	if raw := value("patientId"); raw != "" {
		if in.PatientID, err = bind.ParseUUID(raw, "patientId"); err != nil {
			return in, err
		}
	}
	if in.MedicalRecordID, err = optionalFormUUID(value("medicalRecordId"), "medicalRecordId"); err != nil {
		return in, err
	}
	if in.AppointmentID, err = optionalFormUUID(value("appointmentId"), "appointmentId"); err != nil {
		return in, err
	}
	if in.DocumentDate, err = optionalFormDate(value("documentDate"), "documentDate"); err != nil {
		return in, err
	}
	if in.ExpiryDate, err = optionalFormDate(value("expiryDate"), "expiryDate"); err != nil {
		return in, err
	}
	in.Title = value("title")
	in.Description = value("description")
	in.Type = value("type")
	in.Category = value("category")
	in.Notes = value("notes")
	in.IsPublic, _ = strconv.ParseBool(value("isPublic"))
	if raw := value("tags"); raw != "" {
		in.Tags = strings.Split(raw, ",")
	}
	return in, nil
}

func optionalFormUUID(raw, field string) (*uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := bind.ParseUUID(raw, field)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func optionalFormDate(raw, field string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := dates.Parse(raw)
	if err != nil {
		return nil, apierr.BadRequest("Invalid " + field)
	}
	return &t, nil
}

// List handles GET /api/documents and GET /api/documents/category/{category}.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	q := r.URL.Query()
	in := ListInput{Type: q.Get("type"), Category: q.Get("category")}
	if c := chi.URLParam(r, "category"); c != "" {
		in.Category = c
	}
	if in.ClinicID, err = bind.ClinicScope(r); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	if in.PatientID, err = bind.OptionalUUID(r, "patientId"); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	if in.From, err = bind.OptionalDate(r, "startDate"); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	if in.To, err = bind.OptionalDate(r, "endDate"); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	page := pagination.FromRequest(r)
	in.Limit, in.Offset = page.Limit, page.Offset()
	docs, total, err := h.service.List(r.Context(), p, in)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Page(w, "Documents retrieved successfully", docs, pagination.NewMeta(page, total))
}

// Get handles GET /api/documents/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r, "id")
	if !ok {
		return
	}
	doc, err := h.service.Get(r.Context(), p, id)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Document retrieved successfully", map[string]any{"document": doc})
}

// Update handles PUT /api/documents/{id}.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r, "id")
	if !ok {
		return
	}
	var req UpdateInput
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	doc, err := h.service.Update(r.Context(), p, id, req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Document updated successfully", map[string]any{"document": doc})
}

// Delete handles DELETE /api/documents/{id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), p, id); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Document deleted successfully", nil)
}

// Download handles GET /api/documents/{id}/download.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r, "id")
	if !ok {
		return
	}
	link, err := h.service.Download(r.Context(), p, id)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Document download link retrieved successfully", link)
}

// Mine handles GET /api/documents/my-documents.
func (h *Handler) Mine(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	docs, err := h.service.Mine(r.Context(), p, r.URL.Query().Get("category"))
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Your documents retrieved successfully", map[string]any{"documents": docs})
}

// ByCategory handles GET /api/documents/patient/{patientId}/by-category.
func (h *Handler) ByCategory(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r, "patientId")
	if !ok {
		return
	}
	groups, err := h.service.ByCategory(r.Context(), p, id)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Documents by category retrieved successfully", map[string]any{"documents": groups})
}
