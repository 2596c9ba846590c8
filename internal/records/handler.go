package records

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-platform/internal/http/bind"
	"github.com/wolfman30/clinic-platform/internal/http/respond"
	"github.com/wolfman30/clinic-platform/internal/tenancy"
	"github.com/wolfman30/clinic-platform/pkg/logging"
	"github.com/wolfman30/clinic-platform/pkg/pagination"
)

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

// CreateRecord handles POST /api/medical-records.
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	var req CreateRecordInput
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	rec, err := h.service.CreateRecord(r.Context(), p, req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusCreated, "Medical record created successfully", map[string]any{"medicalRecord": rec})
}

// ListRecords handles GET /api/medical-records.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	var in RecordListInput
	if in.ClinicID, in.PatientID, in.DoctorID, err = scopeParams(r); err != nil {
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
	recs, total, err := h.service.ListRecords(r.Context(), p, in)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Page(w, "Medical records retrieved successfully", recs, pagination.NewMeta(page, total))
}

func scopeParams(r *http.Request) (clinicID, patientID, doctorID *uuid.UUID, err error) {
	if clinicID, err = bind.ClinicScope(r); err != nil {
		return
	}
	if patientID, err = bind.OptionalUUID(r, "patientId"); err != nil {
		return
	}
	doctorID, err = bind.OptionalUUID(r, "doctorId")
	return
}

// GetRecord handles GET /api/medical-records/{id}.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r, "id")
	if !ok {
		return
	}
	rec, err := h.service.GetRecord(r.Context(), p, id)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Medical record retrieved successfully", map[string]any{"medicalRecord": rec})
}

// UpdateRecord handles PUT /api/medical-records/{id}.
func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r, "id")
	if !ok {
		return
	}
	var req UpdateRecordInput
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	rec, err := h.service.UpdateRecord(r.Context(), p, id, req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Medical record updated successfully", map[string]any{"medicalRecord": rec})
}

// DeleteRecord handles DELETE /api/medical-records/{id}.
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.DeleteRecord(r.Context(), p, id); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Medical record deleted successfully", nil)
}

// PatientHistory handles GET /api/medical-records/patient/{patientId}.
func (h *Handler) PatientHistory(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r, "patientId")
	if !ok {
		return
	}
	summary, recs, err := h.service.PatientHistory(r.Context(), p, id)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Patient medical history retrieved successfully", map[string]any{
		"summary": summary,
		"records": recs,
	})
}

// MyRecords handles GET /api/medical-records/my-records.
func (h *Handler) MyRecords(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	recs, err := h.service.MyRecords(r.Context(), p)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Your medical records retrieved successfully", map[string]any{"medicalRecords": recs})
}

// CreatePrescription handles POST /api/prescriptions.
func (h *Handler) CreatePrescription(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	var req CreatePrescriptionInput
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	rx, err := h.service.CreatePrescription(r.Context(), p, req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusCreated, "Prescription created successfully", map[string]any{"prescription": rx})
}

// ListPrescriptions handles GET /api/prescriptions.
func (h *Handler) ListPrescriptions(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	in := PrescriptionListInput{Status: r.URL.Query().Get("status")}
	if in.ClinicID, in.PatientID, in.DoctorID, err = scopeParams(r); err != nil {
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
	out, total, err := h.service.ListPrescriptions(r.Context(), p, in)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Page(w, "Prescriptions retrieved successfully", out, pagination.NewMeta(page, total))
}

// GetPrescription handles GET /api/prescriptions/{id}.
func (h *Handler) GetPrescription(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r, "id")
	if !ok {
		return
	}
	rx, err := h.service.GetPrescription(r.Context(), p, id)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Prescription retrieved successfully", map[string]any{"prescription": rx})
}

// UpdatePrescription handles PUT /api/prescriptions/{id}.
func (h *Handler) UpdatePrescription(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r, "id")
	if !ok {
		return
	}
	var req UpdatePrescriptionInput
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	rx, err := h.service.UpdatePrescription(r.Context(), p, id, req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Prescription updated successfully", map[string]any{"prescription": rx})
}

// RefillPrescription handles POST /api/prescriptions/{id}/refill. The body
// is optional.
func (h *Handler) RefillPrescription(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r, "id")
	if !ok {
		return
	}
	var req RefillInput
	if r.ContentLength > 0 {
		if err := bind.JSON(r, &req); err != nil {
			respond.Error(w, r, h.logger, err)
			return
		}
	}
	rx, err := h.service.RefillPrescription(r.Context(), p, id, req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Prescription refilled successfully", map[string]any{
		"prescription":     rx,
		"remainingRefills": rx.Refills.Remaining,
	})
}

// CancelPrescription handles POST /api/prescriptions/{id}/cancel.
func (h *Handler) CancelPrescription(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r, "id")
	if !ok {
		return
	}
	rx, err := h.service.CancelPrescription(r.Context(), p, id)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Prescription cancelled successfully", map[string]any{"prescription": rx})
}

// DeletePrescription handles DELETE /api/prescriptions/{id}.
func (h *Handler) DeletePrescription(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.DeletePrescription(r.Context(), p, id); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Prescription deleted successfully", nil)
}

// MyPrescriptions handles GET /api/prescriptions/my-prescriptions.
func (h *Handler) MyPrescriptions(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	out, err := h.service.MyPrescriptions(r.Context(), p, r.URL.Query().Get("status"))
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Your prescriptions retrieved successfully", map[string]any{"prescriptions": out})
}

// ActivePrescriptions handles GET /api/prescriptions/patient/{patientId}/active.
func (h *Handler) ActivePrescriptions(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r, "patientId")
	if !ok {
		return
	}
	out, err := h.service.ActivePrescriptions(r.Context(), p, id)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Active prescriptions retrieved successfully", map[string]any{"prescriptions": out})
}
