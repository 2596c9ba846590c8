package patients

import (
	"net/http"

	"github.com/wolfman30/clinic-platform/internal/http/bind"
	"github.com/wolfman30/clinic-platform/internal/http/respond"
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

// Create handles POST /api/patients.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	var req CreateInput
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	patient, err := h.service.Create(r.Context(), p, req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusCreated, "Patient created successfully", map[string]any{"patient": patient})
}

// List handles GET /api/patients.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	clinicID, err := bind.ClinicScope(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	page := pagination.FromRequest(r)
	q := r.URL.Query()
	patients, total, err := h.service.List(r.Context(), p, ListInput{
		ClinicID:   clinicID,
		Search:     q.Get("search"),
		Gender:     q.Get("gender"),
		BloodGroup: q.Get("bloodGroup"),
		IsActive:   bind.OptionalBool(r, "isActive"),
		Limit:      page.Limit,
		Offset:     page.Offset(),
	})
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Page(w, "Patients retrieved successfully", patients, pagination.NewMeta(page, total))
}

// Get handles GET /api/patients/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	id, err := bind.UUIDParam(r, "id")
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	patient, err := h.service.Get(r.Context(), p, id)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Patient retrieved successfully", map[string]any{"patient": patient})
}

// Update handles PUT /api/patients/{id}.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	id, err := bind.UUIDParam(r, "id")
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	var req UpdateInput
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	patient, err := h.service.Update(r.Context(), p, id, req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Patient updated successfully", map[string]any{"patient": patient})
}

// Delete handles DELETE /api/patients/{id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := bind.UUIDParam(r, "id")
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Patient deleted successfully", nil)
}

// Mine handles GET /api/patients/me.
func (h *Handler) Mine(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	patient, err := h.service.Mine(r.Context(), p)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Your patient profile retrieved successfully", map[string]any{"patient": patient})
}
