package clinic

import (
	"net/http"

	"github.com/wolfman30/clinic-platform/internal/http/bind"
	"github.com/wolfman30/clinic-platform/internal/http/respond"
	"github.com/wolfman30/clinic-platform/pkg/logging"
	"github.com/wolfman30/clinic-platform/pkg/pagination"
)

// Handler provides HTTP endpoints for clinic management.
type Handler struct {
	service *Service
	logger  *logging.Logger
}

// NewHandler creates a new clinic HTTP handler.
func NewHandler(service *Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, logger: logger}
}

// Create handles POST /api/clinics.
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
	c, err := h.service.Create(r.Context(), p, req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusCreated, "Clinic created successfully", map[string]any{"clinic": c})
}

// List handles GET /api/clinics.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	page := pagination.FromRequest(r)
	clinics, total, err := h.service.List(r.Context(), Filter{
		Search:   r.URL.Query().Get("search"),
		IsActive: bind.OptionalBool(r, "isActive"),
		Limit:    page.Limit,
		Offset:   page.Offset(),
	})
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Page(w, "Clinics retrieved successfully", clinics, pagination.NewMeta(page, total))
}

// Get handles GET /api/clinics/{id}.
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
	c, err := h.service.Get(r.Context(), p, id)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Clinic retrieved successfully", map[string]any{"clinic": c})
}

// Update handles PUT /api/clinics/{id}.
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
	c, err := h.service.Update(r.Context(), p, id, req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	h.logger.Info("clinic updated", "clinic_id", id, "user_id", p.UserID)
	respond.Success(w, http.StatusOK, "Clinic updated successfully", map[string]any{"clinic": c})
}

// Delete handles DELETE /api/clinics/{id}.
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
	respond.Success(w, http.StatusOK, "Clinic deleted successfully", nil)
}

// AddStaff handles POST /api/clinics/{id}/staff.
func (h *Handler) AddStaff(w http.ResponseWriter, r *http.Request) {
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
	var req StaffInput
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	c, err := h.service.AddStaff(r.Context(), p, id, req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Staff member added successfully", map[string]any{"clinic": c})
}

// RemoveStaff handles DELETE /api/clinics/{id}/staff/{userId}.
func (h *Handler) RemoveStaff(w http.ResponseWriter, r *http.Request) {
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
	userID, err := bind.UUIDParam(r, "userId")
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	if err := h.service.RemoveStaff(r.Context(), p, id, userID); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Staff member removed successfully", nil)
}

// Stats handles GET /api/clinics/{id}/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
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
	stats, err := h.service.Stats(r.Context(), p, id)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Clinic statistics retrieved successfully", map[string]any{"stats": stats})
}

// Mine handles GET /api/clinics/my-clinics.
func (h *Handler) Mine(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	clinics, err := h.service.MyClinics(r.Context(), p)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Your clinics retrieved successfully", map[string]any{"clinics": clinics})
}
