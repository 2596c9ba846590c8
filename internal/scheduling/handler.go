package scheduling

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

// principalAndID reads the caller and the {id} URL parameter.
func (h *Handler) principalAndID(w http.ResponseWriter, r *http.Request) (tenancy.Principal, uuid.UUID, bool) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return tenancy.Principal{}, uuid.Nil, false
	}
	id, err := bind.UUIDParam(r, "id")
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return tenancy.Principal{}, uuid.Nil, false
	}
	return p, id, true
}

// Create handles POST /api/appointments.
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
	appt, err := h.service.Create(r.Context(), p, req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusCreated, "Appointment booked successfully", map[string]any{"appointment": appt})
}

// List handles GET /api/appointments.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	in, err := listInput(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	page := pagination.FromRequest(r)
	in.Limit, in.Offset = page.Limit, page.Offset()
	appts, total, err := h.service.List(r.Context(), p, in)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Page(w, "Appointments retrieved successfully", appts, pagination.NewMeta(page, total))
}

func listInput(r *http.Request) (ListInput, error) {
	var (
		in  ListInput
		err error
	)
	q := r.URL.Query()
	in.Status = q.Get("status")
	in.Type = q.Get("type")
	if in.ClinicID, err = bind.ClinicScope(r); err != nil {
		return in, err
	}
	if in.DoctorID, err = bind.OptionalUUID(r, "doctorId"); err != nil {
		return in, err
	}
	if in.PatientID, err = bind.OptionalUUID(r, "patientId"); err != nil {
		return in, err
	}
	if in.From, err = bind.OptionalDate(r, "startDate"); err != nil {
		return in, err
	}
	if in.To, err = bind.OptionalDate(r, "endDate"); err != nil {
		return in, err
	}
	return in, nil
}

// Today handles GET /api/appointments/today.
func (h *Handler) Today(w http.ResponseWriter, r *http.Request) {
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
	doctorID, err := bind.OptionalUUID(r, "doctorId")
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	appts, err := h.service.Today(r.Context(), p, clinicID, doctorID)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Today's appointments retrieved successfully", map[string]any{
		"appointments": appts,
		"count":        len(appts),
	})
}

// Mine handles GET /api/appointments/my-appointments.
func (h *Handler) Mine(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	page := pagination.FromRequest(r)
	upcoming := bind.OptionalBool(r, "upcoming")
	appts, total, err := h.service.Mine(r.Context(), p, upcoming != nil && *upcoming, page.Limit, page.Offset())
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Page(w, "Your appointments retrieved successfully", appts, pagination.NewMeta(page, total))
}

// ForPatient handles GET /api/patients/{id}/appointments.
func (h *Handler) ForPatient(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	page := pagination.FromRequest(r)
	appts, total, err := h.service.ForPatient(r.Context(), p, id, page.Limit, page.Offset())
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Page(w, "Patient appointments retrieved successfully", appts, pagination.NewMeta(page, total))
}

// Get handles GET /api/appointments/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	appt, err := h.service.Get(r.Context(), p, id)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Appointment retrieved successfully", map[string]any{"appointment": appt})
}

// Update handles PUT /api/appointments/{id}.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	var req UpdateInput
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	appt, err := h.service.Update(r.Context(), p, id, req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Appointment updated successfully", map[string]any{"appointment": appt})
}

// Reschedule handles POST /api/appointments/{id}/reschedule.
func (h *Handler) Reschedule(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	var req RescheduleInput
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	appt, err := h.service.Reschedule(r.Context(), p, id, req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Appointment rescheduled successfully", map[string]any{"appointment": appt})
}

// Cancel handles POST /api/appointments/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	var req CancelInput
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	appt, err := h.service.Cancel(r.Context(), p, id, req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Appointment cancelled successfully", map[string]any{"appointment": appt})
}

// Complete handles POST /api/appointments/{id}/complete. The body is optional.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	var req CompleteInput
	if r.ContentLength > 0 {
		if err := bind.JSON(r, &req); err != nil {
			respond.Error(w, r, h.logger, err)
			return
		}
	}
	appt, err := h.service.Complete(r.Context(), p, id, req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Appointment completed successfully", map[string]any{"appointment": appt})
}

// Confirm handles POST /api/appointments/{id}/confirm.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	appt, err := h.service.Confirm(r.Context(), p, id)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Appointment confirmed successfully", map[string]any{"appointment": appt})
}

// Start handles POST /api/appointments/{id}/start.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	appt, err := h.service.Start(r.Context(), p, id)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Appointment started successfully", map[string]any{"appointment": appt})
}
