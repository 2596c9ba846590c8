package notifications

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
	hub     *Hub
	logger  *logging.Logger
}

func NewHandler(service *Service, hub *Hub, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, hub: hub, logger: logger}
}

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

// Create handles POST /api/notifications.
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
	n, err := h.service.Create(r.Context(), p, req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusCreated, "Notification created successfully", map[string]any{"notification": n})
}

// Bulk handles POST /api/notifications/bulk.
func (h *Handler) Bulk(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	var req BulkInput
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	count, err := h.service.Bulk(r.Context(), p, req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusCreated, "Notifications sent successfully", map[string]any{"count": count})
}

// List handles GET /api/notifications for administrators.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	q := r.URL.Query()
	in := ListInput{Type: q.Get("type"), Priority: q.Get("priority"), IsRead: bind.OptionalBool(r, "isRead")}
	if in.UserID, err = bind.OptionalUUID(r, "userId"); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	page := pagination.FromRequest(r)
	in.Limit, in.Offset = page.Limit, page.Offset()
	out, total, err := h.service.List(r.Context(), p, in)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Page(w, "Notifications retrieved successfully", out, pagination.NewMeta(page, total))
}

// Mine handles GET /api/notifications/my-notifications.
func (h *Handler) Mine(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	page := pagination.FromRequest(r)
	in := ListInput{
		Type:   r.URL.Query().Get("type"),
		IsRead: bind.OptionalBool(r, "isRead"),
		Limit:  page.Limit,
		Offset: page.Offset(),
	}
	out, total, unread, err := h.service.Mine(r.Context(), p, in)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Notifications retrieved successfully", map[string]any{
		"notifications": out,
		"unreadCount":   unread,
		"pagination":    pagination.NewMeta(page, total),
	})
}

// UnreadCount handles GET /api/notifications/unread-count.
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	count, err := h.service.UnreadCount(r.Context(), p)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Unread count retrieved successfully", map[string]any{"unreadCount": count})
}

// Stream handles GET /api/notifications/stream, upgrading to a websocket
// that receives new notifications and unread counts as they change.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	count, err := h.service.UnreadCount(r.Context(), p)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	h.hub.Serve(w, r, p.UserID, count)
}

// Get handles GET /api/notifications/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	n, err := h.service.Get(r.Context(), p, id)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Notification retrieved successfully", map[string]any{"notification": n})
}

type markReadRequest struct {
	NotificationIDs []uuid.UUID `json:"notificationIds" validate:"required,min=1"`
}

// MarkRead handles PUT /api/notifications/read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	var req markReadRequest
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	n, err := h.service.MarkRead(r.Context(), p, req.NotificationIDs)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Notifications marked as read", map[string]any{"modifiedCount": n})
}

// MarkOneRead handles PUT /api/notifications/{id}/read.
func (h *Handler) MarkOneRead(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	n, err := h.service.MarkOneRead(r.Context(), p, id)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Notification marked as read", map[string]any{"notification": n})
}

// MarkAllRead handles PUT /api/notifications/read-all.
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	n, err := h.service.MarkAllRead(r.Context(), p)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "All notifications marked as read", map[string]any{"modifiedCount": n})
}

// Delete handles DELETE /api/notifications/{id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), p, id); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Notification deleted successfully", nil)
}

// DeleteRead handles DELETE /api/notifications/read.
func (h *Handler) DeleteRead(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	n, err := h.service.DeleteRead(r.Context(), p)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Read notifications deleted successfully", map[string]any{"deletedCount": n})
}
