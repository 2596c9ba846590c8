package billing

import (
	"net/http"
	"strconv"
	"time"

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

func paymentResult(inv *Invoice, p *Payment) map[string]any {
	return map[string]any{"payment": p, "invoice": inv.Summary()}
}

// CreateInvoice handles POST /api/invoices.
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	var req CreateInvoiceInput
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	inv, err := h.service.CreateInvoice(r.Context(), p, req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusCreated, "Invoice created successfully", map[string]any{"invoice": inv})
}

// ListInvoices handles GET /api/invoices.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	var in InvoiceListInput
	in.Status = r.URL.Query().Get("status")
	if overdue := bind.OptionalBool(r, "overdue"); overdue != nil {
		in.Overdue = *overdue
	}
	if in.ClinicID, err = bind.ClinicScope(r); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	if in.PatientID, err = bind.OptionalUUID(r, "patientId"); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	if in.From, in.To, err = dateRange(r); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	page := pagination.FromRequest(r)
	in.Limit, in.Offset = page.Limit, page.Offset()
	list, total, err := h.service.ListInvoices(r.Context(), p, in)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Page(w, "Invoices retrieved successfully", list, pagination.NewMeta(page, total))
}

func dateRange(r *http.Request) (from, to *time.Time, err error) {
	if from, err = bind.OptionalDate(r, "startDate"); err != nil {
		return nil, nil, err
	}
	if to, err = bind.OptionalDate(r, "endDate"); err != nil {
		return nil, nil, err
	}
	return from, to, nil
}

// MyInvoices handles GET /api/invoices/my-invoices.
func (h *Handler) MyInvoices(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	page := pagination.FromRequest(r)
	list, total, summary, err := h.service.MyInvoices(r.Context(), p, r.URL.Query().Get("status"), page.Limit, page.Offset())
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Page(w, "Your invoices retrieved successfully", map[string]any{
		"invoices": list,
		"summary":  summary,
	}, pagination.NewMeta(page, total))
}

// InvoiceStats handles GET /api/invoices/stats.
func (h *Handler) InvoiceStats(w http.ResponseWriter, r *http.Request) {
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
	from, to, err := dateRange(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	stats, err := h.service.InvoiceStats(r.Context(), p, clinicID, from, to)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Invoice statistics retrieved successfully", stats)
}

// GetInvoice handles GET /api/invoices/{id}.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	inv, payments, err := h.service.GetInvoice(r.Context(), p, id)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Invoice retrieved successfully", map[string]any{
		"invoice":  inv,
		"payments": payments,
	})
}

// InvoicePDF handles GET /api/invoices/{id}/pdf.
func (h *Handler) InvoicePDF(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	body, inv, err := h.service.InvoicePDF(r.Context(), p, id)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+inv.InvoiceNumber+`.pdf"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		h.logger.Warn("invoice pdf write failed", "invoice_id", inv.ID, "error", err)
	}
}

// UpdateInvoice handles PUT /api/invoices/{id}.
func (h *Handler) UpdateInvoice(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	var req UpdateInvoiceInput
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	inv, err := h.service.UpdateInvoice(r.Context(), p, id, req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Invoice updated successfully", map[string]any{"invoice": inv})
}

// CancelInvoice handles POST /api/invoices/{id}/cancel.
func (h *Handler) CancelInvoice(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.CancelInvoice(r.Context(), p, id)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Invoice cancelled successfully", map[string]any{"invoice": inv})
}

// DeleteInvoice handles DELETE /api/invoices/{id}.
func (h *Handler) DeleteInvoice(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteInvoice(r.Context(), p, id); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Invoice deleted successfully", nil)
}

// RecordPayment handles POST /api/invoices/{id}/payment.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	var req RecordPaymentInput
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	inv, payment, err := h.service.RecordPayment(r.Context(), p, id, req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Payment recorded successfully", paymentResult(inv, payment))
}

// CreatePayment handles POST /api/payments.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	var req CreatePaymentInput
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	inv, payment, err := h.service.CreatePayment(r.Context(), p, req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusCreated, "Payment created successfully", paymentResult(inv, payment))
}

// ListPayments handles GET /api/payments.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	in, err := paymentListInput(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	page := pagination.FromRequest(r)
	in.Limit, in.Offset = page.Limit, page.Offset()
	list, total, err := h.service.ListPayments(r.Context(), p, in)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Page(w, "Payments retrieved successfully", list, pagination.NewMeta(page, total))
}

func paymentListInput(r *http.Request) (PaymentListInput, error) {
	var (
		in  PaymentListInput
		err error
	)
	q := r.URL.Query()
	in.Status = q.Get("status")
	in.Method = q.Get("paymentMethod")
	if in.Method == "" {
		in.Method = q.Get("method")
	}
	if in.ClinicID, err = bind.ClinicScope(r); err != nil {
		return in, err
	}
	if in.PatientID, err = bind.OptionalUUID(r, "patientId"); err != nil {
		return in, err
	}
	if in.InvoiceID, err = bind.OptionalUUID(r, "invoiceId"); err != nil {
		return in, err
	}
	in.From, in.To, err = dateRange(r)
	return in, err
}

// MyPayments handles GET /api/payments/my-payments.
func (h *Handler) MyPayments(w http.ResponseWriter, r *http.Request) {
	p, err := bind.Principal(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	page := pagination.FromRequest(r)
	list, total, summary, err := h.service.MyPayments(r.Context(), p, page.Limit, page.Offset())
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Page(w, "Your payments retrieved successfully", map[string]any{
		"payments": list,
		"summary":  summary,
	}, pagination.NewMeta(page, total))
}

// PaymentStats handles GET /api/payments/stats.
func (h *Handler) PaymentStats(w http.ResponseWriter, r *http.Request) {
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
	from, to, err := dateRange(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	stats, err := h.service.PaymentStats(r.Context(), p, clinicID, from, to)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Payment statistics retrieved successfully", stats)
}

// GetPayment handles GET /api/payments/{id}.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	payment, err := h.service.GetPayment(r.Context(), p, id)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Payment retrieved successfully", map[string]any{"payment": payment})
}

// UpdatePayment handles PUT /api/payments/{id}.
func (h *Handler) UpdatePayment(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	var req UpdatePaymentInput
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	inv, payment, err := h.service.UpdatePayment(r.Context(), p, id, req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Payment updated successfully", paymentResult(inv, payment))
}

// DeletePayment handles DELETE /api/payments/{id}.
func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.DeletePayment(r.Context(), p, id)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Payment deleted successfully", map[string]any{"invoice": inv.Summary()})
}

// RefundPayment handles POST /api/payments/{id}/refund.
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	var req RefundInput
	if err := bind.JSON(r, &req); err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	inv, payment, err := h.service.RefundPayment(r.Context(), p, id, req)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}
	respond.Success(w, http.StatusOK, "Payment refunded successfully", paymentResult(inv, payment))
}
