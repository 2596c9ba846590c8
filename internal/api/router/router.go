package router

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/clinic-platform/internal/auth"
	"github.com/wolfman30/clinic-platform/internal/billing"
	"github.com/wolfman30/clinic-platform/internal/clinic"
	"github.com/wolfman30/clinic-platform/internal/documents"
	httpmiddleware "github.com/wolfman30/clinic-platform/internal/http/middleware"
	"github.com/wolfman30/clinic-platform/internal/http/respond"
	"github.com/wolfman30/clinic-platform/internal/notifications"
	"github.com/wolfman30/clinic-platform/internal/observability/metrics"
	"github.com/wolfman30/clinic-platform/internal/patients"
	"github.com/wolfman30/clinic-platform/internal/records"
	"github.com/wolfman30/clinic-platform/internal/scheduling"
	"github.com/wolfman30/clinic-platform/internal/tenancy"
	"github.com/wolfman30/clinic-platform/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger        *logging.Logger
	Authenticator httpmiddleware.Authenticator

	Auth          *auth.Handler
	Clinics       *clinic.Handler
	Patients      *patients.Handler
	Appointments  *scheduling.Handler
	Billing       *billing.Handler
	Records       *records.Handler
	Documents     *documents.Handler
	Notifications *notifications.Handler

	MetricsHandler     http.Handler
	HTTPMetrics        *metrics.HTTPMetrics
	CORSAllowedOrigins []string

	// HealthCheck reports dependency health; nil means always healthy.
	HealthCheck func(ctx context.Context) error

	// Auth endpoints are rate limited per client IP when AuthRateLimitRPS > 0.
	// RateLimitCtx bounds the limiter's cleanup goroutine.
	RateLimitCtx       context.Context
	AuthRateLimitRPS   float64
	AuthRateLimitBurst int
}

const (
	admin        = tenancy.RoleAdmin
	doctor       = tenancy.RoleDoctor
	nurse        = tenancy.RoleNurse
	receptionist = tenancy.RoleReceptionist
	accountant   = tenancy.RoleAccountant
	patient      = tenancy.RolePatient
)

var staff = []string{admin, doctor, nurse, receptionist, accountant}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	r.Use(httpmiddleware.RequestLogger(cfg.Logger, cfg.HTTPMetrics))
	r.Use(clinicScope)

	r.NotFound(respond.NotFound)

	health := healthHandler(cfg.HealthCheck)
	r.Get("/health", health)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	authn := httpmiddleware.Authenticate(cfg.Authenticator, cfg.Logger)
	role := httpmiddleware.Authorize

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", health)

		api.Route("/auth", func(r chi.Router) {
			r.Group(func(public chi.Router) {
				if cfg.AuthRateLimitRPS > 0 {
					ctx := cfg.RateLimitCtx
					if ctx == nil {
						ctx = context.Background()
					}
					public.Use(httpmiddleware.RateLimit(ctx, cfg.AuthRateLimitRPS, cfg.AuthRateLimitBurst,
						"Too many requests from this IP, please try again later"))
				}
				public.Post("/register", cfg.Auth.Register)
				public.Post("/login", cfg.Auth.Login)
				public.Post("/refresh-token", cfg.Auth.RefreshToken)
				public.Post("/verify-email/{token}", cfg.Auth.VerifyEmail)
				public.Get("/verify-email/{token}", cfg.Auth.VerifyEmail)
				public.Post("/forgot-password", cfg.Auth.ForgotPassword)
				public.Post("/reset-password/{token}", cfg.Auth.ResetPassword)
				public.Put("/reset-password/{token}", cfg.Auth.ResetPassword)
			})
			r.Group(func(r chi.Router) {
				r.Use(authn)
				r.Post("/logout", cfg.Auth.Logout)
				r.Get("/me", cfg.Auth.Me)
				r.Put("/profile", cfg.Auth.UpdateProfile)
				r.Put("/change-password", cfg.Auth.ChangePassword)
				r.Post("/resend-verification", cfg.Auth.ResendVerification)
			})
		})

		api.Group(func(r chi.Router) {
			r.Use(authn)
			mountUsers(r, cfg.Auth, role)
			mountClinics(r, cfg.Clinics, role)
			mountPatients(r, cfg, role)
			mountAppointments(r, cfg.Appointments, role)
			mountRecords(r, cfg.Records, role)
			mountBilling(r, cfg.Billing, role)
			mountDocuments(r, cfg.Documents, role)
			mountNotifications(r, cfg.Notifications, role)
		})
	})

	return r
}

type authorizer func(roles ...string) func(http.Handler) http.Handler

func mountUsers(r chi.Router, h *auth.Handler, role authorizer) {
	r.Route("/users", func(r chi.Router) {
		r.With(role(admin, doctor, receptionist)).Get("/search", h.SearchUsers)
		r.Group(func(r chi.Router) {
			r.Use(role(admin))
			r.Get("/", h.ListUsers)
			r.Get("/stats", h.UserStats)
			r.Get("/{id}", h.GetUser)
			r.Put("/{id}", h.UpdateUser)
			r.Put("/{id}/role", h.UpdateRole)
			r.Put("/{id}/status", h.UpdateStatus)
			r.Delete("/{id}", h.DeleteUser)
		})
	})
}

func mountClinics(r chi.Router, h *clinic.Handler, role authorizer) {
	r.Route("/clinics", func(r chi.Router) {
		r.Get("/my-clinics", h.Mine)
		r.With(role(admin)).Get("/", h.List)
		r.With(role(admin)).Post("/", h.Create)
		r.Get("/{id}", h.Get)
		r.With(role(admin, doctor)).Put("/{id}", h.Update)
		r.With(role(admin)).Delete("/{id}", h.Delete)
		r.With(role(admin, doctor, accountant)).Get("/{id}/stats", h.Stats)
		r.With(role(admin, doctor)).Post("/{id}/staff", h.AddStaff)
		r.With(role(admin, doctor)).Delete("/{id}/staff/{userId}", h.RemoveStaff)
	})
}

func mountPatients(r chi.Router, cfg *Config, role authorizer) {
	h := cfg.Patients
	r.Route("/patients", func(r chi.Router) {
		r.With(role(patient)).Get("/me", h.Mine)
		r.With(role(patient)).Get("/my-profile", h.Mine)
		r.With(role(staff...)).Get("/", h.List)
		r.With(role(admin, doctor, receptionist)).Post("/", h.Create)
		r.Get("/{id}", h.Get)
		r.With(role(admin, doctor, nurse, receptionist)).Put("/{id}", h.Update)
		r.With(role(admin)).Delete("/{id}", h.Delete)
		r.Get("/{id}/medical-history", aliasParam("id", "patientId", cfg.Records.PatientHistory))
		r.Get("/{id}/appointments", cfg.Appointments.ForPatient)
	})
}

func mountAppointments(r chi.Router, h *scheduling.Handler, role authorizer) {
	r.Route("/appointments", func(r chi.Router) {
		r.Get("/my-appointments", h.Mine)
		r.Get("/me", h.Mine)
		r.With(role(admin, doctor, nurse, receptionist)).Get("/today", h.Today)
		r.With(role(staff...)).Get("/", h.List)
		r.With(role(admin, doctor, receptionist, patient)).Post("/", h.Create)
		r.Get("/{id}", h.Get)
		r.With(role(admin, doctor, receptionist)).Put("/{id}", h.Update)
		r.Post("/{id}/cancel", h.Cancel)
		r.Put("/{id}/cancel", h.Cancel)
		r.Post("/{id}/reschedule", h.Reschedule)
		r.Put("/{id}/reschedule", h.Reschedule)
		r.With(role(admin, doctor)).Post("/{id}/complete", h.Complete)
		r.With(role(admin, doctor)).Put("/{id}/complete", h.Complete)
		r.With(role(admin, doctor, receptionist)).Post("/{id}/confirm", h.Confirm)
		r.With(role(admin, doctor, receptionist)).Put("/{id}/confirm", h.Confirm)
		r.With(role(admin, doctor, nurse)).Post("/{id}/start", h.Start)
		r.With(role(admin, doctor, nurse)).Put("/{id}/start", h.Start)
	})
}

func mountRecords(r chi.Router, h *records.Handler, role authorizer) {
	r.Route("/medical-records", func(r chi.Router) {
		r.With(role(patient)).Get("/my-records", h.MyRecords)
		r.Get("/patient/{patientId}", h.PatientHistory)
		r.Get("/patient/{patientId}/history", h.PatientHistory)
		r.With(role(admin, doctor, nurse)).Get("/", h.ListRecords)
		r.With(role(admin, doctor)).Post("/", h.CreateRecord)
		r.Get("/{id}", h.GetRecord)
		r.With(role(admin, doctor)).Put("/{id}", h.UpdateRecord)
		r.With(role(admin, doctor)).Delete("/{id}", h.DeleteRecord)
	})

	r.Route("/prescriptions", func(r chi.Router) {
		r.With(role(patient)).Get("/my-prescriptions", h.MyPrescriptions)
		r.Get("/patient/{patientId}/active", h.ActivePrescriptions)
		r.With(role(admin, doctor, nurse, receptionist)).Get("/", h.ListPrescriptions)
		r.With(role(admin, doctor)).Post("/", h.CreatePrescription)
		r.Get("/{id}", h.GetPrescription)
		r.With(role(admin, doctor)).Put("/{id}", h.UpdatePrescription)
		r.With(role(admin, doctor)).Post("/{id}/refill", h.RefillPrescription)
		r.With(role(admin, doctor)).Post("/{id}/cancel", h.CancelPrescription)
		r.With(role(admin, doctor)).Put("/{id}/cancel", h.CancelPrescription)
		r.With(role(admin, doctor)).Delete("/{id}", h.DeletePrescription)
	})
}

func mountBilling(r chi.Router, h *billing.Handler, role authorizer) {
	cashiers := role(admin, receptionist, accountant)
	finance := role(admin, accountant)

	r.Route("/invoices", func(r chi.Router) {
		r.With(role(patient)).Get("/my-invoices", h.MyInvoices)
		r.With(role(patient)).Get("/me", h.MyInvoices)
		r.With(finance).Get("/stats", h.InvoiceStats)
		r.With(role(admin, doctor, receptionist, accountant)).Get("/", h.ListInvoices)
		r.With(role(admin, doctor, receptionist, accountant)).Post("/", h.CreateInvoice)
		r.Get("/{id}", h.GetInvoice)
		r.Get("/{id}/pdf", h.InvoicePDF)
		r.With(cashiers).Put("/{id}", h.UpdateInvoice)
		r.With(finance).Post("/{id}/cancel", h.CancelInvoice)
		r.With(finance).Put("/{id}/cancel", h.CancelInvoice)
		r.With(role(admin)).Delete("/{id}", h.DeleteInvoice)
		r.With(cashiers).Post("/{id}/payment", h.RecordPayment)
		r.With(cashiers).Post("/{id}/payments", h.RecordPayment)
	})

	r.Route("/payments", func(r chi.Router) {
		r.With(role(patient)).Get("/my-payments", h.MyPayments)
		r.With(role(patient)).Get("/me", h.MyPayments)
		r.With(finance).Get("/stats", h.PaymentStats)
		r.With(cashiers).Get("/", h.ListPayments)
		r.With(cashiers).Post("/", h.CreatePayment)
		r.Get("/{id}", h.GetPayment)
		r.With(finance).Put("/{id}", h.UpdatePayment)
		r.With(role(admin)).Delete("/{id}", h.DeletePayment)
		r.With(finance).Post("/{id}/refund", h.RefundPayment)
	})
}

func mountDocuments(r chi.Router, h *documents.Handler, role authorizer) {
	uploaders := role(admin, doctor, nurse, receptionist)

	r.Route("/documents", func(r chi.Router) {
		r.With(role(patient)).Get("/my-documents", h.Mine)
		r.With(uploaders).Get("/category/{category}", h.List)
		r.Get("/patient/{patientId}/by-category", h.ByCategory)
		r.With(role(staff...)).Get("/", h.List)
		r.With(uploaders).Post("/", h.Upload)
		r.With(uploaders).Post("/upload", h.Upload)
		r.Get("/{id}", h.Get)
		r.Get("/{id}/download", h.Download)
		r.With(uploaders).Put("/{id}", h.Update)
		r.With(role(admin, doctor)).Delete("/{id}", h.Delete)
	})
}

func mountNotifications(r chi.Router, h *notifications.Handler, role authorizer) {
	r.Route("/notifications", func(r chi.Router) {
		r.Get("/stream", h.Stream)
		r.Get("/my-notifications", h.Mine)
		r.Get("/unread-count", h.UnreadCount)
		r.With(role(admin)).Get("/", h.List)
		r.With(role(staff...)).Post("/", h.Create)
		r.With(role(admin)).Post("/bulk", h.Bulk)
		r.Put("/read", h.MarkRead)
		r.Put("/mark-as-read", h.MarkRead)
		r.Put("/read-all", h.MarkAllRead)
		r.Put("/mark-all-as-read", h.MarkAllRead)
		r.Delete("/read", h.DeleteRead)
		r.Delete("/delete-all", h.DeleteRead)
		r.Get("/{id}", h.Get)
		r.Put("/{id}/read", h.MarkOneRead)
		r.Delete("/{id}", h.Delete)
	})
}

func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]string{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				body["status"] = "unavailable"
				respond.JSON(w, http.StatusServiceUnavailable, body)
				return
			}
		}
		respond.JSON(w, http.StatusOK, body)
	}
}
