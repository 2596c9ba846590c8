// Package respond shapes every API response into the success/message/data
// envelope and maps errors to status codes in one place.
package respond

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/clinic-platform/internal/apierr"
	"github.com/wolfman30/clinic-platform/internal/database"
	"github.com/wolfman30/clinic-platform/pkg/logging"
	"github.com/wolfman30/clinic-platform/pkg/pagination"
)

// Envelope is the body of every JSON response.
type Envelope struct {
	Success    bool              `json:"success"`
	Message    string            `json:"message,omitempty"`
	Data       any               `json:"data,omitempty"`
	Pagination *pagination.Meta  `json:"pagination,omitempty"`
	Errors     map[string]string `json:"errors,omitempty"`
}

// JSON writes payload with the given status.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Success writes a success envelope.
func Success(w http.ResponseWriter, status int, message string, data any) {
	JSON(w, status, Envelope{Success: true, Message: message, Data: data})
}

// Page writes a success envelope with pagination metadata.
func Page(w http.ResponseWriter, message string, data any, meta pagination.Meta) {
	JSON(w, http.StatusOK, Envelope{Success: true, Message: message, Data: data, Pagination: &meta})
}

// Error converts err into the failure envelope. Unexpected errors are
// logged with the request id and surface as a generic 500.
func Error(w http.ResponseWriter, r *http.Request, logger *logging.Logger, err error) {
	status, body := Classify(err)
	if status >= http.StatusInternalServerError {
		if logger == nil {
			logger = logging.Default()
		}
		logger.Error("request failed",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
		)
	}
	JSON(w, status, body)
}

// Classify maps err to a status code and envelope without writing it.
func Classify(err error) (int, Envelope) {
	if apiErr, ok := apierr.As(err); ok {
		return apiErr.Status, Envelope{Message: apiErr.Message, Errors: apiErr.Fields}
	}
	switch {
	case database.IsUniqueViolation(err):
		return http.StatusBadRequest, Envelope{Message: "Duplicate field value entered"}
	case database.IsExclusionViolation(err):
		return http.StatusConflict, Envelope{Message: "This time slot is already booked. Please choose another time."}
	case database.Code(err) == database.CodeInvalidTextRep:
		return http.StatusBadRequest, Envelope{Message: "Invalid input value"}
	case database.Code(err) == database.CodeForeignKeyViolation:
		return http.StatusBadRequest, Envelope{Message: "Referenced resource does not exist"}
	case errors.Is(err, jwt.ErrTokenExpired):
		return http.StatusUnauthorized, Envelope{Message: "Token expired"}
	case errors.Is(err, jwt.ErrTokenMalformed), errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return http.StatusUnauthorized, Envelope{Message: "Invalid token"}
	}
	return http.StatusInternalServerError, Envelope{Message: "Internal server error"}
}

// NotFound is the fallback handler for unknown routes.
func NotFound(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusNotFound, Envelope{Message: "Route " + r.URL.Path + " not found"})
}
