// Package bind decodes and validates request input.
package bind

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/wolfman30/clinic-platform/internal/apierr"
	"github.com/wolfman30/clinic-platform/internal/tenancy"
	"github.com/wolfman30/clinic-platform/pkg/dates"
)

const maxBodyBytes = 1 << 20

var hhmmPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	_ = v.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
		return hhmmPattern.MatchString(fl.Field().String())
	})
	return v
}

// JSON decodes the request body into dst and validates it.
func JSON(r *http.Request, dst any) error {
	if err := Decode(r, dst); err != nil {
		return err
	}
	return Struct(dst)
}

// Decode reads a JSON body without validating it.
func Decode(r *http.Request, dst any) error {
	if r.Body == nil {
		return apierr.BadRequest("Request body is required")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apierr.BadRequest("Request body is required")
		}
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return apierr.Validation(map[string]string{typeErr.Field: "Invalid " + typeErr.Field})
		}
		return apierr.BadRequest("Invalid JSON body").Wrap(err)
	}
	return nil
}

// Struct validates v and converts failures into a field map.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apierr.BadRequest("Invalid request").Wrap(err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		key := fieldKey(fe.Namespace())
		if _, exists := fields[key]; !exists {
			fields[key] = message(fe)
		}
	}
	return apierr.Validation(fields)
}

// UUIDParam parses a chi URL parameter as a UUID.
func UUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	return ParseUUID(chi.URLParam(r, name), name)
}

// ParseUUID parses raw as a UUID, reporting "Invalid <field>" on failure.
func ParseUUID(raw, field string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, apierr.BadRequest("Invalid " + field)
	}
	return id, nil
}

// OptionalUUID parses a query value, returning nil when it is empty.
func OptionalUUID(r *http.Request, key string) (*uuid.UUID, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	id, err := ParseUUID(raw, key)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// OptionalDate parses a calendar-day query value, returning nil when it is
// empty.
func OptionalDate(r *http.Request, key string) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	t, err := dates.Parse(raw)
	if err != nil {
		return nil, apierr.BadRequest("Invalid " + key)
	}
	return &t, nil
}

// Principal returns the authenticated caller or a 401.
func Principal(r *http.Request) (tenancy.Principal, error) {
	p, ok := tenancy.PrincipalFromContext(r.Context())
	if !ok {
		return tenancy.Principal{}, apierr.Unauthorized("Not authorized")
	}
	return p, nil
}

// OptionalBool parses a boolean query value, returning nil when absent or
// unparseable.
func OptionalBool(r *http.Request, key string) *bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get(key))) {
	case "true", "1":
		v := true
		return &v
	case "false", "0":
		v := false
		return &v
	}
	return nil
}

func fieldKey(namespace string) string {
	if idx := strings.Index(namespace, "."); idx >= 0 {
		return namespace[idx+1:]
	}
	return namespace
}

func message(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required", "required_with", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "hhmm":
		return fmt.Sprintf("%s must be in HH:MM format", field)
	case "email":
		return fmt.Sprintf("%s must be a valid email", field)
	case "oneof":
		return fmt.Sprintf("Invalid %s", field)
	case "uuid", "uuid4":
		return fmt.Sprintf("Invalid %s format", field)
	case "min", "gte":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("At least %s %s required", fe.Param(), field)
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s cannot exceed %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "len":
		return fmt.Sprintf("%s must be %s characters", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

// ClinicScope returns the clinic a request targets: the clinicId query
// value, else the X-Clinic-Id header stored by the router, else nil.
func ClinicScope(r *http.Request) (*uuid.UUID, error) {
	id, err := OptionalUUID(r, "clinicId")
	if err != nil || id != nil {
		return id, err
	}
	if scoped, ok := tenancy.ClinicIDFromContext(r.Context()); ok {
		return &scoped, nil
	}
	return nil, nil
}
