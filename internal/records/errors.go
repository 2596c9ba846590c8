package records

import "errors"

var (
	ErrRecordNotFound       = errors.New("records: medical record not found")
	ErrPrescriptionNotFound = errors.New("records: prescription not found")
)
