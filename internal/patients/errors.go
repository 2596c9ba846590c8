package patients

import "errors"

var (
	ErrNotFound          = errors.New("patients: not found")
	ErrAlreadyRegistered = errors.New("patients: user already registered at clinic")
)
