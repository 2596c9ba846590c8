package clinic

import "errors"

var (
	ErrNotFound      = errors.New("clinic: not found")
	ErrEmailTaken    = errors.New("clinic: email already registered")
	ErrAlreadyStaff  = errors.New("clinic: user already on staff")
	ErrStaffNotFound = errors.New("clinic: staff member not found")
)
