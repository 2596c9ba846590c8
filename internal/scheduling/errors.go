package scheduling

import "errors"

var (
	// ErrNotFound indicates the appointment does not exist.
	ErrNotFound = errors.New("scheduling: appointment not found")
	// ErrSlotTaken indicates an open appointment of the same doctor already
	// overlaps the requested range on that day.
	ErrSlotTaken = errors.New("scheduling: slot already booked")
)
