package domain

import "errors"

var (
	// ErrMissingSessionData is returned by a stop when the start time or type cannot be read back.
	ErrMissingSessionData = errors.New("session start time or activity type unavailable")
	// ErrPermissionDenied signals the transition source refused registration.
	ErrPermissionDenied = errors.New("activity recognition permission denied")
	// ErrRecordNotFound is returned when an activity record cannot be located.
	ErrRecordNotFound = errors.New("activity record not found")
	// ErrInvalidRecord rejects records with inconsistent fields.
	ErrInvalidRecord = errors.New("invalid activity record")
	// ErrInvalidActivityType rejects unknown activity type names.
	ErrInvalidActivityType = errors.New("invalid activity type")
)
