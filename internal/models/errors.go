package models

import "errors"

var (
	// ErrNotFound signals an unknown conversation or message id.
	ErrNotFound = errors.New("not found")

	// ErrConflict signals a referential integrity violation, such as
	// appending a message under an unknown parent.
	ErrConflict = errors.New("conflict")

	// ErrBusy is returned when a generation is already in flight for the
	// conversation. Requests are not queued; the caller retries.
	ErrBusy = errors.New("generation already in progress")

	// ErrInvalidState is returned when regeneration targets a message that
	// is not the active assistant leaf.
	ErrInvalidState = errors.New("message cannot be regenerated")
)
