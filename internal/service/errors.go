package service

import "errors"

// Error classes. Callers classify failures with errors.Is
var (
	// ErrConfiguration is fatal for the invoking operation and never retried
	ErrConfiguration = errors.New("configuration error")
	// ErrTransport means the broker or store could not be reached for the whole call
	ErrTransport = errors.New("transport error")
	// ErrValidation means the input can never succeed as given
	ErrValidation = errors.New("validation error")
)
