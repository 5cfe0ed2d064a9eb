package db

import "errors"

var (
	// ErrEntryNotFound is returned when no outbox entry has the requested id.
	ErrEntryNotFound = errors.New("outbox entry not found")
	// ErrStatusRegression is returned when an update would move an entry's status backwards.
	ErrStatusRegression = errors.New("outbox status cannot move backwards")
	// ErrInvalidTargetID marks a state change whose target id is not a UUID.
	ErrInvalidTargetID = errors.New("target id is not a valid uuid")
	// ErrTargetUnavailable marks a state change whose target row is missing or locked by another writer.
	ErrTargetUnavailable = errors.New("target record missing or locked")
)
