package domain

import "errors"

var (
	// ErrMalformedPayload marks a message whose body or routing key cannot be
	// parsed. Such messages are dropped.
	ErrMalformedPayload = errors.New("malformed payload")
	ErrUnknownEntity    = errors.New("unknown entity type")
	ErrUnknownAction    = errors.New("unknown action")
	// ErrDeleted is returned when an event targets an id that was already
	// deleted from the replica.
	ErrDeleted = errors.New("entity already deleted")
	// ErrNaturalKeyConflict is returned by replica stores when a write would
	// leave two rows with one natural key.
	ErrNaturalKeyConflict = errors.New("natural key already held by another row")
)
