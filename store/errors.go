package store

import "errors"

var (
	// ErrNotFound is returned when a message doesn't exist.
	ErrNotFound = errors.New("store: message not found")

	// ErrAlreadyExists is returned when creating a message with an existing ID.
	ErrAlreadyExists = errors.New("store: message already exists")

	// ErrUnavailable is returned when the backend could not complete an
	// operation within its retry policy.
	ErrUnavailable = errors.New("store: backend unavailable")

	// ErrInvalidMessage is returned when a message is missing its ID,
	// sender or recipient.
	ErrInvalidMessage = errors.New("store: invalid message")
)
