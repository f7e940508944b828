package matching

import "errors"

var (
	// ErrUnknownConnection is returned for events from an id that is not
	// registered, typically one that already disconnected.
	ErrUnknownConnection = errors.New("matching: unknown connection")

	// ErrDuplicateConnection is returned when an id is registered twice.
	ErrDuplicateConnection = errors.New("matching: connection already registered")

	// ErrInvalidPreferences is returned when gender or preference is not
	// one of male, female or both.
	ErrInvalidPreferences = errors.New("matching: invalid preferences")

	// ErrNoPreferences is returned for next-user before set-preferences.
	ErrNoPreferences = errors.New("matching: preferences not set")

	// ErrInvariant signals a broken internal invariant. Only the current
	// operation is abandoned.
	ErrInvariant = errors.New("matching: invariant violation")
)
