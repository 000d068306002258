package store

import "errors"

var (
	// ErrNotFound is returned when no container matches an ID or name
	ErrNotFound = errors.New("container not found")

	// ErrAmbiguous is returned when an ID prefix matches several containers
	ErrAmbiguous = errors.New("container reference is ambiguous")

	// ErrInvalidTransition is returned when an update requests a state change
	// the state machine does not allow
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNameInUse is returned when creating a container with a taken name
	ErrNameInUse = errors.New("container name already in use")

	// ErrInvalidName is returned for names that are not valid container names
	ErrInvalidName = errors.New("invalid container name")

	// ErrCorrupt is returned when the registry file cannot be parsed
	ErrCorrupt = errors.New("container registry is corrupt")
)
