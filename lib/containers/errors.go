package containers

import "errors"

var (
	// ErrInvalidState is returned when an operation does not apply to the
	// container's current state, e.g. removing a running container
	ErrInvalidState = errors.New("invalid container state")

	// ErrUnsupported is returned by operations the sandbox model cannot offer
	ErrUnsupported = errors.New("unsupported under this sandbox model")

	// ErrInvalidRequest is returned for malformed create requests
	ErrInvalidRequest = errors.New("invalid request")
)
