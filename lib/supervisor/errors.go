package supervisor

import "errors"

var (
	// ErrLaunch is returned when the sandbox process cannot be started
	ErrLaunch = errors.New("sandbox launch failed")

	// ErrSignal is returned when a signal cannot be delivered. It wraps the
	// OS error, so callers can test for unix.ESRCH.
	ErrSignal = errors.New("signal delivery failed")
)
