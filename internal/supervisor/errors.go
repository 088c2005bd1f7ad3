package supervisor

import "errors"

var (
	// ErrNotFound is returned for a service id that is not registered.
	ErrNotFound = errors.New("supervisor: service not found")

	// ErrAlreadyRunning is returned by Start when the service has a live process.
	ErrAlreadyRunning = errors.New("supervisor: service already running")

	// ErrProcessCrash describes a process that exited without being stopped.
	ErrProcessCrash = errors.New("supervisor: process exited unexpectedly")
)
