package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrRunNotFound  = errors.New("run not found")
	ErrRunActive    = errors.New("run is already active")
	ErrRunNotActive = errors.New("run is not active")
	ErrRunFinished  = errors.New("run already finished")
	ErrBadRequest   = errors.New("bad request")
	ErrShuttingDown = errors.New("service is shutting down")
)
