package engine

import "errors"

var (
	// ErrCycleBusy is returned when a cycle is requested while the previous
	// one for the same user is still running.
	ErrCycleBusy = errors.New("cycle already running")

	// ErrDeviceNotConfigured is returned when the user has no inverter set up.
	ErrDeviceNotConfigured = errors.New("no device configured")

	// ErrValidation is returned for requests that fail input validation.
	ErrValidation = errors.New("validation failed")

	// ErrQuickControlActive is returned when starting a quick control while
	// one is already running.
	ErrQuickControlActive = errors.New("quick control already active")
)
