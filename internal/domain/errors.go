package domain

import "errors"

// Sentinel errors for domain-level error discrimination.
// Services wrap these so handlers can map to HTTP status codes without leaking infrastructure details.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrBadRequest   = errors.New("bad request")

	// ErrNoRecipientsFound means a recipient spec resolved to an empty user set.
	ErrNoRecipientsFound = errors.New("no recipients found")
	// ErrSMSNotConfigured means the SMS channel is disabled or missing credentials.
	ErrSMSNotConfigured = errors.New("sms not configured")
	// ErrTickInProgress is returned when an escalation tick is already running.
	ErrTickInProgress = errors.New("escalation tick in progress")
	// ErrSchedulerStopped is returned for manual checks requested during shutdown.
	ErrSchedulerStopped = errors.New("escalation scheduler stopped")
)
