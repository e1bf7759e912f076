package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrSigningFailed = errors.New("signing failed")
	ErrLockHeld      = errors.New("lock already held")

	// ErrTransient marks a failure worth retrying (network blip, RPC timeout,
	// 5xx from an upstream service).
	ErrTransient = errors.New("transient failure")

	ErrDefinitionRejected     = errors.New("metric definition rejected")
	ErrSourceValidationFailed = errors.New("source validation failed")
	ErrSourceDenied           = errors.New("source denied")
	ErrWrongStage             = errors.New("action not allowed in current stage")
	ErrInvalidDraft           = errors.New("invalid market draft")

	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrPipelineOrphaned = errors.New("pipeline orphaned after broadcast")
	ErrInvalidBond      = errors.New("invalid bond parameters")
)
