package worker

import "errors"

// Sentinel errors for the worker domain. The dispatcher maps these onto
// wire error codes; everything else becomes CMD_ERR.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrLicenseRequired  = errors.New("license required")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrTokenExpired     = errors.New("token expired")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotReady         = errors.New("not ready")
	ErrBusy             = errors.New("busy")
	ErrUnavailable      = errors.New("unavailable")
	ErrCancelled        = errors.New("cancelled")
	ErrNoKey            = errors.New("encryption key not set")
	ErrBadPassword      = errors.New("wrong password")
)
