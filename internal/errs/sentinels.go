// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Store-layer sentinels.
var (
	// ErrNotFound indicates the requested identity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateID indicates an identity with the same id already exists.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrInsufficientFunds indicates a debit would take the balance below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAuditWrite indicates the audit sink rejected an entry. A guarded
	// mutation must never be reported as successful when this is returned.
	ErrAuditWrite = errors.New("audit write failed")

	// ErrStoreCorrupt indicates the persistent record file could not be parsed.
	ErrStoreCorrupt = errors.New("record file corrupt")
)

// Encoder-boundary sentinels.
var (
	// ErrNoFace indicates the encoder found no face in the image.
	ErrNoFace = errors.New("no face detected")

	// ErrMultipleFaces indicates more than one face where exactly one is required.
	ErrMultipleFaces = errors.New("multiple faces detected")

	// ErrDecode indicates the image bytes could not be decoded.
	ErrDecode = errors.New("image decode failed")
)

// ErrValidation indicates operator-supplied fields failed validation.
var ErrValidation = errors.New("invalid input")

// Capture-pipeline sentinels.
var (
	// ErrCameraUnavailable indicates the frame source could not be opened or read.
	ErrCameraUnavailable = errors.New("camera unavailable")

	// ErrCaptureBusy indicates a decision for a previous capture is still pending.
	ErrCaptureBusy = errors.New("capture busy")

	// ErrNoFrame indicates no frame has been acquired yet.
	ErrNoFrame = errors.New("no frame available")
)

// Auth sentinels.
var (
	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")
)
