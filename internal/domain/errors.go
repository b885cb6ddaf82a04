package domain

import "errors"

// Sentinel errors shared across services. Handlers translate these into HTTP
// responses; services wrap them with context via fmt.Errorf and %w.
var (
	// ErrValidation covers bad input: wrong mime type, oversized file,
	// missing required field.
	ErrValidation = errors.New("invalid input")

	// ErrDuplicateSubmission is returned when a pending-review document
	// already exists for the affiliate.
	ErrDuplicateSubmission = errors.New("a document is already under review")

	// ErrDuplicateEnvelope signals an envelope is already in flight.
	ErrDuplicateEnvelope = errors.New("a signing session is already in progress")

	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")

	// ErrIntegrity is raised when an authentication tag mismatch is detected
	// during decryption: corruption or tampering, never a generic failure.
	ErrIntegrity = errors.New("document integrity check failed")

	// ErrUpstream wraps e-signature provider failures and timeouts.
	ErrUpstream = errors.New("e-signature provider request failed")

	// ErrAuthorizationRequired means no token is usable and no refresh path
	// exists; the PKCE flow must be restarted.
	ErrAuthorizationRequired = errors.New("provider authorization required")

	// ErrInvalidState rejects unknown, expired, or replayed PKCE state.
	ErrInvalidState = errors.New("invalid or expired authorization state")

	// ErrBadSignature rejects webhook payloads whose HMAC does not match.
	ErrBadSignature = errors.New("webhook signature mismatch")

	// ErrImmutableEntry rejects mutation of persisted audit fields.
	ErrImmutableEntry = errors.New("audit entries are immutable")
)
