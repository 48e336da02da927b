package binding

import "errors"

// Protocol errors. All are expected, recoverable conditions reported to the
// caller; every rejection wraps one of these with the detail of the invariant
// that blocked it. None of them is ever silently defaulted — in particular,
// recovery never relaxes the quorum or skips the hardware check.
var (
	// ErrNotInitialized — the root identity does not exist; run genesis first.
	ErrNotInitialized = errors.New("identity not initialized")

	// ErrAlreadyInitialized — genesis was repeated for an existing root id.
	ErrAlreadyInitialized = errors.New("identity already initialized")

	// ErrNoActiveWitness — enrollment requires at least one active device.
	ErrNoActiveWitness = errors.New("no active device available to witness enrollment")

	// ErrWitnessNotActive — the named enrollment witness is revoked.
	ErrWitnessNotActive = errors.New("witness device is not active")

	// ErrDeviceNotActive — a witnessing or removal party is revoked.
	ErrDeviceNotActive = errors.New("device is not active")

	// ErrSignatureInvalid — a challenge signature failed verification.
	ErrSignatureInvalid = errors.New("signature verification failed")

	// ErrQuorumNotMet — too few valid authorizers for removal or recovery.
	ErrQuorumNotMet = errors.New("authorization quorum not met")

	// ErrHardwareRequired — a recovery quorum must include at least one
	// hardware-backed anchor; a software-only quorum can never recover.
	ErrHardwareRequired = errors.New("recovery requires at least one hardware-backed device")

	// ErrUnknownDevice — the referenced device id is not in the constellation.
	ErrUnknownDevice = errors.New("unknown device")
)
