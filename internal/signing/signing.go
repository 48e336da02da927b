// Package signing abstracts the per-device signing capability consumed by
// the binding protocols. The engine never touches key material directly; it
// asks the capability to sign and verify proofs on behalf of a device id.
package signing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Capability signs and verifies proofs for enrolled devices. Implementations
// may be backed by real secure elements, a remote KMS, or the in-process
// SoftKMS. Verify returns (false, nil) for a well-formed but non-matching
// proof; errors are reserved for capability failures.
type Capability interface {
	Sign(ctx context.Context, deviceID string, payload []byte) ([]byte, error)
	Verify(ctx context.Context, deviceID string, payload, proof []byte) (bool, error)
}

// Fingerprint returns a short hex digest of a proof, safe to place in audit
// events where the raw signature must never appear.
func Fingerprint(proof []byte) string {
	sum := sha256.Sum256(proof)
	return hex.EncodeToString(sum[:])[:16]
}
