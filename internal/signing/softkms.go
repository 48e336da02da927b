package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// SoftKMS is a deterministic software signing capability. Each device key is
// an ed25519 seed derived from a master key via HKDF, so a single secret
// provisions every device in a deployment. Suitable for development, tests,
// and single-process deployments; production anchors should sit behind a
// capability that talks to the real secure element.
type SoftKMS struct {
	masterKey []byte

	mu   sync.Mutex
	keys map[string]ed25519.PrivateKey
}

// NewSoftKMS creates a SoftKMS. The master key must be at least 32 bytes.
func NewSoftKMS(masterKey []byte) (*SoftKMS, error) {
	if len(masterKey) < 32 {
		return nil, errors.New("master key must be at least 32 bytes")
	}
	key := make([]byte, len(masterKey))
	copy(key, masterKey)
	return &SoftKMS{
		masterKey: key,
		keys:      make(map[string]ed25519.PrivateKey),
	}, nil
}

// deviceKey derives (and caches) the ed25519 key for a device id.
func (k *SoftKMS) deviceKey(deviceID string) (ed25519.PrivateKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if key, ok := k.keys[deviceID]; ok {
		return key, nil
	}

	seed := make([]byte, ed25519.SeedSize)
	r := hkdf.New(sha256.New, k.masterKey, nil, []byte("anchorid/device-key:"+deviceID))
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("derive key for %s: %w", deviceID, err)
	}
	key := ed25519.NewKeyFromSeed(seed)
	k.keys[deviceID] = key
	return key, nil
}

// Sign implements Capability.
func (k *SoftKMS) Sign(_ context.Context, deviceID string, payload []byte) ([]byte, error) {
	key, err := k.deviceKey(deviceID)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(key, payload), nil
}

// Verify implements Capability.
func (k *SoftKMS) Verify(_ context.Context, deviceID string, payload, proof []byte) (bool, error) {
	key, err := k.deviceKey(deviceID)
	if err != nil {
		return false, err
	}
	if len(proof) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(key.Public().(ed25519.PublicKey), payload, proof), nil
}
