// Package binding implements the enrollment and recovery protocols over a
// registry of root identities: genesis, witnessed device enrollment,
// bilateral cross-witnessing, quorum-gated removal, and hardware-gated
// recovery.
//
// Concurrency model: one exclusive lock per root identity, held for the
// duration of an operation; distinct identities proceed in parallel. Every
// operation validates and collects all signatures before touching state, so
// a failure never leaves a partial device or witness record behind. The
// signing capability is treated as in-process and called under the identity
// lock; a remote signer would need a release-and-revalidate pattern instead.
// Audit emission happens after commit and is fire-and-forget.
package binding

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/anchorid/constellation/internal/anchor"
	"github.com/anchorid/constellation/internal/audit"
	"github.com/anchorid/constellation/internal/constellation"
	"github.com/anchorid/constellation/internal/signing"
	"github.com/anchorid/constellation/internal/trust"
	"go.uber.org/zap"
)

// identity pairs a root identity with its operation lock.
type identity struct {
	mu   sync.Mutex
	root *constellation.RootIdentity
}

// Service is the trust-constellation engine. It owns every root identity in
// the process and drives all state transitions.
type Service struct {
	signer signing.Capability
	sink   audit.Sink // nil = no audit emission
	logger *zap.Logger
	now    func() time.Time

	mu         sync.RWMutex
	identities map[string]*identity
}

// NewService creates a Service. sink may be nil to disable audit emission.
func NewService(signer signing.Capability, sink audit.Sink, logger *zap.Logger) *Service {
	return &Service{
		signer:     signer,
		sink:       sink,
		logger:     logger,
		now:        time.Now,
		identities: make(map[string]*identity),
	}
}

// SetClock replaces the time source. Tests use this to make freshness decay
// and proof timestamps deterministic.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) identityFor(rootID string) (*identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.identities[rootID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, rootID)
	}
	return id, nil
}

// enrollmentAttestation is the payload an enrollment witness signs.
type enrollmentAttestation struct {
	NewDeviceID string `json:"new_device_id"`
	AnchorKind  string `json:"anchor_kind"`
	RootID      string `json:"root_id"`
}

// removalAttestation is the payload each removal authorizer signs.
type removalAttestation struct {
	DeviceID  string `json:"device_id"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

// Genesis creates a new root identity with its first device. rootID may be
// empty to mint a fresh id; passing an id that already exists fails with
// ErrAlreadyInitialized.
func (s *Service) Genesis(ctx context.Context, rootID string, kind anchor.Kind, platform string) (*constellation.IdentitySnapshot, error) {
	now := s.now()
	if rootID == "" {
		rootID = constellation.NewRootID()
	}

	s.mu.Lock()
	if _, exists := s.identities[rootID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, rootID)
	}
	root := constellation.NewRootIdentity(rootID, now)
	device := constellation.NewDeviceRecord(kind, platform, rootID, now)
	root.Constellation.Devices = append(root.Constellation.Devices, device)
	root.Constellation.RecomputeQuorum()
	id := &identity{root: root}
	s.identities[rootID] = id
	s.mu.Unlock()

	id.mu.Lock()
	s.recomputeTrust(root, now)
	id.mu.Unlock()

	s.emit(ctx, audit.Event{
		Kind:     audit.KindGenesis,
		RootID:   rootID,
		DeviceID: device.ID,
		Detail:   map[string]string{"anchor_kind": string(kind), "platform": platform},
	})

	s.logger.Info("identity genesis",
		zap.String("root_id", rootID),
		zap.String("device_id", device.ID),
		zap.String("anchor_kind", string(kind)),
	)
	return root.Snapshot(), nil
}

// EnrollDevice adds a device to an existing constellation, witnessed by an
// active device. witnessID may be empty; the first active device then
// witnesses. The new device is immediately cross-witnessed with its witness.
func (s *Service) EnrollDevice(ctx context.Context, rootID string, kind anchor.Kind, platform, witnessID string) (*constellation.DeviceSnapshot, error) {
	id, err := s.identityFor(rootID)
	if err != nil {
		return nil, err
	}

	id.mu.Lock()
	defer id.mu.Unlock()

	device, witness, fingerprint, err := s.enrollLocked(ctx, id.root, kind, platform, witnessID)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, audit.Event{
		Kind:       audit.KindEnrollment,
		RootID:     rootID,
		DeviceID:   device.ID,
		WitnessIDs: []string{witness.ID},
		Detail: map[string]string{
			"anchor_kind":       string(kind),
			"platform":          platform,
			"proof_fingerprint": fingerprint,
		},
	})

	s.logger.Info("device enrolled",
		zap.String("root_id", rootID),
		zap.String("device_id", device.ID),
		zap.String("witness_id", witness.ID),
		zap.String("anchor_kind", string(kind)),
	)
	return snapshotDevice(id.root, device.ID), nil
}

// enrollLocked performs enrollment with the identity lock held. All signing
// and verification happens before any state mutation.
func (s *Service) enrollLocked(ctx context.Context, root *constellation.RootIdentity, kind anchor.Kind, platform, witnessID string) (*constellation.DeviceRecord, *constellation.DeviceRecord, string, error) {
	c := root.Constellation
	active := c.ActiveDevices()
	if len(active) == 0 {
		return nil, nil, "", fmt.Errorf("%w: constellation %s has no active devices", ErrNoActiveWitness, root.ID)
	}

	var witness *constellation.DeviceRecord
	if witnessID != "" {
		witness = c.Device(witnessID)
		if witness == nil {
			return nil, nil, "", fmt.Errorf("%w: witness %s", ErrUnknownDevice, witnessID)
		}
		if !witness.Active() {
			return nil, nil, "", fmt.Errorf("%w: %s is revoked", ErrWitnessNotActive, witnessID)
		}
	} else {
		witness = active[0]
	}

	now := s.now()
	device := constellation.NewDeviceRecord(kind, platform, root.ID, now)

	// The witness attests the enrollment before anything is committed.
	payload, err := json.Marshal(enrollmentAttestation{
		NewDeviceID: device.ID,
		AnchorKind:  string(kind),
		RootID:      root.ID,
	})
	if err != nil {
		return nil, nil, "", fmt.Errorf("marshal enrollment attestation: %w", err)
	}
	proof, err := s.signer.Sign(ctx, witness.ID, payload)
	if err != nil {
		return nil, nil, "", fmt.Errorf("sign enrollment attestation: %w", err)
	}

	// First witnessing round between witness and the new device, verified
	// before the device joins the constellation.
	round, err := s.runWitnessRound(ctx, witness, device)
	if err != nil {
		return nil, nil, "", err
	}

	// Commit.
	c.Devices = append(c.Devices, device)
	round.apply(now)
	c.LastCrossWitness = now
	c.RecomputeQuorum()
	if len(c.ActiveDevices()) > 1 {
		root.State = constellation.StateMultiDevice
	}
	s.recomputeTrust(root, now)

	return device, witness, signing.Fingerprint(proof), nil
}

// witnessRound holds the verified artifacts of one bilateral witnessing
// exchange, ready to be committed.
type witnessRound struct {
	a, b           *constellation.DeviceRecord
	proofA, proofB []byte
}

// apply records the round symmetrically on both devices.
func (r *witnessRound) apply(now time.Time) {
	r.a.RecordWitness(r.b.ID, r.proofA, r.proofB, now)
	r.b.RecordWitness(r.a.ID, r.proofB, r.proofA, now)
}

// runWitnessRound runs the challenge/response exchange between two devices:
// one fresh challenge per direction, each side signs the other's challenge,
// both signatures verified. No state is mutated.
func (s *Service) runWitnessRound(ctx context.Context, a, b *constellation.DeviceRecord) (*witnessRound, error) {
	challengeA, err := newChallenge(a.ID)
	if err != nil {
		return nil, err
	}
	challengeB, err := newChallenge(b.ID)
	if err != nil {
		return nil, err
	}

	// Each side signs the challenge issued for the other direction.
	proofA, err := s.signer.Sign(ctx, a.ID, challengeB)
	if err != nil {
		return nil, fmt.Errorf("sign witness challenge for %s: %w", a.ID, err)
	}
	proofB, err := s.signer.Sign(ctx, b.ID, challengeA)
	if err != nil {
		return nil, fmt.Errorf("sign witness challenge for %s: %w", b.ID, err)
	}

	okA, err := s.signer.Verify(ctx, a.ID, challengeB, proofA)
	if err != nil {
		return nil, fmt.Errorf("verify witness proof from %s: %w", a.ID, err)
	}
	if !okA {
		return nil, fmt.Errorf("%w: proof from %s", ErrSignatureInvalid, a.ID)
	}
	okB, err := s.signer.Verify(ctx, b.ID, challengeA, proofB)
	if err != nil {
		return nil, fmt.Errorf("verify witness proof from %s: %w", b.ID, err)
	}
	if !okB {
		return nil, fmt.Errorf("%w: proof from %s", ErrSignatureInvalid, b.ID)
	}

	return &witnessRound{a: a, b: b, proofA: proofA, proofB: proofB}, nil
}

// WitnessResult reports a completed cross-witnessing round. Only proof
// fingerprints leave the service; raw signatures stay in the records.
type WitnessResult struct {
	RootID       string    `json:"root_id"`
	DeviceA      string    `json:"device_a"`
	DeviceB      string    `json:"device_b"`
	FingerprintA string    `json:"fingerprint_a"`
	FingerprintB string    `json:"fingerprint_b"`
	Timestamp    time.Time `json:"timestamp"`
}

// CrossWitness runs a bilateral witnessing round between two active devices
// of the same constellation. Witnessing is never one-sided: both proofs must
// verify or nothing is recorded.
func (s *Service) CrossWitness(ctx context.Context, rootID, deviceA, deviceB string) (*WitnessResult, error) {
	id, err := s.identityFor(rootID)
	if err != nil {
		return nil, err
	}

	id.mu.Lock()
	defer id.mu.Unlock()

	res, err := s.crossWitnessLocked(ctx, id.root, deviceA, deviceB)
	if err != nil {
		return nil, err
	}

	s.emit(ctx, audit.Event{
		Kind:       audit.KindCrossWitness,
		RootID:     rootID,
		DeviceID:   deviceA,
		WitnessIDs: []string{deviceB},
		Detail: map[string]string{
			"proof_fingerprint_a": res.FingerprintA,
			"proof_fingerprint_b": res.FingerprintB,
		},
	})
	return res, nil
}

func (s *Service) crossWitnessLocked(ctx context.Context, root *constellation.RootIdentity, deviceA, deviceB string) (*WitnessResult, error) {
	c := root.Constellation
	a := c.Device(deviceA)
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceA)
	}
	b := c.Device(deviceB)
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceB)
	}
	if !a.Active() {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotActive, deviceA)
	}
	if !b.Active() {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotActive, deviceB)
	}

	round, err := s.runWitnessRound(ctx, a, b)
	if err != nil {
		return nil, err
	}

	now := s.now()
	round.apply(now)
	c.LastCrossWitness = now
	s.recomputeTrust(root, now)

	return &WitnessResult{
		RootID:       root.ID,
		DeviceA:      a.ID,
		DeviceB:      b.ID,
		FingerprintA: signing.Fingerprint(round.proofA),
		FingerprintB: signing.Fingerprint(round.proofB),
		Timestamp:    now,
	}, nil
}

// RemoveDevice revokes a device once a quorum of the remaining active
// devices has authorized it. The target cannot authorize its own removal:
// only devices distinct from it count toward the quorum.
func (s *Service) RemoveDevice(ctx context.Context, rootID, deviceID, reason string, authorizingIDs []string) error {
	id, err := s.identityFor(rootID)
	if err != nil {
		return err
	}

	id.mu.Lock()
	defer id.mu.Unlock()

	c := id.root.Constellation
	target := c.Device(deviceID)
	if target == nil {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if !target.Active() {
		return fmt.Errorf("%w: %s is already revoked", ErrDeviceNotActive, deviceID)
	}

	quorum := c.RecoveryQuorum
	authorizers := selectActive(c, authorizingIDs, deviceID)
	if len(authorizers) < quorum {
		return fmt.Errorf("%w: need %d active authorizing devices distinct from the target, got %d",
			ErrQuorumNotMet, quorum, len(authorizers))
	}

	// Collect a removal proof from every authorizer before mutating.
	now := s.now()
	payload, err := json.Marshal(removalAttestation{
		DeviceID:  deviceID,
		Reason:    reason,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal removal attestation: %w", err)
	}
	fingerprints := make(map[string]string, len(authorizers))
	for _, auth := range authorizers {
		proof, err := s.signer.Sign(ctx, auth.ID, payload)
		if err != nil {
			return fmt.Errorf("sign removal attestation for %s: %w", auth.ID, err)
		}
		fingerprints["proof_fingerprint:"+auth.ID] = signing.Fingerprint(proof)
	}

	// Commit.
	target.Status = constellation.StatusRevoked
	target.RevocationReason = reason
	c.RecomputeQuorum()
	s.recomputeTrust(id.root, now)

	authIDs := make([]string, len(authorizers))
	for i, a := range authorizers {
		authIDs[i] = a.ID
	}
	s.emit(ctx, audit.Event{
		Kind:       audit.KindRemoval,
		RootID:     rootID,
		DeviceID:   deviceID,
		WitnessIDs: authIDs,
		Reason:     reason,
		Detail:     fingerprints,
	})

	s.logger.Info("device removed",
		zap.String("root_id", rootID),
		zap.String("device_id", deviceID),
		zap.String("reason", reason),
		zap.Int("authorizers", len(authIDs)),
	)
	return nil
}

// RecoverIdentity enrolls a replacement device authorized by a quorum of
// active recovery devices. At least one recovery device must be hardware
// backed: a software-only quorum may authorize removals but can never
// recover a lost hardware anchor. The new device is witnessed by the first
// recovery device and then cross-witnessed with every other one, so it
// starts with maximum witness density.
func (s *Service) RecoverIdentity(ctx context.Context, rootID string, recoveryIDs []string, newKind anchor.Kind, newPlatform string) (*constellation.DeviceSnapshot, error) {
	id, err := s.identityFor(rootID)
	if err != nil {
		return nil, err
	}

	id.mu.Lock()
	defer id.mu.Unlock()

	c := id.root.Constellation
	quorum := c.RecoveryQuorum
	recovery := selectActive(c, recoveryIDs, "")
	if len(recovery) < quorum {
		return nil, fmt.Errorf("%w: need %d active recovery devices, got %d",
			ErrQuorumNotMet, quorum, len(recovery))
	}

	hardware := false
	for _, d := range recovery {
		if anchor.Hardware(d.Kind) {
			hardware = true
			break
		}
	}
	if !hardware {
		return nil, fmt.Errorf("%w: all %d recovery devices are software-only",
			ErrHardwareRequired, len(recovery))
	}

	device, witness, fingerprint, err := s.enrollLocked(ctx, id.root, newKind, newPlatform, recovery[0].ID)
	if err != nil {
		return nil, err
	}
	for _, rd := range recovery[1:] {
		if _, err := s.crossWitnessLocked(ctx, id.root, rd.ID, device.ID); err != nil {
			return nil, fmt.Errorf("witness recovered device with %s: %w", rd.ID, err)
		}
	}

	recIDs := make([]string, len(recovery))
	for i, d := range recovery {
		recIDs[i] = d.ID
	}
	s.emit(ctx, audit.Event{
		Kind:       audit.KindRecovery,
		RootID:     rootID,
		DeviceID:   device.ID,
		WitnessIDs: recIDs,
		Detail: map[string]string{
			"anchor_kind":       string(newKind),
			"proof_fingerprint": fingerprint,
		},
	})

	s.logger.Info("identity recovered",
		zap.String("root_id", rootID),
		zap.String("device_id", device.ID),
		zap.String("witness_id", witness.ID),
		zap.Int("recovery_devices", len(recIDs)),
	)
	return snapshotDevice(id.root, device.ID), nil
}

// GetTrust computes the constellation trust at the given time and refreshes
// the cached value.
func (s *Service) GetTrust(rootID string, at time.Time) (float64, error) {
	id, err := s.identityFor(rootID)
	if err != nil {
		return 0, err
	}
	id.mu.Lock()
	defer id.mu.Unlock()
	return s.recomputeTrust(id.root, at), nil
}

// GetConstellation returns a read-only snapshot of the identity.
func (s *Service) GetConstellation(rootID string) (*constellation.IdentitySnapshot, error) {
	id, err := s.identityFor(rootID)
	if err != nil {
		return nil, err
	}
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.root.Snapshot(), nil
}

// recomputeTrust runs the trust pipeline, refreshes the cached values on the
// constellation and the root summary fields, and enforces the internal
// invariants. Call with the identity lock held.
func (s *Service) recomputeTrust(root *constellation.RootIdentity, now time.Time) float64 {
	c := root.Constellation
	bd := trust.Compute(c, now)

	// Invariant violations here mean a bug in the engine, not bad input.
	// Continuing would silently weaken identity guarantees.
	if bd.Ceiling > 0 && bd.Trust > bd.Ceiling+1e-9 {
		panic(fmt.Sprintf("binding: trust %v exceeds ceiling %v for %s", bd.Trust, bd.Ceiling, root.ID))
	}
	if c.RecoveryQuorum < 1 {
		panic(fmt.Sprintf("binding: quorum %d below legal minimum for %s", c.RecoveryQuorum, root.ID))
	}

	if bd.CeilingDerived {
		s.logger.Warn("anchor kind set outside explicit ceiling table, derived rule applied",
			zap.String("root_id", root.ID),
			zap.Float64("ceiling", bd.Ceiling),
		)
	}

	c.CachedTrust = bd.Trust
	root.Coherence = bd.Density

	active := c.ActiveDevices()
	if len(active) > 0 {
		sum := 0.0
		for _, d := range active {
			sum += anchor.Weight(d.Kind)
		}
		root.HardwareBindingStrength = sum / float64(len(active))
	} else {
		root.HardwareBindingStrength = 0
	}
	return bd.Trust
}

// emit records an audit event, fire-and-forget.
func (s *Service) emit(ctx context.Context, ev audit.Event) {
	if s.sink == nil {
		return
	}
	if _, err := s.sink.Record(ctx, ev); err != nil {
		s.logger.Error("audit record failed",
			zap.String("kind", ev.Kind),
			zap.String("root_id", ev.RootID),
			zap.Error(err),
		)
	}
}

// selectActive returns the active devices of c whose ids appear in ids,
// deduplicated, excluding excludeID.
func selectActive(c *constellation.Constellation, ids []string, excludeID string) []*constellation.DeviceRecord {
	seen := make(map[string]bool, len(ids))
	var out []*constellation.DeviceRecord
	for _, id := range ids {
		if id == excludeID || seen[id] {
			continue
		}
		seen[id] = true
		if d := c.Device(id); d != nil && d.Active() {
			out = append(out, d)
		}
	}
	return out
}

// snapshotDevice extracts one device's snapshot from a fresh identity snapshot.
func snapshotDevice(root *constellation.RootIdentity, deviceID string) *constellation.DeviceSnapshot {
	snap := root.Snapshot()
	for i := range snap.Devices {
		if snap.Devices[i].ID == deviceID {
			return &snap.Devices[i]
		}
	}
	return nil
}

// newChallenge builds a fresh random challenge for one witnessing direction.
func newChallenge(deviceID string) ([]byte, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate witness challenge: %w", err)
	}
	return []byte("witness:" + deviceID + ":" + hex.EncodeToString(nonce)), nil
}
