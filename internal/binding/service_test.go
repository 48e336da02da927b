package binding_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anchorid/constellation/internal/anchor"
	"github.com/anchorid/constellation/internal/audit"
	"github.com/anchorid/constellation/internal/binding"
	"github.com/anchorid/constellation/internal/constellation"
	"github.com/anchorid/constellation/internal/signing"
	"go.uber.org/zap"
)

var (
	ctx = context.Background()
	t0  = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func newService(t *testing.T) (*binding.Service, *audit.MemoryLog) {
	t.Helper()
	kms, err := signing.NewSoftKMS(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatal(err)
	}
	log := audit.NewMemoryLog()
	svc := binding.NewService(kms, log, zap.NewNop())
	svc.SetClock(func() time.Time { return t0 })
	return svc, log
}

// seedIdentity runs genesis and enrolls the extra kinds, returning the root
// id and device ids in enrollment order.
func seedIdentity(t *testing.T, svc *binding.Service, first anchor.Kind, extra ...anchor.Kind) (string, []string) {
	t.Helper()
	snap, err := svc.Genesis(ctx, "", first, "test")
	if err != nil {
		t.Fatal(err)
	}
	ids := []string{snap.Devices[0].ID}
	for _, k := range extra {
		dev, err := svc.EnrollDevice(ctx, snap.RootID, k, "test", "")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, dev.ID)
	}
	return snap.RootID, ids
}

// ── Genesis ───────────────────────────────────────────────────────────────

func TestGenesis(t *testing.T) {
	svc, log := newService(t)

	snap, err := svc.Genesis(ctx, "", anchor.KindPhoneSE, "ios")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(snap.Devices))
	}
	if snap.RecoveryQuorum != 1 {
		t.Errorf("quorum: got %d, want 1", snap.RecoveryQuorum)
	}
	if snap.State != constellation.StateSingleDevice {
		t.Errorf("state: got %s, want single_device", snap.State)
	}
	// Fresh phone SE computes to its 0.75 ceiling.
	if snap.Trust != 0.75 {
		t.Errorf("genesis trust: got %v, want 0.75", snap.Trust)
	}

	entry, err := log.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Kind != audit.KindGenesis || entry.RootID != snap.RootID {
		t.Errorf("audit entry: got kind=%s root=%s", entry.Kind, entry.RootID)
	}
}

func TestGenesis_repeatedRootID(t *testing.T) {
	svc, _ := newService(t)
	if _, err := svc.Genesis(ctx, "anchor:root:fixed", anchor.KindPhoneSE, "ios"); err != nil {
		t.Fatal(err)
	}
	_, err := svc.Genesis(ctx, "anchor:root:fixed", anchor.KindSoftware, "browser")
	if !errors.Is(err, binding.ErrAlreadyInitialized) {
		t.Errorf("got %v, want ErrAlreadyInitialized", err)
	}
}

func TestOperations_unknownRoot(t *testing.T) {
	svc, _ := newService(t)
	if _, err := svc.EnrollDevice(ctx, "anchor:root:nope", anchor.KindSoftware, "", ""); !errors.Is(err, binding.ErrNotInitialized) {
		t.Errorf("EnrollDevice: got %v, want ErrNotInitialized", err)
	}
	if _, err := svc.GetTrust("anchor:root:nope", t0); !errors.Is(err, binding.ErrNotInitialized) {
		t.Errorf("GetTrust: got %v, want ErrNotInitialized", err)
	}
}

// ── Enrollment ────────────────────────────────────────────────────────────

func TestEnrollDevice(t *testing.T) {
	svc, log := newService(t)
	rootID, ids := seedIdentity(t, svc, anchor.KindPhoneSE, anchor.KindExternalSE)

	snap, err := svc.GetConstellation(rootID)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(snap.Devices))
	}
	if snap.RecoveryQuorum != 2 {
		t.Errorf("quorum after second device: got %d, want 2", snap.RecoveryQuorum)
	}
	if snap.State != constellation.StateMultiDevice {
		t.Errorf("state: got %s, want multi_device", snap.State)
	}
	// Enrollment immediately cross-witnesses with the chosen witness.
	if snap.Trust != 0.90 {
		t.Errorf("two-kind witnessed trust: got %v, want ceiling 0.90", snap.Trust)
	}

	// Audit: genesis then enrollment, with witness id and a fingerprint,
	// never a raw signature.
	entry, err := log.Get(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Kind != audit.KindEnrollment {
		t.Fatalf("entry kind: got %s", entry.Kind)
	}
	if len(entry.WitnessIDs) != 1 || entry.WitnessIDs[0] != ids[0] {
		t.Errorf("witness ids: got %v, want [%s]", entry.WitnessIDs, ids[0])
	}
}

func TestEnrollDevice_explicitWitness(t *testing.T) {
	svc, _ := newService(t)
	rootID, ids := seedIdentity(t, svc, anchor.KindPhoneSE, anchor.KindExternalSE)

	dev, err := svc.EnrollDevice(ctx, rootID, anchor.KindPlatformChip, "linux", ids[1])
	if err != nil {
		t.Fatal(err)
	}
	if len(dev.Witnesses) != 1 || dev.Witnesses[0].PeerDeviceID != ids[1] {
		t.Errorf("new device should hold a witness record for %s, got %+v", ids[1], dev.Witnesses)
	}
}

func TestEnrollDevice_witnessErrors(t *testing.T) {
	svc, _ := newService(t)
	rootID, ids := seedIdentity(t, svc, anchor.KindPhoneSE, anchor.KindExternalSE, anchor.KindPlatformChip)

	if _, err := svc.EnrollDevice(ctx, rootID, anchor.KindSoftware, "", "anchor:device:software:nope"); !errors.Is(err, binding.ErrUnknownDevice) {
		t.Errorf("unknown witness: got %v, want ErrUnknownDevice", err)
	}

	// Revoke the chip, then name it as witness.
	if err := svc.RemoveDevice(ctx, rootID, ids[2], "lost", []string{ids[0], ids[1]}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.EnrollDevice(ctx, rootID, anchor.KindSoftware, "", ids[2]); !errors.Is(err, binding.ErrWitnessNotActive) {
		t.Errorf("revoked witness: got %v, want ErrWitnessNotActive", err)
	}
}

// failingSigner errors on the nth Sign call.
type failingSigner struct {
	inner   signing.Capability
	calls   int
	failAt  int
}

func (f *failingSigner) Sign(ctx context.Context, deviceID string, payload []byte) ([]byte, error) {
	f.calls++
	if f.calls == f.failAt {
		return nil, errors.New("secure element unavailable")
	}
	return f.inner.Sign(ctx, deviceID, payload)
}

func (f *failingSigner) Verify(ctx context.Context, deviceID string, payload, proof []byte) (bool, error) {
	return f.inner.Verify(ctx, deviceID, payload, proof)
}

func TestEnrollDevice_failureLeavesStateUnchanged(t *testing.T) {
	kms, _ := signing.NewSoftKMS(bytes.Repeat([]byte{0x42}, 32))
	signer := &failingSigner{inner: kms, failAt: 3} // genesis makes no Sign calls; fail mid-enrollment
	svc := binding.NewService(signer, audit.NewMemoryLog(), zap.NewNop())
	svc.SetClock(func() time.Time { return t0 })

	snap, err := svc.Genesis(ctx, "", anchor.KindPhoneSE, "ios")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.EnrollDevice(ctx, snap.RootID, anchor.KindExternalSE, "usb", ""); err == nil {
		t.Fatal("expected enrollment to fail")
	}

	after, err := svc.GetConstellation(snap.RootID)
	if err != nil {
		t.Fatal(err)
	}
	if len(after.Devices) != 1 {
		t.Errorf("failed enrollment left %d devices, want 1", len(after.Devices))
	}
	if len(after.Devices[0].Witnesses) != 0 {
		t.Error("failed enrollment left a partial witness record")
	}
	if after.RecoveryQuorum != 1 {
		t.Errorf("quorum changed by failed enrollment: %d", after.RecoveryQuorum)
	}
}

// ── Cross-witnessing ──────────────────────────────────────────────────────

func TestCrossWitness_symmetry(t *testing.T) {
	svc, _ := newService(t)
	rootID, ids := seedIdentity(t, svc, anchor.KindPhoneSE, anchor.KindExternalSE, anchor.KindPlatformChip)

	res, err := svc.CrossWitness(ctx, rootID, ids[0], ids[2])
	if err != nil {
		t.Fatal(err)
	}
	if res.FingerprintA == "" || res.FingerprintB == "" || res.FingerprintA == res.FingerprintB {
		t.Errorf("fingerprints: %q / %q", res.FingerprintA, res.FingerprintB)
	}

	snap, _ := svc.GetConstellation(rootID)
	counts := make(map[string]map[string]int)
	for _, d := range snap.Devices {
		counts[d.ID] = make(map[string]int)
		for _, w := range d.Witnesses {
			counts[d.ID][w.PeerDeviceID] = w.Count
		}
	}
	if counts[ids[0]][ids[2]] != counts[ids[2]][ids[0]] || counts[ids[0]][ids[2]] == 0 {
		t.Errorf("witness tables asymmetric: %d vs %d", counts[ids[0]][ids[2]], counts[ids[2]][ids[0]])
	}
}

func TestCrossWitness_repeatIncrementsBothSides(t *testing.T) {
	svc, _ := newService(t)
	rootID, ids := seedIdentity(t, svc, anchor.KindPhoneSE, anchor.KindExternalSE)

	// Enrollment already witnessed once; two more rounds.
	for i := 0; i < 2; i++ {
		if _, err := svc.CrossWitness(ctx, rootID, ids[0], ids[1]); err != nil {
			t.Fatal(err)
		}
	}

	snap, _ := svc.GetConstellation(rootID)
	for _, d := range snap.Devices {
		if len(d.Witnesses) != 1 || d.Witnesses[0].Count != 3 {
			t.Errorf("device %s witness count: %+v, want 3", d.ID, d.Witnesses)
		}
	}
}

func TestCrossWitness_requiresActiveDevices(t *testing.T) {
	svc, _ := newService(t)
	rootID, ids := seedIdentity(t, svc, anchor.KindPhoneSE, anchor.KindExternalSE, anchor.KindPlatformChip)

	if err := svc.RemoveDevice(ctx, rootID, ids[2], "lost", []string{ids[0], ids[1]}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CrossWitness(ctx, rootID, ids[0], ids[2]); !errors.Is(err, binding.ErrDeviceNotActive) {
		t.Errorf("witnessing a revoked device: got %v, want ErrDeviceNotActive", err)
	}
	if _, err := svc.CrossWitness(ctx, rootID, ids[0], "anchor:device:software:nope"); !errors.Is(err, binding.ErrUnknownDevice) {
		t.Errorf("unknown device: got %v, want ErrUnknownDevice", err)
	}
}

// ── Removal ───────────────────────────────────────────────────────────────

func TestRemoveDevice_quorumBoundary(t *testing.T) {
	svc, _ := newService(t)
	// 4 active devices → quorum 2.
	rootID, ids := seedIdentity(t, svc, anchor.KindPhoneSE, anchor.KindExternalSE, anchor.KindPlatformChip, anchor.KindSoftware)

	// Exactly quorum−1 valid authorizers must fail.
	err := svc.RemoveDevice(ctx, rootID, ids[3], "upgrade", []string{ids[0]})
	if !errors.Is(err, binding.ErrQuorumNotMet) {
		t.Fatalf("quorum-1 authorizers: got %v, want ErrQuorumNotMet", err)
	}

	// The target itself and duplicates never count.
	err = svc.RemoveDevice(ctx, rootID, ids[3], "upgrade", []string{ids[3], ids[0], ids[0]})
	if !errors.Is(err, binding.ErrQuorumNotMet) {
		t.Fatalf("self+duplicate authorizers: got %v, want ErrQuorumNotMet", err)
	}

	// Exactly quorum distinct remaining devices succeeds.
	if err := svc.RemoveDevice(ctx, rootID, ids[3], "upgrade", []string{ids[0], ids[1]}); err != nil {
		t.Fatal(err)
	}

	snap, _ := svc.GetConstellation(rootID)
	var removed *constellation.DeviceSnapshot
	for i := range snap.Devices {
		if snap.Devices[i].ID == ids[3] {
			removed = &snap.Devices[i]
		}
	}
	if removed == nil || removed.Status != constellation.StatusRevoked {
		t.Fatal("target not revoked")
	}
	if removed.RevocationReason != "upgrade" {
		t.Errorf("revocation reason: got %q", removed.RevocationReason)
	}
	if len(snap.Devices) != 4 {
		t.Errorf("removal must revoke, not delete: %d records", len(snap.Devices))
	}
}

func TestRemoveDevice_lastDeviceCannotBeRemoved(t *testing.T) {
	svc, _ := newService(t)
	rootID, ids := seedIdentity(t, svc, anchor.KindPhoneSE)

	// No remaining device can authorize; the sole device cannot self-authorize.
	err := svc.RemoveDevice(ctx, rootID, ids[0], "lost", []string{ids[0]})
	if !errors.Is(err, binding.ErrQuorumNotMet) {
		t.Errorf("got %v, want ErrQuorumNotMet", err)
	}
}

func TestRemoveDevice_alreadyRevoked(t *testing.T) {
	svc, _ := newService(t)
	rootID, ids := seedIdentity(t, svc, anchor.KindPhoneSE, anchor.KindExternalSE, anchor.KindPlatformChip)

	if err := svc.RemoveDevice(ctx, rootID, ids[2], "lost", []string{ids[0], ids[1]}); err != nil {
		t.Fatal(err)
	}
	err := svc.RemoveDevice(ctx, rootID, ids[2], "lost", []string{ids[0], ids[1]})
	if !errors.Is(err, binding.ErrDeviceNotActive) {
		t.Errorf("got %v, want ErrDeviceNotActive", err)
	}
}

// ── Recovery ──────────────────────────────────────────────────────────────

func TestRecoverIdentity(t *testing.T) {
	svc, log := newService(t)
	rootID, ids := seedIdentity(t, svc, anchor.KindPhoneSE, anchor.KindExternalSE, anchor.KindPlatformChip)

	// Lose the chip.
	if err := svc.RemoveDevice(ctx, rootID, ids[2], "lost", []string{ids[0], ids[1]}); err != nil {
		t.Fatal(err)
	}

	dev, err := svc.RecoverIdentity(ctx, rootID, []string{ids[0], ids[1]}, anchor.KindPlatformChip, "linux-new")
	if err != nil {
		t.Fatal(err)
	}

	// The replacement is cross-witnessed with every recovery device.
	if len(dev.Witnesses) != 2 {
		t.Fatalf("recovered device witnesses: got %d, want 2", len(dev.Witnesses))
	}

	snap, _ := svc.GetConstellation(rootID)
	active := 0
	for _, d := range snap.Devices {
		if d.Status == constellation.StatusActive {
			active++
		}
	}
	if active != 3 {
		t.Errorf("active devices after recovery: got %d, want 3", active)
	}

	// The audit trail ends with a recovery event naming the quorum.
	n, _ := log.Len(ctx)
	last, err := log.Get(ctx, n-1)
	if err != nil {
		t.Fatal(err)
	}
	if last.Kind != audit.KindRecovery {
		t.Errorf("last audit kind: got %s, want recovery", last.Kind)
	}
	if len(last.WitnessIDs) != 2 {
		t.Errorf("recovery witness ids: got %v", last.WitnessIDs)
	}
}

func TestRecoverIdentity_quorumNotMet(t *testing.T) {
	svc, _ := newService(t)
	rootID, ids := seedIdentity(t, svc, anchor.KindPhoneSE, anchor.KindExternalSE, anchor.KindPlatformChip)

	_, err := svc.RecoverIdentity(ctx, rootID, []string{ids[0]}, anchor.KindSoftware, "")
	if !errors.Is(err, binding.ErrQuorumNotMet) {
		t.Errorf("got %v, want ErrQuorumNotMet", err)
	}
}

func TestRecoverIdentity_softwareOnlyQuorumBlocked(t *testing.T) {
	svc, _ := newService(t)
	// Hardware genesis plus two software devices, then lose the hardware.
	rootID, ids := seedIdentity(t, svc, anchor.KindPlatformChip, anchor.KindSoftware, anchor.KindSoftware)
	if err := svc.RemoveDevice(ctx, rootID, ids[0], "lost", []string{ids[1], ids[2]}); err != nil {
		t.Fatal(err)
	}

	// The software pair meets the quorum but must still be rejected,
	// regardless of size.
	_, err := svc.RecoverIdentity(ctx, rootID, []string{ids[1], ids[2]}, anchor.KindPhoneSE, "ios")
	if !errors.Is(err, binding.ErrHardwareRequired) {
		t.Errorf("got %v, want ErrHardwareRequired", err)
	}
}

// ── Trust queries ─────────────────────────────────────────────────────────

func TestGetTrust_timeIsExplicit(t *testing.T) {
	svc, _ := newService(t)
	rootID, _ := seedIdentity(t, svc, anchor.KindPhoneSE, anchor.KindExternalSE)

	fresh, err := svc.GetTrust(rootID, t0)
	if err != nil {
		t.Fatal(err)
	}
	stale, err := svc.GetTrust(rootID, t0.Add(30*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if stale >= fresh {
		t.Errorf("trust should decay: fresh=%v stale=%v", fresh, stale)
	}
}

func TestRemoveDevice_trustAndQuorumRecomputed(t *testing.T) {
	svc, _ := newService(t)
	rootID, ids := seedIdentity(t, svc, anchor.KindPhoneSE, anchor.KindExternalSE, anchor.KindPlatformChip)

	before, _ := svc.GetConstellation(rootID)
	if err := svc.RemoveDevice(ctx, rootID, ids[2], "lost", []string{ids[0], ids[1]}); err != nil {
		t.Fatal(err)
	}
	after, _ := svc.GetConstellation(rootID)

	if after.RecoveryQuorum != 2 {
		t.Errorf("quorum after removal: got %d, want 2", after.RecoveryQuorum)
	}
	if after.Trust > before.Trust {
		t.Errorf("trust rose after losing an anchor kind: %v -> %v", before.Trust, after.Trust)
	}
}
