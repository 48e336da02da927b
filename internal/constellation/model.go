// Package constellation holds the data model for a multi-anchor identity:
// the devices enrolled under one root identity, their cross-witness history,
// and the derived quorum and cached trust values.
//
// The model is deliberately passive. All state transitions are driven by the
// binding service, which owns the locking and atomicity rules; nothing here
// is safe for unsynchronized concurrent mutation.
package constellation

import (
	"math"
	"strings"
	"time"

	"github.com/anchorid/constellation/internal/anchor"
	"github.com/google/uuid"
)

// DeviceStatus is the lifecycle state of an enrolled device.
type DeviceStatus string

const (
	StatusActive  DeviceStatus = "active"
	StatusRevoked DeviceStatus = "revoked"
)

// CrossWitnessRecord tracks the mutual attestation history with one peer
// device. Records are symmetric: after a successful witnessing round both
// parties hold matching entries for each other.
type CrossWitnessRecord struct {
	PeerDeviceID string    `json:"peer_device_id"`
	Count        int       `json:"count"`
	LastWitness  time.Time `json:"last_witness"`
	ProofLocal   []byte    `json:"proof_local,omitempty"`
	ProofPeer    []byte    `json:"proof_peer,omitempty"`
}

// DeviceRecord is one enrolled anchor. Records are never deleted; removal
// revokes them in place so the enrollment history stays auditable.
type DeviceRecord struct {
	ID               string                         `json:"id"`
	Kind             anchor.Kind                    `json:"anchor_kind"`
	Platform         string                         `json:"platform"`
	RootID           string                         `json:"root_id"`
	EnrolledAt       time.Time                      `json:"enrolled_at"`
	LastWitnessed    time.Time                      `json:"last_witnessed"`
	Status           DeviceStatus                   `json:"status"`
	RevocationReason string                         `json:"revocation_reason,omitempty"`
	Witnesses        map[string]*CrossWitnessRecord `json:"witnesses"`
}

// NewDeviceRecord creates an active device bound to rootID, enrolled at now.
func NewDeviceRecord(kind anchor.Kind, platform, rootID string, now time.Time) *DeviceRecord {
	return &DeviceRecord{
		ID:            NewDeviceID(kind),
		Kind:          kind,
		Platform:      platform,
		RootID:        rootID,
		EnrolledAt:    now,
		LastWitnessed: now,
		Status:        StatusActive,
		Witnesses:     make(map[string]*CrossWitnessRecord),
	}
}

// Active reports whether the device may participate in protocol operations.
func (d *DeviceRecord) Active() bool {
	return d.Status == StatusActive
}

// RecordWitness upserts the witness entry for peerID with the proofs from
// the latest round and bumps LastWitnessed.
func (d *DeviceRecord) RecordWitness(peerID string, proofLocal, proofPeer []byte, now time.Time) {
	rec, ok := d.Witnesses[peerID]
	if !ok {
		rec = &CrossWitnessRecord{PeerDeviceID: peerID}
		d.Witnesses[peerID] = rec
	}
	rec.Count++
	rec.LastWitness = now
	rec.ProofLocal = proofLocal
	rec.ProofPeer = proofPeer
	d.LastWitnessed = now
}

// RecentWitnessCount counts witness entries refreshed within window of now.
func (d *DeviceRecord) RecentWitnessCount(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	for _, w := range d.Witnesses {
		if w.LastWitness.After(cutoff) {
			n++
		}
	}
	return n
}

// Constellation is every device ever enrolled under one root identity,
// active and revoked, plus the derived recovery quorum and cached trust.
type Constellation struct {
	Devices          []*DeviceRecord `json:"devices"`
	RecoveryQuorum   int             `json:"recovery_quorum"`
	CachedTrust      float64         `json:"cached_trust"`
	LastCrossWitness time.Time       `json:"last_cross_witness"`
}

// Device returns the record with the given id, or nil.
func (c *Constellation) Device(id string) *DeviceRecord {
	for _, d := range c.Devices {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// ActiveDevices returns the currently active device records.
func (c *Constellation) ActiveDevices() []*DeviceRecord {
	out := make([]*DeviceRecord, 0, len(c.Devices))
	for _, d := range c.Devices {
		if d.Active() {
			out = append(out, d)
		}
	}
	return out
}

// ActiveKinds returns the anchor kinds spanned by the active devices,
// deduplicated, in enrollment order.
func (c *Constellation) ActiveKinds() []anchor.Kind {
	seen := make(map[anchor.Kind]bool)
	var kinds []anchor.Kind
	for _, d := range c.Devices {
		if d.Active() && !seen[d.Kind] {
			seen[d.Kind] = true
			kinds = append(kinds, d.Kind)
		}
	}
	return kinds
}

// RecomputeQuorum rederives the recovery quorum from the active device
// count: 1 for a single active device, otherwise max(2, ceil(active/2)).
// The quorum is always recomputed, never set directly.
func (c *Constellation) RecomputeQuorum() {
	n := len(c.ActiveDevices())
	switch {
	case n <= 1:
		c.RecoveryQuorum = 1
	default:
		c.RecoveryQuorum = int(math.Max(2, math.Ceil(float64(n)/2)))
	}
}

// BindingState is the monotonic lifecycle state of an identity binding.
type BindingState string

const (
	StateSingleDevice BindingState = "single_device"
	StateMultiDevice  BindingState = "multi_device"
)

// RootIdentity is one logical identity and its constellation, with cached
// summary fields for external consumers.
type RootIdentity struct {
	ID            string         `json:"id"`
	Constellation *Constellation `json:"constellation"`
	State         BindingState   `json:"state"`
	CreatedAt     time.Time      `json:"created_at"`

	// HardwareBindingStrength is the mean base weight of the active anchors.
	// Coherence is the most recent witness density. Both are refreshed on
	// every trust recompute.
	HardwareBindingStrength float64 `json:"hardware_binding_strength"`
	Coherence               float64 `json:"coherence"`
}

// NewRootIdentity creates an identity with an empty constellation in the
// single-device state. The genesis device is added by the binding service.
func NewRootIdentity(id string, now time.Time) *RootIdentity {
	return &RootIdentity{
		ID:            id,
		Constellation: &Constellation{RecoveryQuorum: 1},
		State:         StateSingleDevice,
		CreatedAt:     now,
	}
}

// NewRootID mints a root identity id.
func NewRootID() string {
	return "anchor:root:" + shortUUID()
}

// NewDeviceID mints a device id carrying its anchor kind for readability.
func NewDeviceID(kind anchor.Kind) string {
	return "anchor:device:" + string(kind) + ":" + shortUUID()
}

func shortUUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
