package constellation

import "time"

// Snapshot types are deep, read-only copies handed to external consumers.
// They omit raw proof bytes; only witness counts and timestamps are exposed.

// WitnessSnapshot summarizes one cross-witness relationship.
type WitnessSnapshot struct {
	PeerDeviceID string    `json:"peer_device_id"`
	Count        int       `json:"count"`
	LastWitness  time.Time `json:"last_witness"`
}

// DeviceSnapshot is a read-only copy of one device record.
type DeviceSnapshot struct {
	ID               string            `json:"id"`
	Kind             string            `json:"anchor_kind"`
	Platform         string            `json:"platform"`
	EnrolledAt       time.Time         `json:"enrolled_at"`
	LastWitnessed    time.Time         `json:"last_witnessed"`
	Status           DeviceStatus      `json:"status"`
	RevocationReason string            `json:"revocation_reason,omitempty"`
	Witnesses        []WitnessSnapshot `json:"witnesses"`
}

// IdentitySnapshot is a read-only copy of a root identity and its
// constellation.
type IdentitySnapshot struct {
	RootID                  string           `json:"root_id"`
	State                   BindingState     `json:"state"`
	CreatedAt               time.Time        `json:"created_at"`
	RecoveryQuorum          int              `json:"recovery_quorum"`
	Trust                   float64          `json:"trust"`
	HardwareBindingStrength float64          `json:"hardware_binding_strength"`
	Coherence               float64          `json:"coherence"`
	Devices                 []DeviceSnapshot `json:"devices"`
}

// Snapshot produces a deep copy of the identity safe to hand out without
// holding the identity lock afterwards.
func (r *RootIdentity) Snapshot() *IdentitySnapshot {
	snap := &IdentitySnapshot{
		RootID:                  r.ID,
		State:                   r.State,
		CreatedAt:               r.CreatedAt,
		RecoveryQuorum:          r.Constellation.RecoveryQuorum,
		Trust:                   r.Constellation.CachedTrust,
		HardwareBindingStrength: r.HardwareBindingStrength,
		Coherence:               r.Coherence,
	}
	for _, d := range r.Constellation.Devices {
		ds := DeviceSnapshot{
			ID:               d.ID,
			Kind:             string(d.Kind),
			Platform:         d.Platform,
			EnrolledAt:       d.EnrolledAt,
			LastWitnessed:    d.LastWitnessed,
			Status:           d.Status,
			RevocationReason: d.RevocationReason,
		}
		for _, w := range d.Witnesses {
			ds.Witnesses = append(ds.Witnesses, WitnessSnapshot{
				PeerDeviceID: w.PeerDeviceID,
				Count:        w.Count,
				LastWitness:  w.LastWitness,
			})
		}
		snap.Devices = append(snap.Devices, ds)
	}
	return snap
}
