// Package audit implements the append-only sink for identity lifecycle
// events: enrollment, cross-witnessing, removal, and recovery.
//
// Entries form a hash chain anchored at a well-known constant, so any
// tampering with the recorded history is detectable via Verify. Two
// implementations are provided:
//   - MemoryLog: in-process, for testing and single-process deployments.
//   - PostgresLog: durable, for production use.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Event kinds recorded by the binding protocols.
const (
	KindGenesis      = "genesis"
	KindEnrollment   = "enrollment"
	KindCrossWitness = "cross_witness"
	KindRemoval      = "removal"
	KindRecovery     = "recovery"
)

// Event is one lifecycle occurrence reported by the binding service.
// Detail carries event-specific fields (anchor kind, proof fingerprints);
// raw signatures must never be placed in it.
type Event struct {
	Kind       string            `json:"kind"`
	RootID     string            `json:"root_id"`
	DeviceID   string            `json:"device_id"`
	WitnessIDs []string          `json:"witness_ids,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
}

// Entry is a recorded event with its chain position and hashes.
type Entry struct {
	Index      int       `json:"index"`
	Timestamp  time.Time `json:"timestamp"`
	Kind       string    `json:"kind"`
	RootID     string    `json:"root_id"`
	DeviceID   string    `json:"device_id"`
	WitnessIDs []string  `json:"witness_ids,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	DataHash   string    `json:"data_hash"` // SHA-256 of the event detail
	PrevHash   string    `json:"prev_hash"`
	Hash       string    `json:"hash"`
}

// ChainAnchor is the well-known hash of the chain's seed entry (index 0).
// All entry hashes chain from this constant rather than a computed value.
const ChainAnchor = "0000000000000000000000000000000000000000000000000000000000000000"

// Sink receives lifecycle events. The binding service treats recording as
// fire-and-forget: failures are logged, never propagated into protocol
// results.
type Sink interface {
	Record(ctx context.Context, ev Event) (*Entry, error)
}

// Log is a readable, verifiable audit sink.
type Log interface {
	Sink

	// Get returns the entry at the given zero-based index.
	Get(ctx context.Context, index int) (*Entry, error)

	// Len returns the total number of entries, seed entry included.
	Len(ctx context.Context) (int, error)

	// Verify walks the chain and checks hash consistency.
	Verify(ctx context.Context) error

	// Root returns the hash of the most recent entry.
	Root(ctx context.Context) (string, error)
}

// hashEntry computes a deterministic SHA-256 over an entry's fields. Never
// called on the seed entry (index 0).
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s|%s|%s",
		e.Index, e.Timestamp.Format(time.RFC3339Nano),
		e.Kind, e.RootID, e.DeviceID, strings.Join(e.WitnessIDs, ","),
		e.Reason, e.DataHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// sha256Sum returns the hex-encoded SHA-256 digest of data.
func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
