package audit_test

import (
	"context"
	"testing"

	"github.com/anchorid/constellation/internal/audit"
)

var ctx = context.Background()

func TestNewMemoryLog_seedEntry(t *testing.T) {
	l := audit.NewMemoryLog()

	n, err := l.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 seed entry, got %d", n)
	}

	entry, err := l.Get(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Hash != audit.ChainAnchor {
		t.Errorf("seed hash: got %q, want ChainAnchor", entry.Hash)
	}
}

func TestRecord_chainsCorrectly(t *testing.T) {
	l := audit.NewMemoryLog()

	e1, err := l.Record(ctx, audit.Event{
		Kind:     audit.KindGenesis,
		RootID:   "anchor:root:abc",
		DeviceID: "anchor:device:phone_secure_element:d1",
		Detail:   map[string]string{"anchor_kind": "phone_secure_element"},
	})
	if err != nil {
		t.Fatal(err)
	}

	e2, err := l.Record(ctx, audit.Event{
		Kind:       audit.KindEnrollment,
		RootID:     "anchor:root:abc",
		DeviceID:   "anchor:device:external_secure_element:d2",
		WitnessIDs: []string{"anchor:device:phone_secure_element:d1"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if e1.PrevHash != audit.ChainAnchor {
		t.Errorf("first entry must chain from the anchor, got %q", e1.PrevHash)
	}
	if e2.PrevHash != e1.Hash {
		t.Errorf("chain broken: e2.PrevHash=%q, want e1.Hash=%q", e2.PrevHash, e1.Hash)
	}

	if err := l.Verify(ctx); err != nil {
		t.Errorf("Verify() failed on valid chain: %v", err)
	}

	root, err := l.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if root != e2.Hash {
		t.Errorf("Root(): got %q, want %q", root, e2.Hash)
	}
}

func TestRecord_witnessIDsInfluenceHash(t *testing.T) {
	l := audit.NewMemoryLog()
	e1, _ := l.Record(ctx, audit.Event{Kind: audit.KindRemoval, RootID: "r", DeviceID: "d", WitnessIDs: []string{"a", "b"}})
	l2 := audit.NewMemoryLog()
	e2, _ := l2.Record(ctx, audit.Event{Kind: audit.KindRemoval, RootID: "r", DeviceID: "d", WitnessIDs: []string{"a", "c"}})
	if e1.Hash == e2.Hash && e1.Timestamp.Equal(e2.Timestamp) {
		t.Error("entries with different witness sets should hash differently")
	}
}

func TestVerify_detectsTamper(t *testing.T) {
	l := audit.NewMemoryLog()
	_, _ = l.Record(ctx, audit.Event{Kind: audit.KindGenesis, RootID: "r", DeviceID: "d"})
	_, _ = l.Record(ctx, audit.Event{Kind: audit.KindRemoval, RootID: "r", DeviceID: "d", Reason: "lost"})

	entry, _ := l.Get(ctx, 1)
	entry.Reason = "stolen" // mutate a recorded field in place

	if err := l.Verify(ctx); err == nil {
		t.Error("Verify() should detect a tampered entry")
	}
}

func TestVerify_seedOnlyChain(t *testing.T) {
	l := audit.NewMemoryLog()
	if err := l.Verify(ctx); err != nil {
		t.Errorf("Verify() on seed-only chain should pass: %v", err)
	}
}
