package trust_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/anchorid/constellation/internal/anchor"
	"github.com/anchorid/constellation/internal/constellation"
	"github.com/anchorid/constellation/internal/trust"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func build(kinds ...anchor.Kind) *constellation.Constellation {
	c := &constellation.Constellation{RecoveryQuorum: 1}
	for _, k := range kinds {
		c.Devices = append(c.Devices, constellation.NewDeviceRecord(k, "test", "anchor:root:abc", now))
	}
	return c
}

// witnessMesh records a fresh witness round between every device pair.
func witnessMesh(c *constellation.Constellation) {
	active := c.ActiveDevices()
	for i, a := range active {
		for _, b := range active[i+1:] {
			a.RecordWitness(b.ID, []byte("pa"), []byte("pb"), now)
			b.RecordWitness(a.ID, []byte("pb"), []byte("pa"), now)
		}
	}
}

func TestFreshness_bands(t *testing.T) {
	cases := []struct {
		elapsed time.Duration
		want    float64
	}{
		{30 * time.Minute, 1.0},
		{2 * time.Hour, 0.95},
		{23 * time.Hour, 0.95},
		{7*24*time.Hour - time.Second, 0.5},
		{8 * 24 * time.Hour, 0.3},
	}
	for _, tc := range cases {
		got := trust.Freshness(now.Add(-tc.elapsed), now)
		if diff := got - tc.want; diff > 0.001 || diff < -0.001 {
			t.Errorf("Freshness(elapsed=%v): got %v, want %v", tc.elapsed, got, tc.want)
		}
	}
}

func TestFreshness_linearDecayBand(t *testing.T) {
	// Three days in: 1 - 3d/(2*7d) ≈ 0.7857.
	got := trust.Freshness(now.Add(-3*24*time.Hour), now)
	want := 1.0 - (3.0 / 14.0)
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Freshness at 3d: got %v, want %v", got, want)
	}
}

func TestCoherenceBonus_countsKindsNotDevices(t *testing.T) {
	c := build(anchor.KindPhoneSE, anchor.KindPhoneSE, anchor.KindPhoneSE)
	if got := trust.CoherenceBonus(c.ActiveDevices()); got != 0 {
		t.Errorf("three devices of one kind: bonus got %v, want 0", got)
	}

	cases := []struct {
		kinds []anchor.Kind
		want  float64
	}{
		{[]anchor.Kind{anchor.KindPhoneSE, anchor.KindExternalSE}, 0.08},
		{[]anchor.Kind{anchor.KindPhoneSE, anchor.KindExternalSE, anchor.KindPlatformChip}, 0.15},
		{[]anchor.Kind{anchor.KindPhoneSE, anchor.KindExternalSE, anchor.KindPlatformChip, anchor.KindSoftware}, 0.20},
	}
	for _, tc := range cases {
		c := build(tc.kinds...)
		if got := trust.CoherenceBonus(c.ActiveDevices()); got != tc.want {
			t.Errorf("%d kinds: bonus got %v, want %v", len(tc.kinds), got, tc.want)
		}
	}
}

func TestWitnessDensity(t *testing.T) {
	single := build(anchor.KindPhoneSE)
	if got := trust.WitnessDensity(single.ActiveDevices(), now); got != 0 {
		t.Errorf("density below 2 devices: got %v, want 0", got)
	}

	pair := build(anchor.KindPhoneSE, anchor.KindExternalSE)
	if got := trust.WitnessDensity(pair.ActiveDevices(), now); got != 0 {
		t.Errorf("unwitnessed pair: got %v, want 0", got)
	}
	witnessMesh(pair)
	if got := trust.WitnessDensity(pair.ActiveDevices(), now); got != 1.0 {
		t.Errorf("fully witnessed pair: got %v, want 1.0", got)
	}

	// Three devices, one witnessed pair out of three possible.
	trio := build(anchor.KindPhoneSE, anchor.KindExternalSE, anchor.KindPlatformChip)
	a, b := trio.Devices[0], trio.Devices[1]
	a.RecordWitness(b.ID, nil, nil, now)
	b.RecordWitness(a.ID, nil, nil, now)
	got := trust.WitnessDensity(trio.ActiveDevices(), now)
	if want := 1.0 / 3.0; got < want-0.001 || got > want+0.001 {
		t.Errorf("one of three pairs: got %v, want %v", got, want)
	}
}

func TestCompute_emptyActiveSet(t *testing.T) {
	c := build(anchor.KindPhoneSE)
	c.Devices[0].Status = constellation.StatusRevoked
	if bd := trust.Compute(c, now); bd.Trust != 0 {
		t.Errorf("empty active set: got %v, want 0", bd.Trust)
	}
}

// TestCompute_scenario walks a constellation from genesis to three anchors
// and checks the score at each step.
func TestCompute_scenario(t *testing.T) {
	// Genesis with a phone SE: fresh single device computes to the 0.75
	// ceiling for the {phone} configuration.
	c := build(anchor.KindPhoneSE)
	bd := trust.Compute(c, now)
	if bd.Trust != 0.75 {
		t.Errorf("single phone SE: got %v, want 0.75", bd.Trust)
	}
	single := bd.Trust

	// Add an external SE and fully cross-witness: two distinct kinds,
	// ceiling 0.90, density 1.0, strictly above the single-device value.
	c.Devices = append(c.Devices, constellation.NewDeviceRecord(anchor.KindExternalSE, "usb", "anchor:root:abc", now))
	witnessMesh(c)
	bd = trust.Compute(c, now)
	if bd.Coherence != 0.08 {
		t.Errorf("coherence: got %v, want 0.08", bd.Coherence)
	}
	if bd.Density != 1.0 {
		t.Errorf("density: got %v, want 1.0", bd.Density)
	}
	if bd.Trust != 0.90 {
		t.Errorf("phone+external fully witnessed: got %v, want ceiling 0.90", bd.Trust)
	}
	if bd.Trust <= single {
		t.Errorf("two-kind trust %v not above single-device %v", bd.Trust, single)
	}

	// A third, software-only device falls outside the explicit table and
	// must take the software-mix derived rule, not the 0.95 hardware entry.
	c.Devices = append(c.Devices, constellation.NewDeviceRecord(anchor.KindSoftware, "browser", "anchor:root:abc", now))
	bd = trust.Compute(c, now)
	if !bd.CeilingDerived {
		t.Error("phone+external+software should report a derived ceiling")
	}
	if want := 0.40 + 0.30*2; bd.Ceiling != want {
		t.Errorf("derived ceiling: got %v, want %v", bd.Ceiling, want)
	}
}

// TestCompute_ceilingInvariant fuzzes kind multisets and freshness values:
// the final score must never exceed the ceiling for the active kind set.
func TestCompute_ceilingInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(6)
		kinds := make([]anchor.Kind, n)
		for j := range kinds {
			kinds[j] = anchor.Kinds[rng.Intn(len(anchor.Kinds))]
		}
		c := build(kinds...)
		for _, d := range c.Devices {
			// Random staleness from fresh to two weeks.
			d.LastWitnessed = now.Add(-time.Duration(rng.Intn(14*24)) * time.Hour)
		}
		if rng.Intn(2) == 0 {
			witnessMesh(c)
		}

		bd := trust.Compute(c, now)
		ceiling, _ := anchor.CeilingFor(c.ActiveKinds())
		if bd.Trust > ceiling+1e-9 {
			t.Fatalf("iteration %d: trust %v exceeds ceiling %v for kinds %v", i, bd.Trust, ceiling, c.ActiveKinds())
		}
		if bd.Trust > 1.0+1e-9 || bd.Trust < 0 {
			t.Fatalf("iteration %d: trust %v out of [0,1]", i, bd.Trust)
		}
	}
}

// TestCompute_monotonicHardwareDiversity checks that adding a device of a
// new hardware anchor kind never decreases trust, freshness held constant.
func TestCompute_monotonicHardwareDiversity(t *testing.T) {
	hardware := []anchor.Kind{anchor.KindPhoneSE, anchor.KindExternalSE, anchor.KindPlatformChip}
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		perm := rng.Perm(len(hardware))
		c := build(hardware[perm[0]])
		prev := trust.Compute(c, now).Trust
		for _, idx := range perm[1:] {
			c.Devices = append(c.Devices, constellation.NewDeviceRecord(hardware[idx], "test", "anchor:root:abc", now))
			cur := trust.Compute(c, now).Trust
			if cur < prev-1e-9 {
				t.Fatalf("adding kind %s decreased trust %v -> %v", hardware[idx], prev, cur)
			}
			prev = cur
		}
	}
}
