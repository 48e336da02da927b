// Package trust computes the constellation trust score: per-device anchor
// weight decayed by witness freshness, averaged by weight share, uplifted by
// anchor-kind coherence and cross-witness density, then clamped to the
// ceiling for the active anchor-kind set.
//
// Everything here is pure. Current time is always an explicit parameter so
// freshness decay is deterministic under test, and nothing is mutated; the
// binding service owns caching the result on the constellation.
package trust

import (
	"time"

	"github.com/anchorid/constellation/internal/anchor"
	"github.com/anchorid/constellation/internal/constellation"
)

// WitnessWindow is how long a cross-witness event counts as recent, both
// for the freshness decay curve and for density accounting.
const WitnessWindow = 7 * 24 * time.Hour

// Freshness scores how recently a device was witnessed, in [0.3, 1.0]:
// 1.0 within the last hour, 0.95 within a day, linear decay to 0.5 across
// the witness window, floor 0.3 beyond it.
func Freshness(lastWitnessed, now time.Time) float64 {
	elapsed := now.Sub(lastWitnessed)
	switch {
	case elapsed < time.Hour:
		return 1.0
	case elapsed < 24*time.Hour:
		return 0.95
	case elapsed < WitnessWindow:
		decayed := 1.0 - elapsed.Seconds()/(2*WitnessWindow.Seconds())
		if decayed < 0.5 {
			return 0.5
		}
		return decayed
	default:
		return 0.3
	}
}

// CoherenceBonus rewards diversity of anchor kinds, not raw device count:
// one kind earns nothing, two 0.08, three 0.15, four or more 0.20.
func CoherenceBonus(devices []*constellation.DeviceRecord) float64 {
	kinds := make(map[anchor.Kind]bool, len(devices))
	for _, d := range devices {
		kinds[d.Kind] = true
	}
	switch n := len(kinds); {
	case n <= 1:
		return 0
	case n == 2:
		return 0.08
	case n == 3:
		return 0.15
	default:
		return 0.20
	}
}

// WitnessDensity is the ratio of recent bilateral witnessing pairs to all
// possible pairs among the given devices, capped at 1.0. Fewer than two
// devices cannot witness each other, so density is 0.
func WitnessDensity(devices []*constellation.DeviceRecord, now time.Time) float64 {
	n := len(devices)
	if n < 2 {
		return 0
	}
	possible := float64(n*(n-1)) / 2
	recent := 0
	for _, d := range devices {
		recent += d.RecentWitnessCount(now, WitnessWindow)
	}
	density := float64(recent) / 2 / possible
	if density > 1 {
		return 1
	}
	return density
}

// Breakdown carries the named intermediate values of one trust computation.
type Breakdown struct {
	// Base is the freshness-decayed weighted average of anchor weights.
	Base float64
	// Coherence and Density are the uplift inputs.
	Coherence float64
	Density   float64
	// Ceiling is the bound for the active kind set; CeilingDerived is true
	// when the set fell outside the explicit table and used the fallback
	// rule, which callers should surface for review.
	Ceiling        float64
	CeilingDerived bool
	// Trust is the final clamped score.
	Trust float64
}

// Compute runs the full pipeline over the constellation's active devices at
// the given time. An empty active set yields zero trust; there are no error
// conditions.
func Compute(c *constellation.Constellation, now time.Time) Breakdown {
	active := c.ActiveDevices()
	if len(active) == 0 {
		return Breakdown{}
	}

	// Per-device composite, weighted by each anchor's share of total weight.
	totalWeight := 0.0
	for _, d := range active {
		totalWeight += anchor.Weight(d.Kind)
	}
	base := 0.0
	for _, d := range active {
		w := anchor.Weight(d.Kind)
		base += (w / totalWeight) * w * Freshness(d.LastWitnessed, now)
	}

	coherence := CoherenceBonus(active)
	density := WitnessDensity(active, now)

	raw := base * (1 + coherence) * (1 + 0.1*density)
	if raw > 1 {
		raw = 1
	}

	ceiling, derived := anchor.CeilingFor(c.ActiveKinds())
	score := raw
	if score > ceiling {
		score = ceiling
	}

	return Breakdown{
		Base:           base,
		Coherence:      coherence,
		Density:        density,
		Ceiling:        ceiling,
		CeilingDerived: derived,
		Trust:          score,
	}
}
