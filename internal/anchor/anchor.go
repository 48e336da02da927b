// Package anchor defines the closed set of trust anchor kinds and the
// static tables derived from them: per-kind base weights and per-kind-set
// trust ceilings.
//
// The tables are process-wide constants. Looking up an unknown kind is a
// programming error and panics; callers validate kinds at the API boundary
// with ParseKind.
package anchor

import (
	"fmt"
	"sort"
	"strings"
)

// Kind identifies the root of trust backing one enrolled device.
type Kind string

const (
	// KindPhoneSE is a phone secure element (StrongBox, Secure Enclave).
	KindPhoneSE Kind = "phone_secure_element"
	// KindExternalSE is an external hardware authenticator (FIDO2 key).
	KindExternalSE Kind = "external_secure_element"
	// KindPlatformChip is a platform security chip (TPM 2.0, fTPM).
	KindPlatformChip Kind = "platform_security_chip"
	// KindSoftware is a software-only key with no hardware binding.
	KindSoftware Kind = "software"
)

// Kinds lists every valid anchor kind.
var Kinds = []Kind{KindPhoneSE, KindExternalSE, KindPlatformChip, KindSoftware}

// baseWeights maps each kind to its base trust weight.
var baseWeights = map[Kind]float64{
	KindPhoneSE:      0.95,
	KindExternalSE:   0.98,
	KindPlatformChip: 0.93,
	KindSoftware:     0.40,
}

// SoftwareTrustCap is the hard ceiling for a software-only constellation.
const SoftwareTrustCap = 0.40

// Weight returns the base trust weight for k. Panics on an unknown kind;
// kinds must be validated with ParseKind before they reach this table.
func Weight(k Kind) float64 {
	w, ok := baseWeights[k]
	if !ok {
		panic(fmt.Sprintf("anchor: unknown kind %q", k))
	}
	return w
}

// Hardware reports whether k is backed by a hardware root of trust.
func Hardware(k Kind) bool {
	return k != KindSoftware
}

// ParseKind validates a wire-format kind string.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := baseWeights[k]; !ok {
		return "", fmt.Errorf("unknown anchor kind %q", s)
	}
	return k, nil
}

// setKey builds a canonical (sorted, pipe-joined) key for a kind set.
func setKey(kinds []Kind) string {
	ss := make([]string, len(kinds))
	for i, k := range kinds {
		ss[i] = string(k)
	}
	sort.Strings(ss)
	return strings.Join(ss, "|")
}

// ceilings maps a canonical kind-set key to its explicit trust ceiling.
var ceilings = map[string]float64{
	setKey([]Kind{KindSoftware}):                                 0.40,
	setKey([]Kind{KindPhoneSE}):                                  0.75,
	setKey([]Kind{KindExternalSE}):                               0.80,
	setKey([]Kind{KindPhoneSE, KindExternalSE}):                  0.90,
	setKey([]Kind{KindPhoneSE, KindExternalSE, KindPlatformChip}): 0.95,
}

// CeilingFor returns the maximum trust value permitted for a constellation
// whose active devices span exactly the given kind set. Duplicate kinds in
// the slice are ignored; an empty set yields ceiling 0.
//
// Combinations outside the explicit table use a derived rule, applied in
// fixed order: three or more distinct hardware kinds with no software anchor
// cap at 0.98; any set mixing software with hardware caps at
// 0.40 + 0.30·(distinct−1); any remaining hardware pair caps at
// 0.85 + 0.05·distinct. derived is true when the fallback was used, so
// callers can surface those combinations for review.
func CeilingFor(kinds []Kind) (ceiling float64, derived bool) {
	distinct := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		if _, ok := baseWeights[k]; !ok {
			panic(fmt.Sprintf("anchor: unknown kind %q", k))
		}
		distinct[k] = true
	}
	if len(distinct) == 0 {
		return 0, false
	}

	uniq := make([]Kind, 0, len(distinct))
	for k := range distinct {
		uniq = append(uniq, k)
	}
	if c, ok := ceilings[setKey(uniq)]; ok {
		return c, false
	}

	n := len(distinct)
	switch {
	case n >= 3 && !distinct[KindSoftware]:
		return 0.98, true
	case distinct[KindSoftware]:
		return SoftwareTrustCap + 0.30*float64(n-1), true
	default:
		return 0.85 + 0.05*float64(n), true
	}
}
