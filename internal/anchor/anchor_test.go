package anchor_test

import (
	"testing"

	"github.com/anchorid/constellation/internal/anchor"
)

func TestWeight_knownKinds(t *testing.T) {
	want := map[anchor.Kind]float64{
		anchor.KindPhoneSE:      0.95,
		anchor.KindExternalSE:   0.98,
		anchor.KindPlatformChip: 0.93,
		anchor.KindSoftware:     0.40,
	}
	for k, w := range want {
		if got := anchor.Weight(k); got != w {
			t.Errorf("Weight(%s): got %v, want %v", k, got, w)
		}
	}
}

func TestWeight_unknownKindPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Weight on unknown kind should panic")
		}
	}()
	anchor.Weight(anchor.Kind("smartcard"))
}

func TestParseKind(t *testing.T) {
	if _, err := anchor.ParseKind("phone_secure_element"); err != nil {
		t.Errorf("ParseKind valid kind: %v", err)
	}
	if _, err := anchor.ParseKind("smartcard"); err == nil {
		t.Error("ParseKind should reject unknown kinds")
	}
}

func TestCeilingFor_explicitTable(t *testing.T) {
	cases := []struct {
		name  string
		kinds []anchor.Kind
		want  float64
	}{
		{"software only", []anchor.Kind{anchor.KindSoftware}, 0.40},
		{"phone SE only", []anchor.Kind{anchor.KindPhoneSE}, 0.75},
		{"external SE only", []anchor.Kind{anchor.KindExternalSE}, 0.80},
		{"phone+external", []anchor.Kind{anchor.KindPhoneSE, anchor.KindExternalSE}, 0.90},
		{"phone+external+chip", []anchor.Kind{anchor.KindPhoneSE, anchor.KindExternalSE, anchor.KindPlatformChip}, 0.95},
	}
	for _, tc := range cases {
		c, derived := anchor.CeilingFor(tc.kinds)
		if c != tc.want {
			t.Errorf("%s: ceiling got %v, want %v", tc.name, c, tc.want)
		}
		if derived {
			t.Errorf("%s: explicit table entry reported as derived", tc.name)
		}
	}
}

func TestCeilingFor_orderAndDuplicatesIrrelevant(t *testing.T) {
	a, _ := anchor.CeilingFor([]anchor.Kind{anchor.KindExternalSE, anchor.KindPhoneSE})
	b, _ := anchor.CeilingFor([]anchor.Kind{anchor.KindPhoneSE, anchor.KindExternalSE, anchor.KindPhoneSE})
	if a != b || a != 0.90 {
		t.Errorf("canonicalization broken: got %v and %v, want 0.90", a, b)
	}
}

func TestCeilingFor_derivedSoftwareMix(t *testing.T) {
	// Software mixed with one hardware kind is outside the explicit table
	// and must use the software-mix rule, not any hardware entry.
	c, derived := anchor.CeilingFor([]anchor.Kind{anchor.KindSoftware, anchor.KindPhoneSE})
	if !derived {
		t.Error("software+phone should use the derived fallback")
	}
	if want := 0.40 + 0.30; c != want {
		t.Errorf("software+phone ceiling: got %v, want %v", c, want)
	}

	// Two hardware kinds plus software: software rule still wins.
	c, derived = anchor.CeilingFor([]anchor.Kind{anchor.KindSoftware, anchor.KindPhoneSE, anchor.KindExternalSE})
	if !derived {
		t.Error("software+phone+external should use the derived fallback")
	}
	if want := 0.40 + 0.60; c != want {
		t.Errorf("software+phone+external ceiling: got %v, want %v", c, want)
	}
}

func TestCeilingFor_derivedHardwarePair(t *testing.T) {
	c, derived := anchor.CeilingFor([]anchor.Kind{anchor.KindPhoneSE, anchor.KindPlatformChip})
	if !derived {
		t.Error("phone+chip should use the derived fallback")
	}
	if want := 0.85 + 0.10; c != want {
		t.Errorf("phone+chip ceiling: got %v, want %v", c, want)
	}
}

func TestCeilingFor_emptySet(t *testing.T) {
	c, derived := anchor.CeilingFor(nil)
	if c != 0 || derived {
		t.Errorf("empty set: got (%v, %v), want (0, false)", c, derived)
	}
}
