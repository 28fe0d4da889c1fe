package canonical

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

func TestMarshalGolden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	v, err := FromGo(map[string]any{
		"zeta":  "last",
		"alpha": 1,
		"list":  []any{1, "x", true, nil},
		"ratio": 1.5,
		"flag":  false,
	})
	if err != nil {
		t.Fatalf("FromGo failed: %v", err)
	}

	data, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	g.Assert(t, "sample_map", data)
}

func TestHashStableUnderKeyReordering(t *testing.T) {
	// Same logical content assembled in two different insertion orders.
	a := map[string]any{}
	a["alpha"] = 1
	a["beta"] = 2
	a["gamma"] = []any{"x", "y"}

	b := map[string]any{}
	b["gamma"] = []any{"x", "y"}
	b["beta"] = 2
	b["alpha"] = 1

	ha, err := Hash(a)
	if err != nil {
		t.Fatalf("Hash(a) failed: %v", err)
	}
	hb, err := Hash(b)
	if err != nil {
		t.Fatalf("Hash(b) failed: %v", err)
	}

	if ha != hb {
		t.Errorf("hashes differ for logically equal maps:\n  a=%s\n  b=%s", ha, hb)
	}
	t.Logf("✓ map key ordering does not affect hash (%s)", ha[:16])
}

func TestNumericEquivalence(t *testing.T) {
	tests := []struct {
		name string
		a, b any
	}{
		{"int vs float64", map[string]any{"x": 1}, map[string]any{"x": 1.0}},
		{"int64 vs int", map[string]any{"x": int64(42)}, map[string]any{"x": 42}},
		{"negative zero vs zero", map[string]any{"x": math.Copysign(0, -1)}, map[string]any{"x": 0}},
		{"json.Number vs int", map[string]any{"x": json.Number("7")}, map[string]any{"x": 7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ha, err := Hash(tt.a)
			if err != nil {
				t.Fatalf("Hash(a) failed: %v", err)
			}
			hb, err := Hash(tt.b)
			if err != nil {
				t.Fatalf("Hash(b) failed: %v", err)
			}
			if ha != hb {
				t.Errorf("expected equal hashes, got %s vs %s", ha, hb)
			}
		})
	}
}

func TestUnicodeNormalization(t *testing.T) {
	// "é" precomposed (U+00E9) vs decomposed (U+0065 U+0301).
	precomposed := "café"
	decomposed := "café"

	ha, err := Hash(map[string]any{"name": precomposed})
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	hb, err := Hash(map[string]any{"name": decomposed})
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if ha != hb {
		t.Errorf("NFC normalization missing: %s vs %s", ha, hb)
	}

	// Keys normalize too.
	hc, err := Hash(map[string]any{precomposed: 1})
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	hd, err := Hash(map[string]any{decomposed: 1})
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if hc != hd {
		t.Errorf("NFC key normalization missing: %s vs %s", hc, hd)
	}
	t.Log("✓ precomposed and decomposed forms hash identically")
}

func TestMarshalEscaping(t *testing.T) {
	v, err := FromGo(map[string]any{"html": "<a href=\"x\">&\n"})
	if err != nil {
		t.Fatalf("FromGo failed: %v", err)
	}
	data, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	got := string(data)
	want := `{"html":"<a href=\"x\">&\n"}`
	if got != want {
		t.Errorf("unexpected canonical form:\n  got  %s\n  want %s", got, want)
	}
}

func TestFromGoUnsupportedType(t *testing.T) {
	_, err := FromGo(map[string]any{"outer": map[string]any{"ch": make(chan int)}})
	if err == nil {
		t.Fatal("expected error for channel value")
	}

	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *canonical.Error, got %T", err)
	}
	if cerr.Path != "outer.ch" {
		t.Errorf("expected path outer.ch, got %q", cerr.Path)
	}
	if !strings.Contains(cerr.Error(), "chan int") {
		t.Errorf("error should name the offending type: %v", cerr)
	}
}

func TestFromGoRejectsInexactIntegers(t *testing.T) {
	const maxExact = int64(1) << 53

	// The boundary itself is exactly representable and must still hash
	// identically to its float64 form.
	hi, err := Hash(map[string]any{"x": maxExact})
	if err != nil {
		t.Fatalf("Hash at 2^53 failed: %v", err)
	}
	hf, err := Hash(map[string]any{"x": float64(maxExact)})
	if err != nil {
		t.Fatalf("Hash of float64 2^53 failed: %v", err)
	}
	if hi != hf {
		t.Errorf("2^53 int and float forms diverged: %s vs %s", hi, hf)
	}

	rejected := []struct {
		name string
		v    any
	}{
		{"int64 above range", maxExact + 1},
		{"int64 below range", -maxExact - 1},
		{"uint64 above range", uint64(maxExact) + 1},
		{"json.Number above range", json.Number("9007199254740993")},
	}
	for _, tt := range rejected {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromGo(map[string]any{"x": tt.v})
			var cerr *Error
			if !errors.As(err, &cerr) {
				t.Fatalf("expected *canonical.Error, got %v", err)
			}
			if cerr.Path != "x" {
				t.Errorf("expected path x, got %q", cerr.Path)
			}
		})
	}
	t.Log("✓ Integers the float64 backing cannot hold exactly are refused, never rounded")
}

func TestMarshalRejectsNonFinite(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if _, err := Marshal(Number(f)); err == nil {
			t.Errorf("expected error for %v", f)
		}
	}
}

func TestToGoRoundTrip(t *testing.T) {
	in := map[string]any{
		"s":    "hello",
		"n":    2.5,
		"b":    true,
		"null": nil,
		"list": []any{1.0, "two"},
		"nested": map[string]any{
			"k": 9.0,
		},
	}

	v, err := FromGo(in)
	if err != nil {
		t.Fatalf("FromGo failed: %v", err)
	}

	h1, err := Hash(in)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	h2, err := Hash(ToGo(v))
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("round trip changed hash: %s vs %s", h1, h2)
	}
}
