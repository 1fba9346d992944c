package verify

import (
	"math"
	"testing"
)

// unit vectors at a known angle give an exact cosine score: [1,0] vs [x, sqrt(1-x^2)].
func vecWithCosine(x float64) []float64 {
	return []float64{x, math.Sqrt(1 - x*x)}
}

func TestCompare_ThresholdBoundary(t *testing.T) {
	e := NewEngine(0.6)
	ref := []float64{1, 0}

	out := e.Compare(ref, vecWithCosine(0.6))
	if !out.Verified {
		t.Errorf("score exactly at threshold must verify, got %+v", out)
	}
	if math.Abs(out.Confidence-0.6) > 1e-9 {
		t.Errorf("confidence = %v, want 0.6", out.Confidence)
	}

	out = e.Compare(ref, vecWithCosine(0.5999))
	if out.Verified {
		t.Errorf("score below threshold must not verify, got %+v", out)
	}
	if out.Reason != ReasonLowConfidence {
		t.Errorf("reason = %q, want %q", out.Reason, ReasonLowConfidence)
	}
}

func TestCompare_PermissiveWhenMissing(t *testing.T) {
	e := NewEngine(0.6)

	out := e.Compare(nil, []float64{1, 0})
	if !out.Verified || out.Reason != ReasonNoSignature {
		t.Errorf("missing stored signature: got %+v, want verified with %q", out, ReasonNoSignature)
	}
	if out.Confidence != 0 {
		t.Errorf("sentinel confidence = %v, want 0", out.Confidence)
	}

	out = e.Compare([]float64{1, 0}, nil)
	if !out.Verified || out.Reason != ReasonNoCapture {
		t.Errorf("missing capture: got %+v, want verified with %q", out, ReasonNoCapture)
	}

	out = e.Compare(nil, nil)
	if !out.Verified {
		t.Errorf("no signatures at all must still verify, got %+v", out)
	}
}

func TestCosine(t *testing.T) {
	cases := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 2, 3}, []float64{1, 2, 3}, 1},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"opposite clamped to zero", []float64{1, 0}, []float64{-1, 0}, 0},
		{"length mismatch", []float64{1, 0}, []float64{1}, 0},
		{"zero norm", []float64{0, 0}, []float64{1, 0}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Cosine(tc.a, tc.b); math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("Cosine(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
			}
		})
	}
}
