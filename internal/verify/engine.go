package verify

import "math"

// Reason codes recorded on an Outcome for audit and notification routing.
const (
	ReasonLowConfidence = "low_confidence"
	ReasonNoSignature   = "no_signature"
	ReasonNoCapture     = "no_capture"
)

// Outcome is the result of comparing a captured signature against the stored one.
type Outcome struct {
	Verified   bool    `json:"verified"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// Engine decides whether two biometric signatures belong to the same student.
type Engine struct {
	threshold float64
}

// NewEngine creates an engine with the given similarity threshold.
func NewEngine(threshold float64) *Engine {
	if threshold <= 0 {
		threshold = 0.6
	}
	return &Engine{threshold: threshold}
}

// Compare scores a captured signature against the stored one.
// A missing signature on either side never blocks boarding: the outcome is
// verified with zero confidence and the reason recorded for audit.
func (e *Engine) Compare(stored, captured []float64) Outcome {
	if len(stored) == 0 {
		return Outcome{Verified: true, Confidence: 0, Reason: ReasonNoSignature}
	}
	if len(captured) == 0 {
		return Outcome{Verified: true, Confidence: 0, Reason: ReasonNoCapture}
	}
	return e.decide(Cosine(stored, captured))
}

func (e *Engine) decide(score float64) Outcome {
	out := Outcome{Verified: score >= e.threshold, Confidence: score}
	if !out.Verified {
		out.Reason = ReasonLowConfidence
	}
	return out
}

// Cosine returns the cosine similarity of two vectors clamped to [0,1].
// Mismatched lengths and zero-norm vectors score 0.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	score := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
