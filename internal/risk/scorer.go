package risk

import "math"

// WeightedSum computes the raw score as a linear combination of features
// and weights. Contributions are returned in sorted feature-name order,
// which is the tie-break order used by TopReasonCodes.
func WeightedSum(fs FeatureSet, w *WeightConfig) (float64, []Contribution) {
	if w == nil {
		return 0, nil
	}
	contributions := make([]Contribution, 0, len(w.names))
	var raw float64
	for _, name := range w.names {
		c := fs.Value(name) * w.weights[name]
		raw += c
		contributions = append(contributions, Contribution{Feature: name, Value: c})
	}
	return raw, contributions
}

// Calibrate maps a raw score onto [0, 100]. The bound comes from the
// weight config: raw is divided by max(1, sum(|w|)/2), clamped to [-1, 1]
// and rescaled, so a raw score of 0 lands on 50. Halves round to the
// nearest even integer.
func Calibrate(raw float64, w *WeightConfig) int {
	bound := 1.0
	if w != nil {
		bound = w.maxAbs
	}
	q := raw / bound
	if math.IsNaN(q) {
		return 50
	}
	normalized := clamp(q, -1, 1)
	return int(math.RoundToEven((normalized + 1) * 50))
}
