package risk

import (
	"math"
	"sort"
)

// TopReasonCodes returns up to topK non-zero contributions ordered by
// absolute magnitude, largest first. Equal magnitudes keep their input
// order.
func TopReasonCodes(contributions []Contribution, topK int) []ReasonCode {
	if topK <= 0 {
		return []ReasonCode{}
	}

	ranked := make([]Contribution, 0, len(contributions))
	for _, c := range contributions {
		if c.Value != 0 {
			ranked = append(ranked, c)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return math.Abs(ranked[i].Value) > math.Abs(ranked[j].Value)
	})
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	out := make([]ReasonCode, len(ranked))
	for i, c := range ranked {
		out[i] = ReasonCode{Code: c.Feature, Contribution: c.Value}
	}
	return out
}

// hardRuleReason builds the synthetic reason code for a fired rule. Its
// contribution is HardRuleSentinel unless a weighted contribution is at
// least as large in magnitude.
func hardRuleReason(code string, contributions []Contribution) ReasonCode {
	sentinel := HardRuleSentinel
	for _, c := range contributions {
		if m := math.Abs(c.Value); m >= math.Abs(sentinel) {
			sentinel = -(m + 1)
		}
	}
	return ReasonCode{Code: code, Contribution: sentinel}
}

// Explanation exposes the intermediate values of one evaluation for
// operators tuning weights. It is never part of a ScoreResult.
type Explanation struct {
	Features      map[string]float64 `json:"features"`
	Contributions []Contribution     `json:"contributions"`
	RawScore      float64            `json:"raw_score"`
	Bound         float64            `json:"bound"`
	Result        ScoreResult        `json:"result"`
}

// Explain evaluates in like EvaluateWith and also returns the feature
// vector and every weighted contribution, including zero ones.
func (p *Pipeline) Explain(in ScoreInput, w *WeightConfig) Explanation {
	if w == nil {
		w = p.weights
	}
	features := Extract(in).WithDefaults(w)
	raw, contributions := WeightedSum(features, w)
	return Explanation{
		Features:      features.Map(),
		Contributions: contributions,
		RawScore:      raw,
		Bound:         w.MaxAbsWeight(),
		Result:        p.EvaluateWith(in, w),
	}
}
