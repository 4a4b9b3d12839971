// Package risk implements the session risk-scoring pipeline.
//
// A ScoreInput (device, behavior, geo and biometric signals) is normalised
// into a FeatureSet, checked against ordered hard rules, scored by a linear
// weighted model, calibrated into a 0-100 trust score and classified into a
// RiskStatus and RecommendedAction. Every result carries ranked reason codes
// explaining which signals drove it.
//
// The package performs no I/O and keeps no state between calls. The only
// shared value is the *WeightConfig, which is immutable once built.
package risk

import (
	"encoding/json"
	"fmt"
)

// ModelVersion identifies the feature catalogue and scoring algorithm.
const ModelVersion = "v0.1.0"

// DefaultTopK is the number of weighted reason codes kept per result.
const DefaultTopK = 5

// HardRuleSentinel is the contribution attached to a fired hard rule's
// reason code. It is pushed further out if a weighted contribution would
// otherwise outrank it.
const HardRuleSentinel = -999.0

// RiskStatus is the discrete classification of a score, ordered by
// decreasing trust.
type RiskStatus int

const (
	StatusLegitimate RiskStatus = iota + 1
	StatusSuspicious
	StatusHighRisk
)

var statusNames = map[RiskStatus]string{
	StatusLegitimate: "LEGITIMATE",
	StatusSuspicious: "SUSPICIOUS",
	StatusHighRisk:   "HIGH_RISK",
}

func (s RiskStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("RiskStatus(%d)", int(s))
}

// Valid reports whether s is one of the declared statuses.
func (s RiskStatus) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

func (s RiskStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid risk status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *RiskStatus) UnmarshalText(b []byte) error {
	for k, v := range statusNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown risk status %q", string(b))
}

// RecommendedAction is the response decision paired one-to-one with a
// RiskStatus band.
type RecommendedAction int

const (
	ActionAllow RecommendedAction = iota + 1
	ActionStepUpAuth
	ActionBlock
)

var actionNames = map[RecommendedAction]string{
	ActionAllow:      "ALLOW",
	ActionStepUpAuth: "STEP_UP_AUTH",
	ActionBlock:      "BLOCK",
}

func (a RecommendedAction) String() string {
	if n, ok := actionNames[a]; ok {
		return n
	}
	return fmt.Sprintf("RecommendedAction(%d)", int(a))
}

// Valid reports whether a is one of the declared actions.
func (a RecommendedAction) Valid() bool {
	_, ok := actionNames[a]
	return ok
}

func (a RecommendedAction) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("invalid recommended action %d", int(a))
	}
	return []byte(a.String()), nil
}

func (a *RecommendedAction) UnmarshalText(b []byte) error {
	for k, v := range actionNames {
		if v == string(b) {
			*a = k
			return nil
		}
	}
	return fmt.Errorf("unknown recommended action %q", string(b))
}

// ScoreInput is the payload produced by the signal collectors. Every group
// is optional; missing or mistyped values degrade to neutral features.
type ScoreInput struct {
	Device     map[string]any `json:"device"`
	Behavior   map[string]any `json:"behavior"`
	Geo        map[string]any `json:"geo"`
	Biometrics map[string]any `json:"biometrics"`
	Context    map[string]any `json:"context,omitempty"`
}

// Contribution is one feature's signed share of the raw score.
type Contribution struct {
	Feature string  `json:"feature"`
	Value   float64 `json:"value"`
}

// ReasonCode is a single ranked explanation unit.
type ReasonCode struct {
	Code         string  `json:"code"`
	Contribution float64 `json:"contribution"`
}

// Metadata travels with every ScoreResult for audit purposes.
type Metadata struct {
	ModelVersion   string         `json:"model_version"`
	WeightsVersion string         `json:"weights_version"`
	HardRuleFired  bool           `json:"hard_rule_fired"`
	HardRuleCode   string         `json:"hard_rule_code,omitempty"`
	HardRuleMode   HardRuleMode   `json:"hard_rule_mode"`
	Context        map[string]any `json:"context"`
}

// ScoreResult is the outcome of one evaluation. It is built once and must
// not be modified by callers that share it.
type ScoreResult struct {
	Score             int               `json:"score"`
	Status            RiskStatus        `json:"status"`
	RecommendedAction RecommendedAction `json:"recommended_action"`
	ReasonCodes       []ReasonCode      `json:"reason_codes"`
	Metadata          Metadata          `json:"metadata"`
}

// MarshalJSON keeps reason_codes and context as empty collections rather
// than null so consumers see a stable shape.
func (r ScoreResult) MarshalJSON() ([]byte, error) {
	type plain ScoreResult
	p := plain(r)
	if p.ReasonCodes == nil {
		p.ReasonCodes = []ReasonCode{}
	}
	if p.Metadata.Context == nil {
		p.Metadata.Context = map[string]any{}
	}
	return json.Marshal(p)
}

// Sink receives diagnostics from the pipeline. Implementations must not
// influence the result.
type Sink interface {
	// Stage reports an intermediate pipeline value.
	Stage(name string, attrs ...any)
	// RuleFailed reports a hard-rule predicate that panicked.
	RuleFailed(rule string, err error)
}

// NopSink discards all diagnostics.
type NopSink struct{}

func (NopSink) Stage(string, ...any)     {}
func (NopSink) RuleFailed(string, error) {}

// Clone returns a deep copy of r.
func (r ScoreResult) Clone() ScoreResult {
	out := r
	if r.ReasonCodes != nil {
		out.ReasonCodes = append([]ReasonCode(nil), r.ReasonCodes...)
	}
	if r.Metadata.Context != nil {
		out.Metadata.Context = copyContext(r.Metadata.Context)
	}
	return out
}
