package risk

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRule is returned for rule definitions that cannot be evaluated.
var ErrInvalidRule = errors.New("invalid rule")

// Hard rule codes.
const (
	CodeCredentialRevoked = "HR_CREDENTIAL_REVOKED"
	CodeMaliciousIP       = "HR_MALICIOUS_IP"
	CodeImpossibleTravel  = "HR_IMPOSSIBLE_TRAVEL"
	CodeLivenessFailed    = "HR_LIVENESS_FAILED"
	CodeAuthBruteForce    = "HR_AUTH_BRUTE_FORCE"
)

// HardRuleMode decides what a fired hard rule does to the classification.
type HardRuleMode string

const (
	// HardRuleOverride forces HIGH_RISK/BLOCK whenever a hard rule fires.
	HardRuleOverride HardRuleMode = "override"
	// HardRuleAnnotate only prepends the rule's reason code.
	HardRuleAnnotate HardRuleMode = "annotate"
)

// ParseHardRuleMode parses "override" or "annotate". Empty means override.
func ParseHardRuleMode(s string) (HardRuleMode, error) {
	switch HardRuleMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", HardRuleOverride:
		return HardRuleOverride, nil
	case HardRuleAnnotate:
		return HardRuleAnnotate, nil
	}
	return "", fmt.Errorf("unknown hard rule mode %q", s)
}

// Rule is an absolute condition that dominates weighted evidence.
type Rule struct {
	Name  string
	Code  string
	Match func(FeatureSet) bool

	// Description is shown by the rules endpoint and CLI.
	Description string
}

// RuleSet is an ordered list of rules; the first match wins.
type RuleSet []Rule

// Evaluate runs the rules in order and returns the code of the first one
// that matches. A predicate that panics is reported to sink and treated
// as not fired.
func (rs RuleSet) Evaluate(fs FeatureSet, sink Sink) (bool, string) {
	if sink == nil {
		sink = NopSink{}
	}
	for _, r := range rs {
		if r.matches(fs, sink) {
			return true, r.Code
		}
	}
	return false, ""
}

func (r Rule) matches(fs FeatureSet, sink Sink) (fired bool) {
	if r.Match == nil {
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			sink.RuleFailed(r.Name, fmt.Errorf("rule %s panicked: %v", r.Name, rec))
			fired = false
		}
	}()
	return r.Match(fs)
}

// Codes returns the rule codes in evaluation order.
func (rs RuleSet) Codes() []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Code
	}
	return out
}

// Op is a comparison used by declarative threshold rules.
type Op string

const (
	OpIsTrue Op = "is_true"
	OpEq     Op = "eq"
	OpNe     Op = "ne"
	OpGt     Op = "gt"
	OpGte    Op = "gte"
	OpLt     Op = "lt"
	OpLte    Op = "lte"
)

// NewThresholdRule builds a rule comparing one feature against value.
func NewThresholdRule(name, code, feature string, op Op, value float64) (Rule, error) {
	if name == "" || code == "" || feature == "" {
		return Rule{}, fmt.Errorf("%w: name, code and feature are required", ErrInvalidRule)
	}

	var cmp func(float64) bool
	switch op {
	case OpIsTrue, "":
		op = OpIsTrue
		cmp = func(x float64) bool { return x != 0 }
	case OpEq:
		cmp = func(x float64) bool { return x == value }
	case OpNe:
		cmp = func(x float64) bool { return x != value }
	case OpGt:
		cmp = func(x float64) bool { return x > value }
	case OpGte:
		cmp = func(x float64) bool { return x >= value }
	case OpLt:
		cmp = func(x float64) bool { return x < value }
	case OpLte:
		cmp = func(x float64) bool { return x <= value }
	default:
		return Rule{}, fmt.Errorf("%w: %s: unknown op %q", ErrInvalidRule, name, op)
	}

	desc := fmt.Sprintf("%s %s %g", feature, op, value)
	if op == OpIsTrue {
		desc = feature + " is true"
	}
	return Rule{
		Name:        name,
		Code:        code,
		Description: desc,
		Match: func(fs FeatureSet) bool {
			if !fs.Has(feature) {
				return false
			}
			return cmp(fs.Value(feature))
		},
	}, nil
}

func mustRule(r Rule, err error) Rule {
	if err != nil {
		panic(err)
	}
	return r
}

// DefaultRules returns the built-in hard rules in priority order.
func DefaultRules() RuleSet {
	return RuleSet{
		mustRule(NewThresholdRule("credential_revoked", CodeCredentialRevoked, FeatureCredentialRevoked, OpIsTrue, 0)),
		mustRule(NewThresholdRule("malicious_ip", CodeMaliciousIP, FeatureMaliciousIP, OpIsTrue, 0)),
		mustRule(NewThresholdRule("impossible_travel", CodeImpossibleTravel, FeatureImpossibleTravel, OpIsTrue, 0)),
		mustRule(NewThresholdRule("liveness_failed", CodeLivenessFailed, FeatureLivenessFailed, OpIsTrue, 0)),
		mustRule(NewThresholdRule("auth_brute_force", CodeAuthBruteForce, FeatureFailedAuth, OpGte, 1)),
	}
}
