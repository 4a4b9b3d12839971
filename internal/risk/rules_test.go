package risk

import (
	"errors"
	"testing"
)

type recordingSink struct {
	stages   []string
	failures map[string]error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{failures: make(map[string]error)}
}

func (s *recordingSink) Stage(name string, _ ...any) { s.stages = append(s.stages, name) }

func (s *recordingSink) RuleFailed(rule string, err error) { s.failures[rule] = err }

func TestDefaultRulesOrder(t *testing.T) {
	want := []string{
		CodeCredentialRevoked,
		CodeMaliciousIP,
		CodeImpossibleTravel,
		CodeLivenessFailed,
		CodeAuthBruteForce,
	}
	got := DefaultRules().Codes()
	if len(got) != len(want) {
		t.Fatalf("expected %d rules, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("rule %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRuleSetFirstMatchWins(t *testing.T) {
	fs := NewFeatureSet(map[string]float64{
		FeatureMaliciousIP:       1,
		FeatureCredentialRevoked: 1,
	})
	fired, code := DefaultRules().Evaluate(fs, nil)
	if !fired || code != CodeCredentialRevoked {
		t.Errorf("expected %s, got fired=%v code=%q", CodeCredentialRevoked, fired, code)
	}
}

func TestRuleSetNoMatch(t *testing.T) {
	fired, code := DefaultRules().Evaluate(Extract(ScoreInput{}), nil)
	if fired || code != "" {
		t.Errorf("empty features should not fire, got %v %q", fired, code)
	}
}

func TestBruteForceThreshold(t *testing.T) {
	rules := DefaultRules()

	fired, _ := rules.Evaluate(Extract(ScoreInput{Behavior: map[string]any{"failed_auth_attempts": 9}}), nil)
	if fired {
		t.Error("9 failures should not trip brute force")
	}

	fired, code := rules.Evaluate(Extract(ScoreInput{Behavior: map[string]any{"failed_auth_attempts": 10}}), nil)
	if !fired || code != CodeAuthBruteForce {
		t.Errorf("10 failures should trip brute force, got %v %q", fired, code)
	}
}

func TestPanickingRuleIsSkipped(t *testing.T) {
	sink := newRecordingSink()
	rules := RuleSet{
		{Name: "broken", Code: "HR_BROKEN", Match: func(FeatureSet) bool { panic("unexpected shape") }},
		{Name: "vpn", Code: "HR_VPN", Match: func(fs FeatureSet) bool { return fs.Bool(FeatureGeoVPN) }},
	}

	fired, code := rules.Evaluate(NewFeatureSet(map[string]float64{FeatureGeoVPN: 1}), sink)
	if !fired || code != "HR_VPN" {
		t.Errorf("expected evaluation to continue past the panic, got %v %q", fired, code)
	}
	if sink.failures["broken"] == nil {
		t.Error("expected the panic to be reported to the sink")
	}
}

func TestNilPredicateNeverFires(t *testing.T) {
	fired, _ := RuleSet{{Name: "empty", Code: "HR_EMPTY"}}.Evaluate(NewFeatureSet(nil), nil)
	if fired {
		t.Error("rule without predicate fired")
	}
}

func TestNewThresholdRule(t *testing.T) {
	tests := []struct {
		op    Op
		value float64
		x     float64
		want  bool
	}{
		{OpIsTrue, 0, 1, true},
		{OpIsTrue, 0, 0, false},
		{OpEq, 0.5, 0.5, true},
		{OpNe, 0.5, 0.5, false},
		{OpGt, 0.5, 0.5, false},
		{OpGte, 0.5, 0.5, true},
		{OpLt, 0.5, 0.4, true},
		{OpLte, 0.5, 0.6, false},
	}

	for _, tt := range tests {
		r, err := NewThresholdRule("r", "HR_R", "x", tt.op, tt.value)
		if err != nil {
			t.Fatalf("op %s: %v", tt.op, err)
		}
		if got := r.Match(NewFeatureSet(map[string]float64{"x": tt.x})); got != tt.want {
			t.Errorf("%s %g against %g = %v, want %v", tt.op, tt.value, tt.x, got, tt.want)
		}
	}
}

func TestThresholdRuleMissingFeature(t *testing.T) {
	r, err := NewThresholdRule("r", "HR_R", "absent", OpLt, 1)
	if err != nil {
		t.Fatal(err)
	}
	if r.Match(NewFeatureSet(nil)) {
		t.Error("rule on an absent feature should not fire")
	}
}

func TestThresholdRuleInvalid(t *testing.T) {
	if _, err := NewThresholdRule("r", "HR_R", "x", Op("between"), 1); !errors.Is(err, ErrInvalidRule) {
		t.Errorf("expected ErrInvalidRule for unknown op, got %v", err)
	}
	if _, err := NewThresholdRule("", "HR_R", "x", OpGt, 1); !errors.Is(err, ErrInvalidRule) {
		t.Errorf("expected ErrInvalidRule for missing name, got %v", err)
	}
}

func TestParseHardRuleMode(t *testing.T) {
	for in, want := range map[string]HardRuleMode{
		"":          HardRuleOverride,
		"override":  HardRuleOverride,
		" Annotate": HardRuleAnnotate,
	} {
		got, err := ParseHardRuleMode(in)
		if err != nil || got != want {
			t.Errorf("ParseHardRuleMode(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseHardRuleMode("ignore"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
