package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/sessionguard/internal/risk"
)

// WeightsFile is the on-disk form of a weight configuration and its hard
// rules:
//
//	version: fraud-2026.10
//	hard_rule_mode: override
//	top_k: 5
//	weights:
//	  device.known: 2
//	  geo.tor: -2
//	rules:
//	  - name: tor_exit
//	    code: HR_TOR
//	    feature: geo.tor
//	    op: is_true
type WeightsFile struct {
	Version      string             `yaml:"version" json:"version"`
	HardRuleMode string             `yaml:"hard_rule_mode,omitempty" json:"hard_rule_mode,omitempty"`
	TopK         *int               `yaml:"top_k,omitempty" json:"top_k,omitempty"`
	Weights      map[string]float64 `yaml:"weights" json:"weights"`
	Rules        []RuleSpec         `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// RuleSpec declares a threshold hard rule.
type RuleSpec struct {
	Name    string  `yaml:"name" json:"name"`
	Code    string  `yaml:"code" json:"code"`
	Feature string  `yaml:"feature" json:"feature"`
	Op      string  `yaml:"op,omitempty" json:"op,omitempty"`
	Value   float64 `yaml:"value,omitempty" json:"value,omitempty"`
}

// LoadWeightsFile reads and validates a YAML weights file.
func LoadWeightsFile(path string) (*WeightsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read weights file: %w", err)
	}
	wf, err := ParseWeights(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return wf, nil
}

// ParseWeights decodes a weights document. Unknown keys are rejected so
// typos in field names do not silently fall back to defaults.
func ParseWeights(data []byte) (*WeightsFile, error) {
	var wf WeightsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&wf); err != nil {
		return nil, fmt.Errorf("decode weights: %w", err)
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Validate checks the document without building anything.
func (wf *WeightsFile) Validate() error {
	if wf.Version == "" {
		return fmt.Errorf("weights: version is required")
	}
	if _, err := risk.ParseHardRuleMode(wf.HardRuleMode); err != nil {
		return fmt.Errorf("weights: %w", err)
	}
	if wf.TopK != nil && *wf.TopK < 0 {
		return fmt.Errorf("weights: top_k must be >= 0, got %d", *wf.TopK)
	}
	if _, err := wf.WeightConfig(); err != nil {
		return err
	}
	if _, err := wf.RuleSet(); err != nil {
		return err
	}
	return nil
}

// WeightConfig builds the immutable weight configuration.
func (wf *WeightsFile) WeightConfig() (*risk.WeightConfig, error) {
	return risk.NewWeightConfig(wf.Version, wf.Weights)
}

// RuleSet builds the declared rules, or the built-in rules when the file
// declares none.
func (wf *WeightsFile) RuleSet() (risk.RuleSet, error) {
	if len(wf.Rules) == 0 {
		return risk.DefaultRules(), nil
	}
	rules := make(risk.RuleSet, 0, len(wf.Rules))
	for i, spec := range wf.Rules {
		r, err := risk.NewThresholdRule(spec.Name, spec.Code, spec.Feature, risk.Op(spec.Op), spec.Value)
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// PipelineOptions turns the file into pipeline options. Mode and top_k
// are only emitted when the file sets them, so environment settings
// applied earlier still hold.
func (wf *WeightsFile) PipelineOptions() ([]risk.Option, error) {
	w, err := wf.WeightConfig()
	if err != nil {
		return nil, err
	}
	rules, err := wf.RuleSet()
	if err != nil {
		return nil, err
	}
	opts := []risk.Option{risk.WithWeights(w), risk.WithRules(rules)}
	if wf.HardRuleMode != "" {
		mode, _ := risk.ParseHardRuleMode(wf.HardRuleMode)
		opts = append(opts, risk.WithHardRuleMode(mode))
	}
	if wf.TopK != nil {
		opts = append(opts, risk.WithTopK(*wf.TopK))
	}
	return opts, nil
}

// EncodeWeights renders w as a weights document with the default rules
// omitted.
func EncodeWeights(w *risk.WeightConfig, mode risk.HardRuleMode, topK int) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(WeightsFile{
		Version:      w.Version(),
		HardRuleMode: string(mode),
		TopK:         &topK,
		Weights:      w.Map(),
	}); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
