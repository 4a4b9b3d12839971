package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sessionguard/internal/risk"
)

const sampleWeights = `
version: fraud-2026.10
hard_rule_mode: annotate
top_k: 3
weights:
  device.known: 2
  geo.tor: -2
  biometrics.face_match: 3
rules:
  - name: tor_exit
    code: HR_TOR
    feature: geo.tor
    op: is_true
  - name: heavy_clicks
    code: HR_CLICK_STORM
    feature: behavior.click_rate
    op: gte
    value: 0.9
`

func TestLoadWeightsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleWeights), 0o600))

	wf, err := LoadWeightsFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fraud-2026.10", wf.Version)
	require.NotNil(t, wf.TopK)
	assert.Equal(t, 3, *wf.TopK)

	rules, err := wf.RuleSet()
	require.NoError(t, err)
	assert.Equal(t, []string{"HR_TOR", "HR_CLICK_STORM"}, rules.Codes())

	opts, err := wf.PipelineOptions()
	require.NoError(t, err)
	p, err := risk.NewPipeline(opts...)
	require.NoError(t, err)
	assert.Equal(t, risk.HardRuleAnnotate, p.Mode())
	assert.Equal(t, 3, p.TopK())
	assert.Equal(t, "fraud-2026.10", p.Weights().Version())

	res := p.Evaluate(risk.ScoreInput{Geo: map[string]any{"is_tor": true}})
	assert.True(t, res.Metadata.HardRuleFired)
	assert.Equal(t, "HR_TOR", res.Metadata.HardRuleCode)
}

func TestLoadWeightsFile_Missing(t *testing.T) {
	_, err := LoadWeightsFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParseWeights_DefaultRules(t *testing.T) {
	wf, err := ParseWeights([]byte("version: v1\nweights:\n  device.known: 1\n"))
	require.NoError(t, err)

	rules, err := wf.RuleSet()
	require.NoError(t, err)
	assert.Equal(t, risk.DefaultRules().Codes(), rules.Codes())

	opts, err := wf.PipelineOptions()
	require.NoError(t, err)
	assert.Len(t, opts, 2, "mode and top_k are left to the environment")
}

func TestParseWeights_EmptyWeightsScoreNeutral(t *testing.T) {
	for name, doc := range map[string]string{
		"absent": "version: v1\n",
		"empty":  "version: v1\nweights: {}\n",
	} {
		t.Run(name, func(t *testing.T) {
			wf, err := ParseWeights([]byte(doc))
			require.NoError(t, err)

			opts, err := wf.PipelineOptions()
			require.NoError(t, err)
			p, err := risk.NewPipeline(opts...)
			require.NoError(t, err)
			assert.Equal(t, 1.0, p.Weights().MaxAbsWeight())

			res := p.Evaluate(risk.ScoreInput{Device: map[string]any{"known_device": true}})
			assert.Equal(t, 50, res.Score)
			assert.Equal(t, risk.StatusSuspicious, res.Status)
		})
	}
}

func TestParseWeights_Invalid(t *testing.T) {
	tests := map[string]string{
		"missing version": "weights:\n  a: 1\n",
		"unknown key":     "version: v1\nweigths:\n  a: 1\n",
		"bad mode":        "version: v1\nhard_rule_mode: maybe\nweights:\n  a: 1\n",
		"negative top_k":  "version: v1\ntop_k: -2\nweights:\n  a: 1\n",
		"bad op":          "version: v1\nweights:\n  a: 1\nrules:\n  - {name: r, code: HR_R, feature: a, op: between}\n",
		"not yaml":        "version: [",
		"huge weights":    "version: v1\nweights:\n  a: 1.7e308\n  b: 1.7e308\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseWeights([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestEncodeWeights_RoundTrip(t *testing.T) {
	data, err := EncodeWeights(risk.DefaultWeights(), risk.HardRuleOverride, 5)
	require.NoError(t, err)

	wf, err := ParseWeights(data)
	require.NoError(t, err)
	w, err := wf.WeightConfig()
	require.NoError(t, err)
	assert.Equal(t, risk.DefaultWeights().Map(), w.Map())
	assert.Equal(t, risk.DefaultWeightsVersion, w.Version())
}
