package risk

import (
	"errors"
	"fmt"
)

// ErrInvalidOption is returned by NewPipeline for unusable options.
var ErrInvalidOption = errors.New("invalid pipeline option")

// Pipeline sequences extraction, hard rules, weighted scoring, calibration,
// classification and explanation. A Pipeline is immutable and safe for
// concurrent use.
type Pipeline struct {
	weights      *WeightConfig
	rules        RuleSet
	topK         int
	mode         HardRuleMode
	sink         Sink
	modelVersion string
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithWeights sets the weight configuration used by Evaluate.
func WithWeights(w *WeightConfig) Option {
	return func(p *Pipeline) error {
		if w == nil {
			return fmt.Errorf("%w: nil weights", ErrInvalidOption)
		}
		p.weights = w
		return nil
	}
}

// WithRules replaces the hard rules.
func WithRules(rs RuleSet) Option {
	return func(p *Pipeline) error {
		p.rules = append(RuleSet(nil), rs...)
		return nil
	}
}

// WithTopK sets how many weighted reason codes are reported.
func WithTopK(k int) Option {
	return func(p *Pipeline) error {
		if k < 0 {
			return fmt.Errorf("%w: top_k must be >= 0, got %d", ErrInvalidOption, k)
		}
		p.topK = k
		return nil
	}
}

// WithHardRuleMode chooses between overriding and annotating the
// classification when a hard rule fires.
func WithHardRuleMode(m HardRuleMode) Option {
	return func(p *Pipeline) error {
		if m != HardRuleOverride && m != HardRuleAnnotate {
			return fmt.Errorf("%w: hard rule mode %q", ErrInvalidOption, m)
		}
		p.mode = m
		return nil
	}
}

// WithSink routes diagnostics to s.
func WithSink(s Sink) Option {
	return func(p *Pipeline) error {
		if s == nil {
			s = NopSink{}
		}
		p.sink = s
		return nil
	}
}

// WithModelVersion overrides the model version reported in metadata.
func WithModelVersion(v string) Option {
	return func(p *Pipeline) error {
		if v == "" {
			return fmt.Errorf("%w: empty model version", ErrInvalidOption)
		}
		p.modelVersion = v
		return nil
	}
}

// NewPipeline builds a pipeline with default weights, default rules,
// top_k 5 and override mode unless options say otherwise.
func NewPipeline(opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		weights:      DefaultWeights(),
		rules:        DefaultRules(),
		topK:         DefaultTopK,
		mode:         HardRuleOverride,
		sink:         NopSink{},
		modelVersion: ModelVersion,
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Weights returns the pipeline's weight configuration.
func (p *Pipeline) Weights() *WeightConfig { return p.weights }

// Rules returns a copy of the pipeline's hard rules.
func (p *Pipeline) Rules() RuleSet { return append(RuleSet(nil), p.rules...) }

// TopK returns the configured number of weighted reason codes.
func (p *Pipeline) TopK() int { return p.topK }

// Mode returns the hard rule mode.
func (p *Pipeline) Mode() HardRuleMode { return p.mode }

// Evaluate scores in with the pipeline's own weights.
func (p *Pipeline) Evaluate(in ScoreInput) ScoreResult {
	return p.EvaluateWith(in, nil)
}

// EvaluateWith scores in with w, falling back to the pipeline's weights
// when w is nil.
func (p *Pipeline) EvaluateWith(in ScoreInput, w *WeightConfig) ScoreResult {
	if w == nil {
		w = p.weights
	}

	features := Extract(in).WithDefaults(w)
	p.sink.Stage("features", "count", features.Len())

	fired, code := p.rules.Evaluate(features, p.sink)
	p.sink.Stage("hard_rules", "fired", fired, "code", code)

	raw, contributions := WeightedSum(features, w)
	p.sink.Stage("weighted_sum", "raw", raw, "contributions", len(contributions))

	score := Calibrate(raw, w)
	status, action := Classify(score)
	if fired && p.mode == HardRuleOverride {
		status, action = StatusHighRisk, ActionBlock
	}
	p.sink.Stage("classified", "score", score, "status", status.String(), "action", action.String())

	reasons := TopReasonCodes(contributions, p.topK)
	if fired {
		reasons = append([]ReasonCode{hardRuleReason(code, contributions)}, reasons...)
	}

	return ScoreResult{
		Score:             score,
		Status:            status,
		RecommendedAction: action,
		ReasonCodes:       reasons,
		Metadata: Metadata{
			ModelVersion:   p.modelVersion,
			WeightsVersion: w.Version(),
			HardRuleFired:  fired,
			HardRuleCode:   code,
			HardRuleMode:   p.mode,
			Context:        copyContext(in.Context),
		},
	}
}

var defaultPipeline = func() *Pipeline {
	p, err := NewPipeline()
	if err != nil {
		panic(err)
	}
	return p
}()

// CalculateScore evaluates in with the default pipeline, using w when it
// is non-nil and DefaultWeights otherwise.
func CalculateScore(in ScoreInput, w *WeightConfig) ScoreResult {
	return defaultPipeline.EvaluateWith(in, w)
}

// copyContext deep-copies the pass-through context so the result never
// aliases caller-owned maps or slices.
func copyContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyContext(t)
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = copyValue(e)
		}
		return s
	default:
		return v
	}
}
