package risk

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInvalidWeight is returned when a weight configuration contains an
// empty feature name or a weight that is non-finite or too large.
var ErrInvalidWeight = errors.New("invalid weight")

// MaxWeightMagnitude caps |w| for every weight so the calibration bound
// stays finite.
const MaxWeightMagnitude = 1e6

// WeightConfig maps feature names to signed weights. A positive weight
// raises the trust score, a negative weight lowers it. Values are
// immutable once constructed; publish a new WeightConfig to change them.
type WeightConfig struct {
	version string
	weights map[string]float64
	names   []string
	maxAbs  float64
}

// NewWeightConfig validates and copies weights into an immutable config.
func NewWeightConfig(version string, weights map[string]float64) (*WeightConfig, error) {
	w := &WeightConfig{
		version: version,
		weights: make(map[string]float64, len(weights)),
		names:   make([]string, 0, len(weights)),
	}

	var sumAbs float64
	for name, v := range weights {
		if name == "" {
			return nil, fmt.Errorf("%w: empty feature name", ErrInvalidWeight)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: %s=%v is not finite", ErrInvalidWeight, name, v)
		}
		if math.Abs(v) > MaxWeightMagnitude {
			return nil, fmt.Errorf("%w: %s=%v exceeds ±%g", ErrInvalidWeight, name, v, MaxWeightMagnitude)
		}
		w.weights[name] = v
		w.names = append(w.names, name)
		sumAbs += math.Abs(v)
	}
	sort.Strings(w.names)

	// Half the absolute mass, floored at 1 so calibration never divides by
	// zero and small configs are not over-sensitive.
	w.maxAbs = math.Max(1.0, sumAbs/2.0)
	return w, nil
}

// MustWeightConfig is NewWeightConfig for literals known to be valid.
func MustWeightConfig(version string, weights map[string]float64) *WeightConfig {
	w, err := NewWeightConfig(version, weights)
	if err != nil {
		panic(err)
	}
	return w
}

// Version returns the configuration identifier reported in result metadata.
func (w *WeightConfig) Version() string { return w.version }

// Weight returns the weight for name and whether it is configured.
func (w *WeightConfig) Weight(name string) (float64, bool) {
	v, ok := w.weights[name]
	return v, ok
}

// Names returns the configured feature names in sorted order.
func (w *WeightConfig) Names() []string {
	out := make([]string, len(w.names))
	copy(out, w.names)
	return out
}

// Len returns the number of configured weights.
func (w *WeightConfig) Len() int { return len(w.names) }

// Map returns a copy of the weights.
func (w *WeightConfig) Map() map[string]float64 {
	out := make(map[string]float64, len(w.weights))
	for k, v := range w.weights {
		out[k] = v
	}
	return out
}

// MaxAbsWeight returns the calibration bound max(1, sum(|w|)/2).
func (w *WeightConfig) MaxAbsWeight() float64 { return w.maxAbs }

// MarshalJSON renders the config as {"version": ..., "weights": {...}}.
func (w *WeightConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Version string             `json:"version"`
		Weights map[string]float64 `json:"weights"`
	}{w.version, w.weights})
}

// DefaultWeightsVersion identifies the built-in weight set.
const DefaultWeightsVersion = "default-2026.10"

// DefaultWeights returns the built-in weight configuration. Trust signals
// carry positive weights, risk signals negative ones. The trust mass is
// sized so that a full face match alone reaches the LEGITIMATE band and
// every trust signal together scores 95; the bound is 16.5.
func DefaultWeights() *WeightConfig {
	return MustWeightConfig(DefaultWeightsVersion, map[string]float64{
		FeatureFaceMatch:         9.0,
		FeatureDeviceKnown:       4.0,
		FeatureFaceRecognized:    2.0,
		FeatureDeviceEmulator:    -1.25,
		FeatureDeviceContainer:   -0.5,
		FeatureDeviceHeadless:    -1.0,
		FeatureDeviceRooted:      -1.0,
		FeatureLocaleMismatch:    -0.5,
		FeatureFailedAuth:        -1.5,
		FeatureClickRate:         -0.5,
		FeatureRequestRate:       -0.5,
		FeatureIdleRatio:         -0.25,
		FeatureShortSession:      -0.25,
		FeatureLongSession:       -0.25,
		FeatureGeoProxy:          -0.75,
		FeatureGeoVPN:            -0.75,
		FeatureGeoTor:            -1.25,
		FeatureGeoThreatLevel:    -1.0,
		FeatureNoFace:            -0.75,
		FeatureCredentialRevoked: -2.0,
		FeatureMaliciousIP:       -1.5,
		FeatureImpossibleTravel:  -1.0,
		FeatureLivenessFailed:    -1.5,
	})
}
