package assessment

import (
	"sync/atomic"

	"github.com/mbd888/sessionguard/internal/risk"
)

// WeightStore publishes the active weight configuration. Readers take a
// snapshot with Load and keep using it for the whole evaluation, so an
// update never changes a score mid-flight.
type WeightStore struct {
	current atomic.Pointer[risk.WeightConfig]
}

// NewWeightStore creates a store holding w, or the defaults if w is nil.
func NewWeightStore(w *risk.WeightConfig) *WeightStore {
	if w == nil {
		w = risk.DefaultWeights()
	}
	s := &WeightStore{}
	s.current.Store(w)
	return s
}

// Load returns the active configuration.
func (s *WeightStore) Load() *risk.WeightConfig {
	return s.current.Load()
}

// Swap publishes w and returns the configuration it replaced.
func (s *WeightStore) Swap(w *risk.WeightConfig) *risk.WeightConfig {
	return s.current.Swap(w)
}
