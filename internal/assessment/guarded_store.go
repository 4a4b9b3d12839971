package assessment

import (
	"context"
	"time"

	"github.com/mbd888/sessionguard/internal/circuitbreaker"
	"github.com/mbd888/sessionguard/internal/retry"
)

// GuardedStore retries failed audit writes and, once the underlying store
// keeps failing, rejects writes with circuitbreaker.ErrOpen until a trial write
// succeeds. Reads pass straight through.
type GuardedStore struct {
	Store
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	budget  time.Duration
}

// NewGuardedStore wraps inner.
func NewGuardedStore(inner Store, breaker *circuitbreaker.Breaker, policy retry.Policy) *GuardedStore {
	return &GuardedStore{Store: inner, breaker: breaker, policy: policy}
}

// WithWriteBudget caps the wall time one Record may spend, retries and
// backoff included. Zero leaves only the retry policy in charge.
func (s *GuardedStore) WithWriteBudget(d time.Duration) *GuardedStore {
	if d > 0 {
		s.budget = d
	}
	return s
}

// Record writes a through the breaker, retrying transient failures until the
// write budget runs out.
func (s *GuardedStore) Record(ctx context.Context, a *Assessment) error {
	if s.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.budget)
		defer cancel()
	}
	return s.breaker.Do(func() error {
		return retry.Do(ctx, s.policy, func(ctx context.Context) error {
			return s.Store.Record(ctx, a)
		})
	})
}

// BreakerState reports whether audit writes are currently flowing.
func (s *GuardedStore) BreakerState() circuitbreaker.State {
	return s.breaker.State()
}
