package assessment

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/sessionguard/internal/idgen"
	"github.com/mbd888/sessionguard/internal/logging"
	"github.com/mbd888/sessionguard/internal/metrics"
	"github.com/mbd888/sessionguard/internal/realtime"
	"github.com/mbd888/sessionguard/internal/risk"
	"github.com/mbd888/sessionguard/internal/traces"
	"github.com/mbd888/sessionguard/internal/validation"
)

// IDPrefix is prepended to every assessment ID.
const IDPrefix = "asm_"

// Broadcaster publishes decisions to live subscribers.
type Broadcaster interface {
	BroadcastAssessment(e realtime.AssessmentEvent)
	BroadcastWeights(e realtime.WeightsEvent)
}

// Service scores sessions through the risk pipeline and audits the results.
type Service struct {
	pipeline    *risk.Pipeline
	weights     *WeightStore
	store       Store
	broadcaster Broadcaster
	logger      *slog.Logger
	concurrency int
	now         func() time.Time
}

// NewService creates a service. The pipeline's own weights seed the
// weight store; later updates go through UpdateWeights.
func NewService(pipeline *risk.Pipeline, store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		pipeline:    pipeline,
		weights:     NewWeightStore(pipeline.Weights()),
		store:       store,
		logger:      logger,
		concurrency: runtime.GOMAXPROCS(0),
		now:         time.Now,
	}
}

// WithBroadcaster adds a live decision feed.
func (s *Service) WithBroadcaster(b Broadcaster) *Service {
	s.broadcaster = b
	return s
}

// WithConcurrency bounds the number of batch items scored in parallel.
func (s *Service) WithConcurrency(n int) *Service {
	if n > 0 {
		s.concurrency = n
	}
	return s
}

// Weights returns the active weight configuration.
func (s *Service) Weights() *risk.WeightConfig { return s.weights.Load() }

// Rules returns the hard rules in evaluation order.
func (s *Service) Rules() risk.RuleSet { return s.pipeline.Rules() }

// Mode returns the hard-rule mode.
func (s *Service) Mode() risk.HardRuleMode { return s.pipeline.Mode() }

// TopK returns the number of weighted reason codes kept per result.
func (s *Service) TopK() int { return s.pipeline.TopK() }

// Score evaluates one request against the active weights and records it.
func (s *Service) Score(ctx context.Context, req ScoreRequest) (*Assessment, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	return s.score(ctx, req, s.weights.Load()), nil
}

// ScoreBatch evaluates up to MaxBatchSize requests. All items see the same
// weight snapshot and results keep the order of reqs.
func (s *Service) ScoreBatch(ctx context.Context, reqs []ScoreRequest) ([]*Assessment, error) {
	if len(reqs) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(reqs) > MaxBatchSize {
		return nil, fmt.Errorf("%w: %d items, max %d", ErrBatchTooLarge, len(reqs), MaxBatchSize)
	}
	for i, req := range reqs {
		if err := validateRequest(req); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
	}

	ctx, span := traces.StartSpan(ctx, "assessment.ScoreBatch", traces.BatchSize(len(reqs)))
	defer span.End()

	w := s.weights.Load()
	out := make([]*Assessment, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = s.score(gctx, req, w)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	return out, nil
}

func (s *Service) score(ctx context.Context, req ScoreRequest, w *risk.WeightConfig) *Assessment {
	start := time.Now()
	id := idgen.WithPrefix(IDPrefix)

	ctx, span := traces.StartSpan(ctx, "assessment.Score",
		traces.AssessmentID(id),
		traces.SessionID(req.SessionID),
		traces.WeightsVersion(w.Version()),
	)
	defer span.End()

	result := s.pipeline.EvaluateWith(req.Payload, w)
	a := &Assessment{
		ID:          id,
		SessionID:   req.SessionID,
		Result:      result,
		EvaluatedAt: s.now().UTC(),
	}

	span.SetAttributes(
		traces.Score(result.Score),
		traces.Status(result.Status.String()),
	)
	if result.Metadata.HardRuleFired {
		span.SetAttributes(traces.HardRule(result.Metadata.HardRuleCode))
	}

	if err := s.store.Record(ctx, a); err != nil {
		metrics.AuditFailuresTotal.Inc()
		traces.RecordError(span, err)
		logging.L(logging.WithSessionID(ctx, req.SessionID)).Error("failed to record assessment",
			"assessment_id", id, "error", err)
	}

	metrics.ObserveAssessment(result.Status.String(), result.Score, result.Metadata.HardRuleCode, time.Since(start))

	if s.broadcaster != nil {
		s.broadcaster.BroadcastAssessment(realtime.AssessmentEvent{
			AssessmentID:   a.ID,
			SessionID:      a.SessionID,
			Score:          result.Score,
			Status:         result.Status.String(),
			Action:         result.RecommendedAction.String(),
			HardRuleCode:   result.Metadata.HardRuleCode,
			WeightsVersion: result.Metadata.WeightsVersion,
		})
	}
	return a
}

// Explain returns the intermediate values of an evaluation against the
// active weights without recording it.
func (s *Service) Explain(ctx context.Context, in risk.ScoreInput) risk.Explanation {
	_, span := traces.StartSpan(ctx, "assessment.Explain")
	defer span.End()
	return s.pipeline.Explain(in, s.weights.Load())
}

// UpdateWeights validates and publishes a new weight configuration. It
// returns the published config; evaluations already running keep the
// snapshot they started with.
func (s *Service) UpdateWeights(ctx context.Context, version string, weights map[string]float64) (*risk.WeightConfig, error) {
	if errs := validation.Validate(
		validation.Required("version", version),
		validation.MaxLength("version", version, 64),
		validation.ValidWeights("weights", weights),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidWeights, errs.Error())
	}

	w, err := risk.NewWeightConfig(version, weights)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWeights, err)
	}

	prev := s.weights.Swap(w)
	metrics.WeightsUpdatesTotal.Inc()
	logging.L(ctx).Info("weights updated",
		"version", w.Version(), "previous", prev.Version(), "features", w.Len())

	if s.broadcaster != nil {
		s.broadcaster.BroadcastWeights(realtime.WeightsEvent{
			Version:  w.Version(),
			Previous: prev.Version(),
			Features: w.Len(),
		})
	}
	return w, nil
}

// Get returns a recorded assessment.
func (s *Service) Get(ctx context.Context, id string) (*Assessment, error) {
	return s.store.Get(ctx, id)
}

// ListBySession returns the most recent assessments for a session, newest
// first.
func (s *Service) ListBySession(ctx context.Context, sessionID string, limit int) ([]*Assessment, error) {
	if !validation.IsValidSessionID(sessionID) {
		return nil, fmt.Errorf("%w: session id", ErrInvalidArgument)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidArgument)
	}
	return s.store.ListBySession(ctx, sessionID, limit)
}

// PingContext checks the audit store.
func (s *Service) PingContext(ctx context.Context) error {
	return s.store.PingContext(ctx)
}

func validateRequest(req ScoreRequest) error {
	if errs := validation.Validate(
		validation.ValidSessionID("session_id", req.SessionID),
	); len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidArgument, errs.Error())
	}
	return nil
}
