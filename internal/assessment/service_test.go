package assessment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sessionguard/internal/idgen"
	"github.com/mbd888/sessionguard/internal/metrics"
	"github.com/mbd888/sessionguard/internal/realtime"
	"github.com/mbd888/sessionguard/internal/risk"
)

type recordingBroadcaster struct {
	mu          sync.Mutex
	assessments []realtime.AssessmentEvent
	weights     []realtime.WeightsEvent
}

func (b *recordingBroadcaster) BroadcastAssessment(e realtime.AssessmentEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.assessments = append(b.assessments, e)
}

func (b *recordingBroadcaster) BroadcastWeights(e realtime.WeightsEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.weights = append(b.weights, e)
}

type failingStore struct {
	*MemoryStore
}

func (failingStore) Record(context.Context, *Assessment) error {
	return errors.New("disk full")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, store Store, opts ...risk.Option) (*Service, *recordingBroadcaster) {
	t.Helper()
	p, err := risk.NewPipeline(opts...)
	require.NoError(t, err)

	b := &recordingBroadcaster{}
	svc := NewService(p, store, quietLogger()).WithBroadcaster(b)
	return svc, b
}

func maliciousInput() risk.ScoreInput {
	return risk.ScoreInput{
		Geo: map[string]any{"malicious_ip": true},
	}
}

func TestServiceScore(t *testing.T) {
	svc, b := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	a, err := svc.Score(ctx, ScoreRequest{SessionID: "sess-1", Payload: maliciousInput()})
	require.NoError(t, err)

	assert.True(t, idgen.Valid(a.ID, IDPrefix), "unexpected id %q", a.ID)
	assert.Equal(t, "sess-1", a.SessionID)
	assert.Equal(t, risk.StatusHighRisk, a.Result.Status)
	assert.Equal(t, risk.ActionBlock, a.Result.RecommendedAction)
	assert.Equal(t, risk.CodeMaliciousIP, a.Result.Metadata.HardRuleCode)

	stored, err := svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Result, stored.Result)

	require.Len(t, b.assessments, 1)
	assert.Equal(t, a.ID, b.assessments[0].AssessmentID)
	assert.Equal(t, "HIGH_RISK", b.assessments[0].Status)
	assert.Equal(t, "BLOCK", b.assessments[0].Action)
	assert.Equal(t, risk.CodeMaliciousIP, b.assessments[0].HardRuleCode)
}

func TestServiceScoreMatchesPureEvaluation(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore())
	in := risk.ScoreInput{
		Device: map[string]any{"known_device": true},
		Geo:    map[string]any{"is_vpn": true},
	}

	a, err := svc.Score(context.Background(), ScoreRequest{Payload: in})
	require.NoError(t, err)
	assert.Equal(t, risk.CalculateScore(in, nil), a.Result)
}

func TestServiceScoreRejectsBadSessionID(t *testing.T) {
	svc, b := newTestService(t, NewMemoryStore())

	_, err := svc.Score(context.Background(), ScoreRequest{SessionID: "bad session id!"})
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	assert.Empty(t, b.assessments)
}

func TestServiceAuditFailureKeepsDecision(t *testing.T) {
	svc, b := newTestService(t, failingStore{NewMemoryStore()})
	before := promtest.ToFloat64(metrics.AuditFailuresTotal)

	a, err := svc.Score(context.Background(), ScoreRequest{Payload: maliciousInput()})
	require.NoError(t, err)
	assert.Equal(t, risk.StatusHighRisk, a.Result.Status)
	assert.Equal(t, before+1, promtest.ToFloat64(metrics.AuditFailuresTotal))
	assert.Len(t, b.assessments, 1)
}

func TestServiceScoreBatch(t *testing.T) {
	svc, b := newTestService(t, NewMemoryStore())
	svc.WithConcurrency(4)

	reqs := make([]ScoreRequest, 20)
	for i := range reqs {
		reqs[i] = ScoreRequest{SessionID: fmt.Sprintf("sess-%02d", i)}
		if i%3 == 0 {
			reqs[i].Payload = maliciousInput()
		}
	}

	out, err := svc.ScoreBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, out, len(reqs))
	for i, a := range out {
		assert.Equal(t, reqs[i].SessionID, a.SessionID, "item %d out of order", i)
		if i%3 == 0 {
			assert.Equal(t, risk.StatusHighRisk, a.Result.Status)
		} else {
			assert.Equal(t, 50, a.Result.Score)
		}
	}
	assert.Len(t, b.assessments, len(reqs))
}

func TestServiceScoreBatchLimits(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	_, err := svc.ScoreBatch(ctx, nil)
	assert.True(t, errors.Is(err, ErrEmptyBatch))

	_, err = svc.ScoreBatch(ctx, make([]ScoreRequest, MaxBatchSize+1))
	assert.True(t, errors.Is(err, ErrBatchTooLarge))

	_, err = svc.ScoreBatch(ctx, []ScoreRequest{{}, {SessionID: "no spaces allowed"}})
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	out, err := svc.ScoreBatch(ctx, make([]ScoreRequest, MaxBatchSize))
	require.NoError(t, err)
	assert.Len(t, out, MaxBatchSize)
}

func TestServiceScoreBatchCanceled(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.ScoreBatch(ctx, make([]ScoreRequest, 3))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestServiceUpdateWeights(t *testing.T) {
	svc, b := newTestService(t, NewMemoryStore())
	ctx := context.Background()
	in := risk.ScoreInput{Biometrics: map[string]any{"match_score": 1.0}}

	before, err := svc.Score(ctx, ScoreRequest{Payload: in})
	require.NoError(t, err)
	assert.Equal(t, risk.DefaultWeightsVersion, before.Result.Metadata.WeightsVersion)

	w, err := svc.UpdateWeights(ctx, "tuned-1", map[string]float64{
		risk.FeatureFaceMatch: 4,
		risk.FeatureGeoVPN:    -1,
	})
	require.NoError(t, err)
	assert.Equal(t, "tuned-1", w.Version())
	assert.Equal(t, "tuned-1", svc.Weights().Version())

	after, err := svc.Score(ctx, ScoreRequest{Payload: in})
	require.NoError(t, err)
	assert.Equal(t, "tuned-1", after.Result.Metadata.WeightsVersion)
	assert.Equal(t, 100, after.Result.Score)

	// The earlier record still reports the weights it was scored with.
	stored, err := svc.Get(ctx, before.ID)
	require.NoError(t, err)
	assert.Equal(t, risk.DefaultWeightsVersion, stored.Result.Metadata.WeightsVersion)

	require.Len(t, b.weights, 1)
	assert.Equal(t, realtime.WeightsEvent{Version: "tuned-1", Previous: risk.DefaultWeightsVersion, Features: 2}, b.weights[0])
}

func TestServiceUpdateWeightsInvalid(t *testing.T) {
	svc, b := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	tests := []struct {
		name    string
		version string
		weights map[string]float64
	}{
		{"missing version", "", map[string]float64{"geo.vpn": -1}},
		{"bad feature name", "v2", map[string]float64{"geo vpn": -1}},
		{"too large", "v2", map[string]float64{"geo.vpn": 2e6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.UpdateWeights(ctx, tt.version, tt.weights)
			assert.True(t, errors.Is(err, ErrInvalidWeights), "got %v", err)
		})
	}

	assert.Equal(t, risk.DefaultWeightsVersion, svc.Weights().Version())
	assert.Empty(t, b.weights)
}

func TestServiceUpdateWeightsEmptyScoresNeutral(t *testing.T) {
	svc, b := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	w, err := svc.UpdateWeights(ctx, "blank", map[string]float64{})
	require.NoError(t, err)
	assert.Equal(t, 0, w.Len())
	require.Len(t, b.weights, 1)
	assert.Equal(t, 0, b.weights[0].Features)

	a, err := svc.Score(ctx, ScoreRequest{Payload: risk.ScoreInput{
		Device:     map[string]any{"known_device": true},
		Biometrics: map[string]any{"match_score": 1.0},
	}})
	require.NoError(t, err)
	assert.Equal(t, 50, a.Result.Score)
	assert.Equal(t, risk.StatusSuspicious, a.Result.Status)
	assert.Equal(t, "blank", a.Result.Metadata.WeightsVersion)
}

func TestServiceListBySession(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore())
	ctx := context.Background()

	clock := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	var ids []string
	for range 3 {
		a, err := svc.Score(ctx, ScoreRequest{SessionID: "sess-hist"})
		require.NoError(t, err)
		ids = append(ids, a.ID)
	}

	got, err := svc.ListBySession(ctx, "sess-hist", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ids[2], got[0].ID)
	assert.Equal(t, ids[1], got[1].ID)

	_, err = svc.ListBySession(ctx, "", 10)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	_, err = svc.ListBySession(ctx, "sess-hist", 0)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestServiceExplain(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore())

	exp := svc.Explain(context.Background(), risk.ScoreInput{Device: map[string]any{"known_device": true}})
	assert.Equal(t, 4.0, exp.RawScore)
	assert.Equal(t, 16.5, exp.Bound)
	assert.Equal(t, 1.0, exp.Features[risk.FeatureDeviceKnown])
}

func TestServiceAccessors(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryStore(), risk.WithTopK(3), risk.WithHardRuleMode(risk.HardRuleAnnotate))

	assert.Equal(t, 3, svc.TopK())
	assert.Equal(t, risk.HardRuleAnnotate, svc.Mode())
	assert.Equal(t, risk.DefaultRules().Codes(), svc.Rules().Codes())
	assert.NoError(t, svc.PingContext(context.Background()))
}

func TestLogSinkCountsEveryFailureLogsOnce(t *testing.T) {
	var buf syncBuffer
	sink := NewLogSink(slog.New(slog.NewTextHandler(&buf, nil)))
	before := promtest.ToFloat64(metrics.RuleFailuresTotal.WithLabelValues("flaky"))

	sink.RuleFailed("flaky", errors.New("boom"))
	sink.RuleFailed("flaky", errors.New("boom"))

	assert.Equal(t, before+2, promtest.ToFloat64(metrics.RuleFailuresTotal.WithLabelValues("flaky")))
	assert.Equal(t, 1, buf.count("hard rule failed"))
}

type syncBuffer struct {
	mu    sync.Mutex
	lines []string
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, string(p))
	return len(p), nil
}

func (b *syncBuffer) count(substr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, l := range b.lines {
		if strings.Contains(l, substr) {
			n++
		}
	}
	return n
}
