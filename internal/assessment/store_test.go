package assessment

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sessionguard/internal/risk"
)

func sampleAssessment(id, sessionID string, at time.Time) *Assessment {
	return &Assessment{
		ID:        id,
		SessionID: sessionID,
		Result: risk.ScoreResult{
			Score:             12,
			Status:            risk.StatusHighRisk,
			RecommendedAction: risk.ActionBlock,
			ReasonCodes: []risk.ReasonCode{
				{Code: risk.CodeMaliciousIP, Contribution: risk.HardRuleSentinel},
				{Code: risk.FeatureGeoTor, Contribution: -2},
			},
			Metadata: risk.Metadata{
				ModelVersion:   risk.ModelVersion,
				WeightsVersion: risk.DefaultWeightsVersion,
				HardRuleFired:  true,
				HardRuleCode:   risk.CodeMaliciousIP,
				HardRuleMode:   risk.HardRuleOverride,
				Context:        map[string]any{"tenant": "acme", "attempt": float64(3)},
			},
		},
		EvaluatedAt: at.UTC().Truncate(time.Microsecond),
	}
}

// testStore runs the behaviour every Store implementation must share.
func testStore(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	t.Run("RecordAndGet", func(t *testing.T) {
		a := sampleAssessment("asm_get", "sess-get", base)
		require.NoError(t, store.Record(ctx, a))

		got, err := store.Get(ctx, "asm_get")
		require.NoError(t, err)
		assert.Equal(t, a.ID, got.ID)
		assert.Equal(t, a.SessionID, got.SessionID)
		assert.Equal(t, a.Result, got.Result)
		assert.True(t, a.EvaluatedAt.Equal(got.EvaluatedAt))
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := store.Get(ctx, "asm_missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("ListBySessionNewestFirst", func(t *testing.T) {
		for i := range 5 {
			a := sampleAssessment(fmt.Sprintf("asm_list_%d", i), "sess-list", base.Add(time.Duration(i)*time.Second))
			require.NoError(t, store.Record(ctx, a))
		}
		require.NoError(t, store.Record(ctx, sampleAssessment("asm_other", "sess-other", base)))

		got, err := store.ListBySession(ctx, "sess-list", 3)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "asm_list_4", got[0].ID)
		assert.Equal(t, "asm_list_3", got[1].ID)
		assert.Equal(t, "asm_list_2", got[2].ID)
	})

	t.Run("ListUnknownSession", func(t *testing.T) {
		got, err := store.ListBySession(ctx, "sess-none", 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("EmptyCollections", func(t *testing.T) {
		a := sampleAssessment("asm_empty", "", base)
		a.Result.ReasonCodes = nil
		a.Result.Metadata.Context = nil
		a.Result.Metadata.HardRuleFired = false
		a.Result.Metadata.HardRuleCode = ""
		require.NoError(t, store.Record(ctx, a))

		got, err := store.Get(ctx, "asm_empty")
		require.NoError(t, err)
		assert.Empty(t, got.Result.ReasonCodes)
		assert.False(t, got.Result.Metadata.HardRuleFired)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, store.PingContext(ctx))
	})
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := sampleAssessment("asm_copy", "sess-copy", time.Now())
	require.NoError(t, store.Record(ctx, a))

	a.Result.Metadata.Context["tenant"] = "mutated"
	got, err := store.Get(ctx, "asm_copy")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Result.Metadata.Context["tenant"])

	got.Result.ReasonCodes[0].Code = "changed"
	again, err := store.Get(ctx, "asm_copy")
	require.NoError(t, err)
	assert.Equal(t, risk.CodeMaliciousIP, again.Result.ReasonCodes[0].Code)
}

func TestSQLiteStore(t *testing.T) {
	db, err := OpenSQLite(t.TempDir() + "/audit.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewSQLiteStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	// Migrate is idempotent
	require.NoError(t, store.Migrate(context.Background()))

	testStore(t, store)
}

func TestSQLiteStoreInMemory(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewSQLiteStore(db)
	require.NoError(t, store.Migrate(context.Background()))

	require.NoError(t, store.Record(context.Background(), sampleAssessment("asm_mem", "s", time.Now())))
	_, err = store.Get(context.Background(), "asm_mem")
	assert.NoError(t, err)
}
