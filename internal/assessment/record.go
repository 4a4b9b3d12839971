package assessment

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbd888/sessionguard/internal/risk"
)

// record is the flattened row shared by the SQL stores.
type record struct {
	ID             string
	SessionID      string
	Score          int
	Status         string
	Action         string
	HardRuleFired  bool
	HardRuleCode   string
	HardRuleMode   string
	ModelVersion   string
	WeightsVersion string
	ReasonCodes    []byte
	Context        []byte
	EvaluatedAt    time.Time
}

func toRecord(a *Assessment) (record, error) {
	res := a.Result
	reasons := res.ReasonCodes
	if reasons == nil {
		reasons = []risk.ReasonCode{}
	}
	reasonsJSON, err := json.Marshal(reasons)
	if err != nil {
		return record{}, fmt.Errorf("failed to marshal reason codes: %w", err)
	}
	ctx := res.Metadata.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	contextJSON, err := json.Marshal(ctx)
	if err != nil {
		return record{}, fmt.Errorf("failed to marshal context: %w", err)
	}

	return record{
		ID:             a.ID,
		SessionID:      a.SessionID,
		Score:          res.Score,
		Status:         res.Status.String(),
		Action:         res.RecommendedAction.String(),
		HardRuleFired:  res.Metadata.HardRuleFired,
		HardRuleCode:   res.Metadata.HardRuleCode,
		HardRuleMode:   string(res.Metadata.HardRuleMode),
		ModelVersion:   res.Metadata.ModelVersion,
		WeightsVersion: res.Metadata.WeightsVersion,
		ReasonCodes:    reasonsJSON,
		Context:        contextJSON,
		EvaluatedAt:    a.EvaluatedAt.UTC(),
	}, nil
}

func (r record) assessment() (*Assessment, error) {
	var status risk.RiskStatus
	if err := status.UnmarshalText([]byte(r.Status)); err != nil {
		return nil, fmt.Errorf("assessment %s: %w", r.ID, err)
	}
	var action risk.RecommendedAction
	if err := action.UnmarshalText([]byte(r.Action)); err != nil {
		return nil, fmt.Errorf("assessment %s: %w", r.ID, err)
	}

	reasons := []risk.ReasonCode{}
	if len(r.ReasonCodes) > 0 {
		if err := json.Unmarshal(r.ReasonCodes, &reasons); err != nil {
			return nil, fmt.Errorf("assessment %s: reason codes: %w", r.ID, err)
		}
	}
	ctx := map[string]any{}
	if len(r.Context) > 0 {
		if err := json.Unmarshal(r.Context, &ctx); err != nil {
			return nil, fmt.Errorf("assessment %s: context: %w", r.ID, err)
		}
	}

	return &Assessment{
		ID:        r.ID,
		SessionID: r.SessionID,
		Result: risk.ScoreResult{
			Score:             r.Score,
			Status:            status,
			RecommendedAction: action,
			ReasonCodes:       reasons,
			Metadata: risk.Metadata{
				ModelVersion:   r.ModelVersion,
				WeightsVersion: r.WeightsVersion,
				HardRuleFired:  r.HardRuleFired,
				HardRuleCode:   r.HardRuleCode,
				HardRuleMode:   risk.HardRuleMode(r.HardRuleMode),
				Context:        ctx,
			},
		},
		EvaluatedAt: r.EvaluatedAt.UTC(),
	}, nil
}
