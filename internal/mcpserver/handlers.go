package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// signalGroups are the ScoreInput groups accepted as tool arguments.
var signalGroups = []string{"device", "behavior", "geo", "biometrics"}

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// payloadFromArgs collects the signal groups present in the tool call.
func payloadFromArgs(req mcp.CallToolRequest) map[string]any {
	args := req.GetArguments()
	payload := make(map[string]any, len(signalGroups))
	for _, g := range signalGroups {
		if m, ok := args[g].(map[string]any); ok {
			payload[g] = m
		}
	}
	return payload
}

// HandleScoreSession scores and records a session.
func (h *Handlers) HandleScoreSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")

	raw, err := h.client.Score(ctx, sessionID, payloadFromArgs(req))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to score session: %v", err)), nil
	}

	text, err := formatAssessment(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse assessment: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleExplainFeatures shows the scoring breakdown for a payload.
func (h *Handlers) HandleExplainFeatures(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Explain(ctx, payloadFromArgs(req))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to explain features: %v", err)), nil
	}

	text, err := formatExplanation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse explanation: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetWeights returns the active weights.
func (h *Handlers) HandleGetWeights(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetWeights(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get weights: %v", err)), nil
	}

	text, err := formatWeights(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse weights: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListRules returns the hard rules.
func (h *Handlers) HandleListRules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListRules(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list rules: %v", err)), nil
	}

	text, err := formatRules(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse rules: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleSessionHistory lists recorded assessments for a session.
func (h *Handlers) HandleSessionHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	limit := int(req.GetFloat("limit", 10))

	raw, err := h.client.ListSessionAssessments(ctx, sessionID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get session history: %v", err)), nil
	}

	text, err := formatHistory(sessionID, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session history: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// ---------------------------------------------------------------------------
// Formatting
// ---------------------------------------------------------------------------

type reasonView struct {
	Code         string  `json:"code"`
	Contribution float64 `json:"contribution"`
}

type resultView struct {
	Score             int          `json:"score"`
	Status            string       `json:"status"`
	RecommendedAction string       `json:"recommended_action"`
	ReasonCodes       []reasonView `json:"reason_codes"`
	Metadata          struct {
		WeightsVersion string `json:"weights_version"`
		HardRuleFired  bool   `json:"hard_rule_fired"`
		HardRuleCode   string `json:"hard_rule_code"`
	} `json:"metadata"`
}

type assessmentView struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	Result      resultView `json:"result"`
	EvaluatedAt string     `json:"evaluated_at"`
}

func writeResult(sb *strings.Builder, r resultView) {
	fmt.Fprintf(sb, "Trust score: %d/100\n", r.Score)
	fmt.Fprintf(sb, "Status: %s\n", r.Status)
	fmt.Fprintf(sb, "Recommended action: %s\n", r.RecommendedAction)
	if r.Metadata.HardRuleFired {
		fmt.Fprintf(sb, "Hard rule: %s\n", r.Metadata.HardRuleCode)
	}
	if len(r.ReasonCodes) > 0 {
		sb.WriteString("Reasons:\n")
		for _, rc := range r.ReasonCodes {
			fmt.Fprintf(sb, "  %-32s %s\n", rc.Code, formatContribution(rc.Contribution))
		}
	}
}

// formatContribution renders a sentinel as "hard rule" instead of a
// meaningless large number.
func formatContribution(c float64) string {
	if math.Abs(c) >= 999 {
		return "hard rule"
	}
	return fmt.Sprintf("%+.3f", c)
}

func formatAssessment(raw json.RawMessage) (string, error) {
	var resp struct {
		Assessment *assessmentView `json:"assessment"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Assessment == nil {
		return "", fmt.Errorf("unexpected assessment response format")
	}

	a := resp.Assessment
	var sb strings.Builder
	fmt.Fprintf(&sb, "Assessment %s\n", a.ID)
	if a.SessionID != "" {
		fmt.Fprintf(&sb, "Session: %s\n", a.SessionID)
	}
	writeResult(&sb, a.Result)
	fmt.Fprintf(&sb, "Weights: %s\n", a.Result.Metadata.WeightsVersion)
	return sb.String(), nil
}

func formatExplanation(raw json.RawMessage) (string, error) {
	var resp struct {
		Explanation *struct {
			Features      map[string]float64 `json:"features"`
			Contributions []struct {
				Feature string  `json:"feature"`
				Value   float64 `json:"value"`
			} `json:"contributions"`
			RawScore float64    `json:"raw_score"`
			Bound    float64    `json:"bound"`
			Result   resultView `json:"result"`
		} `json:"explanation"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Explanation == nil {
		return "", fmt.Errorf("unexpected explanation response format")
	}
	e := resp.Explanation

	var sb strings.Builder
	writeResult(&sb, e.Result)
	fmt.Fprintf(&sb, "\nRaw score: %.3f (bound ±%.3f)\n", e.RawScore, e.Bound)

	sb.WriteString("Contributions:\n")
	nonzero := 0
	for _, c := range e.Contributions {
		if c.Value == 0 {
			continue
		}
		nonzero++
		fmt.Fprintf(&sb, "  %-32s %+.3f (feature %.3f)\n", c.Feature, c.Value, e.Features[c.Feature])
	}
	if nonzero == 0 {
		sb.WriteString("  none (all signals neutral)\n")
	}
	return sb.String(), nil
}

func formatWeights(raw json.RawMessage) (string, error) {
	var resp struct {
		Version      string             `json:"version"`
		Weights      map[string]float64 `json:"weights"`
		Bound        float64            `json:"bound"`
		HardRuleMode string             `json:"hard_rule_mode"`
		TopK         int                `json:"top_k"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	names := make([]string, 0, len(resp.Weights))
	for n := range resp.Weights {
		names = append(names, n)
	}
	sort.Strings(names)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Weights %s (%d features, bound %.2f)\n", resp.Version, len(names), resp.Bound)
	fmt.Fprintf(&sb, "Hard rule mode: %s, top_k: %d\n\n", resp.HardRuleMode, resp.TopK)
	for _, n := range names {
		fmt.Fprintf(&sb, "  %-32s %+.2f\n", n, resp.Weights[n])
	}
	return sb.String(), nil
}

func formatRules(raw json.RawMessage) (string, error) {
	var resp struct {
		Rules []struct {
			Name        string `json:"name"`
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"rules"`
		HardRuleMode string `json:"hard_rule_mode"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Rules) == 0 {
		return "No hard rules configured.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d hard rule(s), mode %s:\n\n", len(resp.Rules), resp.HardRuleMode)
	for i, r := range resp.Rules {
		fmt.Fprintf(&sb, "%d. %s (%s)\n", i+1, r.Code, r.Name)
		if r.Description != "" {
			fmt.Fprintf(&sb, "   %s\n", r.Description)
		}
	}
	return sb.String(), nil
}

func formatHistory(sessionID string, raw json.RawMessage) (string, error) {
	var resp struct {
		Assessments []assessmentView `json:"assessments"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Assessments) == 0 {
		return fmt.Sprintf("No assessments recorded for session %s.", sessionID), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d assessment(s) for session %s:\n\n", len(resp.Assessments), sessionID)
	for i, a := range resp.Assessments {
		fmt.Fprintf(&sb, "%d. %s  score %d  %s/%s", i+1, a.EvaluatedAt, a.Result.Score, a.Result.Status, a.Result.RecommendedAction)
		if a.Result.Metadata.HardRuleFired {
			fmt.Fprintf(&sb, "  [%s]", a.Result.Metadata.HardRuleCode)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
