package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sessionguard/internal/assessment"
	"github.com/mbd888/sessionguard/internal/risk"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewClient(Config{APIURL: ts.URL, ClientID: "mcp-test"})
	return NewHandlers(client), ts.Close
}

// newAPIHandler serves the real scoring API over an in-memory store.
func newAPIHandler(t *testing.T) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)

	p, err := risk.NewPipeline()
	require.NoError(t, err)
	svc := assessment.NewService(p, assessment.NewMemoryStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	r := gin.New()
	assessment.NewHandler(svc).RegisterRoutes(r.Group("/v1"))
	return r
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_ClientIDHeader(t *testing.T) {
	var gotID string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get("X-Client-ID")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, ClientID: "agent-7"})
	_, err := client.GetWeights(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "agent-7", gotID)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "validation_error",
			"message": "session_id: must be 1-128 characters",
		})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	_, err := client.Score(context.Background(), "bad id", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "session_id: must be 1-128 characters")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	_, err := client.ListRules(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewClient(Config{APIURL: "http://127.0.0.1:1"})
	_, err := client.GetWeights(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_ScoreBody(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/score", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	_, err := client.Score(context.Background(), "sess-1", map[string]any{"geo": map[string]any{"is_vpn": true}})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got["session_id"])
	assert.Equal(t, map[string]any{"geo": map[string]any{"is_vpn": true}}, got["payload"])
}

// ============================================================
// Tool handler tests against the real API
// ============================================================

func TestHandleScoreSession(t *testing.T) {
	h, cleanup := newTestSetup(newAPIHandler(t))
	defer cleanup()

	result, err := h.HandleScoreSession(context.Background(), makeRequest(map[string]any{
		"session_id": "mcp-1",
		"behavior":   map[string]any{"credential_revoked": true},
		"ignored":    "value",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	text := resultText(t, result)
	assert.Contains(t, text, "Session: mcp-1")
	assert.Contains(t, text, "Status: HIGH_RISK")
	assert.Contains(t, text, "Recommended action: BLOCK")
	assert.Contains(t, text, "Hard rule: "+risk.CodeCredentialRevoked)
	assert.Contains(t, text, "hard rule")
}

func TestHandleScoreSession_Neutral(t *testing.T) {
	h, cleanup := newTestSetup(newAPIHandler(t))
	defer cleanup()

	result, err := h.HandleScoreSession(context.Background(), makeRequest(nil))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Trust score: 50/100")
	assert.Contains(t, text, "Status: SUSPICIOUS")
	assert.NotContains(t, text, "Reasons:")
}

func TestHandleScoreSession_APIError(t *testing.T) {
	h, cleanup := newTestSetup(newAPIHandler(t))
	defer cleanup()

	result, err := h.HandleScoreSession(context.Background(), makeRequest(map[string]any{
		"session_id": "not valid!",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Failed to score session")
}

func TestHandleExplainFeatures(t *testing.T) {
	h, cleanup := newTestSetup(newAPIHandler(t))
	defer cleanup()

	result, err := h.HandleExplainFeatures(context.Background(), makeRequest(map[string]any{
		"device": map[string]any{"known_device": true},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Raw score: 4.000 (bound ±16.500)")
	assert.Contains(t, text, risk.FeatureDeviceKnown)
}

func TestHandleExplainFeatures_AllNeutral(t *testing.T) {
	h, cleanup := newTestSetup(newAPIHandler(t))
	defer cleanup()

	result, err := h.HandleExplainFeatures(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "none (all signals neutral)")
}

func TestHandleGetWeights(t *testing.T) {
	h, cleanup := newTestSetup(newAPIHandler(t))
	defer cleanup()

	result, err := h.HandleGetWeights(context.Background(), makeRequest(nil))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Weights "+risk.DefaultWeightsVersion)
	assert.Contains(t, text, "Hard rule mode: override, top_k: 5")
	assert.Contains(t, text, risk.FeatureGeoTor)
}

func TestHandleListRules(t *testing.T) {
	h, cleanup := newTestSetup(newAPIHandler(t))
	defer cleanup()

	result, err := h.HandleListRules(context.Background(), makeRequest(nil))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "1. "+risk.CodeCredentialRevoked)
	assert.Contains(t, text, risk.CodeAuthBruteForce)
}

func TestHandleListRules_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rules":[],"hard_rule_mode":"override"}`))
	}))
	defer cleanup()

	result, err := h.HandleListRules(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No hard rules configured.", resultText(t, result))
}

func TestHandleSessionHistory(t *testing.T) {
	h, cleanup := newTestSetup(newAPIHandler(t))
	defer cleanup()
	ctx := context.Background()

	for range 2 {
		_, err := h.HandleScoreSession(ctx, makeRequest(map[string]any{"session_id": "hist-1"}))
		require.NoError(t, err)
	}

	result, err := h.HandleSessionHistory(ctx, makeRequest(map[string]any{"session_id": "hist-1", "limit": float64(5)}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "2 assessment(s) for session hist-1")

	result, err = h.HandleSessionHistory(ctx, makeRequest(map[string]any{"session_id": "nobody"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No assessments recorded")
}

func TestHandleSessionHistory_MissingID(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleSessionHistory(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "session_id is required")
}

func TestFormatContribution(t *testing.T) {
	assert.Equal(t, "hard rule", formatContribution(risk.HardRuleSentinel))
	assert.Equal(t, "hard rule", formatContribution(-2001))
	assert.Equal(t, "-1.500", formatContribution(-1.5))
	assert.Equal(t, "+0.250", formatContribution(0.25))
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"})
	require.NotNil(t, s)
}
