package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the sessionguard MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolScoreSession = mcp.NewTool("score_session",
	mcp.WithDescription(
		"Score a user session for fraud or account-takeover risk. "+
			"Returns a 0-100 trust score (higher is safer), a status (LEGITIMATE, SUSPICIOUS, HIGH_RISK), "+
			"the recommended action (ALLOW, STEP_UP_AUTH, BLOCK) and the reason codes that drove it. "+
			"The assessment is recorded for audit."),
	mcp.WithString("session_id",
		mcp.Description("Optional session identifier used to group assessments (letters, digits, '.', '_', ':' or '-')")),
	mcp.WithObject("device",
		mcp.Description("Device signals, e.g. {\"known_device\": true, \"is_emulator\": false, \"locale\": \"en-US\"}")),
	mcp.WithObject("behavior",
		mcp.Description("Behavioral signals, e.g. {\"failed_auth_attempts\": 2, \"requests_per_minute\": 40, \"session_duration_seconds\": 600}")),
	mcp.WithObject("geo",
		mcp.Description("Network and location signals, e.g. {\"is_vpn\": true, \"country_code\": \"US\", \"threat_level\": \"low\"}")),
	mcp.WithObject("biometrics",
		mcp.Description("Biometric signals, e.g. {\"match_score\": 0.93, \"liveness\": true}")),
)

var ToolExplainFeatures = mcp.NewTool("explain_features",
	mcp.WithDescription(
		"Show how a session payload is scored without recording it: the normalised feature vector, "+
			"every weighted contribution, the raw score and calibration bound, and the resulting decision. "+
			"Use this to understand why a session scored the way it did."),
	mcp.WithObject("device",
		mcp.Description("Device signals")),
	mcp.WithObject("behavior",
		mcp.Description("Behavioral signals")),
	mcp.WithObject("geo",
		mcp.Description("Network and location signals")),
	mcp.WithObject("biometrics",
		mcp.Description("Biometric signals")),
)

var ToolGetWeights = mcp.NewTool("get_weights",
	mcp.WithDescription(
		"Get the active feature weights, their version, the calibration bound and the hard-rule mode. "+
			"Positive weights are trust signals, negative weights are risk signals."),
)

var ToolListRules = mcp.NewTool("list_rules",
	mcp.WithDescription(
		"List the hard rules in evaluation order. The first rule that matches decides the session."),
)

var ToolSessionHistory = mcp.NewTool("session_history",
	mcp.WithDescription(
		"List recent recorded assessments for a session, newest first."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session identifier passed when scoring")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of assessments to return (default 10, max 200)")),
)
