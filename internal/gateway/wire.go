// Package gateway provides the websocket client transport (C6) and the
// request-gating middleware chain (C5) described in SPEC_FULL.md.
//
// wire.go defines the Go structs for the ClientAction/ServerAction/
// StreamEvent tagged unions of SPEC_FULL.md §6.1, each carrying a `Type`
// discriminator and every variant's fields flattened onto one struct
// (validated against the per-type jsonschema in ws_schema.go before any
// field is trusted).
package gateway

import (
	"encoding/json"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/pkg/models"
)

// ClientAction is the client->server half of the wire protocol (spec.md
// §6.1): init, prompt, or cancel-user-input, fields flattened across all
// three variants.
type ClientAction struct {
	Type string `json:"type"`

	FingerprintID string `json:"fingerprintId,omitempty"`
	AuthToken     string `json:"authToken,omitempty"`

	// init
	FileContext json.RawMessage `json:"fileContext,omitempty"`

	// prompt
	PromptID     string           `json:"promptId,omitempty"`
	Prompt       string           `json:"prompt,omitempty"`
	Content      []json.RawMessage `json:"content,omitempty"`
	SessionState *agent.SessionState `json:"sessionState,omitempty"`
	CostMode     string           `json:"costMode,omitempty"`
	AgentID      string           `json:"agentId,omitempty"`
	PromptParams json.RawMessage  `json:"promptParams,omitempty"`
	ToolResults  []models.ToolResult `json:"toolResults,omitempty"`
	RepoURL      string           `json:"repoUrl,omitempty"`
}

// Empty reports whether a prompt action carries neither free-text prompt
// nor structured content - spec.md §9 Open Question #3: this is rejected
// before ever reaching the agent loop, rather than substituted with
// sentinel text.
func (a *ClientAction) Empty() bool {
	return a.Prompt == "" && len(a.Content) == 0
}

// StreamEvent is one element of a response-chunk's `chunk` payload
// (spec.md §6.1).
type StreamEvent struct {
	Type string `json:"type"`

	AgentID              string `json:"agentId,omitempty"`
	ParentAgentID        string `json:"parentAgentId,omitempty"`
	MessageHistoryLength int    `json:"messageHistoryLength,omitempty"`

	Text string `json:"text,omitempty"`

	ToolCallID      string          `json:"toolCallId,omitempty"`
	ToolName        string          `json:"toolName,omitempty"`
	Input           json.RawMessage `json:"input,omitempty"`
	Output          any             `json:"output,omitempty"`
	IncludeToolCall bool            `json:"includeToolCall,omitempty"`

	AgentType string       `json:"agentType,omitempty"`
	Chunk     *StreamEvent `json:"chunk,omitempty"` // subagent_chunk

	Message string `json:"message,omitempty"`

	TotalCost float64 `json:"totalCost,omitempty"`
}

// ServerAction is the server->client half of the wire protocol (spec.md
// §6.1), fields flattened across all variants.
type ServerAction struct {
	Type string `json:"type"`

	// usage-response / init-response
	Usage            *UsageSnapshot `json:"usage,omitempty"`
	RemainingBalance *float64       `json:"remainingBalance,omitempty"`
	BalanceBreakdown *UsageSnapshot `json:"balanceBreakdown,omitempty"`
	NextQuotaReset   int64          `json:"next_quota_reset,omitempty"`
	AutoTopupAdded   *float64       `json:"autoTopupAdded,omitempty"`

	// response-chunk
	UserInputID string       `json:"userInputId,omitempty"`
	Chunk       *StreamEvent `json:"chunk,omitempty"`

	// prompt-response
	PromptID     string            `json:"promptId,omitempty"`
	SessionState *agent.SessionState `json:"sessionState,omitempty"`
	Output       *agent.Output     `json:"output,omitempty"`
	ToolCalls    []models.ToolCall `json:"toolCalls,omitempty"`
	ToolResults  []models.ToolResult `json:"toolResults,omitempty"`

	// prompt-error / action-error
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`

	// request-tool-call
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	MCPConfig  json.RawMessage `json:"mcpConfig,omitempty"`

	// request-files
	FilePaths []string `json:"filePaths,omitempty"`
}

// UsageSnapshot is the usage/balance shape emitted in usage-response and
// init-response, grounded on internal/usage's Usage/Cost types but
// expressed in the credits unit the billing dep reports in rather than
// raw tokens+USD, per spec.md §4.5 step 4.
type UsageSnapshot struct {
	CreditsUsed    float64 `json:"creditsUsed"`
	CreditsGranted float64 `json:"creditsGranted"`
	TotalRemaining float64 `json:"totalRemaining"`
	TotalDebt      float64 `json:"totalDebt"`
}

func usageSnapshotFrom(b agent.UsageBalance) *UsageSnapshot {
	return &UsageSnapshot{
		CreditsUsed:    b.CreditsUsed,
		CreditsGranted: b.CreditsGranted,
		TotalRemaining: b.TotalRemaining,
		TotalDebt:      b.TotalDebt,
	}
}
