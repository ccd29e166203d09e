package agent

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/haasonsaas/nexus/pkg/models"
)

// HistoryMessage is one entry of an AgentState's messageHistory
// (spec.md §3). Tool messages carry ToolName/ToolCallID and a tagged-union
// Content; other roles carry plain Text.
type HistoryMessage struct {
	Role       models.Role                `json:"role"`
	Text       string                     `json:"text,omitempty"`
	ToolName   string                     `json:"toolName,omitempty"`
	ToolCallID string                     `json:"toolCallId,omitempty"`
	Content    []models.ToolResultOutput  `json:"content,omitempty"`
}

// Output is an AgentState's terminal result (spec.md §3): either a success
// value (from set_output) or a fatal error message.
type Output struct {
	Type    string          `json:"type"` // "success" | "error"
	Message string          `json:"message,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// State is spec.md's AgentState: the mutable, serializable instance data
// for one running agent. It is owned exclusively by its step executor
// (SPEC_FULL.md §5) - sub-agents and tool handlers must not mutate it
// directly; sub-agent results are folded in by the parent's executor at
// join time (see internal/multiagent).
type State struct {
	mu sync.Mutex

	AgentID   string `json:"agentId"`
	ParentID  string `json:"parentId,omitempty"`
	AgentType string `json:"agentType"`

	MessageHistory []HistoryMessage `json:"messageHistory"`

	StepsRemaining int `json:"stepsRemaining"`

	// DirectCreditsUsed counts only this agent's own LLM calls and charged
	// tool calls. CreditsUsed additionally rolls up completed children's
	// CreditsUsed (SPEC_FULL.md §3 invariant).
	DirectCreditsUsed float64 `json:"directCreditsUsed"`
	CreditsUsed       float64 `json:"creditsUsed"`

	Subgoals map[string]string `json:"subgoals,omitempty"`

	Output *Output `json:"output,omitempty"`
}

// NewState creates a fresh agent instance from template for either the root
// agent of a prompt or a sub-agent spawned by a parent.
func NewState(agentID, parentID string, tmpl *Template) *State {
	return &State{
		AgentID:        agentID,
		ParentID:       parentID,
		AgentType:      tmpl.ID,
		StepsRemaining: tmpl.StepBudget,
		Subgoals:       make(map[string]string),
	}
}

// Done reports whether the agent has reached a terminal state.
func (s *State) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Output != nil
}

// Finish records s's terminal output. Idempotent: the first call wins.
func (s *State) Finish(out Output) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Output == nil {
		s.Output = &out
	}
}

// AppendAssistant appends the accumulated text of one completed step as a
// single assistant message (spec.md §4.3 step 5).
func (s *State) AppendAssistant(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MessageHistory = append(s.MessageHistory, HistoryMessage{Role: models.RoleAssistant, Text: text})
}

// AppendUser appends a new user-turn prompt, e.g. a spawned sub-agent's
// initial prompt from its parent's spawn_agents/spawn_agent_inline input.
func (s *State) AppendUser(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MessageHistory = append(s.MessageHistory, HistoryMessage{Role: models.RoleUser, Text: text})
}

// AppendToolResult appends one tool result message in call order.
func (s *State) AppendToolResult(toolName, toolCallID string, result models.ToolResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MessageHistory = append(s.MessageHistory, HistoryMessage{
		Role:       models.RoleTool,
		ToolName:   toolName,
		ToolCallID: toolCallID,
		Content:    models.ToolResultOutputsFromResult(result),
	})
}

// AppendSpawnResult appends the synthetic tool message spec.md §3 requires
// after a spawn_agents/spawn_agent_inline call: a single "tool" message
// named spawn_agents carrying each child's output, ordered by spawn index.
func (s *State) AppendSpawnResult(toolCallID string, outputs []models.ToolResultOutput) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MessageHistory = append(s.MessageHistory, HistoryMessage{
		Role:       models.RoleTool,
		ToolName:   "spawn_agents",
		ToolCallID: toolCallID,
		Content:    outputs,
	})
}

// InlineChildHistory appends a spawned child's full message history onto
// the parent's, for spawn_agent_inline children whose template sets
// outputMode=all_messages (spec.md §4.4).
func (s *State) InlineChildHistory(messages []HistoryMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MessageHistory = append(s.MessageHistory, messages...)
}

// AddCredits adds amount to both DirectCreditsUsed and CreditsUsed -
// used when this agent's own LLM call or charged tool call completes.
// Per the Open Question decision in SPEC_FULL.md §9, amount must never be
// applied for a failed call.
func (s *State) AddCredits(amount float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DirectCreditsUsed += amount
	s.CreditsUsed += amount
}

// RollUpChildCredits adds a completed child's CreditsUsed to this agent's
// CreditsUsed only, not DirectCreditsUsed (spec.md §4.4 cost roll-up).
func (s *State) RollUpChildCredits(childCreditsUsed float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CreditsUsed += childCreditsUsed
}

// DecrementStep decrements the step budget and reports whether it is
// exhausted. Returns an error result once StepsRemaining would go below
// zero, per spec.md §3's "stepsRemaining strictly decreases ... reaching 0
// forces termination" invariant.
func (s *State) DecrementStep() (exhausted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StepsRemaining <= 0 {
		return true
	}
	s.StepsRemaining--
	return s.StepsRemaining <= 0 && s.Output == nil
}

// Snapshot returns a value copy of the state's public fields for
// serialization (e.g. into SessionState returned to the client).
func (s *State) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s
	cp.MessageHistory = append([]HistoryMessage(nil), s.MessageHistory...)
	return cp
}

// FileContext is spec.md's ProjectFileContext: an opaque, client-supplied
// bundle describing the workspace. Repo-tree snapshotting and git-diffing
// that would populate it are external collaborators (spec.md §1
// Out-of-scope); this module only carries the value through.
type FileContext struct {
	ProjectRoot           string            `json:"projectRoot"`
	Cwd                   string            `json:"cwd"`
	FileTree              json.RawMessage   `json:"fileTree,omitempty"`
	FileTokenScores       map[string]int    `json:"fileTokenScores,omitempty"`
	KnowledgeFiles        []string          `json:"knowledgeFiles,omitempty"`
	GitChanges            json.RawMessage   `json:"gitChanges,omitempty"`
	SystemInfo            map[string]string `json:"systemInfo,omitempty"`
	AgentTemplates        []*Template       `json:"agentTemplates,omitempty"`
	CustomToolDefinitions json.RawMessage   `json:"customToolDefinitions,omitempty"`
}

// SessionState is spec.md's SessionState: the serializable bundle passed
// between client and server across prompts.
type SessionState struct {
	Main        *State      `json:"mainAgentState"`
	FileContext FileContext `json:"fileContext"`
}

// ResetServerTruth zeroes any client-supplied credit counters before the
// loop starts, per spec.md §3: "server truth is authoritative - any value
// arriving from the client is reset to zero before the loop starts."
func (s *SessionState) ResetServerTruth() error {
	if s == nil || s.Main == nil {
		return fmt.Errorf("session state missing main agent state")
	}
	s.Main.mu.Lock()
	s.Main.DirectCreditsUsed = 0
	s.Main.CreditsUsed = 0
	s.Main.mu.Unlock()
	return nil
}
