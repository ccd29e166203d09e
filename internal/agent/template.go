package agent

import (
	"encoding/json"
	"fmt"
	"sync"
)

// OutputMode controls how a finished sub-agent's result is folded back
// into its parent's message history (SPEC_FULL.md §3, §4.4).
type OutputMode string

const (
	OutputLastMessage     OutputMode = "last_message"
	OutputStructured      OutputMode = "structured_output"
	OutputAllMessages     OutputMode = "all_messages"
)

// Template is the static, config-loaded description of one agent kind
// (spec.md's AgentTemplate). Templates are read-only after startup and
// shared by every AgentState instantiated from them, grounded on the
// teacher's config-driven model catalog (internal/models/catalog.go).
type Template struct {
	ID                        string              `yaml:"id" json:"id"`
	DisplayName               string              `yaml:"display_name" json:"displayName"`
	Model                     string              `yaml:"model" json:"model"`
	ToolNames                 map[string]struct{} `yaml:"-" json:"-"`
	ToolNamesList             []string            `yaml:"tool_names" json:"toolNames"`
	SpawnableAgents           map[string]struct{} `yaml:"-" json:"-"`
	SpawnableAgentsList       []string            `yaml:"spawnable_agents" json:"spawnableAgents"`
	MCPServers                map[string]json.RawMessage `yaml:"mcp_servers" json:"mcpServers"`
	IncludeMessageHistory     bool                `yaml:"include_message_history" json:"includeMessageHistory"`
	InheritParentSystemPrompt bool                `yaml:"inherit_parent_system_prompt" json:"inheritParentSystemPrompt"`
	OutputMode                OutputMode          `yaml:"output_mode" json:"outputMode"`
	SystemPrompt              string              `yaml:"system_prompt" json:"systemPrompt"`
	InstructionsPrompt        string              `yaml:"instructions_prompt" json:"instructionsPrompt"`
	StepPrompt                string              `yaml:"step_prompt" json:"stepPrompt"`
	InputSchema               json.RawMessage     `yaml:"input_schema" json:"inputSchema"`
	StepBudget                int                 `yaml:"step_budget" json:"stepBudget"`
}

// AllowsTool reports whether name is in this template's declared tool set,
// including MCP tools declared via an "mcpServerName:" prefix matching a
// configured mcpServers entry.
func (t *Template) AllowsTool(name string) bool {
	if t == nil {
		return false
	}
	if _, ok := t.ToolNames[name]; ok {
		return true
	}
	for prefix := range t.MCPServers {
		if len(name) > len(prefix)+1 && name[:len(prefix)+1] == prefix+":" {
			return true
		}
	}
	return false
}

// AllowsSpawn reports whether childTemplateID may be spawned by an agent
// running this template.
func (t *Template) AllowsSpawn(childTemplateID string) bool {
	if t == nil {
		return false
	}
	_, ok := t.SpawnableAgents[childTemplateID]
	return ok
}

func (t *Template) normalize() {
	t.ToolNames = make(map[string]struct{}, len(t.ToolNamesList))
	for _, n := range t.ToolNamesList {
		t.ToolNames[n] = struct{}{}
	}
	t.SpawnableAgents = make(map[string]struct{}, len(t.SpawnableAgentsList))
	for _, n := range t.SpawnableAgentsList {
		t.SpawnableAgents[n] = struct{}{}
	}
	if t.OutputMode == "" {
		t.OutputMode = OutputLastMessage
	}
	if t.StepBudget <= 0 {
		t.StepBudget = 25
	}
}

// TemplateRegistry is the read-only-after-startup set of loaded templates,
// plus any per-session user overrides carried in ProjectFileContext
// (spec.md's "agentTemplates (user overrides)").
type TemplateRegistry struct {
	mu        sync.RWMutex
	templates map[string]*Template
	byCost    map[string]string // costMode -> template id
}

// NewTemplateRegistry builds a registry from the statically loaded
// templates and the cost-mode routing table (both read once at startup).
func NewTemplateRegistry(templates []*Template, costModeRouting map[string]string) (*TemplateRegistry, error) {
	reg := &TemplateRegistry{
		templates: make(map[string]*Template, len(templates)),
		byCost:    costModeRouting,
	}
	for _, t := range templates {
		if t == nil || t.ID == "" {
			return nil, fmt.Errorf("agent template missing id")
		}
		t.normalize()
		reg.templates[t.ID] = t
	}
	for mode, id := range costModeRouting {
		if _, ok := reg.templates[id]; !ok {
			return nil, fmt.Errorf("cost mode %q routes to unknown template %q", mode, id)
		}
	}
	return reg, nil
}

// Get returns the template for id.
func (r *TemplateRegistry) Get(id string) (*Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	return t, ok
}

// ForCostMode deterministically selects a template id for a costMode,
// satisfying testable property 6: "the selected template is a
// deterministic function of costMode."
func (r *TemplateRegistry) ForCostMode(costMode string) (*Template, bool) {
	r.mu.RLock()
	id, ok := r.byCost[costMode]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.Get(id)
}

// WithOverrides returns a copy of the registry with the given user-supplied
// template overrides merged in (spec.md's ProjectFileContext.agentTemplates),
// without mutating the shared startup registry.
func (r *TemplateRegistry) WithOverrides(overrides []*Template) *TemplateRegistry {
	r.mu.RLock()
	merged := make(map[string]*Template, len(r.templates)+len(overrides))
	for id, t := range r.templates {
		merged[id] = t
	}
	byCost := make(map[string]string, len(r.byCost))
	for k, v := range r.byCost {
		byCost[k] = v
	}
	r.mu.RUnlock()

	for _, t := range overrides {
		if t == nil || t.ID == "" {
			continue
		}
		t.normalize()
		merged[t.ID] = t
	}
	return &TemplateRegistry{templates: merged, byCost: byCost}
}
