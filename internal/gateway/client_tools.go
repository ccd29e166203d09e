package gateway

import (
	"encoding/json"

	"github.com/haasonsaas/nexus/internal/agent"
)

// clientDelegatedTool names one of SPEC_FULL.md §4.1's client-delegated
// tools and its LLM-facing schema. Execution never happens in this
// process; RegisterClientTools wires each into a ToolRegistry as an
// agent.ClientTool whose Execute round-trips through whichever
// agent.ToolBridge the transport attaches to the request's context.
type clientDelegatedTool struct {
	name        string
	description string
	schema      string
}

var clientDelegatedTools = []clientDelegatedTool{
	{"write_file", "Write content to a file in the client's workspace.", `{
		"type": "object",
		"required": ["path", "content"],
		"properties": {
			"path":    {"type": "string"},
			"content": {"type": "string"}
		}
	}`},
	{"str_replace", "Replace an exact string match in a client workspace file.", `{
		"type": "object",
		"required": ["path", "old", "new"],
		"properties": {
			"path": {"type": "string"},
			"old":  {"type": "string"},
			"new":  {"type": "string"}
		}
	}`},
	{"run_terminal_command", "Run a shell command in the client's workspace and return its output.", `{
		"type": "object",
		"required": ["command"],
		"properties": {
			"command": {"type": "string"},
			"cwd":     {"type": "string"}
		}
	}`},
	{"code_search", "Search the client workspace for a pattern.", `{
		"type": "object",
		"required": ["pattern"],
		"properties": {
			"pattern": {"type": "string"},
			"path":    {"type": "string"}
		}
	}`},
	{"glob", "List files in the client workspace matching a glob pattern.", `{
		"type": "object",
		"required": ["pattern"],
		"properties": {
			"pattern": {"type": "string"}
		}
	}`},
	{"list_directory", "List the files and directories at a path in the client workspace.", `{
		"type": "object",
		"required": ["path"],
		"properties": {
			"path": {"type": "string"}
		}
	}`},
	{"browser_logs", "Return the client's browser console logs captured since the last call.", `{
		"type": "object",
		"properties": {}
	}`},
	{"run_file_change_hooks", "Run the client's configured post-edit hooks (formatters, linters) for changed files.", `{
		"type": "object",
		"required": ["paths"],
		"properties": {
			"paths": {"type": "array", "items": {"type": "string"}}
		}
	}`},
}

// RegisterClientTools wires SPEC_FULL.md §4.1's client-delegated tool set
// into registry. Call once per ToolRegistry a Server is built over; each
// tool's Execute resolves the bridge attached per-request by
// handlePrompt, not a shared one, so this is safe to call before any
// connection exists.
func RegisterClientTools(registry *agent.ToolRegistry) {
	for _, t := range clientDelegatedTools {
		registry.Register(agent.NewClientTool(t.name, t.description, json.RawMessage(t.schema)))
	}
}
