package gateway

import (
	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/tools/policy"
)

// toolPolicyForTemplate builds a policy.Policy mirroring tmpl's declared
// tool set (agent.Template.ToolNamesList). agent.Template.AllowsTool
// remains the step executor's own, authoritative allow-list; this is the
// same set expressed as a policy.Policy so a policy.Resolver can apply
// richer profile/group/deny rules as a further restriction on top of it.
func toolPolicyForTemplate(tmpl *agent.Template) *policy.Policy {
	if tmpl == nil || len(tmpl.ToolNamesList) == 0 {
		return nil
	}
	return &policy.Policy{Allow: append([]string(nil), tmpl.ToolNamesList...)}
}

// NewGatewayToolResolver builds the policy.Resolver shared across
// requests for tool-gate decisions, seeded with the package's default
// tool groups (internal/tools/policy.DefaultGroups).
func NewGatewayToolResolver() *policy.Resolver {
	return policy.NewResolver()
}

// allowsTool is the gate applied before dispatching toolName: tmpl's own
// allow-list is always the ceiling, and override - typically a
// deployment- or org-wide deny policy loaded from config - can only
// narrow it further, never grant a tool tmpl itself disallows.
func allowsTool(resolver *policy.Resolver, tmpl *agent.Template, override *policy.Policy, toolName string) bool {
	if !tmpl.AllowsTool(toolName) {
		return false
	}
	if override == nil {
		return true
	}
	merged := policy.Merge(toolPolicyForTemplate(tmpl), &policy.Policy{Deny: override.Deny})
	return resolver.IsAllowed(merged, toolName)
}
