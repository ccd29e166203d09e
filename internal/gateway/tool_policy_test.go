package gateway

import (
	"testing"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/tools/policy"
)

func TestAllowsTool_TemplateIsTheCeiling(t *testing.T) {
	tmpl := &agent.Template{ID: "a", ToolNamesList: []string{"read", "websearch"}}
	reg, _ := agent.NewTemplateRegistry([]*agent.Template{tmpl}, nil)
	tmpl, _ = reg.Get("a")

	resolver := NewGatewayToolResolver()

	if !allowsTool(resolver, tmpl, nil, "read") {
		t.Fatal("expected read to be allowed (in template's own list)")
	}
	if allowsTool(resolver, tmpl, nil, "exec") {
		t.Fatal("expected exec to be denied (not in template's own list)")
	}
}

func TestAllowsTool_OverrideCanOnlyNarrow(t *testing.T) {
	tmpl := &agent.Template{ID: "a", ToolNamesList: []string{"read", "websearch"}}
	reg, _ := agent.NewTemplateRegistry([]*agent.Template{tmpl}, nil)
	tmpl, _ = reg.Get("a")

	resolver := NewGatewayToolResolver()
	override := &policy.Policy{Deny: []string{"websearch"}, Allow: []string{"exec"}}

	if !allowsTool(resolver, tmpl, override, "read") {
		t.Fatal("expected read to remain allowed")
	}
	if allowsTool(resolver, tmpl, override, "websearch") {
		t.Fatal("expected override deny to narrow websearch out")
	}
	if allowsTool(resolver, tmpl, override, "exec") {
		t.Fatal("expected override allow to NOT widen beyond the template's own tool set")
	}
}
