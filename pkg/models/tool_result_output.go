package models

import "encoding/json"

// ToolResultOutput is the wire-level tagged union for a tool result's
// content, used in the tool_result stream event and in a sub-agent's
// synthesized history message. Internally, tool execution still produces
// a plain ToolResult.Content string (see ToolResult); this type exists at
// the two boundaries that need a structured shape instead of text.
type ToolResultOutput struct {
	Type string `json:"type"` // "text" | "json" | "image"

	Text string `json:"text,omitempty"`

	JSON json.RawMessage `json:"value,omitempty"`

	Image *ImagePayload `json:"image,omitempty"`
}

// ImagePayload carries inline image bytes or a reference URL for a
// "image" typed ToolResultOutput.
type ImagePayload struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data,omitempty"` // base64, when inlined
	URL      string `json:"url,omitempty"`
}

// ToolResultOutputsFromResult converts a plain ToolResult into the wire
// tagged union. Content that parses as JSON is carried as a "json" output
// so structured tool results round-trip without re-escaping; anything else
// is carried verbatim as "text".
func ToolResultOutputsFromResult(result ToolResult) []ToolResultOutput {
	if result.Content == "" {
		return nil
	}
	trimmed := []byte(result.Content)
	if json.Valid(trimmed) {
		return []ToolResultOutput{{Type: "json", JSON: json.RawMessage(trimmed)}}
	}
	return []ToolResultOutput{{Type: "text", Text: result.Content}}
}
