// Package gateway provides the websocket client transport (C6) and the
// request-gating middleware chain (C5) described in SPEC_FULL.md.
//
// ws_schema.go validates inbound client actions against the wire protocol
// in SPEC_FULL.md §6.1 before they reach the gating chain.
package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type wsSchemaRegistry struct {
	once    sync.Once
	initErr error
	types   map[string]*jsonschema.Schema
}

var wsSchemas wsSchemaRegistry

func initWSSchemas() error {
	wsSchemas.once.Do(func() {
		schemas := map[string]string{
			"init":              wsInitActionSchema,
			"prompt":            wsPromptActionSchema,
			"cancel-user-input": wsCancelActionSchema,
			"tool-call-reply":   wsToolCallReplyActionSchema,
		}
		wsSchemas.types = make(map[string]*jsonschema.Schema, len(schemas))
		for name, schema := range schemas {
			compiled, err := jsonschema.CompileString("client_action_"+name, schema)
			if err != nil {
				wsSchemas.initErr = err
				return
			}
			wsSchemas.types[name] = compiled
		}
	})
	return wsSchemas.initErr
}

// validateClientAction checks a raw client frame against the schema for its
// declared "type" before any field of it is trusted by the gating chain.
func validateClientAction(raw []byte) (string, error) {
	if err := initWSSchemas(); err != nil {
		return "", err
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", fmt.Errorf("invalid client action frame: %w", err)
	}
	schema, ok := wsSchemas.types[envelope.Type]
	if !ok {
		return "", fmt.Errorf("unknown client action type %q", envelope.Type)
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", err
	}
	if err := schema.Validate(payload); err != nil {
		return "", err
	}
	return envelope.Type, nil
}

const wsInitActionSchema = `{
  "type": "object",
  "required": ["type", "fingerprintId", "fileContext"],
  "properties": {
    "type": { "const": "init" },
    "fingerprintId": { "type": "string", "minLength": 1 },
    "authToken": { "type": "string" },
    "fileContext": { "type": "object" }
  },
  "additionalProperties": true
}`

const wsPromptActionSchema = `{
  "type": "object",
  "required": ["type", "fingerprintId", "promptId", "sessionState", "costMode"],
  "properties": {
    "type": { "const": "prompt" },
    "fingerprintId": { "type": "string", "minLength": 1 },
    "authToken": { "type": "string" },
    "promptId": { "type": "string", "minLength": 1 },
    "prompt": { "type": "string" },
    "content": { "type": "array" },
    "sessionState": { "type": "object" },
    "costMode": { "enum": ["ask", "lite", "normal", "max", "experimental"] },
    "agentId": { "type": "string" },
    "promptParams": { "type": "object" },
    "toolResults": { "type": "array" },
    "repoUrl": { "type": "string" }
  },
  "additionalProperties": true
}`

const wsCancelActionSchema = `{
  "type": "object",
  "required": ["type", "promptId"],
  "properties": {
    "type": { "const": "cancel-user-input" },
    "authToken": { "type": "string" },
    "promptId": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

// wsToolCallReplyActionSchema is the client's paired reply to a
// request-tool-call (spec.md §4.6: "the client MUST reply with the same
// {userInputId, toolCallId} pair"). It is not one of the three core
// variants spec.md §6.1 spells out, but is required by that same section's
// contract; kept as its own schema/type here rather than overloading
// `prompt`'s toolResults field, which is for results already gathered
// between prompts.
const wsToolCallReplyActionSchema = `{
  "type": "object",
  "required": ["type", "userInputId", "toolCallId", "output"],
  "properties": {
    "type": { "const": "tool-call-reply" },
    "userInputId": { "type": "string", "minLength": 1 },
    "toolCallId": { "type": "string", "minLength": 1 },
    "output": { "type": "array" },
    "error": { "type": "string" }
  },
  "additionalProperties": true
}`
