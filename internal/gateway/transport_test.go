package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/pkg/models"
)

// scriptedProvider streams one canned completion per call, in order. Used
// to drive the agent loop through a fixed multi-step script end to end.
// For the first call, if block is set, it sends blockAfter chunks, then
// waits on block before attempting to send the rest - simulating a real
// stream that stalls mid-delivery, so a cancellation landing during the
// wait is the scenario under test rather than one the fake short-circuits.
type scriptedProvider struct {
	steps      [][]*agent.CompletionChunk
	calls      int
	block      chan struct{}
	blockAfter int
}

func (p *scriptedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	i := p.calls
	p.calls++
	chunks := p.steps[i]
	ch := make(chan *agent.CompletionChunk)
	go func() {
		defer close(ch)
		for idx, c := range chunks {
			if p.block != nil && i == 0 && idx == p.blockAfter {
				<-p.block
			}
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}
func (p *scriptedProvider) Name() string            { return "scripted" }
func (p *scriptedProvider) Models() []agent.Model   { return nil }
func (p *scriptedProvider) SupportsTools() bool     { return true }

func testServerTemplate(id string, toolNames ...string) *agent.Template {
	return &agent.Template{ID: id, Model: "test-model", StepBudget: 10, ToolNamesList: toolNames}
}

func newTestServer(t *testing.T, provider agent.LLMProvider, tmpl *agent.Template) *Server {
	t.Helper()
	registry := agent.NewToolRegistry()
	RegisterClientTools(registry)

	executor := agent.NewStepExecutor(provider, registry, agent.RuntimeOptions{})
	loop := agent.NewAgentLoop(executor)

	templates, err := agent.NewTemplateRegistry([]*agent.Template{tmpl}, map[string]string{"normal": tmpl.ID})
	if err != nil {
		t.Fatalf("NewTemplateRegistry: %v", err)
	}
	return NewServer(&Gate{}, templates, loop, agent.NewCancelRegistry(), nil)
}

func dialTestServer(t *testing.T, srv *Server) (*websocket.Conn, func()) {
	t.Helper()
	httpServer := httptest.NewServer(srv)
	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		httpServer.Close()
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		conn.Close()
		httpServer.Close()
	}
}

func readAction(t *testing.T, conn *websocket.Conn) *ServerAction {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var action ServerAction
	if err := json.Unmarshal(data, &action); err != nil {
		t.Fatalf("unmarshal server action: %v", err)
	}
	return &action
}

// TestTransport_PromptWithClientDelegatedTool mirrors spec.md S3: the LLM
// emits text then a client-delegated tool call; the client replies with a
// tool-call-reply; the loop runs one more step and finishes.
func TestTransport_PromptWithClientDelegatedTool(t *testing.T) {
	toolCall := models.ToolCall{ID: "call-1", Name: "list_directory", Input: json.RawMessage(`{"path":"."}`)}
	provider := &scriptedProvider{steps: [][]*agent.CompletionChunk{
		{{Text: "ok, listing.\n"}, {ToolCall: &toolCall}, {Done: true}},
		{{Text: "done"}, {Done: true}},
	}}
	tmpl := testServerTemplate("root", "list_directory")
	srv := newTestServer(t, provider, tmpl)
	conn, cleanup := dialTestServer(t, srv)
	defer cleanup()

	prompt := map[string]any{
		"type": "prompt", "fingerprintId": "fp1", "promptId": "p1",
		"prompt": "please list the directory", "costMode": "normal", "sessionState": map[string]any{},
	}
	raw, _ := json.Marshal(prompt)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write prompt: %v", err)
	}

	var sawStart, sawText, sawToolCall, sawToolResult, sawFinish bool
	var toolCallID string
	for i := 0; i < 10; i++ {
		action := readAction(t, conn)
		if action.Type != "response-chunk" {
			continue
		}
		switch action.Chunk.Type {
		case "start":
			sawStart = true
		case "text":
			sawText = true
		case "tool_call":
			sawToolCall = true
			toolCallID = action.Chunk.ToolCallID
			// Reply as the client, completing the round trip.
			reply := map[string]any{
				"type": "tool-call-reply", "userInputId": "p1", "toolCallId": toolCallID,
				"output": []map[string]any{{"type": "json", "value": map[string]any{"files": []string{"a.ts"}, "directories": []string{}}}},
			}
			replyRaw, _ := json.Marshal(reply)
			if err := conn.WriteMessage(websocket.TextMessage, replyRaw); err != nil {
				t.Fatalf("write reply: %v", err)
			}
		case "tool_result":
			sawToolResult = true
		case "finish":
			sawFinish = true
		}
		if sawFinish {
			break
		}
	}

	if !sawStart || !sawText || !sawToolCall || !sawToolResult || !sawFinish {
		t.Fatalf("missing expected chunk types: start=%v text=%v tool_call=%v tool_result=%v finish=%v",
			sawStart, sawText, sawToolCall, sawToolResult, sawFinish)
	}
	if toolCallID == "" {
		t.Fatal("expected a tool call id to have been captured")
	}

	final := readAction(t, conn)
	if final.Type != "prompt-response" {
		t.Fatalf("type = %q, want prompt-response", final.Type)
	}
	if final.SessionState == nil || final.SessionState.Main == nil {
		t.Fatal("expected sessionState.mainAgentState in the final response")
	}
	found := false
	for _, m := range final.SessionState.Main.MessageHistory {
		if m.ToolName == "list_directory" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the tool message to appear in messageHistory")
	}
}

// TestTransport_CancelMidStream mirrors spec.md S6: cancel-user-input fires
// while a step is still streaming; the response is bounded and ends with a
// terminal error output mentioning "aborted".
func TestTransport_CancelMidStream(t *testing.T) {
	block := make(chan struct{})
	provider := &scriptedProvider{
		block:      block,
		blockAfter: 5,
		steps: [][]*agent.CompletionChunk{
			{{Text: "one"}, {Text: "two"}, {Text: "three"}, {Text: "four"}, {Text: "five"}, {Done: true}},
		},
	}
	tmpl := testServerTemplate("root")
	srv := newTestServer(t, provider, tmpl)
	conn, cleanup := dialTestServer(t, srv)
	defer cleanup()

	prompt := map[string]any{
		"type": "prompt", "fingerprintId": "fp1", "promptId": "p1",
		"prompt": "go slow", "costMode": "normal", "sessionState": map[string]any{},
	}
	raw, _ := json.Marshal(prompt)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write prompt: %v", err)
	}

	// Wait for the start chunk, then cancel before unblocking the provider.
	start := readAction(t, conn)
	if start.Chunk == nil || start.Chunk.Type != "start" {
		t.Fatalf("expected a start chunk first, got %+v", start)
	}
	cancel := ClientAction{Type: "cancel-user-input", PromptID: "p1"}
	cancelRaw, _ := json.Marshal(cancel)
	if err := conn.WriteMessage(websocket.TextMessage, cancelRaw); err != nil {
		t.Fatalf("write cancel: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let the cancel land before the stream proceeds
	close(block)

	var chunkCount int
	var final *ServerAction
	for i := 0; i < 20; i++ {
		action := readAction(t, conn)
		if action.Type == "prompt-response" {
			final = action
			break
		}
		chunkCount++
	}

	if final == nil {
		t.Fatal("expected a terminal prompt-response")
	}
	if final.Output == nil || final.Output.Type != "error" {
		t.Fatalf("output = %+v, want type error", final.Output)
	}
	if !strings.Contains(final.Output.Message, "aborted") {
		t.Fatalf("output message %q does not contain %q", final.Output.Message, "aborted")
	}
	if chunkCount > 12 {
		t.Fatalf("expected a bounded number of chunks after cancellation, got %d", chunkCount)
	}
}
