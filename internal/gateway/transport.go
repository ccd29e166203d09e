// Package gateway provides the websocket client transport (C6) and the
// request-gating middleware chain (C5) described in SPEC_FULL.md.
//
// transport.go is the actual connection handler: one persistent duplex
// websocket per client session (spec.md §4.6), grounded on the teacher's
// ws_control_plane.go session/upgrader/readLoop/writeLoop shape, adapted
// from its gRPC-hybrid JSON-RPC framing onto the plain ClientAction/
// ServerAction envelope this spec's wire protocol defines.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/pkg/models"
)

const (
	transportMaxPayloadBytes = 1 << 20
	transportPongWait        = 45 * time.Second
	transportPingInterval    = 15 * time.Second
	transportWriteWait       = 10 * time.Second
)

// Server is C6's shared, connection-independent state: one per process,
// handing out a wsSession per upgraded connection.
type Server struct {
	Gate      *Gate
	Templates *agent.TemplateRegistry
	Loop      *agent.AgentLoop
	Cancel    *agent.CancelRegistry
	Logger    *slog.Logger

	upgrader websocket.Upgrader
	sessions sync.Map // id (string) -> time.Time connectedAt, for the CLI's "sessions" command
}

// SessionInfo describes one live client connection, for the CLI's
// `sessions list` / an admin endpoint.
type SessionInfo struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// ActiveSessions lists every currently-connected client, oldest first.
func (s *Server) ActiveSessions() []SessionInfo {
	var infos []SessionInfo
	s.sessions.Range(func(key, value any) bool {
		infos = append(infos, SessionInfo{ID: key.(string), ConnectedAt: value.(time.Time)})
		return true
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectedAt.Before(infos[j].ConnectedAt) })
	return infos
}

// ServeSessionsHTTP answers the admin "list active sessions" endpoint the
// CLI's `sessions list` command reads. Separate from ServeHTTP (the
// websocket upgrade) since it is plain JSON over a regular request.
func (s *Server) ServeSessionsHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.ActiveSessions())
}

// NewServer wires the gating chain, template registry, agent loop, and
// cancellation registry into a connection handler. logger may be nil (uses
// slog.Default()).
func NewServer(gate *Gate, templates *agent.TemplateRegistry, loop *agent.AgentLoop, cancel *agent.CancelRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cancel == nil {
		cancel = agent.NewCancelRegistry()
	}
	return &Server{
		Gate:      gate,
		Templates: templates,
		Loop:      loop,
		Cancel:    cancel,
		Logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	session := &wsSession{
		server: s,
		conn:   conn,
		send:   make(chan []byte, 64),
		ctx:    ctx,
		cancel: cancel,
		id:     uuid.NewString(),
		pending: make(map[string]chan toolCallReply),
	}
	s.sessions.Store(session.id, time.Now())
	session.run()
}

// wsSession is one client's persistent connection: the single duplex
// stream spec.md §4.6 requires, serving every prompt the client sends
// until it disconnects.
type wsSession struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	id        string
	connected atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]chan toolCallReply // keyed by toolCallId
}

// toolCallReply is what a tool-call-reply ClientAction resolves a pending
// RequestToolCall() with.
type toolCallReply struct {
	output []models.ToolResultOutput
	errMsg string
}

func (s *wsSession) run() {
	defer s.close()
	go s.writeLoop()
	s.readLoop()
}

func (s *wsSession) close() {
	s.server.sessions.Delete(s.id)
	s.cancel()
	close(s.send)
	_ = s.conn.Close()

	s.pendingMu.Lock()
	for _, ch := range s.pending {
		close(ch)
	}
	s.pending = nil
	s.pendingMu.Unlock()
}

func (s *wsSession) readLoop() {
	s.conn.SetReadLimit(transportMaxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(transportPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(transportPongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.dispatch(data)
	}
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(transportPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(transportWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(transportWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (s *wsSession) sendAction(action *ServerAction) {
	data, err := json.Marshal(action)
	if err != nil {
		return
	}
	select {
	case s.send <- data:
	case <-s.ctx.Done():
	}
}

// dispatch validates and routes one inbound frame. Malformed frames and
// frames the gating chain halts never reach the agent loop.
func (s *wsSession) dispatch(raw []byte) {
	actionType, err := validateClientAction(raw)
	if err != nil {
		s.sendAction(&ServerAction{Type: "action-error", Error: "Invalid request", Message: err.Error()})
		return
	}

	switch actionType {
	case "init":
		s.handleInit(raw)
	case "prompt":
		// A prompt can run for many steps; handling it inline would block
		// readLoop from ever seeing this session's cancel-user-input or
		// tool-call-reply frames for its own duration.
		go s.handlePrompt(raw)
	case "cancel-user-input":
		s.handleCancel(raw)
	case "tool-call-reply":
		s.handleToolCallReply(raw)
	}
}

func (s *wsSession) handleInit(raw []byte) {
	var action ClientAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return
	}
	s.connected.Store(true)
	s.sendAction(&ServerAction{Type: "init-response"})
}

func (s *wsSession) handleCancel(raw []byte) {
	var action ClientAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return
	}
	s.server.Cancel.Cancel(action.PromptID)
}

func (s *wsSession) handleToolCallReply(raw []byte) {
	var payload struct {
		UserInputID string                      `json:"userInputId"`
		ToolCallID  string                       `json:"toolCallId"`
		Output      []models.ToolResultOutput    `json:"output"`
		Error       string                       `json:"error,omitempty"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	s.pendingMu.Lock()
	ch, ok := s.pending[payload.ToolCallID]
	if ok {
		delete(s.pending, payload.ToolCallID)
	}
	s.pendingMu.Unlock()
	if !ok {
		return
	}
	ch <- toolCallReply{output: payload.Output, errMsg: payload.Error}
	close(ch)
}

// handlePrompt implements spec.md §4.6 end to end for one prompt: gate,
// select a template, run the agent loop, translate its ResponseChunks into
// response-chunk ServerActions, and send the terminal prompt-response.
func (s *wsSession) handlePrompt(raw []byte) {
	var action ClientAction
	if err := json.Unmarshal(raw, &action); err != nil {
		return
	}

	if action.Empty() {
		s.sendAction(&ServerAction{
			Type: "prompt-error", UserInputID: action.PromptID,
			Error: "Invalid request", Message: "prompt must carry either text or structured content",
		})
		return
	}

	logf := func(msg string, args ...any) { s.server.Logger.Warn(msg, args...) }
	rc, halt, usageResp := s.server.Gate.Evaluate(s.ctx, &action, logf)
	if halt != nil {
		s.sendAction(halt)
		return
	}
	if usageResp != nil {
		s.sendAction(usageResp)
	}

	tmpl, ok := s.server.Templates.ForCostMode(action.CostMode)
	if !ok {
		s.sendAction(&ServerAction{Type: "prompt-error", UserInputID: action.PromptID, Error: "Invalid request", Message: "no template is registered for this costMode"})
		return
	}

	state := action.SessionState
	if state == nil || state.Main == nil {
		state = &agent.SessionState{Main: agent.NewState(action.AgentID, "", tmpl)}
	}
	if err := state.ResetServerTruth(); err != nil {
		s.sendAction(&ServerAction{Type: "prompt-error", UserInputID: action.PromptID, Error: "Invalid request", Message: err.Error()})
		return
	}
	if action.Prompt != "" {
		state.Main.AppendUser(action.Prompt)
	}

	promptCtx, cancelPrompt := context.WithCancel(s.ctx)
	unregister := s.server.Cancel.Register(action.PromptID, cancelPrompt)
	defer unregister()

	promptCtx = agent.WithRequestContext(promptCtx, rc)
	promptCtx = agent.WithToolBridge(promptCtx, &sessionToolBridge{session: s, userInputID: action.PromptID})

	chunks := make(chan *agent.ResponseChunk, 16)
	startLen := len(state.Main.Snapshot().MessageHistory)
	s.sendAction(&ServerAction{
		Type: "response-chunk", UserInputID: action.PromptID,
		Chunk: &StreamEvent{Type: "start", AgentID: state.Main.AgentID, MessageHistoryLength: startLen},
	})

	done := make(chan error, 1)
	go func() {
		done <- s.server.Loop.Run(promptCtx, tmpl, state.Main, chunks)
	}()

	go func() {
		<-done
		close(chunks)
	}()

	for chunk := range chunks {
		for _, ev := range translateChunk(chunk, state.Main.AgentID) {
			s.sendAction(&ServerAction{Type: "response-chunk", UserInputID: action.PromptID, Chunk: ev})
		}
	}
	cancelPrompt()

	snapshot := state.Main.Snapshot()
	s.sendAction(&ServerAction{
		Type: "response-chunk", UserInputID: action.PromptID,
		Chunk: &StreamEvent{Type: "finish", AgentID: snapshot.AgentID, TotalCost: snapshot.CreditsUsed},
	})

	var output *agent.Output
	if snapshot.Output != nil {
		output = snapshot.Output
	}
	s.sendAction(&ServerAction{
		Type:         "prompt-response",
		PromptID:     action.PromptID,
		SessionState: &agent.SessionState{Main: &snapshot, FileContext: state.FileContext},
		Output:       output,
	})
}

// translateChunk maps one producer-side agent.ResponseChunk onto zero or
// more wire StreamEvents (spec.md §6.1). A chunk can carry more than one
// concern (e.g. a ToolEvent alongside an Error), so this can fan out.
func translateChunk(chunk *agent.ResponseChunk, agentID string) []*StreamEvent {
	var events []*StreamEvent
	if chunk.Text != "" {
		events = append(events, &StreamEvent{Type: "text", Text: chunk.Text, AgentID: agentID})
	}
	if chunk.Thinking != "" {
		events = append(events, &StreamEvent{Type: "reasoning", Text: chunk.Thinking, AgentID: agentID})
	}
	if te := chunk.ToolEvent; te != nil {
		switch te.Stage {
		case models.ToolEventRequested:
			events = append(events, &StreamEvent{Type: "tool_call", ToolCallID: te.ToolCallID, ToolName: te.ToolName, Input: te.Input, AgentID: agentID})
		case models.ToolEventDenied:
			events = append(events, &StreamEvent{Type: "error", Message: fmt.Sprintf("%s is not currently available", te.ToolName)})
		}
	}
	if chunk.ToolResult != nil {
		events = append(events, &StreamEvent{Type: "tool_result", ToolCallID: chunk.ToolResult.ToolCallID, Output: chunk.ToolResult.Content})
	}
	if chunk.Error != nil && chunk.ToolEvent == nil {
		events = append(events, &StreamEvent{Type: "error", Message: chunk.Error.Error()})
	}
	return events
}

// sessionToolBridge implements agent.ToolBridge over one wsSession: it
// sends a request-tool-call tagged with {userInputId, toolCallId} and
// blocks until the matching tool-call-reply arrives (or ctx is cancelled).
type sessionToolBridge struct {
	session     *wsSession
	userInputID string
}

func (b *sessionToolBridge) RequestToolCall(ctx context.Context, toolName string, input json.RawMessage) ([]models.ToolResultOutput, error) {
	toolCallID := uuid.NewString()
	ch := make(chan toolCallReply, 1)

	b.session.pendingMu.Lock()
	if b.session.pending == nil {
		b.session.pendingMu.Unlock()
		return nil, fmt.Errorf("session closed")
	}
	b.session.pending[toolCallID] = ch
	b.session.pendingMu.Unlock()

	b.session.sendAction(&ServerAction{
		Type: "request-tool-call", UserInputID: b.userInputID,
		ToolCallID: toolCallID, ToolName: toolName, Input: input,
	})

	select {
	case <-ctx.Done():
		b.session.pendingMu.Lock()
		delete(b.session.pending, toolCallID)
		b.session.pendingMu.Unlock()
		return nil, ctx.Err()
	case reply, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed while awaiting %s reply", toolName)
		}
		if reply.errMsg != "" {
			return nil, fmt.Errorf("%s", reply.errMsg)
		}
		return reply.output, nil
	}
}
