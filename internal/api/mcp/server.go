package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scrypster/memgate/internal/backend"
	"github.com/scrypster/memgate/internal/journal"
	"github.com/scrypster/memgate/internal/sidelog"
	"github.com/scrypster/memgate/pkg/types"
)

// defaultWriteTimeout bounds a queued memory write after the tool call has
// already been acknowledged.
const defaultWriteTimeout = 60 * time.Second

// recordTimeout bounds the journal insert for a completed write. The insert
// runs on its own context: the write's context may already be expired, and a
// timed-out write is exactly the outcome the journal must not miss.
const recordTimeout = 10 * time.Second

// backendHolder wraps the backend interface so it can live in an
// atomic.Pointer.
type backendHolder struct {
	b backend.Backend
}

// Server dispatches MCP requests to the attached backend.
//
// The backend is attached exactly once, possibly after the server is already
// answering protocol traffic: initialize and tools/list work immediately,
// while tool calls fail with an internal error until Attach is called.
type Server struct {
	backend atomic.Pointer[backendHolder]

	defaultUserID    string
	defaultSessionID string
	journal          *journal.Journal
	logger           *log.Logger
	writeTimeout     time.Duration

	// writes tracks queued memory writes so Drain can wait for them.
	writes sync.WaitGroup
}

// ServerOption configures optional Server dependencies.
type ServerOption func(*Server)

// WithDefaults sets fallback identifiers applied to tool calls that omit
// userId or sessionId.
func WithDefaults(userID, sessionID string) ServerOption {
	return func(s *Server) {
		s.defaultUserID = userID
		s.defaultSessionID = sessionID
	}
}

// WithJournal records queued-write outcomes in the given journal.
func WithJournal(j *journal.Journal) ServerOption {
	return func(s *Server) {
		s.journal = j
	}
}

// WithLogWriter redirects the server's diagnostic output. Tests use this to
// capture log lines.
func WithLogWriter(w io.Writer) ServerOption {
	return func(s *Server) {
		s.logger = sidelog.NewWriter(sidelog.OriginServer, w)
	}
}

// WithWriteTimeout overrides how long a queued memory write may run after it
// has been acknowledged.
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// NewServer creates an MCP server with no backend attached yet.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		logger:       sidelog.New(sidelog.OriginServer),
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attach binds the backend the server delegates to. It is called exactly
// once; later calls are ignored so a slow startup path cannot displace an
// already-serving backend.
func (s *Server) Attach(b backend.Backend) {
	if !s.backend.CompareAndSwap(nil, &backendHolder{b: b}) {
		s.logger.Printf("backend already attached, ignoring second attach")
	}
}

// Ready reports whether a backend has been attached.
func (s *Server) Ready() bool {
	return s.backend.Load() != nil
}

// Drain waits for queued memory writes to finish. Main calls this on
// shutdown so acknowledged writes are not abandoned mid-flight.
func (s *Server) Drain() {
	s.writes.Wait()
}

// HandleRequest processes one raw JSON-RPC request and returns the encoded
// response.
func (s *Server) HandleRequest(ctx context.Context, requestJSON []byte) ([]byte, error) {
	var req JSONRPCRequest
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return s.errorResponse(nil, ErrCodeParseError, "Parse error", err.Error())
	}

	// Validate JSON-RPC version
	if req.JSONRPC != "2.0" {
		return s.errorResponse(req.ID, ErrCodeInvalidRequest, "Invalid JSON-RPC version", nil)
	}

	var result interface{}
	var err error

	switch req.Method {
	case "initialize":
		result, err = s.handleInitialize(ctx, req.Params)
	case "initialized", "notifications/initialized":
		// Notification; no response body required, return empty object.
		result = map[string]interface{}{}
	case "tools/list":
		result, err = s.handleToolsList(ctx, req.Params)
	case "tools/call":
		result, err = s.handleToolsCall(ctx, req.Params)
	default:
		return s.errorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
	}

	if err != nil {
		if perr, ok := err.(*protocolError); ok {
			return s.errorResponse(req.ID, perr.code, perr.message, nil)
		}
		return s.errorResponse(req.ID, ErrCodeInternalError, err.Error(), nil)
	}

	return s.successResponse(req.ID, result)
}

func (s *Server) handleInitialize(_ context.Context, _ interface{}) (interface{}, error) {
	return MCPInitializeResult{
		ProtocolVersion: "2024-11-05",
		Capabilities: MCPServerCapabilities{
			Tools: &MCPToolsCapability{},
		},
		ServerInfo: MCPServerInfo{
			Name:    "memgate",
			Version: "1.0.0",
		},
	}, nil
}

// handleToolsList returns the list of all tools this server exposes. The
// list is static: it does not depend on the backend or its readiness.
func (s *Server) handleToolsList(_ context.Context, _ interface{}) (interface{}, error) {
	return MCPToolsListResult{Tools: buildToolsList()}, nil
}

// handleToolsCall dispatches a tools/call request to the matching tool
// handler. Failures propagate as typed protocol errors rather than
// error-shaped success content.
func (s *Server) handleToolsCall(ctx context.Context, params interface{}) (interface{}, error) {
	var p MCPToolCallParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, invalidParams(err.Error())
	}

	switch p.Name {
	case "add_memory":
		return s.handleAddMemory(ctx, p.Arguments)
	case "search_memory":
		return s.handleSearchMemory(ctx, p.Arguments)
	case "delete_memory":
		return s.handleDeleteMemory(ctx, p.Arguments)
	default:
		return nil, methodNotFound(fmt.Sprintf("unknown tool: %s", p.Name))
	}
}

// handleAddMemory validates the arguments, queues the write, and
// acknowledges immediately. The write itself runs on a detached context so
// neither the request context nor the client's patience bounds it; failures
// are reported on stderr (and the journal) only.
func (s *Server) handleAddMemory(_ context.Context, args map[string]interface{}) (interface{}, error) {
	b, err := s.attachedBackend()
	if err != nil {
		return nil, err
	}

	var req types.WriteRequest
	if err := unmarshalParams(args, &req); err != nil {
		return nil, invalidParams(err.Error())
	}
	s.applyWriteDefaults(&req)

	if err := req.Validate(); err != nil {
		return nil, invalidParams(err.Error())
	}

	s.writes.Add(1)
	go func() {
		defer s.writes.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		defer cancel()

		err := b.Write(ctx, req)

		// The write's context may be the reason it failed, so the journal
		// insert gets a fresh one.
		recordCtx, recordCancel := context.WithTimeout(context.Background(), recordTimeout)
		defer recordCancel()

		if err != nil {
			s.logger.Printf("queued memory write failed for user %s: %v", req.UserID, err)
			s.journal.Record(recordCtx, req.UserID, req.SessionID, journal.OutcomeFailed, err.Error())
			return
		}
		s.journal.Record(recordCtx, req.UserID, req.SessionID, journal.OutcomeStored, "")
	}()

	return textResult("Memory addition queued successfully"), nil
}

// handleSearchMemory validates the arguments and returns the backend's
// results serialized as JSON text content.
func (s *Server) handleSearchMemory(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	b, err := s.attachedBackend()
	if err != nil {
		return nil, err
	}

	var req types.SearchRequest
	if err := unmarshalParams(args, &req); err != nil {
		return nil, invalidParams(err.Error())
	}
	s.applySearchDefaults(&req)

	if err := req.Validate(); err != nil {
		return nil, invalidParams(err.Error())
	}
	req.Normalize()

	results, err := b.Search(ctx, req)
	if err != nil {
		s.logger.Printf("search failed for user %s: %v", req.UserID, err)
		return nil, internalError(err.Error())
	}
	if results == nil {
		results = []backend.SearchResult{}
	}

	text, err := json.Marshal(results)
	if err != nil {
		return nil, internalError(fmt.Sprintf("failed to marshal results: %v", err))
	}
	return textResult(string(text)), nil
}

// handleDeleteMemory validates the arguments and removes the memory.
func (s *Server) handleDeleteMemory(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	b, err := s.attachedBackend()
	if err != nil {
		return nil, err
	}

	var req types.DeleteRequest
	if err := unmarshalParams(args, &req); err != nil {
		return nil, invalidParams(err.Error())
	}
	if req.UserID == "" {
		req.UserID = s.defaultUserID
	}

	if err := req.Validate(); err != nil {
		return nil, invalidParams(err.Error())
	}

	if err := b.Delete(ctx, req); err != nil {
		s.logger.Printf("delete failed for memory %s: %v", req.MemoryID, err)
		return nil, internalError(err.Error())
	}
	return textResult(fmt.Sprintf("Memory %s deleted successfully", req.MemoryID)), nil
}

// attachedBackend returns the backend, or an internal error while startup is
// still in flight.
func (s *Server) attachedBackend() (backend.Backend, error) {
	holder := s.backend.Load()
	if holder == nil {
		return nil, internalError("memory backend is still initializing")
	}
	return holder.b, nil
}

// applyWriteDefaults fills missing identifiers from the server defaults.
func (s *Server) applyWriteDefaults(req *types.WriteRequest) {
	if req.UserID == "" {
		req.UserID = s.defaultUserID
	}
	if req.SessionID == "" {
		req.SessionID = s.defaultSessionID
	}
}

// applySearchDefaults fills missing identifiers from the server defaults.
func (s *Server) applySearchDefaults(req *types.SearchRequest) {
	if req.UserID == "" {
		req.UserID = s.defaultUserID
	}
	if req.SessionID == "" {
		req.SessionID = s.defaultSessionID
	}
}

// textResult wraps a string in the MCP tool-call content envelope.
func textResult(text string) *MCPToolCallResult {
	return &MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: text}},
	}
}

// buildToolsList returns the canonical list of MCP tool definitions.
func buildToolsList() []MCPTool {
	return []MCPTool{
		{
			Name:        "add_memory",
			Description: "Store a new memory about the user. Returns immediately; the memory is persisted asynchronously.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"content", "userId"},
				"properties": map[string]interface{}{
					"content":   map[string]interface{}{"type": "string", "description": "The memory content to store (required)"},
					"userId":    map[string]interface{}{"type": "string", "description": "Identifier of the user the memory belongs to (required)"},
					"sessionId": map[string]interface{}{"type": "string", "description": "Session identifier to scope the memory to"},
					"agentId":   map[string]interface{}{"type": "string", "description": "Identifier of the agent storing the memory"},
					"metadata":  map[string]interface{}{"type": "object", "description": "Arbitrary key-value metadata stored with the memory"},
				},
			},
		},
		{
			Name:        "search_memory",
			Description: "Search stored memories by semantic relevance. Results below the relevance threshold (default 0.3) are dropped.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"query", "userId"},
				"properties": map[string]interface{}{
					"query":     map[string]interface{}{"type": "string", "description": "Natural-language search query (required)"},
					"userId":    map[string]interface{}{"type": "string", "description": "Identifier of the user whose memories to search (required)"},
					"sessionId": map[string]interface{}{"type": "string", "description": "Restrict results to a session"},
					"agentId":   map[string]interface{}{"type": "string", "description": "Restrict results to an agent"},
					"filters":   map[string]interface{}{"type": "object", "description": "Additional metadata filters"},
					"threshold": map[string]interface{}{"type": "number", "description": "Minimum relevance score in [0, 1]. Defaults to 0.3. An explicit 0 disables filtering."},
				},
			},
		},
		{
			Name:        "delete_memory",
			Description: "Delete a stored memory by its ID.",
			InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []string{"memoryId", "userId"},
				"properties": map[string]interface{}{
					"memoryId": map[string]interface{}{"type": "string", "description": "Identifier of the memory to delete (required)"},
					"userId":   map[string]interface{}{"type": "string", "description": "Identifier of the user the memory belongs to (required)"},
					"agentId":  map[string]interface{}{"type": "string", "description": "Identifier of the agent requesting the deletion"},
				},
			},
		},
	}
}

// unmarshalParams re-marshals loosely typed params into a concrete struct.
func unmarshalParams(params interface{}, dest interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal params: %w", err)
	}

	return nil
}

// successResponse creates a JSON-RPC success response.
func (s *Server) successResponse(id interface{}, result interface{}) ([]byte, error) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	return json.Marshal(resp)
}

// errorResponse creates a JSON-RPC error response.
func (s *Server) errorResponse(id interface{}, code int, message string, data interface{}) ([]byte, error) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	return json.Marshal(resp)
}
