package mcp_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/scrypster/memgate/internal/api/mcp"
	"github.com/scrypster/memgate/internal/backend"
	"github.com/scrypster/memgate/internal/journal"
	"github.com/scrypster/memgate/pkg/types"
)

// fakeBackend records calls and serves canned responses.
type fakeBackend struct {
	mu sync.Mutex

	writes   []types.WriteRequest
	searches []types.SearchRequest
	deletes  []types.DeleteRequest

	writeErr      error
	searchErr     error
	deleteErr     error
	searchResults []backend.SearchResult
}

func (f *fakeBackend) Write(_ context.Context, req types.WriteRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, req)
	return f.writeErr
}

func (f *fakeBackend) Search(_ context.Context, req types.SearchRequest) ([]backend.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, req)
	return f.searchResults, f.searchErr
}

func (f *fakeBackend) Delete(_ context.Context, req types.DeleteRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, req)
	return f.deleteErr
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) callCounts() (writes, searches, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes), len(f.searches), len(f.deletes)
}

// dispatch sends one request through the server and decodes the response.
func dispatch(t *testing.T, s *mcp.Server, method string, params interface{}) mcp.JSONRPCResponse {
	t.Helper()

	req := mcp.JSONRPCRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1}
	data, err := json.Marshal(req)
	require.NoError(t, err)

	respData, err := s.HandleRequest(context.Background(), data)
	require.NoError(t, err)

	var resp mcp.JSONRPCResponse
	require.NoError(t, json.Unmarshal(respData, &resp))
	return resp
}

// callTool invokes tools/call with the given tool name and arguments.
func callTool(t *testing.T, s *mcp.Server, tool string, args map[string]interface{}) mcp.JSONRPCResponse {
	t.Helper()
	return dispatch(t, s, "tools/call", mcp.MCPToolCallParams{Name: tool, Arguments: args})
}

// contentText extracts the text of the first content block in a tool result.
func contentText(t *testing.T, resp mcp.JSONRPCResponse) string {
	t.Helper()
	require.Nil(t, resp.Error, "expected success, got error: %+v", resp.Error)

	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)

	var result mcp.MCPToolCallResult
	require.NoError(t, json.Unmarshal(data, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	return result.Content[0].Text
}

func newReadyServer(t *testing.T, opts ...mcp.ServerOption) (*mcp.Server, *fakeBackend) {
	t.Helper()
	fb := &fakeBackend{}
	s := mcp.NewServer(opts...)
	s.Attach(fb)
	return s, fb
}

func TestInitialize(t *testing.T) {
	s, _ := newReadyServer(t)

	resp := dispatch(t, s, "initialize", mcp.MCPInitializeParams{
		ProtocolVersion: "2024-11-05",
		ClientInfo:      mcp.MCPClientInfo{Name: "test-client", Version: "0.1"},
	})
	require.Nil(t, resp.Error)

	data, _ := json.Marshal(resp.Result)
	var result mcp.MCPInitializeResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, "2024-11-05", result.ProtocolVersion)
	assert.Equal(t, "memgate", result.ServerInfo.Name)
	assert.NotNil(t, result.Capabilities.Tools)
}

func TestToolsListExposesThreeTools(t *testing.T) {
	// The tool list is served even before a backend is attached.
	s := mcp.NewServer()

	resp := dispatch(t, s, "tools/list", nil)
	require.Nil(t, resp.Error)

	data, _ := json.Marshal(resp.Result)
	var result mcp.MCPToolsListResult
	require.NoError(t, json.Unmarshal(data, &result))

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
		assert.NotEmpty(t, tool.Description)
		assert.NotEmpty(t, tool.InputSchema)
	}
	assert.Equal(t, []string{"add_memory", "search_memory", "delete_memory"}, names)
}

func TestMethodNotFound(t *testing.T) {
	s, _ := newReadyServer(t)

	resp := dispatch(t, s, "resources/list", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrCodeMethodNotFound, resp.Error.Code)
}

func TestParseError(t *testing.T) {
	s, _ := newReadyServer(t)

	respData, err := s.HandleRequest(context.Background(), []byte(`{not json`))
	require.NoError(t, err)

	var resp mcp.JSONRPCResponse
	require.NoError(t, json.Unmarshal(respData, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrCodeParseError, resp.Error.Code)
}

func TestInvalidJSONRPCVersion(t *testing.T) {
	s, _ := newReadyServer(t)

	respData, err := s.HandleRequest(context.Background(),
		[]byte(`{"jsonrpc":"1.0","method":"tools/list","id":1}`))
	require.NoError(t, err)

	var resp mcp.JSONRPCResponse
	require.NoError(t, json.Unmarshal(respData, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrCodeInvalidRequest, resp.Error.Code)
}

func TestUnknownToolIsMethodNotFound(t *testing.T) {
	s, fb := newReadyServer(t)

	resp := callTool(t, s, "update_memory", map[string]interface{}{"id": "x"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrCodeMethodNotFound, resp.Error.Code)

	w, se, d := fb.callCounts()
	assert.Zero(t, w+se+d)
}

func TestToolCallBeforeBackendAttached(t *testing.T) {
	s := mcp.NewServer()

	resp := callTool(t, s, "search_memory", map[string]interface{}{
		"query": "q", "userId": "alice",
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrCodeInternalError, resp.Error.Code)
}

func TestReadinessCheckedBeforeValidation(t *testing.T) {
	s := mcp.NewServer()

	// Even a call with invalid arguments reports the initializing backend,
	// not the argument problem: readiness is checked first.
	for _, tool := range []string{"add_memory", "search_memory", "delete_memory"} {
		resp := callTool(t, s, tool, map[string]interface{}{})
		require.NotNil(t, resp.Error, "tool %s", tool)
		assert.Equal(t, mcp.ErrCodeInternalError, resp.Error.Code, "tool %s", tool)
		assert.Contains(t, resp.Error.Message, "still initializing", "tool %s", tool)
	}
}

func TestAddMemoryAcknowledgesBeforeWrite(t *testing.T) {
	s, fb := newReadyServer(t)

	resp := callTool(t, s, "add_memory", map[string]interface{}{
		"content":   "alice likes green tea",
		"userId":    "alice",
		"sessionId": "sess-1",
		"metadata":  map[string]interface{}{"topic": "preferences"},
	})
	assert.Equal(t, "Memory addition queued successfully", contentText(t, resp))

	s.Drain()
	fb.mu.Lock()
	defer fb.mu.Unlock()
	require.Len(t, fb.writes, 1)
	assert.Equal(t, "alice likes green tea", fb.writes[0].Content)
	assert.Equal(t, "alice", fb.writes[0].UserID)
	assert.Equal(t, "sess-1", fb.writes[0].SessionID)
	assert.Equal(t, "preferences", fb.writes[0].Metadata["topic"])
}

func TestAddMemoryWriteFailureStaysOffProtocolStream(t *testing.T) {
	var logBuf strings.Builder
	fb := &fakeBackend{writeErr: errors.New("storage exploded")}
	s := mcp.NewServer(mcp.WithLogWriter(&logBuf))
	s.Attach(fb)

	resp := callTool(t, s, "add_memory", map[string]interface{}{
		"content": "note", "userId": "alice",
	})
	// The acknowledgement is unconditional; the failure shows up only on
	// the diagnostic stream.
	assert.Equal(t, "Memory addition queued successfully", contentText(t, resp))

	s.Drain()
	assert.Contains(t, logBuf.String(), "storage exploded")
}

// stallingBackend blocks writes until their context expires, the way a hung
// upstream would.
type stallingBackend struct {
	fakeBackend
}

func (b *stallingBackend) Write(ctx context.Context, _ types.WriteRequest) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestTimedOutWriteRecordedInJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := journal.Open(path)
	require.NoError(t, err)

	var logBuf strings.Builder
	s := mcp.NewServer(
		mcp.WithJournal(j),
		mcp.WithWriteTimeout(20*time.Millisecond),
		mcp.WithLogWriter(&logBuf),
	)
	s.Attach(&stallingBackend{})

	resp := callTool(t, s, "add_memory", map[string]interface{}{
		"content": "note", "userId": "alice", "sessionId": "sess-1",
	})
	assert.Equal(t, "Memory addition queued successfully", contentText(t, resp))

	s.Drain()
	require.NoError(t, j.Close())
	assert.Contains(t, logBuf.String(), "context deadline exceeded")

	// The insert runs on its own context, so the expired write context must
	// not keep the failure out of the journal.
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	var userID, outcome, detail string
	require.NoError(t, db.QueryRow(
		"SELECT user_id, outcome, detail FROM write_outcomes").Scan(&userID, &outcome, &detail))
	assert.Equal(t, "alice", userID)
	assert.Equal(t, string(journal.OutcomeFailed), outcome)
	assert.Contains(t, detail, "context deadline exceeded")
}

func TestAddMemoryInvalidParamsSkipsBackend(t *testing.T) {
	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{"missing content", map[string]interface{}{"userId": "alice"}},
		{"missing userId", map[string]interface{}{"content": "note"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, fb := newReadyServer(t)

			resp := callTool(t, s, "add_memory", tt.args)
			require.NotNil(t, resp.Error)
			assert.Equal(t, mcp.ErrCodeInvalidParams, resp.Error.Code)

			s.Drain()
			w, _, _ := fb.callCounts()
			assert.Zero(t, w)
		})
	}
}

func TestSearchMemoryReturnsSerializedResults(t *testing.T) {
	s, fb := newReadyServer(t)
	fb.searchResults = []backend.SearchResult{
		{ID: "mem-1", Memory: "likes green tea", Score: 0.92},
	}

	resp := callTool(t, s, "search_memory", map[string]interface{}{
		"query": "tea", "userId": "alice",
	})

	var results []backend.SearchResult
	require.NoError(t, json.Unmarshal([]byte(contentText(t, resp)), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "mem-1", results[0].ID)
	assert.Equal(t, 0.92, results[0].Score)
}

func TestSearchMemoryDefaultsThreshold(t *testing.T) {
	s, fb := newReadyServer(t)

	callTool(t, s, "search_memory", map[string]interface{}{
		"query": "tea", "userId": "alice",
	})

	fb.mu.Lock()
	defer fb.mu.Unlock()
	require.Len(t, fb.searches, 1)
	require.NotNil(t, fb.searches[0].Threshold)
	assert.Equal(t, types.DefaultSearchThreshold, *fb.searches[0].Threshold)
}

func TestSearchMemoryPreservesExplicitZeroThreshold(t *testing.T) {
	s, fb := newReadyServer(t)

	callTool(t, s, "search_memory", map[string]interface{}{
		"query": "tea", "userId": "alice", "threshold": 0.0,
	})

	fb.mu.Lock()
	defer fb.mu.Unlock()
	require.Len(t, fb.searches, 1)
	require.NotNil(t, fb.searches[0].Threshold)
	assert.Equal(t, 0.0, *fb.searches[0].Threshold)
}

func TestSearchMemoryOutOfRangeThreshold(t *testing.T) {
	s, fb := newReadyServer(t)

	resp := callTool(t, s, "search_memory", map[string]interface{}{
		"query": "tea", "userId": "alice", "threshold": 1.5,
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrCodeInvalidParams, resp.Error.Code)

	_, se, _ := fb.callCounts()
	assert.Zero(t, se)
}

func TestSearchMemoryEmptyResultsIsEmptyArray(t *testing.T) {
	s, _ := newReadyServer(t)

	resp := callTool(t, s, "search_memory", map[string]interface{}{
		"query": "tea", "userId": "alice",
	})
	assert.Equal(t, "[]", contentText(t, resp))
}

func TestSearchMemoryBackendFailure(t *testing.T) {
	var logBuf strings.Builder
	fb := &fakeBackend{searchErr: errors.New("vector index offline")}
	s := mcp.NewServer(mcp.WithLogWriter(&logBuf))
	s.Attach(fb)

	resp := callTool(t, s, "search_memory", map[string]interface{}{
		"query": "tea", "userId": "alice",
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrCodeInternalError, resp.Error.Code)
	assert.Contains(t, logBuf.String(), "vector index offline")
}

func TestDeleteMemorySuccess(t *testing.T) {
	s, fb := newReadyServer(t)

	resp := callTool(t, s, "delete_memory", map[string]interface{}{
		"memoryId": "mem-7", "userId": "alice",
	})
	assert.Equal(t, "Memory mem-7 deleted successfully", contentText(t, resp))

	fb.mu.Lock()
	defer fb.mu.Unlock()
	require.Len(t, fb.deletes, 1)
	assert.Equal(t, "mem-7", fb.deletes[0].MemoryID)
}

func TestDeleteMemoryBackendFailure(t *testing.T) {
	fb := &fakeBackend{deleteErr: errors.New("both delete paths failed")}
	s := mcp.NewServer()
	s.Attach(fb)

	resp := callTool(t, s, "delete_memory", map[string]interface{}{
		"memoryId": "mem-7", "userId": "alice",
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrCodeInternalError, resp.Error.Code)
}

func TestDeleteMemoryInvalidParams(t *testing.T) {
	s, fb := newReadyServer(t)

	resp := callTool(t, s, "delete_memory", map[string]interface{}{"userId": "alice"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrCodeInvalidParams, resp.Error.Code)

	_, _, d := fb.callCounts()
	assert.Zero(t, d)
}

func TestEnvDefaultsFillMissingIdentifiers(t *testing.T) {
	fb := &fakeBackend{}
	s := mcp.NewServer(mcp.WithDefaults("default-user", "default-sess"))
	s.Attach(fb)

	resp := callTool(t, s, "add_memory", map[string]interface{}{"content": "note"})
	assert.Equal(t, "Memory addition queued successfully", contentText(t, resp))

	s.Drain()
	fb.mu.Lock()
	defer fb.mu.Unlock()
	require.Len(t, fb.writes, 1)
	assert.Equal(t, "default-user", fb.writes[0].UserID)
	assert.Equal(t, "default-sess", fb.writes[0].SessionID)
}

func TestExplicitIdentifiersWinOverDefaults(t *testing.T) {
	fb := &fakeBackend{}
	s := mcp.NewServer(mcp.WithDefaults("default-user", "default-sess"))
	s.Attach(fb)

	callTool(t, s, "search_memory", map[string]interface{}{
		"query": "q", "userId": "alice", "sessionId": "sess-9",
	})

	fb.mu.Lock()
	defer fb.mu.Unlock()
	require.Len(t, fb.searches, 1)
	assert.Equal(t, "alice", fb.searches[0].UserID)
	assert.Equal(t, "sess-9", fb.searches[0].SessionID)
}

func TestSecondAttachIsIgnored(t *testing.T) {
	first := &fakeBackend{}
	second := &fakeBackend{}
	s := mcp.NewServer()
	s.Attach(first)
	s.Attach(second)

	callTool(t, s, "search_memory", map[string]interface{}{"query": "q", "userId": "alice"})

	_, se1, _ := first.callCounts()
	_, se2, _ := second.callCounts()
	assert.Equal(t, 1, se1)
	assert.Zero(t, se2)
}

func TestReady(t *testing.T) {
	s := mcp.NewServer()
	assert.False(t, s.Ready())
	s.Attach(&fakeBackend{})
	assert.True(t, s.Ready())
}
