package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/require"

	"github.com/comigor/continuum/internal/config"
	"github.com/comigor/continuum/internal/conversation"
	"github.com/comigor/continuum/internal/history"
	"github.com/comigor/continuum/internal/resolver"
)

type stubResolver struct{}

func (stubResolver) Resolve(_ context.Context, recent []history.Message, raw string) resolver.Result {
	if raw == "What's their acceptance rate?" && len(recent) > 1 {
		return resolver.Result{ResolvedQuery: "What is MIT's acceptance rate?", Entities: []string{"MIT"}}
	}
	return resolver.Fallback(raw)
}

func newTestManager(t *testing.T) (*ToolManager, *history.MemoryStore) {
	t.Helper()
	store := history.NewMemoryStore(history.Options{})
	svc := conversation.NewService(store, stubResolver{}, config.Config{})
	m := NewToolManager()
	RegisterConversationTools(m, svc)
	return m, store
}

func call(t *testing.T, m *ToolManager, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	tool, err := m.GetTool(name)
	require.NoError(t, err)
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := tool.Handle(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestToolManager_ListAndGet(t *testing.T) {
	m, _ := newTestManager(t)
	var names []string
	for _, tool := range m.List() {
		names = append(names, tool.Name())
		require.Equal(t, tool.Name(), tool.Definition().Name)
	}
	require.Equal(t, []string{"clear_session", "record_answer", "resolve_turn"}, names)

	_, err := m.GetTool("home_assistant")
	require.Error(t, err)
}

func TestConversationTools_Flow(t *testing.T) {
	m, store := newTestManager(t)

	first := call(t, m, "resolve_turn", map[string]any{"session_id": "s1", "content": "Tell me about MIT", "user_id": "u1"})
	require.False(t, first.IsError)

	require.Equal(t, "recorded", text(t, call(t, m, "record_answer", map[string]any{"session_id": "s1", "content": "MIT is a research university..."})))

	res := call(t, m, "resolve_turn", map[string]any{"session_id": "s1", "content": "What's their acceptance rate?"})
	require.False(t, res.IsError)
	var turn map[string]any
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &turn))
	require.Equal(t, "s1", turn["session_id"])
	require.Equal(t, "What's their acceptance rate?", turn["raw"])
	require.Equal(t, "What is MIT's acceptance rate?", turn["resolvedQuery"])
	require.Equal(t, []any{"MIT"}, turn["entities"])

	require.Len(t, store.FullHistory(context.Background(), "s1"), 3)

	require.Equal(t, "cleared", text(t, call(t, m, "clear_session", map[string]any{"session_id": "s1"})))
	require.False(t, store.HasSession(context.Background(), "s1"))
}

func TestConversationTools_InputErrors(t *testing.T) {
	m, _ := newTestManager(t)

	require.True(t, call(t, m, "resolve_turn", map[string]any{"content": "hi"}).IsError)
	require.True(t, call(t, m, "resolve_turn", map[string]any{"session_id": "s", "content": "   "}).IsError)
	require.True(t, call(t, m, "record_answer", map[string]any{"session_id": "s"}).IsError)
	require.True(t, call(t, m, "clear_session", map[string]any{}).IsError)
}

func TestToolManager_Attach(t *testing.T) {
	m, _ := newTestManager(t)
	s := server.NewMCPServer("continuum-test", "test", server.WithToolCapabilities(true))
	m.Attach(s)

	resp := s.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	b, err := json.Marshal(resp)
	require.NoError(t, err)
	for _, name := range []string{"resolve_turn", "record_answer", "clear_session"} {
		require.Contains(t, string(b), `"`+name+`"`)
	}
}
