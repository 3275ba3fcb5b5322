package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/comigor/continuum/internal/config"
	"github.com/comigor/continuum/internal/history"
)

type mockLLM struct {
	mu       sync.Mutex
	requests []openai.ChatCompletionRequest
	reply    string
	err      error
	fn       func(ctx context.Context, r openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

func (m *mockLLM) CreateChatCompletion(ctx context.Context, r openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, r)
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(ctx, r)
	}
	if m.err != nil {
		return openai.ChatCompletionResponse{}, m.err
	}
	return reply(m.reply), nil
}

func (m *mockLLM) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func reply(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
		Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
	}}}
}

func testConfig() config.Config {
	return config.Config{
		LLM:      config.LLMConfig{Model: "gpt"},
		Resolver: config.ResolverConfig{Timeout: time.Second},
	}
}

func mitTurns() []history.Message {
	return []history.Message{
		{Role: history.RoleUser, Content: "Tell me about MIT"},
		{Role: history.RoleAssistant, Content: "MIT is a research university..."},
		{Role: history.RoleUser, Content: "What's their acceptance rate?"},
	}
}

// TestResolve_MITScenario covers the resolved happy path and the request contract.
func TestResolve_MITScenario(t *testing.T) {
	m := &mockLLM{reply: `{"resolvedQuery": "What is MIT's acceptance rate?", "entities": ["MIT"]}`}
	r := New(m, testConfig())

	res := r.Resolve(context.Background(), mitTurns(), "What's their acceptance rate?")
	require.Equal(t, "What is MIT's acceptance rate?", res.ResolvedQuery)
	require.Equal(t, []string{"MIT"}, res.Entities)

	require.Equal(t, 1, m.calls())
	req := m.requests[0]
	require.Equal(t, "gpt", req.Model)
	require.InDelta(t, 0.1, req.Temperature, 1e-6)
	require.Equal(t, 500, req.MaxTokens)
	require.Len(t, req.Messages, 2)
	require.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	require.Equal(t, SystemPrompt, req.Messages[0].Content)
	require.Equal(t, openai.ChatMessageRoleUser, req.Messages[1].Role)

	prompt := req.Messages[1].Content
	require.Contains(t, prompt, "user: Tell me about MIT\nassistant: MIT is a research university...\nuser: What's their acceptance rate?")
	require.Contains(t, prompt, "Latest user message:\nWhat's their acceptance rate?")
	require.Contains(t, prompt, "ONLY the JSON object")
}

func TestResolve_UsesLastTenTurns(t *testing.T) {
	var turns []history.Message
	for i := range 15 {
		turns = append(turns, history.Message{Role: history.RoleUser, Content: fmt.Sprintf("turn-%02d", i)})
	}
	m := &mockLLM{reply: `{"resolvedQuery": "q", "entities": []}`}
	New(m, testConfig()).Resolve(context.Background(), turns, "q")

	prompt := m.requests[0].Messages[1].Content
	for i := range 5 {
		require.NotContains(t, prompt, fmt.Sprintf("turn-%02d", i))
	}
	for i := 5; i < 15; i++ {
		require.Contains(t, prompt, fmt.Sprintf("user: turn-%02d", i))
	}
}

func TestResolve_FencedMatchesUnfenced(t *testing.T) {
	obj := `{"resolvedQuery": "Who founded Apple?", "entities": ["Apple"]}`
	plain := New(&mockLLM{reply: obj}, testConfig()).Resolve(context.Background(), nil, "Who founded it?")
	fenced := New(&mockLLM{reply: "```json\n" + obj + "\n```"}, testConfig()).Resolve(context.Background(), nil, "Who founded it?")
	require.Equal(t, plain, fenced)
	require.Equal(t, "Who founded Apple?", fenced.ResolvedQuery)
}

func TestResolve_ObjectInsideProse(t *testing.T) {
	m := &mockLLM{reply: `Sure! Here is the rewrite: {"resolvedQuery": "How tall is the Eiffel Tower?", "entities": ["Eiffel Tower"]} Hope that helps.`}
	res := New(m, testConfig()).Resolve(context.Background(), nil, "How tall is it?")
	require.Equal(t, "How tall is the Eiffel Tower?", res.ResolvedQuery)
	require.Equal(t, []string{"Eiffel Tower"}, res.Entities)
}

func TestResolve_NoCredential(t *testing.T) {
	res := New(nil, testConfig()).Resolve(context.Background(), mitTurns(), "What's their acceptance rate?")
	require.Equal(t, Fallback("What's their acceptance rate?"), res)
	require.NotNil(t, res.Entities)
	require.Empty(t, res.Entities)

	_, _, err := New(nil, testConfig()).resolve(context.Background(), nil, "x")
	require.ErrorIs(t, err, ErrNoCredential)
}

func TestResolve_ProviderError(t *testing.T) {
	m := &mockLLM{err: errors.New("401 invalid api key")}
	r := New(m, testConfig())
	res := r.Resolve(context.Background(), mitTurns(), "What's their acceptance rate?")
	require.Equal(t, Fallback("What's their acceptance rate?"), res)

	_, _, err := r.resolve(context.Background(), mitTurns(), "What's their acceptance rate?")
	require.ErrorIs(t, err, ErrProvider)
	require.Equal(t, "provider", Kind(err))
}

func TestResolve_TimeoutDegrades(t *testing.T) {
	m := &mockLLM{fn: func(ctx context.Context, _ openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		<-ctx.Done()
		return openai.ChatCompletionResponse{}, ctx.Err()
	}}
	cfg := testConfig()
	cfg.Resolver.Timeout = 20 * time.Millisecond
	r := New(m, cfg)

	start := time.Now()
	res := r.Resolve(context.Background(), nil, "is it open?")
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, Fallback("is it open?"), res)

	_, _, err := r.resolve(context.Background(), nil, "is it open?")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResolve_NonConformingReplies(t *testing.T) {
	for name, content := range map[string]string{
		"prose only":        "I could not resolve anything.",
		"missing query":     `{"entities": ["MIT"]}`,
		"query not string":  `{"resolvedQuery": 42, "entities": []}`,
		"empty query":       `{"resolvedQuery": "   ", "entities": []}`,
		"null query":        `{"resolvedQuery": null}`,
		"unterminated json": `{"resolvedQuery": "x"`,
		"empty reply":       "",
	} {
		t.Run(name, func(t *testing.T) {
			res := New(&mockLLM{reply: content}, testConfig()).Resolve(context.Background(), mitTurns(), "raw message")
			require.Equal(t, Fallback("raw message"), res)
		})
	}
}

func TestResolve_NoChoices(t *testing.T) {
	m := &mockLLM{fn: func(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return openai.ChatCompletionResponse{}, nil
	}}
	_, _, err := New(m, testConfig()).resolve(context.Background(), nil, "raw")
	require.ErrorIs(t, err, ErrMalformed)
}

func TestResolve_PanickingClient(t *testing.T) {
	m := &mockLLM{fn: func(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		panic("driver bug")
	}}
	res := New(m, testConfig()).Resolve(context.Background(), nil, "raw")
	require.Equal(t, Fallback("raw"), res)
}

func TestResolve_EmptyRawSkipsCall(t *testing.T) {
	m := &mockLLM{reply: `{"resolvedQuery": "invented", "entities": []}`}
	res := New(m, testConfig()).Resolve(context.Background(), mitTurns(), "  ")
	require.Equal(t, "  ", res.ResolvedQuery)
	require.Zero(t, m.calls())
}

func TestResolve_ModelDeclinesEchoes(t *testing.T) {
	m := &mockLLM{reply: `{"resolvedQuery": "hello there", "entities": []}`}
	res := New(m, testConfig()).Resolve(context.Background(), nil, "hello there")
	require.Equal(t, Fallback("hello there"), res)
}

func TestResolve_Concurrent(t *testing.T) {
	var n atomic.Int64
	m := &mockLLM{fn: func(_ context.Context, r openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		n.Add(1)
		prompt := r.Messages[1].Content
		raw := prompt[strings.Index(prompt, "Latest user message:\n")+len("Latest user message:\n"):]
		raw = raw[:strings.Index(raw, "\n")]
		return reply(fmt.Sprintf(`{"resolvedQuery": %q, "entities": ["E"]}`, raw+"!")), nil
	}}
	r := New(m, testConfig())

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw := fmt.Sprintf("message %d", i)
			res := r.Resolve(context.Background(), mitTurns(), raw)
			require.Equal(t, raw+"!", res.ResolvedQuery)
		}()
	}
	wg.Wait()
	require.EqualValues(t, 32, n.Load())
}

func TestTranscript_KeepsContentVerbatimOnOneLine(t *testing.T) {
	got := Transcript([]history.Message{
		{Role: history.RoleUser, Content: "Compare  A\tand B:\n- price\r\n- size"},
		{Role: history.RoleAssistant, Content: "  A is cheaper.  "},
	})
	require.Equal(t, "user: Compare  A\tand B: - price - size\nassistant:   A is cheaper.  ", got)
}
