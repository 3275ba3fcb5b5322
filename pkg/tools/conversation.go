package tools

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/comigor/continuum/internal/conversation"
	"github.com/comigor/continuum/internal/logger"
)

// Conversations is the conversation flow the tools drive.
type Conversations interface {
	Prepare(ctx context.Context, in conversation.TurnInput) (conversation.Turn, error)
	RecordAnswer(ctx context.Context, sessionID, answer string) error
	Clear(ctx context.Context, sessionID string)
}

// RegisterConversationTools registers resolve_turn, record_answer and
// clear_session on m.
func RegisterConversationTools(m *ToolManager, conv Conversations) {
	m.RegisterTool(&ResolveTurnTool{conv: conv})
	m.RegisterTool(&RecordAnswerTool{conv: conv})
	m.RegisterTool(&ClearSessionTool{conv: conv})
}

// ResolveTurnTool records a user message and returns its explicit rewrite
type ResolveTurnTool struct {
	conv Conversations
}

func (t *ResolveTurnTool) Name() string { return "resolve_turn" }

func (t *ResolveTurnTool) Definition() mcp.Tool {
	return mcp.NewTool(t.Name(),
		mcp.WithDescription("Record the user's latest message in a session and rewrite it so pronouns and vague references name the entity they refer to. Call it before handing the message to the answering model."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Conversation session identifier")),
		mcp.WithString("content", mcp.Required(), mcp.Description("The user's message, exactly as typed")),
		mcp.WithString("user_id", mcp.Description("Optional end-user identifier")),
	)
}

func (t *ResolveTurnTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	turn, err := t.conv.Prepare(ctx, conversation.TurnInput{
		SessionID: sessionID,
		UserID:    req.GetString("user_id", ""),
		Content:   content,
	})
	if err != nil {
		return inputError(err)
	}
	return jsonResult(turn)
}

// RecordAnswerTool appends the answering model's reply to a session
type RecordAnswerTool struct {
	conv Conversations
}

func (t *RecordAnswerTool) Name() string { return "record_answer" }

func (t *RecordAnswerTool) Definition() mcp.Tool {
	return mcp.NewTool(t.Name(),
		mcp.WithDescription("Record the assistant's answer to the latest resolved turn so later references can be resolved against it."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Conversation session identifier")),
		mcp.WithString("content", mcp.Required(), mcp.Description("The assistant's answer")),
	)
}

func (t *RecordAnswerTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := t.conv.RecordAnswer(ctx, sessionID, content); err != nil {
		return inputError(err)
	}
	return mcp.NewToolResultText("recorded"), nil
}

// ClearSessionTool forgets a session
type ClearSessionTool struct {
	conv Conversations
}

func (t *ClearSessionTool) Name() string { return "clear_session" }

func (t *ClearSessionTool) Definition() mcp.Tool {
	return mcp.NewTool(t.Name(),
		mcp.WithDescription("Delete every recorded turn of a session."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Conversation session identifier")),
	)
}

func (t *ClearSessionTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	t.conv.Clear(ctx, sessionID)
	return mcp.NewToolResultText("cleared"), nil
}

// inputError reports caller mistakes as tool errors; anything else fails the call.
func inputError(err error) (*mcp.CallToolResult, error) {
	if errors.Is(err, conversation.ErrEmptySession) || errors.Is(err, conversation.ErrEmptyContent) {
		return mcp.NewToolResultError(err.Error()), nil
	}
	logger.With("tools").Error("tool call failed", "error", err)
	return nil, err
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}
