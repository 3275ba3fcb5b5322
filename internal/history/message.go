package history

import (
	"slices"
	"time"
)

// Role identifies who authored a turn. System-authored turns are not stored.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a role the store accepts from the outside.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message represents a single conversational turn. Its position in the
// session sequence is its ordering key; CreatedAt is for display only.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// UserMessage builds a user turn stamped with the current time.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, CreatedAt: time.Now().UTC()}
}

// AssistantMessage builds an assistant turn stamped with the current time.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content, CreatedAt: time.Now().UTC()}
}

// Conversation is one session's full record.
type Conversation struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	Messages  []Message `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// tail returns an independent copy of the last limit messages.
func tail(msgs []Message, limit int) []Message {
	if limit <= 0 {
		return []Message{}
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := slices.Clone(msgs)
	if out == nil {
		out = []Message{}
	}
	return out
}
