package resolver

import (
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/continuum/internal/history"
)

// ContextWindow is how many of the most recent turns the model sees.
const ContextWindow = 10

// Sampling for a short structured reply.
const (
	Temperature float32 = 0.1
	MaxTokens           = 500
)

// SystemPrompt defines the rewrite contract for the disambiguation model.
const SystemPrompt = `You are a reference-resolution agent in a multi-turn chat system. Different language models may answer different turns, and the model answering the next turn will NOT see the earlier conversation. Your only job is to rewrite the user's latest message so that it is fully explicit on its own.

Rules:
- Replace pronouns and vague references ("he", "she", "it", "they", "their", "that university", "the company", "this one") with the most recently mentioned entity of the matching type in the conversation.
- If exactly one plausible candidate entity exists, resolve it automatically. Do not ask the user.
- Only treat a reference as ambiguous when several candidates are equally plausible AND choosing the wrong one would materially change the answer. Even then, resolve to the most recently mentioned candidate; you cannot ask a clarification question.
- Never invent entities that do not appear in the conversation.
- Keep the user's intent, language and wording; change only what is needed to make references explicit.
- If nothing needs or can be resolved, set "resolvedQuery" to the latest user message exactly as given and "entities" to [].

Output format:
Respond with a single JSON object and nothing else. No prose, no explanation, no Markdown. The object has exactly two keys:
{"resolvedQuery": "<the explicit rewritten message>", "entities": ["<each entity you used to resolve a reference>"]}`

// Window returns the last ContextWindow turns of recent.
func Window(recent []history.Message) []history.Message {
	if len(recent) > ContextWindow {
		return recent[len(recent)-ContextWindow:]
	}
	return recent
}

// lineBreaks are the only characters Transcript rewrites in a turn.
var lineBreaks = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// Transcript renders turns as "role: content", one turn per line. Line breaks
// inside a turn become spaces; everything else is kept verbatim.
func Transcript(turns []history.Message) string {
	lines := make([]string, 0, len(turns))
	for _, m := range turns {
		lines = append(lines, string(m.Role)+": "+lineBreaks.Replace(m.Content))
	}
	return strings.Join(lines, "\n")
}

// UserPrompt embeds the transcript and the latest raw message.
func UserPrompt(turns []history.Message, raw string) string {
	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	if t := Transcript(turns); t != "" {
		b.WriteString(t)
	} else {
		b.WriteString("(no earlier turns)")
	}
	b.WriteString("\n\nLatest user message:\n")
	b.WriteString(raw)
	b.WriteString("\n\nRespond with ONLY the JSON object {\"resolvedQuery\": string, \"entities\": string[]}.")
	return b.String()
}

func (r *Resolver) buildRequest(recent []history.Message, raw string) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: UserPrompt(Window(recent), raw)},
		},
		Temperature: Temperature,
		MaxTokens:   MaxTokens,
	}
}
