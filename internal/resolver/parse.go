package resolver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Stage tags which parse attempt produced a result.
type Stage string

const (
	StageNone     Stage = ""
	StageDirect   Stage = "direct"
	StageFenced   Stage = "fenced"
	StageBalanced Stage = "balanced"
)

// maxSpanStarts bounds how many '{' positions the balanced-span attempt tries.
const maxSpanStarts = 32

// ParseResolution runs the parse chain over a model reply: trim, strip a
// wrapping code fence, strict JSON, then the first balanced {...} span that
// decodes. The decoded object must pass validation.
func ParseResolution(text string) (Result, Stage, error) {
	body := strings.TrimSpace(text)
	stage := StageDirect
	if inner, ok := stripFence(body); ok {
		body, stage = inner, StageFenced
	}
	if body == "" {
		return Result{}, StageNone, fmt.Errorf("%w: empty reply", ErrMalformed)
	}

	obj, err := decodeObject(body)
	if err != nil {
		var ok bool
		if obj, ok = firstBalancedObject(body); !ok {
			return Result{}, StageNone, fmt.Errorf("%w: no JSON object in reply: %v", ErrMalformed, err)
		}
		stage = StageBalanced
	}

	res, err := validate(obj)
	if err != nil {
		return Result{}, stage, err
	}
	return res, stage, nil
}

// stripFence removes a Markdown code fence that wraps the whole text,
// optionally tagged with a language such as json.
func stripFence(s string) (string, bool) {
	if len(s) < 6 || !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") {
		return s, false
	}
	inner := s[3 : len(s)-3]
	if nl := strings.IndexByte(inner, '\n'); nl >= 0 {
		if tag := strings.TrimSpace(inner[:nl]); tag == "" || isFenceTag(tag) {
			inner = inner[nl+1:]
		}
	} else if len(inner) >= 4 && strings.EqualFold(inner[:4], "json") {
		inner = inner[4:]
	}
	return strings.TrimSpace(inner), true
}

func isFenceTag(tag string) bool {
	for _, r := range tag {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '+':
		default:
			return false
		}
	}
	return true
}

// decodeObject strictly decodes s as a single JSON object.
func decodeObject(s string) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("top-level value is null")
	}
	return obj, nil
}

// firstBalancedObject tries the balanced {...} spans of s in order of their
// opening brace and returns the first one that decodes as an object.
func firstBalancedObject(s string) (map[string]json.RawMessage, bool) {
	from := 0
	for range maxSpanStarts {
		i := strings.IndexByte(s[from:], '{')
		if i < 0 {
			return nil, false
		}
		start := from + i
		if end := matchBrace(s, start); end > 0 {
			if obj, err := decodeObject(s[start : end+1]); err == nil {
				return obj, true
			}
		}
		from = start + 1
	}
	return nil, false
}

// matchBrace returns the index of the brace closing the one at start, or -1.
// Braces inside JSON string literals do not count.
func matchBrace(s string, start int) int {
	depth := 0
	inString, escaped := false, false
	for k := start; k < len(s); k++ {
		c := s[k]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return k
			}
		}
	}
	return -1
}

// validate accepts an object with a non-empty string resolvedQuery. Entities
// keep only the string elements of an array, without blanks or duplicates.
func validate(obj map[string]json.RawMessage) (Result, error) {
	raw, ok := obj["resolvedQuery"]
	if !ok {
		return Result{}, fmt.Errorf("%w: resolvedQuery is missing", ErrInvalid)
	}
	query, ok := jsonString(raw)
	if !ok {
		return Result{}, fmt.Errorf("%w: resolvedQuery is not a string", ErrInvalid)
	}
	if strings.TrimSpace(query) == "" {
		return Result{}, fmt.Errorf("%w: resolvedQuery is empty", ErrInvalid)
	}

	entities := []string{}
	var items []json.RawMessage
	if rawEntities, ok := obj["entities"]; ok && json.Unmarshal(rawEntities, &items) == nil {
		seen := make(map[string]struct{}, len(items))
		for _, item := range items {
			e, ok := jsonString(item)
			if !ok || strings.TrimSpace(e) == "" {
				continue
			}
			if _, dup := seen[e]; dup {
				continue
			}
			seen[e] = struct{}{}
			entities = append(entities, e)
		}
	}

	return Result{ResolvedQuery: query, Entities: entities}, nil
}

// jsonString decodes raw only when it is a JSON string literal.
func jsonString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
