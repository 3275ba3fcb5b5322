package resolver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseResolution_Stages(t *testing.T) {
	obj := `{"resolvedQuery": "What is MIT's acceptance rate?", "entities": ["MIT"]}`
	want := Result{ResolvedQuery: "What is MIT's acceptance rate?", Entities: []string{"MIT"}}

	cases := []struct {
		name  string
		text  string
		stage Stage
	}{
		{"direct", "  " + obj + "\n", StageDirect},
		{"fenced json", "```json\n" + obj + "\n```", StageFenced},
		{"fenced bare", "```\n" + obj + "\n```", StageFenced},
		{"fenced one line", "```json" + obj + "```", StageFenced},
		{"prose", "Here you go:\n" + obj + "\nLet me know!", StageBalanced},
		{"fence inside prose", "Result:\n```json\n" + obj + "\n```", StageBalanced},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, stage, err := ParseResolution(tc.text)
			require.NoError(t, err)
			require.Equal(t, tc.stage, stage)
			require.Equal(t, want, got)
		})
	}
}

func TestParseResolution_BracesInsideStrings(t *testing.T) {
	text := `note {not json} then {"resolvedQuery": "What does {x} mean in \"Go\"?", "entities": ["Go"]}`
	got, stage, err := ParseResolution(text)
	require.NoError(t, err)
	require.Equal(t, StageBalanced, stage)
	require.Equal(t, `What does {x} mean in "Go"?`, got.ResolvedQuery)
}

func TestParseResolution_EntitiesFiltered(t *testing.T) {
	got, _, err := ParseResolution(`{"resolvedQuery": "q", "entities": ["MIT", 3, null, {"a": 1}, "", "MIT", "Harvard"]}`)
	require.NoError(t, err)
	require.Equal(t, []string{"MIT", "Harvard"}, got.Entities)

	got, _, err = ParseResolution(`{"resolvedQuery": "q", "entities": "MIT"}`)
	require.NoError(t, err)
	require.NotNil(t, got.Entities)
	require.Empty(t, got.Entities)

	got, _, err = ParseResolution(`{"resolvedQuery": "q"}`)
	require.NoError(t, err)
	require.Empty(t, got.Entities)
}

func TestParseResolution_Failures(t *testing.T) {
	_, _, err := ParseResolution("no json here")
	require.ErrorIs(t, err, ErrMalformed)

	_, _, err = ParseResolution("```json\n```")
	require.ErrorIs(t, err, ErrMalformed)

	_, _, err = ParseResolution("null")
	require.ErrorIs(t, err, ErrMalformed)

	_, _, err = ParseResolution(`{"entities": []}`)
	require.ErrorIs(t, err, ErrInvalid)

	_, _, err = ParseResolution(`{"resolvedQuery": ["a"]}`)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestStripFence(t *testing.T) {
	inner, ok := stripFence("```JSON\n{}\n```")
	require.True(t, ok)
	require.Equal(t, "{}", inner)

	_, ok = stripFence("{}")
	require.False(t, ok)

	inner, ok = stripFence("```\n{\"a\": 1}```")
	require.True(t, ok)
	require.Equal(t, `{"a": 1}`, inner)
}

func TestMatchBrace(t *testing.T) {
	require.Equal(t, 8, matchBrace(`{"a":"}"}`, 0))
	require.Equal(t, -1, matchBrace(`{"a": {`, 0))
}
