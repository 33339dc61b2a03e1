package llm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/forge/internal/apperr"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"bare", `{"a":1}`, `{"a":1}`, true},
		{"fenced", "Here you go:\n```json\n{\"a\": [1, 2]}\n```\nthanks", `{"a": [1, 2]}`, true},
		{"prose around", `The answer is {"score": 0.9, "note": "uses } in string"} ok`, `{"score": 0.9, "note": "uses } in string"}`, true},
		{"array", `items: ["x", "y"]`, `["x", "y"]`, true},
		{"skips invalid braces", `set {x} then {"ok": true}`, `{"ok": true}`, true},
		{"none", "no structure here", "", false},
		{"unterminated", `{"a": 1`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractJSON(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Score float64 `json:"score"`
	}
	require.NoError(t, DecodeJSON("```json\n{\"score\": 0.85}\n```", &v))
	assert.Equal(t, 0.85, v.Score)

	err := DecodeJSON("I think it is pretty good", &v)
	var ve *apperr.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.ErrorIs(t, err, ErrNoJSON)
	assert.Equal(t, apperr.KindValidation, apperr.Classify(err))

	err = DecodeJSON(`{"score": "high"}`, &v)
	assert.True(t, errors.As(err, &ve))
}

func TestExtractCodeBlocks(t *testing.T) {
	in := "Here is the project.\n\n" +
		"```go main.go\npackage main\n\nfunc main() {}\n```\n\n" +
		"```python\n# file: calc/ops.py\ndef add(a, b):\n    return a + b\n```\n\n" +
		"### `README.md`\n```markdown\n# Calc\n```\n" +
		"```\nno path here\n```\n"

	blocks := ExtractCodeBlocks(in)
	require.Len(t, blocks, 4)

	assert.Equal(t, CodeBlock{Lang: "go", Path: "main.go", Body: "package main\n\nfunc main() {}\n"}, blocks[0])
	assert.Equal(t, "calc/ops.py", blocks[1].Path)
	assert.Equal(t, "def add(a, b):\n    return a + b\n", blocks[1].Body)
	assert.Equal(t, "README.md", blocks[2].Path)
	assert.Equal(t, "", blocks[3].Path)
}

func TestExtractFields(t *testing.T) {
	in := "**Summary**: a small calculator\n- Language: Go\nscore: 0.7\nSummary: ignored duplicate"
	f := ExtractFields(in)
	assert.Equal(t, "a small calculator", f["summary"])
	assert.Equal(t, "Go", f["language"])
	assert.Equal(t, "0.7", f["score"])
}

func TestExtractList(t *testing.T) {
	in := "Findings:\n- use float64\n* handle divide by zero\n1. add tests\n2) document\nnot a bullet"
	assert.Equal(t, []string{"use float64", "handle divide by zero", "add tests", "document"}, ExtractList(in))
}

func TestExtractScore(t *testing.T) {
	s, ok := ExtractScore("Overall score: 0.85 (good)")
	require.True(t, ok)
	assert.Equal(t, 0.85, s)

	s, ok = ExtractScore("Score = 1")
	require.True(t, ok)
	assert.Equal(t, 1.0, s)

	_, ok = ExtractScore("score: 85/100")
	assert.False(t, ok)
	_, ok = ExtractScore("no rating")
	assert.False(t, ok)
}
