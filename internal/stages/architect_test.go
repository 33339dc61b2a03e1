package stages

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchitect_ReadsResearchAndStoresDesign(t *testing.T) {
	te := newTestEnv(t)
	_, err := te.mem.Store(context.Background(), string(Research), ItemFinding, "Handle operator precedence")
	require.NoError(t, err)
	te.model.onText(architectPrompt, "```json\n"+`{
		"summary": "A small CLI calculator.",
		"language": "Go",
		"components": [{"name": "parser", "responsibility": "turn input into an AST"}],
		"files": [{"path": "go.mod", "purpose": "module"}, {"path": "main.go", "purpose": "entry point"}]
	}`+"\n```")

	res := NewArchitect().Execute(context.Background(), newView(), te.Env)
	require.True(t, res.Succeeded, res.ErrorDetail)
	assert.False(t, res.Degraded)

	out := decodeOutput[ArchitectOutput](t, res)
	assert.Equal(t, "go", out.Language)
	assert.Len(t, out.Files, 2)

	users := te.model.users[promptKey(architectPrompt)]
	require.Len(t, users, 1)
	assert.Contains(t, users[0], "Handle operator precedence")

	designs := te.mem.contents(string(Architect), ItemDesign)
	require.Len(t, designs, 1)
	assert.Contains(t, designs[0], "parser: turn input into an AST")
	assert.Equal(t, []string{"go.mod: module", "main.go: entry point"},
		te.mem.contents(string(Architect), ItemFilePlan))
}

func TestArchitect_FallbackDesign(t *testing.T) {
	te := newTestEnv(t)
	te.model.onText(architectPrompt, `Summary: A CLI calculator
Language: Python

Files:
- calc.py - arithmetic and parsing
- test_calc.py - unit tests
- the parser should be hand written
`)

	res := NewArchitect().Execute(context.Background(), newView(), te.Env)
	require.True(t, res.Succeeded, res.ErrorDetail)
	assert.True(t, res.Degraded)

	out := decodeOutput[ArchitectOutput](t, res)
	assert.Equal(t, "python", out.Language)
	assert.Equal(t, "A CLI calculator", out.Summary)
	assert.Equal(t, []PlannedFile{
		{Path: "calc.py", Purpose: "arithmetic and parsing"},
		{Path: "test_calc.py", Purpose: "unit tests"},
	}, out.Files)
}

func TestArchitect_ModelErrorFails(t *testing.T) {
	te := newTestEnv(t)

	res := NewArchitect().Execute(context.Background(), newView(), te.Env)
	assert.False(t, res.Succeeded)
	assert.Contains(t, res.ErrorDetail, "unscripted prompt")
	assert.Empty(t, te.mem.contents(string(Architect), ItemDesign))
}
