package reranker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/forge/internal/memory"
)

func ids(items []memory.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestLexical_Rerank(t *testing.T) {
	now := time.Now()
	items := []memory.Item{
		{ID: "vague", Content: "notes about the project layout", Score: 0.9, CreatedAt: now},
		{ID: "exact", Content: "recursive descent parser for calculator expressions", Score: 0.6, CreatedAt: now},
		{ID: "partial", Content: "parser module stub", Score: 0.7, CreatedAt: now},
	}

	tests := []struct {
		name  string
		query string
		k     int
		want  []string
	}{
		{"overlap wins", "recursive descent parser", 0, []string{"exact", "partial", "vague"}},
		{"top k", "recursive descent parser", 1, []string{"exact"}},
		{"stopwords only keep order", "the and for", 0, []string{"vague", "exact", "partial"}},
		{"k above length", "parser", 10, []string{"partial", "exact", "vague"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewLexical(0).Rerank(context.Background(), tt.query, items, tt.k)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}

	assert.Equal(t, float32(0.9), items[0].Score, "input slice is not modified")
}

func TestLexical_TiesPreferNewer(t *testing.T) {
	now := time.Now()
	items := []memory.Item{
		{ID: "old", Content: "parser", Score: 0.5, CreatedAt: now.Add(-time.Hour)},
		{ID: "new", Content: "parser", Score: 0.5, CreatedAt: now},
	}
	got, err := NewLexical(0.3).Rerank(context.Background(), "parser", items, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "old"}, ids(got))
	assert.InDelta(t, 0.7*0.5+0.3*1.0, got[0].Score, 1e-6)
}

func TestLexical_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLexical(0).Rerank(ctx, "parser", []memory.Item{{ID: "a"}}, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLexical_Empty(t *testing.T) {
	got, err := NewLexical(0).Rerank(context.Background(), "parser", nil, 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTokenize(t *testing.T) {
	got := tokenize("The Parser, the PARSER and a lexer!")
	assert.Equal(t, map[string]struct{}{"parser": {}, "lexer": {}}, got)
}
