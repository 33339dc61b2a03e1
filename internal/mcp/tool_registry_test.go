package mcp

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *ToolRegistry {
	t.Helper()
	r := NewToolRegistry()
	for _, tool := range []*ToolMetadata{
		{Name: "forge_start", Description: "Start or resume a workflow", Category: CategorySession, Keywords: []string{"run"}},
		{Name: "forge_status", Description: "Show progress", Category: CategorySession},
		{Name: "forge_approve", Description: "Approve or reject a pending action", Category: CategoryApproval, Keywords: []string{"permission"}},
		{Name: "forge_memory_search", Description: "Search session memory", Category: CategoryMemory},
	} {
		require.NoError(t, r.Register(tool))
	}
	return r
}

func TestToolRegistry_Register(t *testing.T) {
	r := testRegistry(t)
	assert.Equal(t, 4, r.Count())

	got, ok := r.Get("forge_approve")
	require.True(t, ok)
	assert.Equal(t, CategoryApproval, got.Category)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestToolRegistry_RegisterRejects(t *testing.T) {
	r := testRegistry(t)

	err := r.Register(&ToolMetadata{Name: "forge_start", Category: CategorySession})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	assert.ErrorIs(t, r.Register(nil), ErrInvalidTool)
	assert.ErrorIs(t, r.Register(&ToolMetadata{Category: CategorySession}), ErrInvalidTool)
	assert.ErrorIs(t, r.Register(&ToolMetadata{Name: "x"}), ErrInvalidTool)
}

func TestToolRegistry_List(t *testing.T) {
	r := testRegistry(t)

	all := r.List("")
	require.Len(t, all, 4)
	assert.Equal(t, "forge_approve", all[0].Name, "sorted by name")

	session := r.List(CategorySession)
	require.Len(t, session, 2)
	assert.Equal(t, "forge_start", session[0].Name)
	assert.Equal(t, "forge_status", session[1].Name)
}

func TestToolRegistry_Search(t *testing.T) {
	r := testRegistry(t)

	tests := []struct {
		name     string
		query    string
		category ToolCategory
		want     []string
		reason   string
	}{
		{"exact name ranks first", "forge_status", "", []string{"forge_status"}, "exact name match"},
		{"name substring", "memory", "", []string{"forge_memory_search"}, "name match"},
		{"description", "reject", "", []string{"forge_approve"}, "description match"},
		{"keyword", "permission", "", []string{"forge_approve"}, "keyword match"},
		{"regex", "^forge_(start|status)$", "", []string{"forge_start", "forge_status"}, "name match"},
		{"category filter", "forge", CategoryMemory, []string{"forge_memory_search"}, "name match"},
		{"case insensitive", "FORGE_APPROVE", "", []string{"forge_approve"}, "exact name match"},
		{"invalid regex falls back to substring", "forge_(", "", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := r.Search(tt.query, tt.category)
			var names []string
			for _, res := range results {
				names = append(names, res.Tool.Name)
			}
			assert.Equal(t, tt.want, names)
			if len(results) > 0 {
				assert.Equal(t, tt.reason, results[0].MatchReason)
			}
		})
	}

	assert.Nil(t, r.Search("", ""))
}

func TestToolRegistry_SearchOrdersByScore(t *testing.T) {
	r := testRegistry(t)
	results := r.Search("search", "")
	require.NotEmpty(t, results)
	assert.Equal(t, "forge_memory_search", results[0].Tool.Name)
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i].Score, results[i-1].Score)
	}
}

func TestToolRegistry_Concurrent(t *testing.T) {
	r := NewToolRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.Register(&ToolMetadata{Name: string(rune('a' + i)), Category: CategorySearch})
			_ = r.Search("a", "")
			_ = r.List("")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 20, r.Count())
}
