package mcp

import (
	"context"
	"fmt"
	"strings"
)

type toolSearchInput struct {
	Query    string `json:"query" jsonschema:"Search text or regular expression matched against tool names, descriptions and keywords"`
	Category string `json:"category,omitempty" jsonschema:"Restrict to one category: session, approval, memory, search"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum results to return (default: 5)"`
}

type toolSearchOutput struct {
	Query      string          `json:"query"`
	Results    []*SearchResult `json:"results"`
	Count      int             `json:"count"`
	TotalTools int             `json:"total_tools"`
}

type toolListInput struct {
	Category string `json:"category,omitempty" jsonschema:"Restrict to one category"`
}

type toolListOutput struct {
	Tools []*ToolMetadata `json:"tools"`
	Count int             `json:"count"`
}

func (s *Server) registerSearchTools() error {
	if err := addTool(s, &ToolMetadata{
		Name:        "tool_search",
		Description: "Find forge tools by name, description or keyword",
		Category:    CategorySearch,
		Keywords:    []string{"discover", "find", "help"},
	}, func(_ context.Context, args toolSearchInput) (toolSearchOutput, string, error) {
		if err := required("query", args.Query); err != nil {
			return toolSearchOutput{}, "", err
		}
		limit := args.Limit
		if limit <= 0 {
			limit = 5
		}
		results := s.toolRegistry.Search(args.Query, ToolCategory(args.Category))
		if len(results) > limit {
			results = results[:limit]
		}

		out := toolSearchOutput{
			Query:      args.Query,
			Results:    results,
			Count:      len(results),
			TotalTools: s.toolRegistry.Count(),
		}
		if len(results) == 0 {
			return out, "No tools found matching: " + args.Query, nil
		}
		names := make([]string, len(results))
		for i, r := range results {
			names[i] = r.Tool.Name
		}
		return out, fmt.Sprintf("Found %d tool(s) for %q: %s", len(names), args.Query, strings.Join(names, ", ")), nil
	}); err != nil {
		return err
	}

	return addTool(s, &ToolMetadata{
		Name:        "tool_list",
		Description: "List every forge tool with its category",
		Category:    CategorySearch,
	}, func(_ context.Context, args toolListInput) (toolListOutput, string, error) {
		tools := s.toolRegistry.List(ToolCategory(args.Category))
		return toolListOutput{Tools: tools, Count: len(tools)}, fmt.Sprintf("Found %d tools", len(tools)), nil
	})
}
