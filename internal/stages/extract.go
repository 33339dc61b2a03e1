package stages

import (
	"strings"

	"github.com/fyrsmithlabs/forge/internal/llm"
)

// Fallback extraction for replies that were not valid JSON.

func extractFields(text string) map[string]string {
	return llm.ExtractFields(text)
}

// extractListOrLines returns the list items in text, or its non-empty
// lines when it has none.
func extractListOrLines(text string) []string {
	if items := llm.ExtractList(text); len(items) > 0 {
		return items
	}
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasSuffix(line, ":") || strings.HasPrefix(line, "```") {
			continue
		}
		out = append(out, line)
	}
	return out
}

func firstParagraph(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "\n\n"); i >= 0 {
		text = text[:i]
	}
	return truncate(text, 1000)
}

func dedupeNonEmpty(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
