package llm

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/forge/internal/apperr"
)

// ErrNoJSON is returned when a response contains no JSON object.
var ErrNoJSON = errors.New("no JSON object in response")

var fenceRe = regexp.MustCompile("(?s)```([A-Za-z0-9_+.-]*)[ \t]*([^\n]*)\n(.*?)```")

// ExtractJSON returns the first balanced JSON object or array in text,
// preferring the body of a ```json fence.
func ExtractJSON(text string) (string, bool) {
	for _, m := range fenceRe.FindAllStringSubmatch(text, -1) {
		lang := strings.ToLower(m[1])
		if lang == "json" || lang == "" {
			body := strings.TrimSpace(m[3])
			if json.Valid([]byte(body)) {
				return body, true
			}
		}
	}
	for i, r := range text {
		if r != '{' && r != '[' {
			continue
		}
		if end := matchBracket(text, i); end > 0 {
			candidate := text[i : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
	}
	return "", false
}

// matchBracket returns the index of the bracket closing the one at start,
// skipping string literals, or -1.
func matchBracket(s string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{' || c == '[':
			depth++
		case c == '}' || c == ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// DecodeJSON decodes the JSON embedded in text into v. Failures are
// returned as *apperr.ValidationError so callers can fall back.
func DecodeJSON(text string, v any) error {
	raw, ok := ExtractJSON(text)
	if !ok {
		return &apperr.ValidationError{Field: "response", Raw: truncateRaw(text), Err: ErrNoJSON}
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return &apperr.ValidationError{Field: "response", Raw: truncateRaw(raw), Err: err}
	}
	return nil
}

func truncateRaw(s string) string {
	const limit = 512
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

// CodeBlock is a fenced block, optionally labelled with a file path.
type CodeBlock struct {
	Lang string
	Path string
	Body string
}

var pathHintRe = regexp.MustCompile(`(?m)^(?:#+\s*|\*\*|//\s*|#\s*)?(?:file(?:name)?:\s*)?` + "`?" + `([\w./-]+\.[A-Za-z0-9]+)` + "`?" + `(?:\*\*)?\s*:?\s*$`)

// ExtractCodeBlocks returns the fenced code blocks in text. A block's path
// comes from the fence info string (```go main.go), a "// file: x" first
// line, or a heading naming a file just above the fence.
func ExtractCodeBlocks(text string) []CodeBlock {
	var out []CodeBlock
	idx := fenceRe.FindAllStringSubmatchIndex(text, -1)
	prevEnd := 0
	for _, loc := range idx {
		lang := text[loc[2]:loc[3]]
		info := strings.TrimSpace(text[loc[4]:loc[5]])
		body := text[loc[6]:loc[7]]

		path := ""
		if info != "" && looksLikePath(info) {
			path = info
		}
		if path == "" {
			first, rest, _ := strings.Cut(body, "\n")
			if p, ok := commentPath(first); ok {
				path, body = p, rest
			}
		}
		if path == "" {
			before := strings.TrimRight(text[prevEnd:loc[0]], " \t\n")
			if nl := strings.LastIndex(before, "\n"); nl >= 0 {
				before = before[nl+1:]
			}
			if m := pathHintRe.FindStringSubmatch(before); m != nil {
				path = m[1]
			}
		}
		out = append(out, CodeBlock{Lang: lang, Path: path, Body: body})
		prevEnd = loc[1]
	}
	return out
}

func looksLikePath(s string) bool {
	return !strings.ContainsAny(s, " \t") && strings.Contains(s, ".")
}

var commentPathRe = regexp.MustCompile(`^\s*(?://|#|--|/\*)\s*(?:file(?:name)?|path):\s*([\w./-]+)\s*(?:\*/)?\s*$`)

func commentPath(line string) (string, bool) {
	m := commentPathRe.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}

var (
	fieldLineRe = regexp.MustCompile(`(?m)^\s*(?:[-*]\s*)?\**([A-Za-z][A-Za-z _-]{0,40})\**\s*:\s*(.+?)\s*$`)
	bulletRe    = regexp.MustCompile(`(?m)^\s*(?:[-*•]|\d+[.)])\s+(.+?)\s*$`)
	numberRe    = regexp.MustCompile(`\b(0(?:\.\d+)?|1(?:\.0+)?)\b`)
)

// ExtractFields pulls "key: value" lines out of free text. Keys are
// lower-cased with spaces and dashes folded to underscores; the first
// occurrence of a key wins.
func ExtractFields(text string) map[string]string {
	out := make(map[string]string)
	for _, m := range fieldLineRe.FindAllStringSubmatch(text, -1) {
		key := normalizeKey(m[1])
		if _, seen := out[key]; !seen {
			out[key] = strings.Trim(m[2], "*` ")
		}
	}
	return out
}

func normalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(k)
}

// ExtractList returns bullet and numbered list items in order.
func ExtractList(text string) []string {
	var out []string
	for _, m := range bulletRe.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	return out
}

// ExtractScore finds a score in [0,1] after the word "score".
func ExtractScore(text string) (float64, bool) {
	lower := strings.ToLower(text)
	i := strings.Index(lower, "score")
	if i < 0 {
		return 0, false
	}
	window := lower[i:]
	if len(window) > 60 {
		window = window[:60]
	}
	m := numberRe.FindString(window)
	if m == "" {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal([]byte(m), &f); err != nil {
		return 0, false
	}
	return f, true
}
