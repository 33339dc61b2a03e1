package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/forge/internal/apperr"
	"github.com/fyrsmithlabs/forge/internal/approval"
	"github.com/fyrsmithlabs/forge/internal/llm"
)

// GeneratedFile is one file produced by the model.
type GeneratedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

var writeFileTool = llm.Tool{
	Name:        "write_file",
	Description: "Write one complete file of the project.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Path relative to the project root."},
			"content": map[string]any{"type": "string", "description": "Complete file content."},
		},
		"required": []string{"path", "content"},
	},
}

var (
	errNoFiles     = errors.New("no files in reply")
	errWriteFailed = errors.New("workspace write failed")
)

// generateFiles asks the model for files. Tool calls are preferred, then a
// {"files": [...]} JSON reply, then fenced code blocks labelled with a path.
// Only the code block fallback is degraded.
func generateFiles(ctx context.Context, env Env, system, user string) (files []GeneratedFile, degraded bool, err error) {
	c, err := env.LLM.Complete(ctx, system, user, []llm.Tool{writeFileTool})
	if err != nil {
		return nil, false, err
	}

	for _, call := range c.ToolCalls {
		if call.Name != writeFileTool.Name {
			continue
		}
		var f GeneratedFile
		if err := json.Unmarshal([]byte(call.Arguments), &f); err != nil || f.Path == "" {
			degraded = true
			continue
		}
		files = append(files, f)
	}
	if len(files) > 0 {
		return files, degraded, nil
	}

	var doc struct {
		Files []GeneratedFile `json:"files"`
	}
	if err := llm.DecodeJSON(c.Text, &doc); err == nil && len(doc.Files) > 0 {
		return doc.Files, false, nil
	}

	for _, b := range llm.ExtractCodeBlocks(c.Text) {
		if b.Path == "" {
			continue
		}
		files = append(files, GeneratedFile{Path: b.Path, Content: b.Body})
	}
	if len(files) == 0 {
		return nil, true, &apperr.ValidationError{Field: "files", Raw: truncate(c.Text, 512), Err: errNoFiles}
	}
	return files, true, nil
}

// writeFiles resolves every path inside the sandbox, asks for one approval
// covering the batch and writes the files. Any path escaping the sandbox
// fails the whole batch before approval is requested or a byte is written.
// It returns the written paths in sorted order.
func writeFiles(ctx context.Context, env Env, stage StageID, files []GeneratedFile) ([]string, error) {
	byPath := make(map[string]string, len(files))
	for _, f := range files {
		rel, err := env.Sandbox.Resolve(f.Path)
		if err != nil {
			return nil, err
		}
		byPath[rel] = f.Content
	}
	if len(byPath) == 0 {
		return nil, &apperr.ValidationError{Field: "files", Err: errNoFiles}
	}

	paths := make([]string, 0, len(byPath))
	overwrite := false
	for p := range byPath {
		paths = append(paths, p)
		if env.Sandbox.Exists(p) {
			overwrite = true
		}
	}
	sort.Strings(paths)

	desc := fmt.Sprintf("%s: write %d file(s): %s", stage, len(paths), summarizePaths(paths))
	attrs := map[string]any{
		"paths":     paths,
		"count":     len(paths),
		"overwrite": overwrite,
		"stage":     string(stage),
	}
	if err := env.approve(ctx, approval.ActionFileWrite, desc, attrs); err != nil {
		return nil, err
	}

	for _, p := range paths {
		if _, err := env.Sandbox.WriteFile(p, []byte(byPath[p])); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", errWriteFailed, p, err)
		}
	}
	return paths, nil
}

func summarizePaths(paths []string) string {
	const shown = 5
	if len(paths) <= shown {
		return strings.Join(paths, ", ")
	}
	return strings.Join(paths[:shown], ", ") + fmt.Sprintf(" and %d more", len(paths)-shown)
}
