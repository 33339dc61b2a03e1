package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/forge/internal/approval"
	"github.com/fyrsmithlabs/forge/internal/llm"
	"github.com/fyrsmithlabs/forge/internal/memory"
	"github.com/fyrsmithlabs/forge/internal/quality"
	"github.com/fyrsmithlabs/forge/internal/sandbox"
)

const testTask = "create a calculator"

type fakeView struct {
	results map[StageID]StageResult
}

func (v *fakeView) SessionID() string     { return "sess-test" }
func (v *fakeView) WorkspaceRoot() string { return "/work" }
func (v *fakeView) UserTask() string      { return testTask }
func (v *fakeView) Result(id StageID) (StageResult, bool) {
	r, ok := v.results[id]
	return r, ok
}

func newView(results ...StageResult) *fakeView {
	v := &fakeView{results: make(map[StageID]StageResult)}
	for _, r := range results {
		v.results[r.StageName] = r
	}
	return v
}

// fakeMemory filters exactly and returns newest first.
type fakeMemory struct {
	mu    sync.Mutex
	items []memory.Item
}

func (m *fakeMemory) Store(_ context.Context, producer, itemType, content string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := fmt.Sprintf("m%03d", len(m.items))
	m.items = append(m.items, memory.Item{ID: id, Producer: producer, ItemType: itemType, Content: content})
	return id, nil
}

func (m *fakeMemory) Search(_ context.Context, _ string, f memory.Filters, k int) ([]memory.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []memory.Item
	for i := len(m.items) - 1; i >= 0 && len(out) < k; i-- {
		it := m.items[i]
		if (f.Producer == "" || f.Producer == it.Producer) && (f.ItemType == "" || f.ItemType == it.ItemType) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *fakeMemory) contents(producer, itemType string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, it := range m.items {
		if it.Producer == producer && it.ItemType == itemType {
			out = append(out, it.Content)
		}
	}
	return out
}

type reply struct {
	completion *llm.Completion
	err        error
}

// scriptedLLM answers by the first line of the system prompt. The last
// scripted reply for a prompt repeats once the script runs out.
type scriptedLLM struct {
	mu      sync.Mutex
	scripts map[string][]reply
	calls   map[string]int
	users   map[string][]string
}

func newScriptedLLM() *scriptedLLM {
	return &scriptedLLM{
		scripts: make(map[string][]reply),
		calls:   make(map[string]int),
		users:   make(map[string][]string),
	}
}

func promptKey(system string) string {
	first, _, _ := strings.Cut(system, "\n")
	return first
}

func (s *scriptedLLM) onText(system string, texts ...string) *scriptedLLM {
	for _, t := range texts {
		s.scripts[promptKey(system)] = append(s.scripts[promptKey(system)], reply{completion: &llm.Completion{Text: t}})
	}
	return s
}

func (s *scriptedLLM) onError(system string, err error) *scriptedLLM {
	s.scripts[promptKey(system)] = append(s.scripts[promptKey(system)], reply{err: err})
	return s
}

func (s *scriptedLLM) onFiles(system string, files ...GeneratedFile) *scriptedLLM {
	c := &llm.Completion{}
	for i, f := range files {
		args, _ := json.Marshal(f)
		c.ToolCalls = append(c.ToolCalls, llm.ToolCall{ID: fmt.Sprintf("call_%d", i), Name: "write_file", Arguments: string(args)})
	}
	s.scripts[promptKey(system)] = append(s.scripts[promptKey(system)], reply{completion: c})
	return s
}

func (s *scriptedLLM) Complete(ctx context.Context, system, user string, _ []llm.Tool) (*llm.Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := promptKey(system)
	script := s.scripts[key]
	if len(script) == 0 {
		return nil, errors.New("unscripted prompt: " + key)
	}
	n := s.calls[key]
	s.calls[key]++
	s.users[key] = append(s.users[key], user)
	if n >= len(script) {
		n = len(script) - 1
	}
	return script[n].completion, script[n].err
}

func (s *scriptedLLM) count(system string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[promptKey(system)]
}

type approvalCall struct {
	Action      approval.ActionType
	Description string
	Attrs       map[string]any
}

// recordingApprover approves everything unless decide says otherwise.
type recordingApprover struct {
	mu     sync.Mutex
	calls  []approvalCall
	decide func(approvalCall) error
}

func (a *recordingApprover) Approve(_ context.Context, action approval.ActionType, desc string, attrs map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := approvalCall{Action: action, Description: desc, Attrs: attrs}
	a.calls = append(a.calls, c)
	if a.decide != nil {
		return a.decide(c)
	}
	return nil
}

type testEnv struct {
	Env
	mem      *fakeMemory
	model    *scriptedLLM
	approver *recordingApprover
	fs       afero.Fs
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fs := afero.NewMemMapFs()
	sb, err := sandbox.New(fs, "/work", 0)
	require.NoError(t, err)

	te := &testEnv{
		mem:      &fakeMemory{},
		model:    newScriptedLLM(),
		approver: &recordingApprover{},
		fs:       fs,
	}
	te.Env = Env{
		Memory:   te.mem,
		LLM:      te.model,
		Sandbox:  sb,
		Approver: te.approver,
		Quality:  quality.DefaultTable(),
		Logger:   zaptest.NewLogger(t),
	}
	return te
}

func (te *testEnv) writeFile(t *testing.T, path, content string) {
	t.Helper()
	_, err := te.Sandbox.WriteFile(path, []byte(content))
	require.NoError(t, err)
}

func (te *testEnv) files(t *testing.T) []string {
	t.Helper()
	files, err := te.Sandbox.Files()
	require.NoError(t, err)
	sort.Strings(files)
	return files
}

func decodeOutput[T any](t *testing.T, r StageResult) T {
	t.Helper()
	var out T
	require.NoError(t, r.Decode(&out))
	return out
}
