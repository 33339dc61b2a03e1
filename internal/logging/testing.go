package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry, trace level included, for assertions.
type TestLogger struct {
	*Logger
	logs *observer.ObservedLogs
}

// NewTestLogger returns a recording logger.
func NewTestLogger() *TestLogger {
	core, logs := observer.New(TraceLevel)
	return &TestLogger{Logger: Wrap(zap.New(core)), logs: logs}
}

// Entries returns what was logged so far.
func (t *TestLogger) Entries() []observer.LoggedEntry {
	return t.logs.All()
}

// AssertLogged fails tb unless an entry at lvl contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, lvl zapcore.Level, msg string) {
	tb.Helper()
	if t.logs.FilterLevelExact(lvl).FilterMessageSnippet(msg).Len() == 0 {
		tb.Errorf("no %s entry containing %q; got %v", lvl, msg, messages(t.logs.All()))
	}
}

// AssertField fails tb unless an entry containing msg has key == want.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want interface{}) {
	tb.Helper()
	for _, e := range t.logs.FilterMessageSnippet(msg).All() {
		if got, ok := e.ContextMap()[key]; ok && got == want {
			return
		}
	}
	tb.Errorf("no entry containing %q with %s=%v; got %v", msg, key, want, messages(t.logs.All()))
}

func messages(entries []observer.LoggedEntry) string {
	msgs := make([]string, len(entries))
	for i, e := range entries {
		msgs[i] = e.Message
	}
	return strings.Join(msgs, "; ")
}
