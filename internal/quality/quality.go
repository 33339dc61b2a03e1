// Package quality holds the review/fix quality gate: the per-artifact-type
// threshold table, the build-failure cap, and the assessment record the
// reviewer produces on each pass.
package quality

import (
	"math"
	"sort"
	"time"

	"github.com/fyrsmithlabs/forge/internal/config"
)

// Severity ranks a review issue.
type Severity string

// Issue severities, most to least serious.
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Penalty is the score deduction the heuristic applies per issue.
func (s Severity) Penalty() float64 {
	switch s {
	case SeverityCritical:
		return 0.30
	case SeverityHigh:
		return 0.15
	case SeverityMedium:
		return 0.05
	case SeverityLow:
		return 0.02
	default:
		return 0.05
	}
}

// ParseSeverity maps free-form text onto a Severity, defaulting to medium.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return Severity(s)
	case "error", "blocker":
		return SeverityHigh
	case "warning", "warn":
		return SeverityMedium
	case "info", "minor", "nit":
		return SeverityLow
	}
	return SeverityMedium
}

// Issue is one finding from a review pass.
type Issue struct {
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	Path        string   `json:"path,omitempty"`
	Line        int      `json:"line,omitempty"`
	Source      string   `json:"source,omitempty"` // build, review, secrets
}

// Assessment is the immutable result of one reviewing pass.
type Assessment struct {
	Iteration    int          `json:"iteration"`
	Score        float64      `json:"score"`
	RawScore     float64      `json:"raw_score"`
	Threshold    float64      `json:"threshold"`
	ArtifactType ArtifactType `json:"artifact_type"`
	BuildPassed  bool         `json:"build_passed"`
	BuildSkipped bool         `json:"build_skipped,omitempty"`
	Diagnostics  string       `json:"diagnostics,omitempty"`
	Issues       []Issue      `json:"issues"`
	Degraded     bool         `json:"degraded,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Passed reports whether the assessment clears its threshold.
func (a Assessment) Passed() bool { return a.Score >= a.Threshold }

// Heuristic scores a set of issues by deducting severity penalties from 1.
func Heuristic(issues []Issue) float64 {
	score := 1.0
	for _, is := range issues {
		score -= is.Severity.Penalty()
	}
	return clamp(score)
}

// SortIssues orders issues by severity, then path and line.
func SortIssues(issues []Issue) {
	rank := map[Severity]int{SeverityCritical: 0, SeverityHigh: 1, SeverityMedium: 2, SeverityLow: 3}
	sort.SliceStable(issues, func(i, j int) bool {
		ri, rj := rank[issues[i].Severity], rank[issues[j].Severity]
		if ri != rj {
			return ri < rj
		}
		if issues[i].Path != issues[j].Path {
			return issues[i].Path < issues[j].Path
		}
		return issues[i].Line < issues[j].Line
	})
}

// capMargin keeps a capped score strictly below its threshold.
const capMargin = 0.01

// Table selects thresholds by artifact type and applies the build cap.
type Table struct {
	thresholds map[ArtifactType]float64
	fallback   float64
	buildCap   float64
}

// NewTable builds a Table from workflow configuration.
func NewTable(cfg config.WorkflowConfig) *Table {
	t := &Table{
		thresholds: make(map[ArtifactType]float64, len(cfg.Thresholds)),
		fallback:   cfg.DefaultThreshold,
		buildCap:   cfg.BuildFailureCap,
	}
	if t.fallback <= 0 || t.fallback > 1 {
		t.fallback = 0.75
	}
	if t.buildCap <= 0 || t.buildCap > 1 {
		t.buildCap = 0.5
	}
	for k, v := range cfg.Thresholds {
		t.thresholds[ArtifactType(k)] = v
	}
	return t
}

// DefaultTable is NewTable over the default workflow configuration.
func DefaultTable() *Table { return NewTable(config.Default().Workflow) }

// Threshold returns the threshold for an artifact type, or the default
// threshold for types not in the table.
func (t *Table) Threshold(a ArtifactType) float64 {
	if v, ok := t.thresholds[a]; ok && v > 0 && v <= 1 {
		return v
	}
	return t.fallback
}

// BuildCap returns the highest score a failing build may receive for a.
// It is always strictly below the threshold.
func (t *Table) BuildCap(a ArtifactType) float64 {
	return math.Max(0, math.Min(t.buildCap, t.Threshold(a)-capMargin))
}

// Gate turns a raw score into the gated score: clamped to [0,1] and, when
// the build failed, capped below the threshold.
func (t *Table) Gate(a ArtifactType, raw float64, buildPassed bool) float64 {
	score := clamp(raw)
	if !buildPassed {
		score = math.Min(score, t.BuildCap(a))
	}
	return score
}

// Assess builds an Assessment for one reviewing pass.
func (t *Table) Assess(iteration int, a ArtifactType, raw float64, build BuildOutcome, issues []Issue) Assessment {
	if issues == nil {
		issues = []Issue{}
	}
	SortIssues(issues)
	return Assessment{
		Iteration:    iteration,
		Score:        t.Gate(a, raw, build.Passed),
		RawScore:     clamp(raw),
		Threshold:    t.Threshold(a),
		ArtifactType: a,
		BuildPassed:  build.Passed,
		BuildSkipped: build.Skipped,
		Diagnostics:  build.Diagnostics,
		Issues:       issues,
		CreatedAt:    time.Now().UTC(),
	}
}

// BuildOutcome is the part of a build check the gate cares about.
type BuildOutcome struct {
	Passed      bool
	Skipped     bool
	Diagnostics string
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
