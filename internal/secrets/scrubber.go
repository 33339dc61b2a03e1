package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Severities used by rules and findings.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// DefaultRedaction replaces each redacted span.
const DefaultRedaction = "[REDACTED]"

// Finding locates one detected secret. The secret value itself is never
// carried.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Path        string `json:"path,omitempty"`
	Line        int    `json:"line"`
	Start       int    `json:"start"`
	End         int    `json:"end"`
}

// Config configures a Scrubber.
type Config struct {
	Enabled   bool     `koanf:"enabled"`
	Redaction string   `koanf:"redaction"`
	Rules     []Rule   `koanf:"rules"`
	AllowList []string `koanf:"allow_list"` // matches that are never redacted
}

// DefaultConfig enables every default rule.
func DefaultConfig() Config {
	return Config{Enabled: true, Redaction: DefaultRedaction, Rules: DefaultRules()}
}

type compiledRule struct {
	Rule
	re       *regexp.Regexp
	keywords []string
}

// Scrubber redacts secrets from text. It is safe for concurrent use.
type Scrubber struct {
	enabled   bool
	redaction string
	rules     []compiledRule
	allow     []*regexp.Regexp
}

// New compiles cfg into a Scrubber.
func New(cfg Config) (*Scrubber, error) {
	s := &Scrubber{enabled: cfg.Enabled, redaction: cfg.Redaction}
	if s.redaction == "" {
		s.redaction = DefaultRedaction
	}
	for i, r := range cfg.Rules {
		if r.ID == "" || r.Pattern == "" {
			return nil, fmt.Errorf("rule %d: id and pattern are required", i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		kws := make([]string, len(r.Keywords))
		for j, kw := range r.Keywords {
			kws[j] = strings.ToLower(kw)
		}
		s.rules = append(s.rules, compiledRule{Rule: r, re: re, keywords: kws})
	}
	for i, p := range cfg.AllowList {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("allow_list %d: %w", i, err)
		}
		s.allow = append(s.allow, re)
	}
	return s, nil
}

// MustNew is New for static configurations.
func MustNew(cfg Config) *Scrubber {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// Default returns a Scrubber over DefaultConfig.
func Default() *Scrubber { return MustNew(DefaultConfig()) }

// Scrub returns content with every finding replaced by the redaction
// string, plus the findings in order of appearance. Overlapping matches
// collapse into one redaction.
func (s *Scrubber) Scrub(content string) (string, []Finding) {
	findings := s.find(content)
	if len(findings) == 0 {
		return content, nil
	}

	spans := make([][2]int, 0, len(findings))
	for _, f := range findings {
		n := len(spans)
		if n > 0 && f.Start <= spans[n-1][1] {
			if f.End > spans[n-1][1] {
				spans[n-1][1] = f.End
			}
			continue
		}
		spans = append(spans, [2]int{f.Start, f.End})
	}

	var b strings.Builder
	b.Grow(len(content))
	prev := 0
	for _, sp := range spans {
		b.WriteString(content[prev:sp[0]])
		b.WriteString(s.redaction)
		prev = sp[1]
	}
	b.WriteString(content[prev:])
	return b.String(), findings
}

// String is Scrub without the findings.
func (s *Scrubber) String(content string) string {
	out, _ := s.Scrub(content)
	return out
}

// Check reports findings without modifying anything.
func (s *Scrubber) Check(content string) []Finding {
	return s.find(content)
}

// Enabled reports whether the scrubber redacts anything.
func (s *Scrubber) Enabled() bool { return s != nil && s.enabled }

func (s *Scrubber) find(content string) []Finding {
	if !s.Enabled() || content == "" {
		return nil
	}
	lower := strings.ToLower(content)

	var findings []Finding
	for _, r := range s.rules {
		if !hasKeyword(lower, r.keywords) {
			continue
		}
		for _, m := range r.re.FindAllStringIndex(content, -1) {
			if s.allowed(content[m[0]:m[1]]) {
				continue
			}
			findings = append(findings, Finding{
				RuleID:      r.ID,
				Description: r.Description,
				Severity:    r.Severity,
				Line:        strings.Count(content[:m[0]], "\n") + 1,
				Start:       m[0],
				End:         m[1],
			})
		}
	}
	sort.SliceStable(findings, func(i, j int) bool { return findings[i].Start < findings[j].Start })
	return findings
}

func hasKeyword(lower string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (s *Scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}
