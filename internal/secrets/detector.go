package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksregexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// AllowlistFile is read from a workspace root to suppress known-safe
// findings, in the same format gitleaks uses.
const AllowlistFile = ".gitleaks.toml"

// ErrInvalidAllowlist is returned for unparseable allowlist files or
// patterns that do not compile.
var ErrInvalidAllowlist = errors.New("invalid secrets allowlist")

// Allowlist suppresses findings by file path or by matched content.
type Allowlist struct {
	Paths   []string
	Regexes []string
}

// LoadAllowlist reads AllowlistFile from root. A missing file yields an
// empty allowlist.
func LoadAllowlist(root string) (*Allowlist, error) {
	path := filepath.Join(root, AllowlistFile)
	var doc struct {
		Allowlist struct {
			Paths   []string
			Regexes []string
		}
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAllowlist, path, err)
	}
	al := &Allowlist{Paths: doc.Allowlist.Paths, Regexes: doc.Allowlist.Regexes}
	if _, _, err := al.compile(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAllowlist, path, err)
	}
	return al, nil
}

func (a *Allowlist) compile() (paths, contents []*regexp.Regexp, err error) {
	if a == nil {
		return nil, nil, nil
	}
	for _, p := range a.Paths {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, nil, fmt.Errorf("path pattern %q: %w", p, err)
		}
		paths = append(paths, re)
	}
	for _, p := range a.Regexes {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, nil, fmt.Errorf("content pattern %q: %w", p, err)
		}
		contents = append(contents, re)
	}
	return paths, contents, nil
}

// Detector scans source files with the full gitleaks rule set.
type Detector struct {
	mu       sync.Mutex // gitleaks detectors keep per-scan state
	detector *detect.Detector
	paths    []*regexp.Regexp
}

// NewDetector builds a detector from the default gitleaks configuration
// plus an optional allowlist.
func NewDetector(allow *Allowlist) (*Detector, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}
	paths, contents, err := allow.compile()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAllowlist, err)
	}
	if len(contents) > 0 {
		extra := &gitleaksconfig.Allowlist{Description: "workspace allowlist"}
		for _, re := range contents {
			extra.Regexes = append(extra.Regexes, (*gitleaksregexp.Regexp)(re))
		}
		d.Config.Allowlists = append(d.Config.Allowlists, extra)
	}
	return &Detector{detector: d, paths: paths}, nil
}

// ScanFile reports the secrets found in one file's content.
func (d *Detector) ScanFile(path, content string) []Finding {
	for _, re := range d.paths {
		if re.MatchString(path) {
			return nil
		}
	}

	d.mu.Lock()
	raw := d.detector.DetectString(content)
	d.mu.Unlock()

	findings := make([]Finding, 0, len(raw))
	for _, f := range raw {
		findings = append(findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Severity:    SeverityHigh,
			Path:        path,
			Line:        f.StartLine,
			Start:       f.StartColumn,
			End:         f.EndColumn,
		})
	}
	return findings
}

// ScanFiles scans a path -> content map, returning findings sorted by path
// and line.
func (d *Detector) ScanFiles(files map[string]string) []Finding {
	var all []Finding
	for path, content := range files {
		all = append(all, d.ScanFile(path, content)...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Path != all[j].Path {
			return strings.Compare(all[i].Path, all[j].Path) < 0
		}
		return all[i].Line < all[j].Line
	})
	return all
}
