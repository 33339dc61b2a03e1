package approval

import (
	"fmt"
	"path"
	"path/filepath"

	"github.com/google/cel-go/cel"

	"github.com/fyrsmithlabs/forge/internal/config"
	"github.com/fyrsmithlabs/forge/internal/sanitize"
)

// Policy is one auto-decision rule. It applies to requests of its action
// type and matches either a glob pattern against the request's paths or a
// CEL expression over the request.
type Policy struct {
	Name       string
	Action     ActionType
	Pattern    string
	Expression string
	Decision   Status

	prg cel.Program
}

// PolicySet evaluates policies in order; the first match decides.
type PolicySet struct {
	policies []*Policy
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("action_type", cel.StringType),
		cel.Variable("description", cel.StringType),
		cel.Variable("session_id", cel.StringType),
		cel.Variable("attributes", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// NewPolicySet compiles the configured policies.
func NewPolicySet(cfgs []config.PolicyConfig) (*PolicySet, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}

	ps := &PolicySet{}
	for i, c := range cfgs {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("policy %d (%s): %w", i, c.Name, err)
		}
		p := &Policy{
			Name:       c.Name,
			Action:     ActionType(c.Action),
			Pattern:    c.Pattern,
			Expression: c.Expression,
			Decision:   StatusApproved,
		}
		if c.Decision == "reject" {
			p.Decision = StatusRejected
		}
		if p.Name == "" {
			p.Name = fmt.Sprintf("policy-%d", i)
		}
		if p.Pattern != "" {
			if err := sanitize.GlobPattern(p.Pattern); err != nil {
				return nil, fmt.Errorf("policy %s: %w", p.Name, err)
			}
		}
		if p.Expression != "" {
			ast, issues := env.Compile(p.Expression)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("policy %s: compile: %w", p.Name, issues.Err())
			}
			if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
				return nil, fmt.Errorf("policy %s: expression must be boolean, got %s", p.Name, ast.OutputType())
			}
			prg, err := env.Program(ast, cel.CostLimit(10000), cel.InterruptCheckFrequency(100))
			if err != nil {
				return nil, fmt.Errorf("policy %s: program: %w", p.Name, err)
			}
			p.prg = prg
		}
		ps.policies = append(ps.policies, p)
	}
	return ps, nil
}

// Len returns the number of policies.
func (ps *PolicySet) Len() int {
	if ps == nil {
		return 0
	}
	return len(ps.policies)
}

// Evaluate returns the decision of the first matching policy. ok is false
// when no policy decides the request.
func (ps *PolicySet) Evaluate(req *Request) (decision Status, policy string, ok bool) {
	if ps == nil {
		return "", "", false
	}
	for _, p := range ps.policies {
		if p.Action != req.ActionType {
			continue
		}
		if p.matches(req) {
			return p.Decision, p.Name, true
		}
	}
	return "", "", false
}

func (p *Policy) matches(req *Request) bool {
	if p.prg != nil {
		attrs := req.Attributes
		if attrs == nil {
			attrs = map[string]any{}
		}
		out, _, err := p.prg.Eval(map[string]any{
			"action_type": string(req.ActionType),
			"description": req.Description,
			"session_id":  req.SessionID,
			"attributes":  attrs,
		})
		if err != nil {
			// A missing attribute is not a match.
			return false
		}
		v, ok := out.Value().(bool)
		return ok && v
	}
	return p.matchPaths(requestPaths(req))
}

// matchPaths matches when every path matches the pattern, either as a whole
// or by its base name.
func (p *Policy) matchPaths(paths []string) bool {
	if len(paths) == 0 {
		return false
	}
	for _, rel := range paths {
		rel = filepath.ToSlash(rel)
		full, _ := path.Match(p.Pattern, rel)
		base, _ := path.Match(p.Pattern, path.Base(rel))
		if !full && !base {
			return false
		}
	}
	return true
}

// requestPaths collects the "path" and "paths" attributes.
func requestPaths(req *Request) []string {
	var out []string
	if s, ok := req.Attributes["path"].(string); ok && s != "" {
		out = append(out, s)
	}
	switch v := req.Attributes["paths"].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}
