package stages

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/forge/internal/logging"
	"github.com/fyrsmithlabs/forge/internal/search"
)

// ResearchOutput is the research stage's payload.
type ResearchOutput struct {
	Summary      string            `json:"summary"`
	Findings     []string          `json:"findings"`
	Citations    []search.Citation `json:"citations"`
	Queries      []string          `json:"queries"`
	SearchErrors []string          `json:"search_errors,omitempty"`
	Degraded     bool              `json:"degraded"`
}

// ResearchStage plans search queries, runs them concurrently and distills
// the answers into findings.
type ResearchStage struct {
	MaxQueries  int
	Concurrency int
}

// NewResearch returns a research stage with default limits.
func NewResearch() *ResearchStage {
	return &ResearchStage{MaxQueries: 4, Concurrency: 3}
}

// ID implements Stage.
func (s *ResearchStage) ID() StageID { return Research }

// Execute implements Stage.
func (s *ResearchStage) Execute(ctx context.Context, view StateView, env Env) StageResult {
	res := begin(Research)
	ctx = logging.WithStage(ctx, string(Research))
	log := env.logger(ctx)
	task := view.UserTask()

	queries, planned := s.plan(ctx, env, task)
	if err := ctx.Err(); err != nil {
		return res.fail(ctx, err)
	}

	hits, searchErrs := s.search(ctx, env, queries)
	if err := ctx.Err(); err != nil {
		return res.fail(ctx, err)
	}
	log.Debug("research searches finished",
		zap.Int("queries", len(queries)),
		zap.Int("hits", len(hits)),
		zap.Int("errors", len(searchErrs)))

	out, err := s.synthesize(ctx, env, task, hits)
	if err != nil {
		return res.fail(ctx, fmt.Errorf("synthesizing research: %w", err))
	}
	out.Queries = queries
	out.SearchErrors = searchErrs
	out.Degraded = out.Degraded || !planned
	for _, h := range hits {
		out.Citations = append(out.Citations, h.Citations...)
	}
	if out.Citations == nil {
		out.Citations = []search.Citation{}
	}

	for _, f := range out.Findings {
		if _, err := env.Memory.Store(ctx, string(Research), ItemFinding, f); err != nil {
			return res.fail(ctx, fmt.Errorf("storing finding: %w", err))
		}
	}
	if out.Summary != "" {
		if _, err := env.Memory.Store(ctx, string(Research), ItemResearchSummary, out.Summary); err != nil {
			return res.fail(ctx, fmt.Errorf("storing research summary: %w", err))
		}
	}

	log.Info("research complete",
		zap.Int("findings", len(out.Findings)),
		zap.Bool("degraded", out.Degraded))
	return res.succeed(out, nil, out.Degraded)
}

// plan asks for sub-queries. On any failure it falls back to the task
// itself as the only query and reports planned=false.
func (s *ResearchStage) plan(ctx context.Context, env Env, task string) (queries []string, planned bool) {
	if !searchEnabled(env.Search) {
		return []string{task}, true
	}
	var doc struct {
		Queries []string `json:"queries"`
	}
	text, structured, err := completeJSON(ctx, env, fmt.Sprintf(planPrompt, s.MaxQueries), task, &doc)
	if err != nil {
		env.logger(ctx).Warn("query planning failed, searching the task directly", zap.Error(err))
		return []string{task}, false
	}
	queries = doc.Queries
	if !structured {
		queries = extractListOrLines(text)
	}
	queries = dedupeNonEmpty(queries)
	if len(queries) == 0 {
		return []string{task}, structured
	}
	if len(queries) > s.MaxQueries {
		queries = queries[:s.MaxQueries]
	}
	return queries, structured
}

// search runs queries concurrently. A failed query is recorded and does
// not cancel its siblings. Results keep query order.
func (s *ResearchStage) search(ctx context.Context, env Env, queries []string) ([]*search.Result, []string) {
	if !searchEnabled(env.Search) {
		return nil, nil
	}
	results := make([]*search.Result, len(queries))
	errs := make([]error, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.Concurrency))
	for i, q := range queries {
		g.Go(func() error {
			r, err := env.Search.Search(gctx, q)
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()

	var (
		hits     []*search.Result
		messages []string
	)
	for i := range queries {
		if errs[i] != nil {
			messages = append(messages, fmt.Sprintf("%s: %v", queries[i], errs[i]))
			continue
		}
		if results[i] != nil {
			hits = append(hits, results[i])
		}
	}
	return hits, messages
}

func (s *ResearchStage) synthesize(ctx context.Context, env Env, task string, hits []*search.Result) (ResearchOutput, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n", task)
	for i, h := range hits {
		fmt.Fprintf(&b, "\nSearch result %d:\n%s\n", i+1, truncate(h.Text, 4000))
	}

	var out ResearchOutput
	text, structured, err := completeJSON(ctx, env, synthesizePrompt, b.String(), &out)
	if err != nil {
		return ResearchOutput{}, err
	}
	if !structured {
		fields := extractFields(text)
		out = ResearchOutput{
			Summary:  fields["summary"],
			Findings: extractListOrLines(text),
			Degraded: true,
		}
		if out.Summary == "" {
			out.Summary = firstParagraph(text)
		}
	}
	out.Findings = dedupeNonEmpty(out.Findings)
	if out.Findings == nil {
		out.Findings = []string{}
	}
	return out, nil
}

func searchEnabled(s search.Searcher) bool {
	switch s.(type) {
	case nil, search.Disabled, *search.Disabled:
		return false
	}
	return true
}
