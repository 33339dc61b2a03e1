// Package search is the web-search collaborator used by the research stage.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/forge/internal/apperr"
	"github.com/fyrsmithlabs/forge/internal/config"
	"github.com/fyrsmithlabs/forge/internal/retry"
)

var (
	// ErrNotConfigured is returned by Disabled.
	ErrNotConfigured = errors.New("web search not configured")

	// ErrEmptyQuery is returned for blank queries.
	ErrEmptyQuery = errors.New("search query is empty")
)

// Citation is a source backing a search answer.
type Citation struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Result is the answer text plus the sources it came from.
type Result struct {
	Text      string     `json:"text"`
	Citations []Citation `json:"citations"`
}

// Searcher runs web searches.
type Searcher interface {
	Search(ctx context.Context, query string) (*Result, error)
}

// Disabled is a Searcher that always returns ErrNotConfigured.
type Disabled struct{}

// Search implements Searcher.
func (Disabled) Search(context.Context, string) (*Result, error) { return nil, ErrNotConfigured }

// HTTPClient calls a JSON search endpoint. Requests are
//
//	POST {endpoint} {"query": "...", "max_results": N}
//
// and responses carry an optional "answer" plus "results" with title, url
// and content.
type HTTPClient struct {
	endpoint   string
	apiKey     string
	maxResults int
	client     *http.Client
	limiter    *rate.Limiter
	retry      *retry.Policy
	logger     *zap.Logger
}

var _ Searcher = (*HTTPClient)(nil)

// New returns an HTTPClient, or Disabled when no endpoint is configured.
func New(cfg config.SearchConfig, policy *retry.Policy, logger *zap.Logger) Searcher {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return Disabled{}
	}
	return NewHTTPClient(cfg, policy, logger)
}

// NewHTTPClient returns a client for cfg.Endpoint.
func NewHTTPClient(cfg config.SearchConfig, policy *retry.Policy, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}
	return &HTTPClient{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey.Value(),
		maxResults: maxResults,
		client:     &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(limit, 1),
		retry:      policy,
		logger:     logger,
	}
}

type searchRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type searchResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search implements Searcher.
func (c *HTTPClient) Search(ctx context.Context, query string) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	return retry.DoValue(ctx, c.retry, "search", func(ctx context.Context) (*Result, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		return c.do(ctx, query)
	})
}

func (c *HTTPClient) do(ctx context.Context, query string) (*Result, error) {
	body, err := json.Marshal(searchRequest{Query: query, MaxResults: c.maxResults})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Transient("search", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("search failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, apperr.Transient("search", err)
		}
		return nil, err
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, &apperr.ValidationError{Field: "search.response", Err: err}
	}

	res := &Result{Citations: []Citation{}}
	var text strings.Builder
	if sr.Answer != "" {
		text.WriteString(sr.Answer)
		text.WriteString("\n\n")
	}
	for i, r := range sr.Results {
		if i >= c.maxResults {
			break
		}
		res.Citations = append(res.Citations, Citation{Title: r.Title, URL: r.URL})
		fmt.Fprintf(&text, "[%d] %s\n%s\n\n", i+1, r.Title, strings.TrimSpace(r.Content))
	}
	res.Text = strings.TrimSpace(text.String())
	c.logger.Debug("search complete", zap.String("query", query), zap.Int("results", len(res.Citations)))
	return res, nil
}
