// Package llm is the text-completion collaborator used by every stage.
//
// Clients are built on langchaingo so the provider (OpenAI, Anthropic) is a
// configuration choice. Errors are classified at this boundary: rate
// limits, timeouts and server errors come back as
// apperr.TransientExternalError and are retried by the shared policy;
// everything else is returned as-is.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/forge/internal/apperr"
	"github.com/fyrsmithlabs/forge/internal/config"
	"github.com/fyrsmithlabs/forge/internal/retry"
	"github.com/fyrsmithlabs/forge/internal/secrets"
)

const instrumentationName = "github.com/fyrsmithlabs/forge/internal/llm"

var (
	// ErrEmptyResponse is returned when the provider returns no choices.
	ErrEmptyResponse = errors.New("empty response from LLM")

	// ErrUnsupportedProvider is returned for unknown provider names.
	ErrUnsupportedProvider = errors.New("unsupported LLM provider")

	// ErrMissingAPIKey is returned when a hosted provider has no key.
	ErrMissingAPIKey = errors.New("LLM API key required")
)

// Tool describes a function the model may call.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Completion is a model response.
type Completion struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Client completes prompts.
type Client interface {
	Complete(ctx context.Context, system, user string, tools []Tool) (*Completion, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, system, user string, tools []Tool) (*Completion, error)

// Complete implements Client.
func (f ClientFunc) Complete(ctx context.Context, system, user string, tools []Tool) (*Completion, error) {
	return f(ctx, system, user, tools)
}

// LangchainClient wraps a langchaingo model with rate limiting, retries,
// secret scrubbing and error classification.
type LangchainClient struct {
	model       llms.Model
	limiter     *rate.Limiter
	retry       *retry.Policy
	scrubber    *secrets.Scrubber
	logger      *zap.Logger
	tracer      trace.Tracer
	timeout     time.Duration
	temperature float64
	maxTokens   int
}

// Option configures a LangchainClient.
type Option func(*LangchainClient)

// WithRetry sets the retry policy.
func WithRetry(p *retry.Policy) Option { return func(c *LangchainClient) { c.retry = p } }

// WithLimiter sets the rate limiter.
func WithLimiter(l *rate.Limiter) Option { return func(c *LangchainClient) { c.limiter = l } }

// WithScrubber sets the scrubber applied to prompts.
func WithScrubber(s *secrets.Scrubber) Option { return func(c *LangchainClient) { c.scrubber = s } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *LangchainClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) Option { return func(c *LangchainClient) { c.timeout = d } }

// WithSampling sets temperature and max tokens.
func WithSampling(temperature float64, maxTokens int) Option {
	return func(c *LangchainClient) {
		c.temperature = temperature
		c.maxTokens = maxTokens
	}
}

// NewClient wraps an existing langchaingo model.
func NewClient(model llms.Model, opts ...Option) *LangchainClient {
	c := &LangchainClient{
		model:     model,
		limiter:   rate.NewLimiter(rate.Inf, 1),
		retry:     retry.DefaultPolicy(),
		logger:    zap.NewNop(),
		tracer:    otel.Tracer(instrumentationName),
		maxTokens: 8192,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// New builds a client for the configured provider.
func New(cfg config.LLMConfig, policy *retry.Policy, scrubber *secrets.Scrubber, logger *zap.Logger) (*LangchainClient, error) {
	if !cfg.APIKey.IsSet() {
		return nil, fmt.Errorf("%w for provider %s", ErrMissingAPIKey, cfg.Provider)
	}
	var (
		model llms.Model
		err   error
	)
	switch cfg.Provider {
	case "openai":
		opts := []openai.Option{openai.WithToken(cfg.APIKey.Value()), openai.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err = openai.New(opts...)
	case "anthropic":
		opts := []anthropic.Option{anthropic.WithToken(cfg.APIKey.Value()), anthropic.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		model, err = anthropic.New(opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s client: %w", cfg.Provider, err)
	}

	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return NewClient(model,
		WithRetry(policy),
		WithLimiter(rate.NewLimiter(limit, burst)),
		WithScrubber(scrubber),
		WithLogger(logger),
		WithTimeout(cfg.Timeout.Duration()),
		WithSampling(cfg.Temperature, cfg.MaxTokens),
	), nil
}

// Complete implements Client.
func (c *LangchainClient) Complete(ctx context.Context, system, user string, tools []Tool) (*Completion, error) {
	ctx, span := c.tracer.Start(ctx, "llm.complete")
	defer span.End()
	span.SetAttributes(attribute.Int("prompt_bytes", len(system)+len(user)), attribute.Int("tools", len(tools)))

	if c.scrubber.Enabled() {
		system = c.scrubber.String(system)
		user = c.scrubber.String(user)
	}
	msgs := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}
	callOpts := []llms.CallOption{llms.WithMaxTokens(c.maxTokens), llms.WithTemperature(c.temperature)}
	if len(tools) > 0 {
		callOpts = append(callOpts, llms.WithTools(toLangchainTools(tools)))
	}

	out, err := retry.DoValue(ctx, c.retry, "llm.complete", func(ctx context.Context) (*Completion, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		attemptCtx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		resp, err := c.model.GenerateContent(attemptCtx, msgs, callOpts...)
		if err != nil {
			return nil, Classify(ctx, withStatus(err))
		}
		return fromResponse(resp)
	})
	if err != nil {
		span.RecordError(err)
		c.logger.Warn("llm completion failed", zap.Error(err), zap.String("kind", string(apperr.Classify(err))))
		return nil, err
	}
	return out, nil
}

func toLangchainTools(tools []Tool) []llms.Tool {
	out := make([]llms.Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func fromResponse(resp *llms.ContentResponse) (*Completion, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	var (
		text  strings.Builder
		calls []ToolCall
	)
	for _, ch := range resp.Choices {
		text.WriteString(ch.Content)
		for _, tc := range ch.ToolCalls {
			if tc.FunctionCall == nil {
				continue
			}
			calls = append(calls, ToolCall{ID: tc.ID, Name: tc.FunctionCall.Name, Arguments: tc.FunctionCall.Arguments})
		}
	}
	return &Completion{Text: text.String(), ToolCalls: calls}, nil
}

// StatusError is a provider failure that carries an HTTP status code.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string { return e.Err.Error() }
func (e *StatusError) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status.
func (e *StatusError) StatusCode() int { return e.Code }

// statusPattern pulls the HTTP status out of provider messages such as
// "API returned unexpected status code: 503" or "429 Too Many Requests".
var statusPattern = regexp.MustCompile(`(?i)(?:^|\bstatus(?: code)?:?\s*)([1-5][0-9]{2})\b`)

// withStatus lifts a status code embedded in err's message into a
// *StatusError. Errors that already carry one are returned as-is.
func withStatus(err error) error {
	var coded interface{ StatusCode() int }
	if errors.As(err, &coded) {
		return err
	}
	m := statusPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return err
	}
	code, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return err
	}
	return &StatusError{Code: code, Err: err}
}

// transientMarkers are provider phrases that mark an error as retryable
// when no status code is available.
var transientMarkers = []string{
	"rate limit", "rate_limit", "too many requests", "overloaded",
	"internal server error", "bad gateway", "service unavailable",
	"gateway timeout", "timed out", "connection reset", "connection refused",
}

// Classify wraps err as transient when it is a rate limit, timeout, server
// error or network failure. Cancellation of parent is never transient.
func Classify(parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED):
		return apperr.Transient("llm", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.Transient("llm", err)
	}
	var coded interface{ StatusCode() int }
	if errors.As(withStatus(err), &coded) {
		if transientStatus(coded.StatusCode()) {
			return apperr.Transient("llm", err)
		}
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return apperr.Transient("llm", err)
		}
	}
	return err
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= http.StatusInternalServerError
}
