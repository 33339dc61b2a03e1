package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forge/internal/apperr"
)

// TEIConfig configures the text-embeddings-inference client.
type TEIConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// TEI calls a text-embeddings-inference server's /embed endpoint.
type TEI struct {
	config    TEIConfig
	client    *http.Client
	dimension atomic.Int64
	metrics   *Metrics
	logger    *zap.Logger
}

var _ Provider = (*TEI)(nil)

// NewTEI validates cfg and returns a client. No request is made.
func NewTEI(cfg TEIConfig, logger *zap.Logger) (*TEI, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	t := &TEI{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		metrics: NewMetrics(logger),
		logger:  logger,
	}
	t.dimension.Store(int64(DimensionForModel(cfg.Model)))
	return t, nil
}

type teiRequest struct {
	Inputs   any  `json:"inputs"`
	Truncate bool `json:"truncate"`
}

// EmbedDocuments implements Provider.
func (t *TEI) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	vecs, err := t.embed(ctx, "embed_documents", texts, len(texts))
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vecs), len(texts))
	}
	return vecs, nil
}

// EmbedQuery implements Provider.
func (t *TEI) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	vecs, err := t.embed(ctx, "embed_query", text, 1)
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrEmbeddingFailed)
	}
	return vecs[0], nil
}

// embed posts inputs and decodes the vector list. Connection failures and
// 429/5xx responses are transient; everything else is not.
func (t *TEI) embed(ctx context.Context, op string, inputs any, batch int) (vecs [][]float32, err error) {
	start := time.Now()
	defer func() {
		t.metrics.RecordGeneration(ctx, t.config.Model, op, time.Since(start), batch, err)
	}()

	body, err := json.Marshal(teiRequest{Inputs: inputs, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Transient("tei."+op, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err = fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailed, resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			err = apperr.Transient("tei."+op, err)
		}
		return nil, err
	}

	if err := json.NewDecoder(resp.Body).Decode(&vecs); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrEmbeddingFailed, err)
	}
	if len(vecs) > 0 {
		if old := t.dimension.Swap(int64(len(vecs[0]))); old != int64(len(vecs[0])) {
			t.logger.Debug("tei dimension differs from model guess",
				zap.Int64("guessed", old), zap.Int("actual", len(vecs[0])))
		}
	}
	return vecs, nil
}

// Dimension implements Provider. It is refined after the first response.
func (t *TEI) Dimension() int { return int(t.dimension.Load()) }

// Close implements Provider.
func (t *TEI) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
