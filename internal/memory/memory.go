// Package memory is the cross-stage content store. Stages write what they
// learned or produced as immutable items; later stages find them by
// semantic similarity plus exact producer/type filters.
//
// Every item lives in a namespace (one per session). Searches never cross
// namespaces.
package memory

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forge/internal/apperr"
	"github.com/fyrsmithlabs/forge/internal/embeddings"
	"github.com/fyrsmithlabs/forge/internal/retry"
	"github.com/fyrsmithlabs/forge/internal/sanitize"
	"github.com/fyrsmithlabs/forge/internal/secrets"
	"github.com/fyrsmithlabs/forge/internal/vectorstore"
)

const (
	collectionPrefix = "forge_mem"

	// DefaultK is the result count when the caller passes k <= 0.
	DefaultK = 5

	// overfetch widens the candidate set so score ties at the k boundary
	// are resolved by recency rather than by backend order.
	overfetch = 4

	metaNamespace = "namespace"
	metaProducer  = "producer"
	metaItemType  = "item_type"
	metaCreatedAt = "created_at"
)

var (
	// ErrEmbeddingFailed is returned when an item or query could not be
	// embedded. Nothing is written in that case.
	ErrEmbeddingFailed = errors.New("memory embedding failed")

	// ErrInvalidItem is returned for items missing content, producer or type.
	ErrInvalidItem = errors.New("invalid memory item")

	// ErrInvalidNamespace is returned for an empty namespace.
	ErrInvalidNamespace = errors.New("invalid memory namespace")
)

// Item is one stored piece of content. ID and CreatedAt are assigned by
// the store; Score is set on search results only.
type Item struct {
	ID        string    `json:"id"`
	Namespace string    `json:"namespace"`
	Content   string    `json:"content"`
	Producer  string    `json:"producer"`
	ItemType  string    `json:"item_type"`
	CreatedAt time.Time `json:"created_at"`
	Score     float32   `json:"score,omitempty"`
}

// Filters narrows a search by exact match. Empty fields match anything.
type Filters struct {
	Producer string
	ItemType string
}

// Store is the memory contract used by stages.
type Store interface {
	// Store embeds and writes item under namespace, returning its id.
	Store(ctx context.Context, namespace string, item Item) (string, error)

	// Search returns up to k items from namespace, most similar first,
	// newest first among equal scores.
	Search(ctx context.Context, namespace, query string, filters Filters, k int) ([]Item, error)
}

// VectorStore implements Store on an embeddings provider and a vector
// backend.
type VectorStore struct {
	vectors  vectorstore.Store
	embedder embeddings.Provider
	scrubber *secrets.Scrubber
	retry    *retry.Policy
	logger   *zap.Logger
	tracer   trace.Tracer

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

var _ Store = (*VectorStore)(nil)

// Option configures a VectorStore.
type Option func(*VectorStore)

// WithScrubber redacts secrets from content before it is embedded or stored.
func WithScrubber(s *secrets.Scrubber) Option { return func(v *VectorStore) { v.scrubber = s } }

// WithRetry sets the policy applied to embedding calls.
func WithRetry(p *retry.Policy) Option { return func(v *VectorStore) { v.retry = p } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(v *VectorStore) { v.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(v *VectorStore) { v.now = now } }

// New wires a VectorStore.
func New(vectors vectorstore.Store, embedder embeddings.Provider, opts ...Option) *VectorStore {
	v := &VectorStore{
		vectors:  vectors,
		embedder: embedder,
		retry:    retry.DefaultPolicy(),
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("forge.memory"),
		entropy:  ulid.Monotonic(rand.Reader, 0),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func collection(namespace string) string {
	return sanitize.Collection(collectionPrefix, namespace)
}

func (v *VectorStore) newID(t time.Time) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), v.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Store implements Store. The item is embedded first; if that fails the
// call returns ErrEmbeddingFailed and nothing is written.
func (v *VectorStore) Store(ctx context.Context, namespace string, item Item) (id string, err error) {
	ctx, span := v.tracer.Start(ctx, "memory.store")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(
		attribute.String("namespace", namespace),
		attribute.String("producer", item.Producer),
		attribute.String("item_type", item.ItemType))

	if namespace == "" {
		return "", ErrInvalidNamespace
	}
	if item.Content == "" || item.Producer == "" || item.ItemType == "" {
		return "", fmt.Errorf("%w: content, producer and item_type are required", ErrInvalidItem)
	}

	content := item.Content
	if v.scrubber.Enabled() {
		var findings []secrets.Finding
		content, findings = v.scrubber.Scrub(content)
		if len(findings) > 0 {
			v.logger.Info("redacted secrets from memory item",
				zap.String("namespace", namespace),
				zap.String("producer", item.Producer),
				zap.Int("findings", len(findings)))
		}
	}

	vecs, err := retry.DoValue(ctx, v.retry, "embeddings.embed_documents", func(ctx context.Context) ([][]float32, error) {
		return v.embedder.EmbedDocuments(ctx, []string{content})
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return "", fmt.Errorf("%w: provider returned no vector", ErrEmbeddingFailed)
	}

	created := v.now().UTC()
	id, err = v.newID(created)
	if err != nil {
		return "", fmt.Errorf("generating item id: %w", err)
	}

	rec := vectorstore.Record{
		ID:      id,
		Content: content,
		Vector:  vecs[0],
		Metadata: map[string]string{
			metaNamespace: namespace,
			metaProducer:  item.Producer,
			metaItemType:  item.ItemType,
			metaCreatedAt: created.Format(time.RFC3339Nano),
		},
	}
	if err := v.vectors.Upsert(ctx, collection(namespace), []vectorstore.Record{rec}); err != nil {
		return "", fmt.Errorf("storing memory item: %w", err)
	}

	v.logger.Debug("memory item stored",
		zap.String("namespace", namespace),
		zap.String("id", id),
		zap.String("producer", item.Producer),
		zap.String("item_type", item.ItemType))
	return id, nil
}

// Search implements Store.
func (v *VectorStore) Search(ctx context.Context, namespace, query string, filters Filters, k int) (items []Item, err error) {
	ctx, span := v.tracer.Start(ctx, "memory.search")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("namespace", namespace), attribute.Int("k", k))

	if namespace == "" {
		return nil, ErrInvalidNamespace
	}
	if query == "" {
		return nil, &apperr.ValidationError{Field: "query", Err: errors.New("empty search query")}
	}
	if k <= 0 {
		k = DefaultK
	}

	vec, err := retry.DoValue(ctx, v.retry, "embeddings.embed_query", func(ctx context.Context) ([]float32, error) {
		return v.embedder.EmbedQuery(ctx, query)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}

	// The namespace is always part of the filter: distinct namespaces may
	// sanitize to the same collection name.
	where := vectorstore.Filter{metaNamespace: namespace}
	if filters.Producer != "" {
		where[metaProducer] = filters.Producer
	}
	if filters.ItemType != "" {
		where[metaItemType] = filters.ItemType
	}

	matches, err := v.vectors.Query(ctx, collection(namespace), vec, k*overfetch, where)
	if err != nil {
		return nil, fmt.Errorf("searching memory: %w", err)
	}

	items = make([]Item, 0, len(matches))
	for _, m := range matches {
		if m.Metadata[metaNamespace] != namespace {
			continue
		}
		created, _ := time.Parse(time.RFC3339Nano, m.Metadata[metaCreatedAt])
		items = append(items, Item{
			ID:        m.ID,
			Namespace: namespace,
			Content:   m.Content,
			Producer:  m.Metadata[metaProducer],
			ItemType:  m.Metadata[metaItemType],
			CreatedAt: created,
			Score:     m.Score,
		})
	}
	Rank(items)
	if len(items) > k {
		items = items[:k]
	}
	span.SetAttributes(attribute.Int("results", len(items)))
	return items, nil
}

// Count returns how many items namespace holds. Items of namespaces that
// share a collection name are included.
func (v *VectorStore) Count(ctx context.Context, namespace string) (int, error) {
	return v.vectors.Count(ctx, collection(namespace))
}

// Rank orders items by descending score, then newest first, then by
// descending id (ULIDs sort by creation time).
func Rank(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}
