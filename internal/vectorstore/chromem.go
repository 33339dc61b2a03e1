package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("forge.vectorstore.chromem")

// errNoEmbedding guards against chromem falling back to its own embedder.
var errNoEmbedding = errors.New("records must carry precomputed vectors")

func noEmbedding(context.Context, string) ([]float32, error) { return nil, errNoEmbedding }

// ChromemConfig configures the embedded store.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps everything in memory.
	Path string

	// Compress gzips persisted collections.
	Compress bool

	// VectorSize, when set, rejects vectors of any other length.
	VectorSize int
}

// ChromemStore is a Store backed by chromem-go. It needs no external
// service and persists to gob files under Path.
type ChromemStore struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger
}

var _ Store = (*ChromemStore)(nil)

// NewChromemStore opens (or creates) a chromem database.
func NewChromemStore(cfg ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.VectorSize < 0 {
		return nil, fmt.Errorf("%w: vector size must not be negative", ErrInvalidConfig)
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", cfg.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening chromem db: %w", err)
		}
	}

	logger.Info("chromem store opened",
		zap.String("path", cfg.Path),
		zap.Bool("persistent", cfg.Path != ""),
		zap.Int("vector_size", cfg.VectorSize))
	return &ChromemStore{db: db, config: cfg, logger: logger}, nil
}

// Upsert implements Store.
func (s *ChromemStore) Upsert(ctx context.Context, collection string, records []Record) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection), attribute.Int("records", len(records)))

	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	if err := checkDimensions(s.config.VectorSize, records); err != nil {
		return err
	}

	col, err := s.db.GetOrCreateCollection(collection, nil, noEmbedding)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("opening collection %s: %w", collection, err)
	}

	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		if r.ID == "" {
			return fmt.Errorf("record %d: id is required", i)
		}
		docs[i] = chromem.Document{
			ID:        r.ID,
			Content:   r.Content,
			Embedding: r.Vector,
			Metadata:  r.Metadata,
		}
	}
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents to %s: %w", collection, err)
	}
	return nil
}

// Query implements Store.
func (s *ChromemStore) Query(ctx context.Context, collection string, vector []float32, k int, filter Filter) ([]Match, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Query")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection), attribute.Int("k", k))

	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}
	if s.config.VectorSize > 0 && len(vector) != s.config.VectorSize {
		return nil, fmt.Errorf("%w: query has %d, want %d", ErrDimensionMismatch, len(vector), s.config.VectorSize)
	}

	col := s.db.GetCollection(collection, noEmbedding)
	if col == nil {
		return nil, nil
	}
	// chromem rejects k larger than the collection.
	if n := col.Count(); n == 0 {
		return nil, nil
	} else if k > n {
		k = n
	}

	results, err := col.QueryEmbedding(ctx, vector, k, filter, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying %s: %w", collection, err)
	}

	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{ID: r.ID, Content: r.Content, Metadata: r.Metadata, Score: r.Similarity}
	}
	span.SetAttributes(attribute.Int("matches", len(matches)))
	return matches, nil
}

// Count implements Store.
func (s *ChromemStore) Count(_ context.Context, collection string) (int, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return 0, err
	}
	col := s.db.GetCollection(collection, noEmbedding)
	if col == nil {
		return 0, nil
	}
	return col.Count(), nil
}

// DeleteCollection implements Store.
func (s *ChromemStore) DeleteCollection(_ context.Context, collection string) error {
	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	if err := s.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("deleting collection %s: %w", collection, err)
	}
	return nil
}

// Collections implements Store.
func (s *ChromemStore) Collections(_ context.Context) ([]string, error) {
	cols := s.db.ListCollections()
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close implements Store. chromem persists on every write.
func (s *ChromemStore) Close() error { return nil }
