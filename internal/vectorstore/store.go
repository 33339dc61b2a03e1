package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forge/internal/config"
)

var (
	// ErrInvalidConfig is returned for unusable backend settings.
	ErrInvalidConfig = errors.New("invalid vector store config")

	// ErrInvalidCollectionName is returned for names outside ^[a-z0-9_]{1,64}$.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrDimensionMismatch is returned when a vector does not match the
	// collection's dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrConnectionFailed is returned when a remote backend is unreachable.
	ErrConnectionFailed = errors.New("vector store connection failed")
)

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// Record is a stored vector with its source text and string metadata.
type Record struct {
	ID       string
	Content  string
	Vector   []float32
	Metadata map[string]string
}

// Match is a query hit. Score is cosine similarity; higher is closer.
type Match struct {
	ID       string
	Content  string
	Metadata map[string]string
	Score    float32
}

// Filter restricts a query to records whose metadata equals every entry.
type Filter map[string]string

// Store is implemented by every backend.
type Store interface {
	// Upsert writes records into collection, creating it on first use.
	Upsert(ctx context.Context, collection string, records []Record) error

	// Query returns up to k matches for vector in collection. A collection
	// that does not exist yet has no matches.
	Query(ctx context.Context, collection string, vector []float32, k int, filter Filter) ([]Match, error)

	// Count returns the number of records in collection.
	Count(ctx context.Context, collection string) (int, error)

	// DeleteCollection drops a collection and everything in it.
	DeleteCollection(ctx context.Context, collection string) error

	// Collections lists existing collection names.
	Collections(ctx context.Context) ([]string, error)

	Close() error
}

// ValidateCollectionName checks name against the pattern both backends accept.
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q must match ^[a-z0-9_]{1,64}$", ErrInvalidCollectionName, name)
	}
	return nil
}

// New opens the backend selected by cfg.Backend.
func New(cfg config.MemoryConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "chromem":
		return NewChromemStore(ChromemConfig{
			Path:       cfg.Path,
			Compress:   cfg.Compress,
			VectorSize: cfg.VectorSize,
		}, logger)
	case "qdrant":
		return NewQdrantStore(QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			VectorSize: uint64(cfg.VectorSize),
		}, logger)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, cfg.Backend)
	}
}

func checkDimensions(size int, records []Record) error {
	if size <= 0 {
		return nil
	}
	for _, r := range records {
		if len(r.Vector) != size {
			return fmt.Errorf("%w: record %s has %d, want %d", ErrDimensionMismatch, r.ID, len(r.Vector), size)
		}
	}
	return nil
}
