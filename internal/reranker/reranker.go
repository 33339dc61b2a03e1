// Package reranker reorders memory search hits by how many query terms they
// actually contain, blended with their vector similarity.
package reranker

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/forge/internal/memory"
)

// DefaultWeight is the share of the final score given to term overlap.
const DefaultWeight = 0.5

// Reranker reorders search results for a query.
type Reranker interface {
	// Rerank returns at most k items, best first. k <= 0 keeps all.
	Rerank(ctx context.Context, query string, items []memory.Item, k int) ([]memory.Item, error)
}

// Lexical scores items by the fraction of distinct query terms present in
// their content.
type Lexical struct {
	weight float32
}

// NewLexical returns a lexical reranker. weight outside (0, 1] falls back
// to DefaultWeight.
func NewLexical(weight float32) *Lexical {
	if weight <= 0 || weight > 1 {
		weight = DefaultWeight
	}
	return &Lexical{weight: weight}
}

// Rerank replaces each item's Score with the blended score and sorts by it.
// Ties keep the newer item first. A query without usable terms leaves the
// order untouched.
func (l *Lexical) Rerank(ctx context.Context, query string, items []memory.Item, k int) ([]memory.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 || k > len(items) {
		k = len(items)
	}
	out := make([]memory.Item, len(items))
	copy(out, items)

	terms := tokenize(query)
	if len(terms) == 0 {
		return out[:k], nil
	}

	for i := range out {
		overlap := coverage(terms, tokenize(out[i].Content))
		out[i].Score = (1-l.weight)*out[i].Score + l.weight*overlap
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out[:k], nil
}

// coverage is the fraction of query terms found in doc.
func coverage(query, doc map[string]struct{}) float32 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for t := range query {
		if _, ok := doc[t]; ok {
			hits++
		}
	}
	return float32(hits) / float32(len(query))
}

func tokenize(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	terms := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if len(f) <= 2 || stopwords[f] {
			continue
		}
		terms[f] = struct{}{}
	}
	return terms
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "was": true,
	"one": true, "our": true, "out": true, "has": true, "have": true,
	"with": true, "this": true, "that": true, "from": true, "they": true,
	"will": true, "what": true, "when": true, "which": true, "into": true,
	"use": true, "how": true, "its": true, "who": true, "any": true,
}
