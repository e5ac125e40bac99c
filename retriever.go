package main

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/gamma-omg/calendar-rag/docstore"
)

type VectorIndex interface {
	Loaded() bool
	Load(ctx context.Context) error
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Nearest(ctx context.Context, vector []float32, k int) ([]docstore.SearchResult, error)
}

type Retriever struct {
	index VectorIndex
}

func NewRetriever(index VectorIndex) *Retriever {
	return &Retriever{index: index}
}

// Retrieve returns at most k chunks most similar to query, best first.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]docstore.SearchResult, error) {
	if !r.index.Loaded() {
		err := r.index.Load(ctx)
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: initialize the index first", docstore.ErrNotInitialized)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load index: %w", err)
		}
	}

	vec, err := r.index.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	res, err := r.index.Nearest(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("failed to search index: %w", err)
	}

	sort.SliceStable(res, func(i, j int) bool { return res[i].Score > res[j].Score })
	if len(res) > k {
		res = res[:k]
	}

	return res, nil
}
