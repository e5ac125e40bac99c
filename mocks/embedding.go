// Package mocks provides deterministic stand-ins for the remote embedding and
// generation services.
package mocks

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/amikos-tech/chroma-go/pkg/embeddings"
)

// HashEmbeddingFunction maps each word to a bucket of a fixed-size vector so
// that texts sharing words end up close to each other.
type HashEmbeddingFunction struct {
	Dim int
	Err error

	mu    sync.Mutex
	calls [][]string
}

func NewHashEmbeddingFunction() *HashEmbeddingFunction {
	return &HashEmbeddingFunction{Dim: 64}
}

func (f *HashEmbeddingFunction) EmbedDocuments(ctx context.Context, texts []string) ([]embeddings.Embedding, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), texts...))
	f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}

	res := make([]embeddings.Embedding, len(texts))
	for i, t := range texts {
		res[i] = embeddings.NewEmbeddingFromFloat32(f.Vector(t))
	}
	return res, nil
}

func (f *HashEmbeddingFunction) EmbedQuery(ctx context.Context, text string) (embeddings.Embedding, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return embeddings.NewEmbeddingFromFloat32(f.Vector(text)), nil
}

// Calls returns the batches passed to EmbedDocuments so far.
func (f *HashEmbeddingFunction) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

func (f *HashEmbeddingFunction) Vector(text string) []float32 {
	v := make([]float32, f.Dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%uint32(f.Dim)]++
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}

	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}
