package main

import (
	"context"
	"errors"
	"testing"

	"github.com/gamma-omg/calendar-rag/docstore"
	"github.com/gamma-omg/calendar-rag/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Retrieve_NotInitialized(t *testing.T) {
	r := NewRetriever(newTestStore(t, mocks.NewHashEmbeddingFunction()))

	_, err := r.Retrieve(context.Background(), "when are exams", 4)
	assert.ErrorIs(t, err, docstore.ErrNotInitialized)
	assert.ErrorContains(t, err, "initialize the index first")
}

func Test_Retrieve(t *testing.T) {
	store := newTestStore(t, mocks.NewHashEmbeddingFunction())
	ctx := context.Background()

	var chunks []docstore.Chunk
	for i, text := range []string{
		"library opening hours",
		"final examination schedule for spring",
		"sports day",
		"final examination results",
		"hostel allocation",
		"convocation ceremony",
	} {
		chunks = append(chunks, docstore.Chunk{
			Text:     text,
			Metadata: docstore.Metadata{SourceID: "cal.pdf", Locator: docstore.PageLocator(i)},
		})
	}
	require.NoError(t, store.Create(ctx, chunks))

	r := NewRetriever(store)
	res, err := r.Retrieve(ctx, "final examination", 4)
	require.NoError(t, err)
	require.Len(t, res, 4)

	for i := 1; i < len(res); i++ {
		assert.GreaterOrEqual(t, res[i-1].Score, res[i].Score)
	}
	assert.Contains(t, []string{res[0].Chunk.Text, res[1].Chunk.Text}, "final examination results")
}

func Test_Retrieve_LoadsFromDisk(t *testing.T) {
	ef := mocks.NewHashEmbeddingFunction()
	writer := newTestStore(t, ef)
	ctx := context.Background()
	require.NoError(t, writer.Create(ctx, []docstore.Chunk{{Text: "winter break", Metadata: docstore.Metadata{SourceID: "a"}}}))

	reader, err := docstore.NewStore(docstore.StoreConfig{Path: writer.Path(), EmbeddingFunc: ef, Logger: discardLogger()})
	require.NoError(t, err)
	defer reader.Close()

	res, err := NewRetriever(reader).Retrieve(ctx, "winter", 4)
	require.NoError(t, err)
	assert.Len(t, res, 1)
}

func Test_Retrieve_EmbeddingFailure(t *testing.T) {
	ef := mocks.NewHashEmbeddingFunction()
	store := newTestStore(t, ef)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, []docstore.Chunk{{Text: "text", Metadata: docstore.Metadata{SourceID: "a"}}}))

	ef.Err = errors.New("network down")
	_, err := NewRetriever(store).Retrieve(ctx, "text", 4)
	assert.ErrorIs(t, err, docstore.ErrCapabilityUnavailable)
}
