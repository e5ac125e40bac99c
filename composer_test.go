package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/gamma-omg/calendar-rag/docstore"
	"github.com/gamma-omg/calendar-rag/llm"
	"github.com/gamma-omg/calendar-rag/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeRetriever struct {
	res   []docstore.SearchResult
	err   error
	gotK  int
	calls int
}

func (r *fakeRetriever) Retrieve(ctx context.Context, query string, k int) ([]docstore.SearchResult, error) {
	r.calls++
	r.gotK = k
	return r.res, r.err
}

func Test_buildPrompt(t *testing.T) {
	prompt := buildPrompt("When is spring break?", []docstore.Chunk{
		{Text: "Spring break: March 25"},
		{Text: "Classes resume: April 1"},
	})

	assert.True(t, strings.HasPrefix(prompt, "You are a helpful assistant for an academic institution's ERP system."))
	assert.Contains(t, prompt, "Don't try to make up an answer.")
	assert.Contains(t, prompt, "Context:\nDocument 1:\nSpring break: March 25\n\nDocument 2:\nClasses resume: April 1\n\n")
	assert.True(t, strings.HasSuffix(prompt, "Question: When is spring break?\n\nHelpful Answer:"))
}

func Test_Composer_Answer(t *testing.T) {
	sources := []docstore.Chunk{
		{Text: "Event: Mid-term Examinations", Metadata: docstore.Metadata{SourceID: "events.json", Locator: "evt_001"}},
	}
	retriever := &fakeRetriever{res: []docstore.SearchResult{{Chunk: sources[0], Score: 0.9}}}

	gen := mocks.NewMockGenerator(t)
	gen.EXPECT().
		Generate(mock.Anything, mock.MatchedBy(func(p string) bool {
			return strings.Contains(p, "Document 1:\nEvent: Mid-term Examinations") &&
				strings.Contains(p, "Question: when are mid-terms")
		})).
		Return("Mid-terms are March 15-20.", nil)

	c := NewComposer(retriever, gen, 4, discardLogger())
	ans, err := c.Answer(context.Background(), "when are mid-terms")
	require.NoError(t, err)

	assert.Equal(t, "Mid-terms are March 15-20.", ans.Text)
	assert.Equal(t, sources, ans.Sources)
	assert.NoError(t, ans.Err)
	assert.Equal(t, 4, retriever.gotK)
}

func Test_Composer_GenerationFailure(t *testing.T) {
	retriever := &fakeRetriever{res: []docstore.SearchResult{{Chunk: docstore.Chunk{Text: "context"}, Score: 0.5}}}

	genErr := fmt.Errorf("%w: quota exceeded", llm.ErrGeneration)
	gen := mocks.NewMockGenerator(t)
	gen.EXPECT().Generate(mock.Anything, mock.Anything).Return("", genErr)

	c := NewComposer(retriever, gen, 4, discardLogger())
	ans, err := c.Answer(context.Background(), "anything")
	require.NoError(t, err)

	assert.Equal(t, "Error processing query: generation failed: quota exceeded", ans.Text)
	assert.Empty(t, ans.Sources)
	assert.NotNil(t, ans.Sources)
	assert.ErrorIs(t, ans.Err, llm.ErrGeneration)
}

func Test_Composer_RetrievalFailure(t *testing.T) {
	retriever := &fakeRetriever{err: fmt.Errorf("%w: initialize the index first", docstore.ErrNotInitialized)}
	gen := mocks.NewMockGenerator(t)

	c := NewComposer(retriever, gen, 4, discardLogger())
	_, err := c.Answer(context.Background(), "anything")
	assert.ErrorIs(t, err, docstore.ErrNotInitialized)
	gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func Test_Composer_NoContext(t *testing.T) {
	gen := mocks.NewMockGenerator(t)
	gen.EXPECT().Generate(mock.Anything, mock.Anything).Return("I don't have that information in the calendar.", nil)

	c := NewComposer(&fakeRetriever{}, gen, 4, discardLogger())
	ans, err := c.Answer(context.Background(), "when is the picnic")
	require.NoError(t, err)
	assert.Empty(t, ans.Sources)
	assert.False(t, errors.Is(ans.Err, llm.ErrGeneration))
}
