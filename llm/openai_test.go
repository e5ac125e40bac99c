package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gamma-omg/calendar-rag/docstore"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_NewOpenAIGenerator_NoKey(t *testing.T) {
	_, err := NewOpenAIGenerator(Options{})
	assert.ErrorIs(t, err, docstore.ErrCapabilityUnavailable)
}

func Test_NewGeminiGenerator_NoKey(t *testing.T) {
	_, err := NewGeminiGenerator(context.Background(), Options{})
	assert.ErrorIs(t, err, docstore.ErrCapabilityUnavailable)
}

func Test_OpenAIGenerator_Generate(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o-mini",
			"choices": [{
				"index": 0,
				"finish_reason": "stop",
				"message": {"role": "assistant", "content": " Mid-terms run from March 15 to March 20. "}
			}]
		}`))
	}))
	defer srv.Close()

	g, err := NewOpenAIGenerator(Options{APIKey: "test-key", Temperature: 0.7, MaxTokens: 500},
		option.WithBaseURL(srv.URL+"/"), option.WithMaxRetries(0))
	require.NoError(t, err)

	text, err := g.Generate(context.Background(), "when are mid-terms")
	require.NoError(t, err)
	assert.Equal(t, " Mid-terms run from March 15 to March 20. ", text)

	assert.Equal(t, DefaultOpenAIModel, got["model"])
	assert.InDelta(t, 0.7, got["temperature"], 1e-9)
	assert.EqualValues(t, 500, got["max_completion_tokens"])
}

func Test_OpenAIGenerator_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error": {"message": "overloaded", "type": "server_error"}}`))
	}))
	defer srv.Close()

	g, err := NewOpenAIGenerator(Options{APIKey: "test-key"}, option.WithBaseURL(srv.URL+"/"), option.WithMaxRetries(0))
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), "question")
	assert.ErrorIs(t, err, ErrGeneration)
}
