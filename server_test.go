package main

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/gamma-omg/calendar-rag/docstore"
	"github.com/gamma-omg/calendar-rag/mocks"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()

	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func newTestTools(t *testing.T, gen *mocks.MockGenerator) (*ragTools, *DocRegistry) {
	t.Helper()

	store := newTestStore(t, mocks.NewHashEmbeddingFunction())
	reg := newTestRegistry(t, store)
	retriever := NewRetriever(store)

	return &ragTools{
		log:       discardLogger(),
		qa:        NewComposer(retriever, gen, 4, discardLogger()),
		retriever: retriever,
		reg:       reg,
		results:   4,
	}, reg
}

func Test_splitPaths(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{"a.json", []string{"a.json"}},
		{"a.json, b.pdf", []string{"a.json", "b.pdf"}},
		{"a.json\n b.pdf \n\n", []string{"a.json", "b.pdf"}},
		{" , \n", nil},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, splitPaths(tt.raw), tt.raw)
	}
}

func Test_Tools_AddListAsk(t *testing.T) {
	dir := t.TempDir()
	events := createFile(t, dir, "events.json", testEvents)
	ctx := context.Background()

	gen := mocks.NewMockGenerator(t)
	gen.EXPECT().Generate(mock.Anything, mock.Anything).Return("March 15 to March 20.", nil)
	tools, _ := newTestTools(t, gen)

	res, err := tools.add(ctx, newToolRequest("add_sources", map[string]any{"paths": events}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	var report AddReport
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &report))
	assert.Equal(t, 2, report.Added)
	assert.Equal(t, []string{events}, report.Sources)

	res, err = tools.list(ctx, newToolRequest("list_sources", nil))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var listing Listing
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &listing))
	assert.True(t, listing.Initialized)
	assert.Equal(t, 2, listing.Count)
	require.Len(t, listing.Sources, 1)
	assert.Equal(t, []string{"evt_001", "evt_002"}, listing.Sources[0].Locators)

	res, err = tools.ask(ctx, newToolRequest("ask_calendar", map[string]any{"question": "when are mid-terms"}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var ans struct {
		Answer  string       `json:"answer"`
		Sources []sourceView `json:"sources"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &ans))
	assert.Equal(t, "March 15 to March 20.", ans.Answer)
	require.Len(t, ans.Sources, 2)
	assert.Equal(t, docstore.MethodJSON, ans.Sources[0].Metadata.ExtractionMethod)
}

func Test_Tools_AskNotInitialized(t *testing.T) {
	tools, _ := newTestTools(t, mocks.NewMockGenerator(t))

	res, err := tools.ask(context.Background(), newToolRequest("ask_calendar", map[string]any{"question": "when are mid-terms"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "initialize the index first")
}

func Test_Tools_AskGenerationFailure(t *testing.T) {
	dir := t.TempDir()
	events := createFile(t, dir, "events.json", testEvents)

	gen := mocks.NewMockGenerator(t)
	gen.EXPECT().Generate(mock.Anything, mock.Anything).Return("", fmt.Errorf("rate limited"))
	tools, reg := newTestTools(t, gen)

	_, err := reg.Add(context.Background(), []string{events}, false)
	require.NoError(t, err)

	res, err := tools.ask(context.Background(), newToolRequest("ask_calendar", map[string]any{"question": "anything"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.JSONEq(t, `{"answer": "Error processing query: rate limited", "sources": []}`, resultText(t, res))
}

func Test_Tools_Search(t *testing.T) {
	dir := t.TempDir()
	events := createFile(t, dir, "events.json", testEvents)
	tools, reg := newTestTools(t, mocks.NewMockGenerator(t))

	_, err := reg.Add(context.Background(), []string{events}, false)
	require.NoError(t, err)

	res, err := tools.search(context.Background(), newToolRequest("search_calendar", map[string]any{"query": "spring break"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), `"page_or_event_id":"evt_002"`)
}

func Test_Tools_MissingArguments(t *testing.T) {
	tools, _ := newTestTools(t, mocks.NewMockGenerator(t))
	ctx := context.Background()

	res, err := tools.ask(ctx, newToolRequest("ask_calendar", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = tools.add(ctx, newToolRequest("add_sources", map[string]any{"paths": " , "}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "no paths given", resultText(t, res))

	res, err = tools.replace(ctx, newToolRequest("replace_sources", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func Test_Tools_ReplaceMissingFile(t *testing.T) {
	tools, reg := newTestTools(t, mocks.NewMockGenerator(t))

	res, err := tools.replace(context.Background(), newToolRequest("replace_sources", map[string]any{"paths": "/nonexistent/events.json"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, StateAbsent, reg.State())
}
