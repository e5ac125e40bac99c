package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gamma-omg/calendar-rag/docstore"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

type questionAnswerer interface {
	Answer(ctx context.Context, question string) (Answer, error)
}

type indexMaintainer interface {
	List(ctx context.Context) (Listing, error)
	Add(ctx context.Context, paths []string, ocr bool) (AddReport, error)
	Replace(ctx context.Context, paths []string, ocr bool) (ReplaceReport, error)
}

type sourceView struct {
	Text     string            `json:"text"`
	Metadata docstore.Metadata `json:"metadata"`
}

type ragTools struct {
	log       *slog.Logger
	qa        questionAnswerer
	retriever docRetriever
	reg       indexMaintainer
	results   int
}

func NewRagServer(app *App) *server.MCPServer {
	return newRagServer(&ragTools{
		log:       app.Log,
		qa:        app.Composer,
		retriever: app.Retriever,
		reg:       app.Registry,
		results:   app.Config.Results,
	})
}

func newRagServer(t *ragTools) *server.MCPServer {
	srv := server.NewMCPServer("Academic Calendar", "0.1.0", server.WithToolCapabilities(false))

	srv.AddTool(mcp.NewTool("ask_calendar",
		mcp.WithDescription("Answers a question about the academic calendar using the indexed documents"),
		mcp.WithString("question",
			mcp.Required(),
			mcp.Description("Question about events, examinations, holidays or dates"),
		)), t.ask)

	srv.AddTool(mcp.NewTool("search_calendar",
		mcp.WithDescription("Searches the indexed calendar documents and returns the most similar passages"),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search query"),
		)), t.search)

	srv.AddTool(mcp.NewTool("list_sources",
		mcp.WithDescription("Lists the sources in the index with their pages or event ids"),
	), t.list)

	srv.AddTool(mcp.NewTool("add_sources",
		mcp.WithDescription("Adds PDF or JSON calendar files to the index, creating it if needed"),
		mcp.WithString("paths",
			mcp.Required(),
			mcp.Description("File paths separated by commas or new lines"),
		),
		mcp.WithBoolean("ocr",
			mcp.Description("Recognize PDF pages as images instead of reading the text layer"),
		)), t.add)

	srv.AddTool(mcp.NewTool("replace_sources",
		mcp.WithDescription("Rebuilds the index from the given files, backing up the current one first"),
		mcp.WithString("paths",
			mcp.Required(),
			mcp.Description("File paths separated by commas or new lines"),
		),
		mcp.WithBoolean("ocr",
			mcp.Description("Recognize PDF pages as images instead of reading the text layer"),
		)), t.replace)

	return srv
}

func (t *ragTools) ask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q, err := request.RequireString("question")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	ans, err := t.qa.Answer(ctx, q)
	if err != nil {
		t.log.Error("ask_calendar failed", "question", q, "err", err)
		return mcp.NewToolResultError(err.Error()), nil
	}

	sources := make([]sourceView, len(ans.Sources))
	for i, s := range ans.Sources {
		sources[i] = sourceView{Text: s.Text, Metadata: s.Metadata}
	}

	return jsonResult(struct {
		Answer  string       `json:"answer"`
		Sources []sourceView `json:"sources"`
	}{ans.Text, sources})
}

func (t *ragTools) search(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := t.retriever.Retrieve(ctx, q, t.results)
	if err != nil {
		t.log.Error("search_calendar failed", "query", q, "err", err)
		return mcp.NewToolResultError(err.Error()), nil
	}

	var response string
	for _, r := range res {
		raw, err := json.Marshal(struct {
			Score   float32 `json:"score"`
			Source  string  `json:"source"`
			Locator string  `json:"page_or_event_id"`
			Text    string  `json:"text"`
		}{
			Score:   r.Score,
			Source:  r.Chunk.Metadata.SourceID,
			Locator: r.Chunk.Metadata.Locator,
			Text:    r.Chunk.Text,
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		response += fmt.Sprintf("%s\n", string(raw))
	}

	return mcp.NewToolResultText(response), nil
}

func (t *ragTools) list(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	listing, err := t.reg.List(ctx)
	if err != nil {
		t.log.Error("list_sources failed", "err", err)
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(listing)
}

func (t *ragTools) add(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	paths, err := requirePaths(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	report, err := t.reg.Add(ctx, paths, request.GetBool("ocr", false))
	if err != nil {
		t.log.Error("add_sources failed", "paths", paths, "err", err)
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(report)
}

func (t *ragTools) replace(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	paths, err := requirePaths(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	report, err := t.reg.Replace(ctx, paths, request.GetBool("ocr", false))
	if err != nil {
		t.log.Error("replace_sources failed", "paths", paths, "err", err)
		return mcp.NewToolResultError(err.Error()), nil
	}

	return jsonResult(report)
}

func requirePaths(request mcp.CallToolRequest) ([]string, error) {
	raw, err := request.RequireString("paths")
	if err != nil {
		return nil, err
	}

	paths := splitPaths(raw)
	if len(paths) == 0 {
		return nil, errors.New("no paths given")
	}

	return paths, nil
}

func splitPaths(raw string) []string {
	var paths []string
	for _, p := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == '\n' }) {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(string(raw)), nil
}
