package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gamma-omg/calendar-rag/docstore"
	"github.com/gamma-omg/calendar-rag/llm"
)

const promptTemplate = `You are a helpful assistant for an academic institution's ERP system. Your role is to answer questions about the academic calendar, including events, examinations, holidays, and important dates. Use the following pieces of context to answer the question at the end. If you don't know the answer based on the context provided, just say that you don't have that information in the calendar. Don't try to make up an answer.

Context:
%s

Question: %s

Helpful Answer:`

type Answer struct {
	Text    string           `json:"answer"`
	Sources []docstore.Chunk `json:"sources"`
	// Err is set when generation failed and Text describes the failure.
	Err error `json:"-"`
}

type docRetriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]docstore.SearchResult, error)
}

type Composer struct {
	log       *slog.Logger
	retriever docRetriever
	gen       llm.Generator
	results   int
}

func NewComposer(retriever docRetriever, gen llm.Generator, results int, log *slog.Logger) *Composer {
	return &Composer{
		log:       log,
		retriever: retriever,
		gen:       gen,
		results:   results,
	}
}

// Answer retrieves context for question and asks the model. A failed model
// call still yields an answer describing the failure.
func (c *Composer) Answer(ctx context.Context, question string) (Answer, error) {
	res, err := c.retriever.Retrieve(ctx, question, c.results)
	if err != nil {
		return Answer{}, err
	}

	sources := make([]docstore.Chunk, len(res))
	for i, r := range res {
		sources[i] = r.Chunk
	}

	text, err := c.gen.Generate(ctx, buildPrompt(question, sources))
	if err != nil {
		c.log.Error("generation failed", "question", question, "err", err)
		return Answer{
			Text:    fmt.Sprintf("Error processing query: %s", err),
			Sources: []docstore.Chunk{},
			Err:     err,
		}, nil
	}

	return Answer{Text: text, Sources: sources}, nil
}

func buildPrompt(question string, chunks []docstore.Chunk) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = fmt.Sprintf("Document %d:\n%s", i+1, c.Text)
	}

	return fmt.Sprintf(promptTemplate, strings.Join(parts, "\n\n"), question)
}
