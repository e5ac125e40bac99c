package main

import (
	"strings"
	"unicode/utf8"

	"github.com/gamma-omg/calendar-rag/docstore"
	"github.com/gamma-omg/calendar-rag/readers"
)

// separators are tried in order: paragraphs, lines, sentences, words. Text
// with none of them is cut at rune boundaries.
var separators = []string{"\n\n", "\n", ". ", " "}

type TextChunkifier struct {
	chunkSize    int
	chunkOverlap int
}

func NewTextChunkifier(size, overlap int) *TextChunkifier {
	return &TextChunkifier{chunkSize: size, chunkOverlap: overlap}
}

// Split chunks every unit and copies its metadata to each chunk.
func (c *TextChunkifier) Split(units []readers.Unit) []docstore.Chunk {
	var res []docstore.Chunk
	for _, u := range units {
		for _, text := range c.Chunkify(u.Text) {
			res = append(res, docstore.Chunk{Text: text, Metadata: u.Metadata})
		}
	}

	return res
}

func (c *TextChunkifier) Chunkify(text string) []string {
	res := []string{}
	if strings.TrimSpace(text) == "" {
		return res
	}

	if utf8.RuneCountInString(text) <= c.chunkSize {
		return append(res, text)
	}

	for _, chunk := range c.split(text, separators) {
		if s := strings.TrimSpace(chunk); s != "" {
			res = append(res, s)
		}
	}

	return res
}

func (c *TextChunkifier) split(text string, seps []string) []string {
	sep, rest := "", []string(nil)
	for i, s := range seps {
		if strings.Contains(text, s) {
			sep, rest = s, seps[i+1:]
			break
		}
	}

	var pieces []string
	if sep == "" {
		for _, r := range text {
			pieces = append(pieces, string(r))
		}
	} else {
		for _, p := range strings.SplitAfter(text, sep) {
			if p != "" {
				pieces = append(pieces, p)
			}
		}
	}

	var res, fits []string
	for _, p := range pieces {
		if utf8.RuneCountInString(p) <= c.chunkSize {
			fits = append(fits, p)
			continue
		}

		if len(fits) > 0 {
			res = append(res, c.merge(fits)...)
			fits = nil
		}
		res = append(res, c.split(p, rest)...)
	}

	if len(fits) > 0 {
		res = append(res, c.merge(fits)...)
	}

	return res
}

// merge packs pieces greedily into chunks of at most chunkSize runes. Each new
// chunk starts with the tail of the previous one, up to chunkOverlap runes.
func (c *TextChunkifier) merge(pieces []string) []string {
	var res, cur []string
	total := 0

	for _, p := range pieces {
		l := utf8.RuneCountInString(p)
		if total+l > c.chunkSize && len(cur) > 0 {
			res = append(res, strings.Join(cur, ""))
			for len(cur) > 0 && (total > c.chunkOverlap || total+l > c.chunkSize) {
				total -= utf8.RuneCountInString(cur[0])
				cur = cur[1:]
			}
		}

		cur = append(cur, p)
		total += l
	}

	if len(cur) > 0 {
		res = append(res, strings.Join(cur, ""))
	}

	return res
}
