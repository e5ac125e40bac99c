package docstore

import "strconv"

// Extraction methods recorded on every chunk.
const (
	MethodText    = "text"
	MethodOCR     = "ocr"
	MethodJSON    = "json"
	MethodDocconv = "docconv"
)

// Metadata is the provenance carried by every chunk. Calendar fields are
// only populated for chunks derived from structured event records.
type Metadata struct {
	SourceID         string `json:"source_id"`
	Locator          string `json:"page_or_event_id"`
	ExtractionMethod string `json:"extraction_method"`
	Title            string `json:"title,omitempty"`
	EventType        string `json:"event_type,omitempty"`
	StartDate        string `json:"start_date,omitempty"`
	EndDate          string `json:"end_date,omitempty"`
	Semester         string `json:"semester,omitempty"`
	Year             string `json:"year,omitempty"`
}

// PageLocator formats a zero-based page index as a locator.
func PageLocator(page int) string {
	return strconv.Itoa(page)
}

type Chunk struct {
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
}

type SearchResult struct {
	Chunk Chunk
	Score float32
}

// SourceInfo summarises what a single source contributed to the index.
type SourceInfo struct {
	SourceID string   `json:"source_id"`
	Locators []string `json:"locators"`
	Chunks   int      `json:"chunks"`
}
