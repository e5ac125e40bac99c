package readers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gamma-omg/calendar-rag/docstore"
)

type calendarFile struct {
	Events []calendarEvent `json:"events"`
}

type calendarEvent struct {
	ID          flexString `json:"event_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	StartDate   string     `json:"start_date"`
	EndDate     string     `json:"end_date"`
	EventType   string     `json:"event_type"`
	Semester    string     `json:"semester"`
	Year        flexString `json:"year"`
}

// flexString accepts both JSON strings and numbers, keeping the literal text.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*s = flexString(n.String())
	return nil
}

// EventsFileReader reads calendar event records, one unit per event.
type EventsFileReader struct{}

func (r *EventsFileReader) CanRead(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".json"
}

func (r *EventsFileReader) Read(ctx context.Context, path string, opts Options) ([]Unit, error) {
	if err := checkExists(path); err != nil {
		return nil, err
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", docstore.ErrExtraction, path, err)
	}

	var cal calendarFile
	if err := json.Unmarshal(buf, &cal); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", docstore.ErrExtraction, path, err)
	}

	units := make([]Unit, 0, len(cal.Events))
	for i, e := range cal.Events {
		text := renderEvent(e)
		if text == "" {
			continue
		}

		id := string(e.ID)
		if id == "" {
			id = strconv.Itoa(i)
		}

		units = append(units, Unit{
			Text: text,
			Metadata: docstore.Metadata{
				SourceID:         path,
				Locator:          id,
				ExtractionMethod: docstore.MethodJSON,
				Title:            e.Title,
				EventType:        e.EventType,
				StartDate:        e.StartDate,
				EndDate:          e.EndDate,
				Semester:         e.Semester,
				Year:             string(e.Year),
			},
		})
	}

	return units, nil
}

func renderEvent(e calendarEvent) string {
	fields := []struct {
		label string
		value string
	}{
		{"Event", e.Title},
		{"Type", e.EventType},
		{"Date", e.StartDate},
		{"End Date", e.EndDate},
		{"Description", e.Description},
		{"Semester", e.Semester},
		{"Academic Year", string(e.Year)},
	}

	var sb strings.Builder
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(f.label)
		sb.WriteString(": ")
		sb.WriteString(f.value)
	}

	return sb.String()
}
