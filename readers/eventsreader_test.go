package readers

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gamma-omg/calendar-rag/docstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func Test_EventsFileReader_CanRead(t *testing.T) {
	r := EventsFileReader{}
	assert.True(t, r.CanRead("data/calendar_events.json"))
	assert.False(t, r.CanRead("data/calendar.pdf"))
}

func Test_EventsFileReader_Read(t *testing.T) {
	path := writeFile(t, "events.json", `{
		"events": [
			{
				"event_id": "evt_001",
				"title": "Mid-term Examinations",
				"description": "Mid-term exams for all courses",
				"start_date": "2024-03-15",
				"end_date": "2024-03-20",
				"event_type": "examination",
				"semester": "Spring 2024",
				"year": "2023-2024"
			},
			{
				"event_id": "evt_002",
				"title": "Founders Day",
				"start_date": "2024-04-02",
				"event_type": "holiday",
				"year": 2024
			}
		]
	}`)

	r := EventsFileReader{}
	units, err := r.Read(context.Background(), path, Options{})
	require.NoError(t, err)
	require.Len(t, units, 2)

	assert.Equal(t, "Event: Mid-term Examinations\n"+
		"Type: examination\n"+
		"Date: 2024-03-15\n"+
		"End Date: 2024-03-20\n"+
		"Description: Mid-term exams for all courses\n"+
		"Semester: Spring 2024\n"+
		"Academic Year: 2023-2024", units[0].Text)
	assert.Equal(t, docstore.Metadata{
		SourceID:         path,
		Locator:          "evt_001",
		ExtractionMethod: docstore.MethodJSON,
		Title:            "Mid-term Examinations",
		EventType:        "examination",
		StartDate:        "2024-03-15",
		EndDate:          "2024-03-20",
		Semester:         "Spring 2024",
		Year:             "2023-2024",
	}, units[0].Metadata)

	assert.Equal(t, "Event: Founders Day\nType: holiday\nDate: 2024-04-02\nAcademic Year: 2024", units[1].Text)
	assert.Equal(t, "2024", units[1].Metadata.Year)
	assert.Empty(t, units[1].Metadata.EndDate)
}

func Test_EventsFileReader_MissingID(t *testing.T) {
	path := writeFile(t, "events.json", `{"events": [{"title": "Orientation"}, {"title": "Convocation"}]}`)

	r := EventsFileReader{}
	units, err := r.Read(context.Background(), path, Options{})
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, "0", units[0].Metadata.Locator)
	assert.Equal(t, "1", units[1].Metadata.Locator)
}

func Test_EventsFileReader_Malformed(t *testing.T) {
	path := writeFile(t, "events.json", `{"events": [`)

	r := EventsFileReader{}
	_, err := r.Read(context.Background(), path, Options{})
	assert.ErrorIs(t, err, docstore.ErrExtraction)
}

func Test_EventsFileReader_Missing(t *testing.T) {
	r := EventsFileReader{}
	_, err := r.Read(context.Background(), filepath.Join(t.TempDir(), "none.json"), Options{})
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}
