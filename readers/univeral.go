package readers

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"code.sajari.com/docconv/v2"
	"github.com/gamma-omg/calendar-rag/docstore"
)

// UniversalFileReader turns office and plain text documents into a single unit.
type UniversalFileReader struct {
}

func (r *UniversalFileReader) CanRead(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".txt" || ext == ".docx" || ext == ".odt" || ext == ".xml" || ext == ".rtf"
}

func (r *UniversalFileReader) Read(ctx context.Context, path string, opts Options) ([]Unit, error) {
	if err := checkExists(path); err != nil {
		return nil, err
	}

	res, err := docconv.ConvertPath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: convert %s: %w", docstore.ErrExtraction, path, err)
	}

	text := strings.TrimSpace(res.Body)
	if text == "" {
		return nil, nil
	}

	return []Unit{{
		Text: text,
		Metadata: docstore.Metadata{
			SourceID:         path,
			Locator:          docstore.PageLocator(0),
			ExtractionMethod: docstore.MethodDocconv,
		},
	}}, nil
}
