package readers

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/gamma-omg/calendar-rag/docstore"
)

// Unit is a piece of source text with its provenance, before chunking.
type Unit struct {
	Text     string
	Metadata docstore.Metadata
}

type Options struct {
	OCR bool
}

func checkExists(path string) error {
	st, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s does not exist", docstore.ErrNotFound, path)
	}
	if err != nil {
		return fmt.Errorf("%w: stat %s: %w", docstore.ErrExtraction, path, err)
	}
	if st.IsDir() {
		return fmt.Errorf("%w: %s is a directory", docstore.ErrExtraction, path)
	}

	return nil
}
