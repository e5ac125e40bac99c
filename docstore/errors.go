package docstore

import "errors"

// Error kinds shared by ingestion, indexing and retrieval. Callers match them
// with errors.Is; the wrapping error names the offending path or operation.
var (
	// ErrNotFound reports a missing source file or a missing/invalid snapshot.
	ErrNotFound = errors.New("not found")

	// ErrExtraction reports a source that exists but could not be parsed.
	ErrExtraction = errors.New("extraction failed")

	// ErrCapabilityUnavailable reports a missing or unreachable OCR,
	// embedding or generation backend.
	ErrCapabilityUnavailable = errors.New("capability unavailable")

	// ErrPersistence reports a failed snapshot write.
	ErrPersistence = errors.New("persistence failed")

	// ErrNotInitialized reports use of the index before it was loaded or created.
	ErrNotInitialized = errors.New("index not initialized")
)
