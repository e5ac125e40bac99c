package readers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gamma-omg/calendar-rag/docstore"
	"github.com/ledongthuc/pdf"
)

// PdfFileReader produces one unit per non-empty page, either from the text
// layer or, when OCR is requested, from page images.
type PdfFileReader struct {
	OCR        OCRCapability
	Rasterizer Rasterizer
	Recognizer Recognizer
	Log        *slog.Logger
}

func NewPdfFileReader(ocr OCRCapability, dpi int, log *slog.Logger) *PdfFileReader {
	return &PdfFileReader{
		OCR:        ocr,
		Rasterizer: &PdftoppmRasterizer{DPI: dpi},
		Recognizer: &DocconvRecognizer{},
		Log:        log,
	}
}

func (r *PdfFileReader) CanRead(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".pdf"
}

func (r *PdfFileReader) Read(ctx context.Context, path string, opts Options) ([]Unit, error) {
	if err := checkExists(path); err != nil {
		return nil, err
	}

	if opts.OCR {
		return r.readOCR(ctx, path)
	}

	units, err := readTextLayer(path)
	if err != nil {
		return nil, err
	}

	if len(units) == 0 {
		r.logger().Warn("pdf has no text layer, it may need OCR", "path", path)
	}

	return units, nil
}

func readTextLayer(path string) (units []Unit, err error) {
	// the pdf parser panics on some malformed inputs
	defer func() {
		if rec := recover(); rec != nil {
			units, err = nil, fmt.Errorf("%w: parse %s: %v", docstore.ErrExtraction, path, rec)
		}
	}()

	f, rd, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", docstore.ErrExtraction, path, err)
	}
	defer f.Close()

	for i := 1; i <= rd.NumPage(); i++ {
		p := rd.Page(i)
		if p.V.IsNull() {
			continue
		}

		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: read page %d of %s: %w", docstore.ErrExtraction, i, path, err)
		}

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		units = append(units, Unit{
			Text: text,
			Metadata: docstore.Metadata{
				SourceID:         path,
				Locator:          docstore.PageLocator(i - 1),
				ExtractionMethod: docstore.MethodText,
			},
		})
	}

	return units, nil
}

func (r *PdfFileReader) readOCR(ctx context.Context, path string) ([]Unit, error) {
	if !r.OCR.Available {
		return nil, fmt.Errorf("%w: OCR requested for %s: %s", docstore.ErrCapabilityUnavailable, path, r.OCR.Reason)
	}

	dir, err := os.MkdirTemp("", "calendar-ocr-")
	if err != nil {
		return nil, fmt.Errorf("creating OCR workspace: %w", err)
	}
	defer os.RemoveAll(dir)

	images, err := r.Rasterizer.Rasterize(ctx, path, dir)
	if err != nil {
		return nil, fmt.Errorf("%w: rasterize %s: %w", docstore.ErrExtraction, path, err)
	}

	var units []Unit
	for page, image := range images {
		text, err := r.recognize(ctx, image)
		if err != nil {
			return nil, fmt.Errorf("%w: OCR page %d of %s: %w", docstore.ErrExtraction, page, path, err)
		}

		text = strings.TrimSpace(text)
		if text == "" {
			r.logger().Debug("skipping empty OCR page", "path", path, "page", page)
			continue
		}

		units = append(units, Unit{
			Text: text,
			Metadata: docstore.Metadata{
				SourceID:         path,
				Locator:          docstore.PageLocator(page),
				ExtractionMethod: docstore.MethodOCR,
			},
		})
	}

	return units, nil
}

func (r *PdfFileReader) recognize(ctx context.Context, image string) (string, error) {
	f, err := os.Open(image)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return r.Recognizer.Recognize(ctx, f)
}

func (r *PdfFileReader) logger() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}
	return r.Log
}
