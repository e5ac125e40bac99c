package readers

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"code.sajari.com/docconv/v2"
)

const pdftoppm = "pdftoppm"

// OCRCapability says whether scanned PDFs can be recognized by this binary.
type OCRCapability struct {
	Available bool
	Reason    string
}

// DetectOCR checks once whether OCR can run: the binary must be built with
// the ocr tag and poppler's pdftoppm must be on PATH.
func DetectOCR() OCRCapability {
	if !ocrCompiled {
		return OCRCapability{Reason: "binary was built without the ocr tag"}
	}

	if _, err := exec.LookPath(pdftoppm); err != nil {
		return OCRCapability{Reason: pdftoppm + " was not found in PATH"}
	}

	return OCRCapability{Available: true}
}

type Rasterizer interface {
	// Rasterize renders every page of the pdf into dir and returns the
	// images in page order.
	Rasterize(ctx context.Context, pdfPath, dir string) ([]string, error)
}

type Recognizer interface {
	Recognize(ctx context.Context, image io.Reader) (string, error)
}

type PdftoppmRasterizer struct {
	DPI int
}

func (r *PdftoppmRasterizer) Rasterize(ctx context.Context, pdfPath, dir string) ([]string, error) {
	dpi := r.DPI
	if dpi <= 0 {
		dpi = 300
	}

	prefix := filepath.Join(dir, "page")
	cmd := exec.CommandContext(ctx, pdftoppm, "-r", strconv.Itoa(dpi), "-png", pdfPath, prefix)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", pdftoppm, err, strings.TrimSpace(string(out)))
	}

	images, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, err
	}

	sort.Slice(images, func(i, j int) bool {
		return pageNumber(images[i]) < pageNumber(images[j])
	})

	return images, nil
}

// pageNumber extracts N from ".../page-N.png". pdftoppm zero-pads N depending
// on the page count, so names do not sort lexically.
func pageNumber(image string) int {
	name := strings.TrimSuffix(filepath.Base(image), ".png")
	n, err := strconv.Atoi(name[strings.LastIndex(name, "-")+1:])
	if err != nil {
		return -1
	}
	return n
}

type DocconvRecognizer struct{}

// Recognize runs OCR over a single page image. ctx is only checked before the
// call starts, docconv.ConvertImage cannot be interrupted.
func (r *DocconvRecognizer) Recognize(ctx context.Context, image io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	text, _, err := docconv.ConvertImage(image)
	if err != nil {
		return "", fmt.Errorf("recognizing page image: %w", err)
	}

	return text, nil
}
