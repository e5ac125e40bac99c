package readers

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_DetectOCR(t *testing.T) {
	c := DetectOCR()
	if !ocrCompiled {
		assert.False(t, c.Available)
		assert.Contains(t, c.Reason, "ocr tag")
		return
	}

	if !c.Available {
		assert.Contains(t, c.Reason, "pdftoppm")
	}
}

func Test_DocconvRecognizer_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&DocconvRecognizer{}).Recognize(ctx, strings.NewReader("not an image"))
	assert.ErrorIs(t, err, context.Canceled)
}
