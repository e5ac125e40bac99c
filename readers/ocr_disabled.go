//go:build !ocr

package readers

const ocrCompiled = false
