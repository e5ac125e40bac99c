//go:build ocr

package readers

const ocrCompiled = true
