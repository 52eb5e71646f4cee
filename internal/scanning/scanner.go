package scanning

import (
	"context"
	"errors"
)

// ErrNoCredential is returned when a provider is constructed without the
// credential it needs to call its API
var ErrNoCredential = errors.New("ocr provider credential not configured")

// Recognizer defines the interface for OCR providers
type Recognizer interface {
	// RecognizeText returns the raw text found in a receipt image or PDF.
	// An image without any text yields an empty string and no error.
	RecognizeText(ctx context.Context, imageData []byte, contentType string) (string, error)
	// Close closes the provider and releases resources
	Close() error
}

// transcriptionPrompt is the shared prompt used by the LLM providers so that
// their output looks like the plain text an OCR engine would return
const transcriptionPrompt = `You are an OCR engine. Transcribe every piece of text printed on this receipt exactly as it appears.

Rules:
- Output one printed line per output line, top to bottom, in the original order.
- Keep the original language, spelling, digits, punctuation, currency units and separators (for example "합계 4,500원" or "2024-01-15").
- Do not translate, summarise, correct, reorder or explain anything.
- Do not add headings, labels, JSON or markdown code blocks.
- If the image contains no text, output nothing.`
