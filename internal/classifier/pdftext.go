package classifier

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// maxFirstPageChars bounds how much extracted text goes into the LLM
// prompt.
const maxFirstPageChars = 4000

// FirstPageText extracts plain text from the first page of a PDF.
// Image-only and malformed PDFs return an error; the caller falls back
// to filename classification.
func FirstPageText(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	if r.NumPage() < 1 {
		return "", fmt.Errorf("pdf has no pages")
	}

	page := r.Page(1)
	if page.V.IsNull() {
		return "", fmt.Errorf("first page unreadable")
	}

	text, err := pageText(page)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("first page has no extractable text")
	}
	if len(text) > maxFirstPageChars {
		text = text[:maxFirstPageChars]
	}
	return text, nil
}

// pageText joins the page's positioned text runs. The extraction
// library panics on some malformed content streams, so recover and
// report those as errors.
func pageText(page pdf.Page) (_ string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf text extraction failed: %v", r)
		}
	}()

	var sb strings.Builder
	var lastY float64
	for i, t := range page.Content().Text {
		if i > 0 && t.Y != lastY {
			sb.WriteByte('\n')
		} else if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(t.S)
		lastY = t.Y
	}
	return sb.String(), nil
}
