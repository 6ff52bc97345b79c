package pdftext

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/blociq/lease-pipeline/internal/core/domain"
)

const Source = "pdf_text"

// Engine reads the embedded text layer of a PDF. It costs nothing and is
// exact when present, so it runs before any OCR service.
type Engine struct{}

func New() *Engine {
	return &Engine{}
}

func (e *Engine) Name() string {
	return Source
}

func (e *Engine) Accepts(in domain.OCRInput) bool {
	return in.MimeType == domain.MimePDF
}

func (e *Engine) Recognize(ctx context.Context, in domain.OCRInput) (result domain.OCRResult, err error) {
	// The parser panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			result = domain.OCRResult{}
			err = domain.WrapError(domain.ErrUnreadableDocument, "parse pdf", fmt.Errorf("%v", r))
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(in.Data), int64(len(in.Data)))
	if err != nil {
		return domain.OCRResult{}, domain.WrapError(domain.ErrUnreadableDocument, "open pdf", err)
	}

	numPages := reader.NumPage()
	if numPages == 0 {
		return domain.OCRResult{}, domain.WrapError(domain.ErrUnreadableDocument, "open pdf", fmt.Errorf("document has no pages"))
	}

	var text strings.Builder
	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return domain.OCRResult{}, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}

	return domain.OCRResult{
		Text:       text.String(),
		Source:     Source,
		Confidence: 1,
		Pages:      numPages,
	}, nil
}
