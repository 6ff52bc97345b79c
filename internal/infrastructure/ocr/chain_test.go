package ocr

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/blociq/lease-pipeline/internal/core/domain"
)

type engineFake struct {
	name    string
	accepts bool
	result  domain.OCRResult
	err     error
	calls   int
}

func (e *engineFake) Name() string                 { return e.name }
func (e *engineFake) Accepts(domain.OCRInput) bool { return e.accepts }
func (e *engineFake) Recognize(context.Context, domain.OCRInput) (domain.OCRResult, error) {
	e.calls++
	return e.result, e.err
}

var longText = strings.Repeat("Lease between landlord and tenant. ", 4)

func TestChainStopsAtFirstSufficientResult(t *testing.T) {
	first := &engineFake{name: "pdf_text", accepts: true, result: domain.OCRResult{Text: longText}}
	second := &engineFake{name: "external_ocr", accepts: true, result: domain.OCRResult{Text: "unused"}}

	got, err := NewChain(nil, first, second).Recognize(context.Background(), domain.OCRInput{MimeType: domain.MimePDF})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if got.Source != "pdf_text" {
		t.Fatalf("expected source to default to engine name, got %q", got.Source)
	}
	if second.calls != 0 {
		t.Fatalf("second engine should not run")
	}
}

func TestChainFallsThroughShortTextAndFailures(t *testing.T) {
	scanned := &engineFake{name: "pdf_text", accepts: true, result: domain.OCRResult{Text: "  p1 "}}
	remote := &engineFake{name: "external_ocr", accepts: true, err: errors.New("connection refused")}
	vision := &engineFake{name: "openai_vision", accepts: true, result: domain.OCRResult{Text: longText, Source: "openai_vision"}}

	got, err := NewChain(nil, scanned, remote, vision).Recognize(context.Background(), domain.OCRInput{})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if got.Source != "openai_vision" || remote.calls != 1 {
		t.Fatalf("unexpected result %+v (remote calls %d)", got, remote.calls)
	}
}

func TestChainReturnsShortTextAsLastResort(t *testing.T) {
	short := &engineFake{name: "pdf_text", accepts: true, result: domain.OCRResult{Text: "Rent: 900"}}
	skipped := &engineFake{name: "external_ocr", accepts: false}

	got, err := NewChain(nil, short, skipped).Recognize(context.Background(), domain.OCRInput{})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if got.Text != "Rent: 900" {
		t.Fatalf("unexpected text %q", got.Text)
	}
	if skipped.calls != 0 {
		t.Fatalf("engine that does not accept input must not run")
	}
}

func TestChainErrors(t *testing.T) {
	unreadable := domain.WrapError(domain.ErrUnreadableDocument, "open pdf", errors.New("bad xref"))

	t.Run("no engine accepts", func(t *testing.T) {
		_, err := NewChain(nil, &engineFake{name: "x"}).Recognize(context.Background(), domain.OCRInput{MimeType: "image/gif"})
		var perr *domain.ProcessingError
		if !errors.As(err, &perr) || !perr.Permanent || perr.Class != domain.FailureUnsupportedContent {
			t.Fatalf("expected permanent unsupported_content, got %v", err)
		}
	})

	t.Run("only unreadable", func(t *testing.T) {
		_, err := NewChain(nil, &engineFake{name: "pdf_text", accepts: true, err: unreadable}).Recognize(context.Background(), domain.OCRInput{})
		if !domain.IsKind(err, domain.ErrUnreadableDocument) {
			t.Fatalf("expected unreadable kind, got %v", err)
		}
	})

	t.Run("unreadable plus transient stays transient", func(t *testing.T) {
		_, err := NewChain(nil,
			&engineFake{name: "pdf_text", accepts: true, err: unreadable},
			&engineFake{name: "external_ocr", accepts: true, err: errors.New("503")},
		).Recognize(context.Background(), domain.OCRInput{})
		if err == nil || domain.IsKind(err, domain.ErrUnreadableDocument) {
			t.Fatalf("expected transient joined error, got %v", err)
		}
		if !strings.Contains(err.Error(), "external_ocr: 503") {
			t.Fatalf("expected engine name in error, got %v", err)
		}
	})

	t.Run("all empty", func(t *testing.T) {
		got, err := NewChain(nil, &engineFake{name: "pdf_text", accepts: true}).Recognize(context.Background(), domain.OCRInput{})
		if err != nil || got.Text != "" {
			t.Fatalf("expected empty result without error, got %+v, %v", got, err)
		}
	})
}

func TestChainStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	second := &engineFake{name: "external_ocr", accepts: true, result: domain.OCRResult{Text: longText}}

	_, err := NewChain(nil, &engineFake{name: "pdf_text", accepts: true, err: context.Canceled}, second).Recognize(ctx, domain.OCRInput{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if second.calls != 0 {
		t.Fatalf("chain must stop after cancellation")
	}
}
