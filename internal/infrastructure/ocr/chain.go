package ocr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/blociq/lease-pipeline/internal/core/domain"
	"github.com/blociq/lease-pipeline/internal/core/ports"
)

// Engine is one recognizer in the chain. Accepts lets an engine opt out of
// inputs it cannot handle without counting as a failed attempt.
type Engine interface {
	ports.OCREngine
	Accepts(in domain.OCRInput) bool
}

const defaultMinChars = 40

// Chain tries engines in order and returns the first result with enough
// text. A text-layer PDF never reaches the paid engines; a scanned PDF
// yields almost nothing from the text layer and falls through.
type Chain struct {
	engines  []Engine
	minChars int
	log      *zerolog.Logger
}

func NewChain(logger *zerolog.Logger, engines ...Engine) *Chain {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "ocr").Logger()
	return &Chain{engines: engines, minChars: defaultMinChars, log: &l}
}

// WithMinChars sets how much text an engine must return before the chain
// stops. Shorter results are kept only as a last resort.
func (c *Chain) WithMinChars(n int) *Chain {
	if n >= 0 {
		c.minChars = n
	}
	return c
}

func (c *Chain) Name() string {
	names := make([]string, 0, len(c.engines))
	for _, e := range c.engines {
		names = append(names, e.Name())
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

func (c *Chain) Recognize(ctx context.Context, in domain.OCRInput) (domain.OCRResult, error) {
	var (
		best       domain.OCRResult
		errs       []error
		unreadable int
		tried      int
	)

	for _, engine := range c.engines {
		if !engine.Accepts(in) {
			c.log.Debug().Str("engine", engine.Name()).Str("mime_type", in.MimeType).Int("bytes", len(in.Data)).Msg("ocr_engine_skipped")
			continue
		}
		tried++

		result, err := engine.Recognize(ctx, in)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return domain.OCRResult{}, ctxErr
			}
			c.log.Warn().Err(err).Str("engine", engine.Name()).Str("filename", in.Filename).Msg("ocr_engine_failed")
			if domain.IsKind(err, domain.ErrUnreadableDocument) {
				// Flattened so a later engine's transient failure is not
				// reported as a corrupt file.
				unreadable++
				errs = append(errs, fmt.Errorf("%s: %v", engine.Name(), err))
				continue
			}
			errs = append(errs, fmt.Errorf("%s: %w", engine.Name(), err))
			continue
		}

		result.Text = strings.TrimSpace(result.Text)
		if result.Source == "" {
			result.Source = engine.Name()
		}
		if len(result.Text) >= c.minChars && result.Text != "" {
			c.log.Debug().Str("engine", engine.Name()).Int("chars", len(result.Text)).Msg("ocr_engine_succeeded")
			return result, nil
		}
		c.log.Debug().Str("engine", engine.Name()).Int("chars", len(result.Text)).Msg("ocr_engine_insufficient_text")
		if len(result.Text) > len(best.Text) {
			best = result
		}
	}

	if best.Text != "" {
		return best, nil
	}
	switch {
	case tried == 0:
		return domain.OCRResult{}, domain.NewPermanentError(
			domain.FailureUnsupportedContent,
			fmt.Errorf("no ocr engine accepts %s", in.MimeType),
		)
	case len(errs) == 0:
		// Every engine ran and found nothing; the caller decides what an
		// empty document means.
		return domain.OCRResult{}, nil
	case unreadable == tried:
		return domain.OCRResult{}, domain.WrapError(domain.ErrUnreadableDocument, "ocr chain", errors.Join(errs...))
	default:
		return domain.OCRResult{}, errors.Join(errs...)
	}
}
