package leaseprompt

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const (
	encodingName = "cl100k_base"
	// Used when the BPE ranks cannot be loaded, e.g. on hosts without
	// network access.
	charsPerToken = 4
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding(encodingName)
		if err == nil {
			enc = e
		}
	})
	return enc
}

// Budget fits document text into a token allowance before it is sent to a
// model. Leases run to dozens of pages while the useful terms sit early.
type Budget struct {
	MaxTokens int
}

// Fit returns text cut to at most MaxTokens tokens, and whether it was cut.
// A non-positive MaxTokens disables the cut.
func (b Budget) Fit(text string) (string, bool) {
	if b.MaxTokens <= 0 || text == "" {
		return text, false
	}
	if e := encoding(); e != nil {
		tokens := e.Encode(text, nil, nil)
		if len(tokens) <= b.MaxTokens {
			return text, false
		}
		return e.Decode(tokens[:b.MaxTokens]), true
	}
	return fitChars(text, b.MaxTokens*charsPerToken)
}

// Count estimates the token count of text.
func (b Budget) Count(text string) int {
	if e := encoding(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return (utf8.RuneCountInString(text) + charsPerToken - 1) / charsPerToken
}

func fitChars(text string, maxRunes int) (string, bool) {
	if utf8.RuneCountInString(text) <= maxRunes {
		return text, false
	}
	n := 0
	for i := range text {
		if n == maxRunes {
			return text[:i], true
		}
		n++
	}
	return text, false
}
