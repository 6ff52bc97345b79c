package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/blociq/lease-pipeline/internal/core/domain"
	"github.com/blociq/lease-pipeline/internal/infrastructure/llm/leaseprompt"
	"github.com/blociq/lease-pipeline/internal/infrastructure/resilience"
)

const defaultModel = "gemini-2.0-flash"

type Config struct {
	APIKey          string
	BaseURL         string
	Model           string
	MaxOutputTokens int
	Budget          leaseprompt.Budget
	Executor        *resilience.Executor
}

type Extractor struct {
	client   *genai.Client
	model    string
	maxOut   int32
	budget   leaseprompt.Budget
	executor *resilience.Executor
}

func New(ctx context.Context, cfg Config) (*Extractor, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: cfg.BaseURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxOut := cfg.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = 2000
	}
	return &Extractor{
		client:   client,
		model:    model,
		maxOut:   int32(maxOut),
		budget:   cfg.Budget,
		executor: cfg.Executor,
	}, nil
}

func (e *Extractor) Extract(ctx context.Context, text string) (domain.LeaseAnalysis, error) {
	fitted, _ := e.budget.Fit(text)
	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: leaseprompt.SystemPrompt}}},
		ResponseMIMEType:  "application/json",
		Temperature:       genai.Ptr[float32](0),
		MaxOutputTokens:   e.maxOut,
	}

	var reply string
	call := func(callCtx context.Context) error {
		resp, err := e.client.Models.GenerateContent(callCtx, e.model, genai.Text(leaseprompt.Build(fitted)), config)
		if err != nil {
			return normalizeError(err)
		}
		reply = resp.Text()
		if strings.TrimSpace(reply) == "" {
			return errors.New("gemini returned no text")
		}
		return nil
	}

	var err error
	if e.executor != nil {
		err = e.executor.Execute(ctx, "gemini.extract", call, resilience.ClassifyHTTPError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		if resilience.ClassifyHTTPError(err).Retryable {
			return domain.LeaseAnalysis{}, domain.WrapError(domain.ErrTemporary, "gemini extract", err)
		}
		return domain.LeaseAnalysis{}, err
	}

	analysis, err := leaseprompt.Parse(reply)
	if err != nil {
		return domain.LeaseAnalysis{}, err
	}
	analysis.Model = e.model
	return analysis, nil
}

func normalizeError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &resilience.HTTPStatusError{
			Service:    "gemini",
			StatusCode: apiErr.Code,
			Body:       resilience.Truncate([]byte(apiErr.Message), 512),
		}
	}
	return fmt.Errorf("gemini request: %w", err)
}
