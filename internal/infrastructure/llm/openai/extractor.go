package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"github.com/blociq/lease-pipeline/internal/core/domain"
	"github.com/blociq/lease-pipeline/internal/infrastructure/llm/leaseprompt"
	"github.com/blociq/lease-pipeline/internal/infrastructure/resilience"
)

const (
	defaultModel     = "gpt-4o-mini"
	defaultMaxTokens = 2000
)

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// MaxOutputTokens caps the reply; Budget caps the lease text sent.
	MaxOutputTokens int
	Budget          leaseprompt.Budget
	Timeout         time.Duration
	Executor        *resilience.Executor
}

// Extractor asks a chat completions model for lease fields in JSON mode.
type Extractor struct {
	client    openai.Client
	model     string
	maxTokens int
	budget    leaseprompt.Budget
	executor  *resilience.Executor
}

func New(cfg Config) (*Extractor, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// Retries belong to the resilience executor.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/"))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Extractor{
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		budget:    cfg.Budget,
		executor:  cfg.Executor,
	}, nil
}

func (e *Extractor) Extract(ctx context.Context, text string) (domain.LeaseAnalysis, error) {
	fitted, _ := e.budget.Fit(text)
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(e.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(leaseprompt.SystemPrompt),
			openai.UserMessage(leaseprompt.Build(fitted)),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
		MaxTokens:   openai.Int(int64(e.maxTokens)),
		Temperature: openai.Float(0),
	}

	var reply string
	call := func(callCtx context.Context) error {
		completion, err := e.client.Chat.Completions.New(callCtx, params)
		if err != nil {
			return normalizeError(err)
		}
		if len(completion.Choices) == 0 {
			return errors.New("openai returned no choices")
		}
		reply = completion.Choices[0].Message.Content
		return nil
	}

	var err error
	if e.executor != nil {
		err = e.executor.Execute(ctx, "openai.extract", call, resilience.ClassifyHTTPError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		if resilience.ClassifyHTTPError(err).Retryable {
			return domain.LeaseAnalysis{}, domain.WrapError(domain.ErrTemporary, "openai extract", err)
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

// normalizeError maps SDK API errors onto the shared status error so the
// executor classifies them like every other HTTP adapter.
func normalizeError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		statusErr := &resilience.HTTPStatusError{
			Service:    "openai",
			StatusCode: apiErr.StatusCode,
			Body:       resilience.Truncate([]byte(apiErr.Message), 512),
		}
		if apiErr.Response != nil {
			statusErr.RetryIn = resilience.ParseRetryAfter(apiErr.Response.Header.Get("Retry-After"), time.Now())
		}
		return statusErr
	}
	return fmt.Errorf("openai request: %w", err)
}
