package vision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/blociq/lease-pipeline/internal/core/domain"
	"github.com/blociq/lease-pipeline/internal/infrastructure/resilience"
)

const (
	Source = "openai_vision"

	defaultModel     = "gpt-4o"
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultMaxTokens = 4000
	// Data URLs inflate by a third; larger images are rejected upstream.
	defaultMaxBytes = 15 << 20
)

const extractPrompt = "Extract all text from this document. Focus on lease terms, dates, names, " +
	"addresses, rent amounts, and other important lease information. " +
	"Return only the text content, preserving structure when possible."

type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	MaxBytes  int64
	Timeout   time.Duration
	Executor  *resilience.Executor
}

// Client transcribes page images through an OpenAI-compatible chat
// completions endpoint. It is the last engine in the chain.
type Client struct {
	client    *resty.Client
	endpoint  string
	model     string
	maxTokens int
	maxBytes  int64
	executor  *resilience.Executor
}

func New(cfg Config) *Client {
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	client.SetTimeout(timeout)

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	return &Client{
		client:    client,
		endpoint:  baseURL + "/chat/completions",
		model:     model,
		maxTokens: maxTokens,
		maxBytes:  maxBytes,
		executor:  cfg.Executor,
	}
}

func (c *Client) Name() string {
	return Source
}

// visionTypes are the image formats the chat endpoint decodes. TIFF is
// not among them, so a TIFF scan relies on the external OCR service.
var visionTypes = map[string]struct{}{
	domain.MimeJPEG: {},
	domain.MimePNG:  {},
	domain.MimeWebP: {},
}

// Accepts takes raster images only. The chat endpoint does not render PDFs,
// so a scanned PDF relies on the external OCR service.
func (c *Client) Accepts(in domain.OCRInput) bool {
	if _, ok := visionTypes[in.MimeType]; !ok {
		return false
	}
	return len(in.Data) > 0 && int64(len(in.Data)) <= c.maxBytes
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type textPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type imagePart struct {
	Type     string   `json:"type"`
	ImageURL imageURL `json:"image_url"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *Client) Recognize(ctx context.Context, in domain.OCRInput) (domain.OCRResult, error) {
	var text string
	call := func(callCtx context.Context) error {
		out, err := c.transcribe(callCtx, in)
		if err != nil {
			return err
		}
		text = out
		return nil
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "openai_vision.transcribe", call, resilience.ClassifyHTTPError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		if resilience.ClassifyHTTPError(err).Retryable {
			return domain.OCRResult{}, domain.WrapError(domain.ErrTemporary, "openai vision", err)
		}
		return domain.OCRResult{}, err
	}
	return domain.OCRResult{
		Text:       text,
		Source:     Source,
		Confidence: 0.8,
		Pages:      1,
	}, nil
}

func (c *Client) transcribe(ctx context.Context, in domain.OCRInput) (string, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", in.MimeType, base64.StdEncoding.EncodeToString(in.Data))
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []any{
				textPart{Type: "text", Text: extractPrompt},
				imagePart{Type: "image_url", ImageURL: imageURL{URL: dataURL, Detail: "high"}},
			},
		}},
		MaxTokens:   c.maxTokens,
		Temperature: 0,
	}

	var resp chatResponse
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		SetError(&resp).
		Post(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("openai vision request: %w", err)
	}
	if httpResp.StatusCode() < 200 || httpResp.StatusCode() >= 300 {
		statusErr := resilience.NewHTTPStatusError("openai vision", httpResp.StatusCode(), httpResp.Header(), httpResp.Body())
		if resp.Error != nil && resp.Error.Message != "" {
			statusErr.Body = resp.Error.Message
		}
		return "", statusErr
	}
	if resp.Error != nil {
		return "", fmt.Errorf("openai vision: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai vision returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
