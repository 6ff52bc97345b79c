package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/blociq/lease-pipeline/internal/core/domain"
	"github.com/blociq/lease-pipeline/internal/infrastructure/llm/leaseprompt"
	"github.com/blociq/lease-pipeline/internal/infrastructure/resilience"
)

// Client talks to the /api/generate endpoint of a local Ollama server.
type Client struct {
	http     *resty.Client
	endpoint string
	genModel string
	executor *resilience.Executor
}

func New(baseURL, genModel string) *Client {
	client := resty.New().
		SetTimeout(300*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &Client{
		http:     client,
		endpoint: strings.TrimRight(baseURL, "/") + "/api/generate",
		genModel: genModel,
	}
}

func (c *Client) WithResilience(executor *resilience.Executor) *Client {
	c.executor = executor
	return c
}

// Extractor runs lease extraction against a local model, for deployments
// that keep lease text on their own hardware.
type Extractor struct {
	client *Client
	budget leaseprompt.Budget
}

func NewExtractor(client *Client, budget leaseprompt.Budget) *Extractor {
	return &Extractor{client: client, budget: budget}
}

func (e *Extractor) Extract(ctx context.Context, text string) (domain.LeaseAnalysis, error) {
	fitted, _ := e.budget.Fit(text)
	reply, err := e.client.generate(ctx, generateRequest{
		Model:   e.client.genModel,
		System:  leaseprompt.SystemPrompt,
		Prompt:  leaseprompt.Build(fitted),
		Format:  "json",
		Options: generateOptions{Temperature: 0},
	})
	if err != nil {
		return domain.LeaseAnalysis{}, err
	}
	analysis, err := leaseprompt.Parse(reply)
	if err != nil {
		return domain.LeaseAnalysis{}, err
	}
	analysis.Model = e.client.genModel
	return analysis, nil
}

type generateRequest struct {
	Model   string          `json:"model"`
	System  string          `json:"system,omitempty"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Format  string          `json:"format,omitempty"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (c *Client) generate(ctx context.Context, req generateRequest) (string, error) {
	var out generateResponse
	call := func(callCtx context.Context) error {
		return c.post(callCtx, req, &out)
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "ollama.generate", call, resilience.ClassifyHTTPError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		class := resilience.ClassifyHTTPError(err)
		if class.Retryable || resilience.IsCircuitOpen(err) {
			return "", domain.WrapError(domain.ErrTemporary, "ollama generate", err)
		}
		return "", err
	}
	return strings.TrimSpace(out.Response), nil
}

func (c *Client) post(ctx context.Context, req generateRequest, out *generateResponse) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(out).
		ForceContentType("application/json").
		Post(c.endpoint)
	if err != nil {
		return fmt.Errorf("ollama generate request: %w", err)
	}
	if resp.IsError() {
		statusErr := resilience.NewHTTPStatusError("ollama generate", resp.StatusCode(), resp.Header(), resp.Body())
		// Ollama reports failures as {"error": "..."}; plain bodies are kept as is.
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(resp.Body(), &apiErr) == nil && apiErr.Error != "" {
			statusErr.Body = apiErr.Error
		}
		return statusErr
	}
	return nil
}
