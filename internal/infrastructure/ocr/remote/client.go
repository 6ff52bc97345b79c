package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/blociq/lease-pipeline/internal/core/domain"
	"github.com/blociq/lease-pipeline/internal/infrastructure/resilience"
)

const (
	Source = "external_ocr"

	DefaultMaxBytes = 20 << 20
	DefaultTimeout  = 570 * time.Second
)

type Options struct {
	BaseURL string
	// MaxBytes caps the upload size the service is trusted with. Larger
	// files skip this engine.
	MaxBytes int64
	Timeout  time.Duration
	Executor *resilience.Executor
}

// Client posts documents to the external OCR service as multipart uploads.
type Client struct {
	client   *resty.Client
	endpoint string
	maxBytes int64
	executor *resilience.Executor
}

func New(opts Options) *Client {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	client := resty.New()
	client.SetTimeout(opts.Timeout)
	client.SetHeader("Accept", "application/json")

	endpoint := ""
	if base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"); base != "" {
		endpoint = base + "/upload"
	}
	return &Client{
		client:   client,
		endpoint: endpoint,
		maxBytes: opts.MaxBytes,
		executor: opts.Executor,
	}
}

func (c *Client) Name() string {
	return Source
}

func (c *Client) Accepts(in domain.OCRInput) bool {
	return c.endpoint != "" && len(in.Data) > 0 && int64(len(in.Data)) <= c.maxBytes
}

type uploadResponse struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	Pages      int      `json:"pages,omitempty"`
	Error      string   `json:"error,omitempty"`
}

func (c *Client) Recognize(ctx context.Context, in domain.OCRInput) (domain.OCRResult, error) {
	if c.endpoint == "" {
		return domain.OCRResult{}, errors.New("external ocr is not configured")
	}

	var result domain.OCRResult
	call := func(callCtx context.Context) error {
		res, err := c.upload(callCtx, in)
		if err != nil {
			return err
		}
		result = res
		return nil
	}

	var err error
	if c.executor != nil {
		err = c.executor.Execute(ctx, "external_ocr.upload", call, resilience.ClassifyHTTPError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return domain.OCRResult{}, wrapTemporaryIfNeeded(err)
	}
	return result, nil
}

func (c *Client) upload(ctx context.Context, in domain.OCRInput) (domain.OCRResult, error) {
	filename := in.Filename
	if filename == "" {
		filename = "document"
	}

	var out uploadResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetMultipartField("file", filename, in.MimeType, bytes.NewReader(in.Data)).
		ForceContentType("application/json").
		SetResult(&out).
		Post(c.endpoint)
	if err != nil {
		return domain.OCRResult{}, fmt.Errorf("external ocr request: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return domain.OCRResult{}, resilience.NewHTTPStatusError("external ocr", resp.StatusCode(), resp.Header(), resp.Body())
	}
	if out.Error != "" {
		return domain.OCRResult{}, fmt.Errorf("external ocr: %s", out.Error)
	}

	confidence := 0.9
	if out.Confidence != nil {
		confidence = *out.Confidence
	}
	return domain.OCRResult{
		Text:       out.Text,
		Source:     Source,
		Confidence: confidence,
		Pages:      out.Pages,
	}, nil
}

func wrapTemporaryIfNeeded(err error) error {
	if err == nil || domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if resilience.ClassifyHTTPError(err).Retryable || resilience.IsCircuitOpen(err) {
		return domain.WrapError(domain.ErrTemporary, "external ocr", err)
	}
	return err
}
