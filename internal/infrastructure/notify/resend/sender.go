package resend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/blociq/lease-pipeline/internal/core/domain"
	"github.com/blociq/lease-pipeline/internal/infrastructure/resilience"
)

const defaultBaseURL = "https://api.resend.com"

type Config struct {
	APIKey   string
	BaseURL  string
	From     string
	Timeout  time.Duration
	Executor *resilience.Executor
}

// Sender delivers notifications through the Resend email API.
type Sender struct {
	client   *resty.Client
	endpoint string
	from     string
	executor *resilience.Executor
}

func New(cfg Config) (*Sender, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("resend api key is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("notification sender address is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(timeout)

	return &Sender{
		client:   client,
		endpoint: base + "/emails",
		from:     cfg.From,
		executor: cfg.Executor,
	}, nil
}

type emailTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type emailRequest struct {
	From    string     `json:"from"`
	To      []string   `json:"to"`
	Subject string     `json:"subject"`
	HTML    string     `json:"html,omitempty"`
	Text    string     `json:"text,omitempty"`
	Tags    []emailTag `json:"tags,omitempty"`
}

type emailResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (s *Sender) Send(ctx context.Context, n domain.Notification) error {
	if strings.TrimSpace(n.To) == "" {
		return errors.New("notification has no recipient")
	}
	req := emailRequest{
		From:    s.from,
		To:      []string{n.To},
		Subject: n.Subject,
		HTML:    n.HTML,
		Text:    n.Text,
		Tags:    tags(n.Tags),
	}

	call := func(callCtx context.Context) error {
		var out emailResponse
		resp, err := s.client.R().
			SetContext(callCtx).
			SetBody(req).
			SetResult(&out).
			Post(s.endpoint)
		if err != nil {
			return fmt.Errorf("resend request: %w", err)
		}
		if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
			return resilience.NewHTTPStatusError("resend", resp.StatusCode(), resp.Header(), resp.Body())
		}
		return nil
	}

	var err error
	if s.executor != nil {
		err = s.executor.Execute(ctx, "resend.send", call, resilience.ClassifyHTTPError)
	} else {
		err = call(ctx)
	}
	if err != nil && resilience.ClassifyHTTPError(err).Retryable {
		return domain.WrapError(domain.ErrTemporary, "resend send", err)
	}
	return err
}

// tags are sorted for stable payloads. Resend accepts ASCII letters,
// digits, underscores and dashes only.
func tags(in map[string]string) []emailTag {
	if len(in) == 0 {
		return nil
	}
	out := make([]emailTag, 0, len(in))
	for k, v := range in {
		out = append(out, emailTag{Name: tagSafe(k), Value: tagSafe(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func tagSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}
