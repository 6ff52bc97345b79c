package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/blociq/lease-pipeline/internal/core/domain"
)

func completionBody(content string) string {
	payload := map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1760000000,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
	}
	raw, _ := json.Marshal(payload)
	return string(raw)
}

func TestExtractUsesJSONModeAndParsesReply(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody(`{"confidence":0.9,"summary":"Flat lease","clauses":[],"keyTerms":{"tenantName":"Jane Doe"}}`)))
	}))
	defer server.Close()

	extractor, err := New(Config{APIKey: "sk-test", BaseURL: server.URL + "/v1"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := extractor.Extract(context.Background(), "This lease is made between ...")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got.KeyTerms.TenantName != "Jane Doe" || got.Model != defaultModel {
		t.Fatalf("unexpected analysis %+v", got)
	}

	format, _ := captured["response_format"].(map[string]any)
	if format["type"] != "json_object" {
		t.Fatalf("expected json_object response format, got %v", captured["response_format"])
	}
	if captured["model"] != defaultModel {
		t.Fatalf("unexpected model %v", captured["model"])
	}
}

func TestExtractMapsServerErrorsToTemporary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer server.Close()

	extractor, err := New(Config{APIKey: "sk-test", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = extractor.Extract(context.Background(), "text")
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
}

func TestExtractRejectsUnparseableReply(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody("not json")))
	}))
	defer server.Close()

	extractor, _ := New(Config{APIKey: "sk-test", BaseURL: server.URL})
	if _, err := extractor.Extract(context.Background(), "text"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected missing key error")
	}
}
