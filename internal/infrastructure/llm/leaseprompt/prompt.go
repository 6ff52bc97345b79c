// Package leaseprompt holds the lease analysis prompt and response parsing
// shared by every extraction provider.
package leaseprompt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/blociq/lease-pipeline/internal/core/domain"
)

const SystemPrompt = "You are a lease analysis assistant. You read lease text produced by OCR " +
	"and answer with a single JSON object. Never add markdown or commentary."

const instructions = `Analyze this lease document and extract key information in JSON format.

Return a JSON object with:
{
  "confidence": 0.0-1.0,
  "summary": "Brief summary of the lease",
  "clauses": [
    {
      "term": "rent",
      "text": "extracted clause text",
      "value": "parsed value if applicable"
    }
  ],
  "keyTerms": {
    "monthlyRent": "amount",
    "tenantName": "name",
    "landlordName": "name",
    "propertyAddress": "address",
    "leaseStartDate": "date",
    "leaseEndDate": "date",
    "depositAmount": "amount"
  }
}
Leave a key term empty when the text does not state it. No extra keys.

Text:
`

// Build returns the user prompt for text that has already been fitted to
// the model budget.
func Build(text string) string {
	return instructions + text
}

// ExtractJSONObject trims prose or code fences around the first JSON object.
func ExtractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}

type rawAnalysis struct {
	Confidence json.RawMessage            `json:"confidence"`
	Summary    string                     `json:"summary"`
	Clauses    []rawClause                `json:"clauses"`
	KeyTerms   map[string]json.RawMessage `json:"keyTerms"`
}

type rawClause struct {
	Term  string          `json:"term"`
	Text  string          `json:"text"`
	Value json.RawMessage `json:"value"`
}

// Parse decodes a model reply. Models often answer amounts as numbers and
// confidence as a string, so both are coerced instead of rejected.
func Parse(raw string) (domain.LeaseAnalysis, error) {
	body := strings.TrimSpace(ExtractJSONObject(raw))
	if body == "" {
		return domain.LeaseAnalysis{}, fmt.Errorf("empty analysis response")
	}

	var in rawAnalysis
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		return domain.LeaseAnalysis{}, fmt.Errorf("parse analysis json: %w", err)
	}

	out := domain.LeaseAnalysis{
		Summary:    in.Summary,
		Confidence: coerceFloat(in.Confidence),
		Clauses:    make([]domain.LeaseClause, 0, len(in.Clauses)),
		KeyTerms: domain.LeaseKeyTerms{
			MonthlyRent:     coerceString(in.KeyTerms["monthlyRent"]),
			TenantName:      coerceString(in.KeyTerms["tenantName"]),
			LandlordName:    coerceString(in.KeyTerms["landlordName"]),
			PropertyAddress: coerceString(in.KeyTerms["propertyAddress"]),
			LeaseStartDate:  coerceString(in.KeyTerms["leaseStartDate"]),
			LeaseEndDate:    coerceString(in.KeyTerms["leaseEndDate"]),
			DepositAmount:   coerceString(in.KeyTerms["depositAmount"]),
		},
	}
	for _, c := range in.Clauses {
		out.Clauses = append(out.Clauses, domain.LeaseClause{
			Term:  c.Term,
			Text:  c.Text,
			Value: coerceString(c.Value),
		})
	}
	out.Normalize()
	return out, nil
}

func coerceString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return strings.TrimSpace(string(raw))
}

func coerceFloat(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return v
		}
	}
	return 0
}
