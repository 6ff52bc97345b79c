package xlsx

import (
	"bytes"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/blociq/lease-pipeline/internal/core/domain"
)

func TestWorkbookWritesKeyTermsAndClauses(t *testing.T) {
	completed := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	job := &domain.Job{
		ID:                    "job-1",
		Filename:              "flat-4.pdf",
		OCRSource:             "pdf_text",
		ProcessingCompletedAt: &completed,
		Analysis: &domain.LeaseAnalysis{
			Summary:    "Assured shorthold tenancy",
			Confidence: 0.9,
			KeyTerms:   domain.LeaseKeyTerms{TenantName: "Jane Doe", MonthlyRent: "1200"},
			Clauses: []domain.LeaseClause{
				{Term: "rent", Text: "Rent is payable monthly in advance", Value: "1200"},
				{Term: "break", Text: "Either party may break after 6 months"},
			},
		},
	}

	raw, err := New().Workbook(job)
	if err != nil {
		t.Fatalf("Workbook() error = %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(summarySheet)
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	values := map[string]string{}
	for _, row := range rows {
		if len(row) == 2 {
			values[row[0]] = row[1]
		}
	}
	if values["Tenant"] != "Jane Doe" || values["Monthly rent"] != "1200" || values["Completed at"] != "2026-03-02T10:00:00Z" {
		t.Fatalf("unexpected summary rows %v", rows)
	}

	clauses, err := f.GetRows(clausesSheet)
	if err != nil {
		t.Fatalf("read clauses: %v", err)
	}
	if len(clauses) != 3 || clauses[1][0] != "rent" || clauses[1][1] != "1200" {
		t.Fatalf("unexpected clause rows %v", clauses)
	}
}

func TestWorkbookRequiresAnalysis(t *testing.T) {
	if _, err := New().Workbook(&domain.Job{ID: "job-1"}); err == nil {
		t.Fatalf("expected error for job without analysis")
	}
}
