package xlsx

import (
	"errors"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/blociq/lease-pipeline/internal/core/domain"
)

const (
	summarySheet = "Summary"
	clausesSheet = "Clauses"

	maxCellText = 32000
)

// Exporter renders a completed job's analysis as a two-sheet workbook:
// key terms on the first sheet and one row per clause on the second.
type Exporter struct{}

func New() *Exporter {
	return &Exporter{}
}

func (e *Exporter) Workbook(job *domain.Job) ([]byte, error) {
	if job == nil || job.Analysis == nil {
		return nil, errors.New("job has no analysis to export")
	}
	analysis := job.Analysis

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(clausesSheet); err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}

	rows := [][]any{
		{"Field", "Value"},
		{"Document", job.Filename},
		{"Job ID", job.ID},
		{"OCR source", job.OCRSource},
		{"Confidence", analysis.Confidence},
		{"Summary", clip(analysis.Summary)},
	}
	if job.ProcessingCompletedAt != nil {
		rows = append(rows, []any{"Completed at", job.ProcessingCompletedAt.UTC().Format(time.RFC3339)})
	}
	for _, h := range analysis.KeyTerms.Highlights() {
		rows = append(rows, []any{h.Label, h.Value})
	}
	if err := writeRows(f, summarySheet, rows); err != nil {
		return nil, err
	}

	clauseRows := [][]any{{"Term", "Value", "Text"}}
	for _, c := range analysis.Clauses {
		clauseRows = append(clauseRows, []any{c.Term, c.Value, clip(c.Text)})
	}
	if err := writeRows(f, clausesSheet, clauseRows); err != nil {
		return nil, err
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err == nil {
		_ = f.SetCellStyle(summarySheet, "A1", "B1", bold)
		_ = f.SetCellStyle(clausesSheet, "A1", "C1", bold)
	}
	_ = f.SetColWidth(summarySheet, "A", "A", 18)
	_ = f.SetColWidth(summarySheet, "B", "B", 80)
	_ = f.SetColWidth(clausesSheet, "A", "B", 22)
	_ = f.SetColWidth(clausesSheet, "C", "C", 100)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		for j, value := range row {
			cell, err := excelize.CoordinatesToCellName(j+1, i+1)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, value); err != nil {
				return fmt.Errorf("set %s!%s: %w", sheet, cell, err)
			}
		}
	}
	return nil
}

// clip keeps text under the per-cell character limit.
func clip(s string) string {
	r := []rune(s)
	if len(r) <= maxCellText {
		return s
	}
	return string(r[:maxCellText-1]) + "…"
}
