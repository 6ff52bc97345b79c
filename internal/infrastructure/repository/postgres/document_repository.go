package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/blociq/lease-pipeline/internal/core/domain"
)

type DocumentRepository struct {
	db *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) Create(ctx context.Context, doc *domain.Document) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO lease_documents (
	id, user_id, building_id, filename, mime_type, size_bytes, storage_key, extraction_status, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`,
		doc.ID, doc.UserID, doc.BuildingID, doc.Filename, doc.MimeType, doc.SizeBytes, doc.StorageKey,
		string(doc.ExtractionStatus), doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, user_id, building_id, filename, mime_type, size_bytes, storage_key, extraction_status,
	ocr_source, ocr_confidence, char_count, created_at, updated_at
FROM lease_documents
WHERE id = $1
`, id)

	var doc domain.Document
	var status string
	err := row.Scan(
		&doc.ID, &doc.UserID, &doc.BuildingID, &doc.Filename, &doc.MimeType, &doc.SizeBytes, &doc.StorageKey, &status,
		&doc.OCRSource, &doc.OCRConfidence, &doc.CharCount, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	doc.ExtractionStatus = domain.ExtractionStatus(status)
	return &doc, nil
}

// Delete removes a document together with any job that references it.
func (r *DocumentRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM lease_documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrDocumentNotFound, "delete document", fmt.Errorf("id=%s", id))
	}
	return nil
}

// AppendAnnotation adds one entry to metadata.user_annotations.
func (r *DocumentRepository) AppendAnnotation(ctx context.Context, id string, entry domain.AnnotationEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal annotation: %w", err)
	}
	return r.updateMetadata(ctx, "append annotation", `
UPDATE lease_documents
SET metadata = metadata || jsonb_build_object(
		'user_annotations',
		COALESCE(metadata->'user_annotations', '[]'::jsonb) || jsonb_build_array($2::jsonb)
	),
	updated_at = $3
WHERE id = $1
`, id, string(raw), entry.CreatedAt)
}

// RecordCorrection replaces metadata.user_corrections with the latest entry.
func (r *DocumentRepository) RecordCorrection(ctx context.Context, id string, entry domain.CorrectionEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal correction: %w", err)
	}
	return r.updateMetadata(ctx, "record correction", `
UPDATE lease_documents
SET metadata = metadata || jsonb_build_object('user_corrections', $2::jsonb),
	updated_at = $3
WHERE id = $1
`, id, string(raw), entry.CorrectedAt)
}

func (r *DocumentRepository) updateMetadata(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrDocumentNotFound, op, fmt.Errorf("id=%v", args[0]))
	}
	return nil
}
