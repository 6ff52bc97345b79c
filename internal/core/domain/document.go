package domain

import (
	"io"
	"time"
)

type ExtractionStatus string

const (
	ExtractionPending   ExtractionStatus = "pending"
	ExtractionCompleted ExtractionStatus = "extracted"
	ExtractionFailed    ExtractionStatus = "failed"
)

// Document is the metadata record stored next to the job. It outlives the job
// once processing has finished.
type Document struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	BuildingID       string           `json:"building_id,omitempty"`
	Filename         string           `json:"filename"`
	MimeType         string           `json:"mime_type"`
	SizeBytes        int64            `json:"size_bytes"`
	StorageKey       string           `json:"storage_key"`
	ExtractionStatus ExtractionStatus `json:"extraction_status"`
	OCRSource        string           `json:"ocr_source,omitempty"`
	OCRConfidence    float64          `json:"ocr_confidence,omitempty"`
	CharCount        int              `json:"char_count,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

const (
	MimePDF  = "application/pdf"
	MimeJPEG = "image/jpeg"
	MimePNG  = "image/png"
	MimeTIFF = "image/tiff"
	MimeWebP = "image/webp"
)

var allowedUploadTypes = map[string]struct{}{
	MimePDF:  {},
	MimeJPEG: {},
	MimePNG:  {},
	MimeTIFF: {},
	MimeWebP: {},
}

func IsAllowedUploadType(mimeType string) bool {
	_, ok := allowedUploadTypes[mimeType]
	return ok
}

func IsImageType(mimeType string) bool {
	return mimeType != MimePDF && IsAllowedUploadType(mimeType)
}

// UploadRequest is the validated-at-boundary input of the upload handler.
type UploadRequest struct {
	UserID     string
	UserEmail  string
	Filename   string
	MimeType   string
	Size       int64
	BuildingID string
	Priority   int
	Body       io.Reader
}

type UploadReceipt struct {
	JobID                   string    `json:"job_id"`
	DocumentID              string    `json:"document_id"`
	Status                  JobStatus `json:"status"`
	EstimatedProcessingTime string    `json:"estimated_processing_time"`
	StatusURL               string    `json:"status_url"`
}

// OCRInput is handed to OCR engines.
type OCRInput struct {
	Filename string
	MimeType string
	Data     []byte
}

type OCRResult struct {
	Text       string  `json:"text"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
	Pages      int     `json:"pages,omitempty"`
}

type Notification struct {
	To      string
	Subject string
	Text    string
	HTML    string
	Tags    map[string]string
}
