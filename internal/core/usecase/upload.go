package usecase

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/blociq/lease-pipeline/internal/core/domain"
	"github.com/blociq/lease-pipeline/internal/core/ports"
)

const (
	MinPriority = -100
	MaxPriority = 100

	sniffLen = 512
)

type UploadPolicy struct {
	MaxBytes                int64
	MaxRetries              int
	EstimatedProcessingTime string
	StatusPathPrefix        string
}

func (p UploadPolicy) withDefaults() UploadPolicy {
	if p.MaxBytes <= 0 {
		p.MaxBytes = 100 << 20
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.EstimatedProcessingTime == "" {
		p.EstimatedProcessingTime = "2-5 minutes"
	}
	if p.StatusPathPrefix == "" {
		p.StatusPathPrefix = "/v1/lease-jobs/"
	}
	return p
}

type UploadUseCase struct {
	docs    ports.DocumentRepository
	jobs    ports.JobRepository
	storage ports.ObjectStorage
	policy  UploadPolicy
	log     *zerolog.Logger

	now      func() time.Time
	newToken func(time.Time) string
}

func NewUploadUseCase(
	docs ports.DocumentRepository,
	jobs ports.JobRepository,
	storage ports.ObjectStorage,
	policy UploadPolicy,
	logger *zerolog.Logger,
) *UploadUseCase {
	compLog := componentLogger(logger, "upload")
	return &UploadUseCase{
		docs:     docs,
		jobs:     jobs,
		storage:  storage,
		policy:   policy.withDefaults(),
		log:      compLog,
		now:      func() time.Time { return time.Now().UTC() },
		newToken: func(t time.Time) string { return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String() },
	}
}

func (uc *UploadUseCase) Upload(ctx context.Context, req domain.UploadRequest) (*domain.UploadReceipt, error) {
	if err := uc.validateRequest(req); err != nil {
		return nil, err
	}

	body := bufio.NewReaderSize(req.Body, sniffLen)
	head, err := body.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read upload", err)
	}
	if len(head) == 0 {
		return nil, domain.NewValidationError(domain.ConstraintEmpty, "empty file")
	}

	mimeType := resolveMimeType(req.MimeType, head)
	if !domain.IsAllowedUploadType(mimeType) {
		return nil, domain.NewValidationError(domain.ConstraintUnsupportedType, "unsupported file type: %s", mimeType)
	}

	now := uc.now()
	filename := sanitizeFilename(req.Filename)
	storageKey := fmt.Sprintf("%s/%s_%s", sanitizeKeySegment(req.UserID), uc.newToken(now), filename)

	counter := &countingReader{r: io.LimitReader(body, uc.policy.MaxBytes+1)}
	if err := uc.storage.Save(ctx, storageKey, counter); err != nil {
		uc.removeFile(storageKey)
		return nil, &domain.PersistenceError{Op: "store file", Err: err}
	}
	if counter.n > uc.policy.MaxBytes {
		uc.removeFile(storageKey)
		return nil, tooLarge(uc.policy.MaxBytes)
	}

	doc := &domain.Document{
		ID:               uuid.NewString(),
		UserID:           req.UserID,
		BuildingID:       strings.TrimSpace(req.BuildingID),
		Filename:         filename,
		MimeType:         mimeType,
		SizeBytes:        counter.n,
		StorageKey:       storageKey,
		ExtractionStatus: domain.ExtractionPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := uc.docs.Create(ctx, doc); err != nil {
		uc.removeFile(storageKey)
		return nil, &domain.PersistenceError{Op: "create document", Err: err}
	}

	job := &domain.Job{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		UserEmail:  strings.TrimSpace(req.UserEmail),
		DocumentID: doc.ID,
		BuildingID: doc.BuildingID,
		StorageKey: storageKey,
		Filename:   filename,
		FileSize:   counter.n,
		MimeType:   mimeType,
		Status:     domain.JobPending,
		Priority:   req.Priority,
		RetryCount: 0,
		MaxRetries: uc.policy.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := uc.jobs.Create(ctx, job); err != nil {
		uc.removeDocument(doc.ID)
		uc.removeFile(storageKey)
		return nil, &domain.PersistenceError{Op: "create job", Err: err}
	}

	uc.log.Info().
		Str("job_id", job.ID).
		Str("document_id", doc.ID).
		Str("user_id", job.UserID).
		Int64("size_bytes", job.FileSize).
		Str("mime_type", mimeType).
		Msg("upload_accepted")

	return &domain.UploadReceipt{
		JobID:                   job.ID,
		DocumentID:              doc.ID,
		Status:                  job.Status,
		EstimatedProcessingTime: uc.policy.EstimatedProcessingTime,
		StatusURL:               uc.policy.StatusPathPrefix + job.ID,
	}, nil
}

func (uc *UploadUseCase) validateRequest(req domain.UploadRequest) error {
	if strings.TrimSpace(req.UserID) == "" {
		return domain.NewValidationError(domain.ConstraintMissingField, "user id is required")
	}
	if req.Body == nil {
		return domain.NewValidationError(domain.ConstraintMissingField, "file is required")
	}
	if req.Size == 0 {
		return domain.NewValidationError(domain.ConstraintEmpty, "empty file")
	}
	if req.Size > uc.policy.MaxBytes {
		return tooLarge(uc.policy.MaxBytes)
	}
	if req.Priority < MinPriority || req.Priority > MaxPriority {
		return domain.NewValidationError(domain.ConstraintInvalidPriority, "priority must be between %d and %d", MinPriority, MaxPriority)
	}
	return nil
}

// Compensating cleanup runs detached from the request so a cancelled caller
// does not leave orphans behind.
func (uc *UploadUseCase) removeFile(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := uc.storage.Delete(ctx, key); err != nil {
		uc.log.Warn().Err(err).Str("storage_key", key).Msg("orphan_file_cleanup_failed")
	}
}

func (uc *UploadUseCase) removeDocument(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := uc.docs.Delete(ctx, id); err != nil {
		uc.log.Warn().Err(err).Str("document_id", id).Msg("orphan_document_cleanup_failed")
	}
}

func tooLarge(limit int64) error {
	return domain.NewValidationError(domain.ConstraintTooLarge, "file exceeds maximum size of %d MB", limit>>20)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

var mimeAliases = map[string]string{
	"image/jpg":   domain.MimeJPEG,
	"image/pjpeg": domain.MimeJPEG,
	"image/tif":   domain.MimeTIFF,
	"image/x-png": domain.MimePNG,
}

// resolveMimeType normalizes the declared type and sniffs the content when
// the client did not declare anything useful.
func resolveMimeType(declared string, head []byte) string {
	mediaType := strings.ToLower(strings.TrimSpace(declared))
	if parsed, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = parsed
	}
	if alias, ok := mimeAliases[mediaType]; ok {
		mediaType = alias
	}
	if mediaType != "" && mediaType != "application/octet-stream" {
		return mediaType
	}

	if bytes.HasPrefix(head, []byte("II*\x00")) || bytes.HasPrefix(head, []byte("MM\x00*")) {
		return domain.MimeTIFF
	}
	sniffed, _, _ := mime.ParseMediaType(http.DetectContentType(head))
	return sniffed
}

func sanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	base = strings.TrimLeft(base, ".")
	if base == "" {
		return "document.bin"
	}
	return base
}

func sanitizeKeySegment(s string) string {
	out := sanitizeFilename(s)
	if out == "document.bin" {
		return "anonymous"
	}
	return out
}
