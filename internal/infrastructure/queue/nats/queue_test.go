package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/blociq/lease-pipeline/internal/core/domain"
)

func TestDecodeRequestAcceptsJSONAndBareID(t *testing.T) {
	payload, err := encodeRequest(ProcessRequest{JobID: "job-1", RequestedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	req, err := decodeRequest(payload)
	if err != nil || req.JobID != "job-1" {
		t.Fatalf("unexpected decode %+v err=%v", req, err)
	}

	req, err = decodeRequest([]byte("job-2"))
	if err != nil || req.JobID != "job-2" {
		t.Fatalf("expected bare id, got %+v err=%v", req, err)
	}

	req, err = decodeRequest(nil)
	if err != nil || req.JobID != "" {
		t.Fatalf("expected claim-next request, got %+v err=%v", req, err)
	}

	if _, err := decodeRequest([]byte("{broken")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestWrapTemporaryIfNeeded(t *testing.T) {
	err := wrapTemporaryIfNeeded(nats.ErrNoServers)
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}

	permanent := errors.New("nats: invalid subject")
	if got := wrapTemporaryIfNeeded(permanent); domain.IsKind(got, domain.ErrTemporary) {
		t.Fatalf("permanent error must not be wrapped")
	}

	if class := classifyNATSError(context.Canceled); class.Retryable || class.RecordFailure {
		t.Fatalf("cancellation must be neither retried nor recorded")
	}
}
