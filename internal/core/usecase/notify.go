package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/blociq/lease-pipeline/internal/core/domain"
	"github.com/blociq/lease-pipeline/internal/core/ports"
)

type NotifyPolicy struct {
	BatchSize     int
	PublicBaseURL string
}

type NotifyUseCase struct {
	outbox ports.NotificationOutbox
	sender ports.NotificationSender
	policy NotifyPolicy
	log    *zerolog.Logger

	now func() time.Time
}

func NewNotifyUseCase(
	outbox ports.NotificationOutbox,
	sender ports.NotificationSender,
	policy NotifyPolicy,
	logger *zerolog.Logger,
) *NotifyUseCase {
	if policy.BatchSize <= 0 {
		policy.BatchSize = 25
	}
	policy.PublicBaseURL = strings.TrimRight(policy.PublicBaseURL, "/")
	return &NotifyUseCase{
		outbox: outbox,
		sender: sender,
		policy: policy,
		log:    componentLogger(logger, "notifier"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Sweep sends one message per terminal job that has not been notified yet.
// A failed send leaves the flag untouched so the next sweep tries again.
func (uc *NotifyUseCase) Sweep(ctx context.Context) (domain.NotifyReport, error) {
	var report domain.NotifyReport
	if uc.sender == nil {
		return report, nil
	}

	jobs, err := uc.outbox.ListPendingNotifications(ctx, uc.policy.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list pending notifications: %w", err)
	}

	for i := range jobs {
		job := &jobs[i]
		if !job.Status.IsTerminal() || strings.TrimSpace(job.UserEmail) == "" {
			continue
		}
		report.Attempted++

		msg, err := composeNotification(job, uc.policy.PublicBaseURL)
		if err != nil {
			report.Failed++
			uc.log.Error().Err(err).Str("job_id", job.ID).Msg("compose_notification_failed")
			continue
		}
		if err := uc.sender.Send(ctx, msg); err != nil {
			report.Failed++
			uc.log.Warn().Err(err).Str("job_id", job.ID).Msg("notification_send_failed")
			continue
		}
		if err := uc.outbox.MarkNotified(ctx, job.ID, uc.now()); err != nil {
			if domain.IsKind(err, domain.ErrClaimLost) {
				uc.log.Debug().Str("job_id", job.ID).Msg("notification_already_marked")
				continue
			}
			report.Failed++
			uc.log.Error().Err(err).Str("job_id", job.ID).Msg("mark_notified_failed")
			continue
		}
		report.Sent++
	}
	return report, nil
}
