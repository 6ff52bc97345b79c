package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/blociq/lease-pipeline/internal/core/domain"
	"github.com/blociq/lease-pipeline/internal/core/ports"
)

type SchedulePolicy struct {
	MaxConcurrentJobs int
	QueueWindow       time.Duration
	ProcessingTimeout time.Duration
	RetentionDays     int
	RetryDelay        time.Duration
	StaleBatchSize    int

	LockKey string
	LockTTL time.Duration
}

func (p SchedulePolicy) withDefaults() SchedulePolicy {
	if p.MaxConcurrentJobs <= 0 {
		p.MaxConcurrentJobs = 3
	}
	if p.QueueWindow <= 0 {
		p.QueueWindow = 24 * time.Hour
	}
	if p.StaleBatchSize <= 0 {
		p.StaleBatchSize = 50
	}
	if p.LockKey == "" {
		p.LockKey = "lease-pipeline:scheduler:tick"
	}
	if p.LockTTL <= 0 {
		p.LockTTL = 55 * time.Second
	}
	return p
}

// ScheduleUseCase is stateless between ticks. Everything it needs is read
// back from the job table on every call.
type ScheduleUseCase struct {
	queue      ports.QueueInspector
	claimer    ports.JobClaimer
	dispatcher ports.ProcessDispatcher
	notifier   ports.NotificationSweeper
	locker     ports.Locker
	policy     SchedulePolicy
	log        *zerolog.Logger

	now func() time.Time
}

func NewScheduleUseCase(
	queue ports.QueueInspector,
	claimer ports.JobClaimer,
	dispatcher ports.ProcessDispatcher,
	notifier ports.NotificationSweeper,
	locker ports.Locker,
	policy SchedulePolicy,
	logger *zerolog.Logger,
) *ScheduleUseCase {
	return &ScheduleUseCase{
		queue:      queue,
		claimer:    claimer,
		dispatcher: dispatcher,
		notifier:   notifier,
		locker:     locker,
		policy:     policy.withDefaults(),
		log:        componentLogger(logger, "scheduler"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (uc *ScheduleUseCase) Tick(ctx context.Context) (domain.TickReport, error) {
	var report domain.TickReport

	if uc.locker != nil {
		token, err := uc.locker.TryLock(ctx, uc.policy.LockKey, uc.policy.LockTTL)
		if err != nil {
			if domain.IsKind(err, domain.ErrLockHeld) {
				uc.log.Info().Msg("tick_skipped_lock_held")
				report.Skipped = true
				return report, nil
			}
			return report, fmt.Errorf("acquire scheduler lock: %w", err)
		}
		defer func() {
			unlockCtx, cancel := detached(ctx)
			defer cancel()
			if err := uc.locker.Unlock(unlockCtx, uc.policy.LockKey, token); err != nil {
				uc.log.Warn().Err(err).Msg("scheduler_unlock_failed")
			}
		}()
	}

	now := uc.now()
	uc.requeueStale(ctx, now, &report)

	counts, err := uc.queue.CountQueue(ctx, now.Add(-uc.policy.QueueWindow), now)
	if err != nil {
		err = fmt.Errorf("count queue: %w", err)
		report.Errors = append(report.Errors, err.Error())
		uc.log.Error().Err(err).Msg("tick_count_failed")
	} else {
		report.Queue = counts
		uc.launch(ctx, counts, &report)
	}

	uc.sweepNotifications(ctx, &report)
	uc.purgeExpired(ctx, now, &report)

	uc.log.Info().
		Int("pending", report.Queue.Pending).
		Int("processing", report.Queue.Processing).
		Int("launched", report.Launched).
		Int("launch_failures", report.LaunchFailures).
		Int("requeued", report.Requeued).
		Int("notified", report.Notified).
		Int64("purged", report.Purged).
		Msg("tick_completed")
	return report, err
}

// AvailableSlots is the number of processor invocations a tick may launch.
func AvailableSlots(maxConcurrent int, counts domain.QueueCounts) int {
	available := maxConcurrent - counts.Processing
	if available <= 0 || counts.Pending <= 0 {
		return 0
	}
	if counts.Pending < available {
		return counts.Pending
	}
	return available
}

func (uc *ScheduleUseCase) launch(ctx context.Context, counts domain.QueueCounts, report *domain.TickReport) {
	report.AvailableSlots = uc.policy.MaxConcurrentJobs - counts.Processing
	if report.AvailableSlots < 0 {
		report.AvailableSlots = 0
	}

	n := AvailableSlots(uc.policy.MaxConcurrentJobs, counts)
	for i := 0; i < n; i++ {
		// Each request claims independently; the dispatcher never names a job.
		if err := uc.dispatcher.DispatchProcess(ctx, ""); err != nil {
			report.LaunchFailures++
			uc.log.Warn().Err(err).Int("invocation", i+1).Msg("dispatch_failed")
			continue
		}
		report.Launched++
	}
}

func (uc *ScheduleUseCase) requeueStale(ctx context.Context, now time.Time, report *domain.TickReport) {
	if uc.policy.ProcessingTimeout <= 0 {
		return
	}
	stale, err := uc.claimer.ListStale(ctx, now.Add(-uc.policy.ProcessingTimeout), uc.policy.StaleBatchSize)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("list stale jobs: %v", err))
		uc.log.Error().Err(err).Msg("list_stale_failed")
		return
	}

	timeoutErr := domain.NewTransientError(
		domain.FailureNetwork,
		fmt.Errorf("processing attempt exceeded %s", uc.policy.ProcessingTimeout),
	)
	for i := range stale {
		job := &stale[i]
		decision := domain.DecideFailure(job, timeoutErr, now, uc.policy.RetryDelay)
		if err := uc.claimer.RecordFailure(ctx, job.Claim(), decision, now); err != nil {
			if errors.Is(err, domain.ErrClaimLost) {
				continue
			}
			uc.log.Warn().Err(err).Str("job_id", job.ID).Msg("requeue_stale_failed")
			continue
		}
		report.Requeued++
		uc.log.Warn().
			Str("job_id", job.ID).
			Str("status", string(decision.Status)).
			Int("retry_count", decision.RetryCount).
			Msg("stale_job_requeued")
	}
}

func (uc *ScheduleUseCase) sweepNotifications(ctx context.Context, report *domain.TickReport) {
	if uc.notifier == nil {
		return
	}
	res, err := uc.notifier.Sweep(ctx)
	report.Notified = res.Sent
	report.NotifyFailures = res.Failed
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("notification sweep: %v", err))
		uc.log.Error().Err(err).Msg("notification_sweep_failed")
	}
}

func (uc *ScheduleUseCase) purgeExpired(ctx context.Context, now time.Time, report *domain.TickReport) {
	if uc.policy.RetentionDays <= 0 {
		return
	}
	cutoff := now.AddDate(0, 0, -uc.policy.RetentionDays)
	purged, err := uc.queue.PurgeTerminalBefore(ctx, cutoff)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("retention sweep: %v", err))
		uc.log.Error().Err(err).Msg("retention_sweep_failed")
		return
	}
	report.Purged = purged
}
