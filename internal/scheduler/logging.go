package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/cobro/internal/observability/context"
	obslogger "github.com/smallbiznis/cobro/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/cobro/internal/observability/metrics"
	scheduledomain "github.com/smallbiznis/cobro/internal/schedule/domain"
	"go.uber.org/zap"
)

type jobRun struct {
	job            string
	runID          string
	batchSize      int
	startedAt      time.Time
	batches        int
	processedCount int
	failedCount    int
	skippedCount   int
	errorCount     int
}

type jobRunKey struct{}

func (r *jobRun) AddResult(result scheduledomain.BatchResult) {
	if r == nil {
		return
	}
	r.batches++
	r.processedCount += result.Succeeded
	r.failedCount += result.Failed
	r.skippedCount += result.Skipped
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

func (s *Scheduler) ensureJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if existing := jobRunFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: time.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	ctx = obscontext.WithRequestID(ctx, run.runID)
	return ctx, run, true
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok {
		return run
	}
	return nil
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	s.logger(ctx).Debug("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("batches", run.batches),
		zap.Int("processed_count", run.processedCount),
		zap.Int("failed_count", run.failedCount),
		zap.Int("skipped_count", run.skippedCount),
		zap.Int("error_count", run.errorCount),
	}
	log := s.logger(ctx)
	switch {
	case run.errorCount > 0 || run.failedCount > 0:
		log.Warn("scheduler.job.finish", fields...)
	case run.processedCount > 0:
		log.Info("scheduler.job.finish", fields...)
	default:
		// Idle ticks are the common case.
		log.Debug("scheduler.job.finish", fields...)
	}
}

func (s *Scheduler) logSchedulerError(ctx context.Context, run *jobRun, msg string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	run.IncError()
	baseFields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.String("error", err.Error()),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
	}
	s.logger(ctx).Error(msg, append(baseFields, fields...)...)
}

// logRowErrors reports per-schedule failures of one batch.
func (s *Scheduler) logRowErrors(ctx context.Context, run *jobRun, result scheduledomain.BatchResult) {
	for _, rowErr := range result.Errors {
		s.logger(ctx).Warn("scheduler.charge.failed",
			zap.String("job", run.job),
			zap.String("run_id", run.runID),
			zap.String("schedule_id", rowErr.ID),
			zap.String("error", rowErr.Message),
		)
	}
}
