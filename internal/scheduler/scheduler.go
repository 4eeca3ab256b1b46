package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	chargedomain "github.com/smallbiznis/cobro/internal/charge/domain"
	"github.com/smallbiznis/cobro/internal/metricspush"
	obsmetrics "github.com/smallbiznis/cobro/internal/observability/metrics"
	scheduledomain "github.com/smallbiznis/cobro/internal/schedule/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobRecoverStuckCharges = "recover_stuck_charges"
	JobOpenNextCycles      = "open_next_cycles"
	JobExecuteDueCharges   = "execute_due_charges"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log     *zap.Logger
	Charges chargedomain.Service
	GenID   *snowflake.Node
	Pusher  metricspush.Pusher `optional:"true"`
	Config  Config             `optional:"true"`
}

type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	genID   *snowflake.Node
	charges chargedomain.Service
	pusher  metricspush.Pusher
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Charges == nil || p.GenID == nil {
		return nil, ErrInvalidConfig
	}
	pusher := p.Pusher
	if pusher == nil {
		pusher = metricspush.Noop{}
	}
	return &Scheduler{
		log:     p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:     p.Config.withDefaults(),
		genID:   p.GenID,
		charges: p.Charges,
		pusher:  pusher,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// Deadline is a soft timeout; the next tick picks up the rest.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.String("run_id", run.runID),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job once. Recovery goes first so stuck
// attempts are settled before new cycles open, and cycles open before due
// charges are claimed so a renewed cycle can be charged on the same tick.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobRecoverStuckCharges, s.RecoverStuckChargesJob},
		{JobOpenNextCycles, s.OpenNextCyclesJob},
		{JobExecuteDueCharges, s.ExecuteDueChargesJob},
	}
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
	}

	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(parent), 10*time.Second)
	defer cancel()
	if pushErr := s.pusher.Push(pushCtx); pushErr != nil {
		s.log.Warn("metrics push failed", zap.Error(pushErr))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	s.log.Info("scheduler started",
		zap.Duration("interval", s.cfg.RunInterval),
		zap.Int("batch_size", s.cfg.BatchSize),
		zap.Strings("jobs", s.cfg.EnabledJobs),
	)
	for {
		if runLag := time.Since(nextRun); runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty means every job, as in the monolith.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) ExecuteDueChargesJob(ctx context.Context) error {
	return s.drain(ctx, JobExecuteDueCharges, "schedule", func(ctx context.Context) (scheduledomain.BatchResult, error) {
		return s.charges.ExecuteDue(ctx, s.cfg.BatchSize)
	})
}

func (s *Scheduler) RecoverStuckChargesJob(ctx context.Context) error {
	return s.drain(ctx, JobRecoverStuckCharges, "schedule", func(ctx context.Context) (scheduledomain.BatchResult, error) {
		return s.charges.RecoverStuck(ctx, s.cfg.RecoveryThreshold, s.cfg.BatchSize)
	})
}

func (s *Scheduler) OpenNextCyclesJob(ctx context.Context) error {
	return s.drain(ctx, JobOpenNextCycles, "cycle", func(ctx context.Context) (scheduledomain.BatchResult, error) {
		return s.charges.OpenDueCycles(ctx, s.cfg.BatchSize)
	})
}

// drain repeats batch until it comes back short, the context ends or
// MaxBatchesPerRun is reached.
func (s *Scheduler) drain(ctx context.Context, job, resource string, batch func(context.Context) (scheduledomain.BatchResult, error)) error {
	ctx, run, owner := s.ensureJobRun(ctx, job, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()

	for i := 0; i < s.cfg.MaxBatchesPerRun; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		result, err := batch(ctx)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.batch.failed", err)
			return err
		}
		run.AddResult(result)
		s.logRowErrors(ctx, run, result)
		schedMetrics.AddBatchProcessed(job, resource, result.Succeeded)

		claimed := result.Succeeded + result.Failed + result.Skipped
		if claimed == 0 {
			schedMetrics.IncBatchDeferred(job, obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
			return nil
		}
		if claimed < s.cfg.BatchSize {
			return nil
		}
	}
	return nil
}
