package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cobro/internal/charge/domain"
	obsmetrics "github.com/smallbiznis/cobro/internal/observability/metrics"
	processordomain "github.com/smallbiznis/cobro/internal/processor/domain"
	scheduledomain "github.com/smallbiznis/cobro/internal/schedule/domain"
	transactiondomain "github.com/smallbiznis/cobro/internal/transaction/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RecoverStuck settles attempts left in processing longer than threshold,
// typically after a crash between claim and outcome. The processor answer
// was never observed, so the attempt is recorded as a pending transaction
// and the cycle advances as a transport failure.
func (s *Service) RecoverStuck(ctx context.Context, threshold time.Duration, limit int) (scheduledomain.BatchResult, error) {
	if threshold <= 0 {
		threshold = 15 * time.Minute
	}
	if limit <= 0 {
		limit = 50
	}
	now := s.clock.Now()
	result := scheduledomain.BatchResult{Errors: []scheduledomain.RowError{}}

	type recovered struct {
		schedule *scheduledomain.Schedule
		txn      *transactiondomain.Transaction
		outcome  domain.Outcome
	}
	var done []recovered

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids, err := s.repo.LockStuckProcessing(ctx, tx, now.Add(-threshold), limit)
		if err != nil {
			return err
		}
		for i, id := range ids {
			var item recovered
			rowErr := tx.Transaction(func(rowTx *gorm.DB) error {
				schedule, err := s.repo.FindByID(ctx, rowTx, id)
				if err != nil {
					return err
				}
				if schedule == nil {
					return scheduledomain.ErrNotFound
				}

				a := attempt{
					status:     transactiondomain.StatusPending,
					errorKind:  transactiondomain.ErrorKindTransport,
					isoCode:    processordomain.CodeProcessingTimeout,
					isoMessage: domain.MessageProcessingTimeout,
				}
				txn := s.transactionFor(schedule, a, now)
				transition := s.transitionFor(schedule, transactiondomain.StatusRejected, now)

				if err := s.transactions.RecordTx(ctx, rowTx, txn); err != nil {
					return err
				}
				ok, err := s.repo.CompleteAttempt(ctx, rowTx, id, transition)
				if err != nil {
					return err
				}
				if !ok {
					return scheduledomain.ErrChargeNotPending
				}
				item = recovered{
					schedule: schedule,
					txn:      txn,
					outcome: domain.Outcome{
						ScheduleID:    id,
						TransactionID: txn.ID,
						Status:        a.status,
						ErrorKind:     a.errorKind,
						ISOCode:       a.isoCode,
						ISOMessage:    a.isoMessage,
						ChargeStatus:  transition.ChargeStatus,
						AttemptNumber: txn.AttemptNumber,
						CycleNumber:   schedule.CycleNumber,
						NextAttemptAt: transition.NextAttemptAt,
					},
				}
				return nil
			})
			if rowErr != nil {
				obsmetrics.Scheduler().IncChargeError(obsmetrics.ChargeStageRecover, rowErr)
				result.Failed++
				result.Errors = append(result.Errors, scheduledomain.RowError{Row: i + 1, ID: id.String(), Message: rowErr.Error()})
				continue
			}
			result.Succeeded++
			done = append(done, item)
		}
		return nil
	})
	if err != nil {
		obsmetrics.Scheduler().IncChargeError(obsmetrics.ChargeStageRecover, err)
		return scheduledomain.BatchResult{}, fmt.Errorf("recover stuck charges: %w", err)
	}

	for _, item := range done {
		obsmetrics.Scheduler().IncChargeTransition(string(scheduledomain.ChargeStatusProcessing), string(item.outcome.ChargeStatus))
		s.metrics.RecordChargeAttempt(ctx, s.processor.Name(), string(transactiondomain.StatusPending), processordomain.CodeProcessingTimeout)
		s.publish(ctx, item.schedule, item.txn, item.outcome)
		s.log.Warn("stuck charge recovered",
			zap.String("schedule_id", item.schedule.ID.String()),
			zap.Int("cycle", item.outcome.CycleNumber),
			zap.Int("attempt", item.outcome.AttemptNumber),
			zap.String("charge_status", string(item.outcome.ChargeStatus)),
		)
	}
	return result, nil
}

// OpenDueCycles moves terminal one-shot schedules into the next cycle once
// that cycle has started. Schedules with frequency once never reopen.
func (s *Service) OpenDueCycles(ctx context.Context, limit int) (scheduledomain.BatchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	now := s.clock.Now()
	result := scheduledomain.BatchResult{Errors: []scheduledomain.RowError{}}

	type openedCycle struct {
		id   snowflake.ID
		from scheduledomain.ChargeStatus
	}
	var opened []openedCycle
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		schedules, err := s.repo.LockCycleCompleted(ctx, tx, now, limit)
		if err != nil {
			return err
		}
		for _, schedule := range schedules {
			ok, err := s.repo.OpenNextCycle(ctx, tx, schedule.ID, schedule.CycleNumber, now)
			if err != nil {
				return err
			}
			if !ok {
				result.Skipped++
				continue
			}
			opened = append(opened, openedCycle{id: schedule.ID, from: schedule.ChargeStatus})
		}
		return nil
	})
	if err != nil {
		obsmetrics.Scheduler().IncChargeError(obsmetrics.ChargeStageOpenCycle, err)
		return scheduledomain.BatchResult{}, fmt.Errorf("open next cycles: %w", err)
	}

	for _, c := range opened {
		obsmetrics.Scheduler().IncChargeTransition(string(c.from), string(scheduledomain.ChargeStatusPending))
	}
	result.Succeeded = len(opened)
	if len(opened) > 0 {
		s.log.Info("charge cycles opened", zap.Int("count", len(opened)))
	}
	return result, nil
}
