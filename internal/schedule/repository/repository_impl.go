package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/smallbiznis/cobro/internal/observability/metrics"
	"github.com/smallbiznis/cobro/internal/schedule/domain"
	"github.com/smallbiznis/cobro/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const scheduleColumns = `id, customer_id, collection_job_id, customer_name, email, address, city, country,
	card_holder, card_sealed, card_bin, card_last4, card_brand,
	amount, currency, frequency, start_date, time_of_day, reference, mode,
	status, subscription_id, charge_status, retry_attempts, current_attempt,
	retry_interval_minutes, cycle_number, last_attempt_at, next_attempt_at,
	processing_started_at, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, s *domain.Schedule) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO schedules (`+scheduleColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.CustomerID, s.CollectionJobID, s.CustomerName, s.Email, s.Address, s.City, s.Country,
		s.CardHolder, s.CardSealed, s.CardBIN, s.CardLast4, s.CardBrand,
		s.Amount, s.Currency, s.Frequency, s.StartDate, s.TimeOfDay, s.Reference, s.Mode,
		s.Status, s.SubscriptionID, s.ChargeStatus, s.RetryAttempts, s.CurrentAttempt,
		s.RetryIntervalMinutes, s.CycleNumber, s.LastAttemptAt, s.NextAttemptAt,
		s.ProcessingStartedAt, s.CreatedAt, s.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Schedule, error) {
	var schedule domain.Schedule
	err := db.WithContext(ctx).Raw(
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`,
		id,
	).Scan(&schedule).Error
	if err != nil {
		return nil, err
	}
	if schedule.ID == 0 {
		return nil, nil
	}
	return &schedule, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListScheduleFilter, page pagination.Pagination) ([]*domain.Schedule, error) {
	var schedules []*domain.Schedule
	stmt := db.WithContext(ctx).Model(&domain.Schedule{})
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.ChargeStatus != "" {
		stmt = stmt.Where("charge_status = ?", filter.ChargeStatus)
	}
	if filter.Mode != "" {
		stmt = stmt.Where("mode = ?", filter.Mode)
	}
	if filter.CollectionJobID != nil {
		stmt = stmt.Where("collection_job_id = ?", *filter.CollectionJobID)
	}
	if search := strings.ToLower(strings.TrimSpace(filter.Search)); search != "" {
		like := "%" + search + "%"
		stmt = stmt.Where(
			"(LOWER(customer_name) LIKE ? OR LOWER(email) LIKE ? OR LOWER(reference) LIKE ? OR card_last4 LIKE ?)",
			like, like, like, like,
		)
	}

	column := filter.OrderColumn
	if column != "start_date" {
		column = "created_at"
	}
	stmt, err := pagination.ApplyKeyset(stmt, page, column)
	if err != nil {
		return nil, err
	}
	if err := stmt.Find(&schedules).Error; err != nil {
		return nil, err
	}
	return schedules, nil
}

func (r *repo) MarkActivated(ctx context.Context, db *gorm.DB, id snowflake.ID, subscriptionID string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE schedules
		 SET status = ?, subscription_id = ?, updated_at = ?
		 WHERE id = ? AND mode = ? AND subscription_id IS NULL`,
		domain.StatusActive, subscriptionID, now, id, domain.ModeSubscription,
	)
	return res.RowsAffected == 1, res.Error
}

func (r *repo) MarkDeactivated(ctx context.Context, db *gorm.DB, id snowflake.ID, subscriptionID string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE schedules
		 SET status = ?, subscription_id = NULL, updated_at = ?
		 WHERE id = ? AND subscription_id = ?`,
		domain.StatusInactive, now, id, subscriptionID,
	)
	return res.RowsAffected == 1, res.Error
}

func (r *repo) ClaimAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE schedules
		 SET charge_status = ?, processing_started_at = ?, updated_at = ?
		 WHERE id = ? AND mode = ? AND charge_status = ?`,
		domain.ChargeStatusProcessing, now, now, id, domain.ModeOneShot, domain.ChargeStatusPending,
	)
	return res.RowsAffected == 1, res.Error
}

func (r *repo) CompleteAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome domain.AttemptOutcome) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE schedules
		 SET charge_status = ?, current_attempt = current_attempt + 1,
		     last_attempt_at = ?, next_attempt_at = ?, processing_started_at = NULL, updated_at = ?
		 WHERE id = ? AND charge_status = ?`,
		outcome.ChargeStatus, outcome.AttemptedAt, outcome.NextAttemptAt, outcome.AttemptedAt,
		id, domain.ChargeStatusProcessing,
	)
	return res.RowsAffected == 1, res.Error
}

func (r *repo) OpenNextCycle(ctx context.Context, db *gorm.DB, id snowflake.ID, fromCycle int, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE schedules
		 SET charge_status = ?, current_attempt = 0, cycle_number = cycle_number + 1, updated_at = ?
		 WHERE id = ? AND cycle_number = ? AND charge_status IN (?, ?)`,
		domain.ChargeStatusPending, now, id, fromCycle,
		domain.ChargeStatusCompleted, domain.ChargeStatusFailed,
	)
	return res.RowsAffected == 1, res.Error
}

func (r *repo) LockDueForCharge(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	lockStart := time.Now()
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM schedules
		 WHERE mode = ? AND charge_status = ? AND next_attempt_at <= ?
		 ORDER BY next_attempt_at ASC, id ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		domain.ModeOneShot, domain.ChargeStatusPending, now, limit,
	).Scan(&ids).Error
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceSchedulesDue, time.Since(lockStart))
	return ids, err
}

func (r *repo) LockStuckProcessing(ctx context.Context, db *gorm.DB, startedBefore time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	lockStart := time.Now()
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM schedules
		 WHERE charge_status = ? AND processing_started_at < ?
		 ORDER BY processing_started_at ASC, id ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		domain.ChargeStatusProcessing, startedBefore, limit,
	).Scan(&ids).Error
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceSchedulesStuck, time.Since(lockStart))
	return ids, err
}

func (r *repo) LockCycleCompleted(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]*domain.Schedule, error) {
	var schedules []*domain.Schedule
	lockStart := time.Now()
	err := db.WithContext(ctx).Raw(
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE mode = ? AND charge_status IN (?, ?)
		   AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?
		 ORDER BY next_attempt_at ASC, id ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		domain.ModeOneShot, domain.ChargeStatusCompleted, domain.ChargeStatusFailed, now, limit,
	).Scan(&schedules).Error
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceSchedulesCycleDone, time.Since(lockStart))
	return schedules, err
}
