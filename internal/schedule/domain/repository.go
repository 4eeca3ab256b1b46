package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/cobro/pkg/db/pagination"
	"gorm.io/gorm"
)

// AttemptOutcome is the transition applied when a processing attempt ends.
// For terminal statuses NextAttemptAt is when the next cycle opens, nil
// when the schedule never renews.
type AttemptOutcome struct {
	ChargeStatus  ChargeStatus
	AttemptedAt   time.Time
	NextAttemptAt *time.Time
}

// Repository methods that return a bool report whether the conditional
// update matched a row. Every state change is a single guarded UPDATE.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, schedule *Schedule) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Schedule, error)
	List(ctx context.Context, db *gorm.DB, filter ListScheduleFilter, page pagination.Pagination) ([]*Schedule, error)

	MarkActivated(ctx context.Context, db *gorm.DB, id snowflake.ID, subscriptionID string, now time.Time) (bool, error)
	MarkDeactivated(ctx context.Context, db *gorm.DB, id snowflake.ID, subscriptionID string, now time.Time) (bool, error)

	ClaimAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	CompleteAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, outcome AttemptOutcome) (bool, error)
	OpenNextCycle(ctx context.Context, db *gorm.DB, id snowflake.ID, fromCycle int, now time.Time) (bool, error)

	LockDueForCharge(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]snowflake.ID, error)
	LockStuckProcessing(ctx context.Context, db *gorm.DB, startedBefore time.Time, limit int) ([]snowflake.ID, error)
	LockCycleCompleted(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]*Schedule, error)
}
