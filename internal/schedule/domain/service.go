package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	processordomain "github.com/smallbiznis/cobro/internal/processor/domain"
	"github.com/smallbiznis/cobro/pkg/db/pagination"
)

type CreateScheduleRequest struct {
	// CustomerID may be zero; the customer is then upserted by email.
	CustomerID      snowflake.ID
	CollectionJobID *snowflake.ID

	CustomerName string
	Email        string
	Address      string
	City         string
	Country      string

	Card processordomain.Card

	Amount               float64
	Currency             string
	Frequency            string
	StartDate            time.Time
	TimeOfDay            string
	Reference            string
	Mode                 Mode
	// Nil retry fields take the collections defaults.
	RetryAttempts        *int
	RetryIntervalMinutes *int
}

type ListScheduleRequest struct {
	PageToken       string
	PageSize        int
	Status          string
	ChargeStatus    string
	Mode            string
	Search          string
	CollectionJobID string
}

type ListScheduleFilter struct {
	Status          Status
	ChargeStatus    ChargeStatus
	Mode            Mode
	Search          string
	CollectionJobID *snowflake.ID
	// OrderColumn is start_date for schedules and created_at for charge cycles.
	OrderColumn string
}

type ListScheduleResponse struct {
	pagination.PageInfo
	Schedules []Schedule `json:"schedules"`
}

type Service interface {
	Create(ctx context.Context, req CreateScheduleRequest) (Schedule, error)
	Get(ctx context.Context, id string) (Schedule, error)
	List(ctx context.Context, req ListScheduleRequest) (ListScheduleResponse, error)
	// ListCharges lists one-shot schedules by their charge cycle state.
	ListCharges(ctx context.Context, req ListScheduleRequest) (ListScheduleResponse, error)

	Activate(ctx context.Context, id snowflake.ID) (Schedule, error)
	Deactivate(ctx context.Context, id snowflake.ID) (Schedule, error)
	BulkActivate(ctx context.Context, ids []snowflake.ID) BatchResult
	BulkDeactivate(ctx context.Context, ids []snowflake.ID) BatchResult
}
