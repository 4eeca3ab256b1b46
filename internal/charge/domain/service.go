package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	scheduledomain "github.com/smallbiznis/cobro/internal/schedule/domain"
	transactiondomain "github.com/smallbiznis/cobro/internal/transaction/domain"
)

// Outcome describes one executed attempt and the transition it caused.
type Outcome struct {
	ScheduleID    snowflake.ID                `json:"schedule_id"`
	TransactionID snowflake.ID                `json:"transaction_id"`
	Status        transactiondomain.Status    `json:"status"`
	ErrorKind     transactiondomain.ErrorKind `json:"error_kind,omitempty"`
	ISOCode       string                      `json:"iso_code"`
	ISOMessage    string                      `json:"iso_message"`
	ChargeStatus  scheduledomain.ChargeStatus `json:"charge_status"`
	AttemptNumber int                         `json:"attempt_number"`
	CycleNumber   int                         `json:"cycle_number"`
	NextAttemptAt *time.Time                  `json:"next_attempt_at,omitempty"`
}

func (o Outcome) Approved() bool {
	return o.Status == transactiondomain.StatusApproved
}

// Service runs one-shot charge attempts. Declines are outcomes, not errors.
type Service interface {
	Execute(ctx context.Context, scheduleID snowflake.ID) (Outcome, error)
	ExecuteDue(ctx context.Context, limit int) (scheduledomain.BatchResult, error)
	RecoverStuck(ctx context.Context, threshold time.Duration, limit int) (scheduledomain.BatchResult, error)
	OpenDueCycles(ctx context.Context, limit int) (scheduledomain.BatchResult, error)
}

// ErrTransitionLost means the attempt was recorded but the schedule had
// already left processing, usually because recovery ran first.
var ErrTransitionLost = errors.New("charge_transition_lost")

// Codes and messages for attempts the processor never answered.
const (
	MessageProcessingTimeout = "Tiempo de procesamiento agotado"
	MessageCardUnreadable    = "Datos de tarjeta ilegibles"
)
