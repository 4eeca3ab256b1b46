package domain

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrNotFound             = errors.New("schedule_not_found")
	ErrInvalidID            = errors.New("invalid_schedule_id")
	ErrAlreadyActive        = errors.New("already_active")
	ErrNotActive            = errors.New("not_active")
	ErrActivationInProgress = errors.New("activation_in_progress")
	ErrChargeNotPending     = errors.New("charge_not_pending")
	ErrNotOneShot           = errors.New("not_one_shot")
	ErrNotSubscription      = errors.New("not_subscription")
	ErrInvalidMode          = errors.New("invalid_mode")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrInvalidFrequency     = errors.New("invalid_frequency")
	ErrInvalidStartDate     = errors.New("invalid_start_date")
	ErrInvalidTimeOfDay     = errors.New("invalid_time_of_day")
	ErrInvalidEmail         = errors.New("invalid_email")
	ErrInvalidCustomerName  = errors.New("invalid_customer_name")
	ErrInvalidCard          = errors.New("invalid_card")
	ErrInvalidRetryPolicy   = errors.New("invalid_retry_policy")
)

// PersistenceError is a database failure after the processor already
// mutated remote state. The two sides disagree until reconciled.
type PersistenceError struct {
	Op         string
	ScheduleID snowflake.ID
	RemoteRef  string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s for schedule %s (remote %s): %v", e.Op, e.ScheduleID, e.RemoteRef, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
