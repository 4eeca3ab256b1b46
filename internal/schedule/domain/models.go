package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// ChargeStatus is the per-cycle attempt state of a one-shot schedule.
// Subscription schedules leave it empty.
type ChargeStatus string

const (
	ChargeStatusNone       ChargeStatus = ""
	ChargeStatusPending    ChargeStatus = "pending"
	ChargeStatusProcessing ChargeStatus = "processing"
	ChargeStatusCompleted  ChargeStatus = "completed"
	ChargeStatusFailed     ChargeStatus = "failed"
)

func (s ChargeStatus) Terminal() bool {
	return s == ChargeStatusCompleted || s == ChargeStatusFailed
}

type Mode string

const (
	// ModeSubscription delegates recurrence to a processor subscription.
	ModeSubscription Mode = "subscription"
	// ModeOneShot charges each cycle from here with bounded retries.
	ModeOneShot Mode = "one_shot"
)

func ParseMode(value string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case ModeSubscription, "":
		return ModeSubscription, true
	case ModeOneShot, "oneshot", "one-shot":
		return ModeOneShot, true
	default:
		return "", false
	}
}

type Schedule struct {
	ID              snowflake.ID  `gorm:"primaryKey" json:"id"`
	CustomerID      snowflake.ID  `gorm:"not null;index" json:"customer_id"`
	CollectionJobID *snowflake.ID `gorm:"index" json:"collection_job_id,omitempty"`

	CustomerName string `gorm:"not null" json:"customer_name"`
	Email        string `gorm:"not null" json:"email"`
	Address      string `json:"address,omitempty"`
	City         string `json:"city,omitempty"`
	Country      string `json:"country,omitempty"`

	CardHolder string `gorm:"not null" json:"card_holder"`
	// CardSealed is the vault-sealed card (number, expiry, cvv).
	CardSealed string `gorm:"not null" json:"-"`
	CardBIN    string `gorm:"column:card_bin" json:"card_bin"`
	CardLast4  string `gorm:"column:card_last4" json:"card_last4"`
	CardBrand  string `json:"card_brand"`

	Amount    float64   `gorm:"type:numeric(18,2);not null" json:"amount"`
	Currency  string    `gorm:"not null" json:"currency"`
	Frequency string    `gorm:"not null" json:"frequency"`
	StartDate time.Time `gorm:"type:date;not null" json:"start_date"`
	TimeOfDay string    `gorm:"not null" json:"time_of_day"`
	Reference string    `json:"reference,omitempty"`
	Mode      Mode      `gorm:"not null" json:"mode"`

	Status         Status  `gorm:"not null" json:"status"`
	SubscriptionID *string `json:"subscription_id,omitempty"`

	ChargeStatus         ChargeStatus `gorm:"not null" json:"charge_status,omitempty"`
	RetryAttempts        int          `gorm:"not null" json:"retry_attempts"`
	CurrentAttempt       int          `gorm:"not null" json:"current_attempt"`
	RetryIntervalMinutes int          `gorm:"not null" json:"retry_interval_minutes"`
	CycleNumber          int          `gorm:"not null" json:"cycle_number"`
	LastAttemptAt        *time.Time   `json:"last_attempt_at,omitempty"`
	NextAttemptAt        *time.Time   `json:"next_attempt_at,omitempty"`
	ProcessingStartedAt  *time.Time   `json:"processing_started_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Schedule) TableName() string { return "schedules" }

func (s Schedule) IsActive() bool {
	return s.SubscriptionID != nil && *s.SubscriptionID != ""
}

// CardMask renders the stored card hints without opening the vault.
func (s Schedule) CardMask() string {
	if s.CardBIN == "" && s.CardLast4 == "" {
		return ""
	}
	return s.CardBIN + "XXXXXX" + s.CardLast4
}

// FirstAttemptAt is the start date combined with the time of day, in UTC.
func (s Schedule) FirstAttemptAt() time.Time {
	return CombineDateTime(s.StartDate, s.TimeOfDay)
}

// ShouldRetry reports whether a rejected attempt, counted before the
// increment, leaves room for another attempt in the cycle.
func ShouldRetry(currentAttempt, retryAttempts int) bool {
	if retryAttempts < 1 {
		retryAttempts = 1
	}
	return currentAttempt+1 < retryAttempts
}

// CombineDateTime joins a calendar date with an HH:MM[:SS] time of day.
// Unparseable times fall back to midnight.
func CombineDateTime(date time.Time, timeOfDay string) time.Time {
	y, m, d := date.UTC().Date()
	var hh, mm, ss int
	if t, err := time.Parse("15:04:05", strings.TrimSpace(timeOfDay)); err == nil {
		hh, mm, ss = t.Clock()
	} else if t, err := time.Parse("15:04", strings.TrimSpace(timeOfDay)); err == nil {
		hh, mm, ss = t.Clock()
	}
	return time.Date(y, m, d, hh, mm, ss, 0, time.UTC)
}

// BatchResult reports a bulk operation where each item succeeds or fails
// on its own.
type BatchResult struct {
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Skipped   int        `json:"skipped"`
	Errors    []RowError `json:"errors"`
}

type RowError struct {
	Row     int    `json:"row"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}
